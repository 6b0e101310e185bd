package ipc

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	scribeerrors "github.com/odvcencio/scribe/pkg/errors"
	"github.com/odvcencio/scribe/pkg/logging"
	"github.com/odvcencio/scribe/pkg/storage"
)

type createDocumentRequest struct {
	Title   string `json:"title"`
	Content string `json:"content"`
}

func (s *Server) handleListDocuments(w http.ResponseWriter, r *http.Request) {
	s.flushAutosave()
	docs, err := s.store.ListDocuments()
	if err != nil {
		respondFailure(w, err)
		return
	}
	if docs == nil {
		docs = []storage.DocumentSummary{}
	}
	limit := parseIntDefault(r.URL.Query().Get("limit"), len(docs))
	if limit < len(docs) {
		docs = docs[:limit]
	}
	respondJSON(w, map[string]any{"documents": docs})
}

func (s *Server) handleCreateDocument(w http.ResponseWriter, r *http.Request) {
	var req createDocumentRequest
	if status, err := decodeJSONBody(w, r, &req, maxBodyBytesDocument, true); err != nil {
		respondError(w, status, err)
		return
	}
	doc, err := s.store.CreateDocument(req.Title, req.Content)
	if err != nil {
		respondFailure(w, err)
		return
	}
	respondJSONStatus(w, http.StatusCreated, doc)
}

func (s *Server) handleGetDocument(w http.ResponseWriter, r *http.Request) {
	s.flushAutosave()
	doc, err := s.store.GetDocument(documentIDParam(r))
	if err != nil {
		respondFailure(w, err)
		return
	}
	respondJSON(w, doc)
}

func (s *Server) handleUpdateDocument(w http.ResponseWriter, r *http.Request) {
	var patch storage.DocumentPatch
	if status, err := decodeJSONBody(w, r, &patch, maxBodyBytesDocument, false); err != nil {
		respondError(w, status, err)
		return
	}
	if patch.Title == nil && patch.Content == nil {
		respondFailure(w, scribeerrors.New(scribeerrors.ErrCodeInvalidInput, "nothing to update").
			WithUserMessage("Send a title or content to update."))
		return
	}
	s.flushAutosave()
	doc, err := s.store.UpdateDocument(documentIDParam(r), patch)
	if err != nil {
		respondFailure(w, err)
		return
	}
	respondJSON(w, doc)
}

func (s *Server) handleDeleteDocument(w http.ResponseWriter, r *http.Request) {
	s.flushAutosave()
	if err := s.store.DeleteDocument(documentIDParam(r)); err != nil {
		respondFailure(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func documentIDParam(r *http.Request) string {
	return strings.TrimSpace(chi.URLParam(r, "documentID"))
}

// flushAutosave writes pending editor changes so REST reads see them.
func (s *Server) flushAutosave() {
	if s.autosaver == nil {
		return
	}
	if err := s.autosaver.Flush(); err != nil {
		_ = s.logger.Warn(logging.CategoryStorage, "autosave.flush_failed", "failed to flush editor changes", map[string]any{"error": err.Error()})
	}
}
