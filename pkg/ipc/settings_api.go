package ipc

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/odvcencio/scribe/pkg/editor"
	scribeerrors "github.com/odvcencio/scribe/pkg/errors"
	"github.com/odvcencio/scribe/pkg/model"
)

const completeTimeout = 30 * time.Second

type setModelRequest struct {
	Selection string `json:"selection"`
}

type setCredentialRequest struct {
	APIKey string `json:"apiKey"`
}

type completeRequest struct {
	Text string `json:"text"`
}

type providerModels struct {
	ID                 string            `json:"id"`
	Name               string            `json:"name"`
	RequiresCredential bool              `json:"requiresCredential"`
	Models             []model.ModelInfo `json:"models"`
}

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	if s.settings == nil {
		respondError(w, http.StatusServiceUnavailable, errors.New("settings are not available"))
		return
	}
	view, err := s.settings.View(r.Context())
	if err != nil {
		respondFailure(w, err)
		return
	}
	respondJSON(w, view)
}

func (s *Server) handleSetModel(w http.ResponseWriter, r *http.Request) {
	if !s.allowSettingsWrite(w, r) {
		return
	}
	var req setModelRequest
	if status, err := decodeJSONBody(w, r, &req, maxBodyBytesTiny, false); err != nil {
		respondError(w, status, err)
		return
	}
	if err := s.settings.SetSelection(r.Context(), strings.TrimSpace(req.Selection)); err != nil {
		respondFailure(w, err)
		return
	}
	s.handleGetSettings(w, r)
}

func (s *Server) handleSetCredential(w http.ResponseWriter, r *http.Request) {
	if !s.allowSettingsWrite(w, r) {
		return
	}
	var req setCredentialRequest
	if status, err := decodeJSONBody(w, r, &req, maxBodyBytesTiny, false); err != nil {
		respondError(w, status, err)
		return
	}
	if strings.TrimSpace(req.APIKey) == "" {
		respondFailure(w, scribeerrors.New(scribeerrors.ErrCodeInvalidInput, "apiKey is required").
			WithUserMessage("Enter an API key, or remove the stored one instead."))
		return
	}
	if err := s.settings.SetCredential(r.Context(), chi.URLParam(r, "provider"), req.APIKey); err != nil {
		respondFailure(w, err)
		return
	}
	s.handleGetSettings(w, r)
}

func (s *Server) handleDeleteCredential(w http.ResponseWriter, r *http.Request) {
	if !s.allowSettingsWrite(w, r) {
		return
	}
	if err := s.settings.SetCredential(r.Context(), chi.URLParam(r, "provider"), ""); err != nil {
		respondFailure(w, err)
		return
	}
	s.handleGetSettings(w, r)
}

// allowSettingsWrite rejects writes when settings are unavailable or the
// caller is writing faster than settingsWriteRate.
func (s *Server) allowSettingsWrite(w http.ResponseWriter, r *http.Request) bool {
	if s.settings == nil {
		respondError(w, http.StatusServiceUnavailable, errors.New("settings are not available"))
		return false
	}
	if !s.settingsLimiter.Allow(clientKey(r)) {
		respondError(w, http.StatusTooManyRequests, errors.New("too many settings changes"))
		return false
	}
	return true
}

func (s *Server) handleListModels(w http.ResponseWriter, r *http.Request) {
	var descriptors []model.Descriptor
	if s.gateway != nil {
		descriptors = s.gateway.Descriptors()
	} else {
		descriptors = model.Builtin()
	}
	catalog := model.Catalog(descriptors)

	providers := make([]providerModels, 0, len(descriptors))
	for _, d := range descriptors {
		providers = append(providers, providerModels{
			ID:                 d.ID,
			Name:               d.Name,
			RequiresCredential: d.RequiresCredential,
			Models:             catalog[d.ID],
		})
	}
	sort.Slice(providers, func(i, j int) bool { return providers[i].ID < providers[j].ID })
	respondJSON(w, map[string]any{"providers": providers})
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	var req completeRequest
	if status, err := decodeJSONBody(w, r, &req, maxBodyBytesDocument, false); err != nil {
		respondError(w, status, err)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), completeTimeout)
	defer cancel()

	completion, err := editor.Complete(ctx, s.controller, req.Text)
	if err != nil {
		respondFailure(w, err)
		return
	}
	respondJSON(w, map[string]string{
		"suggestion": completion.Suggestion,
		"text":       completion.Full,
	})
}

func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
