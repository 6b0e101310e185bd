package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	scribeerrors "github.com/odvcencio/scribe/pkg/errors"
)

// DefaultDocumentTitle names documents created without a title.
const DefaultDocumentTitle = "Untitled Document"

func documentNotFound(id string) error {
	return scribeerrors.New(scribeerrors.ErrCodeStorageNotFound, "document not found").
		WithContext("id", id).
		WithUserMessage("That document no longer exists.")
}

// IsNotFound reports whether err means the document does not exist.
func IsNotFound(err error) bool {
	return scribeerrors.IsCode(err, scribeerrors.ErrCodeStorageNotFound)
}

// Document is a persisted plain-text document.
type Document struct {
	ID           string     `json:"id"`
	Title        string     `json:"title"`
	Content      string     `json:"content"`
	CreatedAt    time.Time  `json:"createdAt"`
	UpdatedAt    time.Time  `json:"updatedAt"`
	LastOpenedAt *time.Time `json:"lastOpenedAt,omitempty"`
}

// DocumentSummary is a Document without its content, for listings.
type DocumentSummary struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Preview   string    `json:"preview"`
	UpdatedAt time.Time `json:"updatedAt"`
}

const previewRunes = 80

// DocumentPatch carries optional fields for UpdateDocument.
type DocumentPatch struct {
	Title   *string `json:"title,omitempty"`
	Content *string `json:"content,omitempty"`
}

// CreateDocument inserts a new document with a fresh id.
func (s *Store) CreateDocument(title, content string) (*Document, error) {
	if s == nil || s.db == nil {
		return nil, ErrStoreClosed
	}
	title = strings.TrimSpace(title)
	if title == "" {
		title = DefaultDocumentTitle
	}
	now := s.timestamp()
	doc := &Document{
		ID:        uuid.NewString(),
		Title:     title,
		Content:   content,
		CreatedAt: now,
		UpdatedAt: now,
	}
	err := withBusyRetry(func() error {
		_, err := s.db.Exec(`
			INSERT INTO documents (id, title, content, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?)
		`, doc.ID, doc.Title, doc.Content, doc.CreatedAt, doc.UpdatedAt)
		return err
	})
	if err != nil {
		return nil, scribeerrors.Wrap(err, scribeerrors.ErrCodeStorageWrite, "create document")
	}
	s.notify(newEvent(EventDocumentCreated, doc.ID, DocumentSummary{ID: doc.ID, Title: doc.Title, UpdatedAt: doc.UpdatedAt}))
	return doc, nil
}

// GetDocument loads a document by id.
func (s *Store) GetDocument(id string) (*Document, error) {
	if s == nil || s.db == nil {
		return nil, ErrStoreClosed
	}
	var (
		doc        Document
		lastOpened sql.NullTime
	)
	err := s.db.QueryRow(`
		SELECT id, title, content, created_at, updated_at, last_opened_at
		FROM documents WHERE id = ?
	`, id).Scan(&doc.ID, &doc.Title, &doc.Content, &doc.CreatedAt, &doc.UpdatedAt, &lastOpened)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, documentNotFound(id)
	}
	if err != nil {
		return nil, scribeerrors.Wrap(err, scribeerrors.ErrCodeStorageRead, "get document")
	}
	if lastOpened.Valid {
		t := lastOpened.Time
		doc.LastOpenedAt = &t
	}
	return &doc, nil
}

// ListDocuments returns summaries, most recently updated first.
func (s *Store) ListDocuments() ([]DocumentSummary, error) {
	if s == nil || s.db == nil {
		return nil, ErrStoreClosed
	}
	rows, err := s.db.Query(`
		SELECT id, title, substr(content, 1, ?), updated_at
		FROM documents
		ORDER BY updated_at DESC, id
	`, previewRunes*4)
	if err != nil {
		return nil, scribeerrors.Wrap(err, scribeerrors.ErrCodeStorageRead, "list documents")
	}
	defer rows.Close()

	out := []DocumentSummary{}
	for rows.Next() {
		var d DocumentSummary
		if err := rows.Scan(&d.ID, &d.Title, &d.Preview, &d.UpdatedAt); err != nil {
			return nil, scribeerrors.Wrap(err, scribeerrors.ErrCodeStorageRead, "scan document")
		}
		d.Preview = preview(d.Preview)
		out = append(out, d)
	}
	return out, rows.Err()
}

// UpdateDocument applies patch and bumps updated_at. An empty title resets to
// the default.
func (s *Store) UpdateDocument(id string, patch DocumentPatch) (*Document, error) {
	if s == nil || s.db == nil {
		return nil, ErrStoreClosed
	}
	sets := []string{"updated_at = ?"}
	args := []any{s.timestamp()}
	if patch.Title != nil {
		title := strings.TrimSpace(*patch.Title)
		if title == "" {
			title = DefaultDocumentTitle
		}
		sets = append(sets, "title = ?")
		args = append(args, title)
	}
	if patch.Content != nil {
		sets = append(sets, "content = ?")
		args = append(args, *patch.Content)
	}
	args = append(args, id)

	var affected int64
	err := withBusyRetry(func() error {
		res, err := s.db.Exec(fmt.Sprintf(`UPDATE documents SET %s WHERE id = ?`, strings.Join(sets, ", ")), args...)
		if err != nil {
			return err
		}
		affected, _ = res.RowsAffected()
		return nil
	})
	if err != nil {
		return nil, scribeerrors.Wrap(err, scribeerrors.ErrCodeStorageWrite, "update document")
	}
	if affected == 0 {
		return nil, documentNotFound(id)
	}
	doc, err := s.GetDocument(id)
	if err != nil {
		return nil, err
	}
	s.notify(newEvent(EventDocumentUpdated, id, DocumentSummary{ID: doc.ID, Title: doc.Title, UpdatedAt: doc.UpdatedAt}))
	return doc, nil
}

// SaveContent replaces a document's content.
func (s *Store) SaveContent(id, content string) error {
	_, err := s.UpdateDocument(id, DocumentPatch{Content: &content})
	return err
}

// MarkOpened records that an editor opened the document.
func (s *Store) MarkOpened(id string) error {
	if s == nil || s.db == nil {
		return ErrStoreClosed
	}
	return withBusyRetry(func() error {
		_, err := s.db.Exec(`UPDATE documents SET last_opened_at = ? WHERE id = ?`, s.timestamp(), id)
		return err
	})
}

// DeleteDocument removes a document.
func (s *Store) DeleteDocument(id string) error {
	if s == nil || s.db == nil {
		return ErrStoreClosed
	}
	var affected int64
	err := withBusyRetry(func() error {
		res, err := s.db.Exec(`DELETE FROM documents WHERE id = ?`, id)
		if err != nil {
			return err
		}
		affected, _ = res.RowsAffected()
		return nil
	})
	if err != nil {
		return scribeerrors.Wrap(err, scribeerrors.ErrCodeStorageWrite, "delete document")
	}
	if affected == 0 {
		return documentNotFound(id)
	}
	s.notify(newEvent(EventDocumentDeleted, id, nil))
	return nil
}

func preview(content string) string {
	content = strings.Join(strings.Fields(content), " ")
	r := []rune(content)
	if len(r) <= previewRunes {
		return content
	}
	return string(r[:previewRunes]) + "…"
}
