// Package document models the document aggregate.
package document

import (
	"embed"
	"errors"
	"strings"
	"time"

	apperrors "github.com/louisbranch/causeway/internal/platform/errors"
)

//go:embed schemas/*.json
var Schemas embed.FS

var (
	ErrAlreadyExists = apperrors.New(apperrors.CodeAlreadyExists, "document already exists")
	ErrNotFound      = apperrors.New(apperrors.CodeNotFound, "document not found")
)

type CreatePayload struct {
	ProjectID string `json:"project_id,omitempty"`
	Title     string `json:"title"`
	Body      string `json:"body,omitempty"`
}

func (p CreatePayload) Validate() error {
	if strings.TrimSpace(p.Title) == "" {
		return errors.New("title is required")
	}
	return nil
}

type UpdatePayload struct {
	Title *string `json:"title,omitempty"`
	Body  *string `json:"body,omitempty"`
}

func (p UpdatePayload) Validate() error {
	if p.Title == nil && p.Body == nil {
		return errors.New("update must change at least one field")
	}
	if p.Title != nil && strings.TrimSpace(*p.Title) == "" {
		return errors.New("title must be non-empty")
	}
	return nil
}

type DeletePayload struct{}

func (DeletePayload) Validate() error { return nil }

// Document is the snapshot carried by document.*.completed events.
type Document struct {
	ID        string    `json:"id"`
	ProjectID string    `json:"project_id,omitempty"`
	OwnerID   string    `json:"owner_id"`
	Title     string    `json:"title"`
	Body      string    `json:"body,omitempty"`
	Deleted   bool      `json:"deleted,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

func (d Document) Validate() error {
	if d.ID == "" || d.OwnerID == "" {
		return errors.New("document snapshot requires id and owner")
	}
	return nil
}

func Create(id, ownerID string, at time.Time, current *Document, p CreatePayload) (Document, error) {
	if current != nil && !current.Deleted {
		return Document{}, ErrAlreadyExists
	}
	return Document{
		ID:        id,
		ProjectID: strings.TrimSpace(p.ProjectID),
		OwnerID:   ownerID,
		Title:     strings.TrimSpace(p.Title),
		Body:      p.Body,
		CreatedAt: at.UTC(),
	}, nil
}

func Update(current *Document, p UpdatePayload) (Document, error) {
	if current == nil || current.Deleted {
		return Document{}, ErrNotFound
	}
	next := *current
	if p.Title != nil {
		next.Title = strings.TrimSpace(*p.Title)
	}
	if p.Body != nil {
		next.Body = *p.Body
	}
	return next, nil
}

func Delete(current *Document) (Document, error) {
	if current == nil || current.Deleted {
		return Document{}, ErrNotFound
	}
	next := *current
	next.Deleted = true
	return next, nil
}
