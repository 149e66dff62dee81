// Package task models the task aggregate: its command payloads, its snapshot
// state and the pure transitions between them.
package task

import (
	"embed"
	"errors"
	"strings"
	"time"

	apperrors "github.com/louisbranch/causeway/internal/platform/errors"
)

// Schemas holds the JSON Schemas for the create, update and delete payloads.
//
//go:embed schemas/*.json
var Schemas embed.FS

const maxTitleLength = 500

// Status is a task's workflow state.
type Status string

const (
	StatusTodo  Status = "todo"
	StatusDoing Status = "doing"
	StatusDone  Status = "done"
)

func (s Status) valid() bool {
	return s == StatusTodo || s == StatusDoing || s == StatusDone
}

var (
	// ErrAlreadyExists is returned when creating over a live task.
	ErrAlreadyExists = apperrors.New(apperrors.CodeAlreadyExists, "task already exists")
	// ErrNotFound is returned when updating or deleting a missing task.
	ErrNotFound = apperrors.New(apperrors.CodeNotFound, "task not found")
)

// CreatePayload is the data of task.create.requested and task.create.validated.
type CreatePayload struct {
	ProjectID   string `json:"project_id,omitempty"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Status      Status `json:"status,omitempty"`
}

// Validate implements event.Payload.
func (p CreatePayload) Validate() error {
	if strings.TrimSpace(p.Title) == "" {
		return errors.New("title is required")
	}
	if len(p.Title) > maxTitleLength {
		return errors.New("title is too long")
	}
	if p.Status != "" && !p.Status.valid() {
		return errors.New("status must be todo, doing or done")
	}
	return nil
}

// UpdatePayload is a partial patch; nil fields are left unchanged.
type UpdatePayload struct {
	Title       *string `json:"title,omitempty"`
	Description *string `json:"description,omitempty"`
	Status      *Status `json:"status,omitempty"`
}

// Validate implements event.Payload.
func (p UpdatePayload) Validate() error {
	if p.Title == nil && p.Description == nil && p.Status == nil {
		return errors.New("update must change at least one field")
	}
	if p.Title != nil && (strings.TrimSpace(*p.Title) == "" || len(*p.Title) > maxTitleLength) {
		return errors.New("title must be non-empty and at most 500 characters")
	}
	if p.Status != nil && !p.Status.valid() {
		return errors.New("status must be todo, doing or done")
	}
	return nil
}

// DeletePayload carries no fields.
type DeletePayload struct{}

// Validate implements event.Payload.
func (DeletePayload) Validate() error { return nil }

// Task is the snapshot carried by task.*.completed events.
type Task struct {
	ID          string    `json:"id"`
	ProjectID   string    `json:"project_id,omitempty"`
	OwnerID     string    `json:"owner_id"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	Status      Status    `json:"status"`
	Deleted     bool      `json:"deleted,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Validate implements event.Payload.
func (t Task) Validate() error {
	if t.ID == "" || t.OwnerID == "" {
		return errors.New("task snapshot requires id and owner")
	}
	if !t.Status.valid() {
		return errors.New("task snapshot has invalid status")
	}
	return nil
}

// Create builds the initial snapshot. current is the latest snapshot for the
// aggregate, if any; a deleted task id may be reused.
func Create(id, ownerID string, at time.Time, current *Task, p CreatePayload) (Task, error) {
	if current != nil && !current.Deleted {
		return Task{}, ErrAlreadyExists
	}
	status := p.Status
	if status == "" {
		status = StatusTodo
	}
	return Task{
		ID:          id,
		ProjectID:   strings.TrimSpace(p.ProjectID),
		OwnerID:     ownerID,
		Title:       strings.TrimSpace(p.Title),
		Description: p.Description,
		Status:      status,
		CreatedAt:   at.UTC(),
	}, nil
}

// Update applies a patch to a live task.
func Update(current *Task, p UpdatePayload) (Task, error) {
	if current == nil || current.Deleted {
		return Task{}, ErrNotFound
	}
	next := *current
	if p.Title != nil {
		next.Title = strings.TrimSpace(*p.Title)
	}
	if p.Description != nil {
		next.Description = *p.Description
	}
	if p.Status != nil {
		next.Status = *p.Status
	}
	return next, nil
}

// Delete tombstones a live task.
func Delete(current *Task) (Task, error) {
	if current == nil || current.Deleted {
		return Task{}, ErrNotFound
	}
	next := *current
	next.Deleted = true
	return next, nil
}
