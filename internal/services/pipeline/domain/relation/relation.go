// Package relation models links between other aggregates. Relations are
// created and deleted but never edited in place.
package relation

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
	ErrAlreadyExists = apperrors.New(apperrors.CodeAlreadyExists, "relation already exists")
	ErrNotFound      = apperrors.New(apperrors.CodeNotFound, "relation not found")
)

// Kind is the relation label.
type Kind string

const (
	KindBlocks     Kind = "blocks"
	KindReferences Kind = "references"
	KindDuplicates Kind = "duplicates"
)

func (k Kind) valid() bool {
	return k == KindBlocks || k == KindReferences || k == KindDuplicates
}

type CreatePayload struct {
	ProjectID string `json:"project_id,omitempty"`
	FromID    string `json:"from_id"`
	ToID      string `json:"to_id"`
	Kind      Kind   `json:"kind"`
}

func (p CreatePayload) Validate() error {
	from, to := strings.TrimSpace(p.FromID), strings.TrimSpace(p.ToID)
	if from == "" || to == "" {
		return errors.New("from_id and to_id are required")
	}
	if from == to {
		return errors.New("a relation cannot point at its own source")
	}
	if !p.Kind.valid() {
		return errors.New("kind must be blocks, references or duplicates")
	}
	return nil
}

type DeletePayload struct{}

func (DeletePayload) Validate() error { return nil }

// Relation is the snapshot carried by relation.*.completed events.
type Relation struct {
	ID        string    `json:"id"`
	ProjectID string    `json:"project_id,omitempty"`
	OwnerID   string    `json:"owner_id"`
	FromID    string    `json:"from_id"`
	ToID      string    `json:"to_id"`
	Kind      Kind      `json:"kind"`
	Deleted   bool      `json:"deleted,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

func (r Relation) Validate() error {
	if r.ID == "" || r.OwnerID == "" || r.FromID == "" || r.ToID == "" {
		return errors.New("relation snapshot requires id, owner and endpoints")
	}
	return nil
}

func Create(id, ownerID string, at time.Time, current *Relation, p CreatePayload) (Relation, error) {
	if current != nil && !current.Deleted {
		return Relation{}, ErrAlreadyExists
	}
	return Relation{
		ID:        id,
		ProjectID: strings.TrimSpace(p.ProjectID),
		OwnerID:   ownerID,
		FromID:    strings.TrimSpace(p.FromID),
		ToID:      strings.TrimSpace(p.ToID),
		Kind:      p.Kind,
		CreatedAt: at.UTC(),
	}, nil
}

func Delete(current *Relation) (Relation, error) {
	if current == nil || current.Deleted {
		return Relation{}, ErrNotFound
	}
	next := *current
	next.Deleted = true
	return next, nil
}
