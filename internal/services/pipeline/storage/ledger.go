package storage

import (
	"context"
	"time"
)

// LedgerStream is a logical chain of ledger records. A branch stream records
// the record it was forked from.
type LedgerStream struct {
	ID             string
	ForkRecordID   string
	ParentStreamID string
	CreatedBy      string
	CreatedAt      time.Time
}

// LedgerRecord is one hash-chained entry.
type LedgerRecord struct {
	ID       string
	StreamID string
	// ParentID is empty for a root record.
	ParentID  string
	Content   string
	UserID    string
	Timestamp time.Time
	// PreviousHash is the parent's hash at append time, empty for roots.
	PreviousHash   string
	Hash           string
	Deleted        bool
	RefEventID     string
	Signature      string
	SignatureKeyID string
	Position       int64
}

// LedgerStore persists ledger streams and records. Records are never removed;
// the only permitted change is setting the tombstone flag.
type LedgerStore interface {
	// CreateStream stores a new stream; it fails if the id is taken.
	CreateStream(ctx context.Context, stream LedgerStream) error
	GetStream(ctx context.Context, id string) (LedgerStream, error)
	// InsertRecord stores rec, creating a plain stream row for rec.StreamID
	// when none exists, and returns it with its position assigned.
	InsertRecord(ctx context.Context, rec LedgerRecord) (LedgerRecord, error)
	GetRecord(ctx context.Context, id string) (LedgerRecord, error)
	// ListStream returns a stream's records ordered by timestamp, then position.
	ListStream(ctx context.Context, streamID string) ([]LedgerRecord, error)
	// MarkDeleted sets the tombstone and reports whether it was newly set.
	MarkDeleted(ctx context.Context, id string) (bool, error)
}
