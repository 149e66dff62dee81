package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	apperrors "github.com/louisbranch/causeway/internal/platform/errors"
	"github.com/louisbranch/causeway/internal/platform/id"
	platformotel "github.com/louisbranch/causeway/internal/platform/otel"
	"github.com/louisbranch/causeway/internal/services/pipeline/observability"
	"github.com/louisbranch/causeway/internal/services/pipeline/storage"
	"github.com/louisbranch/causeway/internal/services/pipeline/storage/integrity"
)

var (
	// ErrStreamIDRequired indicates an append without a stream.
	ErrStreamIDRequired = apperrors.New(apperrors.CodeInvalidArgument, "stream id is required")
	// ErrUserIDRequired indicates an append without an author.
	ErrUserIDRequired = apperrors.New(apperrors.CodeInvalidArgument, "user id is required")
	// ErrEmptyBranch indicates a merge of a branch with no records.
	ErrEmptyBranch = apperrors.New(apperrors.CodeInvalidArgument, "branch has no records to merge")
)

// Config wires a Ledger.
type Config struct {
	Store storage.LedgerStore
	// Keyring, when set, signs appended records and verifies signatures.
	Keyring *integrity.Keyring
	Metrics *observability.Metrics
	Logger  *slog.Logger
	Clock   func() time.Time
	NewID   func() (string, error)
}

// Ledger appends and verifies record streams.
type Ledger struct {
	store   storage.LedgerStore
	keyring *integrity.Keyring
	metrics *observability.Metrics
	logger  *slog.Logger
	clock   func() time.Time
	newID   func() (string, error)
	tracer  trace.Tracer
}

// AppendInput describes a new record. An empty ParentID makes a root record,
// except on a branch stream where it continues from the branch tip.
type AppendInput struct {
	StreamID   string
	ParentID   string
	Content    string
	UserID     string
	RefEventID string
}

// Verification is the result of walking a stream.
type Verification struct {
	IsValid    bool   `json:"isValid"`
	BrokenAtID string `json:"brokenAtId,omitempty"`
	Checked    int    `json:"checked"`
	// Code is CHAIN_BROKEN when IsValid is false.
	Code apperrors.Code `json:"code,omitempty"`
}

// StreamView is a read of a stream with tombstoned content redacted.
type StreamView struct {
	StreamID   string
	Records    []storage.LedgerRecord
	Verified   bool
	BrokenAtID string
	Code       apperrors.Code
}

// New validates cfg and builds a Ledger.
func New(cfg Config) (*Ledger, error) {
	if cfg.Store == nil {
		return nil, errors.New("ledger store is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.NewID == nil {
		cfg.NewID = id.NewID
	}
	return &Ledger{
		store:   cfg.Store,
		keyring: cfg.Keyring,
		metrics: cfg.Metrics,
		logger:  cfg.Logger,
		clock:   cfg.Clock,
		newID:   cfg.NewID,
		tracer:  platformotel.Tracer("ledger"),
	}, nil
}

// Append chains a new record onto its parent.
func (l *Ledger) Append(ctx context.Context, in AppendInput) (storage.LedgerRecord, error) {
	in.StreamID = strings.TrimSpace(in.StreamID)
	in.ParentID = strings.TrimSpace(in.ParentID)
	in.UserID = strings.TrimSpace(in.UserID)
	if in.StreamID == "" {
		return storage.LedgerRecord{}, ErrStreamIDRequired
	}
	if in.UserID == "" {
		return storage.LedgerRecord{}, ErrUserIDRequired
	}
	ctx, span := l.tracer.Start(ctx, "ledger.Append", trace.WithAttributes(
		attribute.String("ledger.stream_id", in.StreamID),
	))
	defer span.End()

	if in.ParentID == "" {
		parentID, err := l.branchTip(ctx, in.StreamID)
		if err != nil {
			return storage.LedgerRecord{}, err
		}
		in.ParentID = parentID
	}

	rec := storage.LedgerRecord{
		StreamID:   in.StreamID,
		ParentID:   in.ParentID,
		Content:    in.Content,
		UserID:     in.UserID,
		Timestamp:  l.clock().UTC().Truncate(time.Millisecond),
		RefEventID: strings.TrimSpace(in.RefEventID),
	}
	if rec.ParentID != "" {
		parent, err := l.store.GetRecord(ctx, rec.ParentID)
		if err != nil {
			return storage.LedgerRecord{}, fmt.Errorf("load parent %s: %w", rec.ParentID, err)
		}
		rec.PreviousHash = parent.Hash
	}

	recordID, err := l.newID()
	if err != nil {
		return storage.LedgerRecord{}, fmt.Errorf("generate record id: %w", err)
	}
	rec.ID = recordID
	if rec.Hash, err = integrity.RecordHash(rec.ID, rec.Content, rec.Timestamp); err != nil {
		return storage.LedgerRecord{}, err
	}
	if l.keyring != nil {
		if rec.Signature, rec.SignatureKeyID, err = l.keyring.SignRecordHash(rec.StreamID, rec.Hash); err != nil {
			return storage.LedgerRecord{}, fmt.Errorf("sign record: %w", err)
		}
	}

	stored, err := l.store.InsertRecord(ctx, rec)
	if err != nil {
		span.RecordError(err)
		return storage.LedgerRecord{}, err
	}
	l.metrics.LedgerAppended()
	return stored, nil
}

// branchTip returns the implicit parent for a stream: the latest record of a
// branch, or its fork record when the branch is still empty. Plain streams
// have no implicit parent.
func (l *Ledger) branchTip(ctx context.Context, streamID string) (string, error) {
	stream, err := l.store.GetStream(ctx, streamID)
	if errors.Is(err, storage.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	if stream.ForkRecordID == "" {
		return "", nil
	}
	records, err := l.store.ListStream(ctx, streamID)
	if err != nil {
		return "", err
	}
	if len(records) == 0 {
		return stream.ForkRecordID, nil
	}
	return records[len(records)-1].ID, nil
}

// Branch starts a new stream forked from parentRecordID.
func (l *Ledger) Branch(ctx context.Context, parentRecordID, userID string) (string, error) {
	parent, err := l.store.GetRecord(ctx, strings.TrimSpace(parentRecordID))
	if err != nil {
		return "", fmt.Errorf("load fork record: %w", err)
	}
	streamID, err := l.newID()
	if err != nil {
		return "", fmt.Errorf("generate stream id: %w", err)
	}
	if err := l.store.CreateStream(ctx, storage.LedgerStream{
		ID:             streamID,
		ForkRecordID:   parent.ID,
		ParentStreamID: parent.StreamID,
		CreatedBy:      strings.TrimSpace(userID),
		CreatedAt:      l.clock().UTC(),
	}); err != nil {
		return "", err
	}
	return streamID, nil
}

// Merge appends a record to targetStreamID whose parent is the tip of
// branchStreamID.
func (l *Ledger) Merge(ctx context.Context, targetStreamID, branchStreamID, content, userID string) (storage.LedgerRecord, error) {
	records, err := l.store.ListStream(ctx, strings.TrimSpace(branchStreamID))
	if err != nil {
		return storage.LedgerRecord{}, err
	}
	if len(records) == 0 {
		return storage.LedgerRecord{}, ErrEmptyBranch
	}
	return l.Append(ctx, AppendInput{
		StreamID: targetStreamID,
		ParentID: records[len(records)-1].ID,
		Content:  content,
		UserID:   userID,
	})
}

// Delete tombstones a record. The row and its hash stay in the chain.
func (l *Ledger) Delete(ctx context.Context, recordID string) (bool, error) {
	return l.store.MarkDeleted(ctx, strings.TrimSpace(recordID))
}

// ReadStream returns the stream's records with tombstoned content removed,
// flagged with the outcome of verification.
func (l *Ledger) ReadStream(ctx context.Context, streamID string) (StreamView, error) {
	records, err := l.store.ListStream(ctx, streamID)
	if err != nil {
		return StreamView{}, err
	}
	result, err := l.verifyRecords(ctx, streamID, records)
	if err != nil {
		return StreamView{}, err
	}
	view := StreamView{
		StreamID:   streamID,
		Records:    make([]storage.LedgerRecord, len(records)),
		Verified:   result.IsValid,
		BrokenAtID: result.BrokenAtID,
		Code:       result.Code,
	}
	for i, rec := range records {
		if rec.Deleted {
			rec.Content = ""
		}
		view.Records[i] = rec
	}
	return view, nil
}
