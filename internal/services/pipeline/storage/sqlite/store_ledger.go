package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	apperrors "github.com/louisbranch/causeway/internal/platform/errors"
	"github.com/louisbranch/causeway/internal/services/pipeline/storage"
)

const ledgerRecordColumns = `position, id, stream_id, parent_id, content, user_id, timestamp, previous_hash, hash,
	deleted, ref_event_id, signature, signature_key_id`

// CreateStream stores a new ledger stream.
func (s *Store) CreateStream(ctx context.Context, stream storage.LedgerStream) error {
	if strings.TrimSpace(stream.ID) == "" {
		return apperrors.New(apperrors.CodeInvalidArgument, "stream id is required")
	}
	createdAt := stream.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.now()
	}
	_, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO ledger_streams (id, fork_record_id, parent_stream_id, created_by, created_at)
VALUES (?, ?, ?, ?, ?)`,
		stream.ID, stream.ForkRecordID, stream.ParentStreamID, stream.CreatedBy, toMillis(createdAt),
	)
	if err != nil {
		if isConstraintError(err) {
			return apperrors.WithMetadata(apperrors.CodeAlreadyExists, "ledger stream already exists",
				map[string]string{"stream_id": stream.ID})
		}
		return fmt.Errorf("create ledger stream: %w", err)
	}
	return nil
}

// GetStream returns a ledger stream by id.
func (s *Store) GetStream(ctx context.Context, streamID string) (storage.LedgerStream, error) {
	var (
		stream    storage.LedgerStream
		createdAt int64
	)
	err := s.sqlDB.QueryRowContext(ctx, `
SELECT id, fork_record_id, parent_stream_id, created_by, created_at FROM ledger_streams WHERE id = ?`, streamID,
	).Scan(&stream.ID, &stream.ForkRecordID, &stream.ParentStreamID, &stream.CreatedBy, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.LedgerStream{}, storage.ErrNotFound
	}
	if err != nil {
		return storage.LedgerStream{}, fmt.Errorf("get ledger stream: %w", err)
	}
	stream.CreatedAt = fromMillis(createdAt)
	return stream, nil
}

// InsertRecord stores rec and returns it with its position.
func (s *Store) InsertRecord(ctx context.Context, rec storage.LedgerRecord) (storage.LedgerRecord, error) {
	if rec.ID == "" || rec.StreamID == "" || rec.Hash == "" {
		return storage.LedgerRecord{}, apperrors.New(apperrors.CodeInvalidArgument, "record id, stream id and hash are required")
	}
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
INSERT OR IGNORE INTO ledger_streams (id, created_by, created_at) VALUES (?, ?, ?)`,
			rec.StreamID, rec.UserID, toMillis(rec.Timestamp),
		); err != nil {
			return fmt.Errorf("ensure ledger stream: %w", err)
		}
		res, err := tx.ExecContext(ctx, `
INSERT INTO ledger_records (id, stream_id, parent_id, content, user_id, timestamp, previous_hash, hash,
	deleted, ref_event_id, signature, signature_key_id)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			rec.ID, rec.StreamID, rec.ParentID, rec.Content, rec.UserID, toMillis(rec.Timestamp),
			rec.PreviousHash, rec.Hash, boolToInt(rec.Deleted), rec.RefEventID, rec.Signature, rec.SignatureKeyID,
		)
		if err != nil {
			if isConstraintError(err) {
				return apperrors.WithMetadata(apperrors.CodeAlreadyExists, "ledger record already exists",
					map[string]string{"record_id": rec.ID})
			}
			return fmt.Errorf("insert ledger record: %w", err)
		}
		rec.Position, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return storage.LedgerRecord{}, err
	}
	rec.Timestamp = fromMillis(toMillis(rec.Timestamp))
	return rec, nil
}

// GetRecord returns a ledger record by id.
func (s *Store) GetRecord(ctx context.Context, recordID string) (storage.LedgerRecord, error) {
	row := s.sqlDB.QueryRowContext(ctx, `SELECT `+ledgerRecordColumns+` FROM ledger_records WHERE id = ?`, recordID)
	rec, err := scanLedgerRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.LedgerRecord{}, storage.ErrNotFound
	}
	if err != nil {
		return storage.LedgerRecord{}, fmt.Errorf("get ledger record: %w", err)
	}
	return rec, nil
}

// ListStream returns a stream's records in timestamp, then position order.
func (s *Store) ListStream(ctx context.Context, streamID string) ([]storage.LedgerRecord, error) {
	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT `+ledgerRecordColumns+` FROM ledger_records WHERE stream_id = ? ORDER BY timestamp, position`, streamID)
	if err != nil {
		return nil, fmt.Errorf("list ledger stream: %w", err)
	}
	defer rows.Close()
	var out []storage.LedgerRecord
	for rows.Next() {
		rec, err := scanLedgerRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan ledger record: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// MarkDeleted tombstones a record.
func (s *Store) MarkDeleted(ctx context.Context, recordID string) (bool, error) {
	res, err := s.sqlDB.ExecContext(ctx, `UPDATE ledger_records SET deleted = 1 WHERE id = ? AND deleted = 0`, recordID)
	if err != nil {
		return false, fmt.Errorf("tombstone ledger record: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("tombstone ledger record rows: %w", err)
	}
	if affected > 0 {
		return true, nil
	}
	if _, err := s.GetRecord(ctx, recordID); err != nil {
		return false, err
	}
	return false, nil
}

func scanLedgerRecord(row rowScanner) (storage.LedgerRecord, error) {
	var (
		rec       storage.LedgerRecord
		timestamp int64
		deleted   int
	)
	if err := row.Scan(&rec.Position, &rec.ID, &rec.StreamID, &rec.ParentID, &rec.Content, &rec.UserID, &timestamp,
		&rec.PreviousHash, &rec.Hash, &deleted, &rec.RefEventID, &rec.Signature, &rec.SignatureKeyID); err != nil {
		return storage.LedgerRecord{}, err
	}
	rec.Timestamp = fromMillis(timestamp)
	rec.Deleted = deleted != 0
	return rec, nil
}
