package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/louisbranch/causeway/internal/services/pipeline/storage"
)

const maxRelayErrorLength = 1024

// MarkRelayFailed creates or advances the outbox marker for eventID. The
// event row is never touched.
func (s *Store) MarkRelayFailed(ctx context.Context, eventID, relayErr string, nextAttemptAt time.Time, stuck bool, now time.Time) (storage.OutboxMarker, error) {
	if eventID == "" {
		return storage.OutboxMarker{}, fmt.Errorf("event id is required")
	}
	if len(relayErr) > maxRelayErrorLength {
		relayErr = relayErr[:maxRelayErrorLength]
	}
	status := storage.OutboxPending
	if stuck {
		status = storage.OutboxStuck
	}

	var marker storage.OutboxMarker
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO outbox_markers (event_id, status, retry_count, last_error, next_attempt_at, updated_at)
VALUES (?, ?, 1, ?, ?, ?)
ON CONFLICT (event_id) DO UPDATE SET
	status = excluded.status,
	retry_count = outbox_markers.retry_count + 1,
	last_error = excluded.last_error,
	next_attempt_at = excluded.next_attempt_at,
	updated_at = excluded.updated_at`,
			eventID, string(status), relayErr, toMillis(nextAttemptAt), toMillis(now),
		); err != nil {
			return fmt.Errorf("upsert outbox marker: %w", err)
		}
		var err error
		marker, err = getMarker(ctx, tx, eventID)
		return err
	})
	if err != nil {
		return storage.OutboxMarker{}, err
	}
	return marker, nil
}

// ClaimDue leases up to limit due markers. Pending markers are due once
// next_attempt_at has passed; processing markers whose lease expired are
// reclaimed so a crashed sweeper cannot strand them.
func (s *Store) ClaimDue(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]storage.OutboxMarker, error) {
	if limit <= 0 {
		limit = 50
	}
	var claimed []storage.OutboxMarker
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		claimed = claimed[:0]
		rows, err := tx.QueryContext(ctx, `
SELECT event_id FROM outbox_markers
WHERE status IN (?, ?) AND next_attempt_at <= ?
ORDER BY next_attempt_at, event_id
LIMIT ?`,
			string(storage.OutboxPending), string(storage.OutboxProcessing), toMillis(now), limit,
		)
		if err != nil {
			return fmt.Errorf("select due markers: %w", err)
		}
		var ids []string
		for rows.Next() {
			var eventID string
			if err := rows.Scan(&eventID); err != nil {
				rows.Close()
				return fmt.Errorf("scan due marker: %w", err)
			}
			ids = append(ids, eventID)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("read due markers: %w", err)
		}

		leaseUntil := toMillis(now.Add(lease))
		for _, eventID := range ids {
			if _, err := tx.ExecContext(ctx,
				`UPDATE outbox_markers SET status = ?, next_attempt_at = ?, updated_at = ? WHERE event_id = ?`,
				string(storage.OutboxProcessing), leaseUntil, toMillis(now), eventID,
			); err != nil {
				return fmt.Errorf("lease marker: %w", err)
			}
			marker, err := getMarker(ctx, tx, eventID)
			if err != nil {
				return err
			}
			claimed = append(claimed, marker)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// ClearMarker deletes the marker for eventID. Clearing a missing marker is
// not an error.
func (s *Store) ClearMarker(ctx context.Context, eventID string) error {
	if _, err := s.sqlDB.ExecContext(ctx, `DELETE FROM outbox_markers WHERE event_id = ?`, eventID); err != nil {
		return fmt.Errorf("clear outbox marker: %w", err)
	}
	return nil
}

// GetMarker returns the marker for eventID.
func (s *Store) GetMarker(ctx context.Context, eventID string) (storage.OutboxMarker, error) {
	row := s.sqlDB.QueryRowContext(ctx, markerQuery, eventID)
	marker, err := scanMarker(row)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.OutboxMarker{}, storage.ErrNotFound
	}
	if err != nil {
		return storage.OutboxMarker{}, fmt.Errorf("get outbox marker: %w", err)
	}
	return marker, nil
}

// Summary aggregates marker counts for operators.
func (s *Store) Summary(ctx context.Context) (storage.OutboxSummary, error) {
	var summary storage.OutboxSummary
	rows, err := s.sqlDB.QueryContext(ctx, `SELECT status, COUNT(*), MAX(retry_count) FROM outbox_markers GROUP BY status`)
	if err != nil {
		return summary, fmt.Errorf("summarize outbox: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			status   string
			count    int
			maxRetry int
		)
		if err := rows.Scan(&status, &count, &maxRetry); err != nil {
			return summary, fmt.Errorf("scan outbox summary: %w", err)
		}
		switch storage.OutboxStatus(status) {
		case storage.OutboxPending:
			summary.Pending = count
		case storage.OutboxProcessing:
			summary.Processing = count
		case storage.OutboxStuck:
			summary.Stuck = count
		}
		summary.HighestRetryCount = max(summary.HighestRetryCount, maxRetry)
	}
	if err := rows.Err(); err != nil {
		return summary, fmt.Errorf("read outbox summary: %w", err)
	}

	var (
		oldestID string
		oldestAt int64
	)
	err = s.sqlDB.QueryRowContext(ctx,
		`SELECT event_id, updated_at FROM outbox_markers WHERE status = ? ORDER BY updated_at, event_id LIMIT 1`,
		string(storage.OutboxPending),
	).Scan(&oldestID, &oldestAt)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return summary, fmt.Errorf("oldest pending marker: %w", err)
	default:
		at := fromMillis(oldestAt)
		summary.OldestPendingAt = &at
		summary.OldestPendingID = oldestID
	}
	return summary, nil
}

// RequeueStuck resets a stuck marker to pending, due at now, keeping its
// retry count for the record.
func (s *Store) RequeueStuck(ctx context.Context, eventID string, now time.Time) (bool, error) {
	res, err := s.sqlDB.ExecContext(ctx,
		`UPDATE outbox_markers SET status = ?, next_attempt_at = ?, updated_at = ? WHERE event_id = ? AND status = ?`,
		string(storage.OutboxPending), toMillis(now), toMillis(now), eventID, string(storage.OutboxStuck),
	)
	if err != nil {
		return false, fmt.Errorf("requeue stuck marker: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("requeue stuck marker rows: %w", err)
	}
	return affected > 0, nil
}

const markerQuery = `SELECT event_id, status, retry_count, last_error, next_attempt_at, updated_at
FROM outbox_markers WHERE event_id = ?`

func getMarker(ctx context.Context, tx *sql.Tx, eventID string) (storage.OutboxMarker, error) {
	marker, err := scanMarker(tx.QueryRowContext(ctx, markerQuery, eventID))
	if err != nil {
		return storage.OutboxMarker{}, fmt.Errorf("load outbox marker: %w", err)
	}
	return marker, nil
}

func scanMarker(row rowScanner) (storage.OutboxMarker, error) {
	var (
		marker        storage.OutboxMarker
		status        string
		nextAttemptAt int64
		updatedAt     int64
	)
	if err := row.Scan(&marker.EventID, &status, &marker.RetryCount, &marker.LastError, &nextAttemptAt, &updatedAt); err != nil {
		return storage.OutboxMarker{}, err
	}
	marker.Status = storage.OutboxStatus(status)
	marker.NextAttemptAt = fromMillis(nextAttemptAt)
	marker.UpdatedAt = fromMillis(updatedAt)
	return marker, nil
}
