package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/louisbranch/causeway/internal/services/pipeline/domain/event"
	"github.com/louisbranch/causeway/internal/services/pipeline/storage"
)

// ApplyOnce reserves the checkpoint for evt and runs apply inside the same
// transaction. A second call for the same event id returns false without
// invoking apply.
func (s *Store) ApplyOnce(ctx context.Context, evt event.Event, apply func(context.Context, storage.ProjectionWriter) (bool, error)) (bool, error) {
	if evt.ID == "" {
		return false, fmt.Errorf("event id is required")
	}
	if apply == nil {
		return false, fmt.Errorf("apply callback is required")
	}
	var changed bool
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		changed = false
		res, err := tx.ExecContext(ctx, `
INSERT OR IGNORE INTO projection_checkpoints (event_id, aggregate_id, event_type, event_version, event_timestamp)
VALUES (?, ?, ?, ?, ?)`,
			evt.ID, evt.AggregateID, string(evt.Type), int64(evt.Version), toMillis(evt.Timestamp),
		)
		if err != nil {
			return fmt.Errorf("reserve projection checkpoint: %w", err)
		}
		reserved, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("reserve projection checkpoint rows: %w", err)
		}
		if reserved == 0 {
			return nil
		}
		changed, err = apply(ctx, projectionWriter{tx: tx})
		return err
	})
	if err != nil {
		return false, err
	}
	return changed, nil
}

// Reset truncates every read model and checkpoint.
func (s *Store) Reset(ctx context.Context) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		for _, table := range []string{"tasks", "documents", "relations", "projection_checkpoints"} {
			if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
				return fmt.Errorf("truncate %s: %w", table, err)
			}
		}
		return nil
	})
}

// ForgetSince drops checkpoints of events at or after from.
func (s *Store) ForgetSince(ctx context.Context, from time.Time) (int64, error) {
	res, err := s.sqlDB.ExecContext(ctx, `DELETE FROM projection_checkpoints WHERE event_timestamp >= ?`, toMillis(from))
	if err != nil {
		return 0, fmt.Errorf("forget checkpoints: %w", err)
	}
	return res.RowsAffected()
}

// Dump serializes all read model rows and checkpoints in primary key order.
func (s *Store) Dump(ctx context.Context) ([]byte, error) {
	tables := []struct {
		name    string
		columns string
		order   string
	}{
		{"tasks", "id, project_id, owner_id, title, description, status, deleted, version, last_event_id, created_at, updated_at", "id"},
		{"documents", "id, project_id, owner_id, title, body, deleted, version, last_event_id, created_at, updated_at", "id"},
		{"relations", "id, project_id, owner_id, from_id, to_id, kind, deleted, version, last_event_id, created_at, updated_at", "id"},
		{"projection_checkpoints", "event_id, aggregate_id, event_type, event_version, event_timestamp", "event_id"},
	}
	dump := make(map[string][][]any, len(tables))
	for _, table := range tables {
		rows, err := s.sqlDB.QueryContext(ctx, "SELECT "+table.columns+" FROM "+table.name+" ORDER BY "+table.order)
		if err != nil {
			return nil, fmt.Errorf("dump %s: %w", table.name, err)
		}
		columns, err := rows.Columns()
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("dump %s columns: %w", table.name, err)
		}
		values := [][]any{}
		for rows.Next() {
			row := make([]any, len(columns))
			ptrs := make([]any, len(columns))
			for i := range row {
				ptrs[i] = &row[i]
			}
			if err := rows.Scan(ptrs...); err != nil {
				rows.Close()
				return nil, fmt.Errorf("dump %s row: %w", table.name, err)
			}
			for i, v := range row {
				if b, ok := v.([]byte); ok {
					row[i] = string(b)
				}
			}
			values = append(values, row)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("dump %s: %w", table.name, err)
		}
		dump[table.name] = values
	}
	return json.Marshal(dump)
}

// GetTask returns a task row by id, including tombstoned rows.
func (s *Store) GetTask(ctx context.Context, taskID string) (storage.TaskRecord, error) {
	row := s.sqlDB.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, taskID)
	rec, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.TaskRecord{}, storage.ErrNotFound
	}
	if err != nil {
		return storage.TaskRecord{}, fmt.Errorf("get task: %w", err)
	}
	return rec, nil
}

// ListTasksByOwner returns an owner's live tasks, oldest first.
func (s *Store) ListTasksByOwner(ctx context.Context, ownerID string) ([]storage.TaskRecord, error) {
	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE owner_id = ? AND deleted = 0 ORDER BY created_at, id`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()
	var out []storage.TaskRecord
	for rows.Next() {
		rec, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// GetDocument returns a document row by id.
func (s *Store) GetDocument(ctx context.Context, documentID string) (storage.DocumentRecord, error) {
	row := s.sqlDB.QueryRowContext(ctx, `SELECT `+documentColumns+` FROM documents WHERE id = ?`, documentID)
	var (
		rec                  storage.DocumentRecord
		deleted              int
		version              int64
		createdAt, updatedAt int64
	)
	err := row.Scan(&rec.ID, &rec.ProjectID, &rec.OwnerID, &rec.Title, &rec.Body, &deleted, &version, &rec.LastEventID, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.DocumentRecord{}, storage.ErrNotFound
	}
	if err != nil {
		return storage.DocumentRecord{}, fmt.Errorf("get document: %w", err)
	}
	rec.Deleted = deleted != 0
	rec.Version = uint64(version)
	rec.CreatedAt = fromMillis(createdAt)
	rec.UpdatedAt = fromMillis(updatedAt)
	return rec, nil
}

// GetRelation returns a relation row by id.
func (s *Store) GetRelation(ctx context.Context, relationID string) (storage.RelationRecord, error) {
	row := s.sqlDB.QueryRowContext(ctx, `SELECT `+relationColumns+` FROM relations WHERE id = ?`, relationID)
	var (
		rec                  storage.RelationRecord
		deleted              int
		version              int64
		createdAt, updatedAt int64
	)
	err := row.Scan(&rec.ID, &rec.ProjectID, &rec.OwnerID, &rec.FromID, &rec.ToID, &rec.Kind, &deleted, &version, &rec.LastEventID, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.RelationRecord{}, storage.ErrNotFound
	}
	if err != nil {
		return storage.RelationRecord{}, fmt.Errorf("get relation: %w", err)
	}
	rec.Deleted = deleted != 0
	rec.Version = uint64(version)
	rec.CreatedAt = fromMillis(createdAt)
	rec.UpdatedAt = fromMillis(updatedAt)
	return rec, nil
}

const (
	taskColumns     = `id, project_id, owner_id, title, description, status, deleted, version, last_event_id, created_at, updated_at`
	documentColumns = `id, project_id, owner_id, title, body, deleted, version, last_event_id, created_at, updated_at`
	relationColumns = `id, project_id, owner_id, from_id, to_id, kind, deleted, version, last_event_id, created_at, updated_at`
)

func scanTask(row rowScanner) (storage.TaskRecord, error) {
	var (
		rec                  storage.TaskRecord
		deleted              int
		version              int64
		createdAt, updatedAt int64
	)
	if err := row.Scan(&rec.ID, &rec.ProjectID, &rec.OwnerID, &rec.Title, &rec.Description, &rec.Status,
		&deleted, &version, &rec.LastEventID, &createdAt, &updatedAt); err != nil {
		return storage.TaskRecord{}, err
	}
	rec.Deleted = deleted != 0
	rec.Version = uint64(version)
	rec.CreatedAt = fromMillis(createdAt)
	rec.UpdatedAt = fromMillis(updatedAt)
	return rec, nil
}

// projectionWriter writes read model rows inside an ApplyOnce transaction.
type projectionWriter struct {
	tx *sql.Tx
}

// Upserts only replace a row when the incoming version is newer, so
// out-of-order redelivery of an older completed event cannot regress state.
const (
	taskValues = `VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	taskUpsert = ` ON CONFLICT (id) DO UPDATE SET
	project_id = excluded.project_id, owner_id = excluded.owner_id, title = excluded.title,
	description = excluded.description, status = excluded.status, deleted = excluded.deleted,
	version = excluded.version, last_event_id = excluded.last_event_id,
	created_at = excluded.created_at, updated_at = excluded.updated_at
	WHERE excluded.version > tasks.version`
	documentValues = `VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	documentUpsert = ` ON CONFLICT (id) DO UPDATE SET
	project_id = excluded.project_id, owner_id = excluded.owner_id, title = excluded.title,
	body = excluded.body, deleted = excluded.deleted, version = excluded.version,
	last_event_id = excluded.last_event_id, created_at = excluded.created_at, updated_at = excluded.updated_at
	WHERE excluded.version > documents.version`
	relationValues = `VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	relationUpsert = ` ON CONFLICT (id) DO UPDATE SET
	project_id = excluded.project_id, owner_id = excluded.owner_id, from_id = excluded.from_id,
	to_id = excluded.to_id, kind = excluded.kind, deleted = excluded.deleted, version = excluded.version,
	last_event_id = excluded.last_event_id, created_at = excluded.created_at, updated_at = excluded.updated_at
	WHERE excluded.version > relations.version`
)

func (w projectionWriter) InsertTask(ctx context.Context, rec storage.TaskRecord) (bool, error) {
	return w.exec(ctx, `INSERT OR IGNORE INTO tasks (`+taskColumns+`) `+taskValues, taskArgs(rec)...)
}

func (w projectionWriter) PutTask(ctx context.Context, rec storage.TaskRecord) (bool, error) {
	return w.exec(ctx, `INSERT INTO tasks (`+taskColumns+`) `+taskValues+taskUpsert, taskArgs(rec)...)
}

func (w projectionWriter) InsertDocument(ctx context.Context, rec storage.DocumentRecord) (bool, error) {
	return w.exec(ctx, `INSERT OR IGNORE INTO documents (`+documentColumns+`) `+documentValues, documentArgs(rec)...)
}

func (w projectionWriter) PutDocument(ctx context.Context, rec storage.DocumentRecord) (bool, error) {
	return w.exec(ctx, `INSERT INTO documents (`+documentColumns+`) `+documentValues+documentUpsert, documentArgs(rec)...)
}

func (w projectionWriter) InsertRelation(ctx context.Context, rec storage.RelationRecord) (bool, error) {
	return w.exec(ctx, `INSERT OR IGNORE INTO relations (`+relationColumns+`) `+relationValues, relationArgs(rec)...)
}

func (w projectionWriter) PutRelation(ctx context.Context, rec storage.RelationRecord) (bool, error) {
	return w.exec(ctx, `INSERT INTO relations (`+relationColumns+`) `+relationValues+relationUpsert, relationArgs(rec)...)
}

func (w projectionWriter) exec(ctx context.Context, query string, args ...any) (bool, error) {
	res, err := w.tx.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("write projection: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("write projection rows: %w", err)
	}
	return affected > 0, nil
}

func taskArgs(rec storage.TaskRecord) []any {
	return []any{rec.ID, rec.ProjectID, rec.OwnerID, rec.Title, rec.Description, rec.Status,
		boolToInt(rec.Deleted), int64(rec.Version), rec.LastEventID, toMillis(rec.CreatedAt), toMillis(rec.UpdatedAt)}
}

func documentArgs(rec storage.DocumentRecord) []any {
	return []any{rec.ID, rec.ProjectID, rec.OwnerID, rec.Title, rec.Body,
		boolToInt(rec.Deleted), int64(rec.Version), rec.LastEventID, toMillis(rec.CreatedAt), toMillis(rec.UpdatedAt)}
}

func relationArgs(rec storage.RelationRecord) []any {
	return []any{rec.ID, rec.ProjectID, rec.OwnerID, rec.FromID, rec.ToID, rec.Kind,
		boolToInt(rec.Deleted), int64(rec.Version), rec.LastEventID, toMillis(rec.CreatedAt), toMillis(rec.UpdatedAt)}
}
