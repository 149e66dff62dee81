package app

import (
	"encoding/json"
	"net/http"
	"time"

	apperrors "github.com/louisbranch/causeway/internal/platform/errors"
	"github.com/louisbranch/causeway/internal/services/pipeline/domain/event"
	"github.com/louisbranch/causeway/internal/services/pipeline/storage"
)

func (rt *Runtime) routeReads(mux *http.ServeMux) {
	mux.HandleFunc("GET /v1/commands/{correlation}/events", rt.handleCorrelationEvents)
	mux.HandleFunc("GET /v1/users/{user}/events", rt.handleUserEvents)
	mux.HandleFunc("GET /v1/users/{user}/tasks", rt.handleUserTasks)
	mux.HandleFunc("GET /v1/tasks/{id}", rt.handleGetTask)
	mux.HandleFunc("GET /v1/documents/{id}", rt.handleGetDocument)
	mux.HandleFunc("GET /v1/relations/{id}", rt.handleGetRelation)
	mux.HandleFunc("GET /v1/outbox", rt.handleOutboxSummary)
	mux.HandleFunc("POST /v1/outbox/{event}/requeue", rt.handleRequeue)
}

// writeEvents renders events in their wire shape.
func (rt *Runtime) writeEvents(w http.ResponseWriter, evts []event.Event) {
	out := make([]json.RawMessage, 0, len(evts))
	for _, evt := range evts {
		raw, err := event.Encode(evt)
		if err != nil {
			rt.writeError(w, err)
			return
		}
		out = append(out, raw)
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": out})
}

func (rt *Runtime) handleCorrelationEvents(w http.ResponseWriter, r *http.Request) {
	evts, err := rt.events.StreamByCorrelation(r.Context(), r.PathValue("correlation"))
	if err != nil {
		rt.writeError(w, err)
		return
	}
	rt.writeEvents(w, evts)
}

func (rt *Runtime) handleUserEvents(w http.ResponseWriter, r *http.Request) {
	var window storage.Window
	for name, target := range map[string]*time.Time{"from": &window.From, "to": &window.To} {
		raw := r.URL.Query().Get(name)
		if raw == "" {
			continue
		}
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			rt.writeError(w, apperrors.Wrap(apperrors.CodeInvalidArgument, name+" must be an RFC 3339 time", err))
			return
		}
		*target = parsed
	}
	evts, err := rt.events.StreamByUser(r.Context(), r.PathValue("user"), window)
	if err != nil {
		rt.writeError(w, err)
		return
	}
	rt.writeEvents(w, evts)
}

type taskJSON struct {
	ID          string    `json:"id"`
	ProjectID   string    `json:"project_id,omitempty"`
	OwnerID     string    `json:"owner_id"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	Status      string    `json:"status"`
	Deleted     bool      `json:"deleted,omitempty"`
	Version     uint64    `json:"version"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func toTaskJSON(rec storage.TaskRecord) taskJSON {
	return taskJSON{
		ID:          rec.ID,
		ProjectID:   rec.ProjectID,
		OwnerID:     rec.OwnerID,
		Title:       rec.Title,
		Description: rec.Description,
		Status:      rec.Status,
		Deleted:     rec.Deleted,
		Version:     rec.Version,
		CreatedAt:   rec.CreatedAt.UTC(),
		UpdatedAt:   rec.UpdatedAt.UTC(),
	}
}

func (rt *Runtime) handleGetTask(w http.ResponseWriter, r *http.Request) {
	rec, err := rt.projections.GetTask(r.Context(), r.PathValue("id"))
	if err != nil {
		rt.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toTaskJSON(rec))
}

func (rt *Runtime) handleUserTasks(w http.ResponseWriter, r *http.Request) {
	recs, err := rt.projections.ListTasksByOwner(r.Context(), r.PathValue("user"))
	if err != nil {
		rt.writeError(w, err)
		return
	}
	out := make([]taskJSON, 0, len(recs))
	for _, rec := range recs {
		out = append(out, toTaskJSON(rec))
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": out})
}

func (rt *Runtime) handleGetDocument(w http.ResponseWriter, r *http.Request) {
	rec, err := rt.projections.GetDocument(r.Context(), r.PathValue("id"))
	if err != nil {
		rt.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		ID        string    `json:"id"`
		ProjectID string    `json:"project_id,omitempty"`
		OwnerID   string    `json:"owner_id"`
		Title     string    `json:"title"`
		Body      string    `json:"body,omitempty"`
		Deleted   bool      `json:"deleted,omitempty"`
		Version   uint64    `json:"version"`
		CreatedAt time.Time `json:"created_at"`
		UpdatedAt time.Time `json:"updated_at"`
	}{rec.ID, rec.ProjectID, rec.OwnerID, rec.Title, rec.Body, rec.Deleted, rec.Version, rec.CreatedAt.UTC(), rec.UpdatedAt.UTC()})
}

func (rt *Runtime) handleGetRelation(w http.ResponseWriter, r *http.Request) {
	rec, err := rt.projections.GetRelation(r.Context(), r.PathValue("id"))
	if err != nil {
		rt.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		ID        string    `json:"id"`
		ProjectID string    `json:"project_id,omitempty"`
		OwnerID   string    `json:"owner_id"`
		FromID    string    `json:"from_id"`
		ToID      string    `json:"to_id"`
		Kind      string    `json:"kind"`
		Deleted   bool      `json:"deleted,omitempty"`
		Version   uint64    `json:"version"`
		CreatedAt time.Time `json:"created_at"`
		UpdatedAt time.Time `json:"updated_at"`
	}{rec.ID, rec.ProjectID, rec.OwnerID, rec.FromID, rec.ToID, rec.Kind, rec.Deleted, rec.Version, rec.CreatedAt.UTC(), rec.UpdatedAt.UTC()})
}

func (rt *Runtime) handleOutboxSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := rt.publisher.OutboxSummary(r.Context())
	if err != nil {
		rt.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Pending           int        `json:"pending"`
		Processing        int        `json:"processing"`
		Stuck             int        `json:"stuck"`
		OldestPendingAt   *time.Time `json:"oldestPendingAt,omitempty"`
		OldestPendingID   string     `json:"oldestPendingId,omitempty"`
		HighestRetryCount int        `json:"highestRetryCount"`
	}(summary))
}

func (rt *Runtime) handleRequeue(w http.ResponseWriter, r *http.Request) {
	requeued, err := rt.publisher.RequeueStuck(r.Context(), r.PathValue("event"))
	if err != nil {
		rt.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"requeued": requeued})
}
