package stage

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/louisbranch/causeway/internal/services/pipeline/domain/event"
	"github.com/louisbranch/causeway/internal/services/pipeline/storage"
)

// aggregateState is the log's current view of one aggregate.
type aggregateState struct {
	// Head is the latest version of any stage; zero when the aggregate has
	// no events.
	Head uint64
	// Type is the aggregate type recorded on its events.
	Type string
	// Snapshot is the payload of the latest completed event, or nil.
	Snapshot event.Payload
	Scope    snapshotScope
}

// snapshotScope holds the fields every snapshot shares.
type snapshotScope struct {
	ProjectID string `json:"project_id"`
	OwnerID   string `json:"owner_id"`
	Deleted   bool   `json:"deleted"`
}

// Live reports whether the aggregate has a snapshot that is not tombstoned.
func (s aggregateState) Live() bool {
	return s.Snapshot != nil && !s.Scope.Deleted
}

// stateLoader folds the aggregate stream down to its latest snapshot.
type stateLoader struct {
	events   storage.EventStore
	payloads *event.Registry
}

func (l stateLoader) Load(ctx context.Context, aggregateID string) (aggregateState, error) {
	stream, err := l.events.StreamByAggregate(ctx, aggregateID, 0)
	if err != nil {
		return aggregateState{}, fmt.Errorf("load aggregate %s: %w", aggregateID, err)
	}
	var state aggregateState
	var latest *event.Event
	for i := range stream {
		evt := stream[i]
		state.Head = evt.Version
		if state.Type == "" {
			state.Type = evt.AggregateType
		}
		if evt.Type.Stage() == event.StageCompleted {
			latest = &stream[i]
		}
	}
	if latest == nil {
		return state, nil
	}
	snapshot, err := l.payloads.Decode(latest.Type, latest.PayloadJSON)
	if err != nil {
		return aggregateState{}, fmt.Errorf("decode snapshot %s: %w", latest.ID, err)
	}
	if err := json.Unmarshal(latest.PayloadJSON, &state.Scope); err != nil {
		return aggregateState{}, fmt.Errorf("decode snapshot scope %s: %w", latest.ID, err)
	}
	state.Snapshot = snapshot
	return state, nil
}
