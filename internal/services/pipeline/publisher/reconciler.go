package publisher

import (
	"context"
	"log/slog"
	"time"

	"github.com/louisbranch/causeway/internal/services/pipeline/domain/event"
	"github.com/louisbranch/causeway/internal/services/pipeline/storage"
)

const (
	defaultReconcileInterval  = 30 * time.Second
	defaultReconcileAfter     = time.Minute
	defaultReconcileBatchSize = 100
)

// ReconcilerConfig tunes the follow-up reconciliation loop.
type ReconcilerConfig struct {
	Interval time.Duration
	// After is how old an event must be before a missing follow-up counts as
	// lost rather than in flight.
	After     time.Duration
	BatchSize int
	// Stages lists the stages that must be followed up; empty means
	// requested and validated.
	Stages []event.Stage
}

// ReconcileResult counts what one pass did.
type ReconcileResult struct {
	Found  int
	Resent int
	Failed int
}

// Reconciler re-sends relayed events whose consumer never recorded a
// follow-up: a message dropped after its redeliveries, or one lost with an
// in-process channel on restart.
type Reconciler struct {
	publisher *Publisher
	cfg       ReconcilerConfig
	logger    *slog.Logger
}

// NewReconciler builds a reconciler sharing p's stores and channel.
func NewReconciler(p *Publisher, cfg ReconcilerConfig) *Reconciler {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultReconcileInterval
	}
	if cfg.After <= 0 {
		cfg.After = defaultReconcileAfter
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultReconcileBatchSize
	}
	if len(cfg.Stages) == 0 {
		cfg.Stages = []event.Stage{event.StageRequested, event.StageValidated}
	}
	return &Reconciler{publisher: p, cfg: cfg, logger: p.logger}
}

// Run reconciles immediately and then on every interval tick until ctx ends.
func (r *Reconciler) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()
	for {
		if _, err := r.RunOnce(ctx, r.publisher.clock()); err != nil && ctx.Err() == nil {
			r.logger.Error("follow-up reconciliation failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// RunOnce re-sends the events older than After that still lack a follow-up.
// A failed send hands the event to the outbox sweeper.
func (r *Reconciler) RunOnce(ctx context.Context, now time.Time) (ReconcileResult, error) {
	p := r.publisher
	var result ReconcileResult
	evts, err := p.events.ListUnfollowed(ctx, storage.UnfollowedQuery{
		Stages: r.cfg.Stages,
		Before: now.Add(-r.cfg.After),
		Limit:  r.cfg.BatchSize,
	})
	if err != nil {
		return result, err
	}
	result.Found = len(evts)
	for _, evt := range evts {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		if err := p.send(ctx, evt); err != nil {
			p.metrics.RelayFailed("reconcile")
			p.recordRelayFailure(ctx, evt, err, 1, now)
			result.Failed++
			continue
		}
		p.metrics.StageResent(string(evt.Type.Stage()))
		r.logger.Warn("re-sent event without follow-up",
			"event_id", evt.ID,
			"event_type", string(evt.Type),
			"aggregate_id", evt.AggregateID,
			"age", now.Sub(evt.Timestamp).String(),
		)
		result.Resent++
	}
	return result, nil
}
