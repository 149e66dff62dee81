package publisher

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/louisbranch/causeway/internal/platform/timeouts"
	"github.com/louisbranch/causeway/internal/services/pipeline/domain/event"
	"github.com/louisbranch/causeway/internal/services/pipeline/storage"
)

const (
	defaultSweepInterval  = 2 * time.Second
	defaultSweepBatchSize = 50
)

// Alerter is notified when an event exhausts its relay attempts, whether on
// the publish path or in a sweep.
type Alerter interface {
	OutboxStuck(ctx context.Context, marker storage.OutboxMarker, evt event.Event)
}

// AlerterFunc adapts a function to Alerter.
type AlerterFunc func(ctx context.Context, marker storage.OutboxMarker, evt event.Event)

// OutboxStuck calls f.
func (f AlerterFunc) OutboxStuck(ctx context.Context, marker storage.OutboxMarker, evt event.Event) {
	f(ctx, marker, evt)
}

// SweeperConfig tunes the outbox sweep loop.
type SweeperConfig struct {
	Interval  time.Duration
	BatchSize int
	// Lease is how long a claimed marker is reserved for this sweeper.
	Lease time.Duration
}

// SweepResult counts what one pass did.
type SweepResult struct {
	Claimed int
	Relayed int
	Failed  int
	Stuck   int
}

// Sweeper retries relays recorded in the outbox.
type Sweeper struct {
	publisher *Publisher
	cfg       SweeperConfig
	logger    *slog.Logger
}

// NewSweeper builds a sweeper sharing p's stores, channel and retry policy.
func NewSweeper(p *Publisher, cfg SweeperConfig) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultSweepInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultSweepBatchSize
	}
	if cfg.Lease <= 0 {
		cfg.Lease = timeouts.ProcessingLease
	}
	return &Sweeper{publisher: p, cfg: cfg, logger: p.logger}
}

// Run sweeps on every interval tick until ctx ends.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		if _, err := s.RunOnce(ctx, s.publisher.clock()); err != nil && ctx.Err() == nil {
			s.logger.Error("outbox sweep failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// RunOnce claims the markers due at now and retries each relay.
func (s *Sweeper) RunOnce(ctx context.Context, now time.Time) (SweepResult, error) {
	p := s.publisher
	var result SweepResult
	markers, err := p.outbox.ClaimDue(ctx, now, s.cfg.BatchSize, s.cfg.Lease)
	if err != nil {
		return result, err
	}
	result.Claimed = len(markers)
	for _, marker := range markers {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		evt, err := p.events.GetEvent(ctx, marker.EventID)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				s.logger.Error("outbox marker without event", "event_id", marker.EventID)
			}
			result.Failed++
			continue
		}
		sendErr := p.send(ctx, evt)
		if sendErr == nil {
			if err := p.outbox.ClearMarker(ctx, marker.EventID); err != nil {
				// Cleared late; the consumer side tolerates the duplicate.
				s.logger.Warn("clear outbox marker failed", "event_id", marker.EventID, "error", err)
			}
			p.metrics.OutboxRelayed()
			result.Relayed++
			continue
		}

		p.metrics.RelayFailed("sweep")
		attempt := marker.RetryCount + 1
		result.Failed++
		if !p.recordRelayFailure(ctx, evt, sendErr, attempt, now) {
			continue
		}
		if p.retry.Exhausted(attempt) {
			result.Stuck++
		}
	}

	if summary, err := p.outbox.Summary(ctx); err == nil {
		p.metrics.OutboxMarkers(summary.Pending, summary.Processing, summary.Stuck)
	}
	return result, nil
}
