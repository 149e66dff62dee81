// Package rebuild replays completed events from the event log into the
// projection store, and reports or requeues stuck outbox markers.
package rebuild

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	entrypoint "github.com/louisbranch/causeway/internal/platform/cmd"
	"github.com/louisbranch/causeway/internal/services/pipeline/domain/catalog"
	"github.com/louisbranch/causeway/internal/services/pipeline/projection"
	"github.com/louisbranch/causeway/internal/services/pipeline/storage"
	"github.com/louisbranch/causeway/internal/services/pipeline/storage/sqlite"
)

// ErrIncomplete reports a rebuild that skipped at least one event.
var ErrIncomplete = errors.New("rebuild finished with errors")

// Config holds rebuild command configuration.
type Config struct {
	EventsDBPath      string        `env:"CAUSEWAY_EVENTS_DB_PATH" envDefault:"data/events.db"`
	ProjectionsDBPath string        `env:"CAUSEWAY_PROJECTIONS_DB_PATH" envDefault:"data/projections.db"`
	Timeout           time.Duration `env:"CAUSEWAY_REBUILD_TIMEOUT" envDefault:"10m"`
	PageSize          int           `env:"CAUSEWAY_REBUILD_PAGE_SIZE" envDefault:"200"`
	From              time.Time
	JSONOutput        bool
	OutboxReport      bool
	OutboxRequeue     string
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}
	var from string
	fs.StringVar(&from, "from", "", "replay events at or after this RFC 3339 time (default: full rebuild)")
	fs.StringVar(&cfg.EventsDBPath, "events-db-path", cfg.EventsDBPath, "path to the event log sqlite database")
	fs.StringVar(&cfg.ProjectionsDBPath, "projections-db-path", cfg.ProjectionsDBPath, "path to the projections sqlite database")
	fs.IntVar(&cfg.PageSize, "page-size", cfg.PageSize, "events read per replay page")
	fs.BoolVar(&cfg.JSONOutput, "json", false, "output a JSON report")
	fs.BoolVar(&cfg.OutboxReport, "outbox-report", false, "report relay outbox state instead of rebuilding")
	fs.StringVar(&cfg.OutboxRequeue, "outbox-requeue", "", "move the stuck outbox marker of this event id back to pending")
	fs.DurationVar(&cfg.Timeout, "timeout", cfg.Timeout, "overall timeout")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	if from = strings.TrimSpace(from); from != "" {
		parsed, err := time.Parse(time.RFC3339, from)
		if err != nil {
			return Config{}, fmt.Errorf("parse -from: %w", err)
		}
		cfg.From = parsed.UTC()
	}
	if cfg.OutboxReport && cfg.OutboxRequeue != "" {
		return Config{}, errors.New("-outbox-report cannot be combined with -outbox-requeue")
	}
	return cfg, nil
}

// Run executes the command. Per-event failures are logged to errOut and
// make Run return ErrIncomplete after the report is written.
func Run(ctx context.Context, cfg Config, out io.Writer, errOut io.Writer) error {
	if out == nil {
		out = io.Discard
	}
	if errOut == nil {
		errOut = io.Discard
	}
	logger := slog.New(slog.NewTextHandler(errOut, &slog.HandlerOptions{Level: slog.LevelWarn})).With("service", entrypoint.ServiceRebuild)

	events, err := openEventStore(cfg.EventsDBPath)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := events.Close(); closeErr != nil {
			fmt.Fprintf(errOut, "Warning: close events store: %v\n", closeErr)
		}
	}()

	switch {
	case cfg.OutboxReport:
		return reportOutbox(ctx, events, cfg.JSONOutput, out)
	case strings.TrimSpace(cfg.OutboxRequeue) != "":
		return requeue(ctx, events, strings.TrimSpace(cfg.OutboxRequeue), cfg.JSONOutput, out)
	}

	projections, err := openProjectionStore(cfg.ProjectionsDBPath)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := projections.Close(); closeErr != nil {
			fmt.Fprintf(errOut, "Warning: close projections store: %v\n", closeErr)
		}
	}()

	cat, err := catalog.New()
	if err != nil {
		return fmt.Errorf("build catalog: %w", err)
	}
	engine, err := projection.New(projection.Config{
		Store:    projections,
		Events:   events,
		Payloads: cat.Events(),
		PageSize: cfg.PageSize,
		Logger:   logger,
	})
	if err != nil {
		return fmt.Errorf("build projection engine: %w", err)
	}

	result, err := engine.Rebuild(ctx, cfg.From)
	if err != nil {
		return fmt.Errorf("rebuild projections: %w", err)
	}
	if cfg.JSONOutput {
		if err := json.NewEncoder(out).Encode(result); err != nil {
			return fmt.Errorf("write report: %w", err)
		}
	} else {
		fmt.Fprintf(out, "processed=%d errors=%d\n", result.Processed, result.Errors)
	}
	if result.Errors > 0 {
		return fmt.Errorf("%w: %d of %d events failed", ErrIncomplete, result.Errors, result.Processed)
	}
	return nil
}

type outboxReport struct {
	Pending           int        `json:"pending"`
	Processing        int        `json:"processing"`
	Stuck             int        `json:"stuck"`
	OldestPendingAt   *time.Time `json:"oldestPendingAt,omitempty"`
	OldestPendingID   string     `json:"oldestPendingId,omitempty"`
	HighestRetryCount int        `json:"highestRetryCount"`
}

func reportOutbox(ctx context.Context, outbox storage.OutboxStore, asJSON bool, out io.Writer) error {
	summary, err := outbox.Summary(ctx)
	if err != nil {
		return fmt.Errorf("outbox summary: %w", err)
	}
	if asJSON {
		return json.NewEncoder(out).Encode(outboxReport(summary))
	}
	fmt.Fprintf(out, "pending=%d processing=%d stuck=%d highest_retry=%d\n",
		summary.Pending, summary.Processing, summary.Stuck, summary.HighestRetryCount)
	if summary.OldestPendingAt != nil {
		fmt.Fprintf(out, "oldest_pending=%s at %s\n", summary.OldestPendingID, summary.OldestPendingAt.UTC().Format(time.RFC3339))
	}
	return nil
}

func requeue(ctx context.Context, outbox storage.OutboxStore, eventID string, asJSON bool, out io.Writer) error {
	requeued, err := outbox.RequeueStuck(ctx, eventID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("requeue %s: %w", eventID, err)
	}
	if asJSON {
		return json.NewEncoder(out).Encode(map[string]any{"eventId": eventID, "requeued": requeued})
	}
	fmt.Fprintf(out, "event=%s requeued=%t\n", eventID, requeued)
	return nil
}

func openEventStore(path string) (*sqlite.Store, error) {
	cleanPath := filepath.Clean(strings.TrimSpace(path))
	if cleanPath == "." || cleanPath == "" {
		return nil, errors.New("events db path is required")
	}
	if _, err := os.Stat(cleanPath); err != nil {
		return nil, fmt.Errorf("events db %s: %w", cleanPath, err)
	}
	store, err := sqlite.OpenEvents(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("open events store: %w", err)
	}
	return store, nil
}

func openProjectionStore(path string) (*sqlite.Store, error) {
	cleanPath := filepath.Clean(strings.TrimSpace(path))
	if cleanPath == "." || cleanPath == "" {
		return nil, errors.New("projections db path is required")
	}
	if dir := filepath.Dir(cleanPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create storage dir: %w", err)
		}
	}
	store, err := sqlite.OpenProjections(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("open projections store: %w", err)
	}
	return store, nil
}
