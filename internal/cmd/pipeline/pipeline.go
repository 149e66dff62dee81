// Package pipeline parses pipeline command flags and launches the runtime.
package pipeline

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"time"

	entrypoint "github.com/louisbranch/causeway/internal/platform/cmd"
	pipelineapp "github.com/louisbranch/causeway/internal/services/pipeline/app"
)

// Config holds pipeline command configuration.
type Config struct {
	Port                 int           `env:"CAUSEWAY_PIPELINE_PORT" envDefault:"8095"`
	HTTPAddr             string        `env:"CAUSEWAY_PIPELINE_HTTP_ADDR" envDefault:":8096"`
	EventsDBPath         string        `env:"CAUSEWAY_EVENTS_DB_PATH" envDefault:"data/events.db"`
	ProjectionsDBPath    string        `env:"CAUSEWAY_PROJECTIONS_DB_PATH" envDefault:"data/projections.db"`
	Channel              string        `env:"CAUSEWAY_CHANNEL" envDefault:"memory"`
	RedisAddr            string        `env:"CAUSEWAY_REDIS_ADDR"`
	RedisStream          string        `env:"CAUSEWAY_REDIS_STREAM" envDefault:"causeway:events"`
	SweepInterval        time.Duration `env:"CAUSEWAY_SWEEP_INTERVAL" envDefault:"2s"`
	ReconcileInterval    time.Duration `env:"CAUSEWAY_RECONCILE_INTERVAL" envDefault:"30s"`
	ReconcileAfter       time.Duration `env:"CAUSEWAY_RECONCILE_AFTER" envDefault:"1m"`
	RelayMaxAttempts     int           `env:"CAUSEWAY_RELAY_MAX_ATTEMPTS" envDefault:"8"`
	RelayBackoff         time.Duration `env:"CAUSEWAY_RELAY_BACKOFF" envDefault:"1s"`
	RelayMaxDelay        time.Duration `env:"CAUSEWAY_RELAY_MAX_DELAY" envDefault:"5m"`
	AuthzPolicyPath      string        `env:"CAUSEWAY_AUTHZ_POLICY_PATH"`
	WorkspaceOwnerBypass bool          `env:"CAUSEWAY_AUTHZ_WORKSPACE_OWNER_BYPASS" envDefault:"false"`
	FanoutTokenSecret    string        `env:"CAUSEWAY_FANOUT_TOKEN_SECRET"`
	FanoutGroup          string        `env:"CAUSEWAY_FANOUT_GROUP" envDefault:"fanout"`
	LogLevel             slog.Level    `env:"CAUSEWAY_LOG_LEVEL" envDefault:"info"`
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}
	fs.IntVar(&cfg.Port, "port", cfg.Port, "The pipeline health gRPC server port")
	fs.StringVar(&cfg.HTTPAddr, "http-addr", cfg.HTTPAddr, "The command and subscription HTTP listen address")
	fs.StringVar(&cfg.EventsDBPath, "events-db-path", cfg.EventsDBPath, "The event log SQLite database path")
	fs.StringVar(&cfg.ProjectionsDBPath, "projections-db-path", cfg.ProjectionsDBPath, "The projections SQLite database path")
	fs.StringVar(&cfg.Channel, "channel", cfg.Channel, "Message channel implementation (memory|redis)")
	fs.StringVar(&cfg.RedisAddr, "redis-addr", cfg.RedisAddr, "Redis address for the redis channel")
	fs.DurationVar(&cfg.SweepInterval, "sweep-interval", cfg.SweepInterval, "Outbox sweep interval")
	fs.DurationVar(&cfg.ReconcileInterval, "reconcile-interval", cfg.ReconcileInterval, "Interval between follow-up reconciliation passes")
	fs.DurationVar(&cfg.ReconcileAfter, "reconcile-after", cfg.ReconcileAfter, "Age after which an event without a follow-up is re-sent")
	fs.IntVar(&cfg.RelayMaxAttempts, "relay-max-attempts", cfg.RelayMaxAttempts, "Failed relays before an event is marked stuck")
	fs.DurationVar(&cfg.RelayBackoff, "relay-backoff", cfg.RelayBackoff, "Base relay retry backoff")
	fs.DurationVar(&cfg.RelayMaxDelay, "relay-max-delay", cfg.RelayMaxDelay, "Maximum relay retry delay")
	fs.StringVar(&cfg.AuthzPolicyPath, "authz-policy", cfg.AuthzPolicyPath, "YAML authorization policy path")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	if cfg.RelayMaxAttempts <= 0 {
		return Config{}, fmt.Errorf("relay max attempts must be positive, got %d", cfg.RelayMaxAttempts)
	}
	return cfg, nil
}

// Run starts the pipeline runtime.
func Run(ctx context.Context, cfg Config) error {
	options := entrypoint.RunOptions{LogLevel: cfg.LogLevel}
	return entrypoint.RunWithTelemetryAndOptions(ctx, entrypoint.ServicePipeline, options, func(ctx context.Context) error {
		return pipelineapp.Run(ctx, pipelineapp.RuntimeConfig{
			Port:                 cfg.Port,
			HTTPAddr:             cfg.HTTPAddr,
			EventsDBPath:         cfg.EventsDBPath,
			ProjectionsDBPath:    cfg.ProjectionsDBPath,
			Channel:              cfg.Channel,
			RedisAddr:            cfg.RedisAddr,
			RedisStream:          cfg.RedisStream,
			SweepInterval:        cfg.SweepInterval,
			ReconcileInterval:    cfg.ReconcileInterval,
			ReconcileAfter:       cfg.ReconcileAfter,
			RelayMaxAttempts:     cfg.RelayMaxAttempts,
			RelayBackoff:         cfg.RelayBackoff,
			RelayMaxDelay:        cfg.RelayMaxDelay,
			AuthzPolicyPath:      cfg.AuthzPolicyPath,
			WorkspaceOwnerBypass: cfg.WorkspaceOwnerBypass,
			FanoutTokenSecret:    cfg.FanoutTokenSecret,
			FanoutGroup:          cfg.FanoutGroup,
			Logger:               slog.Default(),
		})
	})
}
