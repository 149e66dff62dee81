// Package app wires the pipeline components into a runnable service.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	platformgrpc "github.com/louisbranch/causeway/internal/platform/grpc"
	"github.com/louisbranch/causeway/internal/platform/timeouts"
	"github.com/louisbranch/causeway/internal/services/pipeline/authz"
	"github.com/louisbranch/causeway/internal/services/pipeline/channel"
	"github.com/louisbranch/causeway/internal/services/pipeline/domain/catalog"
	"github.com/louisbranch/causeway/internal/services/pipeline/fanout"
	"github.com/louisbranch/causeway/internal/services/pipeline/ledger"
	"github.com/louisbranch/causeway/internal/services/pipeline/observability"
	"github.com/louisbranch/causeway/internal/services/pipeline/projection"
	"github.com/louisbranch/causeway/internal/services/pipeline/publisher"
	"github.com/louisbranch/causeway/internal/services/pipeline/stage"
	"github.com/louisbranch/causeway/internal/services/pipeline/storage/integrity"
	"github.com/louisbranch/causeway/internal/services/pipeline/storage/sqlite"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
)

// Channel kinds.
const (
	ChannelMemory = "memory"
	ChannelRedis  = "redis"
)

const (
	defaultPort           = 8095
	defaultHTTPAddr       = ":8096"
	defaultEventsDB       = "data/events.db"
	defaultProjectionsDB  = "data/projections.db"
	healthService         = "pipeline.runtime"
	redisPingTimeout      = 3 * time.Second
	defaultChannelKind    = ChannelMemory
	defaultFanoutQueue    = 32
	defaultSweepBatchSize = 50
)

// RuntimeConfig controls pipeline startup.
type RuntimeConfig struct {
	Port              int
	HTTPAddr          string
	EventsDBPath      string
	ProjectionsDBPath string
	Channel           string
	RedisAddr         string
	RedisStream       string
	SweepInterval     time.Duration
	// ReconcileInterval and ReconcileAfter drive the pass that re-sends
	// requested and validated events left without a follow-up.
	ReconcileInterval time.Duration
	ReconcileAfter    time.Duration
	RelayMaxAttempts  int
	RelayBackoff      time.Duration
	RelayMaxDelay     time.Duration
	AuthzPolicyPath   string
	// WorkspaceOwnerBypass lets workspace owners act on every project of
	// their workspace without membership.
	WorkspaceOwnerBypass bool
	// FanoutTokenSecret enables /v1/subscribe when set.
	FanoutTokenSecret string
	FanoutGroup       string
	Logger            *slog.Logger
}

func (c RuntimeConfig) normalized() RuntimeConfig {
	if c.Port <= 0 {
		c.Port = defaultPort
	}
	if strings.TrimSpace(c.HTTPAddr) == "" {
		c.HTTPAddr = defaultHTTPAddr
	}
	if strings.TrimSpace(c.EventsDBPath) == "" {
		c.EventsDBPath = defaultEventsDB
	}
	if strings.TrimSpace(c.ProjectionsDBPath) == "" {
		c.ProjectionsDBPath = defaultProjectionsDB
	}
	c.Channel = strings.ToLower(strings.TrimSpace(c.Channel))
	if c.Channel == "" {
		c.Channel = defaultChannelKind
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Runtime holds the wired components of one pipeline process.
type Runtime struct {
	cfg    RuntimeConfig
	logger *slog.Logger

	events      *sqlite.Store
	projections *sqlite.Store
	channel     channel.Channel
	closers     []io.Closer

	registry *prometheus.Registry
	metrics  *observability.Metrics

	publisher  *publisher.Publisher
	sweeper    *publisher.Sweeper
	reconciler *publisher.Reconciler
	engine     *projection.Engine
	ingress    *stage.Ingress
	machine    *stage.Machine
	ledger     *ledger.Ledger
	hub        *fanout.Hub
	consumer   *fanout.Consumer
	verifier   *fanout.TokenVerifier
}

// Build opens storage and constructs every component. Nothing consumes
// messages until Start.
func Build(ctx context.Context, cfg RuntimeConfig) (*Runtime, error) {
	cfg = cfg.normalized()
	rt := &Runtime{cfg: cfg, logger: cfg.Logger}
	if err := rt.build(ctx); err != nil {
		rt.Close()
		return nil, err
	}
	return rt, nil
}

func (rt *Runtime) build(ctx context.Context) error {
	cfg := rt.cfg
	var err error

	rt.registry = prometheus.NewRegistry()
	rt.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	rt.metrics = observability.NewMetrics(rt.registry)

	if rt.events, err = openStore(cfg.EventsDBPath, sqlite.OpenEvents); err != nil {
		return fmt.Errorf("open events store: %w", err)
	}
	rt.closers = append(rt.closers, rt.events)
	if rt.projections, err = openStore(cfg.ProjectionsDBPath, sqlite.OpenProjections); err != nil {
		return fmt.Errorf("open projections store: %w", err)
	}
	rt.closers = append(rt.closers, rt.projections)

	if err := rt.openChannel(ctx); err != nil {
		return err
	}

	cat, err := catalog.New()
	if err != nil {
		return fmt.Errorf("build catalog: %w", err)
	}
	executors, err := stage.NewRegistry(stage.DefaultExecutors())
	if err != nil {
		return fmt.Errorf("build executor registry: %w", err)
	}
	policy, err := loadPolicy(cfg)
	if err != nil {
		return err
	}

	rt.publisher, err = publisher.New(publisher.Config{
		Events:  rt.events,
		Outbox:  rt.events,
		Channel: rt.channel,
		Retry: publisher.RetryPolicy{
			MaxAttempts: cfg.RelayMaxAttempts,
			BaseDelay:   cfg.RelayBackoff,
			MaxDelay:    cfg.RelayMaxDelay,
		},
		Metrics: rt.metrics,
		Logger:  rt.logger.With("component", "publisher"),
	})
	if err != nil {
		return fmt.Errorf("build publisher: %w", err)
	}
	rt.sweeper = publisher.NewSweeper(rt.publisher, publisher.SweeperConfig{
		Interval:  cfg.SweepInterval,
		BatchSize: defaultSweepBatchSize,
	})
	rt.reconciler = publisher.NewReconciler(rt.publisher, publisher.ReconcilerConfig{
		Interval: cfg.ReconcileInterval,
		After:    cfg.ReconcileAfter,
	})

	rt.engine, err = projection.New(projection.Config{
		Store:    rt.projections,
		Events:   rt.events,
		Payloads: cat.Events(),
		Metrics:  rt.metrics,
		Logger:   rt.logger.With("component", "projection"),
	})
	if err != nil {
		return fmt.Errorf("build projection engine: %w", err)
	}

	rt.ingress, err = stage.NewIngress(stage.IngressConfig{
		Events:    rt.events,
		Publisher: rt.publisher,
		Metrics:   rt.metrics,
		Logger:    rt.logger.With("component", "ingress"),
	})
	if err != nil {
		return fmt.Errorf("build ingress: %w", err)
	}
	rt.machine, err = stage.NewMachine(stage.Config{
		Catalog:   cat,
		Registry:  executors,
		Events:    rt.events,
		Publisher: rt.publisher,
		Authz:     policy,
		Projector: rt.engine,
		Metrics:   rt.metrics,
		Logger:    rt.logger.With("component", "stage"),
	})
	if err != nil {
		return fmt.Errorf("build stage machine: %w", err)
	}

	keyring, err := integrity.KeyringFromEnv()
	if errors.Is(err, integrity.ErrNoKeys) {
		keyring, err = nil, nil
		rt.logger.Info("ledger signatures disabled: no hmac key configured")
	}
	if err != nil {
		return fmt.Errorf("load ledger keyring: %w", err)
	}
	rt.ledger, err = ledger.New(ledger.Config{
		Store:   rt.events,
		Keyring: keyring,
		Metrics: rt.metrics,
		Logger:  rt.logger.With("component", "ledger"),
	})
	if err != nil {
		return fmt.Errorf("build ledger: %w", err)
	}

	rt.hub = fanout.NewHub(fanout.HubOptions{
		QueueSize: defaultFanoutQueue,
		Metrics:   rt.metrics,
		Logger:    rt.logger.With("component", "fanout"),
	})
	rt.consumer = fanout.NewConsumer(rt.hub, cfg.FanoutGroup, rt.logger.With("component", "fanout"))
	if secret := strings.TrimSpace(cfg.FanoutTokenSecret); secret != "" {
		if rt.verifier, err = fanout.NewTokenVerifier([]byte(secret)); err != nil {
			return err
		}
	}
	return nil
}

func openStore(path string, open func(string, ...sqlite.Option) (*sqlite.Store, error)) (*sqlite.Store, error) {
	cleanPath := filepath.Clean(path)
	if dir := filepath.Dir(cleanPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create storage dir: %w", err)
		}
	}
	return open(cleanPath)
}

func (rt *Runtime) openChannel(ctx context.Context) error {
	switch rt.cfg.Channel {
	case ChannelMemory:
		bus := channel.NewMemory(channel.MemoryOptions{Logger: rt.logger.With("component", "channel")})
		rt.channel = bus
		rt.closers = append(rt.closers, bus)
	case ChannelRedis:
		if strings.TrimSpace(rt.cfg.RedisAddr) == "" {
			return errors.New("redis address is required for the redis channel")
		}
		client := redis.NewClient(&redis.Options{Addr: rt.cfg.RedisAddr})
		rt.closers = append(rt.closers, client)
		pingCtx, cancel := context.WithTimeout(ctx, redisPingTimeout)
		defer cancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			return fmt.Errorf("ping redis %s: %w", rt.cfg.RedisAddr, err)
		}
		stream := channel.NewRedis(client, channel.RedisOptions{
			Stream: rt.cfg.RedisStream,
			Logger: rt.logger.With("component", "channel"),
		})
		rt.channel = stream
		rt.closers = append(rt.closers, stream)
	default:
		return fmt.Errorf("unknown channel %q (want %s or %s)", rt.cfg.Channel, ChannelMemory, ChannelRedis)
	}
	return nil
}

func loadPolicy(cfg RuntimeConfig) (*authz.Policy, error) {
	opts := authz.Options{WorkspaceOwnerBypass: cfg.WorkspaceOwnerBypass}
	if strings.TrimSpace(cfg.AuthzPolicyPath) == "" {
		// Without a policy only personal-space commands are allowed.
		return authz.NewPolicy(authz.PolicyFile{}, opts)
	}
	policy, err := authz.LoadPolicy(cfg.AuthzPolicyPath, opts)
	if err != nil {
		return nil, fmt.Errorf("load authz policy: %w", err)
	}
	return policy, nil
}

// Start subscribes the stage machine, the projection engine and the fan-out
// consumer. Deliveries stop when ctx ends.
func (rt *Runtime) Start(ctx context.Context) error {
	if err := rt.machine.Subscribe(ctx, rt.channel); err != nil {
		return fmt.Errorf("subscribe stage machine: %w", err)
	}
	if err := rt.engine.Subscribe(ctx, rt.channel); err != nil {
		return fmt.Errorf("subscribe projection engine: %w", err)
	}
	if err := rt.consumer.Subscribe(ctx, rt.channel); err != nil {
		return fmt.Errorf("subscribe fan-out: %w", err)
	}
	return nil
}

// Close releases the channel and storage. It is safe on a partial build.
func (rt *Runtime) Close() {
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i].Close(); err != nil {
			log.Printf("close pipeline resource: %v", err)
		}
	}
	rt.closers = nil
}

// Run starts the pipeline and blocks until ctx ends or a server fails.
func Run(ctx context.Context, cfg RuntimeConfig) error {
	if ctx == nil {
		ctx = context.Background()
	}
	rt, err := Build(ctx, cfg)
	if err != nil {
		return err
	}
	defer rt.Close()
	cfg = rt.cfg

	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Port))
	if err != nil {
		return fmt.Errorf("listen on pipeline port %d: %w", cfg.Port, err)
	}
	health := platformgrpc.NewHealthServer()
	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           rt.Handler(),
		ReadHeaderTimeout: timeouts.ReadHeader,
	}

	group, gctx := errgroup.WithContext(ctx)
	if err := rt.Start(gctx); err != nil {
		listener.Close()
		return err
	}
	group.Go(func() error {
		return health.Serve(gctx, listener)
	})
	group.Go(func() error {
		return rt.sweeper.Run(gctx)
	})
	group.Go(func() error {
		return rt.reconciler.Run(gctx)
	})
	group.Go(func() error {
		return serveHTTP(gctx, httpServer)
	})
	health.SetServing(healthService, true)
	log.Printf("pipeline health listening at %v, http at %s", listener.Addr(), cfg.HTTPAddr)
	return group.Wait()
}

func serveHTTP(ctx context.Context, server *http.Server) error {
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- server.ListenAndServe()
	}()
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeouts.Shutdown)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown http server: %w", err)
		}
		return nil
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve http: %w", err)
	}
}
