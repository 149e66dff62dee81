package pipeline

import (
	"flag"
	"log/slog"
	"testing"
	"time"
)

func TestParseConfig_ParsesDefaultsAndFlags(t *testing.T) {
	fs := flag.NewFlagSet("pipeline", flag.ContinueOnError)
	t.Setenv("CAUSEWAY_PIPELINE_PORT", "9095")
	t.Setenv("CAUSEWAY_CHANNEL", "redis")
	t.Setenv("CAUSEWAY_LOG_LEVEL", "debug")

	cfg, err := ParseConfig(fs, []string{"-redis-addr", "redis:6379", "-relay-max-attempts", "3"})
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	if cfg.Port != 9095 {
		t.Fatalf("port = %d, want 9095", cfg.Port)
	}
	if cfg.Channel != "redis" || cfg.RedisAddr != "redis:6379" {
		t.Fatalf("channel = %q at %q", cfg.Channel, cfg.RedisAddr)
	}
	if cfg.RelayMaxAttempts != 3 {
		t.Fatalf("relay max attempts = %d, want 3", cfg.RelayMaxAttempts)
	}
	if cfg.LogLevel != slog.LevelDebug {
		t.Fatalf("log level = %v, want debug", cfg.LogLevel)
	}
}

func TestParseConfig_Defaults(t *testing.T) {
	fs := flag.NewFlagSet("pipeline", flag.ContinueOnError)

	cfg, err := ParseConfig(fs, nil)
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	if cfg.HTTPAddr != ":8096" || cfg.Channel != "memory" {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	if cfg.ReconcileInterval != 30*time.Second || cfg.ReconcileAfter != time.Minute {
		t.Fatalf("unexpected reconcile defaults %v %v", cfg.ReconcileInterval, cfg.ReconcileAfter)
	}
	if cfg.SweepInterval != 2*time.Second || cfg.RelayBackoff != time.Second || cfg.RelayMaxDelay != 5*time.Minute {
		t.Fatalf("unexpected relay defaults %+v", cfg)
	}
	if cfg.EventsDBPath != "data/events.db" || cfg.ProjectionsDBPath != "data/projections.db" {
		t.Fatalf("unexpected db defaults %+v", cfg)
	}
}

func TestParseConfig_RejectsNonPositiveAttempts(t *testing.T) {
	fs := flag.NewFlagSet("pipeline", flag.ContinueOnError)
	if _, err := ParseConfig(fs, []string{"-relay-max-attempts", "0"}); err == nil {
		t.Fatal("expected error")
	}
}
