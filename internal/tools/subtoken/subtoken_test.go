package subtoken

import (
	"bytes"
	"flag"
	"strings"
	"testing"
	"time"

	"github.com/louisbranch/causeway/internal/services/pipeline/fanout"
)

func TestParseConfig(t *testing.T) {
	t.Setenv("CAUSEWAY_FANOUT_TOKEN_SECRET", "s3cret")
	fs := flag.NewFlagSet("subtoken", flag.ContinueOnError)
	cfg, err := ParseConfig(fs, []string{"-user", "u1", "-ttl", "5m"})
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	if cfg.Secret != "s3cret" || cfg.UserID != "u1" || cfg.TTL != 5*time.Minute {
		t.Fatalf("unexpected config %+v", cfg)
	}
}

func TestRunIssuesVerifiableToken(t *testing.T) {
	buf := &bytes.Buffer{}
	if err := Run(Config{Secret: "s3cret", UserID: "u1", TTL: time.Hour}, buf); err != nil {
		t.Fatalf("run: %v", err)
	}
	verifier, err := fanout.NewTokenVerifier([]byte("s3cret"))
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}
	userID, err := verifier.Verify(strings.TrimSpace(buf.String()))
	if err != nil || userID != "u1" {
		t.Fatalf("verify issued token = %q, %v", userID, err)
	}
}

func TestRunRejectsBadConfig(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{name: "no user", cfg: Config{Secret: "s"}},
		{name: "no secret", cfg: Config{UserID: "u1"}},
		{name: "negative ttl", cfg: Config{Secret: "s", UserID: "u1", TTL: -time.Second}},
	}
	for _, tc := range tests {
		if err := Run(tc.cfg, &bytes.Buffer{}); err == nil {
			t.Fatalf("%s: expected error", tc.name)
		}
	}
	if err := Run(Config{Secret: "s", UserID: "u1"}, nil); err == nil {
		t.Fatal("expected error for nil output")
	}
}
