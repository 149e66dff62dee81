package hmackey

import (
	"bytes"
	"flag"
	"fmt"
	"strings"
	"testing"
)

func TestParseConfigDefaults(t *testing.T) {
	fs := flag.NewFlagSet("hmackey", flag.ContinueOnError)
	cfg, err := ParseConfig(fs, nil)
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	if cfg.Bytes != 32 || cfg.Target != TargetLedger {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
}

func TestParseConfigOverride(t *testing.T) {
	fs := flag.NewFlagSet("hmackey", flag.ContinueOnError)
	cfg, err := ParseConfig(fs, []string{"-bytes", "16", "-for", "fanout"})
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	if cfg.Bytes != 16 || cfg.Target != TargetFanout {
		t.Fatalf("unexpected config %+v", cfg)
	}
}

func TestRunWritesAssignment(t *testing.T) {
	tests := []struct {
		cfg  Config
		want string
	}{
		{cfg: Config{Bytes: 4, Target: TargetLedger}, want: "CAUSEWAY_LEDGER_HMAC_KEY=01020304"},
		{cfg: Config{Bytes: 4, Target: "Fanout"}, want: "CAUSEWAY_FANOUT_TOKEN_SECRET=01020304"},
		{
			cfg:  Config{Bytes: 4, Target: TargetLedger, KeyID: "v2"},
			want: "CAUSEWAY_LEDGER_HMAC_KEYS=v2=01020304\nCAUSEWAY_LEDGER_HMAC_KEY_ID=v2",
		},
	}
	for _, tc := range tests {
		buf := &bytes.Buffer{}
		if err := Run(tc.cfg, buf, bytes.NewReader([]byte{0x01, 0x02, 0x03, 0x04})); err != nil {
			t.Fatalf("run %+v: %v", tc.cfg, err)
		}
		if got := strings.TrimSpace(buf.String()); got != tc.want {
			t.Fatalf("output = %q, want %q", got, tc.want)
		}
	}
}

func TestRunRejectsBadConfig(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{name: "zero bytes", cfg: Config{Bytes: 0, Target: TargetLedger}},
		{name: "unknown target", cfg: Config{Bytes: 4, Target: "vault"}},
		{name: "key id for fanout", cfg: Config{Bytes: 4, Target: TargetFanout, KeyID: "v2"}},
	}
	for _, tc := range tests {
		if err := Run(tc.cfg, &bytes.Buffer{}, bytes.NewReader([]byte{1, 2, 3, 4})); err == nil {
			t.Fatalf("%s: expected error", tc.name)
		}
	}
	if err := Run(Config{Bytes: 4, Target: TargetLedger}, nil, nil); err == nil {
		t.Fatal("expected error for nil output")
	}
}

func TestRunDefaultReader(t *testing.T) {
	buf := &bytes.Buffer{}
	if err := Run(Config{Bytes: 4, Target: TargetLedger}, buf, nil); err != nil {
		t.Fatalf("run: %v", err)
	}
	got := strings.TrimSpace(buf.String())
	const prefix = "CAUSEWAY_LEDGER_HMAC_KEY="
	if !strings.HasPrefix(got, prefix) || len(strings.TrimPrefix(got, prefix)) != 8 {
		t.Fatalf("unexpected output %q", got)
	}
}

type errReader struct{}

func (errReader) Read([]byte) (int, error) { return 0, fmt.Errorf("read error") }

func TestRunReaderError(t *testing.T) {
	if err := Run(Config{Bytes: 4, Target: TargetLedger}, &bytes.Buffer{}, errReader{}); err == nil {
		t.Fatal("expected reader error")
	}
}
