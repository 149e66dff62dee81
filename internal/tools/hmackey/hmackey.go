// Package hmackey generates secrets for the ledger keyring and the fan-out
// token verifier, printed as environment assignments.
package hmackey

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"io"
	"strings"
)

// Secret targets.
const (
	TargetLedger = "ledger"
	TargetFanout = "fanout"
)

var targetEnv = map[string]string{
	TargetLedger: "CAUSEWAY_LEDGER_HMAC_KEY",
	TargetFanout: "CAUSEWAY_FANOUT_TOKEN_SECRET",
}

// Config holds configuration for key generation.
type Config struct {
	Bytes  int
	Target string
	// KeyID, when set for the ledger target, emits a keyring entry instead of
	// a single key so keys can be rotated.
	KeyID string
}

// ParseConfig parses flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	cfg := Config{Bytes: 32, Target: TargetLedger}
	fs.IntVar(&cfg.Bytes, "bytes", cfg.Bytes, "number of random bytes")
	fs.StringVar(&cfg.Target, "for", cfg.Target, "secret to generate (ledger|fanout)")
	fs.StringVar(&cfg.KeyID, "key-id", "", "ledger key id; prints a CAUSEWAY_LEDGER_HMAC_KEYS entry")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run generates the secret and writes it to out.
func Run(cfg Config, out io.Writer, reader io.Reader) error {
	if cfg.Bytes <= 0 {
		return errors.New("bytes must be greater than zero")
	}
	if out == nil {
		return errors.New("output is required")
	}
	target := strings.ToLower(strings.TrimSpace(cfg.Target))
	name, ok := targetEnv[target]
	if !ok {
		return fmt.Errorf("unknown target %q", cfg.Target)
	}
	keyID := strings.TrimSpace(cfg.KeyID)
	if keyID != "" && target != TargetLedger {
		return errors.New("-key-id only applies to the ledger target")
	}
	if reader == nil {
		reader = rand.Reader
	}

	buf := make([]byte, cfg.Bytes)
	if _, err := io.ReadFull(reader, buf); err != nil {
		return fmt.Errorf("generate random bytes: %w", err)
	}
	secret := hex.EncodeToString(buf)
	if keyID != "" {
		_, err := fmt.Fprintf(out, "CAUSEWAY_LEDGER_HMAC_KEYS=%s=%s\nCAUSEWAY_LEDGER_HMAC_KEY_ID=%s\n", keyID, secret, keyID)
		return err
	}
	_, err := fmt.Fprintf(out, "%s=%s\n", name, secret)
	return err
}
