// Package subtoken issues subscriber tokens for the fan-out endpoint.
package subtoken

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"strings"
	"time"

	entrypoint "github.com/louisbranch/causeway/internal/platform/cmd"
	"github.com/louisbranch/causeway/internal/services/pipeline/fanout"
)

// Config holds token issuing configuration.
type Config struct {
	Secret string        `env:"CAUSEWAY_FANOUT_TOKEN_SECRET"`
	TTL    time.Duration `env:"CAUSEWAY_SUBSCRIBER_TOKEN_TTL" envDefault:"1h"`
	UserID string
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}
	fs.StringVar(&cfg.UserID, "user", "", "user id carried in the token subject")
	fs.DurationVar(&cfg.TTL, "ttl", cfg.TTL, "token lifetime (0 = no expiry)")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run signs a token for cfg.UserID and writes it to out.
func Run(cfg Config, out io.Writer) error {
	if out == nil {
		return errors.New("output is required")
	}
	userID := strings.TrimSpace(cfg.UserID)
	if userID == "" {
		return errors.New("-user is required")
	}
	if cfg.TTL < 0 {
		return errors.New("-ttl must not be negative")
	}
	verifier, err := fanout.NewTokenVerifier([]byte(strings.TrimSpace(cfg.Secret)))
	if err != nil {
		return fmt.Errorf("%w (set CAUSEWAY_FANOUT_TOKEN_SECRET)", err)
	}
	token, err := verifier.Sign(userID, cfg.TTL)
	if err != nil {
		return fmt.Errorf("sign subscriber token: %w", err)
	}
	_, err = fmt.Fprintln(out, token)
	return err
}
