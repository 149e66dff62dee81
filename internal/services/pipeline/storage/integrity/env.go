package integrity

import (
	"errors"
	"fmt"
	"os"
	"strings"
)

const (
	envHMACKeys  = "CAUSEWAY_LEDGER_HMAC_KEYS"
	envHMACKey   = "CAUSEWAY_LEDGER_HMAC_KEY"
	envHMACKeyID = "CAUSEWAY_LEDGER_HMAC_KEY_ID"
	defaultKeyID = "v1"
)

// ErrNoKeys reports that no ledger signing key is configured.
var ErrNoKeys = errors.New("ledger hmac key is not configured")

// KeyringFromEnv loads the ledger HMAC keyring from environment variables.
//
// CAUSEWAY_LEDGER_HMAC_KEYS takes precedence and accepts "id=secret" pairs
// separated by commas; otherwise CAUSEWAY_LEDGER_HMAC_KEY provides a single
// key. ErrNoKeys is returned when neither is set.
func KeyringFromEnv() (*Keyring, error) {
	keyID := strings.TrimSpace(os.Getenv(envHMACKeyID))
	if keyID == "" {
		keyID = defaultKeyID
	}

	keySpec := strings.TrimSpace(os.Getenv(envHMACKeys))
	if keySpec == "" {
		raw := strings.TrimSpace(os.Getenv(envHMACKey))
		if raw == "" {
			return nil, ErrNoKeys
		}
		return NewKeyring(map[string][]byte{keyID: []byte(raw)}, keyID)
	}

	keys := make(map[string][]byte)
	for _, entry := range strings.Split(keySpec, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		id, value, ok := strings.Cut(entry, "=")
		id, value = strings.TrimSpace(id), strings.TrimSpace(value)
		if !ok || id == "" || value == "" {
			return nil, fmt.Errorf("invalid %s entry", envHMACKeys)
		}
		keys[id] = []byte(value)
	}
	return NewKeyring(keys, keyID)
}
