package integrity

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gowebpki/jcs"
)

// TimestampLayout is the fixed-width UTC layout used inside hash envelopes.
const TimestampLayout = "2006-01-02T15:04:05.000Z"

// RecordHash returns the hex SHA-256 digest of a ledger record's identity:
// its id, content and millisecond timestamp.
func RecordHash(id, content string, timestamp time.Time) (string, error) {
	if id == "" {
		return "", errors.New("record id is required")
	}
	envelope := map[string]string{
		"id":        id,
		"content":   content,
		"timestamp": timestamp.UTC().Truncate(time.Millisecond).Format(TimestampLayout),
	}
	raw, err := json.Marshal(envelope)
	if err != nil {
		return "", fmt.Errorf("marshal hash envelope: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("canonicalize hash envelope: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}
