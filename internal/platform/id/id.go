// Package id generates identifiers for events, aggregates and ledger records.
package id

import "github.com/google/uuid"

// NewID returns a time-ordered UUIDv7 string.
func NewID() (string, error) {
	value, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return value.String(), nil
}
