// Package ledger implements append-only, hash-chained record streams.
//
// Every record stores the digest of its own id, content and timestamp, and a
// copy of its parent's digest taken at append time. Verification recomputes
// each parent's digest from what is stored now, so an edited record is
// reported at the first child that still holds the old digest. When a
// keyring is configured each record hash is also HMAC-signed per stream.
package ledger
