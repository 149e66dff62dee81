// Package integrity provides the digest and signing helpers behind the
// hash-chained ledger.
//
// Record hashes are computed over an RFC 8785 canonical JSON envelope so the
// digest does not depend on Go's map or struct field ordering. Signatures are
// optional: when a keyring is configured each record hash is additionally
// signed with an HMAC key derived per stream.
package integrity
