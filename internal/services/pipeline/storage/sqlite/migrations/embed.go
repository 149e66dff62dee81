// Package migrations embeds the SQLite schema for the events and projections
// databases.
package migrations

import "embed"

// EventsFS holds the event log, outbox and ledger schema.
//
//go:embed events/*.sql
var EventsFS embed.FS

// ProjectionsFS holds the read model schema.
//
//go:embed projections/*.sql
var ProjectionsFS embed.FS
