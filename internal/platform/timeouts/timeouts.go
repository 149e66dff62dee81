// Package timeouts defines shared timeout constants used across services.
package timeouts

import "time"

// ReadHeader limits how long an HTTP server waits for request headers.
const ReadHeader = 5 * time.Second

// Shutdown limits how long servers wait for in-flight work during graceful
// shutdown.
const Shutdown = 5 * time.Second

// Relay caps a single channel send attempt made by the publisher.
const Relay = 3 * time.Second

// ProcessingLease is how long a claimed outbox marker stays reserved before
// another sweeper may reclaim it.
const ProcessingLease = 2 * time.Minute

// WebsocketWrite bounds a single websocket frame write.
const WebsocketWrite = 10 * time.Second
