// Package timeouts defines shared timeout constants used across commands.
// Centralizing these values prevents drift between the server and client
// boundaries and makes the durations discoverable.
package timeouts

import "time"

// Dial caps the wait time when a client dials the sync server.
const Dial = 2 * time.Second

// Request caps the time a client waits for a single sync reply.
const Request = 5 * time.Second

// ReadHeader limits how long the HTTP server waits for request headers.
const ReadHeader = 5 * time.Second

// Shutdown limits how long the HTTP server waits for in-flight requests
// during graceful shutdown.
const Shutdown = 5 * time.Second
