// Package gateway orchestrates the relay-gateway server components.
//
// New wires the SQLite store, the SDK secret manager, the JWT verifier
// and the relay handler together, then mounts the websocket endpoints
// and the REST API on one HTTP server. Run starts the server plus the
// relay's background maintenance and blocks until the context is
// canceled, after which it performs a bounded graceful shutdown.
package gateway
