// Package ws terminates the realtime websocket transport.
//
// Two endpoints are exposed: /agent for agent SDK processes and
// /frontend for member browser sessions. Handshake identity travels in
// x-agentlabs-* request headers (plus a bearer token for frontends) and
// is validated by the relay before the first frame is accepted.
//
// Each accepted socket becomes a Conn, which implements the relay's
// Connection interface. Outbound pushes go through a buffered channel
// drained by a single write pump; a peer that stops reading gets its
// pushes rejected rather than blocking the relay.
package ws
