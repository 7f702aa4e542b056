// Package relay is the realtime core of relay-gateway. It routes chat
// messages between agent processes and frontend member sessions.
//
// # Overview
//
// A Handler owns every stateful component of the relay:
//
//   - an agent registry keyed by (project, agent)
//   - a frontend registry keyed by (project, agent, member)
//   - a per-conversation mutex manager
//   - a streaming token aggregator
//
// Transports (websocket, REST) translate their frames into Handler calls
// and push outbound events through the Connection interface. The Handler
// never sees sockets.
//
// # Connect flow
//
// Agents present a project id, agent id and SDK secret; frontends present
// a project id, agent id, member id and a JWT access token. Validation
// failures push a coded error envelope to the connection and return a
// ProtocolError so the transport can terminate the session. Exactly one
// live connection per registry key is allowed; the first stays
// authoritative.
//
// # Message flow
//
// Plain sends resolve the conversation, take its mutex, persist the
// message, then look up the counterpart connection. A missing counterpart
// is reported to the sender (FRONTEND_CONNECTION_NOT_FOUND or
// AGENT_CONNECTION_NOT_FOUND) but the message stays persisted.
//
// Streamed sends arrive as stream-chat-message-token events which are
// forwarded live and accumulated by the aggregator; the matching
// stream-chat-message-end event persists the full text as one message
// under the conversation mutex.
//
// # Envelopes
//
// Every inbound send is acknowledged with an Envelope carrying either
// result data or an ErrorInfo with one of the Code* constants.
package relay
