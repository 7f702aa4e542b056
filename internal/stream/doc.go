// Package stream aggregates token-by-token message streams into single
// persisted messages.
//
// # Sessions
//
// The first token for an unknown stream message id opens a session. The
// session accumulates text in arrival order and pins the message format
// from that first token; later tokens only contribute text. Tokens are
// also forwarded live through the Notifier so frontends can render
// partial output.
//
// # Finalization
//
// The end event removes the session and persists the accumulated text as
// one message under the conversation mutex. Removal happens before
// persistence, so concurrent end events for the same stream finalize at
// most once. An end event for an unknown stream id is a logged no-op
// unless it names a conversation, in which case an empty message is
// persisted.
//
// # Reaping
//
// Run drives a periodic reaper that drops sessions idle longer than the
// configured timeout. Abandoned partial content is discarded, never
// persisted.
package stream
