// ABOUTME: Aggregates streamed message tokens into one finalized persisted message.
// ABOUTME: Tracks in-flight stream sessions by message id and reaps abandoned ones.

package stream

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/agentlabs-dev/relay/internal/store"
)

// Default timing for abandoned-session cleanup.
const (
	DefaultIdleTimeout  = 2 * time.Minute
	DefaultReapInterval = 30 * time.Second
)

// MessagePersister is the slice of the store the aggregator needs.
type MessagePersister interface {
	CreateMessage(ctx context.Context, msg *store.NewMessage) (*store.Message, error)
}

// Locker serializes finalization against plain sends for the same
// conversation.
type Locker interface {
	Acquire(ctx context.Context, conversationID string) error
	Release(conversationID string)
}

// Notifier delivers live previews and the completion signal to the
// counterpart connection. Both pushes are best-effort: the persisted
// message is the durable record, the live channel carries no guarantees.
type Notifier interface {
	StreamToken(conversationID, messageID, text, format string)
	StreamEnd(streamMessageID string, msg *store.Message)
}

// TokenEvent is one partial-content fragment of a streamed message.
type TokenEvent struct {
	MessageID      string
	ConversationID string
	Text           string
	Format         string
}

// EndEvent terminates a stream. ConversationID is optional; it only
// matters for zero-token streams, where no session exists to supply it.
type EndEvent struct {
	MessageID      string
	ConversationID string
}

// session accumulates fragments for one in-flight streamed message.
// The format is fixed by the first token; later tokens carrying a
// different format contribute content only.
type session struct {
	mu             sync.Mutex
	conversationID string
	format         string
	fragments      []string
	startedAt      time.Time
	lastTokenAt    time.Time
}

// Aggregator tracks stream sessions keyed by message id. At most one
// session exists per message id; the first token creates it and the end
// event removes it.
type Aggregator struct {
	mu       sync.Mutex
	sessions map[string]*session

	persister MessagePersister
	locks     Locker
	notifier  Notifier

	idleTimeout  time.Duration
	reapInterval time.Duration
	logger       *slog.Logger
}

// New creates an aggregator. Zero durations fall back to the defaults.
func New(persister MessagePersister, locks Locker, notifier Notifier, idleTimeout, reapInterval time.Duration, logger *slog.Logger) *Aggregator {
	if logger == nil {
		logger = slog.Default()
	}
	if idleTimeout <= 0 {
		idleTimeout = DefaultIdleTimeout
	}
	if reapInterval <= 0 {
		reapInterval = DefaultReapInterval
	}
	return &Aggregator{
		sessions:     make(map[string]*session),
		persister:    persister,
		locks:        locks,
		notifier:     notifier,
		idleTimeout:  idleTimeout,
		reapInterval: reapInterval,
		logger:       logger.With("component", "stream"),
	}
}

// HandleToken appends a fragment to the message's session, creating the
// session on first touch, and forwards the fragment live.
func (a *Aggregator) HandleToken(ctx context.Context, ev TokenEvent) {
	now := time.Now()

	a.mu.Lock()
	s, ok := a.sessions[ev.MessageID]
	if !ok {
		format := ev.Format
		if format == "" {
			format = store.FormatPlainText
		}
		s = &session{
			conversationID: ev.ConversationID,
			format:         format,
			startedAt:      now,
		}
		a.sessions[ev.MessageID] = s
	}
	a.mu.Unlock()

	s.mu.Lock()
	s.fragments = append(s.fragments, ev.Text)
	s.lastTokenAt = now
	s.mu.Unlock()

	a.notifier.StreamToken(s.conversationID, ev.MessageID, ev.Text, s.format)
}

// End finalizes a stream: the accumulated fragments are concatenated in
// arrival order, persisted as one agent message under the conversation
// mutex, and the counterpart is told the stream completed.
//
// An end for an unknown message id is a valid zero-token stream when the
// event carries a conversation id: it finalizes to an empty persisted
// message. Without a conversation id there is nothing to finalize and the
// event is dropped.
func (a *Aggregator) End(ctx context.Context, ev EndEvent) error {
	a.mu.Lock()
	s, ok := a.sessions[ev.MessageID]
	if ok {
		delete(a.sessions, ev.MessageID)
	}
	a.mu.Unlock()

	conversationID := ev.ConversationID
	format := store.FormatPlainText
	text := ""

	if ok {
		s.mu.Lock()
		conversationID = s.conversationID
		format = s.format
		text = strings.Join(s.fragments, "")
		s.mu.Unlock()
	} else if conversationID == "" {
		a.logger.Debug("stream end for unknown message, dropping",
			"message_id", ev.MessageID)
		return nil
	}

	return a.finalize(ctx, ev.MessageID, conversationID, text, format)
}

// finalize persists the assembled message and notifies the counterpart.
// It holds the conversation mutex so finalization serializes with plain
// sends to the same conversation.
func (a *Aggregator) finalize(ctx context.Context, streamMessageID, conversationID, text, format string) error {
	if err := a.locks.Acquire(ctx, conversationID); err != nil {
		return fmt.Errorf("acquiring conversation lock: %w", err)
	}
	defer a.locks.Release(conversationID)

	msg, err := a.persister.CreateMessage(ctx, &store.NewMessage{
		ConversationID: conversationID,
		Text:           text,
		Source:         store.SourceAgent,
		Format:         format,
	})
	if err != nil {
		return fmt.Errorf("persisting streamed message: %w", err)
	}

	a.notifier.StreamEnd(streamMessageID, msg)

	a.logger.Debug("stream finalized",
		"message_id", streamMessageID,
		"conversation_id", conversationID,
		"persisted_id", msg.ID,
		"length", len(text),
	)
	return nil
}

// Len reports the number of in-flight sessions.
func (a *Aggregator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.sessions)
}

// Run reaps abandoned sessions until ctx is cancelled.
func (a *Aggregator) Run(ctx context.Context) {
	ticker := time.NewTicker(a.reapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.reap(time.Now())
		}
	}
}

// reap drops sessions that have not seen a token within the idle window.
// Abandoned content is discarded, not persisted: the producer never
// terminated the stream, so there is no finalized message to record.
func (a *Aggregator) reap(now time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for id, s := range a.sessions {
		s.mu.Lock()
		idle := now.Sub(s.lastTokenAt)
		s.mu.Unlock()

		if idle > a.idleTimeout {
			delete(a.sessions, id)
			a.logger.Warn("stream session abandoned, discarding",
				"message_id", id,
				"conversation_id", s.conversationID,
				"idle", idle,
			)
		}
	}
}
