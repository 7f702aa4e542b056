// ABOUTME: Tests for the stream session aggregator.
// ABOUTME: Covers token accumulation, finalization order, empty streams and idle reaping.

package stream

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentlabs-dev/relay/internal/convlock"
	"github.com/agentlabs-dev/relay/internal/store"
)

// memPersister records created messages in memory.
type memPersister struct {
	mu       sync.Mutex
	messages []*store.Message
}

func (p *memPersister) CreateMessage(_ context.Context, msg *store.NewMessage) (*store.Message, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	stored := &store.Message{
		ID:             uuid.New().String(),
		ConversationID: msg.ConversationID,
		Text:           msg.Text,
		Source:         msg.Source,
		Format:         msg.Format,
		CreatedAt:      time.Now().UTC(),
	}
	if stored.Format == "" {
		stored.Format = store.FormatPlainText
	}
	p.messages = append(p.messages, stored)
	return stored, nil
}

func (p *memPersister) all() []*store.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*store.Message, len(p.messages))
	copy(out, p.messages)
	return out
}

// pushRecord is one observed outbound push, in order.
type pushRecord struct {
	kind string // "token" or "end"
	text string
}

// memNotifier records pushes in arrival order.
type memNotifier struct {
	mu     sync.Mutex
	pushes []pushRecord
}

func (n *memNotifier) StreamToken(_, _, text, _ string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.pushes = append(n.pushes, pushRecord{kind: "token", text: text})
}

func (n *memNotifier) StreamEnd(_ string, msg *store.Message) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.pushes = append(n.pushes, pushRecord{kind: "end", text: msg.Text})
}

func (n *memNotifier) all() []pushRecord {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]pushRecord, len(n.pushes))
	copy(out, n.pushes)
	return out
}

func newTestAggregator() (*Aggregator, *memPersister, *memNotifier) {
	persister := &memPersister{}
	notifier := &memNotifier{}
	agg := New(persister, convlock.NewManager(nil), notifier, 0, 0, nil)
	return agg, persister, notifier
}

func TestAggregator_RoundTrip(t *testing.T) {
	agg, persister, notifier := newTestAggregator()
	ctx := context.Background()

	for _, fragment := range []string{"Hel", "lo, ", "world"} {
		agg.HandleToken(ctx, TokenEvent{
			MessageID:      "msg-1",
			ConversationID: "conv-1",
			Text:           fragment,
			Format:         store.FormatPlainText,
		})
	}
	require.NoError(t, agg.End(ctx, EndEvent{MessageID: "msg-1"}))

	msgs := persister.all()
	require.Len(t, msgs, 1)
	assert.Equal(t, "Hello, world", msgs[0].Text)
	assert.Equal(t, store.SourceAgent, msgs[0].Source)
	assert.Equal(t, "conv-1", msgs[0].ConversationID)

	// Counterpart saw the three partial pushes then one completion, in order.
	pushes := notifier.all()
	require.Len(t, pushes, 4)
	assert.Equal(t, pushRecord{kind: "token", text: "Hel"}, pushes[0])
	assert.Equal(t, pushRecord{kind: "token", text: "lo, "}, pushes[1])
	assert.Equal(t, pushRecord{kind: "token", text: "world"}, pushes[2])
	assert.Equal(t, pushRecord{kind: "end", text: "Hello, world"}, pushes[3])

	assert.Equal(t, 0, agg.Len(), "session should be removed after finalize")
}

func TestAggregator_FormatFixedByFirstToken(t *testing.T) {
	agg, persister, _ := newTestAggregator()
	ctx := context.Background()

	agg.HandleToken(ctx, TokenEvent{MessageID: "msg-1", ConversationID: "conv-1", Text: "# head", Format: store.FormatMarkdown})
	// Later tokens claiming a different format only contribute content.
	agg.HandleToken(ctx, TokenEvent{MessageID: "msg-1", ConversationID: "conv-1", Text: "ing", Format: store.FormatPlainText})
	require.NoError(t, agg.End(ctx, EndEvent{MessageID: "msg-1"}))

	msgs := persister.all()
	require.Len(t, msgs, 1)
	assert.Equal(t, store.FormatMarkdown, msgs[0].Format)
	assert.Equal(t, "# heading", msgs[0].Text)
}

func TestAggregator_EmptyStreamFinalizes(t *testing.T) {
	agg, persister, notifier := newTestAggregator()

	// Zero tokens, but the end event names the conversation: persist an
	// empty message.
	err := agg.End(context.Background(), EndEvent{MessageID: "msg-empty", ConversationID: "conv-1"})
	require.NoError(t, err)

	msgs := persister.all()
	require.Len(t, msgs, 1)
	assert.Equal(t, "", msgs[0].Text)
	assert.Equal(t, store.SourceAgent, msgs[0].Source)

	pushes := notifier.all()
	require.Len(t, pushes, 1)
	assert.Equal(t, "end", pushes[0].kind)
}

func TestAggregator_EndForUnknownMessageIsNoOp(t *testing.T) {
	agg, persister, notifier := newTestAggregator()

	// No session and no conversation id: nothing to finalize.
	err := agg.End(context.Background(), EndEvent{MessageID: "never-seen"})
	require.NoError(t, err)
	assert.Empty(t, persister.all())
	assert.Empty(t, notifier.all())
}

func TestAggregator_DoubleEndFinalizesOnce(t *testing.T) {
	agg, persister, _ := newTestAggregator()
	ctx := context.Background()

	agg.HandleToken(ctx, TokenEvent{MessageID: "msg-1", ConversationID: "conv-1", Text: "hi"})
	require.NoError(t, agg.End(ctx, EndEvent{MessageID: "msg-1"}))
	require.NoError(t, agg.End(ctx, EndEvent{MessageID: "msg-1"}))

	assert.Len(t, persister.all(), 1)
}

func TestAggregator_ConcurrentTokensForDifferentMessages(t *testing.T) {
	agg, persister, _ := newTestAggregator()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			id := uuid.New().String()
			for j := 0; j < 20; j++ {
				agg.HandleToken(ctx, TokenEvent{MessageID: id, ConversationID: "conv-1", Text: "x"})
			}
			require.NoError(t, agg.End(ctx, EndEvent{MessageID: id}))
		}(i)
	}
	wg.Wait()

	msgs := persister.all()
	require.Len(t, msgs, 10)
	for _, msg := range msgs {
		assert.Len(t, msg.Text, 20)
	}
	assert.Equal(t, 0, agg.Len())
}

func TestAggregator_ReapDiscardsIdleSessions(t *testing.T) {
	persister := &memPersister{}
	notifier := &memNotifier{}
	agg := New(persister, convlock.NewManager(nil), notifier, 50*time.Millisecond, time.Hour, nil)

	agg.HandleToken(context.Background(), TokenEvent{MessageID: "msg-1", ConversationID: "conv-1", Text: "orphaned"})
	require.Equal(t, 1, agg.Len())

	agg.reap(time.Now().Add(time.Second))
	assert.Equal(t, 0, agg.Len())

	// Abandoned content is dropped, never persisted.
	assert.Empty(t, persister.all())
}

func TestAggregator_ReapKeepsActiveSessions(t *testing.T) {
	persister := &memPersister{}
	agg := New(persister, convlock.NewManager(nil), &memNotifier{}, time.Minute, time.Hour, nil)

	agg.HandleToken(context.Background(), TokenEvent{MessageID: "msg-1", ConversationID: "conv-1", Text: "live"})
	agg.reap(time.Now())

	assert.Equal(t, 1, agg.Len())
}
