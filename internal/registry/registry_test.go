// ABOUTME: Tests for the connection registry covering registration, lookup and removal.
// ABOUTME: Exercises duplicate rejection, idempotent removal, and concurrent mutation.

package registry

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeConn is the minimal connection handle for registry tests.
type fakeConn struct {
	id string
}

func (c *fakeConn) ID() string { return c.id }

func TestRegistry_RegisterAndLookup(t *testing.T) {
	r := New[AgentKey, *fakeConn]("agent", nil)
	key := AgentKey{ProjectID: "proj-1", AgentID: "agent-1"}

	err := r.Register(key, &fakeConn{id: "conn-1"})
	require.NoError(t, err)

	conn, ok := r.Lookup(key)
	require.True(t, ok)
	assert.Equal(t, "conn-1", conn.ID())
}

func TestRegistry_DuplicateKeyRejected(t *testing.T) {
	r := New[AgentKey, *fakeConn]("agent", nil)
	key := AgentKey{ProjectID: "proj-1", AgentID: "agent-1"}

	require.NoError(t, r.Register(key, &fakeConn{id: "conn-1"}))

	err := r.Register(key, &fakeConn{id: "conn-2"})
	require.ErrorIs(t, err, ErrAlreadyConnected)

	// The first connection stays authoritative.
	conn, ok := r.Lookup(key)
	require.True(t, ok)
	assert.Equal(t, "conn-1", conn.ID())
}

func TestRegistry_RemoveByConnectionID(t *testing.T) {
	r := New[FrontendKey, *fakeConn]("frontend", nil)
	key := FrontendKey{ProjectID: "proj-1", AgentID: "agent-1", MemberID: "member-1"}

	require.NoError(t, r.Register(key, &fakeConn{id: "conn-1"}))

	r.RemoveByConnectionID("conn-1")
	_, ok := r.Lookup(key)
	assert.False(t, ok)

	// Second removal is a no-op, not an error.
	r.RemoveByConnectionID("conn-1")
	assert.Equal(t, 0, r.Len())
}

func TestRegistry_RemoveByKey(t *testing.T) {
	r := New[AgentKey, *fakeConn]("agent", nil)
	key := AgentKey{ProjectID: "proj-1", AgentID: "agent-1"}

	require.NoError(t, r.Register(key, &fakeConn{id: "conn-1"}))
	r.RemoveByKey(key)
	assert.False(t, r.Has(key))

	// Key is free again after eviction.
	require.NoError(t, r.Register(key, &fakeConn{id: "conn-2"}))

	// Removing a missing key is a no-op.
	r.RemoveByKey(AgentKey{ProjectID: "proj-1", AgentID: "other"})
	assert.Equal(t, 1, r.Len())
}

func TestRegistry_RemoveByConnectionID_DropsIDIndex(t *testing.T) {
	r := New[AgentKey, *fakeConn]("agent", nil)
	key := AgentKey{ProjectID: "proj-1", AgentID: "agent-1"}

	require.NoError(t, r.Register(key, &fakeConn{id: "conn-1"}))
	r.RemoveByConnectionID("conn-1")

	// A re-registration under the same key must not resurrect the old id.
	require.NoError(t, r.Register(key, &fakeConn{id: "conn-2"}))
	r.RemoveByConnectionID("conn-1")

	conn, ok := r.Lookup(key)
	require.True(t, ok)
	assert.Equal(t, "conn-2", conn.ID())
}

func TestRegistry_ConcurrentRegisterAndRemove(t *testing.T) {
	r := New[AgentKey, *fakeConn]("agent", nil)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			key := AgentKey{ProjectID: "proj-1", AgentID: fmt.Sprintf("agent-%d", n)}
			id := fmt.Sprintf("conn-%d", n)
			if err := r.Register(key, &fakeConn{id: id}); err != nil {
				return
			}
			if n%2 == 0 {
				r.RemoveByConnectionID(id)
			}
		}(i)
	}
	wg.Wait()

	// Every odd-numbered agent survived, every even one was removed.
	assert.Equal(t, 25, r.Len())
	for i := 0; i < 50; i++ {
		key := AgentKey{ProjectID: "proj-1", AgentID: fmt.Sprintf("agent-%d", i)}
		assert.Equal(t, i%2 == 1, r.Has(key), "agent-%d", i)
	}
}
