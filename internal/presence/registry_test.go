package presence

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/pliu/sniffguard/internal/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	id, user string
}

func (c *fakeConn) ID() string { return c.id }
func (c *fakeConn) UserID() string { return c.user }
func (c *fakeConn) Send(protocol.Event) bool { return true }
func (c *fakeConn) Close() {}

var now = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func TestRegisterLookup(t *testing.T) {
	r := NewRegistry()
	c := &fakeConn{id: "c1", user: "alice"}

	prev := r.Register("alice", "Alice", c, now)
	assert.Nil(t, prev)

	e, ok := r.Lookup("alice")
	require.True(t, ok)
	assert.Same(t, c, e.Conn)
	assert.Equal(t, "Alice", e.Username)
	assert.True(t, r.IsOnline("alice"))
	assert.False(t, r.IsOnline("bob"))
}

func TestLastConnectionWins(t *testing.T) {
	r := NewRegistry()
	old := &fakeConn{id: "c1", user: "alice"}
	cur := &fakeConn{id: "c2", user: "alice"}

	r.Register("alice", "Alice", old, now)
	prev := r.Register("alice", "Alice", cur, now.Add(time.Second))
	assert.Same(t, old, prev)

	// the stale connection dropping must not take alice offline
	_, wasCurrent := r.Unregister(old)
	assert.False(t, wasCurrent)
	e, ok := r.Lookup("alice")
	require.True(t, ok)
	assert.Same(t, cur, e.Conn)

	_, wasCurrent = r.Unregister(cur)
	assert.True(t, wasCurrent)
	assert.False(t, r.IsOnline("alice"))

	_, wasCurrent = r.Unregister(cur)
	assert.False(t, wasCurrent, "idempotent")
}

func TestListOnline_Snapshot(t *testing.T) {
	r := NewRegistry()
	for _, u := range []string{"carol", "alice", "bob"} {
		r.Register(u, u, &fakeConn{id: u, user: u}, now)
	}
	list := r.ListOnline()
	require.Len(t, list, 3)
	assert.Equal(t, "alice", list[0].UserID)
	assert.Equal(t, "carol", list[2].UserID)

	r.Unregister(list[0].Conn)
	assert.Len(t, list, 3, "snapshot is not live")
	assert.Equal(t, 2, r.Count())
}

func TestConcurrentReconnect(t *testing.T) {
	r := NewRegistry()
	const users, rounds = 10, 50

	var wg sync.WaitGroup
	final := make([]*fakeConn, users)
	for u := 0; u < users; u++ {
		wg.Add(1)
		go func(u int) {
			defer wg.Done()
			user := fmt.Sprintf("user-%d", u)
			var prev *fakeConn
			for i := 0; i < rounds; i++ {
				c := &fakeConn{id: fmt.Sprintf("%s-%d", user, i), user: user}
				r.Register(user, user, c, now)
				if prev != nil {
					r.Unregister(prev)
				}
				prev = c
			}
			final[u] = prev
		}(u)
	}
	wg.Wait()

	assert.Equal(t, users, r.Count())
	for u := 0; u < users; u++ {
		e, ok := r.Lookup(fmt.Sprintf("user-%d", u))
		require.True(t, ok)
		assert.Same(t, final[u], e.Conn)
	}
}
