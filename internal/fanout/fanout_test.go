package fanout

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/pliu/sniffguard/internal/models"
	"github.com/pliu/sniffguard/internal/presence"
	"github.com/pliu/sniffguard/internal/protocol"
	"github.com/pliu/sniffguard/internal/store/sqlstore"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	id, user string

	mu     sync.Mutex
	events []protocol.Event
	closed bool
}

func (c *fakeConn) ID() string     { return c.id }
func (c *fakeConn) UserID() string { return c.user }

func (c *fakeConn) Send(ev protocol.Event) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.events = append(c.events, ev)
	return true
}

func (c *fakeConn) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// of returns the received events of one type, in arrival order.
func (c *fakeConn) of(typ string) []protocol.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []protocol.Event
	for _, ev := range c.events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

func (c *fakeConn) reset() {
	c.mu.Lock()
	c.events = nil
	c.mu.Unlock()
}

// fakeHub delivers synchronously, which is enough to observe ordering.
type fakeHub struct {
	mu    sync.Mutex
	conns map[protocol.Conn]bool
	rooms map[string]map[protocol.Conn]bool
}

func newFakeHub() *fakeHub {
	return &fakeHub{conns: map[protocol.Conn]bool{}, rooms: map[string]map[protocol.Conn]bool{}}
}

func (h *fakeHub) attach(c protocol.Conn) {
	h.mu.Lock()
	h.conns[c] = true
	h.mu.Unlock()
}

func (h *fakeHub) Subscribe(roomID string, c protocol.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.rooms[roomID] == nil {
		h.rooms[roomID] = map[protocol.Conn]bool{}
	}
	h.rooms[roomID][c] = true
}

func (h *fakeHub) Unsubscribe(roomID string, c protocol.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.rooms[roomID], c)
}

func (h *fakeHub) UnsubscribeAll(c protocol.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, subs := range h.rooms {
		delete(subs, c)
	}
	delete(h.conns, c)
}

func (h *fakeHub) subscribed(roomID string, c protocol.Conn) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.rooms[roomID][c]
}

func (h *fakeHub) PublishRoom(roomID string, ev protocol.Event, except protocol.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.rooms[roomID] {
		if c != except {
			c.Send(ev)
		}
	}
}

func (h *fakeHub) PublishAll(ev protocol.Event, except protocol.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.conns {
		if c != except {
			c.Send(ev)
		}
	}
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

// Now ticks a millisecond per call so that every write gets a distinct time.
func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Millisecond)
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type fixture struct {
	coord *Coordinator
	store *sqlstore.SQLStore
	hub   *fakeHub
	clock *clock
}

func setup(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	st, err := sqlstore.New(ctx, "sqlite3", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	for _, id := range []string{"alice", "bob", "carol"} {
		require.NoError(t, st.CreateUser(ctx, &models.User{ID: id, Username: id}))
	}

	clk := &clock{t: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	hub := newFakeHub()
	coord := New(st, presence.NewRegistry(), hub, Options{Now: clk.Now, PageSize: 10})
	return &fixture{coord: coord, store: st, hub: hub, clock: clk}
}

func (f *fixture) online(t *testing.T, userID string) (*fakeConn, Caller) {
	t.Helper()
	conn := &fakeConn{id: userID + "-conn", user: userID}
	f.hub.attach(conn)
	caller := Caller{UserID: userID, Username: userID, Conn: conn}
	f.coord.Connect(context.Background(), caller)
	return conn, caller
}

func (f *fixture) direct(t *testing.T, a, b Caller) string {
	t.Helper()
	res, err := f.coord.CreateDirectChat(context.Background(), a, b.UserID)
	require.NoError(t, err)
	return res.Chat.ID
}

func (f *fixture) group(t *testing.T, owner Caller, maxMembers int, members ...string) string {
	t.Helper()
	settings := models.DefaultSettings()
	if maxMembers > 0 {
		settings.MaxMembers = maxMembers
	}
	res, err := f.coord.CreateGroupChat(context.Background(), owner, protocol.CreateGroupChat{
		Name: "team", MemberIDs: members, Settings: &settings,
	})
	require.NoError(t, err)
	return res.Chat.ID
}

func envelopesFor(users ...string) []protocol.Envelope {
	es := make([]protocol.Envelope, len(users))
	for i, u := range users {
		es[i] = protocol.Envelope{UserID: u, EncryptedContent: []byte("c-" + u), EncryptedKey: []byte("k-" + u), KeyNonce: []byte("n-" + u)}
	}
	return es
}

func sendPayload(roomID, cid string, to ...string) protocol.SendMessage {
	return protocol.SendMessage{
		RoomID:          roomID,
		ClientMessageID: cid,
		Recipients:      envelopesFor(to...),
		Encryption:      models.EncryptionHeader{Algorithm: "XSalsa20-Poly1305", KeyID: "key-" + cid, Nonce: []byte("nonce")},
	}
}

func (f *fixture) send(t *testing.T, from Caller, roomID, cid string, to ...string) protocol.MessageSent {
	t.Helper()
	ack, err := f.coord.SendMessage(context.Background(), from, sendPayload(roomID, cid, to...))
	require.NoError(t, err)
	return ack
}

func (f *fixture) join(t *testing.T, who Caller, roomID string) protocol.ChatMessages {
	t.Helper()
	page, err := f.coord.JoinRoom(context.Background(), who, roomID)
	require.NoError(t, err)
	return page
}

func requireCode(t *testing.T, err error, target error) {
	t.Helper()
	require.Error(t, err)
	require.ErrorIs(t, err, target, fmt.Sprintf("got %v", err))
}
