// Package fanout is the messaging protocol engine. It authorizes room
// operations, writes through the store and pushes the resulting events to
// every connection subscribed to the room.
//
// Mutations of one room (membership, dedup plus insert, edits) run under
// a per-room lock, and events are published before the lock is released,
// so subscribers observe a room's events in commit order.
package fanout

import (
	"context"
	"fmt"
	"time"

	"github.com/pliu/sniffguard/internal/common"
	"github.com/pliu/sniffguard/internal/logging"
	"github.com/pliu/sniffguard/internal/metrics"
	"github.com/pliu/sniffguard/internal/models"
	"github.com/pliu/sniffguard/internal/presence"
	"github.com/pliu/sniffguard/internal/protocol"
	"github.com/pliu/sniffguard/internal/store"
)

const DefaultPageSize = 50

// Broadcaster delivers events to room broadcast groups. Publishing must not
// block on slow connections.
type Broadcaster interface {
	Subscribe(roomID string, conn protocol.Conn)
	Unsubscribe(roomID string, conn protocol.Conn)
	UnsubscribeAll(conn protocol.Conn)
	// PublishRoom sends ev to every subscriber of roomID except the given
	// connection, which may be nil.
	PublishRoom(roomID string, ev protocol.Event, except protocol.Conn)
	PublishAll(ev protocol.Event, except protocol.Conn)
}

// Caller is the authenticated originator of an operation.
type Caller struct {
	UserID   string
	Username string
	Conn     protocol.Conn
}

func (c Caller) actor() *protocol.Actor {
	return &protocol.Actor{UserID: c.UserID, Username: c.Username}
}

type Options struct {
	PageSize   int
	// MaxMembers caps groups created without explicit settings. Zero keeps
	// the model default.
	MaxMembers int
	Logger     logging.Logger
	Metrics    *metrics.Metrics
	Now        func() time.Time
}

type Coordinator struct {
	store    store.Store
	presence *presence.Registry
	hub      Broadcaster
	log      logging.Logger
	metrics  *metrics.Metrics
	locks    *keyedMutex
	now      func() time.Time
	pageSize int
	maxMem   int
}

func New(st store.Store, reg *presence.Registry, hub Broadcaster, opts Options) *Coordinator {
	c := &Coordinator{
		store:    st,
		presence: reg,
		hub:      hub,
		log:      opts.Logger,
		metrics:  opts.Metrics,
		locks:    newKeyedMutex(),
		now:      opts.Now,
		pageSize: opts.PageSize,
		maxMem:   opts.MaxMembers,
	}
	if c.log == nil {
		c.log = logging.Discard()
	}
	c.log = c.log.With("module", "fanout")
	if c.now == nil {
		c.now = func() time.Time { return time.Now().UTC().Truncate(time.Microsecond) }
	}
	if c.pageSize <= 0 {
		c.pageSize = DefaultPageSize
	}
	return c
}

// Presence exposes the registry backing this coordinator.
func (c *Coordinator) Presence() *presence.Registry {
	return c.presence
}

// Connect registers the caller's connection as current for the user and
// announces the user online. A connection it replaces is closed.
func (c *Coordinator) Connect(ctx context.Context, caller Caller) {
	at := c.now()
	if prev := c.presence.Register(caller.UserID, caller.Username, caller.Conn, at); prev != nil {
		c.log.Info(ctx, "replacing connection", "user_id", caller.UserID, "old_conn", prev.ID(), "conn_id", caller.Conn.ID())
		c.hub.UnsubscribeAll(prev)
		prev.Close()
	}
	if err := c.store.SetLastSeen(ctx, caller.UserID, at); err != nil {
		c.log.Warn(ctx, "update last seen", "user_id", caller.UserID, "err", err)
	}
	c.hub.PublishAll(protocol.Event{
		Type:    protocol.EvUserOnline,
		Payload: protocol.UserPresence{UserID: caller.UserID, Username: caller.Username, At: at},
	}, caller.Conn)
	c.gaugeOnline()
}

// Disconnect drops conn from every room. If it was the user's current
// connection the user goes offline and everyone is told why.
func (c *Coordinator) Disconnect(ctx context.Context, conn protocol.Conn, reason string) {
	c.hub.UnsubscribeAll(conn)
	entry, wasCurrent := c.presence.Unregister(conn)
	if !wasCurrent {
		return
	}
	at := c.now()
	if err := c.store.SetLastSeen(ctx, entry.UserID, at); err != nil {
		c.log.Warn(ctx, "update last seen", "user_id", entry.UserID, "err", err)
	}
	c.hub.PublishAll(protocol.Event{
		Type:    protocol.EvUserOffline,
		Payload: protocol.UserPresence{UserID: entry.UserID, Username: entry.Username, At: at, Reason: reason},
	}, conn)
	c.gaugeOnline()
}

func (c *Coordinator) gaugeOnline() {
	if c.metrics != nil {
		c.metrics.OnlineUsers.Set(float64(c.presence.Count()))
	}
}

// authorize loads the room and checks that userID is an active participant.
func (c *Coordinator) authorize(ctx context.Context, roomID, userID string) (*models.ChatRoom, error) {
	room, err := c.store.FindByID(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if !room.IsParticipant(userID) {
		return nil, fmt.Errorf("user %s in room %s: %w", userID, roomID, common.ErrAccessDenied)
	}
	return room, nil
}

// notifyUser pushes ev to userID's current connection, if online.
func (c *Coordinator) notifyUser(userID string, ev protocol.Event) {
	e, ok := c.presence.Lookup(userID)
	if !ok {
		return
	}
	if !e.Conn.Send(ev) && c.metrics != nil {
		c.metrics.EventsDropped.Inc()
	}
}
