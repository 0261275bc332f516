package ws

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pliu/sniffguard/internal/common"
	"github.com/pliu/sniffguard/internal/models"
	"github.com/pliu/sniffguard/internal/protocol"
)

// Disconnect reasons reported in user_offline events.
const (
	ReasonClientClosed = "client disconnect"
	ReasonServerClosed = "server disconnect"
	ReasonTransport    = "transport error"
)

// Gateway turns authenticated connections into protocol sessions.
type Gateway interface {
	Authenticate(r *http.Request) (models.Identity, error)
	Open(ctx context.Context, id models.Identity, conn protocol.Conn) Session
}

// Session handles the inbound frames of one connection.
type Session interface {
	Handle(ctx context.Context, frame []byte)
	Close(ctx context.Context, reason string)
}

// Client is a middleman between the websocket connection and the hub.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	id   string
	user models.Identity

	// Buffered channel of outbound events.
	send chan protocol.Event

	closeOnce sync.Once
	done      chan struct{}
}

func (c *Client) ID() string     { return c.id }
func (c *Client) UserID() string { return c.user.UserID }

// Send queues ev without blocking. A client whose buffer is full is too
// slow to keep up and gets disconnected.
func (c *Client) Send(ev protocol.Event) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- ev:
		return true
	default:
		c.Close()
		return false
	}
}

// Close makes the write pump close the connection, which in turn ends the
// read pump.
func (c *Client) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}

func (c *Client) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// readPump pumps frames from the connection into the session until the
// connection fails or is closed.
func (c *Client) readPump(ctx context.Context, s Session) {
	reason := ReasonClientClosed
	defer func() {
		if c.closed() {
			reason = ReasonServerClosed
		}
		c.Close()
		s.Close(ctx, reason)
		c.hub.Unregister(c)
		if c.hub.metrics != nil {
			c.hub.metrics.Connections.Dec()
		}
	}()

	opts := c.hub.opts
	c.conn.SetReadLimit(opts.MaxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(opts.PongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(opts.PongWait))
	})
	for {
		_, frame, err := c.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				reason = ReasonTransport
				if !c.closed() {
					c.hub.log.Debug(ctx, "read failed", "conn_id", c.id, "user_id", c.user.UserID, "err", err)
				}
			}
			return
		}
		s.Handle(ctx, frame)
	}
}

// writePump pumps events from the hub to the connection. Pings keep the
// peer's read deadline alive.
func (c *Client) writePump() {
	opts := c.hub.opts
	ticker := time.NewTicker(opts.pingPeriod())
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case ev := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(opts.WriteWait))
			if err := c.conn.WriteJSON(ev); err != nil {
				c.Close()
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(opts.WriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}
		case <-c.done:
			c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(opts.WriteWait))
			return
		}
	}
}

// ServeWs authenticates the request, upgrades it and starts the client's
// pumps. Unauthenticated requests are refused before the upgrade.
func ServeWs(hub *Hub, gw Gateway, w http.ResponseWriter, r *http.Request) {
	id, err := gw.Authenticate(r)
	if err != nil {
		status := http.StatusUnauthorized
		if !errors.Is(err, common.ErrUnauthenticated) {
			status = http.StatusInternalServerError
			hub.log.Error(r.Context(), "authenticate", "err", err)
		}
		http.Error(w, http.StatusText(status), status)
		return
	}

	conn, err := hub.upgrader.Upgrade(w, r, nil)
	if err != nil {
		hub.log.Warn(r.Context(), "upgrade failed", "user_id", id.UserID, "err", err)
		return
	}
	client := &Client{
		hub:  hub,
		conn: conn,
		id:   uuid.NewString(),
		user: id,
		send: make(chan protocol.Event, hub.opts.SendBuffer),
		done: make(chan struct{}),
	}
	if hub.metrics != nil {
		hub.metrics.Connections.Inc()
	}
	hub.Register(client)

	// The request context ends with this handler; the connection outlives it.
	ctx := context.WithoutCancel(r.Context())
	session := gw.Open(ctx, id, client)
	hub.log.Info(ctx, "client connected", "conn_id", client.id, "user_id", id.UserID)

	go client.writePump()
	go client.readPump(ctx, session)
}
