package ws

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pliu/sniffguard/internal/logging"
	"github.com/pliu/sniffguard/internal/metrics"
	"github.com/pliu/sniffguard/internal/protocol"
)

type Options struct {
	// AllowedOrigins lists accepted Origin headers. Empty accepts any.
	AllowedOrigins []string
	WriteWait      time.Duration
	PongWait       time.Duration
	MaxMessageSize int64
	SendBuffer     int
}

func (o Options) withDefaults() Options {
	if o.WriteWait <= 0 {
		o.WriteWait = 10 * time.Second
	}
	if o.PongWait <= 0 {
		o.PongWait = 60 * time.Second
	}
	if o.MaxMessageSize <= 0 {
		o.MaxMessageSize = 512 * 1024
	}
	if o.SendBuffer <= 0 {
		o.SendBuffer = 256
	}
	return o
}

// pingPeriod must stay below the pong wait.
func (o Options) pingPeriod() time.Duration {
	return o.PongWait * 9 / 10
}

type subscription struct {
	room string // empty means every room
	conn protocol.Conn
}

type publication struct {
	room   string // empty means every connection
	event  protocol.Event
	except protocol.Conn
}

// Hub owns the room broadcast groups. All membership changes and
// publications go through Run over unbuffered channels: once a call
// returns, Run has applied it, so a room's events reach every subscriber
// in the order they were published.
type Hub struct {
	// Registered connections.
	conns map[protocol.Conn]bool
	rooms map[string]map[protocol.Conn]bool

	register    chan protocol.Conn
	unregister  chan protocol.Conn
	subscribe   chan subscription
	unsubscribe chan subscription
	broadcast   chan publication
	done        chan struct{}

	opts     Options
	upgrader websocket.Upgrader
	log      logging.Logger
	metrics  *metrics.Metrics
}

func NewHub(opts Options, log logging.Logger, m *metrics.Metrics) *Hub {
	if log == nil {
		log = logging.Discard()
	}
	opts = opts.withDefaults()
	h := &Hub{
		conns:       make(map[protocol.Conn]bool),
		rooms:       make(map[string]map[protocol.Conn]bool),
		register:    make(chan protocol.Conn),
		unregister:  make(chan protocol.Conn),
		subscribe:   make(chan subscription),
		unsubscribe: make(chan subscription),
		broadcast:   make(chan publication),
		done:        make(chan struct{}),
		opts:        opts,
		log:         log.With("module", "ws"),
		metrics:     m,
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	if len(h.opts.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	for _, o := range h.opts.AllowedOrigins {
		if o == "*" || o == origin {
			return true
		}
	}
	return false
}

// Run serves the hub until ctx is done.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			for c := range h.conns {
				c.Close()
			}
			return
		case c := <-h.register:
			h.conns[c] = true
		case c := <-h.unregister:
			delete(h.conns, c)
			h.leaveAll(c)
		case s := <-h.subscribe:
			if h.rooms[s.room] == nil {
				h.rooms[s.room] = make(map[protocol.Conn]bool)
			}
			h.rooms[s.room][s.conn] = true
		case s := <-h.unsubscribe:
			if s.room == "" {
				h.leaveAll(s.conn)
				continue
			}
			h.leave(s.room, s.conn)
		case p := <-h.broadcast:
			targets := h.conns
			if p.room != "" {
				targets = h.rooms[p.room]
			}
			for c := range targets {
				if c == p.except {
					continue
				}
				// A full client closes itself and is unregistered by its read pump.
				if !c.Send(p.event) && h.metrics != nil {
					h.metrics.EventsDropped.Inc()
				}
			}
		}
	}
}

func (h *Hub) leave(room string, c protocol.Conn) {
	subs := h.rooms[room]
	delete(subs, c)
	if len(subs) == 0 {
		delete(h.rooms, room)
	}
}

func (h *Hub) leaveAll(c protocol.Conn) {
	for room := range h.rooms {
		h.leave(room, c)
	}
}

func (h *Hub) Register(c protocol.Conn) {
	select {
	case h.register <- c:
	case <-h.done:
	}
}

func (h *Hub) Unregister(c protocol.Conn) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

func (h *Hub) Subscribe(roomID string, c protocol.Conn) {
	select {
	case h.subscribe <- subscription{room: roomID, conn: c}:
	case <-h.done:
	}
}

func (h *Hub) Unsubscribe(roomID string, c protocol.Conn) {
	select {
	case h.unsubscribe <- subscription{room: roomID, conn: c}:
	case <-h.done:
	}
}

func (h *Hub) UnsubscribeAll(c protocol.Conn) {
	h.Unsubscribe("", c)
}

func (h *Hub) PublishRoom(roomID string, ev protocol.Event, except protocol.Conn) {
	if roomID == "" {
		return
	}
	h.publish(publication{room: roomID, event: ev, except: except})
}

func (h *Hub) PublishAll(ev protocol.Event, except protocol.Conn) {
	h.publish(publication{event: ev, except: except})
}

func (h *Hub) publish(p publication) {
	select {
	case h.broadcast <- p:
	case <-h.done:
	}
}
