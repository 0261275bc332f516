// Package gateway authenticates connections and routes their inbound
// commands to the fanout coordinator through a single dispatch table.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"runtime/debug"
	"time"

	"golang.org/x/time/rate"

	"github.com/pliu/sniffguard/internal/common"
	"github.com/pliu/sniffguard/internal/fanout"
	"github.com/pliu/sniffguard/internal/logging"
	"github.com/pliu/sniffguard/internal/metrics"
	"github.com/pliu/sniffguard/internal/models"
	"github.com/pliu/sniffguard/internal/protocol"
	"github.com/pliu/sniffguard/internal/ws"
)

var _ ws.Gateway = (*Gateway)(nil)

// Authenticator resolves the credential presented with a request.
type Authenticator interface {
	Authenticate(r *http.Request) (models.Identity, error)
}

type Options struct {
	// RPS and Burst bound inbound commands per connection. Zero RPS
	// disables the limit.
	RPS     float64
	Burst   int
	Logger  logging.Logger
	Metrics *metrics.Metrics
}

type Gateway struct {
	coord    *fanout.Coordinator
	auth     Authenticator
	log      logging.Logger
	metrics  *metrics.Metrics
	limit    rate.Limit
	burst    int
	handlers map[string]handlerFunc
}

func New(coord *fanout.Coordinator, auth Authenticator, opts Options) *Gateway {
	g := &Gateway{
		coord:   coord,
		auth:    auth,
		log:     opts.Logger,
		metrics: opts.Metrics,
		limit:   rate.Inf,
		burst:   opts.Burst,
	}
	if g.log == nil {
		g.log = logging.Discard()
	}
	g.log = g.log.With("module", "gateway")
	if opts.RPS > 0 {
		g.limit = rate.Limit(opts.RPS)
		if g.burst <= 0 {
			// A zero burst would reject every command.
			g.burst = max(int(opts.RPS), 1)
		}
	}
	g.handlers = commandTable()
	return g
}

func (g *Gateway) Authenticate(r *http.Request) (models.Identity, error) {
	return g.auth.Authenticate(r)
}

// Open registers the connection with the coordinator and returns the
// session serving its commands.
func (g *Gateway) Open(ctx context.Context, id models.Identity, conn protocol.Conn) ws.Session {
	s := &Session{
		gw:      g,
		caller:  fanout.Caller{UserID: id.UserID, Username: id.Username, Conn: conn},
		limiter: rate.NewLimiter(g.limit, g.burst),
		log:     g.log.With("user_id", id.UserID, "conn_id", conn.ID()),
	}
	g.coord.Connect(ctx, s.caller)
	return s
}

// Session is one authenticated connection. Its commands are handled one
// at a time, in arrival order.
type Session struct {
	gw      *Gateway
	caller  fanout.Caller
	limiter *rate.Limiter
	log     logging.Logger
}

func (s *Session) Close(ctx context.Context, reason string) {
	s.gw.coord.Disconnect(ctx, s.caller.Conn, reason)
	s.log.Info(ctx, "client disconnected", "reason", reason)
}

func (s *Session) reply(ev protocol.Event) {
	if !s.caller.Conn.Send(ev) && s.gw.metrics != nil {
		s.gw.metrics.EventsDropped.Inc()
	}
}

// Handle decodes one frame and dispatches it. Failures are answered with
// an error event to this connection only.
func (s *Session) Handle(ctx context.Context, frame []byte) {
	var cmd protocol.Command
	if err := json.Unmarshal(frame, &cmd); err != nil {
		s.reply(protocol.ErrorCode("", common.CodeValidation, "malformed frame"))
		return
	}
	if !s.limiter.Allow() {
		s.reply(protocol.ErrorCode(cmd.Ref, common.CodeRateLimited, "too many commands"))
		s.count(cmd.Type, common.CodeRateLimited)
		return
	}
	h, ok := s.gw.handlers[cmd.Type]
	if !ok {
		s.reply(protocol.ErrorCode(cmd.Ref, common.CodeUnknownCommand, fmt.Sprintf("unknown command %q", cmd.Type)))
		s.count("unknown", common.CodeUnknownCommand)
		return
	}

	start := time.Now()
	ev, err := s.dispatch(ctx, h, cmd)
	if s.gw.metrics != nil {
		s.gw.metrics.CommandDuration.WithLabelValues(cmd.Type).Observe(time.Since(start).Seconds())
	}
	if err != nil {
		code := common.Code(err)
		if code == common.CodeInternal {
			s.log.Error(ctx, "command failed", "type", cmd.Type, "err", err)
		} else {
			s.log.Debug(ctx, "command rejected", "type", cmd.Type, "code", code, "err", err)
		}
		s.count(cmd.Type, code)
		s.reply(protocol.ErrorEvent(cmd.Ref, err))
		return
	}
	s.count(cmd.Type, "")
	if ev != nil {
		ev.Ref = cmd.Ref
		s.reply(*ev)
	}
}

// dispatch runs h, turning a panic into an internal error so that one bad
// command cannot take down the connection's pump.
func (s *Session) dispatch(ctx context.Context, h handlerFunc, cmd protocol.Command) (ev *protocol.Event, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error(ctx, "command panicked", "type", cmd.Type, "panic", r, "stack", string(debug.Stack()))
			ev, err = nil, fmt.Errorf("%s: %w", cmd.Type, common.ErrInternal)
		}
	}()
	return h(ctx, s, cmd)
}

func (s *Session) count(typ, code string) {
	if s.gw.metrics == nil {
		return
	}
	s.gw.metrics.Commands.WithLabelValues(typ).Inc()
	if code != "" {
		s.gw.metrics.CommandErrors.WithLabelValues(typ, code).Inc()
	}
}
