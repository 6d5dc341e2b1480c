package ws

import (
	"net/http"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/codehome01/exam-monitor-server/internal/config"
	"github.com/codehome01/exam-monitor-server/internal/log"
	"github.com/codehome01/exam-monitor-server/internal/protocol"
	"github.com/codehome01/exam-monitor-server/internal/session"
)

// ErrMissingID is reported when a connection arrives without a session id.
var ErrMissingID = errors.New("ws: missing session id")

// Handler owns the lifecycle of inbound liveness connections: it validates
// the session id, registers the connection, turns pongs and "alive" payloads
// into liveness signals and unregisters the connection when it ends.
type Handler struct {
	registry        *session.Registry
	upgrader        websocket.Upgrader
	writeTimeout    time.Duration
	maxMessageBytes int64

	logger   *zap.Logger
	observer session.Observer
	clock    clockwork.Clock
}

type Option func(*options)

type options struct {
	logger   *zap.Logger
	observer session.Observer
	clock    clockwork.Clock
}

func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

func WithObserver(obs session.Observer) Option {
	return func(o *options) { o.observer = obs }
}

func WithClock(c clockwork.Clock) Option {
	return func(o *options) { o.clock = c }
}

func buildOptions(opts []Option) options {
	o := options{
		logger:   log.L(),
		observer: session.NopObserver,
		clock:    clockwork.NewRealClock(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func NewHandler(registry *session.Registry, cfg config.LivenessConfig, opts ...Option) *Handler {
	o := buildOptions(opts)
	writeTimeout := cfg.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = config.Default().Liveness.WriteTimeout
	}
	return &Handler{
		registry: registry,
		upgrader: websocket.Upgrader{
			// Pages are served from arbitrary origins.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		writeTimeout:    writeTimeout,
		maxMessageBytes: cfg.MaxMessageBytes,
		logger:          o.logger.With(log.FieldComponent("conn")),
		observer:        o.observer,
		clock:           o.clock,
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get(protocol.SessionIDParam)

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("ws upgrade error", zap.String("remote_addr", r.RemoteAddr), zap.Error(err))
		return
	}
	p := newPeer(conn, h.writeTimeout)

	if id == "" {
		h.logger.Warn("rejecting connection", zap.String("remote_addr", p.RemoteAddr()), zap.Error(ErrMissingID))
		h.emit(session.EventRejected, "", "", protocol.ReasonMissingID)
		if err := p.closeWith(websocket.ClosePolicyViolation, protocol.ReasonMissingID); err != nil {
			h.logger.Debug("close after rejection failed", zap.Error(err))
		}
		return
	}

	connID, replaced := h.registry.UpsertConnection(id, p)
	logger := h.logger.With(log.FieldSessionID(id), log.FieldConnID(connID))
	if replaced != nil {
		logger.Info("replacing previous connection", zap.String("previous_addr", replaced.RemoteAddr()))
		_ = replaced.Terminate()
		h.emit(session.EventReplaced, id, connID, "")
	}
	logger.Info("session connected", zap.String("remote_addr", p.RemoteAddr()))
	h.emit(session.EventConnected, id, connID, "")

	if h.maxMessageBytes > 0 {
		conn.SetReadLimit(h.maxMessageBytes)
	}
	conn.SetPongHandler(func(string) error {
		h.registry.MarkAliveFrom(id, p)
		return nil
	})

	go h.readLoop(id, connID, p, logger)
}

func (h *Handler) readLoop(id, connID string, p *peer, logger *zap.Logger) {
	defer func() {
		if v := recover(); v != nil {
			logger.Error("connection handler panicked", zap.Any("panic", v))
		}
		if h.registry.RemoveConnectionIf(id, p) {
			h.emit(session.EventDisconnected, id, connID, "")
		}
		_ = p.Terminate()
	}()

	for {
		_, data, err := p.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Info("session disconnected")
			} else {
				logger.Info("session disconnected", zap.Error(err))
			}
			return
		}
		if protocol.IsAlive(data) {
			h.registry.MarkAliveFrom(id, p)
		}
	}
}

func (h *Handler) emit(typ session.EventType, id, connID, reason string) {
	h.observer.Observe(session.Event{
		Type:      typ,
		SessionID: id,
		ConnID:    connID,
		Reason:    reason,
		At:        h.clock.Now(),
	})
}
