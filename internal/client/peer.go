// Package client is a reference liveness peer: it records a page visit and
// then keeps a connection open, answering probes until the server logs it
// out or the context ends.
package client

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cockroachdb/errors"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/codehome01/exam-monitor-server/internal/log"
	"github.com/codehome01/exam-monitor-server/internal/protocol"
)

// ErrForcedLogout is returned by Run when the server sends forceLogout.
var ErrForcedLogout = errors.New("client: forced logout")

const (
	defaultAliveInterval = 2 * time.Second
	defaultWriteTimeout  = 5 * time.Second
	reconnectMaxDelay    = 30 * time.Second
)

type Config struct {
	// ServerURL is the http(s) base address of the monitor.
	ServerURL     string
	SessionID     string
	AliveInterval time.Duration
	WriteTimeout  time.Duration
}

// Peer drives one session against the monitor.
type Peer struct {
	visitURL string
	connURL  string
	cfg      Config

	httpClient *http.Client
	dialer     *websocket.Dialer
	newBackOff func() backoff.BackOff
	logger     *zap.Logger
}

type Option func(*Peer)

func WithLogger(l *zap.Logger) Option {
	return func(p *Peer) { p.logger = l }
}

func WithHTTPClient(c *http.Client) Option {
	return func(p *Peer) { p.httpClient = c }
}

// WithBackOff replaces the reconnect policy. f is called once per Run.
func WithBackOff(f func() backoff.BackOff) Option {
	return func(p *Peer) { p.newBackOff = f }
}

func New(cfg Config, opts ...Option) (*Peer, error) {
	if cfg.SessionID == "" {
		return nil, errors.New("client: session id is required")
	}
	base, err := url.Parse(strings.TrimRight(cfg.ServerURL, "/"))
	if err != nil {
		return nil, errors.Wrapf(err, "parse server url %q", cfg.ServerURL)
	}
	var wsScheme string
	switch base.Scheme {
	case "http":
		wsScheme = "ws"
	case "https":
		wsScheme = "wss"
	default:
		return nil, errors.Newf("client: unsupported scheme %q", base.Scheme)
	}
	if cfg.AliveInterval <= 0 {
		cfg.AliveInterval = defaultAliveInterval
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}

	q := url.Values{protocol.SessionIDParam: {cfg.SessionID}}.Encode()

	visit := *base
	visit.Path += "/visit"
	visit.RawQuery = q

	conn := *base
	conn.Scheme = wsScheme
	conn.Path += "/"
	conn.RawQuery = q

	p := &Peer{
		visitURL:   visit.String(),
		connURL:    conn.String(),
		cfg:        cfg,
		httpClient: http.DefaultClient,
		dialer:     websocket.DefaultDialer,
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.MaxInterval = reconnectMaxDelay
			b.MaxElapsedTime = 0
			return b
		},
		logger: log.L(),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With(log.FieldComponent("client"), log.FieldSessionID(cfg.SessionID))
	return p, nil
}

// RecordVisit announces a page load for the session.
func (p *Peer) RecordVisit(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.visitURL, nil)
	if err != nil {
		return errors.Wrap(err, "build visit request")
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return errors.Wrap(err, "record visit")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return errors.Newf("record visit: unexpected status %s", resp.Status)
	}
	p.logger.Debug("visit recorded")
	return nil
}

// Run keeps the session connected until ctx ends or the server forces a
// logout. Other disconnects are retried with backoff. The returned error is
// ErrForcedLogout (possibly wrapped) or ctx.Err().
func (p *Peer) Run(ctx context.Context) error {
	b := backoff.WithContext(p.newBackOff(), ctx)

	op := func() error {
		err := p.connectOnce(ctx, b.Reset)
		if errors.Is(err, ErrForcedLogout) {
			return backoff.Permanent(err)
		}
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		return err
	}
	notify := func(err error, next time.Duration) {
		p.logger.Warn("connection lost", zap.Error(err), zap.Duration("retry_in", next))
	}
	return backoff.RetryNotify(op, b, notify)
}

// connectOnce runs a single connection. onConnected is called after the
// handshake so a healthy connection restarts the backoff schedule.
func (p *Peer) connectOnce(ctx context.Context, onConnected func()) error {
	conn, _, err := p.dialer.DialContext(ctx, p.connURL, nil)
	if err != nil {
		return errors.Wrap(err, "dial")
	}
	defer conn.Close()
	onConnected()
	p.logger.Info("connected", zap.String("url", p.connURL))

	// Pings are answered by the default handler while reading.
	readErr := make(chan error, 1)
	go func() {
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				readErr <- errors.Wrap(err, "read")
				return
			}
			msg, err := protocol.Decode(data)
			if err != nil {
				p.logger.Debug("ignoring undecodable message", zap.Error(err))
				continue
			}
			if msg.Type == protocol.MsgForceLogout {
				p.logger.Warn("server forced logout", log.FieldReason(msg.Reason))
				readErr <- errors.Wrapf(ErrForcedLogout, "reason %q", msg.Reason)
				return
			}
		}
	}()

	ticker := time.NewTicker(p.cfg.AliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			bye := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
			_ = conn.WriteControl(websocket.CloseMessage, bye, time.Now().Add(p.cfg.WriteTimeout))
			return ctx.Err()
		case err := <-readErr:
			return err
		case <-ticker.C:
			if err := conn.SetWriteDeadline(time.Now().Add(p.cfg.WriteTimeout)); err != nil {
				return errors.Wrap(err, "set write deadline")
			}
			if err := conn.WriteMessage(websocket.TextMessage, []byte(protocol.AliveToken)); err != nil {
				return errors.Wrap(err, "send alive")
			}
		}
	}
}
