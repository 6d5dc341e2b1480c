package ws

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/dustin/go-humanize"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/codehome01/exam-monitor-server/internal/frontend"
	"github.com/codehome01/exam-monitor-server/internal/log"
	"github.com/codehome01/exam-monitor-server/internal/monitor"
	"github.com/codehome01/exam-monitor-server/internal/protocol"
	"github.com/codehome01/exam-monitor-server/internal/session"
)

// unknownSessionID is recorded when a visit carries no id.
const unknownSessionID = "unknown"

// Server is the HTTP side of the service: visit ingress, the status page,
// metrics, and routing of WebSocket upgrades to the Handler.
type Server struct {
	registry *session.Registry
	handler  *Handler
	journal  *monitor.Journal
	stats    *monitor.ProcessStats
	gatherer prometheus.Gatherer

	logger   *zap.Logger
	observer session.Observer
	clock    clockwork.Clock
}

func NewServer(registry *session.Registry, handler *Handler, opts ...Option) *Server {
	o := buildOptions(opts)
	return &Server{
		registry: registry,
		handler:  handler,
		logger:   o.logger.With(log.FieldComponent("http")),
		observer: o.observer,
		clock:    o.clock,
	}
}

// SetStatusSources configures what the status page shows. Both arguments
// may be nil. Must be called before SetupRoutes.
func (s *Server) SetStatusSources(journal *monitor.Journal, stats *monitor.ProcessStats) {
	s.journal = journal
	s.stats = stats
}

// SetGatherer enables /metrics. Must be called before SetupRoutes.
func (s *Server) SetGatherer(g prometheus.Gatherer) {
	s.gatherer = g
}

func (s *Server) SetupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/visit", s.handleVisit)
	mux.Handle("/ws", s.handler)
	if s.gatherer != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
	mux.HandleFunc("/", s.handleRoot)
}

// Handler returns the routed mux wrapped in the CORS policy.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.SetupRoutes(mux)
	return cors(mux)
}

// cors applies the permissive cross-origin policy and answers preflight
// requests directly.
func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	// Upgrades are accepted on any path; the session id travels in the query.
	if websocket.IsWebSocketUpgrade(r) {
		s.handler.ServeHTTP(w, r)
		return
	}
	if r.URL.Path != "/" {
		http.Error(w, "Not found", http.StatusNotFound)
		return
	}
	s.handleStatus(w, r)
}

func (s *Server) handleVisit(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get(protocol.SessionIDParam)
	if id == "" {
		id = unknownSessionID
	}

	if s.registry.RecordVisit(id) {
		s.logger.Info("session visited the page", log.FieldSessionID(id))
		s.observer.Observe(session.Event{Type: session.EventVisit, SessionID: id, At: s.clock.Now()})
	} else {
		s.logger.Debug("visit for already connected session ignored", log.FieldSessionID(id))
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("Visit recorded"))
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	snap := s.registry.Snapshot()
	view := frontend.StatusView{
		Now:             snap.TakenAt,
		LiveConnections: len(snap.Connections),
		AliveSinceProbe: lo.CountBy(snap.Connections, func(c session.ConnectionEntry) bool { return c.Alive }),
		PendingVisits:   len(snap.Visits),
		Connections: lo.Map(snap.Connections, func(c session.ConnectionEntry, _ int) frontend.ConnectionRow {
			return frontend.ConnectionRow{
				ID:         c.ID,
				RemoteAddr: c.Handle.RemoteAddr(),
				Connected:  humanize.RelTime(c.ConnectedAt, snap.TakenAt, "ago", "from now"),
				Alive:      c.Alive,
			}
		}),
	}
	if s.journal != nil {
		view.Events = lo.Map(s.journal.Recent(), func(e session.Event, _ int) frontend.EventRow {
			return frontend.EventRow{
				At:        e.At.Format(time.TimeOnly),
				Type:      e.Type.String(),
				SessionID: e.SessionID,
				Reason:    e.Reason,
			}
		})
	}
	if s.stats != nil {
		p := s.stats.Sample()
		view.Process = frontend.ProcessRow{
			PID:        p.PID,
			Uptime:     p.Uptime.Truncate(time.Second).String(),
			RSS:        humanize.IBytes(p.RSSBytes),
			CPUPercent: p.CPUPercent,
			Goroutines: p.Goroutines,
		}
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := frontend.RenderStatus(w, view); err != nil {
		s.logger.Warn("status page render failed", zap.Error(err))
	}
}

// ListenAndServe serves h on host:port until ctx is cancelled, then shuts
// down gracefully within shutdownTimeout.
func ListenAndServe(ctx context.Context, host string, port int, h http.Handler, shutdownTimeout time.Duration, logger *zap.Logger) error {
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info(fmt.Sprintf("Exam monitor running on http://%s", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return errors.Wrapf(err, "listen on %s", addr)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return errors.Wrap(err, "shutdown")
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
