package monitor

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/jonboulle/clockwork"
	ants "github.com/panjf2000/ants/v2"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/codehome01/exam-monitor-server/internal/config"
	"github.com/codehome01/exam-monitor-server/internal/log"
	"github.com/codehome01/exam-monitor-server/internal/metrics"
	"github.com/codehome01/exam-monitor-server/internal/protocol"
	"github.com/codehome01/exam-monitor-server/internal/session"
)

// Event reasons attached to EventForcedLogout.
const (
	ReasonUnresponsive = "Unresponsive"
	ReasonProbeFailed  = "ProbeFailed"
)

// Result summarises one sweep tick.
type Result struct {
	Expired     int // pending visits that never went live
	Probed      int // connections reset and pinged
	Terminated  int // connections that missed the previous probe
	ProbeFailed int // connections torn down because the ping could not be written
	Stale       int // snapshot entries gone by the time they were processed
}

// Sweeper periodically reconciles the registry: it expires page loads that
// never connected and health-checks every live connection.
//
// A tick never overlaps the next one. Writes to peers run on a bounded
// worker pool so one slow connection does not hold up the others, and the
// tick waits for all of them before returning.
type Sweeper struct {
	registry    *session.Registry
	interval    time.Duration
	visitExpiry time.Duration
	workers     int

	pool     *ants.Pool
	clock    clockwork.Clock
	logger   *zap.Logger
	observer session.Observer
	metrics  *metrics.Recorder

	startOnce sync.Once
	stopOnce  sync.Once
	stop      chan struct{}
	done      chan struct{}
}

type SweeperOption func(*Sweeper)

func WithClock(c clockwork.Clock) SweeperOption {
	return func(s *Sweeper) { s.clock = c }
}

func WithLogger(l *zap.Logger) SweeperOption {
	return func(s *Sweeper) { s.logger = l }
}

func WithObserver(o session.Observer) SweeperOption {
	return func(s *Sweeper) { s.observer = o }
}

func WithMetrics(m *metrics.Recorder) SweeperOption {
	return func(s *Sweeper) { s.metrics = m }
}

func NewSweeper(registry *session.Registry, cfg config.LivenessConfig, opts ...SweeperOption) (*Sweeper, error) {
	if registry == nil {
		return nil, errors.New("monitor: registry is nil")
	}
	if cfg.SweepInterval <= 0 || cfg.VisitExpiry <= 0 {
		return nil, errors.Newf("monitor: invalid sweep timings interval=%s expiry=%s", cfg.SweepInterval, cfg.VisitExpiry)
	}
	s := &Sweeper{
		registry:    registry,
		interval:    cfg.SweepInterval,
		visitExpiry: cfg.VisitExpiry,
		workers:     cfg.ProbeWorkers,
		clock:       clockwork.NewRealClock(),
		logger:      log.L(),
		observer:    session.NopObserver,
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.workers <= 0 {
		s.workers = 1
	}
	s.logger = s.logger.With(log.FieldComponent("sweeper"))

	pool, err := ants.NewPool(s.workers, ants.WithPanicHandler(func(v any) {
		s.logger.Error("sweeper task panicked", zap.Any("panic", v))
	}))
	if err != nil {
		return nil, errors.Wrap(err, "monitor: create probe pool")
	}
	s.pool = pool
	return s, nil
}

// Start runs the sweep loop until ctx is cancelled or Stop is called. It
// blocks; callers normally run it in its own goroutine.
func (s *Sweeper) Start(ctx context.Context) {
	started := false
	s.startOnce.Do(func() { started = true })
	if !started {
		return
	}
	defer close(s.done)

	ticker := s.clock.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("sweeper started",
		zap.Duration("interval", s.interval),
		zap.Duration("visit_expiry", s.visitExpiry),
		zap.Int("workers", s.workers))

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("sweeper stopped")
			return
		case <-s.stop:
			s.logger.Info("sweeper stopped")
			return
		case now := <-ticker.Chan():
			s.Sweep(now)
		}
	}
}

// Stop ends the loop started by Start, waits for the running tick, and
// releases the worker pool.
func (s *Sweeper) Stop() {
	s.stopOnce.Do(func() {
		close(s.stop)
		ran := true
		s.startOnce.Do(func() { ran = false })
		if ran {
			<-s.done
		}
		s.pool.Release()
	})
}

// Sweep performs one reconciliation pass as of now.
func (s *Sweeper) Sweep(now time.Time) Result {
	began := s.clock.Now()
	snap := s.registry.Snapshot()

	var res Result
	for _, v := range snap.Visits {
		if now.Sub(v.RecordedAt) <= s.visitExpiry {
			continue
		}
		if !s.registry.ExpireVisit(v.ID, now, s.visitExpiry) {
			continue
		}
		res.Expired++
		s.logger.Warn("page loaded but never went live",
			log.FieldSessionID(v.ID),
			zap.Duration("age", now.Sub(v.RecordedAt)))
		s.emit(session.EventNeverLive, v.ID, "", "")
	}

	var (
		wg          sync.WaitGroup
		probeFailed atomic.Int32
	)
	for _, c := range snap.Connections {
		c := c
		switch s.registry.Probe(c.ID, c.Handle) {
		case session.ProbeStale:
			res.Stale++
		case session.ProbeUnresponsive:
			res.Terminated++
			s.logger.Warn("connection unresponsive, forcing logout",
				log.FieldSessionID(c.ID),
				log.FieldConnID(c.ConnID),
				zap.String("remote_addr", c.Handle.RemoteAddr()))
			s.emit(session.EventForcedLogout, c.ID, c.ConnID, ReasonUnresponsive)
			s.dispatch(&wg, func() { s.forceLogout(c) })
		case session.ProbeSent:
			res.Probed++
			s.dispatch(&wg, func() {
				if err := c.Handle.Ping(); err != nil {
					s.logger.Warn("liveness probe failed",
						log.FieldSessionID(c.ID),
						log.FieldConnID(c.ConnID),
						zap.Error(err))
					if !s.registry.RemoveConnectionIf(c.ID, c.Handle) {
						// Already closed by its own handler.
						_ = c.Handle.Terminate()
						return
					}
					probeFailed.Inc()
					s.emit(session.EventForcedLogout, c.ID, c.ConnID, ReasonProbeFailed)
					s.forceLogout(c)
				}
			})
		}
	}
	wg.Wait()
	res.ProbeFailed = int(probeFailed.Load())

	if s.metrics != nil {
		s.metrics.SetSizes(s.registry.Len())
		s.metrics.ObserveSweep(s.clock.Since(began))
	}
	if res != (Result{}) {
		s.logger.Debug("sweep complete",
			zap.Int("expired", res.Expired),
			zap.Int("probed", res.Probed),
			zap.Int("terminated", res.Terminated),
			zap.Int("probe_failed", res.ProbeFailed),
			zap.Int("stale", res.Stale))
	}
	return res
}

// forceLogout sends a best-effort logout notification and terminates the
// transport. Failures are logged and never propagated.
func (s *Sweeper) forceLogout(c session.ConnectionEntry) {
	payload, err := protocol.Encode(protocol.ForceLogout(protocol.ReasonUnresponsive))
	if err == nil {
		err = c.Handle.Notify(payload)
	}
	if err != nil {
		s.logger.Info("logout notification not delivered",
			log.FieldSessionID(c.ID),
			log.FieldConnID(c.ConnID),
			zap.Bool("send_failed", errors.Is(err, session.ErrSendFailed)),
			zap.Error(err))
	}
	if err := c.Handle.Terminate(); err != nil {
		s.logger.Debug("terminate returned error",
			log.FieldSessionID(c.ID),
			zap.Error(err))
	}
}

// dispatch runs fn on the pool, or inline when the pool refuses the task.
func (s *Sweeper) dispatch(wg *sync.WaitGroup, fn func()) {
	wg.Add(1)
	err := s.pool.Submit(func() {
		defer wg.Done()
		fn()
	})
	if err != nil {
		s.logger.Debug("probe pool unavailable, running inline", zap.Error(err))
		fn()
		wg.Done()
	}
}

func (s *Sweeper) emit(typ session.EventType, id, connID, reason string) {
	s.observer.Observe(session.Event{
		Type:      typ,
		SessionID: id,
		ConnID:    connID,
		Reason:    reason,
		At:        s.clock.Now(),
	})
}
