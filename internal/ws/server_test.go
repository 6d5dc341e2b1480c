package ws

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/codehome01/exam-monitor-server/internal/config"
	"github.com/codehome01/exam-monitor-server/internal/metrics"
	"github.com/codehome01/exam-monitor-server/internal/monitor"
	"github.com/codehome01/exam-monitor-server/internal/session"
	"github.com/codehome01/exam-monitor-server/internal/session/sessiontest"
)

func newTestServer(t *testing.T) (*Server, *session.Registry, *monitor.Journal) {
	t.Helper()
	reg := session.NewRegistry()
	journal := monitor.NewJournal(10)
	logger := zaptest.NewLogger(t)
	h := NewHandler(reg, config.Default().Liveness, WithLogger(logger))
	s := NewServer(reg, h, WithLogger(logger), WithObserver(journal))
	s.SetStatusSources(journal, nil)
	return s, reg, journal
}

func serve(t *testing.T, h http.Handler, method, target string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, target, nil))
	return rec
}

func TestCORSHeaders(t *testing.T) {
	s, _, _ := newTestServer(t)
	h := s.Handler()

	for _, target := range []string{"/", "/visit?id=a", "/nope"} {
		rec := serve(t, h, http.MethodGet, target)
		assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"), target)
		assert.Equal(t, "GET, POST, OPTIONS", rec.Header().Get("Access-Control-Allow-Methods"), target)
		assert.Equal(t, "Content-Type", rec.Header().Get("Access-Control-Allow-Headers"), target)
	}
}

func TestPreflightShortCircuits(t *testing.T) {
	s, reg, _ := newTestServer(t)

	rec := serve(t, s.Handler(), http.MethodOptions, "/visit?id=a")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Empty(t, rec.Body.String())
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.False(t, reg.HasVisit("a"), "preflight must not record a visit")
}

func TestVisitRecordsPendingEntry(t *testing.T) {
	s, reg, journal := newTestServer(t)

	for _, method := range []string{http.MethodGet, http.MethodPost} {
		rec := serve(t, s.Handler(), method, "/visit?id=student-7")
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "Visit recorded", rec.Body.String())
		assert.Contains(t, rec.Header().Get("Content-Type"), "text/plain")
	}

	assert.True(t, reg.HasVisit("student-7"))
	recent := journal.Recent()
	require.NotEmpty(t, recent)
	assert.Equal(t, session.EventVisit, recent[0].Type)
}

func TestVisitWithoutIDUsesUnknown(t *testing.T) {
	s, reg, _ := newTestServer(t)

	rec := serve(t, s.Handler(), http.MethodGet, "/visit")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, reg.HasVisit(unknownSessionID))
}

func TestVisitWhileConnectedIsAcknowledged(t *testing.T) {
	s, reg, journal := newTestServer(t)
	reg.UpsertConnection("live", sessiontest.New("x"))

	rec := serve(t, s.Handler(), http.MethodGet, "/visit?id=live")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, reg.HasVisit("live"))
	assert.Empty(t, journal.Recent())
}

func TestUnknownPathNotFound(t *testing.T) {
	s, _, _ := newTestServer(t)

	rec := serve(t, s.Handler(), http.MethodGet, "/admin")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "Not found")
}

func TestStatusPage(t *testing.T) {
	s, reg, journal := newTestServer(t)
	ps, err := monitor.NewProcessStats()
	require.NoError(t, err)
	s.SetStatusSources(journal, ps)

	reg.UpsertConnection("alice", sessiontest.New("10.1.1.1:4000"))
	reg.RecordVisit("bob")
	journal.Observe(session.Event{Type: session.EventNeverLive, SessionID: "carol"})

	rec := serve(t, s.Handler(), http.MethodGet, "/")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/html")

	body := rec.Body.String()
	assert.Contains(t, body, "Exam monitor is running")
	assert.Contains(t, body, "alice")
	assert.Contains(t, body, "10.1.1.1:4000")
	assert.Contains(t, body, "1 pending page loads")
	assert.Contains(t, body, "never_live")
}

func TestMetricsEndpoint(t *testing.T) {
	s, _, _ := newTestServer(t)
	reg := prometheus.NewRegistry()
	rec := metrics.New(reg)
	rec.SetSizes(4, 2)
	s.SetGatherer(reg)

	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "exam_monitor_live_connections 4")
	assert.Contains(t, string(body), "exam_monitor_pending_visits 2")
}

func TestMetricsDisabledByDefault(t *testing.T) {
	s, _, _ := newTestServer(t)
	rec := serve(t, s.Handler(), http.MethodGet, "/metrics")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
