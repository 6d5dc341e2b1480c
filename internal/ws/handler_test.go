package ws

import (
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/codehome01/exam-monitor-server/internal/config"
	"github.com/codehome01/exam-monitor-server/internal/monitor"
	"github.com/codehome01/exam-monitor-server/internal/protocol"
	"github.com/codehome01/exam-monitor-server/internal/session"
)

const waitFor = 2 * time.Second

type recordingObserver struct {
	mu     sync.Mutex
	events []session.Event
}

func (o *recordingObserver) Observe(e session.Event) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.events = append(o.events, e)
}

func (o *recordingObserver) count(typ session.EventType) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := 0
	for _, e := range o.events {
		if e.Type == typ {
			n++
		}
	}
	return n
}

type testEnv struct {
	srv      *httptest.Server
	registry *session.Registry
	events   *recordingObserver
	wsURL    string
}

// newTestEnv starts the full HTTP surface on an httptest server.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	reg := session.NewRegistry()
	events := &recordingObserver{}
	logger := zaptest.NewLogger(t)

	h := NewHandler(reg, config.Default().Liveness, WithLogger(logger), WithObserver(events))
	s := NewServer(reg, h, WithLogger(logger), WithObserver(events))
	s.SetStatusSources(monitor.NewJournal(10), nil)

	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)

	return &testEnv{
		srv:      srv,
		registry: reg,
		events:   events,
		wsURL:    "ws" + strings.TrimPrefix(srv.URL, "http"),
	}
}

func (e *testEnv) dial(t *testing.T, path string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(e.wsURL+path, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// readAll drains conn in the background so control frames are processed.
// The returned channel yields the terminating read error.
func readAll(conn *websocket.Conn) <-chan error {
	done := make(chan error, 1)
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				done <- err
				return
			}
		}
	}()
	return done
}

func (e *testEnv) waitConnected(t *testing.T, id string) session.ConnectionEntry {
	t.Helper()
	var entry session.ConnectionEntry
	require.Eventually(t, func() bool {
		var ok bool
		entry, ok = e.registry.Lookup(id)
		return ok
	}, waitFor, 5*time.Millisecond)
	return entry
}

func TestHandlerRejectsMissingID(t *testing.T) {
	env := newTestEnv(t)
	conn := env.dial(t, "/")

	_, _, err := conn.ReadMessage()
	require.Error(t, err)

	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, websocket.ClosePolicyViolation, closeErr.Code)
	assert.Equal(t, protocol.ReasonMissingID, closeErr.Text)

	conns, visits := env.registry.Len()
	assert.Zero(t, conns)
	assert.Zero(t, visits)
	assert.Equal(t, 1, env.events.count(session.EventRejected))
}

func TestHandlerRegistersAndClearsVisit(t *testing.T) {
	env := newTestEnv(t)
	env.registry.RecordVisit("s1")

	conn := env.dial(t, "/?id=s1")
	readAll(conn)

	entry := env.waitConnected(t, "s1")
	assert.True(t, entry.Alive)
	assert.False(t, env.registry.HasVisit("s1"))
	assert.Equal(t, 1, env.events.count(session.EventConnected))
}

func TestHandlerAcceptsWSPath(t *testing.T) {
	env := newTestEnv(t)
	conn := env.dial(t, "/ws?id=s1")
	readAll(conn)
	env.waitConnected(t, "s1")
}

func TestHandlerAliveTokenMarksAlive(t *testing.T) {
	env := newTestEnv(t)
	conn := env.dial(t, "/?id=s1")
	entry := env.waitConnected(t, "s1")

	require.Equal(t, session.ProbeSent, env.registry.Probe("s1", entry.Handle))

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not-alive")))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("ALIVE")))
	time.Sleep(50 * time.Millisecond)
	got, _ := env.registry.Lookup("s1")
	assert.False(t, got.Alive, "only the exact token counts")

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(protocol.AliveToken)))
	require.Eventually(t, func() bool {
		got, _ := env.registry.Lookup("s1")
		return got.Alive
	}, waitFor, 5*time.Millisecond)
}

func TestHandlerPongMarksAlive(t *testing.T) {
	env := newTestEnv(t)
	conn := env.dial(t, "/?id=s1")
	readAll(conn) // the default ping handler answers with a pong while reading

	entry := env.waitConnected(t, "s1")
	require.Equal(t, session.ProbeSent, env.registry.Probe("s1", entry.Handle))
	require.NoError(t, entry.Handle.Ping())

	require.Eventually(t, func() bool {
		got, _ := env.registry.Lookup("s1")
		return got.Alive
	}, waitFor, 5*time.Millisecond)
}

func TestHandlerClientCloseRemovesEntry(t *testing.T) {
	env := newTestEnv(t)
	conn := env.dial(t, "/?id=s1")
	env.waitConnected(t, "s1")

	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye")
	require.NoError(t, conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second)))

	require.Eventually(t, func() bool {
		_, ok := env.registry.Lookup("s1")
		return !ok
	}, waitFor, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		return env.events.count(session.EventDisconnected) == 1
	}, waitFor, 5*time.Millisecond)

	// A second cleanup for the same id changes nothing.
	assert.False(t, env.registry.RemoveConnection("s1"))
}

func TestHandlerReplacementKeepsNewest(t *testing.T) {
	env := newTestEnv(t)

	first := env.dial(t, "/?id=dup")
	firstDone := readAll(first)
	firstEntry := env.waitConnected(t, "dup")

	second := env.dial(t, "/?id=dup")
	readAll(second)

	require.Eventually(t, func() bool {
		got, ok := env.registry.Lookup("dup")
		return ok && got.ConnID != firstEntry.ConnID
	}, waitFor, 5*time.Millisecond)

	select {
	case err := <-firstDone:
		assert.Error(t, err)
	case <-time.After(waitFor):
		t.Fatal("replaced connection was not closed")
	}

	// Let the old connection's cleanup run; the new entry must survive it.
	time.Sleep(50 * time.Millisecond)
	conns, _ := env.registry.Len()
	assert.Equal(t, 1, conns)
	got, ok := env.registry.Lookup("dup")
	require.True(t, ok)
	assert.NotEqual(t, firstEntry.ConnID, got.ConnID)
	assert.Equal(t, 1, env.events.count(session.EventReplaced))
	assert.Zero(t, env.events.count(session.EventDisconnected))
}

// A peer that never answers is logged out by the second sweep and receives
// the notification before the connection drops.
func TestSweepForcesLogoutOverWebSocket(t *testing.T) {
	env := newTestEnv(t)
	sweeper, err := monitor.NewSweeper(env.registry, config.Default().Liveness,
		monitor.WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, err)
	t.Cleanup(sweeper.Stop)

	// No reader yet, so pings go unanswered.
	conn := env.dial(t, "/?id=quiet")
	env.waitConnected(t, "quiet")

	now := time.Now()
	res := sweeper.Sweep(now.Add(5 * time.Second))
	require.Equal(t, 1, res.Probed)
	res = sweeper.Sweep(now.Add(10 * time.Second))
	require.Equal(t, 1, res.Terminated)

	_, ok := env.registry.Lookup("quiet")
	assert.False(t, ok)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(waitFor)))
	typ, data, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.TextMessage, typ)
	msg, err := protocol.Decode(data)
	require.NoError(t, err)
	assert.Equal(t, protocol.MsgForceLogout, msg.Type)
	assert.Equal(t, protocol.ReasonUnresponsive, msg.Reason)

	_, _, err = conn.ReadMessage()
	assert.Error(t, err, "transport is terminated after the notification")
}
