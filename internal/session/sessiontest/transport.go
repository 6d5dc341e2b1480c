// Package sessiontest provides an in-memory session.Transport for tests.
package sessiontest

import (
	"sync"

	"github.com/cockroachdb/errors"
)

// ErrClosed is returned by writes on a terminated FakeTransport.
var ErrClosed = errors.New("sessiontest: transport closed")

// FakeTransport records every call made on it. Set PingErr or NotifyErr to
// make the corresponding write fail.
type FakeTransport struct {
	Addr string

	mu         sync.Mutex
	pings      int
	notified   [][]byte
	terminated int
	PingErr    error
	NotifyErr  error
}

func New(addr string) *FakeTransport {
	return &FakeTransport{Addr: addr}
}

func (f *FakeTransport) Ping() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.terminated > 0 {
		return ErrClosed
	}
	if f.PingErr != nil {
		return f.PingErr
	}
	f.pings++
	return nil
}

func (f *FakeTransport) Notify(payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.terminated > 0 {
		return ErrClosed
	}
	if f.NotifyErr != nil {
		return f.NotifyErr
	}
	f.notified = append(f.notified, append([]byte(nil), payload...))
	return nil
}

func (f *FakeTransport) Terminate() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.terminated++
	return nil
}

func (f *FakeTransport) RemoteAddr() string { return f.Addr }

// SetPingErr changes the ping failure while the transport may be in use.
func (f *FakeTransport) SetPingErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.PingErr = err
}

func (f *FakeTransport) Pings() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pings
}

func (f *FakeTransport) Notified() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]byte, len(f.notified))
	copy(out, f.notified)
	return out
}

func (f *FakeTransport) Terminated() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.terminated > 0
}
