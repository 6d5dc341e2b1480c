package session

import (
	"github.com/cockroachdb/errors"
)

// ErrSendFailed marks any error produced while writing to a peer. Callers
// match it with errors.Is; the underlying cause stays attached.
var ErrSendFailed = errors.New("session: send failed")

// Transport is the server side of one live connection. The registry owns the
// only long-lived reference to it; whoever removes an entry is responsible
// for terminating its transport.
type Transport interface {
	// Ping sends a transport level liveness probe.
	Ping() error
	// Notify writes one application message to the peer.
	Notify(payload []byte) error
	// Terminate closes the underlying connection without a handshake.
	// It is safe to call more than once.
	Terminate() error
	// RemoteAddr is used for logging only.
	RemoteAddr() string
}
