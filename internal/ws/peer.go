package ws

import (
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/gorilla/websocket"

	"github.com/codehome01/exam-monitor-server/internal/session"
)

// peer adapts a gorilla connection to session.Transport. gorilla allows one
// concurrent writer, so every write goes through writeMu.
type peer struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
	remoteAddr   string

	writeMu       sync.Mutex
	terminateOnce sync.Once
}

var _ session.Transport = (*peer)(nil)

func newPeer(conn *websocket.Conn, writeTimeout time.Duration) *peer {
	return &peer{
		conn:         conn,
		writeTimeout: writeTimeout,
		remoteAddr:   conn.RemoteAddr().String(),
	}
}

func (p *peer) Ping() error {
	deadline := time.Now().Add(p.writeTimeout)
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	if err := p.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
		return errors.Mark(errors.Wrap(err, "ping"), session.ErrSendFailed)
	}
	return nil
}

func (p *peer) Notify(payload []byte) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	if err := p.conn.SetWriteDeadline(time.Now().Add(p.writeTimeout)); err != nil {
		return errors.Mark(errors.Wrap(err, "set write deadline"), session.ErrSendFailed)
	}
	if err := p.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return errors.Mark(errors.Wrap(err, "write message"), session.ErrSendFailed)
	}
	return nil
}

// closeWith sends a close frame and then closes the connection.
func (p *peer) closeWith(code int, reason string) error {
	deadline := time.Now().Add(p.writeTimeout)
	p.writeMu.Lock()
	err := p.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
	p.writeMu.Unlock()
	if termErr := p.Terminate(); err == nil {
		err = termErr
	}
	if err != nil {
		return errors.Mark(err, session.ErrSendFailed)
	}
	return nil
}

// Terminate closes the network connection without a closing handshake.
// Pending reads on the connection return an error.
func (p *peer) Terminate() error {
	var err error
	p.terminateOnce.Do(func() {
		err = p.conn.Close()
	})
	return err
}

func (p *peer) RemoteAddr() string { return p.remoteAddr }
