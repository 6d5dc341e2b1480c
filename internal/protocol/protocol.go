// Package protocol defines the liveness wire messages shared by the server
// and the reference client.
package protocol

import (
	"github.com/bytedance/sonic"
)

type MessageType string

const (
	MsgForceLogout MessageType = "forceLogout"
)

// AliveToken is the application-level liveness signal a peer may send
// instead of (or in addition to) answering transport pings. Matching is
// exact and case-sensitive.
const AliveToken = "alive"

// SessionIDParam is the query parameter carrying the session id on both the
// visit endpoint and the connection URL.
const SessionIDParam = "id"

// Close reasons sent to peers.
const (
	ReasonMissingID    = "Missing ID"
	ReasonUnresponsive = "Unresponsive"
)

// Message is the envelope for server-initiated notifications.
type Message struct {
	Type   MessageType `json:"type"`
	Reason string      `json:"reason,omitempty"`
}

// ForceLogout builds the notification sent before an unresponsive
// connection is terminated.
func ForceLogout(reason string) Message {
	return Message{Type: MsgForceLogout, Reason: reason}
}

func Encode(m Message) ([]byte, error) {
	return sonic.Marshal(m)
}

func Decode(data []byte) (Message, error) {
	var m Message
	err := sonic.Unmarshal(data, &m)
	return m, err
}

// IsAlive reports whether payload is the liveness token.
func IsAlive(payload []byte) bool {
	return string(payload) == AliveToken
}
