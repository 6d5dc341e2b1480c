package session

import "time"

// EventType classifies liveness events.
type EventType int

const (
	EventVisit        EventType = iota // page load recorded
	EventConnected                     // live connection registered
	EventReplaced                      // older connection displaced by a newer one for the same id
	EventDisconnected                  // peer closed or read failed
	EventNeverLive                     // page loaded but no connection before expiry
	EventForcedLogout                  // sweep terminated an unresponsive connection
	EventRejected                      // handshake without a session id
)

var eventNames = map[EventType]string{
	EventVisit:        "visit",
	EventConnected:    "connected",
	EventReplaced:     "replaced",
	EventDisconnected: "disconnected",
	EventNeverLive:    "never_live",
	EventForcedLogout: "forced_logout",
	EventRejected:     "rejected",
}

func (t EventType) String() string {
	if s, ok := eventNames[t]; ok {
		return s
	}
	return "unknown"
}

// Event is emitted to observers whenever a session changes state.
type Event struct {
	Type      EventType
	SessionID string
	ConnID    string
	Reason    string
	At        time.Time
}

// Observer receives events. Implementations must not block.
type Observer interface {
	Observe(Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Event)

func (f ObserverFunc) Observe(e Event) { f(e) }

// Observers fans one event out to several observers in order.
type Observers []Observer

func (o Observers) Observe(e Event) {
	for _, obs := range o {
		if obs != nil {
			obs.Observe(e)
		}
	}
}

type nopObserver struct{}

func (nopObserver) Observe(Event) {}

// NopObserver discards every event.
var NopObserver Observer = nopObserver{}
