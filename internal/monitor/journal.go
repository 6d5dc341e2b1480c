package monitor

import (
	"sync"

	"github.com/eapache/queue"

	"github.com/codehome01/exam-monitor-server/internal/session"
)

const defaultJournalSize = 50

// Journal keeps the most recent liveness events for the status page.
type Journal struct {
	mu       sync.Mutex
	events   *queue.Queue
	capacity int
	total    int
}

var _ session.Observer = (*Journal)(nil)

func NewJournal(capacity int) *Journal {
	if capacity <= 0 {
		capacity = defaultJournalSize
	}
	return &Journal{
		events:   queue.New(),
		capacity: capacity,
	}
}

func (j *Journal) Observe(e session.Event) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.events.Add(e)
	j.total++
	for j.events.Length() > j.capacity {
		j.events.Remove()
	}
}

// Recent returns the retained events, newest first.
func (j *Journal) Recent() []session.Event {
	j.mu.Lock()
	defer j.mu.Unlock()
	n := j.events.Length()
	out := make([]session.Event, 0, n)
	for i := n - 1; i >= 0; i-- {
		out = append(out, j.events.Get(i).(session.Event))
	}
	return out
}

// Total is the number of events observed since start, including dropped ones.
func (j *Journal) Total() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.total
}
