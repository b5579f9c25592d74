package registry

import (
	"sync"

	"github.com/orchestra-mcp/wsharness/src/types"
)

// EventLog is the append-only, ordered log of events attributed to one
// subscription. The message pump is its only writer; readers may poll it
// or wait for the next append.
type EventLog struct {
	mu      sync.Mutex
	events  []types.DeliveredEvent
	changed chan struct{}
}

func newEventLog() *EventLog {
	return &EventLog{changed: make(chan struct{})}
}

func (l *EventLog) append(ev types.DeliveredEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
	close(l.changed)
	l.changed = make(chan struct{})
}

// Len returns the number of events logged so far.
func (l *EventLog) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.events)
}

// Events returns a copy of the log.
func (l *EventLog) Events() []types.DeliveredEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]types.DeliveredEvent(nil), l.events...)
}

// Since returns the events from index i on, plus a channel that is
// closed on the next append.
func (l *EventLog) Since(i int) ([]types.DeliveredEvent, <-chan struct{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if i >= len(l.events) {
		return nil, l.changed
	}
	return append([]types.DeliveredEvent(nil), l.events[i:]...), l.changed
}
