// Package eventbus carries lightweight in-memory signals between components
// (dispatch outcomes, alert transitions, webhook activity) without coupling
// them to each other.
package eventbus

import (
	"sync"
	"time"
)

// Well-known event types published by the gateway.
const (
	TypeAlertTriggered   = "alert.triggered"
	TypeAlertResolved    = "alert.resolved"
	TypeDispatchAccepted = "dispatch.accepted"
	TypeDispatchRejected = "dispatch.rejected"
	TypeDispatchFailed   = "dispatch.failed"
	TypeWebhookEvent     = "webhook.event"
)

// Event is a small, ideally JSON-serializable signal. Publish never blocks;
// a subscriber whose buffer is full misses the event.
type Event struct {
	Type string
	Time time.Time
	Data any
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns an in-memory fanout bus with no background goroutines.
func New() Bus {
	return &fanout{subs: make(map[*subscriber]struct{})}
}

type subscriber struct {
	ch     chan Event
	closed bool
}

type fanout struct {
	mu   sync.Mutex
	subs map[*subscriber]struct{}
}

// Publish delivers e to every live subscriber without blocking. Sends happen
// under the bus lock, which is what makes closing in unsubscribe safe.
func (b *fanout) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for s := range b.subs {
		if s.closed {
			continue
		}
		select {
		case s.ch <- e:
		default:
		}
	}
}

func (b *fanout) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	s := &subscriber{ch: make(chan Event, buffer)}

	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()

	unsub := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if s.closed {
			return
		}
		s.closed = true
		delete(b.subs, s)
		close(s.ch)
	}
	return s.ch, unsub
}
