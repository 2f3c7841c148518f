package session

import (
	"sync"
	"time"

	"github.com/ConstantineB6/femtanyl.systems/pkg/model"
)

// Event is one observed state transition.
type Event struct {
	Time    time.Time
	Session model.SessionID
	From    State
	To      State
}

// Notifier fans transition events out to subscriber channels. Delivery is
// best-effort: a slow subscriber loses events rather than stalling the
// session that produced them.
type Notifier struct {
	mu   sync.RWMutex
	subs []chan Event
}

func NewNotifier() *Notifier {
	return &Notifier{}
}

// Subscribe returns a buffered channel of transition events.
func (n *Notifier) Subscribe(buf int) <-chan Event {
	if buf < 1 {
		buf = 64
	}
	ch := make(chan Event, buf)
	n.mu.Lock()
	n.subs = append(n.subs, ch)
	n.mu.Unlock()
	return ch
}

// Hook adapts the notifier to the session Hook signature.
func (n *Notifier) Hook() Hook {
	return func(id model.SessionID, from, to State, at time.Time) {
		ev := Event{Time: at, Session: id, From: from, To: to}
		n.mu.RLock()
		for _, ch := range n.subs {
			select {
			case ch <- ev:
			default: // drop if subscriber is slow
			}
		}
		n.mu.RUnlock()
	}
}
