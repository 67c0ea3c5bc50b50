package peer

import (
	"sync"

	"github.com/wilsonzlin/aero/proxy/webrtc-signal-relay/internal/negotiation"
)

// eventQueue is an unbounded FIFO. Producers (pion callbacks, the channel
// reader) never block; the session loop waits on notify.
type eventQueue struct {
	mu     sync.Mutex
	events []negotiation.Event
	notify chan struct{}
}

func newEventQueue() *eventQueue {
	return &eventQueue{notify: make(chan struct{}, 1)}
}

func (q *eventQueue) push(ev negotiation.Event) {
	q.mu.Lock()
	q.events = append(q.events, ev)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *eventQueue) pop() (negotiation.Event, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.events) == 0 {
		return nil, false
	}
	ev := q.events[0]
	q.events[0] = nil
	q.events = q.events[1:]
	return ev, true
}
