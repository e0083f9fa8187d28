package view

import (
	"context"
	"sync"

	"github.com/debatehub/session-chat/internal/v1/chat"
)

// eventQueue decouples state listeners from the host. push never blocks, so
// it is safe to call while the channel manager holds its lock.
type eventQueue struct {
	mu     sync.Mutex
	items  []chat.Event
	notify chan struct{}
}

func newEventQueue() *eventQueue {
	return &eventQueue{notify: make(chan struct{}, 1)}
}

func (q *eventQueue) push(ev chat.Event) {
	q.mu.Lock()
	q.items = append(q.items, ev)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// wait blocks until events are queued and returns them in push order.
func (q *eventQueue) wait(ctx context.Context) ([]chat.Event, bool) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			batch := q.items
			q.items = nil
			q.mu.Unlock()
			return batch, true
		}
		q.mu.Unlock()

		select {
		case <-q.notify:
		case <-ctx.Done():
			return nil, false
		}
	}
}
