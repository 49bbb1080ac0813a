package engine

import (
	"sync"

	"github.com/seantiz/forge/internal/conduit"
	"github.com/seantiz/forge/internal/scheduler"
)

// mailbox buffers conduit events for the run loop. Posting never blocks, and
// events are drained in the order they were posted.
type mailbox struct {
	mu     sync.Mutex
	events *scheduler.Queue[conduit.Event]
	signal chan struct{}
}

func newMailbox() *mailbox {
	return &mailbox{
		events: scheduler.NewQueue[conduit.Event](),
		signal: make(chan struct{}, 1),
	}
}

func (m *mailbox) post(ev conduit.Event) {
	m.mu.Lock()
	m.events.Push(ev)
	m.mu.Unlock()
	wake(m.signal)
}

func (m *mailbox) drain() []conduit.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]conduit.Event, 0, m.events.Len())
	for {
		ev, ok := m.events.Pop()
		if !ok {
			return out
		}
		out = append(out, ev)
	}
}

// wake sends a coalescing signal on a buffered channel of capacity one.
func wake(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
