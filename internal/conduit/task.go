package conduit

import (
	"context"
	"sync"

	"github.com/seantiz/forge/internal/blackboard"
	"github.com/seantiz/forge/internal/sample"
)

// task is the conduit-side state of one started sample.
type task struct {
	job    Job
	body   sample.Body
	slot   int
	ctx    context.Context
	cancel context.CancelFunc
	resume chan *blackboard.Blackboard

	cancelOnce sync.Once
	claimOnce  sync.Once
	done       chan struct{}
}

func newTask(ctx context.Context, job Job, slot int) *task {
	tctx, cancel := context.WithCancel(ctx)
	return &task{
		job:    job,
		slot:   slot,
		ctx:    tctx,
		cancel: cancel,
		resume: make(chan *blackboard.Blackboard, 1),
		done:   make(chan struct{}),
	}
}

// claim returns true exactly once, for whoever reports the task finished:
// the body returning or a forced reclaim.
func (t *task) claim() bool {
	claimed := false
	t.claimOnce.Do(func() {
		claimed = true
		close(t.done)
	})
	return claimed
}

// event returns an event addressed from t.
func (t *task) event(kind EventKind) Event {
	return Event{Kind: kind, RunID: t.job.RunID, SampleID: t.job.SampleID, Slot: t.slot}
}

// taskSet indexes in-flight tasks by sample id.
type taskSet struct {
	mu   sync.Mutex
	byID map[int]*task
}

func newTaskSet() *taskSet {
	return &taskSet{byID: make(map[int]*task)}
}

func (s *taskSet) add(t *task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byID[t.job.SampleID] = t
}

func (s *taskSet) get(id int) (*task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.byID[id]
	return t, ok
}

// remove drops t if it is still the task registered under its id.
func (s *taskSet) remove(t *task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.byID[t.job.SampleID] == t {
		delete(s.byID, t.job.SampleID)
	}
}

func (s *taskSet) all() []*task {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*task, 0, len(s.byID))
	for _, t := range s.byID {
		out = append(out, t)
	}
	return out
}
