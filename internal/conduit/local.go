package conduit

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/seantiz/forge/internal/blackboard"
	"github.com/seantiz/forge/internal/model"
	"github.com/seantiz/forge/internal/sample"
)

// Local runs each body on a dedicated worker goroutine per slot, with true
// parallelism between slots. The body works on a private copy of the board;
// copies cross the boundary at start, suspend, resume and finish.
type Local struct {
	opts   Options
	logger *slog.Logger
	tasks  *taskSet
	wg     sync.WaitGroup

	mu     sync.Mutex
	slots  []chan *task
	closed bool
}

// NewLocal creates a local conduit and starts one worker per slot.
func NewLocal(opts Options) (Conduit, error) {
	if opts.Capacity < 1 {
		return nil, fmt.Errorf("capacity must be at least 1, got %d", opts.Capacity)
	}
	l := &Local{
		opts:   opts,
		logger: opts.logger().With("conduit", NameLocal),
		tasks:  newTaskSet(),
		slots:  make([]chan *task, opts.Capacity),
	}
	for i := range l.slots {
		l.spawn(i)
	}
	return l, nil
}

// spawn starts a fresh worker for slot i. Callers hold l.mu or own l.
// A worker replaced by reclaim is not waited for beyond the reclaim timeout.
func (l *Local) spawn(i int) {
	jobs := make(chan *task, 1)
	l.slots[i] = jobs
	l.wg.Go(func() {
		for t := range jobs {
			l.run(t)
		}
	})
}

// Resources names one worker slot per unit of capacity.
func (l *Local) Resources() []string {
	return slotNames("worker", l.opts.Capacity)
}

// Start hands job to the worker of slot.
func (l *Local) Start(ctx context.Context, job Job, slot int) error {
	body, err := l.opts.Bodies.Resolve(job.Body)
	if err != nil {
		return err
	}
	if slot < 0 || slot >= len(l.slots) {
		return fmt.Errorf("slot %d out of range", slot)
	}
	job.Blackboard = job.Blackboard.Clone()
	t := newTask(ctx, job, slot)
	t.body = body

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}
	select {
	case l.slots[slot] <- t:
	default:
		return fmt.Errorf("slot %d is busy", slot)
	}
	l.tasks.add(t)
	return nil
}

func (l *Local) run(t *task) {
	activeBodies.WithLabelValues(NameLocal).Inc()
	defer activeBodies.WithLabelValues(NameLocal).Dec()

	bb := t.job.Blackboard
	s := sample.New(t.ctx, t.job.SampleID, bb, t.job.Seed, &localLink{l: l, t: t})
	status, err := sample.Execute(t.body, s, t.job.Policy)
	l.tasks.remove(t)
	t.cancel()

	if t.claim() {
		ev := t.event(EventFinished)
		ev.Blackboard = bb.Clone()
		ev.Status = status
		ev.Err = err
		l.opts.Sink.Post(ev)
	}
}

// Deliver sends a copy of values to the suspended body.
func (l *Local) Deliver(sampleID int, values *blackboard.Blackboard) error {
	t, ok := l.tasks.get(sampleID)
	if !ok {
		return fmt.Errorf("sample %d is not running on this conduit", sampleID)
	}
	select {
	case t.resume <- values.Clone():
		return nil
	default:
		return fmt.Errorf("sample %d already has a pending resume", sampleID)
	}
}

// Cancel signals the body and arms the forced reclaim.
func (l *Local) Cancel(sampleID int) {
	t, ok := l.tasks.get(sampleID)
	if !ok {
		return
	}
	t.cancelOnce.Do(func() {
		t.cancel()
		if l.opts.ReclaimTimeout > 0 {
			time.AfterFunc(l.opts.ReclaimTimeout, func() { l.reclaim(t) })
		}
	})
}

// reclaim abandons a body that ignored cancellation. Its slot gets a fresh
// worker before the Finished event is posted, so the engine can reuse the
// slot immediately. The stale worker exits once the body finally returns.
func (l *Local) reclaim(t *task) {
	l.mu.Lock()
	claimed := t.claim()
	if claimed && !l.closed {
		close(l.slots[t.slot])
		l.spawn(t.slot)
	}
	l.mu.Unlock()
	if !claimed {
		return
	}

	l.tasks.remove(t)
	forcedReclaims.WithLabelValues(NameLocal).Inc()
	l.logger.Warn("body ignored cancellation, slot reclaimed",
		"run_id", t.job.RunID,
		"sample_id", t.job.SampleID,
		"resource", t.slot,
		"timeout", l.opts.ReclaimTimeout,
	)

	ev := t.event(EventFinished)
	ev.Status = model.StatusFailed
	ev.Err = model.ErrCancelled
	l.opts.Sink.Post(ev)
}

// Close cancels every body, stops the workers and waits for them to exit,
// giving stuck bodies at most the reclaim timeout.
func (l *Local) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	for _, jobs := range l.slots {
		close(jobs)
	}
	l.mu.Unlock()

	for _, t := range l.tasks.all() {
		t.cancelOnce.Do(t.cancel)
	}

	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()
	wait := l.opts.ReclaimTimeout
	if wait <= 0 {
		<-done
		return nil
	}
	select {
	case <-done:
	case <-time.After(wait):
		l.logger.Warn("closing with bodies still running")
	}
	return nil
}

type localLink struct {
	l *Local
	t *task
}

// Suspend posts a copy of the board and blocks until Deliver or cancellation.
func (k *localLink) Suspend(ctx context.Context, keys []string, bb *blackboard.Blackboard) (*blackboard.Blackboard, error) {
	ev := k.t.event(EventSuspended)
	ev.Keys = keys
	ev.Blackboard = bb.Clone()
	k.l.opts.Sink.Post(ev)

	select {
	case vals := <-k.t.resume:
		return vals, nil
	case <-ctx.Done():
		return nil, model.ErrCancelled
	}
}
