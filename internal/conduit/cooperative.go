package conduit

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/seantiz/forge/internal/blackboard"
	"github.com/seantiz/forge/internal/model"
	"github.com/seantiz/forge/internal/sample"
)

// Cooperative runs bodies as coroutines on the caller's address space. Each
// body has its own goroutine, but a body only executes while holding turn,
// so at most one body step runs at a time. A step is everything a body does
// between two suspension points. The engine's board is shared with the body.
type Cooperative struct {
	opts   Options
	logger *slog.Logger
	turn   sync.Mutex
	tasks  *taskSet
	wg     sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

// NewCooperative creates a cooperative conduit with opts.Capacity slots.
func NewCooperative(opts Options) (Conduit, error) {
	if opts.Capacity < 1 {
		return nil, fmt.Errorf("capacity must be at least 1, got %d", opts.Capacity)
	}
	return &Cooperative{
		opts:   opts,
		logger: opts.logger().With("conduit", NameCooperative),
		tasks:  newTaskSet(),
	}, nil
}

// Resources names one coroutine slot per unit of capacity.
func (c *Cooperative) Resources() []string {
	return slotNames("coroutine", c.opts.Capacity)
}

// Start launches the body as a coroutine. It first runs once the current
// step of any other body has yielded.
func (c *Cooperative) Start(ctx context.Context, job Job, slot int) error {
	body, err := c.opts.Bodies.Resolve(job.Body)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}

	t := newTask(ctx, job, slot)
	t.body = body
	c.tasks.add(t)
	activeBodies.WithLabelValues(NameCooperative).Inc()

	c.wg.Go(func() {
		defer activeBodies.WithLabelValues(NameCooperative).Dec()

		c.turn.Lock()
		s := sample.New(t.ctx, job.SampleID, job.Blackboard, job.Seed, &coopLink{c: c, t: t})
		status, err := sample.Execute(t.body, s, job.Policy)
		c.tasks.remove(t)
		c.turn.Unlock()
		t.cancel()

		if t.claim() {
			ev := t.event(EventFinished)
			ev.Status = status
			ev.Err = err
			c.opts.Sink.Post(ev)
		}
	})
	return nil
}

// Deliver wakes a suspended coroutine. The values have already been written
// to the shared board by the engine, so they are not copied here.
func (c *Cooperative) Deliver(sampleID int, _ *blackboard.Blackboard) error {
	t, ok := c.tasks.get(sampleID)
	if !ok {
		return fmt.Errorf("sample %d is not running on this conduit", sampleID)
	}
	select {
	case t.resume <- nil:
		return nil
	default:
		return fmt.Errorf("sample %d already has a pending resume", sampleID)
	}
}

// Cancel signals the body. A cooperative body cannot be preempted, so it is
// reclaimed once it returns.
func (c *Cooperative) Cancel(sampleID int) {
	if t, ok := c.tasks.get(sampleID); ok {
		t.cancelOnce.Do(t.cancel)
	}
}

// Close cancels every body and waits for all of them to return.
func (c *Cooperative) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	for _, t := range c.tasks.all() {
		t.cancelOnce.Do(t.cancel)
	}
	c.wg.Wait()
	return nil
}

type coopLink struct {
	c *Cooperative
	t *task
}

// Suspend reports the suspension, yields the turn and waits to be resumed.
// The turn is reacquired before returning even when cancelled, since the
// body keeps running until it returns.
func (l *coopLink) Suspend(ctx context.Context, keys []string, _ *blackboard.Blackboard) (*blackboard.Blackboard, error) {
	ev := l.t.event(EventSuspended)
	ev.Keys = keys
	l.c.opts.Sink.Post(ev)

	l.c.turn.Unlock()
	defer l.c.turn.Lock()

	select {
	case <-l.t.resume:
		return nil, nil
	case <-ctx.Done():
		return nil, model.ErrCancelled
	}
}

func slotNames(prefix string, n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("%s-%d", prefix, i)
	}
	return out
}
