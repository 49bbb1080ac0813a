package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/seantiz/forge/internal/blackboard"
	"github.com/seantiz/forge/internal/conduit"
	"github.com/seantiz/forge/internal/model"
	"github.com/seantiz/forge/internal/sample"
	"github.com/seantiz/forge/internal/scheduler"
	"github.com/seantiz/forge/internal/store"
)

var (
	// ErrRunActive is returned by Submit while another run is in progress.
	ErrRunActive = errors.New("a run is already active on this engine")

	// ErrClosed is returned by Submit after Close.
	ErrClosed = errors.New("engine closed")
)

// Config fixes the conduit variant and resource pool for the lifetime of an
// Engine.
type Config struct {
	Conduit           string
	Capacity          int
	Workers           []string
	Seed              uint64
	DefaultOutcome    model.OutcomePolicy
	ReclaimTimeout    time.Duration
	DialTimeout       time.Duration
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
}

// Batch is one submission: the registered body to run and the samples to run
// it on, in submission order.
type Batch struct {
	Body    string
	Samples []Input
	// Seed overrides the engine seed for this run when non-zero.
	Seed uint64
}

// Input is a sample's id and initial blackboard. A nil board starts empty.
type Input struct {
	ID         int
	Blackboard *blackboard.Blackboard
}

// Responder answers a suspension with the values to resume the sample with.
type Responder func(ctx context.Context, s *Suspension) (*blackboard.Blackboard, error)

// Option configures optional Engine collaborators.
type Option func(*Engine)

// WithStore persists runs and final sample state to s.
func WithStore(s store.Store) Option {
	return func(e *Engine) { e.store = s }
}

// WithObserver registers o to receive lifecycle events.
func WithObserver(o Observer) Option {
	return func(e *Engine) { e.observers = append(e.observers, o) }
}

// Engine owns the resource pool and conduit and executes one run at a time.
type Engine struct {
	cfg       Config
	bodies    *sample.Registry
	conduit   conduit.Conduit
	pool      *scheduler.Pool
	store     store.Store
	observers []Observer
	broker    *EventBroker
	logger    *slog.Logger

	mu     sync.Mutex
	active *Run
	closed bool
}

// New opens the configured conduit and builds the resource pool from its
// resources. The engine is the conduit's event sink.
func New(cfg Config, conduits *conduit.Registry, bodies *sample.Registry, logger *slog.Logger, opts ...Option) (*Engine, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	policy, err := model.ParseOutcomePolicy(string(cfg.DefaultOutcome))
	if err != nil {
		return nil, err
	}
	cfg.DefaultOutcome = policy

	e := &Engine{
		cfg:    cfg,
		bodies: bodies,
		broker: NewEventBroker(),
		logger: logger,
	}
	e.observers = append(e.observers, e.broker)
	for _, opt := range opts {
		opt(e)
	}

	c, err := conduits.Open(cfg.Conduit, conduit.Options{
		Capacity:          cfg.Capacity,
		Workers:           cfg.Workers,
		Bodies:            bodies,
		Sink:              e,
		Logger:            logger,
		ReclaimTimeout:    cfg.ReclaimTimeout,
		DialTimeout:       cfg.DialTimeout,
		HeartbeatInterval: cfg.HeartbeatInterval,
		HeartbeatTimeout:  cfg.HeartbeatTimeout,
	})
	if err != nil {
		return nil, err
	}
	e.conduit = c
	e.pool = scheduler.NewPool(c.Resources())
	e.recordPool()

	logger.Info("engine ready",
		"conduit", cfg.Conduit,
		"capacity", e.pool.Capacity(),
		"default_outcome", policy,
	)
	return e, nil
}

// Post routes a conduit event to the active run. Events for any other run
// are stale and dropped.
func (e *Engine) Post(ev conduit.Event) {
	e.mu.Lock()
	r := e.active
	e.mu.Unlock()

	if r == nil || r.id != ev.RunID {
		e.logger.Debug("dropping stale conduit event",
			"run_id", ev.RunID,
			"sample_id", ev.SampleID,
			"kind", ev.Kind,
		)
		return
	}
	r.mailbox.post(ev)
}

// Broker returns the engine's event broker for SSE subscription.
func (e *Engine) Broker() *EventBroker {
	return e.broker
}

// ConduitName returns the configured conduit variant.
func (e *Engine) ConduitName() string {
	return e.cfg.Conduit
}

// Resources returns a snapshot of the resource pool.
func (e *Engine) Resources() []scheduler.Resource {
	return e.pool.Snapshot()
}

// Active returns the run in progress, or nil.
func (e *Engine) Active() *Run {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.active
}

// Submit validates batch and starts it in the background. Only ctx's
// deadline for persisting the run record is honoured; the run itself lives
// until it finishes or is cancelled.
func (e *Engine) Submit(ctx context.Context, batch Batch) (*Run, error) {
	if _, err := e.bodies.Resolve(batch.Body); err != nil {
		return nil, err
	}
	seen := make(map[int]bool, len(batch.Samples))
	for _, in := range batch.Samples {
		if seen[in.ID] {
			return nil, fmt.Errorf("duplicate sample id %d", in.ID)
		}
		seen[in.ID] = true
	}

	seed := batch.Seed
	if seed == 0 {
		seed = e.cfg.Seed
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, ErrClosed
	}
	if e.active != nil {
		e.mu.Unlock()
		return nil, ErrRunActive
	}
	r := newRun(e, batch, seed)
	e.active = r
	e.mu.Unlock()

	if e.store != nil {
		if err := e.store.CreateRun(ctx, r.record(model.RunRunning, time.Time{})); err != nil {
			r.logger.Error("failed to persist run", "error", err)
		}
	}

	r.logger.Info("run started", "body", batch.Body, "samples", len(batch.Samples), "seed", seed)
	e.notify(Event{Type: EventRunStarted, RunID: r.id, Status: model.RunRunning, Time: r.createdAt})

	go r.loop()
	return r, nil
}

// Run executes batch to completion, answering every suspension with
// responder in the order suspensions surface. If ctx ends or responder fails,
// the run is cancelled and the partial result is returned with the error.
func (e *Engine) Run(ctx context.Context, batch Batch, responder Responder) (*Result, error) {
	r, err := e.Submit(ctx, batch)
	if err != nil {
		return nil, err
	}

	abort := func(cause error) (*Result, error) {
		r.Cancel()
		res, _ := r.Wait(context.Background())
		return res, cause
	}

	for {
		s, ok, err := r.Next(ctx)
		if err != nil {
			return abort(err)
		}
		if !ok {
			break
		}
		values, err := responder(ctx, s)
		if err != nil {
			return abort(fmt.Errorf("respond to sample %d: %w", s.SampleID, err))
		}
		if err := r.Resume(s.Token, values); err != nil {
			// The sample failed or was reclaimed after surfacing.
			r.logger.Debug("suspension no longer resumable", "sample_id", s.SampleID, "error", err)
		}
	}
	return r.Wait(ctx)
}

// Close cancels the active run, waits for it and releases the conduit.
//
// The local and distributed conduits abandon a body that ignores
// cancellation once the reclaim timeout passes. The cooperative conduit
// cannot preempt a body, so with it Close blocks until every body returns;
// a cooperative body must observe cancellation through Update or its
// context.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	r := e.active
	e.mu.Unlock()

	if r != nil {
		r.Cancel()
		<-r.done
	}
	return e.conduit.Close()
}

func (e *Engine) notify(ev Event) {
	for _, o := range e.observers {
		o.Observe(ev)
	}
}

func (e *Engine) recordPool() {
	counts := map[scheduler.State]int{
		scheduler.StateIdle:    0,
		scheduler.StateBusy:    0,
		scheduler.StateRetired: 0,
	}
	for _, res := range e.pool.Snapshot() {
		counts[res.State]++
	}
	for state, n := range counts {
		resourcesGauge.WithLabelValues(string(state)).Set(float64(n))
	}
}
