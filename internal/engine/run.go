package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/seantiz/forge/internal/blackboard"
	"github.com/seantiz/forge/internal/conduit"
	"github.com/seantiz/forge/internal/model"
	"github.com/seantiz/forge/internal/sample"
	"github.com/seantiz/forge/internal/scheduler"
)

// errNoResources fails queued samples once every resource has been retired.
var errNoResources = errors.New("no live resources left in the pool")

// Suspension is a sample waiting for external input. Blackboard is a copy of
// the sample's board at the suspension point; Keys are the entries the body
// asked for. Seq counts the sample's suspensions from 1.
type Suspension struct {
	Token      string                 `json:"token"`
	SampleID   int                    `json:"sample_id"`
	Keys       []string               `json:"keys"`
	Blackboard *blackboard.Blackboard `json:"blackboard"`
	Seq        int                    `json:"seq"`
}

type sampleState struct {
	index        int
	id           int
	status       model.Status
	bb           *blackboard.Blackboard
	resource     int
	lastResource int
	token        string
	seq          int
	err          error
	startedAt    time.Time
	finishedAt   time.Time
}

// Run is one batch in flight. Its loop goroutine is the only writer of the
// pool and the admission queue; sample state is shared with callers of
// Resume, Cancel and Snapshot under mu.
type Run struct {
	e         *Engine
	id        string
	body      string
	seed      uint64
	policy    model.OutcomePolicy
	createdAt time.Time
	logger    *slog.Logger

	ctx     context.Context
	cancel  context.CancelFunc
	mailbox *mailbox
	sched   *scheduler.Scheduler
	samples []*sampleState
	byID    map[int]*sampleState

	mu            sync.Mutex
	pending       *scheduler.Queue[*Suspension]
	tokens        map[string]*sampleState
	pendingSignal chan struct{}
	remaining     int
	suspensions   int
	cancelled     bool
	finished      bool
	result        *Result

	cancelOnce sync.Once
	cancelCh   chan struct{}
	done       chan struct{}
}

func newRun(e *Engine, batch Batch, seed uint64) *Run {
	ctx, cancel := context.WithCancel(context.Background())
	id := model.NewID()
	r := &Run{
		e:             e,
		id:            id,
		body:          batch.Body,
		seed:          seed,
		policy:        e.cfg.DefaultOutcome,
		createdAt:     time.Now().UTC(),
		logger:        e.logger.With("run_id", id),
		ctx:           ctx,
		cancel:        cancel,
		mailbox:       newMailbox(),
		sched:         scheduler.New(e.pool),
		samples:       make([]*sampleState, len(batch.Samples)),
		byID:          make(map[int]*sampleState, len(batch.Samples)),
		pending:       scheduler.NewQueue[*Suspension](),
		tokens:        make(map[string]*sampleState),
		pendingSignal: make(chan struct{}, 1),
		remaining:     len(batch.Samples),
		cancelCh:      make(chan struct{}),
		done:          make(chan struct{}),
	}
	for i, in := range batch.Samples {
		bb := in.Blackboard.Clone()
		bb.Set(sample.KeySampleID, blackboard.Scalar(float64(in.ID)))
		s := &sampleState{
			index:        i,
			id:           in.ID,
			status:       model.StatusQueued,
			bb:           bb,
			resource:     -1,
			lastResource: -1,
		}
		r.samples[i] = s
		r.byID[in.ID] = s
	}
	return r
}

// ID returns the run id.
func (r *Run) ID() string { return r.id }

// Done is closed once every sample is Finished or Failed.
func (r *Run) Done() <-chan struct{} { return r.done }

func (r *Run) loop() {
	for _, s := range r.samples {
		r.sched.Enqueue(scheduler.Ticket{Index: s.index, SampleID: s.id})
	}

	cancelCh := r.cancelCh
	for {
		r.admit()
		r.e.recordPool()
		if r.left() == 0 {
			break
		}
		select {
		case <-r.mailbox.signal:
			for _, ev := range r.mailbox.drain() {
				r.handle(ev)
			}
		case <-cancelCh:
			r.handleCancel()
			cancelCh = nil
		}
	}
	r.finalize()
}

func (r *Run) left() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.remaining
}

func (r *Run) isCancelled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cancelled
}

// admit starts queued samples on idle resources in submission order.
func (r *Run) admit() {
	if r.isCancelled() {
		return
	}
	for {
		a, ok := r.sched.Next()
		if !ok {
			break
		}
		r.start(a)
	}
	if r.sched.Starved() {
		for _, t := range r.sched.Drain() {
			r.fail(r.samples[t.Index], &model.WorkerUnavailableError{Resource: -1, Addr: "pool", Err: errNoResources})
		}
	}
}

func (r *Run) start(a scheduler.Assignment) {
	s := r.samples[a.Index]

	r.mu.Lock()
	s.status = model.StatusRunning
	s.resource = a.Resource
	s.lastResource = a.Resource
	s.startedAt = time.Now()
	job := conduit.Job{
		RunID:      r.id,
		SampleID:   s.id,
		Body:       r.body,
		Blackboard: s.bb,
		Seed:       r.seed,
		Policy:     r.policy,
	}
	r.mu.Unlock()

	res := a.Resource
	r.e.notify(Event{Type: EventSampleStarted, RunID: r.id, SampleID: &s.id, Resource: &res, Status: string(model.StatusRunning), Time: time.Now().UTC()})

	if err := r.e.conduit.Start(r.ctx, job, a.Resource); err != nil {
		r.logger.Error("failed to start sample", "sample_id", s.id, "resource", a.Resource, "error", err)
		r.finish(conduit.Event{
			Kind:     conduit.EventFinished,
			RunID:    r.id,
			SampleID: s.id,
			Slot:     a.Resource,
			Status:   model.StatusFailed,
			Err:      sample.Classify(s.id, err),
		})
	}
}

func (r *Run) handle(ev conduit.Event) {
	switch ev.Kind {
	case conduit.EventSuspended:
		r.suspend(ev)
	case conduit.EventFinished:
		r.finish(ev)
	default:
		r.logger.Warn("unknown conduit event", "kind", ev.Kind, "sample_id", ev.SampleID)
	}
}

func (r *Run) suspend(ev conduit.Event) {
	s, ok := r.byID[ev.SampleID]
	if !ok {
		return
	}

	r.mu.Lock()
	if s.status != model.StatusRunning {
		r.mu.Unlock()
		return
	}
	if ev.Blackboard != nil {
		s.bb = ev.Blackboard
	}
	if r.cancelled {
		// The body is being cancelled and will not be resumed.
		r.mu.Unlock()
		return
	}
	s.status = model.StatusWaiting
	s.seq++
	r.suspensions++
	s.token = model.NewToken()
	r.tokens[s.token] = s
	susp := &Suspension{
		Token:      s.token,
		SampleID:   s.id,
		Keys:       slices.Clone(ev.Keys),
		Blackboard: s.bb.Clone(),
		Seq:        s.seq,
	}
	r.pending.Push(susp)
	r.mu.Unlock()
	wake(r.pendingSignal)

	suspensionsTotal.Inc()
	r.logger.Debug("sample suspended", "sample_id", s.id, "keys", susp.Keys, "seq", susp.Seq)
	res := s.lastResource
	r.e.notify(Event{
		Type:     EventSampleSuspended,
		RunID:    r.id,
		SampleID: &s.id,
		Resource: &res,
		Status:   string(model.StatusWaiting),
		Keys:     susp.Keys,
		Seq:      susp.Seq,
		Time:     time.Now().UTC(),
	})
}

func (r *Run) finish(ev conduit.Event) {
	s, ok := r.byID[ev.SampleID]
	if !ok {
		return
	}

	r.mu.Lock()
	if !s.status.Active() {
		r.mu.Unlock()
		return
	}
	if ev.Blackboard != nil {
		s.bb = ev.Blackboard
	}
	status := ev.Status
	if status != model.StatusFinished {
		status = model.StatusFailed
	}
	r.settle(s, status, ev.Err)
	resource := s.resource
	s.resource = -1
	r.mu.Unlock()

	if ev.Retire {
		r.e.pool.Retire(resource)
		r.logger.Warn("resource retired", "resource", resource, "sample_id", s.id, "error", ev.Err)
	} else if err := r.e.pool.Release(resource); err != nil {
		r.logger.Error("failed to release resource", "resource", resource, "error", err)
	}
	r.report(s)
}

// fail settles a sample that never started.
func (r *Run) fail(s *sampleState, err error) {
	r.mu.Lock()
	r.settle(s, model.StatusFailed, err)
	r.mu.Unlock()
	r.report(s)
}

// settle moves s to a terminal status. Callers hold mu.
func (r *Run) settle(s *sampleState, status model.Status, err error) {
	if s.token != "" {
		delete(r.tokens, s.token)
		s.token = ""
	}
	s.status = status
	s.finishedAt = time.Now()
	if status == model.StatusFailed {
		if err == nil {
			err = errors.New("sample failed without a reported error")
		}
		s.err = err
		if !s.bb.Has(sample.KeyError) {
			var rerr *model.BodyRuntimeError
			if errors.As(err, &rerr) {
				sample.RecordError(s.bb, rerr.Type, rerr.Err)
			} else {
				sample.RecordError(s.bb, sample.ErrorType(err), err)
			}
		}
	}
	r.remaining--
}

func (r *Run) report(s *sampleState) {
	r.mu.Lock()
	status, err, res := s.status, s.err, s.lastResource
	var dur time.Duration
	if !s.startedAt.IsZero() {
		dur = s.finishedAt.Sub(s.startedAt)
	}
	r.mu.Unlock()

	samplesTotal.WithLabelValues(string(status)).Inc()
	if dur > 0 {
		sampleDuration.Observe(dur.Seconds())
	}

	ev := Event{Type: EventSampleFinished, RunID: r.id, SampleID: &s.id, Status: string(status), Time: time.Now().UTC()}
	if res >= 0 {
		ev.Resource = &res
	}
	if err != nil {
		ev.Error = err.Error()
		r.logger.Info("sample failed", "sample_id", s.id, "resource", res, "error", err)
	} else {
		r.logger.Debug("sample finished", "sample_id", s.id, "resource", res, "duration", dur)
	}
	r.e.notify(ev)
}

// handleCancel fails every queued sample and signals every active one. A
// waiting sample is handed back to its body, which observes the cancellation.
func (r *Run) handleCancel() {
	for _, t := range r.sched.Drain() {
		r.fail(r.samples[t.Index], model.ErrCancelled)
	}

	var active []int
	r.mu.Lock()
	for _, s := range r.samples {
		if !s.status.Active() {
			continue
		}
		s.status = model.StatusRunning
		active = append(active, s.id)
	}
	r.mu.Unlock()

	for _, id := range active {
		r.e.conduit.Cancel(id)
	}
}

// Next returns the oldest unanswered suspension. It blocks until one
// surfaces, the run finishes (ok is false) or ctx ends. Next is meant for a
// single consumer.
func (r *Run) Next(ctx context.Context) (*Suspension, bool, error) {
	for {
		r.mu.Lock()
		for {
			s, ok := r.pending.Pop()
			if !ok {
				break
			}
			if _, live := r.tokens[s.Token]; live {
				r.mu.Unlock()
				return s, true, nil
			}
		}
		finished := r.finished
		r.mu.Unlock()

		if finished {
			return nil, false, nil
		}
		select {
		case <-r.pendingSignal:
		case <-r.done:
		case <-ctx.Done():
			return nil, false, ctx.Err()
		}
	}
}

// Resume answers the suspension identified by token. values are merged into
// the sample's board before the body continues. An unknown or spent token,
// or a sample that is not waiting, yields InvalidResumeError and changes
// nothing.
func (r *Run) Resume(token string, values *blackboard.Blackboard) error {
	r.mu.Lock()
	s, ok := r.tokens[token]
	var err error
	switch {
	case r.finished:
		err = &model.InvalidResumeError{Token: token, SampleID: -1, Reason: "run has finished"}
	case r.cancelled:
		err = &model.InvalidResumeError{Token: token, SampleID: -1, Reason: "run was cancelled"}
	case !ok:
		err = &model.InvalidResumeError{Token: token, SampleID: -1, Reason: "unknown or already used token"}
	case s.status != model.StatusWaiting:
		err = &model.InvalidResumeError{Token: token, SampleID: s.id, Reason: fmt.Sprintf("sample is %s", s.status)}
	}
	if err != nil {
		r.mu.Unlock()
		invalidResumes.Inc()
		return err
	}

	delete(r.tokens, token)
	s.token = ""
	s.bb.Merge(values)
	s.status = model.StatusRunning
	res := s.resource
	r.mu.Unlock()

	r.e.notify(Event{Type: EventSampleResumed, RunID: r.id, SampleID: &s.id, Resource: &res, Status: string(model.StatusRunning), Time: time.Now().UTC()})
	if err := r.e.conduit.Deliver(s.id, values); err != nil {
		// A lost delivery surfaces as a Finished event from the conduit.
		r.logger.Warn("failed to deliver resume", "sample_id", s.id, "resource", res, "error", err)
	}
	return nil
}

// Cancel stops the run: queued samples fail with ErrCancelled and active ones
// are signalled. Outstanding suspensions are invalidated. Cancelling twice, or
// after the run finished, does nothing.
func (r *Run) Cancel() {
	r.mu.Lock()
	if r.finished || r.cancelled {
		r.mu.Unlock()
		return
	}
	r.cancelled = true
	for tok, s := range r.tokens {
		s.token = ""
		delete(r.tokens, tok)
	}
	r.mu.Unlock()

	r.cancelOnce.Do(func() { close(r.cancelCh) })
	wake(r.pendingSignal)
	r.logger.Info("run cancelled")
}

// Wait blocks until the run finishes or ctx ends.
func (r *Run) Wait(ctx context.Context) (*Result, error) {
	select {
	case <-r.done:
		r.mu.Lock()
		defer r.mu.Unlock()
		return r.result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (r *Run) finalize() {
	now := time.Now().UTC()

	r.mu.Lock()
	r.finished = true
	res := r.buildResult(now)
	r.result = res
	r.mu.Unlock()

	status := model.RunFinished
	if res.Cancelled {
		status = model.RunCancelled
	}

	r.e.mu.Lock()
	if r.e.active == r {
		r.e.active = nil
	}
	r.e.mu.Unlock()

	if st := r.e.store; st != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := st.FinishRun(ctx, r.record(status, now)); err != nil {
			r.logger.Error("failed to persist run result", "error", err)
		}
		if err := st.InsertSamples(ctx, r.sampleRecords(res)); err != nil {
			r.logger.Error("failed to persist samples", "error", err)
		}
		cancel()
	}

	runsTotal.WithLabelValues(status).Inc()
	r.logger.Info("run finished",
		"status", status,
		"samples", len(res.Samples),
		"failed", len(res.Failed()),
		"suspensions", res.Suspensions(),
		"duration", res.FinishedAt.Sub(res.StartedAt),
	)
	r.e.notify(Event{Type: EventRunFinished, RunID: r.id, Status: status, Time: now})
	r.e.broker.Close(r.id)

	close(r.done)
	r.cancel()
}

// buildResult collects final sample state. Callers hold mu.
func (r *Run) buildResult(now time.Time) *Result {
	res := &Result{
		RunID:      r.id,
		Body:       r.body,
		Samples:    make([]SampleResult, len(r.samples)),
		Cancelled:  r.cancelled,
		StartedAt:  r.createdAt,
		FinishedAt: now,
	}
	for i, s := range r.samples {
		sr := SampleResult{
			ID:          s.id,
			Status:      s.status,
			Blackboard:  s.bb,
			Err:         s.err,
			Resource:    s.lastResource,
			Suspensions: s.seq,
		}
		if !s.startedAt.IsZero() {
			sr.Duration = s.finishedAt.Sub(s.startedAt)
		}
		res.Samples[i] = sr
	}
	return res
}

func (r *Run) record(status string, finishedAt time.Time) *model.Run {
	run := &model.Run{
		ID:        r.id,
		Body:      r.body,
		Conduit:   r.e.cfg.Conduit,
		Status:    status,
		Seed:      r.seed,
		Samples:   len(r.samples),
		CreatedAt: r.createdAt,
	}
	if r.result != nil {
		run.Failed = len(r.result.Failed())
		run.Suspensions = r.result.Suspensions()
	}
	if !finishedAt.IsZero() {
		run.FinishedAt = &finishedAt
	}
	return run
}

func (r *Run) sampleRecords(res *Result) []model.SampleRecord {
	out := make([]model.SampleRecord, 0, len(res.Samples))
	for i, sr := range res.Samples {
		rec := model.SampleRecord{
			RunID:       r.id,
			SampleID:    sr.ID,
			Status:      sr.Status,
			Resource:    sr.Resource,
			Suspensions: sr.Suspensions,
		}
		if sr.Err != nil {
			rec.ErrorType = sample.ErrorType(sr.Err)
			rec.Error = sr.Err.Error()
		}
		data, err := blackboard.Encode(sr.Blackboard)
		if err != nil {
			r.logger.Error("failed to encode final blackboard", "sample_id", sr.ID, "error", err)
		}
		rec.Blackboard = data

		st := r.samples[i]
		if !st.startedAt.IsZero() {
			started := st.startedAt.UTC()
			ms := int(sr.Duration.Milliseconds())
			rec.StartedAt = &started
			rec.DurationMS = &ms
		}
		finished := st.finishedAt.UTC()
		rec.FinishedAt = &finished
		out = append(out, rec)
	}
	return out
}

// RunView is a point-in-time view of a run for status reporting.
type RunView struct {
	ID          string       `json:"id"`
	Body        string       `json:"body"`
	Status      string       `json:"status"`
	Seed        uint64       `json:"seed"`
	Queued      int          `json:"queued"`
	Pending     int          `json:"pending_suspensions"`
	Suspensions int          `json:"suspensions"`
	Samples     []SampleView `json:"samples"`
	CreatedAt   time.Time    `json:"created_at"`
}

// SampleView is the status of one sample within a RunView.
type SampleView struct {
	ID          int          `json:"id"`
	Status      model.Status `json:"status"`
	Resource    *int         `json:"resource,omitempty"`
	Suspensions int          `json:"suspensions"`
	Error       string       `json:"error,omitempty"`
}

// Snapshot reports the current status of every sample. Blackboards are left
// out since a running body may be writing to its board.
func (r *Run) Snapshot() RunView {
	r.mu.Lock()
	defer r.mu.Unlock()

	v := RunView{
		ID:          r.id,
		Body:        r.body,
		Status:      model.RunRunning,
		Seed:        r.seed,
		Pending:     len(r.tokens),
		Suspensions: r.suspensions,
		Samples:     make([]SampleView, len(r.samples)),
		CreatedAt:   r.createdAt,
	}
	switch {
	case r.finished && r.cancelled:
		v.Status = model.RunCancelled
	case r.finished:
		v.Status = model.RunFinished
	}
	for i, s := range r.samples {
		sv := SampleView{ID: s.id, Status: s.status, Suspensions: s.seq}
		if s.status.Active() {
			res := s.resource
			sv.Resource = &res
		}
		if s.status == model.StatusQueued {
			v.Queued++
		}
		if s.err != nil {
			sv.Error = s.err.Error()
		}
		v.Samples[i] = sv
	}
	return v
}
