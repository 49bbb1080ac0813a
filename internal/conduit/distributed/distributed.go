// Package distributed runs sample bodies on remote worker processes. Each
// resource is one worker address; each started sample is one session, a
// connection carrying length-prefixed CBOR frames from START to FINISH.
//
// A worker that cannot be dialed, drops the connection or stays silent past
// the heartbeat timeout fails its sample with a WorkerUnavailableError and
// its resource is retired.
package distributed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/seantiz/forge/internal/blackboard"
	"github.com/seantiz/forge/internal/conduit"
	"github.com/seantiz/forge/internal/model"
)

// Defaults applied when the options leave a timeout unset.
const (
	DefaultDialTimeout      = 2 * time.Second
	DefaultHeartbeatTimeout = 10 * time.Second
	DefaultReclaimTimeout   = 5 * time.Second
)

// Conduit is the host side of the distributed variant.
type Conduit struct {
	opts   conduit.Options
	logger *slog.Logger
	addrs  []Addr
	wg     sync.WaitGroup

	mu       sync.Mutex
	sessions map[int]*session
	closed   bool
}

var _ conduit.Conduit = (*Conduit)(nil)

// New creates a distributed conduit with one resource per worker address.
func New(opts conduit.Options) (conduit.Conduit, error) {
	if len(opts.Workers) == 0 {
		return nil, errors.New("distributed conduit needs at least one worker address")
	}
	if opts.Capacity > 0 && opts.Capacity != len(opts.Workers) {
		return nil, fmt.Errorf("capacity %d does not match %d worker addresses", opts.Capacity, len(opts.Workers))
	}
	addrs := make([]Addr, len(opts.Workers))
	for i, w := range opts.Workers {
		a, err := ParseAddr(w)
		if err != nil {
			return nil, err
		}
		addrs[i] = a
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = DefaultDialTimeout
	}
	if opts.HeartbeatTimeout <= 0 {
		opts.HeartbeatTimeout = DefaultHeartbeatTimeout
	}
	if opts.ReclaimTimeout <= 0 {
		opts.ReclaimTimeout = DefaultReclaimTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Conduit{
		opts:     opts,
		logger:   logger.With("conduit", conduit.NameDistributed),
		addrs:    addrs,
		sessions: make(map[int]*session),
	}, nil
}

// Resources returns the worker addresses.
func (c *Conduit) Resources() []string {
	out := make([]string, len(c.addrs))
	for i, a := range c.addrs {
		out[i] = a.String()
	}
	return out
}

// Start opens a session for job on the worker at slot. Dialing happens in
// the session goroutine, so an unreachable worker is reported as an event.
func (c *Conduit) Start(ctx context.Context, job conduit.Job, slot int) error {
	if slot < 0 || slot >= len(c.addrs) {
		return fmt.Errorf("slot %d out of range", slot)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return conduit.ErrClosed
	}
	if _, ok := c.sessions[job.SampleID]; ok {
		return fmt.Errorf("sample %d already has a session", job.SampleID)
	}

	s := newSession(ctx, job, slot, c.addrs[slot])
	c.sessions[job.SampleID] = s
	c.wg.Go(func() { c.serve(s) })
	return nil
}

func (c *Conduit) serve(s *session) {
	defer c.remove(s)
	defer s.cancel()

	started := time.Now()
	conn, err := Dial(s.ctx, s.addr, c.opts.DialTimeout)
	dialDuration.Observe(time.Since(started).Seconds())
	if err != nil {
		if s.ctx.Err() != nil {
			c.finish(s, model.StatusFailed, model.ErrCancelled, nil)
			return
		}
		c.unavailable(s, err)
		return
	}
	if !s.attach(conn) {
		conn.Close()
		return
	}
	defer s.closeConn()

	err = s.send(&Message{
		Type:       MsgStart,
		RunID:      s.job.RunID,
		SampleID:   s.job.SampleID,
		Body:       s.job.Body,
		Seed:       s.job.Seed,
		Policy:     string(s.job.Policy),
		Heartbeat:  c.opts.HeartbeatInterval,
		Blackboard: s.job.Blackboard,
	})
	if err != nil {
		c.unavailable(s, err)
		return
	}
	if s.cancelRequested() {
		s.send(&Message{Type: MsgCancel, SampleID: s.job.SampleID})
	}

	for {
		if err := conn.SetReadDeadline(time.Now().Add(c.opts.HeartbeatTimeout)); err != nil {
			c.unavailable(s, err)
			return
		}
		var msg Message
		if err := ReadMessage(conn, &msg); err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				err = fmt.Errorf("no heartbeat within %s: %w", c.opts.HeartbeatTimeout, err)
			}
			c.unavailable(s, err)
			return
		}
		if msg.Type != MsgHeartbeat && msg.SampleID != s.job.SampleID {
			c.unavailable(s, fmt.Errorf("worker answered for sample %d", msg.SampleID))
			return
		}

		switch msg.Type {
		case MsgHeartbeat:
		case MsgSuspend:
			ev := s.event(conduit.EventSuspended)
			ev.Keys = msg.Keys
			ev.Blackboard = orEmpty(msg.Blackboard)
			c.opts.Sink.Post(ev)
		case MsgFinish:
			sessionDuration.Observe(time.Since(started).Seconds())
			c.finish(s, model.Status(msg.Status), FinishError(&msg), orEmpty(msg.Blackboard))
			return
		default:
			c.unavailable(s, fmt.Errorf("unexpected %q message", msg.Type))
			return
		}
	}
}

func orEmpty(bb *blackboard.Blackboard) *blackboard.Blackboard {
	if bb == nil {
		return blackboard.New()
	}
	return bb
}

// finish posts the Finished event unless the session was already settled.
func (c *Conduit) finish(s *session, status model.Status, err error, bb *blackboard.Blackboard) {
	if !s.claim() {
		return
	}
	ev := s.event(conduit.EventFinished)
	ev.Status = status
	ev.Err = err
	ev.Blackboard = bb
	c.opts.Sink.Post(ev)
}

// unavailable fails the session's sample and retires its worker.
func (c *Conduit) unavailable(s *session, cause error) {
	if !s.claim() {
		return
	}
	workersUnavailable.Inc()
	c.logger.Warn("worker unavailable",
		"run_id", s.job.RunID,
		"sample_id", s.job.SampleID,
		"resource", s.slot,
		"addr", s.addr.String(),
		"error", cause,
	)
	ev := s.event(conduit.EventFinished)
	ev.Status = model.StatusFailed
	ev.Err = &model.WorkerUnavailableError{Resource: s.slot, Addr: s.addr.String(), Err: cause}
	ev.Retire = true
	c.opts.Sink.Post(ev)
}

func (c *Conduit) lookup(sampleID int) (*session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sessions[sampleID]
	return s, ok
}

func (c *Conduit) remove(s *session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sessions[s.job.SampleID] == s {
		delete(c.sessions, s.job.SampleID)
	}
}

// Deliver sends RESUME with values. A failed write closes the connection so
// the session reports the worker as unavailable.
func (c *Conduit) Deliver(sampleID int, values *blackboard.Blackboard) error {
	s, ok := c.lookup(sampleID)
	if !ok {
		return fmt.Errorf("sample %d has no session", sampleID)
	}
	if err := s.send(&Message{Type: MsgResume, SampleID: sampleID, Blackboard: values}); err != nil {
		s.closeConn()
		return fmt.Errorf("resume sample %d: %w", sampleID, err)
	}
	return nil
}

// Cancel sends CANCEL and drops the session if the worker does not finish
// within the reclaim timeout. The worker stays in service.
func (c *Conduit) Cancel(sampleID int) {
	s, ok := c.lookup(sampleID)
	if !ok {
		return
	}
	s.cancelOnce.Do(func() {
		s.requestCancel()
		time.AfterFunc(c.opts.ReclaimTimeout, func() {
			if !s.claim() {
				return
			}
			forcedReclaims.Inc()
			c.logger.Warn("worker ignored cancellation, session dropped",
				"run_id", s.job.RunID,
				"sample_id", s.job.SampleID,
				"resource", s.slot,
			)
			s.closeConn()
			ev := s.event(conduit.EventFinished)
			ev.Status = model.StatusFailed
			ev.Err = model.ErrCancelled
			c.opts.Sink.Post(ev)
		})
	})
}

// Close cancels every session and waits for the session goroutines.
func (c *Conduit) Close() error {
	c.mu.Lock()
	c.closed = true
	sessions := make([]*session, 0, len(c.sessions))
	for _, s := range c.sessions {
		sessions = append(sessions, s)
	}
	c.mu.Unlock()

	for _, s := range sessions {
		if s.claim() {
			ev := s.event(conduit.EventFinished)
			ev.Status = model.StatusFailed
			ev.Err = model.ErrCancelled
			c.opts.Sink.Post(ev)
		}
		s.cancel()
		s.closeConn()
	}
	c.wg.Wait()
	return nil
}

// session is the host-side state of one sample on one worker.
type session struct {
	job    conduit.Job
	slot   int
	addr   Addr
	ctx    context.Context
	cancel context.CancelFunc

	cancelOnce sync.Once
	claimOnce  sync.Once
	done       chan struct{}

	// mu guards conn and serializes frame writes.
	mu        sync.Mutex
	conn      net.Conn
	cancelled bool
}

func newSession(ctx context.Context, job conduit.Job, slot int, addr Addr) *session {
	sctx, cancel := context.WithCancel(ctx)
	return &session{
		job:    job,
		slot:   slot,
		addr:   addr,
		ctx:    sctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

func (s *session) event(kind conduit.EventKind) conduit.Event {
	return conduit.Event{Kind: kind, RunID: s.job.RunID, SampleID: s.job.SampleID, Slot: s.slot}
}

// claim returns true exactly once, for whoever settles the session.
func (s *session) claim() bool {
	claimed := false
	s.claimOnce.Do(func() {
		claimed = true
		close(s.done)
	})
	return claimed
}

// attach installs the connection unless the session was settled while dialing.
func (s *session) attach(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.done:
		return false
	default:
	}
	s.conn = conn
	return true
}

func (s *session) send(msg *Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return errors.New("session is not connected")
	}
	return WriteMessage(s.conn, msg)
}

// requestCancel stops a pending dial and tells a connected worker to stop.
func (s *session) requestCancel() {
	s.cancel()
	s.mu.Lock()
	s.cancelled = true
	conn := s.conn
	s.mu.Unlock()
	if conn != nil {
		s.send(&Message{Type: MsgCancel, SampleID: s.job.SampleID})
	}
}

func (s *session) cancelRequested() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelled
}

func (s *session) closeConn() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		s.conn.Close()
	}
}
