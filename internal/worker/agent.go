// Package worker implements the remote side of the distributed conduit: a
// process that accepts sessions from the host, runs the requested body and
// streams suspensions, heartbeats and the final board back.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/seantiz/forge/internal/blackboard"
	"github.com/seantiz/forge/internal/conduit/distributed"
	"github.com/seantiz/forge/internal/model"
	"github.com/seantiz/forge/internal/sample"
)

// DefaultHeartbeatInterval is used when the agent is created without one.
const DefaultHeartbeatInterval = time.Second

// Agent accepts host connections and runs one sample per connection.
type Agent struct {
	listener  net.Listener
	bodies    *sample.Registry
	logger    *slog.Logger
	heartbeat time.Duration
	wg        sync.WaitGroup
}

// New creates a worker agent serving bodies from the given registry.
func New(listener net.Listener, bodies *sample.Registry, logger *slog.Logger, heartbeat time.Duration) *Agent {
	if heartbeat <= 0 {
		heartbeat = DefaultHeartbeatInterval
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Agent{
		listener:  listener,
		bodies:    bodies,
		logger:    logger,
		heartbeat: heartbeat,
	}
}

// Serve accepts connections and handles sessions. It blocks until the listener
// is closed, then waits for in-flight sessions.
func (a *Agent) Serve() error {
	defer a.wg.Wait()
	for {
		conn, err := a.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		a.wg.Go(func() { a.handleConnection(conn) })
	}
}

// session wraps one host connection; writeMu serializes frames from the body,
// the heartbeat ticker and the final result.
type session struct {
	conn    net.Conn
	writeMu sync.Mutex
	resume  chan *blackboard.Blackboard
}

func (s *session) write(msg *distributed.Message) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return distributed.WriteMessage(s.conn, msg)
}

// handleConnection runs a single session on conn.
func (a *Agent) handleConnection(conn net.Conn) {
	defer conn.Close()

	var start distributed.Message
	if err := distributed.ReadMessage(conn, &start); err != nil {
		a.logger.Warn("read start", "error", err)
		return
	}
	if start.Type != distributed.MsgStart {
		a.logger.Warn("session did not begin with start", "type", start.Type)
		return
	}
	logger := a.logger.With("run_id", start.RunID, "sample_id", start.SampleID)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s := &session{conn: conn, resume: make(chan *blackboard.Blackboard, 1)}
	go a.readLoop(s, cancel, logger)

	done := make(chan struct{})
	defer close(done)
	interval := a.heartbeat
	if start.Heartbeat > 0 {
		interval = start.Heartbeat
	}
	go a.heartbeatLoop(s, interval, done, logger)

	status, err := a.execute(ctx, s, &start)

	finish := distributed.Message{
		Type:       distributed.MsgFinish,
		RunID:      start.RunID,
		SampleID:   start.SampleID,
		Blackboard: start.Blackboard,
		Status:     string(status),
	}
	var rerr *model.BodyRuntimeError
	if errors.As(err, &rerr) {
		finish.ErrorType = rerr.Type
		finish.Error = rerr.Err.Error()
	}
	if err := s.write(&finish); err != nil {
		logger.Warn("write finish", "error", err)
		return
	}
	logger.Debug("sample finished", "status", status)
}

func (a *Agent) execute(ctx context.Context, s *session, start *distributed.Message) (model.Status, error) {
	if start.Blackboard == nil {
		start.Blackboard = blackboard.New()
	}
	policy, err := model.ParseOutcomePolicy(start.Policy)
	if err != nil {
		return sample.Finalize(start.Blackboard, start.SampleID, err, model.PolicyTruncated)
	}
	body, err := a.bodies.Resolve(start.Body)
	if err != nil {
		return sample.Finalize(start.Blackboard, start.SampleID, err, policy)
	}
	link := &link{s: s, sampleID: start.SampleID}
	smp := sample.New(ctx, start.SampleID, start.Blackboard, start.Seed, link)
	return sample.Execute(body, smp, policy)
}

// readLoop dispatches host frames. CANCEL or a broken connection cancels the
// body's context.
func (a *Agent) readLoop(s *session, cancel context.CancelFunc, logger *slog.Logger) {
	defer cancel()
	for {
		var msg distributed.Message
		if err := distributed.ReadMessage(s.conn, &msg); err != nil {
			return
		}
		switch msg.Type {
		case distributed.MsgResume:
			select {
			case s.resume <- msg.Blackboard:
			default:
				logger.Warn("resume while not suspended")
			}
		case distributed.MsgCancel:
			logger.Info("cancel requested")
			return
		default:
			logger.Warn("unexpected message", "type", msg.Type)
		}
	}
}

// heartbeatLoop ticks at the host's requested interval when START carries
// one, otherwise at the agent's own.
func (a *Agent) heartbeatLoop(s *session, interval time.Duration, done <-chan struct{}, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := s.write(&distributed.Message{Type: distributed.MsgHeartbeat}); err != nil {
				logger.Debug("heartbeat", "error", err)
				return
			}
		}
	}
}

// link suspends a body by sending SUSPEND and waiting for RESUME.
type link struct {
	s        *session
	sampleID int
}

func (l *link) Suspend(ctx context.Context, keys []string, bb *blackboard.Blackboard) (*blackboard.Blackboard, error) {
	err := l.s.write(&distributed.Message{
		Type:       distributed.MsgSuspend,
		SampleID:   l.sampleID,
		Keys:       keys,
		Blackboard: bb,
	})
	if err != nil {
		return nil, fmt.Errorf("send suspend: %w", err)
	}
	select {
	case vals := <-l.s.resume:
		if vals == nil {
			vals = blackboard.New()
		}
		return vals, nil
	case <-ctx.Done():
		return nil, model.ErrCancelled
	}
}
