package distributed

import (
	"context"
	"errors"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/seantiz/forge/internal/blackboard"
	"github.com/seantiz/forge/internal/conduit"
	"github.com/seantiz/forge/internal/model"
	"github.com/seantiz/forge/internal/sample"
)

type chanSink chan conduit.Event

func (s chanSink) Post(ev conduit.Event) { s <- ev }

func nextEvent(t *testing.T, events chanSink, within time.Duration) conduit.Event {
	t.Helper()
	select {
	case ev := <-events:
		return ev
	case <-time.After(within):
		t.Fatalf("no conduit event within %v", within)
		return conduit.Event{}
	}
}

// fakeWorker serves every accepted connection with handle.
func fakeWorker(t *testing.T, handle func(conn net.Conn)) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go handle(conn)
		}
	}()
	return "tcp://" + ln.Addr().String()
}

// suspendOnce reads START and answers with a SUSPEND for Action.
func suspendOnce(conn net.Conn) (Message, bool) {
	var start Message
	if err := ReadMessage(conn, &start); err != nil {
		return start, false
	}
	err := WriteMessage(conn, &Message{
		Type:       MsgSuspend,
		SampleID:   start.SampleID,
		Keys:       []string{sample.KeyAction},
		Blackboard: start.Blackboard,
	})
	return start, err == nil
}

func newConduit(t *testing.T, workers []string, events chanSink, tune func(*conduit.Options)) conduit.Conduit {
	t.Helper()
	opts := conduit.Options{
		Workers:          workers,
		Bodies:           sample.NewRegistry(),
		Sink:             events,
		DialTimeout:      200 * time.Millisecond,
		HeartbeatTimeout: 2 * time.Second,
		ReclaimTimeout:   200 * time.Millisecond,
	}
	if tune != nil {
		tune(&opts)
	}
	c, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func job(id int) conduit.Job {
	bb := blackboard.New()
	bb.Set(sample.KeySampleID, blackboard.Scalar(float64(id)))
	return conduit.Job{RunID: "run", SampleID: id, Body: "step", Blackboard: bb, Policy: model.PolicyTruncated}
}

func requireUnavailable(t *testing.T, ev conduit.Event, slot int) *model.WorkerUnavailableError {
	t.Helper()
	if ev.Kind != conduit.EventFinished || ev.Status != model.StatusFailed {
		t.Fatalf("expected failed finish, got %+v", ev)
	}
	var wu *model.WorkerUnavailableError
	if !errors.As(ev.Err, &wu) {
		t.Fatalf("err = %v, want WorkerUnavailableError", ev.Err)
	}
	if wu.Resource != slot {
		t.Errorf("Resource = %d, want %d", wu.Resource, slot)
	}
	if !ev.Retire {
		t.Error("an unavailable worker must be retired")
	}
	return wu
}

func TestNewValidation(t *testing.T) {
	events := make(chanSink, 1)
	base := conduit.Options{Bodies: sample.NewRegistry(), Sink: events}

	if _, err := New(base); err == nil {
		t.Error("expected error without workers")
	}
	bad := base
	bad.Workers = []string{"udp://x:1"}
	if _, err := New(bad); err == nil {
		t.Error("expected error for unsupported scheme")
	}
	mismatch := base
	mismatch.Workers = []string{"tcp://a:1", "tcp://b:1"}
	mismatch.Capacity = 3
	if _, err := New(mismatch); err == nil {
		t.Error("expected error when capacity disagrees with workers")
	}
}

func TestRoundTripThroughFakeWorker(t *testing.T) {
	addr := fakeWorker(t, func(conn net.Conn) {
		defer conn.Close()
		start, ok := suspendOnce(conn)
		if !ok {
			return
		}
		var resume Message
		if err := ReadMessage(conn, &resume); err != nil || resume.Type != MsgResume {
			return
		}
		bb := start.Blackboard
		bb.Merge(resume.Blackboard)
		WriteMessage(conn, &Message{Type: MsgHeartbeat})
		WriteMessage(conn, &Message{
			Type:       MsgFinish,
			SampleID:   start.SampleID,
			Blackboard: bb,
			Status:     string(model.StatusFinished),
		})
	})

	events := make(chanSink, 8)
	c := newConduit(t, []string{addr}, events, nil)
	if got := c.Resources(); len(got) != 1 || got[0] != addr {
		t.Fatalf("Resources() = %v", got)
	}

	if err := c.Start(context.Background(), job(5), 0); err != nil {
		t.Fatalf("Start: %v", err)
	}
	ev := nextEvent(t, events, 3*time.Second)
	if ev.Kind != conduit.EventSuspended || ev.SampleID != 5 || ev.Blackboard == nil {
		t.Fatalf("unexpected event %+v", ev)
	}

	values := blackboard.New()
	values.Set(sample.KeyAction, blackboard.Vector(1, -1))
	if err := c.Deliver(5, values); err != nil {
		t.Fatalf("Deliver: %v", err)
	}

	ev = nextEvent(t, events, 3*time.Second)
	if ev.Kind != conduit.EventFinished || ev.Status != model.StatusFinished || ev.Err != nil {
		t.Fatalf("unexpected finish %+v", ev)
	}
	action, err := ev.Blackboard.Vector(sample.KeyAction)
	if err != nil || len(action) != 2 || action[1] != -1 {
		t.Errorf("Action = %v, %v", action, err)
	}
}

func TestUnreachableWorker(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := "tcp://" + ln.Addr().String()
	ln.Close()

	events := make(chanSink, 4)
	c := newConduit(t, []string{addr}, events, nil)
	if err := c.Start(context.Background(), job(1), 0); err != nil {
		t.Fatalf("Start: %v", err)
	}

	wu := requireUnavailable(t, nextEvent(t, events, 5*time.Second), 0)
	if wu.Addr != addr {
		t.Errorf("Addr = %q, want %q", wu.Addr, addr)
	}
}

func TestWorkerDiesWhileWaiting(t *testing.T) {
	addr := fakeWorker(t, func(conn net.Conn) {
		suspendOnce(conn)
		conn.Close()
	})

	events := make(chanSink, 4)
	c := newConduit(t, []string{addr}, events, nil)
	if err := c.Start(context.Background(), job(2), 0); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if ev := nextEvent(t, events, 3*time.Second); ev.Kind != conduit.EventSuspended {
		t.Fatalf("expected suspension, got %+v", ev)
	}
	requireUnavailable(t, nextEvent(t, events, 3*time.Second), 0)
}

func TestMissedHeartbeat(t *testing.T) {
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	addr := fakeWorker(t, func(conn net.Conn) {
		defer conn.Close()
		suspendOnce(conn)
		<-release
	})

	events := make(chanSink, 4)
	c := newConduit(t, []string{addr}, events, func(o *conduit.Options) {
		o.HeartbeatTimeout = 300 * time.Millisecond
	})
	if err := c.Start(context.Background(), job(3), 0); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if ev := nextEvent(t, events, 3*time.Second); ev.Kind != conduit.EventSuspended {
		t.Fatalf("expected suspension, got %+v", ev)
	}

	started := time.Now()
	wu := requireUnavailable(t, nextEvent(t, events, 3*time.Second), 0)
	if !strings.Contains(wu.Error(), "no heartbeat") {
		t.Errorf("error = %q, want heartbeat timeout", wu.Error())
	}
	if waited := time.Since(started); waited > 2*time.Second {
		t.Errorf("detection took %v", waited)
	}
}

func TestCancelHonouredByWorker(t *testing.T) {
	addr := fakeWorker(t, func(conn net.Conn) {
		defer conn.Close()
		start, ok := suspendOnce(conn)
		if !ok {
			return
		}
		var msg Message
		if err := ReadMessage(conn, &msg); err != nil || msg.Type != MsgCancel {
			return
		}
		WriteMessage(conn, &Message{
			Type:       MsgFinish,
			SampleID:   start.SampleID,
			Blackboard: start.Blackboard,
			Status:     string(model.StatusFailed),
			ErrorType:  "Cancelled",
			Error:      model.ErrCancelled.Error(),
		})
	})

	events := make(chanSink, 4)
	c := newConduit(t, []string{addr}, events, nil)
	if err := c.Start(context.Background(), job(4), 0); err != nil {
		t.Fatalf("Start: %v", err)
	}
	nextEvent(t, events, 3*time.Second)

	c.Cancel(4)
	c.Cancel(4)

	ev := nextEvent(t, events, 3*time.Second)
	if ev.Kind != conduit.EventFinished || !errors.Is(ev.Err, model.ErrCancelled) || ev.Retire {
		t.Fatalf("unexpected event %+v", ev)
	}
	select {
	case extra := <-events:
		t.Fatalf("unexpected second event %+v", extra)
	case <-time.After(400 * time.Millisecond):
	}
}

func TestCancelForcedReclaim(t *testing.T) {
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	addr := fakeWorker(t, func(conn net.Conn) {
		defer conn.Close()
		suspendOnce(conn)
		// Keep heartbeating but never finish.
		ticker := time.NewTicker(50 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-release:
				return
			case <-ticker.C:
				if err := WriteMessage(conn, &Message{Type: MsgHeartbeat}); err != nil {
					return
				}
			}
		}
	})

	events := make(chanSink, 4)
	c := newConduit(t, []string{addr}, events, nil)
	if err := c.Start(context.Background(), job(6), 0); err != nil {
		t.Fatalf("Start: %v", err)
	}
	nextEvent(t, events, 3*time.Second)

	c.Cancel(6)
	ev := nextEvent(t, events, 3*time.Second)
	if ev.Kind != conduit.EventFinished || !errors.Is(ev.Err, model.ErrCancelled) {
		t.Fatalf("unexpected event %+v", ev)
	}
	if ev.Retire {
		t.Error("a forced reclaim must not retire the worker")
	}
}
