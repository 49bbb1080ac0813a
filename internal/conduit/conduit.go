// Package conduit runs sample bodies on compute resources and carries their
// suspensions and results back to the engine. The cooperative and local
// variants live here; the distributed variant is in conduit/distributed.
package conduit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/seantiz/forge/internal/blackboard"
	"github.com/seantiz/forge/internal/model"
	"github.com/seantiz/forge/internal/sample"
)

// Registered conduit names.
const (
	NameCooperative = "cooperative"
	NameLocal       = "local"
	NameDistributed = "distributed"
)

// ErrClosed is returned by Start after Close.
var ErrClosed = errors.New("conduit closed")

// Conduit executes sample bodies. Start, Deliver and Cancel must not block
// on the body; progress is reported to the Sink given at construction.
type Conduit interface {
	// Resources names each resource slot. Its length is the pool capacity.
	Resources() []string

	// Start runs job on resource slot. A returned error means the body never
	// started and no event will follow.
	Start(ctx context.Context, job Job, slot int) error

	// Deliver resumes a suspended sample with the caller's values.
	Deliver(sampleID int, values *blackboard.Blackboard) error

	// Cancel asks the body to stop. A Finished event follows, forced after
	// the reclaim timeout when the body ignores the request.
	Cancel(sampleID int)

	// Close cancels everything in flight and releases the resources.
	Close() error
}

// Job is one sample handed to a conduit.
type Job struct {
	RunID      string
	SampleID   int
	Body       string
	Blackboard *blackboard.Blackboard
	Seed       uint64
	Policy     model.OutcomePolicy
}

// EventKind discriminates conduit events.
type EventKind int

// Event kinds.
const (
	EventSuspended EventKind = iota + 1
	EventFinished
)

func (k EventKind) String() string {
	switch k {
	case EventSuspended:
		return "suspended"
	case EventFinished:
		return "finished"
	default:
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
}

// Event reports a body reaching a suspension point or returning. Blackboard
// is a private copy of the body's board, or nil when the conduit shares the
// engine's board. Retire asks the engine to take the resource out of service.
type Event struct {
	Kind       EventKind
	RunID      string
	SampleID   int
	Slot       int
	Keys       []string
	Blackboard *blackboard.Blackboard
	Status     model.Status
	Err        error
	Retire     bool
}

// Sink receives conduit events. Post must not block.
type Sink interface {
	Post(Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Event)

func (f SinkFunc) Post(ev Event) { f(ev) }

// Options configure a conduit. Workers is only used by the distributed
// variant, which takes its capacity from the worker list.
type Options struct {
	Capacity          int
	Workers           []string
	Bodies            *sample.Registry
	Sink              Sink
	Logger            *slog.Logger
	ReclaimTimeout    time.Duration
	DialTimeout       time.Duration
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
}

// Validate checks the options shared by every variant.
func (o Options) Validate() error {
	if o.Bodies == nil {
		return errors.New("conduit: body registry is required")
	}
	if o.Sink == nil {
		return errors.New("conduit: event sink is required")
	}
	return nil
}

func (o Options) logger() *slog.Logger {
	if o.Logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return o.Logger
}

// Factory builds a conduit from options.
type Factory func(Options) (Conduit, error)
