package engine

import "time"

// EventType names a run or sample lifecycle transition.
type EventType string

// Lifecycle event types.
const (
	EventRunStarted      EventType = "run.started"
	EventSampleStarted   EventType = "sample.started"
	EventSampleSuspended EventType = "sample.suspended"
	EventSampleResumed   EventType = "sample.resumed"
	EventSampleFinished  EventType = "sample.finished"
	EventRunFinished     EventType = "run.finished"
)

// Event describes one lifecycle transition. SampleID and Resource are unset
// for run-level events.
type Event struct {
	Type     EventType `json:"type"`
	RunID    string    `json:"run_id"`
	SampleID *int      `json:"sample_id,omitempty"`
	Status   string    `json:"status,omitempty"`
	Resource *int      `json:"resource,omitempty"`
	Keys     []string  `json:"keys,omitempty"`
	Seq      int       `json:"seq,omitempty"`
	Error    string    `json:"error,omitempty"`
	Time     time.Time `json:"time"`
}

// Observer receives lifecycle events synchronously from the run loop, so
// Observe must return quickly.
type Observer interface {
	Observe(Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Event)

func (f ObserverFunc) Observe(ev Event) { f(ev) }
