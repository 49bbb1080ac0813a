package model

import (
	"fmt"
	"time"
)

// Status is the lifecycle state of a sample within a run.
type Status string

// Sample status constants.
const (
	StatusQueued   Status = "queued"
	StatusRunning  Status = "running"
	StatusWaiting  Status = "waiting"
	StatusFinished Status = "finished"
	StatusFailed   Status = "failed"
)

// validTransitions maps each status to the set of statuses it may transition to.
var validTransitions = map[Status]map[Status]bool{
	StatusQueued: {
		StatusRunning: true,
		StatusFailed:  true,
	},
	StatusRunning: {
		StatusWaiting:  true,
		StatusFinished: true,
		StatusFailed:   true,
	},
	StatusWaiting: {
		StatusRunning: true,
		StatusFailed:  true,
	},
}

// ValidTransition reports whether transitioning from one status to another is allowed.
func ValidTransition(from, to Status) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// Done reports whether s is terminal.
func (s Status) Done() bool {
	return s == StatusFinished || s == StatusFailed
}

// Active reports whether a sample in state s holds a resource.
func (s Status) Active() bool {
	return s == StatusRunning || s == StatusWaiting
}

// Outcome is the termination marker a body records before returning.
type Outcome string

// Outcomes written under the Termination key.
const (
	OutcomeTerminal  Outcome = "Terminal"
	OutcomeTruncated Outcome = "Truncated"
)

// ParseOutcome validates a termination marker read back from a blackboard.
func ParseOutcome(s string) (Outcome, error) {
	switch Outcome(s) {
	case OutcomeTerminal, OutcomeTruncated:
		return Outcome(s), nil
	}
	return "", fmt.Errorf("unknown outcome %q", s)
}

// OutcomePolicy decides what happens when a body returns without a
// termination marker.
type OutcomePolicy string

// Outcome policies.
const (
	PolicyTruncated OutcomePolicy = "truncated"
	PolicyTerminal  OutcomePolicy = "terminal"
	PolicyRequire   OutcomePolicy = "require"
)

// ParseOutcomePolicy validates a policy name. The empty string selects
// PolicyTruncated.
func ParseOutcomePolicy(s string) (OutcomePolicy, error) {
	switch OutcomePolicy(s) {
	case "":
		return PolicyTruncated, nil
	case PolicyTruncated, PolicyTerminal, PolicyRequire:
		return OutcomePolicy(s), nil
	}
	return "", fmt.Errorf("unknown outcome policy %q (want truncated, terminal or require)", s)
}

// Default returns the outcome to record for an unmarked body, or false when
// the policy requires an explicit marker.
func (p OutcomePolicy) Default() (Outcome, bool) {
	switch p {
	case PolicyTerminal:
		return OutcomeTerminal, true
	case PolicyRequire:
		return "", false
	default:
		return OutcomeTruncated, true
	}
}

// Run status constants.
const (
	RunRunning   = "running"
	RunFinished  = "finished"
	RunCancelled = "cancelled"
)

// Run is the persisted summary of one batch submission.
type Run struct {
	ID          string     `json:"id"`
	Body        string     `json:"body"`
	Conduit     string     `json:"conduit"`
	Status      string     `json:"status"`
	Seed        uint64     `json:"seed"`
	Samples     int        `json:"samples"`
	Failed      int        `json:"failed"`
	Suspensions int        `json:"suspensions"`
	CreatedAt   time.Time  `json:"created_at"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
}

// SampleRecord is the persisted final state of one sample. Blackboard holds
// the CBOR encoding of the final board.
type SampleRecord struct {
	RunID       string     `json:"run_id"`
	SampleID    int        `json:"sample_id"`
	Status      Status     `json:"status"`
	Resource    int        `json:"resource"`
	Suspensions int        `json:"suspensions"`
	ErrorType   string     `json:"error_type,omitempty"`
	Error       string     `json:"error,omitempty"`
	Blackboard  []byte     `json:"-"`
	DurationMS  *int       `json:"duration_ms,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
}
