package engine

import (
	"time"

	"github.com/seantiz/forge/internal/blackboard"
	"github.com/seantiz/forge/internal/model"
)

// SampleResult is the final state of one sample. Resource is the last
// resource the sample ran on, or -1 if it never started.
type SampleResult struct {
	ID          int
	Status      model.Status
	Blackboard  *blackboard.Blackboard
	Err         error
	Resource    int
	Suspensions int
	Duration    time.Duration
}

// Result is the outcome of a run, with samples in submission order.
type Result struct {
	RunID      string
	Body       string
	Samples    []SampleResult
	Cancelled  bool
	StartedAt  time.Time
	FinishedAt time.Time
}

// Failed returns the samples that ended Failed, in submission order.
func (r *Result) Failed() []SampleResult {
	var out []SampleResult
	for _, s := range r.Samples {
		if s.Status == model.StatusFailed {
			out = append(out, s)
		}
	}
	return out
}

// Sample returns the result for sample id.
func (r *Result) Sample(id int) (SampleResult, bool) {
	for _, s := range r.Samples {
		if s.ID == id {
			return s, true
		}
	}
	return SampleResult{}, false
}

// Suspensions returns the total number of suspensions across all samples.
func (r *Result) Suspensions() int {
	n := 0
	for _, s := range r.Samples {
		n += s.Suspensions
	}
	return n
}
