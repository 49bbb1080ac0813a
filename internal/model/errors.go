package model

import (
	"errors"
	"fmt"
)

// ErrCancelled is returned from Update, and recorded as a sample's failure,
// when its run is cancelled.
var ErrCancelled = errors.New("sample cancelled")

// InvalidResumeError reports a resume the engine cannot accept: an unknown or
// spent token, or a sample that is not waiting.
type InvalidResumeError struct {
	Token    string
	SampleID int
	Reason   string
}

func (e *InvalidResumeError) Error() string {
	if e.SampleID >= 0 {
		return fmt.Sprintf("invalid resume of sample %d (token %s): %s", e.SampleID, e.Token, e.Reason)
	}
	return fmt.Sprintf("invalid resume (token %s): %s", e.Token, e.Reason)
}

// WorkerUnavailableError reports a resource whose worker died or could not be
// reached. The resource is retired.
type WorkerUnavailableError struct {
	Resource int
	Addr     string
	Err      error
}

func (e *WorkerUnavailableError) Error() string {
	return fmt.Sprintf("worker %d (%s) unavailable: %v", e.Resource, e.Addr, e.Err)
}

func (e *WorkerUnavailableError) Unwrap() error { return e.Err }

// BodyRuntimeError wraps any failure raised by a sample body. Type names the
// class of the underlying error and is stored with the sample.
type BodyRuntimeError struct {
	SampleID int
	Type     string
	Err      error
}

func (e *BodyRuntimeError) Error() string {
	return fmt.Sprintf("sample %d: %s: %v", e.SampleID, e.Type, e.Err)
}

func (e *BodyRuntimeError) Unwrap() error { return e.Err }
