package sample

import (
	"errors"
	"fmt"

	"github.com/seantiz/forge/internal/blackboard"
	"github.com/seantiz/forge/internal/model"
)

// ErrNoTermination fails a sample whose body returned without calling
// Terminate while the outcome policy is "require".
var ErrNoTermination = errors.New("body returned without a termination marker")

// PanicError carries a value recovered from a panicking body.
type PanicError struct {
	Value any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}

// Execute runs body to completion on s and finalizes its blackboard.
func Execute(body Body, s *Sample, policy model.OutcomePolicy) (model.Status, error) {
	err := call(body, s)
	return Finalize(s.bb, s.id, err, policy)
}

func call(body Body, s *Sample) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r}
		}
	}()
	return body(s)
}

// Finalize settles the final status of a sample whose body returned err.
// A successful body without a termination marker gets the policy's default
// outcome. A failure is wrapped in a BodyRuntimeError and recorded under
// KeyError.
func Finalize(bb *blackboard.Blackboard, id int, err error, policy model.OutcomePolicy) (model.Status, error) {
	if err == nil {
		err = settleOutcome(bb, policy)
	}
	if err == nil {
		return model.StatusFinished, nil
	}
	rerr := Classify(id, err)
	RecordError(bb, rerr.Type, rerr.Err)
	return model.StatusFailed, rerr
}

func settleOutcome(bb *blackboard.Blackboard, policy model.OutcomePolicy) error {
	if bb.Has(KeyTermination) {
		marker, err := bb.String(KeyTermination)
		if err != nil {
			return err
		}
		_, err = model.ParseOutcome(marker)
		return err
	}
	outcome, ok := policy.Default()
	if !ok {
		return ErrNoTermination
	}
	bb.Set(KeyTermination, blackboard.String(string(outcome)))
	return nil
}

// Classify wraps err in a BodyRuntimeError named after its class.
func Classify(id int, err error) *model.BodyRuntimeError {
	var rerr *model.BodyRuntimeError
	if errors.As(err, &rerr) {
		return rerr
	}
	return &model.BodyRuntimeError{SampleID: id, Type: ErrorType(err), Err: err}
}

// ErrorType names the class of err as stored under KeyError.
func ErrorType(err error) string {
	var (
		missing  *blackboard.MissingKeyError
		mismatch *blackboard.TypeMismatchError
		worker   *model.WorkerUnavailableError
		resume   *model.InvalidResumeError
		panicked *PanicError
		rerr     *model.BodyRuntimeError
	)
	switch {
	case errors.Is(err, model.ErrCancelled):
		return "Cancelled"
	case errors.As(err, &worker):
		return "WorkerUnavailableError"
	case errors.As(err, &missing):
		return "MissingKeyError"
	case errors.As(err, &mismatch):
		return "TypeMismatchError"
	case errors.As(err, &resume):
		return "InvalidResumeError"
	case errors.As(err, &panicked):
		return "Panic"
	case errors.As(err, &rerr):
		return rerr.Type
	default:
		return "BodyRuntimeError"
	}
}

// RecordError writes the failure diagnostic under KeyError.
func RecordError(bb *blackboard.Blackboard, typ string, err error) {
	diag := blackboard.New()
	diag.Set("Type", blackboard.String(typ))
	diag.Set("Message", blackboard.String(err.Error()))
	bb.Set(KeyError, blackboard.Map(diag))
}
