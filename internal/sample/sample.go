// Package sample is the body-facing side of the engine: the Sample handle a
// body reads and writes through, the Update suspension point, and the body
// registry conduits resolve bodies from.
package sample

import (
	"context"
	"errors"
	"math/rand/v2"

	"github.com/seantiz/forge/internal/blackboard"
	"github.com/seantiz/forge/internal/model"
)

// Link carries a suspension from a body to whatever drives it. Suspend blocks
// until the caller resumes the sample and returns the values to merge into
// the body's blackboard, or nil when the board is shared with the caller.
type Link interface {
	Suspend(ctx context.Context, keys []string, bb *blackboard.Blackboard) (*blackboard.Blackboard, error)
}

// Body is a sample computation written as straight-line code. It suspends by
// calling Update and finishes by returning.
type Body func(s *Sample) error

// Sample is the handle passed to a Body. It is owned by the body's goroutine
// and must not be shared.
type Sample struct {
	id          int
	bb          *blackboard.Blackboard
	ctx         context.Context
	link        Link
	rng         *rand.Rand
	suspensions int
}

// New creates a sample handle. The random source is derived from seed and id
// so that a sample draws the same numbers regardless of scheduling order.
func New(ctx context.Context, id int, bb *blackboard.Blackboard, seed uint64, link Link) *Sample {
	if bb == nil {
		bb = blackboard.New()
	}
	return &Sample{
		id:   id,
		bb:   bb,
		ctx:  ctx,
		link: link,
		rng:  rand.New(rand.NewPCG(seed, uint64(id))),
	}
}

// ID returns the sample id.
func (s *Sample) ID() int { return s.id }

// Blackboard returns the sample's board.
func (s *Sample) Blackboard() *blackboard.Blackboard { return s.bb }

// Rand returns the per-sample random source.
func (s *Sample) Rand() *rand.Rand { return s.rng }

// Context is cancelled when the run is cancelled.
func (s *Sample) Context() context.Context { return s.ctx }

// Cancelled reports whether the run has been cancelled. Long computations
// between suspensions should poll it.
func (s *Sample) Cancelled() bool { return s.ctx.Err() != nil }

// Suspensions returns how many times Update has completed.
func (s *Sample) Suspensions() int { return s.suspensions }

// Update suspends the body until the caller resumes it. The requested keys
// are cleared first, so reading them before the resume fails with a
// MissingKeyError, and reading them after returns what the caller supplied.
func (s *Sample) Update(keys ...string) error {
	if s.ctx.Err() != nil {
		return model.ErrCancelled
	}
	if s.link == nil {
		return errors.New("sample is not attached to a conduit")
	}
	for _, k := range keys {
		s.bb.Delete(k)
	}
	vals, err := s.link.Suspend(s.ctx, keys, s.bb)
	if err != nil {
		return err
	}
	if vals != nil {
		s.bb.Merge(vals)
	}
	s.suspensions++
	return nil
}

// Terminate records the outcome of the sample.
func (s *Sample) Terminate(o model.Outcome) {
	s.bb.Set(KeyTermination, blackboard.String(string(o)))
}

func (s *Sample) Get(key string) (blackboard.Value, error) { return s.bb.Get(key) }

func (s *Sample) Scalar(key string) (float64, error) { return s.bb.Scalar(key) }

func (s *Sample) Vector(key string) ([]float64, error) { return s.bb.Vector(key) }

func (s *Sample) String(key string) (string, error) { return s.bb.String(key) }

func (s *Sample) Bool(key string) (bool, error) { return s.bb.Bool(key) }

func (s *Sample) Map(key string) (*blackboard.Blackboard, error) { return s.bb.Map(key) }

func (s *Sample) Set(key string, v blackboard.Value) { s.bb.Set(key, v) }

func (s *Sample) SetScalar(key string, f float64) { s.bb.Set(key, blackboard.Scalar(f)) }

func (s *Sample) SetVector(key string, xs ...float64) { s.bb.Set(key, blackboard.Vector(xs...)) }

func (s *Sample) SetString(key, v string) { s.bb.Set(key, blackboard.String(v)) }

func (s *Sample) SetBool(key string, v bool) { s.bb.Set(key, blackboard.Bool(v)) }
