// Package bodies holds the reference sample bodies shipped with forge and the
// helpers the demo driver uses to build batches and answer suspensions.
package bodies

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"slices"

	"github.com/seantiz/forge/internal/blackboard"
	"github.com/seantiz/forge/internal/sample"
)

// ErrNoSuspension is returned by a policy asked to act for a body that
// never suspends.
var ErrNoSuspension = errors.New("body does not suspend")

// Spec describes a reference body.
type Spec struct {
	Name string
	Body sample.Body
	// Init builds the initial board of one sample.
	Init func(rng *rand.Rand) *blackboard.Blackboard
	// Act draws a random answer for a suspended sample, given its board.
	Act func(rng *rand.Rand, bb *blackboard.Blackboard) (*blackboard.Blackboard, error)
}

var specs = []Spec{
	{Name: "rosenbrock", Body: Rosenbrock, Init: rosenbrockInit, Act: noAction},
	{Name: "cartpole", Body: CartPole, Init: emptyInit, Act: cartPoleAct},
	{Name: "alphabeta", Body: AlphaBeta, Init: emptyInit, Act: alphaBetaAct},
}

// All returns every reference body.
func All() []Spec {
	return slices.Clone(specs)
}

// Lookup finds a reference body by name.
func Lookup(name string) (Spec, error) {
	for _, s := range specs {
		if s.Name == name {
			return s, nil
		}
	}
	return Spec{}, fmt.Errorf("unknown body %q", name)
}

// Register adds every reference body to r.
func Register(r *sample.Registry) {
	for _, s := range specs {
		r.Register(s.Name, s.Body)
	}
}

func emptyInit(*rand.Rand) *blackboard.Blackboard {
	return blackboard.New()
}

func noAction(*rand.Rand, *blackboard.Blackboard) (*blackboard.Blackboard, error) {
	return nil, ErrNoSuspension
}

// action reads the Action key as a scalar or as the first element of a
// vector, which is how learners usually hand it back.
func action(s *sample.Sample) (float64, error) {
	v, err := s.Get(sample.KeyAction)
	if err != nil {
		return 0, err
	}
	if f, ok := v.AsScalar(); ok {
		return f, nil
	}
	if xs, ok := v.AsVector(); ok && len(xs) > 0 {
		return xs[0], nil
	}
	return 0, &blackboard.TypeMismatchError{Key: sample.KeyAction, Want: blackboard.KindScalar, Got: v.Kind()}
}

func actionBoard(a float64) *blackboard.Blackboard {
	bb := blackboard.New()
	bb.Set(sample.KeyAction, blackboard.Vector(a))
	return bb
}
