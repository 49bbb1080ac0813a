package bodies

import (
	"fmt"
	"math"
	"math/rand/v2"

	"github.com/seantiz/forge/internal/blackboard"
	"github.com/seantiz/forge/internal/model"
	"github.com/seantiz/forge/internal/sample"
)

const (
	rosenbrockDims  = 2
	rosenbrockBound = 5.0
)

// Rosenbrock evaluates the Rosenbrock function at Parameters and stores the
// negated value under F(x), so maximisers converge on (1, ..., 1).
func Rosenbrock(s *sample.Sample) error {
	x, err := s.Vector(sample.KeyParameters)
	if err != nil {
		return err
	}
	if len(x) < 2 {
		return fmt.Errorf("rosenbrock needs at least 2 parameters, got %d", len(x))
	}
	s.SetScalar(sample.KeyFx, -rosenbrock(x))
	s.Terminate(model.OutcomeTerminal)
	return nil
}

func rosenbrock(x []float64) float64 {
	sum := 0.0
	for i := range len(x) - 1 {
		sum += 100*math.Pow(x[i+1]-x[i]*x[i], 2) + math.Pow(x[i]-1, 2)
	}
	return sum
}

func rosenbrockInit(rng *rand.Rand) *blackboard.Blackboard {
	x := make([]float64, rosenbrockDims)
	for i := range x {
		x[i] = (rng.Float64()*2 - 1) * rosenbrockBound
	}
	bb := blackboard.New()
	bb.Set(sample.KeyParameters, blackboard.Vector(x...))
	return bb
}
