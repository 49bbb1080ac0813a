package bodies

import (
	"math"
	"math/rand/v2"

	"github.com/seantiz/forge/internal/blackboard"
	"github.com/seantiz/forge/internal/model"
	"github.com/seantiz/forge/internal/sample"
)

// Alpha-beta allocation problem: at each stage the policy splits the
// resource x into y and x-y, earning g(y) + h(x-y), and the next stage
// starts from alpha*y + beta*(x-y).
const (
	abStages   = 3
	abInitialX = 1.0
	abAlpha    = 0.75
	abBeta     = 0.50
)

func abG(y float64) float64 { return math.Cos(1 + 23*y) }

func abH(v float64) float64 { return math.Sin(10 * v) }

// AlphaBeta runs the three-stage allocation. An action larger than the
// current resource is infeasible and ends the episode with a Reward of -Inf.
func AlphaBeta(s *sample.Sample) error {
	x := abInitialX
	reward := 0.0
	s.SetScalar(sample.KeyReward, reward)

	for range abStages {
		s.SetVector(sample.KeyState, x)
		if err := s.Update(sample.KeyAction); err != nil {
			return err
		}
		y, err := action(s)
		if err != nil {
			return err
		}
		if y > x {
			s.SetScalar(sample.KeyReward, math.Inf(-1))
			s.Terminate(model.OutcomeTerminal)
			return nil
		}
		reward += abG(y) + abH(x-y)
		s.SetScalar(sample.KeyReward, reward)
		x = abAlpha*y + abBeta*(x-y)
	}
	s.Terminate(model.OutcomeTerminal)
	return nil
}

func alphaBetaAct(rng *rand.Rand, bb *blackboard.Blackboard) (*blackboard.Blackboard, error) {
	state, err := bb.Vector(sample.KeyState)
	if err != nil {
		return nil, err
	}
	x := 0.0
	if len(state) > 0 {
		x = state[0]
	}
	return actionBoard(rng.Float64() * x), nil
}
