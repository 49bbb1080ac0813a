package bodies

import (
	"math"
	"math/rand/v2"

	"github.com/seantiz/forge/internal/blackboard"
	"github.com/seantiz/forge/internal/model"
	"github.com/seantiz/forge/internal/sample"
)

// Cart-pole dynamics, integrated with explicit Euler steps.
const (
	gravity        = 9.8
	cartMass       = 1.0
	poleMass       = 0.1
	totalMass      = cartMass + poleMass
	poleHalfLength = 0.5
	poleMassLength = poleMass * poleHalfLength
	forceMag       = 10.0
	tau            = 0.02

	xThreshold     = 2.4
	thetaThreshold = 12 * 2 * math.Pi / 360

	defaultMaxSteps = 500
	// MaxStepsSetting is read from the Custom Settings map to cap an episode.
	MaxStepsSetting = "Max Steps"
)

type cartState struct {
	x, xDot, theta, thetaDot float64
}

func (c cartState) vector() []float64 {
	return []float64{c.x, c.xDot, c.theta, c.thetaDot}
}

func (c cartState) fallen() bool {
	return math.Abs(c.x) > xThreshold || math.Abs(c.theta) > thetaThreshold
}

func (c cartState) step(force float64) cartState {
	force = max(-forceMag, min(forceMag, force))
	sin, cos := math.Sincos(c.theta)

	temp := (force + poleMassLength*c.thetaDot*c.thetaDot*sin) / totalMass
	thetaAcc := (gravity*sin - cos*temp) / (poleHalfLength * (4.0/3.0 - poleMass*cos*cos/totalMass))
	xAcc := temp - poleMassLength*thetaAcc*cos/totalMass

	return cartState{
		x:        c.x + tau*c.xDot,
		xDot:     c.xDot + tau*xAcc,
		theta:    c.theta + tau*c.thetaDot,
		thetaDot: c.thetaDot + tau*thetaAcc,
	}
}

// CartPole runs one balancing episode. Each step publishes the four-element
// State, suspends for a force under Action and rewards 1 for every step the
// pole stays up. The episode is Terminal when the pole falls or the cart
// leaves the track, and Truncated after the step limit.
func CartPole(s *sample.Sample) error {
	maxSteps := defaultMaxSteps
	if settings, err := s.Map(sample.KeyCustomSettings); err == nil {
		if v, err := settings.Scalar(MaxStepsSetting); err == nil && v >= 1 {
			maxSteps = int(v)
		}
	}

	rng := s.Rand()
	st := cartState{
		x:        rng.Float64()*0.1 - 0.05,
		xDot:     rng.Float64()*0.1 - 0.05,
		theta:    rng.Float64()*0.1 - 0.05,
		thetaDot: rng.Float64()*0.1 - 0.05,
	}

	for range maxSteps {
		s.SetVector(sample.KeyState, st.vector()...)
		if err := s.Update(sample.KeyAction); err != nil {
			return err
		}
		force, err := action(s)
		if err != nil {
			return err
		}
		st = st.step(force)
		s.SetScalar(sample.KeyReward, 1)
		if st.fallen() {
			s.SetVector(sample.KeyState, st.vector()...)
			s.Terminate(model.OutcomeTerminal)
			return nil
		}
	}
	s.SetVector(sample.KeyState, st.vector()...)
	s.Terminate(model.OutcomeTruncated)
	return nil
}

func cartPoleAct(rng *rand.Rand, _ *blackboard.Blackboard) (*blackboard.Blackboard, error) {
	if rng.IntN(2) == 0 {
		return actionBoard(-forceMag), nil
	}
	return actionBoard(forceMag), nil
}
