package bodies

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"

	"github.com/seantiz/forge/internal/blackboard"
	"github.com/seantiz/forge/internal/engine"
)

// Batch builds n samples for spec. Initial boards are drawn from a source
// seeded by seed and the sample id, so the same seed yields the same batch.
func Batch(spec Spec, n int, seed uint64) engine.Batch {
	b := engine.Batch{Body: spec.Name, Seed: seed, Samples: make([]engine.Input, 0, n)}
	for id := range n {
		rng := rand.New(rand.NewPCG(seed, uint64(id)))
		b.Samples = append(b.Samples, engine.Input{ID: id, Blackboard: spec.Init(rng)})
	}
	return b
}

// RandomResponder answers every suspension with a random action for spec.
func RandomResponder(spec Spec, seed uint64) engine.Responder {
	var mu sync.Mutex
	rng := rand.New(rand.NewPCG(seed, 0x5eed))
	return func(_ context.Context, s *engine.Suspension) (*blackboard.Blackboard, error) {
		mu.Lock()
		defer mu.Unlock()
		values, err := spec.Act(rng, s.Blackboard)
		if err != nil {
			return nil, fmt.Errorf("%s sample %d: %w", spec.Name, s.SampleID, err)
		}
		return values, nil
	}
}
