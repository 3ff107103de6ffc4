// Package environment provides task environments that generate the
// experience a learner trains on.
package environment

import (
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r1"
)

// Environment is a task an agent interacts with. Reset starts a new
// episode and returns its first state. Step applies an action and
// returns the next state, the reward, and whether the episode ended.
type Environment interface {
	Reset() *mat.VecDense
	Step(action int) (*mat.VecDense, float64, bool)

	// Features returns the length of state vectors produced by the
	// environment
	Features() int

	// NumActions returns the number of discrete actions available
	NumActions() int
}

// UniformStarter draws episode start states uniformly from a set of
// per-feature intervals.
type UniformStarter struct {
	bounds []r1.Interval
	rng    *rand.Rand
}

// NewUniformStarter returns a UniformStarter drawing starts from
// bounds, one interval per state feature.
func NewUniformStarter(bounds []r1.Interval, seed uint64) UniformStarter {
	return UniformStarter{
		bounds: bounds,
		rng:    rand.New(rand.NewSource(seed)),
	}
}

// Start returns a new start state.
func (u UniformStarter) Start() *mat.VecDense {
	state := make([]float64, len(u.bounds))
	for i, bound := range u.bounds {
		state[i] = bound.Min + u.rng.Float64()*(bound.Max-bound.Min)
	}
	return mat.NewVecDense(len(state), state)
}
