// Package experience implements experience records of the
// agent-environment interaction
package experience

import (
	"fmt"
	"hash/fnv"
	"math"

	"gonum.org/v1/gonum/mat"
)

// Experience packages together a single (state, action, reward,
// next state, terminal) observation. Records are immutable once
// created: the same record may be sampled many times from a replay
// buffer, but its fields never change.
type Experience struct {
	State     *mat.VecDense
	Action    int
	Reward    float64
	NextState *mat.VecDense
	Terminal  bool
}

// New creates a new Experience.
func New(state *mat.VecDense, action int, reward float64,
	nextState *mat.VecDense, terminal bool) Experience {
	return Experience{
		State:     state,
		Action:    action,
		Reward:    reward,
		NextState: nextState,
		Terminal:  terminal,
	}
}

// Validate checks that an Experience is well formed for a deployment
// whose state vectors have featureSize components. A mismatched state
// width is a contract violation with the producing collaborator.
func (e Experience) Validate(featureSize int) error {
	if e.State == nil || e.NextState == nil {
		return fmt.Errorf("validate: nil state vector")
	}
	if e.State.Len() != featureSize || e.NextState.Len() != featureSize {
		return fmt.Errorf("validate: invalid feature size \n\twant(%v)"+
			"\n\thave(%v, %v)", featureSize, e.State.Len(), e.NextState.Len())
	}
	if e.Action < 0 {
		return fmt.Errorf("validate: negative action id %v", e.Action)
	}
	if math.IsNaN(e.Reward) || math.IsInf(e.Reward, 0) {
		return fmt.Errorf("validate: non-finite reward %v", e.Reward)
	}
	for i := 0; i < e.State.Len(); i++ {
		if math.IsNaN(e.State.AtVec(i)) || math.IsInf(e.State.AtVec(i), 0) ||
			math.IsNaN(e.NextState.AtVec(i)) ||
			math.IsInf(e.NextState.AtVec(i), 0) {
			return fmt.Errorf("validate: non-finite state component at %v", i)
		}
	}
	return nil
}

// Discount returns the effective discount to apply to bootstrapped
// targets for this record: gamma for non-terminal transitions and 0
// for terminal ones.
func (e Experience) Discount(gamma float64) float64 {
	if e.Terminal {
		return 0
	}
	return gamma
}

// Hash discretizes a state vector onto a grid with the given
// resolution and returns a stable 64-bit hash of the grid cell.
// Tabular learners use this to key their value tables.
func Hash(state mat.Vector, resolution float64) uint64 {
	h := fnv.New64a()
	var buf [8]byte
	for i := 0; i < state.Len(); i++ {
		cell := int64(math.Floor(state.AtVec(i) / resolution))
		for b := 0; b < 8; b++ {
			buf[b] = byte(cell >> (8 * b))
		}
		h.Write(buf[:])
	}
	return h.Sum64()
}
