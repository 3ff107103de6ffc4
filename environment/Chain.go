package environment

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r1"
)

const (
	// ChainStepReward is the reward for every step that does not
	// reach the goal
	ChainStepReward float64 = -0.01

	// ChainGoalReward is the reward for reaching the right end of
	// the chain
	ChainGoalReward float64 = 1.0
)

// Chain is a deterministic chain walk. Positions run from 0 to
// length-1, episodes start uniformly over the left half, and action 1
// moves right while action 0 moves left. Reaching the right end gives
// ChainGoalReward and ends the episode; every other step gives
// ChainStepReward. Episodes also end after maxSteps steps.
type Chain struct {
	length   int
	maxSteps int
	starter  UniformStarter

	position int
	steps    int
}

// NewChain returns a chain walk of the given length. Start positions
// are drawn uniformly from the left half of the chain.
func NewChain(length, maxSteps int, seed uint64) (*Chain, error) {
	if length < 2 {
		return nil, fmt.Errorf("newChain: length must be >= 2 \n\thave(%v)",
			length)
	}
	if maxSteps < 1 {
		return nil, fmt.Errorf("newChain: maxSteps must be >= 1 "+
			"\n\thave(%v)", maxSteps)
	}

	bounds := []r1.Interval{{Min: 0, Max: float64(length) / 2.0}}
	return &Chain{
		length:   length,
		maxSteps: maxSteps,
		starter:  NewUniformStarter(bounds, seed),
	}, nil
}

// Features returns the length of state vectors produced by the chain
func (c *Chain) Features() int { return 1 }

// NumActions returns the number of discrete actions available
func (c *Chain) NumActions() int { return 2 }

// Reset starts a new episode and returns its first state.
func (c *Chain) Reset() *mat.VecDense {
	start := c.starter.Start().AtVec(0)
	c.position = int(math.Floor(start))
	if c.position > c.length-2 {
		c.position = c.length - 2
	}
	c.steps = 0
	return c.state()
}

// Step applies an action and returns the next state, the reward, and
// whether the episode ended.
func (c *Chain) Step(action int) (*mat.VecDense, float64, bool) {
	if action == 1 {
		c.position++
	} else if c.position > 0 {
		c.position--
	}
	c.steps++

	if c.position == c.length-1 {
		return c.state(), ChainGoalReward, true
	}
	return c.state(), ChainStepReward, c.steps >= c.maxSteps
}

// state returns the current position scaled to [0, 1].
func (c *Chain) state() *mat.VecDense {
	scaled := float64(c.position) / float64(c.length-1)
	return mat.NewVecDense(1, []float64{scaled})
}

var _ Environment = (*Chain)(nil)
