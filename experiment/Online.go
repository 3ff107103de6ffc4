// Package experiment runs agent-environment interaction loops.
package experiment

import (
	"fmt"
	"io"
	"time"

	"github.com/driftlock/agentrl/environment"
	"github.com/driftlock/agentrl/experience"
	"github.com/driftlock/agentrl/orchestrator"
	"github.com/driftlock/agentrl/utils/progressbar"
)

// Experiment runs a learner on some task until completion.
type Experiment interface {
	Run() error
}

// Online interleaves acting and learning: each environment step is
// recorded as experience, and a training batch runs every trainEvery
// steps. Episodes restart whenever the environment signals the end of
// one.
type Online struct {
	orch       *orchestrator.Orchestrator
	env        environment.Environment
	maxSteps   int
	trainEvery int

	// progress, when non-nil, receives a progress bar during Run
	progress io.Writer
}

// NewOnline returns an online experiment running for maxSteps
// environment steps and training every trainEvery steps. A progress
// bar is written to progress when it is non-nil.
func NewOnline(orch *orchestrator.Orchestrator, env environment.Environment,
	maxSteps, trainEvery int, progress io.Writer) (*Online, error) {
	if maxSteps < 1 {
		return nil, fmt.Errorf("newOnline: maxSteps must be >= 1 "+
			"\n\thave(%v)", maxSteps)
	}
	if trainEvery < 1 {
		return nil, fmt.Errorf("newOnline: trainEvery must be >= 1 "+
			"\n\thave(%v)", trainEvery)
	}

	return &Online{
		orch:       orch,
		env:        env,
		maxSteps:   maxSteps,
		trainEvery: trainEvery,
		progress:   progress,
	}, nil
}

var _ Experiment = (*Online)(nil)

// Run interacts with the environment for the configured number of
// steps. Malformed transitions are dropped and the loop continues.
func (o *Online) Run() error {
	var bar *progressbar.ProgressBar
	if o.progress != nil {
		bar = progressbar.New(o.progress, 50, o.maxSteps, time.Second)
		defer bar.Close()
	}

	state := o.env.Reset()
	for step := 1; step <= o.maxSteps; step++ {
		action, err := o.orch.SelectAction(state)
		if err != nil {
			return fmt.Errorf("run: %v", err)
		}

		next, reward, done := o.env.Step(action)

		exp := experience.New(state, action, reward, next, done)
		// Insertion errors mean a malformed transition; the
		// orchestrator has already counted and logged it.
		_ = o.orch.ProcessExperience(exp)

		if step%o.trainEvery == 0 {
			o.orch.TrainBatch()
		}

		if done {
			state = o.env.Reset()
		} else {
			state = next
		}
		if bar != nil {
			bar.Increment()
		}
	}
	return nil
}
