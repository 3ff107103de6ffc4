// Package agent defines the learner capability interface
package agent

import (
	"encoding/json"

	"gonum.org/v1/gonum/mat"

	"github.com/driftlock/agentrl/expreplay"
)

// Learner implements a learning algorithm: it predicts action values
// or probabilities, selects actions under an exploration policy, and
// updates its parameters from priority-sampled batches.
//
// Exploration-rate scheduling is external to the Learner; callers pass
// the current rate to SelectAction on every call. Parameters are
// mutated only inside TrainOnBatch, ImportSnapshot, and Reset, so a
// caller that serializes those calls may run Predict and SelectAction
// under the same serialization with no further coordination.
type Learner interface {
	// Predict returns the value (or probability) of each action in
	// the given state.
	Predict(state mat.Vector) (*mat.VecDense, error)

	// SelectAction chooses an action for the given state under the
	// current exploration rate. The second return reports whether the
	// action was exploratory rather than greedy.
	SelectAction(state mat.Vector, explorationRate float64) (int, bool, error)

	// TrainOnBatch updates parameters from a priority-sampled batch,
	// scaling each sample's update by its importance weight. It
	// returns the per-sample TD error magnitudes used to refresh
	// sampling priorities.
	TrainOnBatch(batch *expreplay.Batch) ([]float64, error)

	// ExportSnapshot serializes the learner's parameters. The result
	// is opaque to callers; only the learner that produced it can
	// restore it.
	ExportSnapshot() (json.RawMessage, error)

	// ImportSnapshot restores parameters from a prior export.
	ImportSnapshot(parameters json.RawMessage) error

	// SetLearningRate replaces the learning rate used by subsequent
	// TrainOnBatch calls.
	SetLearningRate(lr float64)

	// Reset discards all learned parameters.
	Reset()

	// Features returns the state vector width the learner expects.
	Features() int

	// NumActions returns the number of actions the learner chooses
	// between.
	NumActions() int
}
