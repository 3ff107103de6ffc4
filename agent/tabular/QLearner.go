// Package tabular implements a tabular Q-learning value learner.
//
// States are discretized onto a grid and hashed; each occupied cell
// maps to a fixed-length action-value vector. The learner is suited to
// low-dimensional state encodings where the grid stays small.
package tabular

import (
	"encoding/json"
	"fmt"
	"strconv"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/mat"

	"github.com/driftlock/agentrl/agent"
	"github.com/driftlock/agentrl/experience"
	"github.com/driftlock/agentrl/expreplay"
	"github.com/driftlock/agentrl/utils/floatutils"
)

// DefaultResolution is the state discretization grid width used when
// a Config leaves Resolution unset.
const DefaultResolution = 0.5

// Config describes a tabular Q-learner.
type Config struct {
	Features     int
	NumActions   int
	LearningRate float64
	Gamma        float64 // Discount factor

	// Resolution is the grid width used to discretize states before
	// hashing. Zero means DefaultResolution.
	Resolution float64
}

// Validate checks a Config to ensure it is a valid configuration
func (c Config) Validate() error {
	if c.Features < 1 {
		return fmt.Errorf("tabular: features must be >= 1")
	}
	if c.NumActions < 1 {
		return fmt.Errorf("tabular: numActions must be >= 1")
	}
	if c.LearningRate <= 0 {
		return fmt.Errorf("tabular: learning rate must be > 0")
	}
	if c.Gamma < 0 || c.Gamma >= 1 {
		return fmt.Errorf("tabular: gamma must be in [0, 1)")
	}
	if c.Resolution < 0 {
		return fmt.Errorf("tabular: resolution must be positive")
	}
	return nil
}

// QLearner implements agent.Learner with a hash-keyed Q-table and the
// standard bootstrapped value update
//
//	Q(s,a) += lr * (r + gamma * max_a' Q(s',a') * (1-terminal) - Q(s,a))
//
// scaled by each sample's importance weight.
type QLearner struct {
	table map[uint64][]float64

	features     int
	numActions   int
	learningRate float64
	gamma        float64
	resolution   float64

	rng *rand.Rand
}

// snapshot is the JSON form of a QLearner's parameters.
type snapshot struct {
	Resolution float64              `json:"resolution"`
	Table      map[string][]float64 `json:"table"`
}

// New creates a new QLearner.
func New(config Config, seed uint64) (*QLearner, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("new: %v", err)
	}

	resolution := config.Resolution
	if resolution == 0 {
		resolution = DefaultResolution
	}

	return &QLearner{
		table:        make(map[uint64][]float64),
		features:     config.Features,
		numActions:   config.NumActions,
		learningRate: config.LearningRate,
		gamma:        config.Gamma,
		resolution:   resolution,
		rng:          rand.New(rand.NewSource(seed)),
	}, nil
}

var _ agent.Learner = (*QLearner)(nil)

// values returns the action-value vector for a state hash, creating a
// zero vector for unseen states.
func (q *QLearner) values(hash uint64) []float64 {
	v, ok := q.table[hash]
	if !ok {
		v = make([]float64, q.numActions)
		q.table[hash] = v
	}
	return v
}

// Predict returns the action values of the given state.
func (q *QLearner) Predict(state mat.Vector) (*mat.VecDense, error) {
	if state == nil || state.Len() != q.features {
		return nil, fmt.Errorf("predict: invalid state \n\twant(%v features)"+
			"\n\thave(%v)", q.features, stateLen(state))
	}

	values := q.values(experience.Hash(state, q.resolution))
	out := make([]float64, q.numActions)
	copy(out, values)
	return mat.NewVecDense(q.numActions, out), nil
}

// SelectAction chooses epsilon-greedily: with probability
// explorationRate a uniform random action, otherwise the argmax action
// with ties broken by the lowest action index.
func (q *QLearner) SelectAction(state mat.Vector,
	explorationRate float64) (int, bool, error) {
	if q.rng.Float64() < explorationRate {
		return q.rng.Intn(q.numActions), true, nil
	}

	values, err := q.Predict(state)
	if err != nil {
		return 0, false, fmt.Errorf("selectaction: %v", err)
	}
	return floatutils.ArgMax(values.RawVector().Data), false, nil
}

// TrainOnBatch updates the Q-table from a priority-sampled batch and
// returns the per-sample TD error magnitudes.
func (q *QLearner) TrainOnBatch(batch *expreplay.Batch) ([]float64, error) {
	if batch == nil || len(batch.Experiences) == 0 {
		return nil, fmt.Errorf("trainonbatch: empty batch")
	}
	if len(batch.Experiences) != len(batch.Weights) {
		return nil, fmt.Errorf("trainonbatch: weights length mismatch "+
			"\n\twant(%v)\n\thave(%v)", len(batch.Experiences),
			len(batch.Weights))
	}

	tdErrors := make([]float64, len(batch.Experiences))
	for i, exp := range batch.Experiences {
		if err := exp.Validate(q.features); err != nil {
			return nil, fmt.Errorf("trainonbatch: sample %v: %v", i, err)
		}
		if exp.Action >= q.numActions {
			return nil, fmt.Errorf("trainonbatch: sample %v: action out of "+
				"range \n\twant(< %v)\n\thave(%v)", i, q.numActions,
				exp.Action)
		}

		values := q.values(experience.Hash(exp.State, q.resolution))
		next := q.values(experience.Hash(exp.NextState, q.resolution))

		maxNext := floatutils.Max(next...)
		target := exp.Reward + exp.Discount(q.gamma)*maxNext

		tdError := target - values[exp.Action]
		values[exp.Action] += q.learningRate * tdError * batch.Weights[i]

		if tdError < 0 {
			tdError = -tdError
		}
		tdErrors[i] = tdError
	}
	return tdErrors, nil
}

// ExportSnapshot serializes the Q-table.
func (q *QLearner) ExportSnapshot() (json.RawMessage, error) {
	snap := snapshot{
		Resolution: q.resolution,
		Table:      make(map[string][]float64, len(q.table)),
	}
	for hash, values := range q.table {
		out := make([]float64, len(values))
		copy(out, values)
		snap.Table[strconv.FormatUint(hash, 10)] = out
	}

	data, err := json.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("exportsnapshot: %v", err)
	}
	return data, nil
}

// ImportSnapshot replaces the Q-table with a previously exported one.
func (q *QLearner) ImportSnapshot(parameters json.RawMessage) error {
	var snap snapshot
	if err := json.Unmarshal(parameters, &snap); err != nil {
		return fmt.Errorf("importsnapshot: %v", err)
	}

	table := make(map[uint64][]float64, len(snap.Table))
	for key, values := range snap.Table {
		hash, err := strconv.ParseUint(key, 10, 64)
		if err != nil {
			return fmt.Errorf("importsnapshot: bad state hash %q: %v", key,
				err)
		}
		if len(values) != q.numActions {
			return fmt.Errorf("importsnapshot: state %q has %v action "+
				"values, want %v", key, len(values), q.numActions)
		}
		table[hash] = values
	}

	q.table = table
	if snap.Resolution > 0 {
		q.resolution = snap.Resolution
	}
	return nil
}

// SetLearningRate replaces the learning rate for subsequent updates.
func (q *QLearner) SetLearningRate(lr float64) {
	q.learningRate = lr
}

// Reset discards the Q-table.
func (q *QLearner) Reset() {
	q.table = make(map[uint64][]float64)
}

// Features returns the state vector width the learner expects.
func (q *QLearner) Features() int {
	return q.features
}

// NumActions returns the number of actions the learner chooses between.
func (q *QLearner) NumActions() int {
	return q.numActions
}

// States returns the number of distinct discretized states visited.
func (q *QLearner) States() int {
	return len(q.table)
}

func stateLen(state mat.Vector) int {
	if state == nil {
		return 0
	}
	return state.Len()
}
