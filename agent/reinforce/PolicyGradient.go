// Package reinforce implements a policy-gradient learner over a linear
// softmax policy.
package reinforce

import (
	"encoding/json"
	"fmt"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/mat"

	"github.com/driftlock/agentrl/agent"
	"github.com/driftlock/agentrl/expreplay"
	"github.com/driftlock/agentrl/utils/floatutils"
)

// Config describes a policy-gradient learner.
type Config struct {
	Features   int
	NumActions int

	LearningRate      float64
	CriticRate        float64 // Step size of the linear value critic
	Gamma             float64 // Discount factor
	ClipRatio         float64 // Policy ratio clip width, e.g. 0.2
	SyncReferenceEvery int     // Batches between reference policy syncs
}

// Validate checks a Config to ensure it is a valid configuration
func (c Config) Validate() error {
	if c.Features < 1 {
		return fmt.Errorf("reinforce: features must be >= 1")
	}
	if c.NumActions < 1 {
		return fmt.Errorf("reinforce: numActions must be >= 1")
	}
	if c.LearningRate <= 0 {
		return fmt.Errorf("reinforce: learning rate must be > 0")
	}
	if c.CriticRate <= 0 {
		return fmt.Errorf("reinforce: critic rate must be > 0")
	}
	if c.Gamma < 0 || c.Gamma >= 1 {
		return fmt.Errorf("reinforce: gamma must be in [0, 1)")
	}
	if c.ClipRatio <= 0 || c.ClipRatio >= 1 {
		return fmt.Errorf("reinforce: clip ratio must be in (0, 1)")
	}
	if c.SyncReferenceEvery < 1 {
		return fmt.Errorf("reinforce: syncReferenceEvery must be >= 1")
	}
	return nil
}

// Learner implements agent.Learner with a linear softmax policy
// π(a|s) = softmax(W φ(s)) and a linear value critic v(s) = w · φ(s).
//
// Each batch performs one ascent step on the clipped advantage-weighted
// objective
//
//	L = min(ρ(a|s) A(s, a), clip(ρ(a|s), 1-ε, 1+ε) A(s, a))
//
// where ρ is the probability ratio against a reference policy that is
// synchronized with the online policy every SyncReferenceEvery batches.
// The critic's TD error serves as the advantage estimate.
type Learner struct {
	weights    *mat.Dense // NumActions x Features online policy
	refWeights *mat.Dense // Reference policy for the ratio
	critic     *mat.VecDense

	features     int
	numActions   int
	learningRate float64
	criticRate   float64
	gamma        float64
	clipRatio    float64
	syncEvery    int

	batches int

	rng *rand.Rand
}

// snapshot is the JSON form of a Learner's parameters.
type snapshot struct {
	Weights []float64 `json:"weights"`
	Critic  []float64 `json:"critic"`
	Batches int       `json:"batches"`
}

// New creates a new policy-gradient learner.
func New(config Config, seed uint64) (*Learner, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("new: %v", err)
	}

	return &Learner{
		weights:      mat.NewDense(config.NumActions, config.Features, nil),
		refWeights:   mat.NewDense(config.NumActions, config.Features, nil),
		critic:       mat.NewVecDense(config.Features, nil),
		features:     config.Features,
		numActions:   config.NumActions,
		learningRate: config.LearningRate,
		criticRate:   config.CriticRate,
		gamma:        config.Gamma,
		clipRatio:    config.ClipRatio,
		syncEvery:    config.SyncReferenceEvery,
		rng:          rand.New(rand.NewSource(seed)),
	}, nil
}

var _ agent.Learner = (*Learner)(nil)

// policy computes the softmax action distribution of a weight matrix
// at a state.
func (p *Learner) policy(weights *mat.Dense, state mat.Vector) []float64 {
	logits := make([]float64, p.numActions)
	for a := 0; a < p.numActions; a++ {
		logits[a] = mat.Dot(weights.RowView(a), state)
	}
	return floatutils.Softmax(logits)
}

// value computes the critic's value estimate of a state.
func (p *Learner) value(state mat.Vector) float64 {
	return mat.Dot(p.critic, state)
}

// Predict returns the policy's action probabilities at the given state.
func (p *Learner) Predict(state mat.Vector) (*mat.VecDense, error) {
	if state == nil || state.Len() != p.features {
		return nil, fmt.Errorf("predict: invalid state \n\twant(%v "+
			"features)\n\thave(%v)", p.features, stateLen(state))
	}
	return mat.NewVecDense(p.numActions, p.policy(p.weights, state)), nil
}

// SelectAction chooses an action. With probability explorationRate a
// uniform random action is taken; otherwise an action is sampled from
// the policy distribution.
func (p *Learner) SelectAction(state mat.Vector,
	explorationRate float64) (int, bool, error) {
	if p.rng.Float64() < explorationRate {
		return p.rng.Intn(p.numActions), true, nil
	}

	probs, err := p.Predict(state)
	if err != nil {
		return 0, false, fmt.Errorf("selectaction: %v", err)
	}

	// Inverse transform sampling over the action distribution
	u := p.rng.Float64()
	cumulative := 0.0
	for a := 0; a < p.numActions; a++ {
		cumulative += probs.AtVec(a)
		if u < cumulative {
			return a, false, nil
		}
	}
	return p.numActions - 1, false, nil
}

// TrainOnBatch performs one clipped policy ascent step and one critic
// update, returning the per-sample advantage magnitudes.
func (p *Learner) TrainOnBatch(batch *expreplay.Batch) ([]float64, error) {
	if batch == nil || len(batch.Experiences) == 0 {
		return nil, fmt.Errorf("trainonbatch: empty batch")
	}
	if len(batch.Weights) != len(batch.Experiences) {
		return nil, fmt.Errorf("trainonbatch: weights length mismatch"+
			"\n\twant(%v)\n\thave(%v)", len(batch.Experiences),
			len(batch.Weights))
	}

	advantages := make([]float64, len(batch.Experiences))
	for i, exp := range batch.Experiences {
		if err := exp.Validate(p.features); err != nil {
			return nil, fmt.Errorf("trainonbatch: sample %v: %v", i, err)
		}
		if exp.Action >= p.numActions {
			return nil, fmt.Errorf("trainonbatch: sample %v: action out of "+
				"range \n\twant(< %v)\n\thave(%v)", i, p.numActions,
				exp.Action)
		}

		sampleWeight := batch.Weights[i]

		// Advantage is the critic's TD error
		advantage := exp.Reward + exp.Discount(p.gamma)*p.value(exp.NextState) -
			p.value(exp.State)

		probs := p.policy(p.weights, exp.State)
		refProbs := p.policy(p.refWeights, exp.State)
		ratio := probs[exp.Action] / refProbs[exp.Action]

		// The clipped objective has zero gradient when the ratio has
		// already moved past the clip boundary in the direction the
		// advantage pushes it
		clipped := (advantage > 0 && ratio > 1+p.clipRatio) ||
			(advantage < 0 && ratio < 1-p.clipRatio)
		if !clipped {
			// ∇W L = ρ A (onehot(a) - π(s)) φ(s)^T
			scale := p.learningRate * sampleWeight * ratio * advantage
			for a := 0; a < p.numActions; a++ {
				grad := -probs[a]
				if a == exp.Action {
					grad++
				}
				for f := 0; f < p.features; f++ {
					p.weights.Set(a, f, p.weights.At(a, f)+
						scale*grad*exp.State.AtVec(f))
				}
			}
		}

		// Semi-gradient TD update of the critic
		criticScale := p.criticRate * sampleWeight * advantage
		for f := 0; f < p.features; f++ {
			p.critic.SetVec(f, p.critic.AtVec(f)+
				criticScale*exp.State.AtVec(f))
		}

		if advantage < 0 {
			advantage = -advantage
		}
		advantages[i] = advantage
	}

	p.batches++
	if p.batches%p.syncEvery == 0 {
		p.refWeights.Copy(p.weights)
	}
	return advantages, nil
}

// ExportSnapshot serializes the policy and critic parameters.
func (p *Learner) ExportSnapshot() (json.RawMessage, error) {
	weights := make([]float64, p.numActions*p.features)
	copy(weights, p.weights.RawMatrix().Data)
	critic := make([]float64, p.features)
	copy(critic, p.critic.RawVector().Data)

	data, err := json.Marshal(snapshot{
		Weights: weights,
		Critic:  critic,
		Batches: p.batches,
	})
	if err != nil {
		return nil, fmt.Errorf("exportsnapshot: %v", err)
	}
	return data, nil
}

// ImportSnapshot replaces the policy and critic parameters. The
// reference policy is synchronized to the imported online policy.
func (p *Learner) ImportSnapshot(parameters json.RawMessage) error {
	var snap snapshot
	if err := json.Unmarshal(parameters, &snap); err != nil {
		return fmt.Errorf("importsnapshot: %v", err)
	}
	if len(snap.Weights) != p.numActions*p.features {
		return fmt.Errorf("importsnapshot: wrong policy size\n\twant(%v)"+
			"\n\thave(%v)", p.numActions*p.features, len(snap.Weights))
	}
	if len(snap.Critic) != p.features {
		return fmt.Errorf("importsnapshot: wrong critic size\n\twant(%v)"+
			"\n\thave(%v)", p.features, len(snap.Critic))
	}

	p.weights = mat.NewDense(p.numActions, p.features, snap.Weights)
	p.refWeights = mat.DenseCopyOf(p.weights)
	p.critic = mat.NewVecDense(p.features, snap.Critic)
	p.batches = snap.Batches
	return nil
}

// SetLearningRate replaces the policy step size for subsequent updates.
func (p *Learner) SetLearningRate(lr float64) {
	p.learningRate = lr
}

// Reset zeroes the policy and critic parameters.
func (p *Learner) Reset() {
	p.weights = mat.NewDense(p.numActions, p.features, nil)
	p.refWeights = mat.NewDense(p.numActions, p.features, nil)
	p.critic = mat.NewVecDense(p.features, nil)
	p.batches = 0
}

// Features returns the state vector width the learner expects.
func (p *Learner) Features() int {
	return p.features
}

// NumActions returns the number of actions the learner chooses between.
func (p *Learner) NumActions() int {
	return p.numActions
}

func stateLen(state mat.Vector) int {
	if state == nil {
		return 0
	}
	return state.Len()
}
