// Package deepq implements a deep Q-learning value learner with
// separate online and target networks.
package deepq

import (
	"encoding/json"
	"fmt"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/mat"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"

	"github.com/driftlock/agentrl/agent"
	"github.com/driftlock/agentrl/expreplay"
	"github.com/driftlock/agentrl/initwfn"
	"github.com/driftlock/agentrl/network"
	"github.com/driftlock/agentrl/solver"
	"github.com/driftlock/agentrl/utils/floatutils"
)

// Config describes a deep Q-learner.
type Config struct {
	Features   int
	NumActions int

	// Hidden layer architecture of the value networks. For index i,
	// HiddenSizes[i] is the number of units in hidden layer i,
	// Biases[i] determines whether layer i has a bias unit, and
	// Activations[i] is the activation of layer i.
	HiddenSizes []int
	Biases      []bool
	Activations []*network.Activation
	InitWFn     *initwfn.InitWFn

	Gamma     float64 // Discount factor
	BatchSize int

	// UpdateTargetEvery is the number of gradient steps between
	// target network synchronizations. Tau is the polyak averaging
	// constant used at each synchronization; 1.0 copies the online
	// weights outright.
	UpdateTargetEvery int
	Tau               float64

	Solver *solver.Solver
}

// Validate checks a Config to ensure it is a valid configuration
func (c Config) Validate() error {
	if c.Features < 1 {
		return fmt.Errorf("deepq: features must be >= 1")
	}
	if c.NumActions < 1 {
		return fmt.Errorf("deepq: numActions must be >= 1")
	}
	if len(c.HiddenSizes) != len(c.Biases) {
		return fmt.Errorf("deepq: invalid number of biases\n\twant(%v)"+
			"\n\thave(%v)", len(c.HiddenSizes), len(c.Biases))
	}
	if len(c.HiddenSizes) != len(c.Activations) {
		return fmt.Errorf("deepq: invalid number of activations"+
			"\n\twant(%v)\n\thave(%v)", len(c.HiddenSizes),
			len(c.Activations))
	}
	if c.Gamma < 0 || c.Gamma >= 1 {
		return fmt.Errorf("deepq: gamma must be in [0, 1)")
	}
	if c.BatchSize < 1 {
		return fmt.Errorf("deepq: batch size must be >= 1")
	}
	if c.UpdateTargetEvery < 1 {
		return fmt.Errorf("deepq: updateTargetEvery must be >= 1")
	}
	if c.Tau <= 0 || c.Tau > 1 {
		return fmt.Errorf("deepq: tau must be in (0, 1]")
	}
	if c.Solver == nil {
		return fmt.Errorf("deepq: solver required")
	}
	return nil
}

// Learner implements agent.Learner with neural network function
// approximation. An online network is adapted on each batch; a target
// network provides the bootstrap values r + γ max Q(s', a') and is
// synchronized with the online network every UpdateTargetEvery
// gradient steps.
type Learner struct {
	config Config

	// predictNet serves single-state predictions; trainNet learns the
	// weights on batches; targetNet provides the update targets.
	predictNet network.NeuralNet
	predictVM  G.VM
	trainNet   network.NeuralNet
	trainVM    G.VM
	targetNet  network.NeuralNet
	targetVM   G.VM

	solver *solver.Solver

	// Input nodes of the trainNet graph
	nextStateActionValues *G.Node
	rewards               *G.Node
	discounts             *G.Node
	selectedActions       *G.Node
	sampleWeights         *G.Node

	// tdVal holds the per-sample residuals target - Q(s, a) after a
	// training step
	tdVal G.Value

	gradientSteps int

	rng *rand.Rand
}

// snapshot is the JSON form of a Learner's parameters.
type snapshot struct {
	Weights       []network.LayerWeights `json:"weights"`
	TargetWeights []network.LayerWeights `json:"targetWeights"`
	GradientSteps int                    `json:"gradientSteps"`
}

// New creates a new deep Q-learner.
func New(config Config, seed uint64) (*Learner, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("new: %v", err)
	}
	if config.InitWFn == nil {
		init, err := initwfn.NewGlorotU(1.0)
		if err != nil {
			return nil, fmt.Errorf("new: %v", err)
		}
		config.InitWFn = init
	}

	d := &Learner{
		config: config,
		solver: config.Solver,
		rng:    rand.New(rand.NewSource(seed)),
	}
	if err := d.init(); err != nil {
		return nil, fmt.Errorf("new: %v", err)
	}
	return d, nil
}

var _ agent.Learner = (*Learner)(nil)

// init builds the three networks and the training graph. It is also
// used by Reset to reinitialize the learner with fresh weights.
func (d *Learner) init() error {
	config := d.config

	// Online network for single-state predictions
	g := G.NewGraph()
	predictNet, err := network.NewMultiHeadMLP(config.Features, 1,
		config.NumActions, g, config.HiddenSizes, config.Biases,
		config.InitWFn.InitWFn(), config.Activations)
	if err != nil {
		return fmt.Errorf("init: could not create prediction network: %v",
			err)
	}

	// Learning network operating on batches
	trainNet, err := predictNet.CloneWithBatch(config.BatchSize)
	if err != nil {
		return fmt.Errorf("init: could not create learning network: %v", err)
	}
	gTrain := trainNet.Graph()

	// Target network providing the update targets
	targetNet, err := predictNet.CloneWithBatch(config.BatchSize)
	if err != nil {
		return fmt.Errorf("init: could not create target network: %v", err)
	}

	batchSize := config.BatchSize
	numActions := config.NumActions

	// Nodes to compute the update target: r + γ * max[Q(s', a')]
	nextStateActionValues := G.NewMatrix(gTrain, tensor.Float64,
		G.WithShape(batchSize, numActions), G.WithName("targetActionVals"))
	rewards := G.NewVector(gTrain, tensor.Float64, G.WithShape(batchSize),
		G.WithName("reward"))
	discounts := G.NewVector(gTrain, tensor.Float64, G.WithShape(batchSize),
		G.WithName("discount"))

	updateTarget := G.Must(G.Max(nextStateActionValues, 1))
	updateTarget = G.Must(G.HadamardProd(updateTarget, discounts))
	updateTarget = G.Must(G.Add(updateTarget, rewards))

	// One-hot selected actions pick the predicted value of the action
	// actually taken in each sample
	selectedActions := G.NewMatrix(
		gTrain,
		tensor.Float64,
		G.WithName("actionSelected"),
		G.WithShape(batchSize, numActions),
	)
	selectedActionsValue := G.Must(G.HadamardProd(trainNet.Prediction(),
		selectedActions))
	selectedActionsValue = G.Must(G.Sum(selectedActionsValue, 1))

	// Per-sample importance weights scale each squared TD error
	sampleWeights := G.NewVector(gTrain, tensor.Float64,
		G.WithShape(batchSize), G.WithName("sampleWeights"))

	tdErrors := G.Must(G.Sub(updateTarget, selectedActionsValue))
	G.Read(tdErrors, &d.tdVal)

	losses := G.Must(G.Square(tdErrors))
	losses = G.Must(G.HadamardProd(losses, sampleWeights))
	cost := G.Must(G.Mean(losses))

	if _, err := G.Grad(cost, trainNet.Learnables()...); err != nil {
		return fmt.Errorf("init: could not compute gradient: %v", err)
	}

	d.predictNet = predictNet
	d.predictVM = G.NewTapeMachine(g)
	d.trainNet = trainNet
	d.trainVM = G.NewTapeMachine(gTrain,
		G.BindDualValues(trainNet.Learnables()...))
	d.targetNet = targetNet
	d.targetVM = G.NewTapeMachine(targetNet.Graph())
	d.nextStateActionValues = nextStateActionValues
	d.rewards = rewards
	d.discounts = discounts
	d.selectedActions = selectedActions
	d.sampleWeights = sampleWeights
	d.gradientSteps = 0

	return nil
}

// Predict returns the action values of the given state.
func (d *Learner) Predict(state mat.Vector) (*mat.VecDense, error) {
	if state == nil || state.Len() != d.config.Features {
		return nil, fmt.Errorf("predict: invalid state \n\twant(%v "+
			"features)\n\thave(%v)", d.config.Features, stateLen(state))
	}

	input := make([]float64, state.Len())
	for i := 0; i < state.Len(); i++ {
		input[i] = state.AtVec(i)
	}
	if err := d.predictNet.SetInput(input); err != nil {
		return nil, fmt.Errorf("predict: %v", err)
	}
	if err := d.predictVM.RunAll(); err != nil {
		return nil, fmt.Errorf("predict: could not run forward pass: %v",
			err)
	}
	d.predictVM.Reset()

	values := make([]float64, d.config.NumActions)
	switch raw := d.predictNet.Output().Data().(type) {
	case []float64:
		copy(values, raw)
	case float64:
		values[0] = raw
	default:
		return nil, fmt.Errorf("predict: unexpected output type %T",
			d.predictNet.Output().Data())
	}
	return mat.NewVecDense(d.config.NumActions, values), nil
}

// SelectAction chooses epsilon-greedily over the online network's
// action values, breaking greedy ties by the lowest action index.
func (d *Learner) SelectAction(state mat.Vector,
	explorationRate float64) (int, bool, error) {
	if d.rng.Float64() < explorationRate {
		return d.rng.Intn(d.config.NumActions), true, nil
	}

	values, err := d.Predict(state)
	if err != nil {
		return 0, false, fmt.Errorf("selectaction: %v", err)
	}
	return floatutils.ArgMax(values.RawVector().Data), false, nil
}

// TrainOnBatch performs one gradient step on the online network and
// returns the per-sample TD error magnitudes. The batch must contain
// exactly the configured batch size of samples.
func (d *Learner) TrainOnBatch(batch *expreplay.Batch) ([]float64, error) {
	if batch == nil || len(batch.Experiences) != d.config.BatchSize {
		return nil, fmt.Errorf("trainonbatch: invalid batch size"+
			"\n\twant(%v)\n\thave(%v)", d.config.BatchSize, batchLen(batch))
	}
	if len(batch.Weights) != len(batch.Experiences) {
		return nil, fmt.Errorf("trainonbatch: weights length mismatch"+
			"\n\twant(%v)\n\thave(%v)", len(batch.Experiences),
			len(batch.Weights))
	}

	batchSize := d.config.BatchSize
	features := d.config.Features
	numActions := d.config.NumActions

	states := make([]float64, 0, batchSize*features)
	nextStates := make([]float64, 0, batchSize*features)
	actions := make([]float64, batchSize*numActions)
	rewards := make([]float64, batchSize)
	discounts := make([]float64, batchSize)

	for i, exp := range batch.Experiences {
		if err := exp.Validate(features); err != nil {
			return nil, fmt.Errorf("trainonbatch: sample %v: %v", i, err)
		}
		if exp.Action >= numActions {
			return nil, fmt.Errorf("trainonbatch: sample %v: action out of "+
				"range \n\twant(< %v)\n\thave(%v)", i, numActions, exp.Action)
		}

		states = append(states, exp.State.RawVector().Data...)
		nextStates = append(nextStates, exp.NextState.RawVector().Data...)
		actions[i*numActions+exp.Action] = 1.0
		rewards[i] = exp.Reward
		discounts[i] = exp.Discount(d.config.Gamma)
	}

	// Compute Q(s', a') for all a' with the target network
	if err := d.targetNet.SetInput(nextStates); err != nil {
		return nil, fmt.Errorf("trainonbatch: could not set target net "+
			"input: %v", err)
	}
	if err := d.targetVM.RunAll(); err != nil {
		return nil, fmt.Errorf("trainonbatch: could not run target net: %v",
			err)
	}

	if err := G.Let(d.nextStateActionValues, d.targetNet.Output()); err != nil {
		return nil, fmt.Errorf("trainonbatch: could not set next "+
			"state-action values: %v", err)
	}
	d.targetVM.Reset()

	if err := d.trainNet.SetInput(states); err != nil {
		return nil, fmt.Errorf("trainonbatch: could not set train net "+
			"input: %v", err)
	}

	err := G.Let(d.selectedActions, tensor.New(
		tensor.WithShape(batchSize, numActions),
		tensor.WithBacking(actions),
	))
	if err != nil {
		return nil, fmt.Errorf("trainonbatch: could not set selected "+
			"actions: %v", err)
	}

	err = G.Let(d.rewards, tensor.New(tensor.WithShape(batchSize),
		tensor.WithBacking(rewards)))
	if err != nil {
		return nil, fmt.Errorf("trainonbatch: could not set rewards: %v", err)
	}

	err = G.Let(d.discounts, tensor.New(tensor.WithShape(batchSize),
		tensor.WithBacking(discounts)))
	if err != nil {
		return nil, fmt.Errorf("trainonbatch: could not set discounts: %v",
			err)
	}

	weights := make([]float64, batchSize)
	copy(weights, batch.Weights)
	err = G.Let(d.sampleWeights, tensor.New(tensor.WithShape(batchSize),
		tensor.WithBacking(weights)))
	if err != nil {
		return nil, fmt.Errorf("trainonbatch: could not set sample "+
			"weights: %v", err)
	}

	// Gradient step
	if err := d.trainVM.RunAll(); err != nil {
		return nil, fmt.Errorf("trainonbatch: could not run training step: "+
			"%v", err)
	}
	if err := d.solver.Step(d.trainNet.Model()); err != nil {
		return nil, fmt.Errorf("trainonbatch: could not apply gradients: %v",
			err)
	}

	tdErrors := make([]float64, batchSize)
	switch residuals := d.tdVal.Data().(type) {
	case []float64:
		copy(tdErrors, residuals)
	case float64:
		// A batch size of 1 reduces to a scalar
		tdErrors[0] = residuals
	default:
		return nil, fmt.Errorf("trainonbatch: unexpected residual type %T",
			d.tdVal.Data())
	}
	for i := range tdErrors {
		if tdErrors[i] < 0 {
			tdErrors[i] = -tdErrors[i]
		}
	}
	d.trainVM.Reset()
	d.gradientSteps++

	// Synchronize the target network on schedule
	if d.gradientSteps%d.config.UpdateTargetEvery == 0 {
		if d.config.Tau == 1.0 {
			err = d.targetNet.Set(d.trainNet)
		} else {
			err = d.targetNet.Polyak(d.trainNet, d.config.Tau)
		}
		if err != nil {
			return nil, fmt.Errorf("trainonbatch: could not update target "+
				"network: %v", err)
		}
	}

	// The prediction network always serves the newest online weights
	if err := d.predictNet.Set(d.trainNet); err != nil {
		return nil, fmt.Errorf("trainonbatch: could not update prediction "+
			"network: %v", err)
	}

	return tdErrors, nil
}

// ExportSnapshot serializes the online and target network weights.
func (d *Learner) ExportSnapshot() (json.RawMessage, error) {
	weights, err := network.Weights(d.trainNet)
	if err != nil {
		return nil, fmt.Errorf("exportsnapshot: %v", err)
	}
	targetWeights, err := network.Weights(d.targetNet)
	if err != nil {
		return nil, fmt.Errorf("exportsnapshot: %v", err)
	}

	data, err := json.Marshal(snapshot{
		Weights:       weights,
		TargetWeights: targetWeights,
		GradientSteps: d.gradientSteps,
	})
	if err != nil {
		return nil, fmt.Errorf("exportsnapshot: %v", err)
	}
	return data, nil
}

// ImportSnapshot loads previously exported weights into the online,
// prediction, and target networks.
func (d *Learner) ImportSnapshot(parameters json.RawMessage) error {
	var snap snapshot
	if err := json.Unmarshal(parameters, &snap); err != nil {
		return fmt.Errorf("importsnapshot: %v", err)
	}

	if err := network.SetWeights(d.trainNet, snap.Weights); err != nil {
		return fmt.Errorf("importsnapshot: online network: %v", err)
	}
	if err := network.SetWeights(d.predictNet, snap.Weights); err != nil {
		return fmt.Errorf("importsnapshot: prediction network: %v", err)
	}

	targetWeights := snap.TargetWeights
	if targetWeights == nil {
		targetWeights = snap.Weights
	}
	if err := network.SetWeights(d.targetNet, targetWeights); err != nil {
		return fmt.Errorf("importsnapshot: target network: %v", err)
	}

	d.gradientSteps = snap.GradientSteps
	return nil
}

// SetLearningRate recreates the solver with a new step size.
func (d *Learner) SetLearningRate(lr float64) {
	d.solver.SetStepSize(lr)
}

// Reset reinitializes the networks with fresh weights.
func (d *Learner) Reset() {
	d.closeVMs()
	if err := d.init(); err != nil {
		panic(fmt.Sprintf("reset: could not reinitialize learner: %v", err))
	}
}

// Close releases the learner's virtual machines.
func (d *Learner) Close() error {
	d.closeVMs()
	return nil
}

func (d *Learner) closeVMs() {
	if d.predictVM != nil {
		d.predictVM.Close()
	}
	if d.trainVM != nil {
		d.trainVM.Close()
	}
	if d.targetVM != nil {
		d.targetVM.Close()
	}
}

// Features returns the state vector width the learner expects.
func (d *Learner) Features() int {
	return d.config.Features
}

// NumActions returns the number of actions the learner chooses between.
func (d *Learner) NumActions() int {
	return d.config.NumActions
}

// GradientSteps returns the number of gradient steps taken since the
// learner was created or reset.
func (d *Learner) GradientSteps() int {
	return d.gradientSteps
}

func stateLen(state mat.Vector) int {
	if state == nil {
		return 0
	}
	return state.Len()
}

func batchLen(batch *expreplay.Batch) int {
	if batch == nil {
		return 0
	}
	return len(batch.Experiences)
}
