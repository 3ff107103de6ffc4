package reinforce

import (
	"math"
	"testing"

	"gonum.org/v1/gonum/mat"

	"github.com/driftlock/agentrl/experience"
	"github.com/driftlock/agentrl/expreplay"
)

func newLearner(t *testing.T, seed uint64) *Learner {
	t.Helper()
	p, err := New(Config{
		Features:           2,
		NumActions:         2,
		LearningRate:       0.05,
		CriticRate:         0.1,
		Gamma:              0.9,
		ClipRatio:          0.2,
		SyncReferenceEvery: 10,
	}, seed)
	if err != nil {
		t.Fatalf("could not create learner: %v", err)
	}
	return p
}

func state(values ...float64) *mat.VecDense {
	return mat.NewVecDense(len(values), values)
}

func singleBatch(t *testing.T, s *mat.VecDense, action int,
	reward float64) *expreplay.Batch {
	t.Helper()
	exp := experience.New(s, action, reward, s, true)
	return &expreplay.Batch{
		Indices:     []int{0},
		Experiences: []experience.Experience{exp},
		Weights:     []float64{1.0},
	}
}

func TestConfigValidate(t *testing.T) {
	valid := Config{
		Features:           2,
		NumActions:         2,
		LearningRate:       0.05,
		CriticRate:         0.1,
		Gamma:              0.9,
		ClipRatio:          0.2,
		SyncReferenceEvery: 10,
	}
	if err := valid.Validate(); err != nil {
		t.Errorf("valid config rejected: %v", err)
	}

	invalid := valid
	invalid.ClipRatio = 0
	if err := invalid.Validate(); err == nil {
		t.Error("expected error for clip ratio of 0")
	}

	invalid = valid
	invalid.SyncReferenceEvery = 0
	if err := invalid.Validate(); err == nil {
		t.Error("expected error for sync interval of 0")
	}
}

func TestPredictUniformBeforeTraining(t *testing.T) {
	p := newLearner(t, 3)

	probs, err := p.Predict(state(1.0, 0.0))
	if err != nil {
		t.Fatalf("predict: %v", err)
	}

	sum := 0.0
	for a := 0; a < probs.Len(); a++ {
		if math.Abs(probs.AtVec(a)-0.5) > 1e-12 {
			t.Errorf("action %v: \n\twant(0.5)\n\thave(%v)", a,
				probs.AtVec(a))
		}
		sum += probs.AtVec(a)
	}
	if math.Abs(sum-1.0) > 1e-12 {
		t.Errorf("probabilities sum: \n\twant(1)\n\thave(%v)", sum)
	}
}

func TestTrainOnBatchReturnsAdvantageMagnitudes(t *testing.T) {
	p := newLearner(t, 3)

	advantages, err := p.TrainOnBatch(singleBatch(t, state(1.0, 0.0), 0, 1.0))
	if err != nil {
		t.Fatalf("trainonbatch: %v", err)
	}
	if len(advantages) != 1 {
		t.Fatalf("advantages length: \n\twant(1)\n\thave(%v)",
			len(advantages))
	}
	// Zero critic: advantage is the raw reward
	if math.Abs(advantages[0]-1.0) > 1e-12 {
		t.Errorf("advantage: \n\twant(1)\n\thave(%v)", advantages[0])
	}
}

func TestRewardedActionGainsProbability(t *testing.T) {
	p := newLearner(t, 3)
	s := state(1.0, 0.0)

	before, err := p.Predict(s)
	if err != nil {
		t.Fatalf("predict: %v", err)
	}

	for i := 0; i < 50; i++ {
		if _, err := p.TrainOnBatch(singleBatch(t, s, 1, 1.0)); err != nil {
			t.Fatalf("trainonbatch: %v", err)
		}
	}

	after, err := p.Predict(s)
	if err != nil {
		t.Fatalf("predict: %v", err)
	}
	if after.AtVec(1) <= before.AtVec(1) {
		t.Errorf("rewarded action did not gain probability: before %v, "+
			"after %v", before.AtVec(1), after.AtVec(1))
	}
}

func TestPolicyConcentratesOnOptimalActions(t *testing.T) {
	p := newLearner(t, 42)

	stateA := state(1.0, 0.0)
	stateB := state(0.0, 1.0)

	// State A rewards action 1, state B rewards action 0
	for i := 0; i < 2000; i++ {
		s := stateA
		optimal := 1
		if i%2 == 1 {
			s = stateB
			optimal = 0
		}

		action, _, err := p.SelectAction(s, 0.1)
		if err != nil {
			t.Fatalf("selectaction: %v", err)
		}
		reward := -1.0
		if action == optimal {
			reward = 1.0
		}
		if _, err := p.TrainOnBatch(singleBatch(t, s, action, reward)); err != nil {
			t.Fatalf("trainonbatch: %v", err)
		}
	}

	probsA, err := p.Predict(stateA)
	if err != nil {
		t.Fatalf("predict: %v", err)
	}
	probsB, err := p.Predict(stateB)
	if err != nil {
		t.Fatalf("predict: %v", err)
	}
	if probsA.AtVec(1) <= 0.7 {
		t.Errorf("state A optimal probability: \n\twant(> 0.7)\n\thave(%v)",
			probsA.AtVec(1))
	}
	if probsB.AtVec(0) <= 0.7 {
		t.Errorf("state B optimal probability: \n\twant(> 0.7)\n\thave(%v)",
			probsB.AtVec(0))
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	p := newLearner(t, 3)
	for i := 0; i < 20; i++ {
		if _, err := p.TrainOnBatch(
			singleBatch(t, state(1.0, 0.0), 1, 1.0)); err != nil {
			t.Fatalf("trainonbatch: %v", err)
		}
	}

	data, err := p.ExportSnapshot()
	if err != nil {
		t.Fatalf("exportsnapshot: %v", err)
	}

	restored := newLearner(t, 3)
	if err := restored.ImportSnapshot(data); err != nil {
		t.Fatalf("importsnapshot: %v", err)
	}

	want, _ := p.Predict(state(1.0, 0.0))
	have, _ := restored.Predict(state(1.0, 0.0))
	for a := 0; a < want.Len(); a++ {
		if want.AtVec(a) != have.AtVec(a) {
			t.Errorf("action %v: \n\twant(%v)\n\thave(%v)", a,
				want.AtVec(a), have.AtVec(a))
		}
	}
}

func TestResetZeroesParameters(t *testing.T) {
	p := newLearner(t, 3)
	for i := 0; i < 20; i++ {
		if _, err := p.TrainOnBatch(
			singleBatch(t, state(1.0, 0.0), 1, 1.0)); err != nil {
			t.Fatalf("trainonbatch: %v", err)
		}
	}

	p.Reset()
	probs, err := p.Predict(state(1.0, 0.0))
	if err != nil {
		t.Fatalf("predict: %v", err)
	}
	for a := 0; a < probs.Len(); a++ {
		if math.Abs(probs.AtVec(a)-0.5) > 1e-12 {
			t.Errorf("action %v after reset: \n\twant(0.5)\n\thave(%v)", a,
				probs.AtVec(a))
		}
	}
}
