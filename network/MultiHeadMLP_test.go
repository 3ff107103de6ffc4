package network

import (
	"math"
	"testing"

	G "gorgonia.org/gorgonia"
)

func newNet(t *testing.T, features, batch, outputs int) NeuralNet {
	t.Helper()
	g := G.NewGraph()
	net, err := NewMultiHeadMLP(features, batch, outputs, g, []int{8},
		[]bool{true}, G.GlorotU(1.0), []*Activation{ReLU()})
	if err != nil {
		t.Fatalf("could not create network: %v", err)
	}
	return net
}

func forward(t *testing.T, net NeuralNet, input []float64) []float64 {
	t.Helper()
	if err := net.SetInput(input); err != nil {
		t.Fatalf("could not set input: %v", err)
	}

	vm := G.NewTapeMachine(net.Graph())
	defer vm.Close()
	if err := vm.RunAll(); err != nil {
		t.Fatalf("could not run forward pass: %v", err)
	}
	vm.Reset()

	raw := net.Output().Data().([]float64)
	out := make([]float64, len(raw))
	copy(out, raw)
	return out
}

func TestForwardOutputShape(t *testing.T) {
	net := newNet(t, 3, 2, 4)

	out := forward(t, net, []float64{1, 2, 3, 4, 5, 6})
	if len(out) != 2*4 {
		t.Errorf("output length: \n\twant(%v)\n\thave(%v)", 2*4, len(out))
	}
}

func TestSetInputRejectsWrongLength(t *testing.T) {
	net := newNet(t, 3, 1, 2)

	if err := net.SetInput([]float64{1, 2}); err == nil {
		t.Error("expected error for wrong input length")
	}
}

func TestSetCopiesWeights(t *testing.T) {
	source := newNet(t, 2, 1, 2)
	dest := newNet(t, 2, 1, 2)

	if err := dest.Set(source); err != nil {
		t.Fatalf("could not set weights: %v", err)
	}

	input := []float64{0.5, -0.5}
	want := forward(t, source, input)
	have := forward(t, dest, input)
	for i := range want {
		if math.Abs(want[i]-have[i]) > 1e-12 {
			t.Errorf("output %v: \n\twant(%v)\n\thave(%v)", i, want[i],
				have[i])
		}
	}
}

func TestCloneWithBatchPreservesWeights(t *testing.T) {
	net := newNet(t, 2, 1, 2)

	clone, err := net.CloneWithBatch(3)
	if err != nil {
		t.Fatalf("could not clone: %v", err)
	}
	if clone.BatchSize() != 3 {
		t.Errorf("batch size: \n\twant(3)\n\thave(%v)", clone.BatchSize())
	}

	input := []float64{0.25, 0.75}
	want := forward(t, net, input)
	have := forward(t, clone, []float64{0.25, 0.75, 0, 0, 0, 0})
	for i := range want {
		if math.Abs(want[i]-have[i]) > 1e-12 {
			t.Errorf("output %v: \n\twant(%v)\n\thave(%v)", i, want[i],
				have[i])
		}
	}
}

func TestWeightsRoundTrip(t *testing.T) {
	source := newNet(t, 2, 1, 3)
	dest := newNet(t, 2, 1, 3)

	weights, err := Weights(source)
	if err != nil {
		t.Fatalf("could not export weights: %v", err)
	}
	if err := SetWeights(dest, weights); err != nil {
		t.Fatalf("could not import weights: %v", err)
	}

	input := []float64{1.0, -1.0}
	want := forward(t, source, input)
	have := forward(t, dest, input)
	for i := range want {
		if math.Abs(want[i]-have[i]) > 1e-12 {
			t.Errorf("output %v: \n\twant(%v)\n\thave(%v)", i, want[i],
				have[i])
		}
	}
}

func TestSetWeightsRejectsWrongShape(t *testing.T) {
	source := newNet(t, 2, 1, 3)
	dest := newNet(t, 4, 1, 3)

	weights, err := Weights(source)
	if err != nil {
		t.Fatalf("could not export weights: %v", err)
	}
	if err := SetWeights(dest, weights); err == nil {
		t.Error("expected error for mismatched architecture")
	}
}
