package network

import (
	"fmt"

	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// LayerWeights is a JSON-serializable copy of a single learnable
// tensor of a NeuralNet.
type LayerWeights struct {
	Name  string    `json:"name"`
	Shape []int     `json:"shape"`
	Data  []float64 `json:"data"`
}

// Weights copies the learnable tensors of a network into a
// serializable form. The order of the returned slice matches the
// order of net.Learnables().
func Weights(net NeuralNet) ([]LayerWeights, error) {
	learnables := net.Learnables()
	weights := make([]LayerWeights, len(learnables))

	for i, node := range learnables {
		dense, ok := node.Value().(*tensor.Dense)
		if !ok {
			return nil, fmt.Errorf("weights: learnable %v is not a dense "+
				"tensor", node.Name())
		}
		backing, ok := dense.Data().([]float64)
		if !ok {
			return nil, fmt.Errorf("weights: learnable %v is not float64",
				node.Name())
		}

		data := make([]float64, len(backing))
		copy(data, backing)
		weights[i] = LayerWeights{
			Name:  node.Name(),
			Shape: dense.Shape(),
			Data:  data,
		}
	}
	return weights, nil
}

// SetWeights loads previously exported weights into a network. The
// weights must have been exported from a network of identical
// architecture.
func SetWeights(net NeuralNet, weights []LayerWeights) error {
	learnables := net.Learnables()
	if len(weights) != len(learnables) {
		return fmt.Errorf("setweights: wrong number of weight tensors"+
			"\n\twant(%v)\n\thave(%v)", len(learnables), len(weights))
	}

	for i, node := range learnables {
		if !node.Shape().Eq(tensor.Shape(weights[i].Shape)) {
			return fmt.Errorf("setweights: learnable %v has wrong shape"+
				"\n\twant(%v)\n\thave(%v)", node.Name(), node.Shape(),
				weights[i].Shape)
		}

		data := make([]float64, len(weights[i].Data))
		copy(data, weights[i].Data)
		loaded := tensor.New(
			tensor.WithBacking(data),
			tensor.WithShape(weights[i].Shape...),
		)
		if err := G.Let(node, loaded); err != nil {
			return fmt.Errorf("setweights: could not set learnable %v: %v",
				node.Name(), err)
		}
	}
	return nil
}
