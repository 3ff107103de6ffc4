// Package network provides feed forward neural networks built on
// gorgonia computational graphs.
package network

import (
	G "gorgonia.org/gorgonia"
)

// NeuralNet is a feed forward neural network on a gorgonia graph.
// Implementations add their forward pass to the graph at construction
// time; callers set the input with SetInput, run a VM over the graph,
// and read the forward pass result from Output.
type NeuralNet interface {
	// Graph returns the computational graph that holds the network
	Graph() *G.ExprGraph

	// Clone clones the network to a new graph, copying weights
	Clone() (NeuralNet, error)

	// CloneWithBatch clones the network to a new graph with a new
	// input batch size
	CloneWithBatch(int) (NeuralNet, error)

	BatchSize() int
	Features() int
	Outputs() int

	// SetInput sets the input node's value before running the graph
	SetInput([]float64) error

	// Set copies the weights of another network into this one
	Set(NeuralNet) error

	// Polyak moves this network's weights toward another network's
	// weights: w <- (1-tau)*w + tau*w_source
	Polyak(NeuralNet, float64) error

	Learnables() G.Nodes
	Model() []G.ValueGrad

	// Output returns the value of the network's output after the
	// graph has been run
	Output() G.Value

	// Prediction returns the graph node that stores the network's
	// output
	Prediction() *G.Node
}
