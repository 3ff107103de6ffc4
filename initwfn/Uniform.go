package initwfn

import G "gorgonia.org/gorgonia"

// NewUniform returns a new initializer that draws weights uniformly
// from [low, high).
func NewUniform(low, high float64) (*InitWFn, error) {
	config := UniformConfig{Low: low, High: high}
	return newInitWFn(Uniform, config)
}

// UniformConfig describes a uniform weight initializer
type UniformConfig struct {
	Low  float64
	High float64
}

// Create returns the Gorgonia InitWFn described by the Config
func (u UniformConfig) Create() G.InitWFn {
	return G.Uniform(u.Low, u.High)
}

// ValidType returns whether a specific initializer type can be created
// with the Config
func (u UniformConfig) ValidType(t Type) bool {
	return t == Uniform
}
