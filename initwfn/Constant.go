package initwfn

import G "gorgonia.org/gorgonia"

// NewConstant returns a new initializer that sets every weight to
// value.
func NewConstant(value float64) (*InitWFn, error) {
	config := ConstantConfig{Value: value}
	return newInitWFn(Constant, config)
}

// ConstantConfig describes a constant weight initializer
type ConstantConfig struct {
	Value float64
}

// Create returns the Gorgonia InitWFn described by the Config
func (c ConstantConfig) Create() G.InitWFn {
	return G.ValuesOf(c.Value)
}

// ValidType returns whether a specific initializer type can be created
// with the Config
func (c ConstantConfig) ValidType(t Type) bool {
	return t == Constant
}

// NewZeroes returns a new initializer that sets every weight to zero.
func NewZeroes() (*InitWFn, error) {
	return newInitWFn(Zeroes, ZeroesConfig{})
}

// ZeroesConfig describes a zero weight initializer
type ZeroesConfig struct{}

// Create returns the Gorgonia InitWFn described by the Config
func (z ZeroesConfig) Create() G.InitWFn {
	return G.Zeroes()
}

// ValidType returns whether a specific initializer type can be created
// with the Config
func (z ZeroesConfig) ValidType(t Type) bool {
	return t == Zeroes
}
