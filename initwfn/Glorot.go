package initwfn

import G "gorgonia.org/gorgonia"

// NewGlorotU returns a new Glorot uniform initializer with the given
// gain.
func NewGlorotU(gain float64) (*InitWFn, error) {
	config := GlorotUConfig{Gain: gain}
	return newInitWFn(GlorotU, config)
}

// GlorotUConfig describes a Glorot uniform weight initializer
type GlorotUConfig struct {
	Gain float64
}

// Create returns the Gorgonia InitWFn described by the Config
func (g GlorotUConfig) Create() G.InitWFn {
	return G.GlorotU(g.Gain)
}

// ValidType returns whether a specific initializer type can be created
// with the Config
func (g GlorotUConfig) ValidType(t Type) bool {
	return t == GlorotU
}

// NewGlorotN returns a new Glorot normal initializer with the given
// gain.
func NewGlorotN(gain float64) (*InitWFn, error) {
	config := GlorotNConfig{Gain: gain}
	return newInitWFn(GlorotN, config)
}

// GlorotNConfig describes a Glorot normal weight initializer
type GlorotNConfig struct {
	Gain float64
}

// Create returns the Gorgonia InitWFn described by the Config
func (g GlorotNConfig) Create() G.InitWFn {
	return G.GlorotN(g.Gain)
}

// ValidType returns whether a specific initializer type can be created
// with the Config
func (g GlorotNConfig) ValidType(t Type) bool {
	return t == GlorotN
}
