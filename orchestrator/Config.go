package orchestrator

import (
	"log/slog"
	"time"

	"github.com/driftlock/agentrl/expreplay"
	"github.com/driftlock/agentrl/utils/floatutils"
	"github.com/driftlock/agentrl/utils/intutils"
)

// Hyperparameter bounds. Requested values outside these ranges are
// clamped, with both the requested and effective values logged.
const (
	MinLearningRate = 1e-4
	MaxLearningRate = 1e-2

	MinDiscountFactor = 0.5
	MaxDiscountFactor = 0.99

	MinBatchSize = 1
	MaxBatchSize = 512

	MinBufferCapacity = 1000

	MinExplorationRate = 0.0
	MaxExplorationRate = 1.0

	MinCheckpointsKept = 1
	MaxCheckpointsKept = 100
)

// Config holds the orchestrator's tunable parameters.
type Config struct {
	LearningRate   float64
	DiscountFactor float64
	BatchSize      int
	BufferCapacity int

	// ExplorationRate is the initial exploration rate. After each
	// training batch it decays geometrically by ExplorationDecay,
	// never falling below MinExploration. When AdaptiveDecay is set,
	// decay is applied only while the recent reward trend is
	// improving.
	ExplorationRate  float64
	ExplorationDecay float64
	MinExploration   float64
	AdaptiveDecay    bool

	// PriorityExponent is the exponent applied to TD error magnitudes
	// when converting them to sampling priorities. BetaStart and
	// BetaGrowth control importance-sampling correction: beta starts
	// at BetaStart and grows by BetaGrowth per sampled batch until it
	// reaches 1.
	PriorityExponent float64
	BetaStart        float64
	BetaGrowth       float64

	// PerformanceThreshold is the score below which ReportPerformance
	// pauses training.
	PerformanceThreshold float64

	// Workers bounds the number of concurrent training batches.
	Workers int

	// AutosaveInterval is the period between automatic checkpoint
	// saves once ScheduleAutosave has been called. MaxCheckpoints is
	// the retention count: older checkpoint files beyond it are
	// pruned after each autosave and on Reset.
	AutosaveInterval time.Duration
	MaxCheckpoints   int
}

// DefaultConfig returns a Config with conservative defaults.
func DefaultConfig() Config {
	return Config{
		LearningRate:         1e-3,
		DiscountFactor:       0.95,
		BatchSize:            32,
		BufferCapacity:       10000,
		ExplorationRate:      1.0,
		ExplorationDecay:     0.995,
		MinExploration:       0.01,
		AdaptiveDecay:        false,
		PriorityExponent:     expreplay.DefaultAlpha,
		BetaStart:            expreplay.DefaultBeta,
		BetaGrowth:           expreplay.DefaultBetaGrowth,
		PerformanceThreshold: -1e9,
		Workers:              2,
		AutosaveInterval:     5 * time.Minute,
		MaxCheckpoints:       5,
	}
}

// clamped returns a copy of the Config with every out-of-range value
// pulled to its nearest bound. Each adjustment logs the requested and
// effective values.
func (c Config) clamped(logger *slog.Logger) Config {
	out := c

	out.LearningRate = clampFloat(logger, "learningRate", c.LearningRate,
		MinLearningRate, MaxLearningRate)
	out.DiscountFactor = clampFloat(logger, "discountFactor",
		c.DiscountFactor, MinDiscountFactor, MaxDiscountFactor)
	out.BatchSize = clampInt(logger, "batchSize", c.BatchSize,
		MinBatchSize, MaxBatchSize)
	out.ExplorationRate = clampFloat(logger, "explorationRate",
		c.ExplorationRate, MinExplorationRate, MaxExplorationRate)
	out.ExplorationDecay = clampFloat(logger, "explorationDecay",
		c.ExplorationDecay, 0, 1)
	out.MinExploration = clampFloat(logger, "minExploration",
		c.MinExploration, MinExplorationRate, MaxExplorationRate)
	out.PriorityExponent = clampFloat(logger, "priorityExponent",
		c.PriorityExponent, 0, 1)
	out.BetaStart = clampFloat(logger, "betaStart", c.BetaStart, 0, 1)
	out.BetaGrowth = clampFloat(logger, "betaGrowth", c.BetaGrowth, 0, 1)
	out.MaxCheckpoints = clampInt(logger, "maxCheckpoints",
		c.MaxCheckpoints, MinCheckpointsKept, MaxCheckpointsKept)

	if c.BufferCapacity < MinBufferCapacity {
		logger.Warn("config value clamped", "parameter", "bufferCapacity",
			"requested", c.BufferCapacity, "effective", MinBufferCapacity)
		out.BufferCapacity = MinBufferCapacity
	}
	if c.Workers < 1 {
		logger.Warn("config value clamped", "parameter", "workers",
			"requested", c.Workers, "effective", 1)
		out.Workers = 1
	}

	return out
}

func clampFloat(logger *slog.Logger, name string, value, min,
	max float64) float64 {
	clamped := floatutils.Clip(value, min, max)
	if clamped != value {
		logger.Warn("config value clamped", "parameter", name,
			"requested", value, "effective", clamped)
	}
	return clamped
}

func clampInt(logger *slog.Logger, name string, value, min, max int) int {
	clamped := intutils.Max(intutils.Min(value, max), min)
	if clamped != value {
		logger.Warn("config value clamped", "parameter", name,
			"requested", value, "effective", clamped)
	}
	return clamped
}
