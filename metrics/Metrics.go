// Package metrics collects training counters without locks so that
// hot paths never contend on instrumentation.
package metrics

import (
	"log/slog"
	"math"
	"sync/atomic"
)

// atomicFloat64 is a float64 updated with compare-and-swap on its bit
// pattern.
type atomicFloat64 struct {
	bits atomic.Uint64
}

func (f *atomicFloat64) Add(delta float64) {
	for {
		old := f.bits.Load()
		next := math.Float64bits(math.Float64frombits(old) + delta)
		if f.bits.CompareAndSwap(old, next) {
			return
		}
	}
}

func (f *atomicFloat64) Load() float64 {
	return math.Float64frombits(f.bits.Load())
}

func (f *atomicFloat64) Store(value float64) {
	f.bits.Store(math.Float64bits(value))
}

// Collector accumulates training statistics. All methods are safe for
// concurrent use and never block.
type Collector struct {
	explorationActions  atomic.Int64
	exploitationActions atomic.Int64

	experiencesRecorded atomic.Int64
	malformedDropped    atomic.Int64

	totalReward atomicFloat64
	rewardCount atomic.Int64

	totalLoss  atomicFloat64
	lossCount  atomic.Int64
	batches    atomic.Int64
	skipped    atomic.Int64

	interactions atomic.Int64
}

// NewCollector returns a zeroed Collector.
func NewCollector() *Collector {
	return &Collector{}
}

// RecordAction counts one action selection.
func (c *Collector) RecordAction(explored bool) {
	if explored {
		c.explorationActions.Add(1)
	} else {
		c.exploitationActions.Add(1)
	}
}

// RecordExperience counts one accepted experience and its reward.
func (c *Collector) RecordExperience(reward float64) {
	c.experiencesRecorded.Add(1)
	c.totalReward.Add(reward)
	c.rewardCount.Add(1)
}

// RecordMalformed counts one dropped malformed experience.
func (c *Collector) RecordMalformed() {
	c.malformedDropped.Add(1)
}

// RecordBatch counts one completed training batch and its mean loss.
func (c *Collector) RecordBatch(meanLoss float64) {
	c.batches.Add(1)
	c.totalLoss.Add(meanLoss)
	c.lossCount.Add(1)
}

// RecordSkippedBatch counts one training request skipped for
// insufficient buffered experience.
func (c *Collector) RecordSkippedBatch() {
	c.skipped.Add(1)
}

// RecordInteraction counts one relationship update between agents.
func (c *Collector) RecordInteraction() {
	c.interactions.Add(1)
}

// Snapshot is a point-in-time copy of the collector's statistics.
type Snapshot struct {
	ExplorationActions  int64
	ExploitationActions int64
	ExplorationRatio    float64

	ExperiencesRecorded int64
	MalformedDropped    int64

	AverageReward float64
	AverageLoss   float64

	Batches        int64
	SkippedBatches int64

	Interactions int64
}

// Snapshot returns a copy of the current statistics. Counters keep
// accumulating; reads of distinct counters are not mutually atomic.
func (c *Collector) Snapshot() Snapshot {
	explore := c.explorationActions.Load()
	exploit := c.exploitationActions.Load()

	ratio := 0.0
	if explore+exploit > 0 {
		ratio = float64(explore) / float64(explore+exploit)
	}

	avgReward := 0.0
	if n := c.rewardCount.Load(); n > 0 {
		avgReward = c.totalReward.Load() / float64(n)
	}

	avgLoss := 0.0
	if n := c.lossCount.Load(); n > 0 {
		avgLoss = c.totalLoss.Load() / float64(n)
	}

	return Snapshot{
		ExplorationActions:  explore,
		ExploitationActions: exploit,
		ExplorationRatio:    ratio,
		ExperiencesRecorded: c.experiencesRecorded.Load(),
		MalformedDropped:    c.malformedDropped.Load(),
		AverageReward:       avgReward,
		AverageLoss:         avgLoss,
		Batches:             c.batches.Load(),
		SkippedBatches:      c.skipped.Load(),
		Interactions:        c.interactions.Load(),
	}
}

// Reset zeroes all counters.
func (c *Collector) Reset() {
	c.explorationActions.Store(0)
	c.exploitationActions.Store(0)
	c.experiencesRecorded.Store(0)
	c.malformedDropped.Store(0)
	c.totalReward.Store(0)
	c.rewardCount.Store(0)
	c.totalLoss.Store(0)
	c.lossCount.Store(0)
	c.batches.Store(0)
	c.skipped.Store(0)
	c.interactions.Store(0)
}

// Log emits the current statistics through the given logger.
func (c *Collector) Log(logger *slog.Logger) {
	s := c.Snapshot()
	logger.Info("training metrics",
		"explorationActions", s.ExplorationActions,
		"exploitationActions", s.ExploitationActions,
		"explorationRatio", s.ExplorationRatio,
		"experiencesRecorded", s.ExperiencesRecorded,
		"malformedDropped", s.MalformedDropped,
		"averageReward", s.AverageReward,
		"averageLoss", s.AverageLoss,
		"batches", s.Batches,
		"skippedBatches", s.SkippedBatches,
		"interactions", s.Interactions,
	)
}
