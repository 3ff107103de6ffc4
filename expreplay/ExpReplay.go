// Package expreplay implements a prioritized experience replay buffer.
//
// Records are held in a fixed-capacity circular buffer paired with a
// sum tree of sampling priorities. Batches are drawn proportionally to
// priority using stratified sampling, and importance-sampling weights
// correct for the non-uniform draw.
package expreplay

import (
	"fmt"
	"math"

	"golang.org/x/exp/rand"

	"github.com/driftlock/agentrl/experience"
	"github.com/driftlock/agentrl/sumtree"
)

// priorityFloor is added to every TD error before the priority
// exponent is applied so that no record is starved of sampling.
const priorityFloor = 0.01

// Default prioritization parameters.
const (
	DefaultAlpha      = 0.6
	DefaultBeta       = 0.4
	DefaultBetaGrowth = 0.001
)

// Batch is a priority-weighted sample of stored experience. The three
// slices always have equal length. Indices identify the sampled slots
// so that updated priorities can be written back after training.
type Batch struct {
	Indices     []int
	Experiences []experience.Experience
	Weights     []float64
}

// Store implements a prioritized experience replay buffer. New records
// enter with the maximum priority currently in the tree so that novel
// experience is guaranteed a chance to be sampled before its real TD
// error is known. Once full, the oldest record is overwritten first.
//
// A Store is not safe for concurrent use; callers serialize access.
type Store struct {
	records []experience.Experience
	tree    *sumtree.Tree

	insertPos int
	full      bool

	featureSize int

	alpha      float64 // Priority exponent
	beta       float64 // Importance-sampling exponent, anneals toward 1
	betaGrowth float64

	rng *rand.Rand
}

// New creates a Store with the given capacity for state vectors of
// featureSize components. The alpha parameter controls how strongly
// priority tracks TD error magnitude (0 = uniform, 1 = fully
// proportional). Importance-sampling weights start at exponent
// betaStart and anneal linearly toward 1 by betaGrowth per sampled
// batch.
func New(capacity, featureSize int, alpha, betaStart, betaGrowth float64,
	seed uint64) (*Store, error) {
	if capacity < 1 {
		return nil, fmt.Errorf("new: capacity must be >= 1")
	}
	if featureSize < 1 {
		return nil, fmt.Errorf("new: feature size must be >= 1")
	}
	if alpha < 0 || alpha > 1 {
		return nil, fmt.Errorf("new: alpha must be in [0, 1], got %v", alpha)
	}

	tree, err := sumtree.New(capacity)
	if err != nil {
		return nil, fmt.Errorf("new: could not create priority tree: %v", err)
	}

	return &Store{
		records:     make([]experience.Experience, capacity),
		tree:        tree,
		featureSize: featureSize,
		alpha:       alpha,
		beta:        betaStart,
		betaGrowth:  betaGrowth,
		rng:         rand.New(rand.NewSource(seed)),
	}, nil
}

// Len returns the number of records currently stored.
func (s *Store) Len() int {
	if s.full {
		return s.Capacity()
	}
	return s.insertPos
}

// Capacity returns the maximum number of records the Store can hold.
func (s *Store) Capacity() int {
	return len(s.records)
}

// FeatureSize returns the state vector width the Store was built for.
func (s *Store) FeatureSize() int {
	return s.featureSize
}

// Beta returns the current importance-sampling exponent.
func (s *Store) Beta() float64 {
	return s.beta
}

// Insert adds a record, overwriting the oldest slot when full. The
// record enters with the maximum priority currently in the tree, or
// 1 when the tree is empty.
func (s *Store) Insert(exp experience.Experience) error {
	if err := exp.Validate(s.featureSize); err != nil {
		return &ExpReplayError{Op: "insert", Err: err}
	}

	priority := s.tree.Max()
	if priority == 0 {
		priority = 1.0
	}

	s.records[s.insertPos] = exp
	if err := s.tree.Update(s.insertPos, priority); err != nil {
		return fmt.Errorf("insert: could not set priority: %v", err)
	}

	s.insertPos++
	if s.insertPos == s.Capacity() {
		s.insertPos = 0
		s.full = true
	}
	return nil
}

// SampleBatch draws n records proportionally to priority. The draw is
// stratified: [0, Total()) is split into n equal-width segments and one
// uniform value is drawn per segment, which reduces duplicates within
// a batch.
//
// Importance weights are w_i = (N * p_i)^(-beta) normalized by the
// largest weight in the batch. Beta anneals toward 1 with every batch.
//
// Sampling is refused while fewer than n records are stored; use
// IsInsufficientSamples and IsEmptyBuffer to detect refusal.
func (s *Store) SampleBatch(n int) (*Batch, error) {
	if n < 1 {
		return nil, fmt.Errorf("samplebatch: batch size must be >= 1")
	}
	if s.Len() == 0 {
		return nil, &ExpReplayError{Op: "samplebatch", Err: errEmptyBuffer}
	}
	if s.Len() < n {
		return nil, &ExpReplayError{
			Op:  "samplebatch",
			Err: errInsufficientSamples,
		}
	}

	total := s.tree.Total()
	segment := total / float64(n)
	size := float64(s.Len())

	batch := &Batch{
		Indices:     make([]int, n),
		Experiences: make([]experience.Experience, n),
		Weights:     make([]float64, n),
	}

	maxWeight := 0.0
	for i := 0; i < n; i++ {
		value := (float64(i) + s.rng.Float64()) * segment
		index := s.tree.Sample(value)

		prob := s.tree.Priority(index) / total
		weight := math.Pow(size*prob, -s.beta)

		batch.Indices[i] = index
		batch.Experiences[i] = s.records[index]
		batch.Weights[i] = weight
		if weight > maxWeight {
			maxWeight = weight
		}
	}

	for i := range batch.Weights {
		batch.Weights[i] /= maxWeight
	}

	s.beta = math.Min(1.0, s.beta+s.betaGrowth)
	return batch, nil
}

// UpdatePriorities writes back new priorities for the given slots as
// (|tdError| + floor)^alpha.
func (s *Store) UpdatePriorities(indices []int, tdErrors []float64) error {
	if len(indices) != len(tdErrors) {
		return fmt.Errorf("updatepriorities: length mismatch \n\twant(%v)"+
			"\n\thave(%v)", len(indices), len(tdErrors))
	}

	for i, index := range indices {
		priority := math.Pow(math.Abs(tdErrors[i])+priorityFloor, s.alpha)
		if err := s.tree.Update(index, priority); err != nil {
			return fmt.Errorf("updatepriorities: %v", err)
		}
	}
	return nil
}

// Clear removes every record and priority from the Store.
// SetPriorityParams replaces the priority exponent and the
// importance-sampling growth rate. The current beta is left alone and
// keeps annealing toward 1 at the new rate.
func (s *Store) SetPriorityParams(alpha, betaGrowth float64) error {
	if alpha < 0 || alpha > 1 {
		return fmt.Errorf("setpriorityparams: alpha must be in [0, 1], "+
			"got %v", alpha)
	}
	if betaGrowth < 0 {
		return fmt.Errorf("setpriorityparams: betaGrowth must be "+
			"non-negative, got %v", betaGrowth)
	}
	s.alpha = alpha
	s.betaGrowth = betaGrowth
	return nil
}

func (s *Store) Clear() {
	for i := range s.records {
		s.records[i] = experience.Experience{}
	}
	s.tree.Clear()
	s.insertPos = 0
	s.full = false
}

// Resize replaces the backing buffer with one of the given capacity,
// keeping the most recent records in chronological order. Shrinking
// discards the oldest records; priorities reset to the insertion
// default since slot identities change.
func (s *Store) Resize(capacity int) error {
	if capacity < 1 {
		return fmt.Errorf("resize: capacity must be >= 1")
	}
	if capacity == s.Capacity() {
		return nil
	}

	kept := s.chronological()
	if len(kept) > capacity {
		kept = kept[len(kept)-capacity:]
	}

	tree, err := sumtree.New(capacity)
	if err != nil {
		return fmt.Errorf("resize: could not create priority tree: %v", err)
	}

	s.records = make([]experience.Experience, capacity)
	s.tree = tree
	s.insertPos = 0
	s.full = false

	for _, exp := range kept {
		if err := s.Insert(exp); err != nil {
			return fmt.Errorf("resize: could not reinsert record: %v", err)
		}
	}
	return nil
}

// chronological returns the stored records oldest-first.
func (s *Store) chronological() []experience.Experience {
	out := make([]experience.Experience, 0, s.Len())
	if s.full {
		out = append(out, s.records[s.insertPos:]...)
	}
	out = append(out, s.records[:s.insertPos]...)
	return out
}
