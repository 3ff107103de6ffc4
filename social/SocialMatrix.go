// Package social tracks pairwise relationship scores between agents.
package social

import (
	"fmt"
	"math"
	"sync"

	"github.com/google/uuid"

	"github.com/driftlock/agentrl/utils/floatutils"
)

const (
	// MinScore and MaxScore bound every relationship value.
	MinScore = -1.0
	MaxScore = 1.0

	// evictBelow is the magnitude under which a decayed relationship
	// is dropped from the matrix.
	evictBelow = 0.01
)

// Matrix holds symmetric relationship scores between agent pairs.
// Scores are clamped to [MinScore, MaxScore]. The zero score is
// implicit: pairs with no entry are neutral.
type Matrix struct {
	mu     sync.RWMutex
	scores map[uuid.UUID]map[uuid.UUID]float64
}

// NewMatrix returns an empty relationship matrix.
func NewMatrix() *Matrix {
	return &Matrix{
		scores: make(map[uuid.UUID]map[uuid.UUID]float64),
	}
}

// Adjust moves the relationship between two agents by delta, clamping
// the result. The relationship is symmetric: both directions are
// updated. Adjusting an agent against itself is rejected.
func (m *Matrix) Adjust(a, b uuid.UUID, delta float64) (float64, error) {
	if a == b {
		return 0, fmt.Errorf("adjust: agent %v cannot relate to itself", a)
	}
	if math.IsNaN(delta) || math.IsInf(delta, 0) {
		return 0, fmt.Errorf("adjust: delta must be finite \n\thave(%v)",
			delta)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	score := floatutils.Clip(m.scores[a][b]+delta, MinScore, MaxScore)
	m.set(a, b, score)
	m.set(b, a, score)
	return score, nil
}

// set stores one direction of a relationship, allocating the inner map
// on first contact.
func (m *Matrix) set(from, to uuid.UUID, score float64) {
	inner, ok := m.scores[from]
	if !ok {
		inner = make(map[uuid.UUID]float64)
		m.scores[from] = inner
	}
	inner[to] = score
}

// Relationship returns the score between two agents, zero when the
// pair has never interacted.
func (m *Matrix) Relationship(a, b uuid.UUID) float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.scores[a][b]
}

// Relationships returns a copy of all of an agent's scores.
func (m *Matrix) Relationships(a uuid.UUID) map[uuid.UUID]float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[uuid.UUID]float64, len(m.scores[a]))
	for other, score := range m.scores[a] {
		out[other] = score
	}
	return out
}

// Decay multiplies every relationship by factor and evicts entries
// whose magnitude falls below the eviction threshold. The factor must
// be in [0, 1].
func (m *Matrix) Decay(factor float64) error {
	if factor < 0 || factor > 1 {
		return fmt.Errorf("decay: factor must be in [0, 1] \n\thave(%v)",
			factor)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for from, inner := range m.scores {
		for to, score := range inner {
			score *= factor
			if math.Abs(score) < evictBelow {
				delete(inner, to)
				continue
			}
			inner[to] = score
		}
		if len(inner) == 0 {
			delete(m.scores, from)
		}
	}
	return nil
}

// Stats summarizes the matrix.
type Stats struct {
	Agents  int
	Pairs   int
	Average float64
}

// Stats returns the number of tracked agents, distinct pairs, and the
// average score over those pairs.
func (m *Matrix) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	pairs := 0
	sum := 0.0
	for _, inner := range m.scores {
		for _, score := range inner {
			pairs++
			sum += score
		}
	}

	// Every pair is stored in both directions
	stats := Stats{Agents: len(m.scores), Pairs: pairs / 2}
	if pairs > 0 {
		stats.Average = sum / float64(pairs)
	}
	return stats
}

// Reset drops all relationships.
func (m *Matrix) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scores = make(map[uuid.UUID]map[uuid.UUID]float64)
}
