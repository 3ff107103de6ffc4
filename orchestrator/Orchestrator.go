// Package orchestrator coordinates experience collection, prioritized
// replay training, checkpointing, and run bookkeeping around a single
// learner.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/mat"

	"github.com/driftlock/agentrl/agent"
	"github.com/driftlock/agentrl/checkpoint"
	"github.com/driftlock/agentrl/experience"
	"github.com/driftlock/agentrl/expreplay"
	"github.com/driftlock/agentrl/history"
	"github.com/driftlock/agentrl/metrics"
	"github.com/driftlock/agentrl/social"
)

// rewardWindow is the number of recent batch rewards compared against
// the preceding window when adaptive exploration decay is enabled.
const rewardWindow = 20

// Result reports the outcome of one training request.
type Result struct {
	// BatchSizeUsed is the number of samples trained on, zero when
	// the batch was skipped.
	BatchSizeUsed int

	// BufferSizeAtCall is the replay buffer size when the request was
	// served.
	BufferSizeAtCall int

	Success bool
}

// Recommendation is a suggested action with a confidence derived from
// the learner's value gap between the best and second-best action.
type Recommendation struct {
	Action     int
	Confidence float64
}

// Statistics is a point-in-time view of the orchestrator's state.
type Statistics struct {
	RunID           string
	Batches         int64
	BufferSize      int
	ExplorationRate float64
	Paused          bool
	Metrics         metrics.Snapshot
	Relationships   social.Stats
}

// Dependencies carries the orchestrator's collaborators. Logger and
// Metrics default when nil; Checkpoints, Archive, and Relationships
// are optional and disable their features when nil.
type Dependencies struct {
	Logger        *slog.Logger
	Metrics       *metrics.Collector
	Checkpoints   *checkpoint.Manager
	Archive       *history.Archive
	Relationships *social.Matrix
}

// Orchestrator owns a replay store and a learner and serializes all
// access to the pair behind one mutex. Training runs on a bounded
// worker pool; every other operation is safe to call concurrently.
type Orchestrator struct {
	logger        *slog.Logger
	metrics       *metrics.Collector
	checkpoints   *checkpoint.Manager
	archive       *history.Archive
	relationships *social.Matrix

	// mu guards the store, the learner, the config, and the mutable
	// training state below.
	mu              sync.Mutex
	store           *expreplay.Store
	learner         agent.Learner
	config          Config
	explorationRate float64
	paused          bool
	batches         int64
	runID           uuid.UUID

	// Reward windows for adaptive exploration decay
	recentRewards   []float64
	previousAverage float64
	haveBaseline    bool

	// sem bounds concurrent training batches
	sem       chan struct{}
	wg        sync.WaitGroup
	done      chan struct{}
	closeOnce sync.Once
}

// New creates an orchestrator around the given learner. The config is
// clamped to the documented bounds before use.
func New(learner agent.Learner, config Config, deps Dependencies,
	seed uint64) (*Orchestrator, error) {
	if learner == nil {
		return nil, fmt.Errorf("new: learner required")
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	collector := deps.Metrics
	if collector == nil {
		collector = metrics.NewCollector()
	}

	config = config.clamped(logger)

	store, err := expreplay.New(config.BufferCapacity, learner.Features(),
		config.PriorityExponent, config.BetaStart, config.BetaGrowth, seed)
	if err != nil {
		return nil, fmt.Errorf("new: could not create replay store: %v", err)
	}

	learner.SetLearningRate(config.LearningRate)

	o := &Orchestrator{
		logger:          logger,
		metrics:         collector,
		checkpoints:     deps.Checkpoints,
		archive:         deps.Archive,
		relationships:   deps.Relationships,
		store:           store,
		learner:         learner,
		config:          config,
		explorationRate: config.ExplorationRate,
		runID:           uuid.New(),
		sem:             make(chan struct{}, config.Workers),
		done:            make(chan struct{}),
	}

	logger.Info("orchestrator created", "runID", o.runID,
		"bufferCapacity", config.BufferCapacity,
		"batchSize", config.BatchSize, "workers", config.Workers)
	return o, nil
}

// RunID returns the identifier of the current training run.
func (o *Orchestrator) RunID() uuid.UUID {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.runID
}

// ProcessExperience validates and stores one experience. Malformed
// experiences, including actions the learner cannot select, are
// dropped with a warning and the validation error is returned.
// Ingestion is a no-op while training is paused.
func (o *Orchestrator) ProcessExperience(exp experience.Experience) error {
	o.mu.Lock()
	if o.paused {
		o.mu.Unlock()
		return nil
	}
	var err error
	if exp.Action >= o.learner.NumActions() {
		err = fmt.Errorf("processexperience: action out of range "+
			"\n\twant(< %v)\n\thave(%v)", o.learner.NumActions(), exp.Action)
	} else {
		err = o.store.Insert(exp)
	}
	o.mu.Unlock()

	if err != nil {
		o.metrics.RecordMalformed()
		o.logger.Warn("dropped malformed experience", "error", err)
		return err
	}

	o.metrics.RecordExperience(exp.Reward)
	return nil
}

// SelectAction chooses an action for the given state using the current
// exploration rate.
func (o *Orchestrator) SelectAction(state mat.Vector) (int, error) {
	o.mu.Lock()
	action, explored, err := o.learner.SelectAction(state, o.explorationRate)
	o.mu.Unlock()

	if err != nil {
		return 0, fmt.Errorf("selectaction: %v", err)
	}
	o.metrics.RecordAction(explored)
	return action, nil
}

// Recommend returns the greedy action for a state with a confidence in
// [0, 1] proportional to the value gap over the runner-up action.
func (o *Orchestrator) Recommend(state mat.Vector) (Recommendation, error) {
	o.mu.Lock()
	values, err := o.learner.Predict(state)
	o.mu.Unlock()
	if err != nil {
		return Recommendation{}, fmt.Errorf("recommend: %v", err)
	}

	best, secondBest := 0, -1
	for a := 1; a < values.Len(); a++ {
		if values.AtVec(a) > values.AtVec(best) {
			secondBest = best
			best = a
		} else if secondBest < 0 ||
			values.AtVec(a) > values.AtVec(secondBest) {
			secondBest = a
		}
	}

	confidence := 1.0
	if secondBest >= 0 {
		gap := values.AtVec(best) - values.AtVec(secondBest)
		scale := abs(values.AtVec(best)) + abs(values.AtVec(secondBest))
		if scale > 0 {
			confidence = gap / scale
		} else {
			confidence = 0
		}
		if confidence > 1 {
			confidence = 1
		}
	}

	return Recommendation{Action: best, Confidence: confidence}, nil
}

// TrainBatchAsync requests one training batch on the worker pool and
// returns a channel that delivers the result. The channel is buffered;
// the result never blocks on the caller.
func (o *Orchestrator) TrainBatchAsync() <-chan Result {
	out := make(chan Result, 1)

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer close(out)

		select {
		case o.sem <- struct{}{}:
			defer func() { <-o.sem }()
		case <-o.done:
			out <- Result{}
			return
		}

		out <- o.trainOnce()
	}()

	return out
}

// TrainBatch performs one training batch synchronously. It is a
// blocking wrapper around TrainBatchAsync.
func (o *Orchestrator) TrainBatch() Result {
	return <-o.TrainBatchAsync()
}

// trainOnce samples, trains, and reprioritizes one batch under the
// store+learner mutex.
func (o *Orchestrator) trainOnce() Result {
	o.mu.Lock()

	bufferSize := o.store.Len()
	if o.paused {
		o.mu.Unlock()
		o.logger.Debug("training paused; batch skipped")
		o.metrics.RecordSkippedBatch()
		return Result{BufferSizeAtCall: bufferSize}
	}

	batch, err := o.store.SampleBatch(o.config.BatchSize)
	if err != nil {
		o.mu.Unlock()
		if expreplay.IsEmptyBuffer(err) ||
			expreplay.IsInsufficientSamples(err) {
			// Not enough experience yet; skip quietly
			o.metrics.RecordSkippedBatch()
			return Result{BufferSizeAtCall: bufferSize}
		}
		o.logger.Error("could not sample batch", "error", err)
		o.metrics.RecordSkippedBatch()
		return Result{BufferSizeAtCall: bufferSize}
	}

	tdErrors, err := o.learner.TrainOnBatch(batch)
	if err != nil {
		o.mu.Unlock()
		o.logger.Error("training batch failed", "error", err)
		return Result{
			BatchSizeUsed:    len(batch.Experiences),
			BufferSizeAtCall: bufferSize,
		}
	}

	if err := o.store.UpdatePriorities(batch.Indices, tdErrors); err != nil {
		o.logger.Warn("could not update priorities", "error", err)
	}

	meanLoss := mean(tdErrors)
	batchReward := 0.0
	for _, exp := range batch.Experiences {
		batchReward += exp.Reward
	}
	batchReward /= float64(len(batch.Experiences))

	o.decayExploration(batchReward)
	o.batches++
	progress := history.Record{
		RunID:           o.runID.String(),
		Step:            o.batches,
		BufferSize:      bufferSize,
		AverageLoss:     meanLoss,
		AverageReward:   batchReward,
		ExplorationRate: o.explorationRate,
		RecordedAt:      time.Now().UnixMilli(),
	}
	o.mu.Unlock()

	o.metrics.RecordBatch(meanLoss)
	o.appendProgress(progress)

	return Result{
		BatchSizeUsed:    len(batch.Experiences),
		BufferSizeAtCall: bufferSize,
		Success:          true,
	}
}

// appendProgress archives one progress row. Archive failures are
// recoverable: they are logged and training continues.
func (o *Orchestrator) appendProgress(record history.Record) {
	if o.archive == nil {
		return
	}
	if err := o.archive.Append(context.Background(), record); err != nil {
		o.logger.Warn("could not archive training progress", "error", err)
	}
}

// decayExploration lowers the exploration rate after a training batch.
// Fixed decay always applies the geometric factor. Adaptive decay
// applies it only when the recent reward window improves on the
// previous window, holding exploration steady otherwise. Callers must
// hold mu.
func (o *Orchestrator) decayExploration(batchReward float64) {
	decay := func() {
		next := o.explorationRate * o.config.ExplorationDecay
		if next < o.config.MinExploration {
			next = o.config.MinExploration
		}
		o.explorationRate = next
	}

	if !o.config.AdaptiveDecay {
		decay()
		return
	}

	o.recentRewards = append(o.recentRewards, batchReward)
	if len(o.recentRewards) < rewardWindow {
		return
	}

	average := mean(o.recentRewards)
	o.recentRewards = o.recentRewards[:0]

	if o.haveBaseline && average > o.previousAverage {
		decay()
	}
	o.previousAverage = average
	o.haveBaseline = true
}

// SetExplorationRate sets the exploration rate directly, clamping it
// to [0, 1]. The requested and effective values are logged when they
// differ.
func (o *Orchestrator) SetExplorationRate(rate float64) {
	clamped := rate
	if clamped < MinExplorationRate {
		clamped = MinExplorationRate
	} else if clamped > MaxExplorationRate {
		clamped = MaxExplorationRate
	}
	if clamped != rate {
		o.logger.Warn("exploration rate clamped", "requested", rate,
			"effective", clamped)
	}

	o.mu.Lock()
	o.explorationRate = clamped
	o.mu.Unlock()
}

// ExplorationRate returns the current exploration rate.
func (o *Orchestrator) ExplorationRate() float64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.explorationRate
}

// ApplyConfig clamps and applies a new configuration. The learner's
// step size and the buffer capacity change immediately; the worker
// pool size is fixed at construction.
func (o *Orchestrator) ApplyConfig(config Config) error {
	config = config.clamped(o.logger)

	o.mu.Lock()
	defer o.mu.Unlock()

	if config.BufferCapacity != o.store.Capacity() {
		if err := o.store.Resize(config.BufferCapacity); err != nil {
			return fmt.Errorf("applyconfig: could not resize buffer: %v",
				err)
		}
	}

	if err := o.store.SetPriorityParams(config.PriorityExponent,
		config.BetaGrowth); err != nil {
		return fmt.Errorf("applyconfig: %v", err)
	}

	o.learner.SetLearningRate(config.LearningRate)
	o.explorationRate = config.ExplorationRate

	// Workers bounds the pool created at construction; BetaStart only
	// seeds the annealing schedule.
	config.Workers = o.config.Workers
	o.config = config

	o.logger.Info("configuration applied",
		"learningRate", config.LearningRate,
		"discountFactor", config.DiscountFactor,
		"batchSize", config.BatchSize,
		"bufferCapacity", config.BufferCapacity,
		"explorationRate", config.ExplorationRate)
	return nil
}

// ReportPerformance feeds an external performance score to the pause
// gate: scores below the configured threshold pause training, scores
// at or above it resume.
func (o *Orchestrator) ReportPerformance(score float64) {
	o.mu.Lock()
	defer o.mu.Unlock()

	shouldPause := score < o.config.PerformanceThreshold
	if shouldPause == o.paused {
		return
	}

	o.paused = shouldPause
	if shouldPause {
		o.logger.Warn("training paused on low performance", "score", score,
			"threshold", o.config.PerformanceThreshold)
	} else {
		o.logger.Info("training resumed", "score", score,
			"threshold", o.config.PerformanceThreshold)
	}
}

// Paused reports whether training is currently paused.
func (o *Orchestrator) Paused() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.paused
}

// SetPaused pauses or resumes training directly.
func (o *Orchestrator) SetPaused(paused bool) {
	o.mu.Lock()
	o.paused = paused
	o.mu.Unlock()
}

// RecordInteraction adjusts the relationship between two agents and
// counts the interaction.
func (o *Orchestrator) RecordInteraction(a, b uuid.UUID,
	delta float64) (float64, error) {
	if o.relationships == nil {
		return 0, fmt.Errorf("recordinteraction: no relationship matrix "+
			"configured")
	}

	score, err := o.relationships.Adjust(a, b, delta)
	if err != nil {
		return 0, fmt.Errorf("recordinteraction: %v", err)
	}
	o.metrics.RecordInteraction()
	return score, nil
}

// SaveCheckpoint exports the learner and writes a checkpoint with a
// backup of the previous one.
func (o *Orchestrator) SaveCheckpoint() (string, error) {
	if o.checkpoints == nil {
		return "", fmt.Errorf("savecheckpoint: no checkpoint manager "+
			"configured")
	}

	o.mu.Lock()
	parameters, err := o.learner.ExportSnapshot()
	o.mu.Unlock()
	if err != nil {
		return "", fmt.Errorf("savecheckpoint: %v", err)
	}

	path, err := o.checkpoints.SaveWithBackup(parameters)
	if err != nil {
		return "", fmt.Errorf("savecheckpoint: %v", err)
	}
	return path, nil
}

// RestoreLatest loads the newest checkpoint into the learner. When no
// checkpoint exists the learner is left untouched and no error is
// returned.
func (o *Orchestrator) RestoreLatest() error {
	if o.checkpoints == nil {
		return fmt.Errorf("restorelatest: no checkpoint manager configured")
	}

	parameters, err := o.checkpoints.LoadLatest()
	if errors.Is(err, checkpoint.ErrNoCheckpoint) {
		o.logger.Info("no checkpoint to restore")
		return nil
	}
	if err != nil {
		return fmt.Errorf("restorelatest: %v", err)
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.learner.ImportSnapshot(parameters); err != nil {
		return fmt.Errorf("restorelatest: %v", err)
	}

	o.logger.Info("checkpoint restored", "runID", o.runID)
	return nil
}

// ScheduleAutosave starts periodic checkpoint saves at the configured
// interval. The loop stops when the orchestrator is closed.
func (o *Orchestrator) ScheduleAutosave() error {
	if o.checkpoints == nil {
		return fmt.Errorf("scheduleautosave: no checkpoint manager "+
			"configured")
	}

	o.mu.Lock()
	interval := o.config.AutosaveInterval
	o.mu.Unlock()
	if interval <= 0 {
		return fmt.Errorf("scheduleautosave: autosave interval must be "+
			"positive \n\thave(%v)", interval)
	}

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				if _, err := o.SaveCheckpoint(); err != nil {
					// Persistence errors are recoverable; keep training
					o.logger.Warn("autosave failed", "error", err)
					continue
				}
				o.pruneCheckpoints()
			case <-o.done:
				return
			}
		}
	}()
	return nil
}

// Reset discards all learned state and starts a fresh run: the buffer
// is cleared, the learner reinitialized, metrics zeroed, and a new run
// id assigned.
func (o *Orchestrator) Reset() {
	o.mu.Lock()
	o.store.Clear()
	o.learner.Reset()
	o.explorationRate = o.config.ExplorationRate
	o.paused = false
	o.batches = 0
	o.recentRewards = nil
	o.previousAverage = 0
	o.haveBaseline = false
	previous := o.runID
	o.runID = uuid.New()
	runID := o.runID
	o.mu.Unlock()

	o.metrics.Reset()
	if o.relationships != nil {
		o.relationships.Reset()
	}
	o.pruneCheckpoints()

	o.logger.Info("orchestrator reset", "previousRunID", previous,
		"runID", runID)
}

// pruneCheckpoints removes checkpoint files beyond the retention
// count. Pruning failures are recoverable and only logged.
func (o *Orchestrator) pruneCheckpoints() {
	if o.checkpoints == nil {
		return
	}
	o.mu.Lock()
	keep := o.config.MaxCheckpoints
	o.mu.Unlock()

	if err := o.checkpoints.Cleanup(keep); err != nil {
		o.logger.Warn("could not prune old checkpoints", "error", err)
	}
}

// Statistics returns a snapshot of the orchestrator's state.
func (o *Orchestrator) Statistics() Statistics {
	o.mu.Lock()
	stats := Statistics{
		RunID:           o.runID.String(),
		Batches:         o.batches,
		BufferSize:      o.store.Len(),
		ExplorationRate: o.explorationRate,
		Paused:          o.paused,
	}
	o.mu.Unlock()

	stats.Metrics = o.metrics.Snapshot()
	if o.relationships != nil {
		stats.Relationships = o.relationships.Stats()
	}
	return stats
}

// Close stops background work and waits for in-flight training batches
// to finish.
func (o *Orchestrator) Close() error {
	o.closeOnce.Do(func() {
		close(o.done)
	})
	o.wg.Wait()
	return nil
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

func abs(x float64) float64 {
	if x < 0 {
		return -x
	}
	return x
}
