package orchestrator

import (
	"context"
	"io"
	"log/slog"
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/mat"

	"github.com/driftlock/agentrl/agent/tabular"
	"github.com/driftlock/agentrl/checkpoint"
	"github.com/driftlock/agentrl/experience"
	"github.com/driftlock/agentrl/history"
	"github.com/driftlock/agentrl/social"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() Config {
	config := DefaultConfig()
	config.LearningRate = 0.005
	config.BatchSize = 8
	config.ExplorationRate = 0.5
	config.ExplorationDecay = 0.9
	config.MinExploration = 0.1
	config.PerformanceThreshold = 0.0
	config.Workers = 2
	return config
}

func newLearner(t *testing.T) *tabular.QLearner {
	t.Helper()
	q, err := tabular.New(tabular.Config{
		Features:     1,
		NumActions:   2,
		LearningRate: 0.005,
		Gamma:        0.9,
	}, 7)
	if err != nil {
		t.Fatalf("could not create learner: %v", err)
	}
	return q
}

func newOrchestrator(t *testing.T, config Config,
	deps Dependencies) *Orchestrator {
	t.Helper()
	if deps.Logger == nil {
		deps.Logger = discardLogger()
	}

	o, err := New(newLearner(t), config, deps, 11)
	if err != nil {
		t.Fatalf("could not create orchestrator: %v", err)
	}
	t.Cleanup(func() { o.Close() })
	return o
}

func state(value float64) *mat.VecDense {
	return mat.NewVecDense(1, []float64{value})
}

// fill stores n valid experiences alternating between two states.
func fill(t *testing.T, o *Orchestrator, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		exp := experience.New(state(float64(i%2)), i%2, 1.0,
			state(float64((i+1)%2)), i%5 == 0)
		if err := o.ProcessExperience(exp); err != nil {
			t.Fatalf("processexperience: %v", err)
		}
	}
}

func TestNewClampsConfig(t *testing.T) {
	config := testConfig()
	config.LearningRate = 1.0 // far above the maximum
	config.BatchSize = 100000
	config.BufferCapacity = 10

	o := newOrchestrator(t, config, Dependencies{})

	if o.config.LearningRate != MaxLearningRate {
		t.Errorf("learning rate: \n\twant(%v)\n\thave(%v)",
			MaxLearningRate, o.config.LearningRate)
	}
	if o.config.BatchSize != MaxBatchSize {
		t.Errorf("batch size: \n\twant(%v)\n\thave(%v)", MaxBatchSize,
			o.config.BatchSize)
	}
	if o.config.BufferCapacity != MinBufferCapacity {
		t.Errorf("buffer capacity: \n\twant(%v)\n\thave(%v)",
			MinBufferCapacity, o.config.BufferCapacity)
	}
}

func TestTrainBatchSkippedWhenInsufficient(t *testing.T) {
	o := newOrchestrator(t, testConfig(), Dependencies{})
	fill(t, o, 3) // below the batch size of 8

	result := o.TrainBatch()
	if result.Success {
		t.Error("training succeeded with insufficient samples")
	}
	if result.BatchSizeUsed != 0 {
		t.Errorf("batch size used: \n\twant(0)\n\thave(%v)",
			result.BatchSizeUsed)
	}
	if result.BufferSizeAtCall != 3 {
		t.Errorf("buffer size: \n\twant(3)\n\thave(%v)",
			result.BufferSizeAtCall)
	}

	stats := o.Statistics()
	if stats.Metrics.SkippedBatches != 1 {
		t.Errorf("skipped batches: \n\twant(1)\n\thave(%v)",
			stats.Metrics.SkippedBatches)
	}
}

func TestTrainBatchSuccess(t *testing.T) {
	o := newOrchestrator(t, testConfig(), Dependencies{})
	fill(t, o, 20)

	result := o.TrainBatch()
	if !result.Success {
		t.Fatal("training failed with sufficient samples")
	}
	if result.BatchSizeUsed != 8 {
		t.Errorf("batch size used: \n\twant(8)\n\thave(%v)",
			result.BatchSizeUsed)
	}
	if result.BufferSizeAtCall != 20 {
		t.Errorf("buffer size: \n\twant(20)\n\thave(%v)",
			result.BufferSizeAtCall)
	}

	// Fixed geometric decay after one batch
	want := 0.5 * 0.9
	if math.Abs(o.ExplorationRate()-want) > 1e-12 {
		t.Errorf("exploration rate: \n\twant(%v)\n\thave(%v)", want,
			o.ExplorationRate())
	}

	stats := o.Statistics()
	if stats.Batches != 1 {
		t.Errorf("batches: \n\twant(1)\n\thave(%v)", stats.Batches)
	}
	if stats.Metrics.Batches != 1 {
		t.Errorf("metric batches: \n\twant(1)\n\thave(%v)",
			stats.Metrics.Batches)
	}
}

func TestTrainBatchAsyncCompletes(t *testing.T) {
	o := newOrchestrator(t, testConfig(), Dependencies{})
	fill(t, o, 50)

	var channels []<-chan Result
	for i := 0; i < 10; i++ {
		channels = append(channels, o.TrainBatchAsync())
	}

	succeeded := 0
	for _, ch := range channels {
		select {
		case result := <-ch:
			if result.Success {
				succeeded++
			}
		case <-time.After(10 * time.Second):
			t.Fatal("training batch did not complete")
		}
	}
	if succeeded != 10 {
		t.Errorf("successful batches: \n\twant(10)\n\thave(%v)", succeeded)
	}
}

func TestProcessExperienceDropsMalformed(t *testing.T) {
	o := newOrchestrator(t, testConfig(), Dependencies{})

	bad := experience.Experience{
		State:     state(0),
		Action:    0,
		Reward:    math.NaN(),
		NextState: state(1),
	}
	if err := o.ProcessExperience(bad); err == nil {
		t.Error("expected error for malformed experience")
	}

	stats := o.Statistics()
	if stats.Metrics.MalformedDropped != 1 {
		t.Errorf("malformed dropped: \n\twant(1)\n\thave(%v)",
			stats.Metrics.MalformedDropped)
	}
	if stats.BufferSize != 0 {
		t.Errorf("buffer size: \n\twant(0)\n\thave(%v)", stats.BufferSize)
	}
}

func TestReportPerformancePausesAndResumes(t *testing.T) {
	o := newOrchestrator(t, testConfig(), Dependencies{})
	fill(t, o, 20)

	o.ReportPerformance(-1.0)
	if !o.Paused() {
		t.Fatal("not paused after low performance")
	}
	if result := o.TrainBatch(); result.Success {
		t.Error("training succeeded while paused")
	}

	o.ReportPerformance(1.0)
	if o.Paused() {
		t.Fatal("still paused after recovered performance")
	}
	if result := o.TrainBatch(); !result.Success {
		t.Error("training failed after resume")
	}
}

func TestSetExplorationRateClamps(t *testing.T) {
	o := newOrchestrator(t, testConfig(), Dependencies{})

	o.SetExplorationRate(1.5)
	if o.ExplorationRate() != MaxExplorationRate {
		t.Errorf("exploration rate: \n\twant(%v)\n\thave(%v)",
			MaxExplorationRate, o.ExplorationRate())
	}

	o.SetExplorationRate(-0.5)
	if o.ExplorationRate() != MinExplorationRate {
		t.Errorf("exploration rate: \n\twant(%v)\n\thave(%v)",
			MinExplorationRate, o.ExplorationRate())
	}

	o.SetExplorationRate(0.25)
	if o.ExplorationRate() != 0.25 {
		t.Errorf("exploration rate: \n\twant(0.25)\n\thave(%v)",
			o.ExplorationRate())
	}
}

func TestApplyConfigClampsAndApplies(t *testing.T) {
	o := newOrchestrator(t, testConfig(), Dependencies{})

	next := testConfig()
	next.LearningRate = 5.0
	next.ExplorationRate = 0.8
	next.BufferCapacity = 2000
	if err := o.ApplyConfig(next); err != nil {
		t.Fatalf("applyconfig: %v", err)
	}

	if o.config.LearningRate != MaxLearningRate {
		t.Errorf("learning rate: \n\twant(%v)\n\thave(%v)",
			MaxLearningRate, o.config.LearningRate)
	}
	if o.ExplorationRate() != 0.8 {
		t.Errorf("exploration rate: \n\twant(0.8)\n\thave(%v)",
			o.ExplorationRate())
	}
	if o.store.Capacity() != 2000 {
		t.Errorf("buffer capacity: \n\twant(2000)\n\thave(%v)",
			o.store.Capacity())
	}
}

func TestResetStartsFreshRun(t *testing.T) {
	o := newOrchestrator(t, testConfig(), Dependencies{})
	fill(t, o, 20)
	o.TrainBatch()

	before := o.RunID()
	o.Reset()

	if o.RunID() == before {
		t.Error("run id unchanged after reset")
	}

	stats := o.Statistics()
	if stats.BufferSize != 0 || stats.Batches != 0 {
		t.Errorf("state after reset: buffer %v, batches %v",
			stats.BufferSize, stats.Batches)
	}
	if o.ExplorationRate() != 0.5 {
		t.Errorf("exploration rate after reset: \n\twant(0.5)\n\thave(%v)",
			o.ExplorationRate())
	}
}

func TestSaveAndRestoreCheckpoint(t *testing.T) {
	dir := t.TempDir()
	manager, err := checkpoint.NewManager(dir, "model", discardLogger())
	if err != nil {
		t.Fatalf("could not create checkpoint manager: %v", err)
	}

	o := newOrchestrator(t, testConfig(), Dependencies{Checkpoints: manager})
	fill(t, o, 20)
	o.TrainBatch()

	if _, err := o.SaveCheckpoint(); err != nil {
		t.Fatalf("savecheckpoint: %v", err)
	}

	restored := newOrchestrator(t, testConfig(),
		Dependencies{Checkpoints: manager})
	if err := restored.RestoreLatest(); err != nil {
		t.Fatalf("restorelatest: %v", err)
	}

	want, err := o.Recommend(state(0))
	if err != nil {
		t.Fatalf("recommend: %v", err)
	}
	have, err := restored.Recommend(state(0))
	if err != nil {
		t.Fatalf("recommend: %v", err)
	}
	if want.Action != have.Action {
		t.Errorf("restored action: \n\twant(%v)\n\thave(%v)", want.Action,
			have.Action)
	}
}

func TestRestoreLatestWithoutCheckpoint(t *testing.T) {
	manager, err := checkpoint.NewManager(t.TempDir(), "model",
		discardLogger())
	if err != nil {
		t.Fatalf("could not create checkpoint manager: %v", err)
	}

	o := newOrchestrator(t, testConfig(), Dependencies{Checkpoints: manager})
	if err := o.RestoreLatest(); err != nil {
		t.Errorf("restorelatest on empty directory: %v", err)
	}
}

func TestRecommendConfidence(t *testing.T) {
	o := newOrchestrator(t, testConfig(), Dependencies{})
	fill(t, o, 50)
	for i := 0; i < 20; i++ {
		o.TrainBatch()
	}

	rec, err := o.Recommend(state(0))
	if err != nil {
		t.Fatalf("recommend: %v", err)
	}
	if rec.Action < 0 || rec.Action >= 2 {
		t.Errorf("action out of range: %v", rec.Action)
	}
	if rec.Confidence < 0 || rec.Confidence > 1 {
		t.Errorf("confidence out of range: %v", rec.Confidence)
	}
}

func TestRecordInteraction(t *testing.T) {
	o := newOrchestrator(t, testConfig(),
		Dependencies{Relationships: social.NewMatrix()})

	a := uuid.New()
	b := uuid.New()
	score, err := o.RecordInteraction(a, b, 0.4)
	if err != nil {
		t.Fatalf("recordinteraction: %v", err)
	}
	if math.Abs(score-0.4) > 1e-12 {
		t.Errorf("score: \n\twant(0.4)\n\thave(%v)", score)
	}

	stats := o.Statistics()
	if stats.Metrics.Interactions != 1 {
		t.Errorf("interactions: \n\twant(1)\n\thave(%v)",
			stats.Metrics.Interactions)
	}
	if stats.Relationships.Pairs != 1 {
		t.Errorf("pairs: \n\twant(1)\n\thave(%v)",
			stats.Relationships.Pairs)
	}
}

func TestTrainingArchivesProgress(t *testing.T) {
	ctx := context.Background()
	archive := history.NewArchive(filepath.Join(t.TempDir(), "history.db"))
	if err := archive.Init(ctx); err != nil {
		t.Fatalf("could not init archive: %v", err)
	}
	t.Cleanup(func() { _ = archive.Close() })

	o := newOrchestrator(t, testConfig(), Dependencies{Archive: archive})
	fill(t, o, 20)
	o.TrainBatch()
	o.TrainBatch()

	records, err := archive.Records(ctx, o.RunID().String())
	if err != nil {
		t.Fatalf("records: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("archived rows: \n\twant(2)\n\thave(%v)", len(records))
	}
	if records[0].Step != 1 || records[1].Step != 2 {
		t.Errorf("steps: \n\twant(1, 2)\n\thave(%v, %v)", records[0].Step,
			records[1].Step)
	}
}

func TestAdaptiveDecayHoldsUntilImprovement(t *testing.T) {
	config := testConfig()
	config.AdaptiveDecay = true
	o := newOrchestrator(t, config, Dependencies{})
	fill(t, o, 50)

	// Fewer batches than the reward window: no decay yet
	for i := 0; i < rewardWindow-1; i++ {
		o.TrainBatch()
	}
	if o.ExplorationRate() != 0.5 {
		t.Errorf("exploration rate decayed early: \n\twant(0.5)\n\thave(%v)",
			o.ExplorationRate())
	}
}

func TestScheduleAutosave(t *testing.T) {
	manager, err := checkpoint.NewManager(t.TempDir(), "model",
		discardLogger())
	if err != nil {
		t.Fatalf("could not create checkpoint manager: %v", err)
	}

	config := testConfig()
	config.AutosaveInterval = 20 * time.Millisecond
	o := newOrchestrator(t, config, Dependencies{Checkpoints: manager})

	if err := o.ScheduleAutosave(); err != nil {
		t.Fatalf("scheduleautosave: %v", err)
	}
	time.Sleep(100 * time.Millisecond)
	o.Close()

	if _, err := manager.LoadLatest(); err != nil {
		t.Errorf("no autosaved checkpoint: %v", err)
	}
}

func TestProcessExperienceDropsActionOutOfRange(t *testing.T) {
	o := newOrchestrator(t, testConfig(), Dependencies{})

	exp := experience.New(state(0), 5, 1.0, state(1), false)
	if err := o.ProcessExperience(exp); err == nil {
		t.Error("expected error for action beyond the learner's actions")
	}

	stats := o.Statistics()
	if stats.Metrics.MalformedDropped != 1 {
		t.Errorf("malformed dropped: \n\twant(1)\n\thave(%v)",
			stats.Metrics.MalformedDropped)
	}
	if stats.BufferSize != 0 {
		t.Errorf("buffer size: \n\twant(0)\n\thave(%v)", stats.BufferSize)
	}

	// A training batch containing the dropped action would have crashed
	// the learner; the store must never hand one out.
	fill(t, o, 20)
	if result := o.TrainBatch(); !result.Success {
		t.Error("training failed after dropping the bad experience")
	}
}

func TestProcessExperienceNoOpWhilePaused(t *testing.T) {
	o := newOrchestrator(t, testConfig(), Dependencies{})

	o.ReportPerformance(-1.0)
	exp := experience.New(state(0), 0, 1.0, state(1), false)
	if err := o.ProcessExperience(exp); err != nil {
		t.Errorf("processexperience while paused: %v", err)
	}

	stats := o.Statistics()
	if stats.BufferSize != 0 {
		t.Errorf("buffer size while paused: \n\twant(0)\n\thave(%v)",
			stats.BufferSize)
	}

	o.ReportPerformance(1.0)
	if err := o.ProcessExperience(exp); err != nil {
		t.Fatalf("processexperience after resume: %v", err)
	}
	if o.Statistics().BufferSize != 1 {
		t.Error("experience not stored after resume")
	}
}

func TestNewClampsPriorityAndRetention(t *testing.T) {
	config := testConfig()
	config.PriorityExponent = 2.0
	config.BetaStart = -0.5
	config.BetaGrowth = 3.0
	config.MaxCheckpoints = 0

	o := newOrchestrator(t, config, Dependencies{})

	if o.config.PriorityExponent != 1.0 {
		t.Errorf("priority exponent: \n\twant(1.0)\n\thave(%v)",
			o.config.PriorityExponent)
	}
	if o.config.BetaStart != 0.0 {
		t.Errorf("beta start: \n\twant(0.0)\n\thave(%v)",
			o.config.BetaStart)
	}
	if o.config.BetaGrowth != 1.0 {
		t.Errorf("beta growth: \n\twant(1.0)\n\thave(%v)",
			o.config.BetaGrowth)
	}
	if o.config.MaxCheckpoints != MinCheckpointsKept {
		t.Errorf("max checkpoints: \n\twant(%v)\n\thave(%v)",
			MinCheckpointsKept, o.config.MaxCheckpoints)
	}
}

func TestBetaStartSeedsStore(t *testing.T) {
	config := testConfig()
	config.BetaStart = 0.7

	o := newOrchestrator(t, config, Dependencies{})
	if o.store.Beta() != 0.7 {
		t.Errorf("store beta: \n\twant(0.7)\n\thave(%v)", o.store.Beta())
	}
}

func TestResetPrunesCheckpoints(t *testing.T) {
	dir := t.TempDir()
	manager, err := checkpoint.NewManager(dir, "model", discardLogger())
	if err != nil {
		t.Fatalf("could not create checkpoint manager: %v", err)
	}

	config := testConfig()
	config.MaxCheckpoints = 2
	o := newOrchestrator(t, config, Dependencies{Checkpoints: manager})

	for i := 0; i < 5; i++ {
		if _, err := o.SaveCheckpoint(); err != nil {
			t.Fatalf("savecheckpoint: %v", err)
		}
	}

	o.Reset()

	files, err := filepath.Glob(filepath.Join(dir, "model_*.json"))
	if err != nil {
		t.Fatalf("glob: %v", err)
	}
	if len(files) != 2 {
		t.Errorf("retained checkpoints: \n\twant(2)\n\thave(%v)",
			len(files))
	}
	backups, err := filepath.Glob(filepath.Join(dir, "backup_*.json"))
	if err != nil {
		t.Fatalf("glob: %v", err)
	}
	if len(backups) > 2 {
		t.Errorf("retained backups: \n\twant(<= 2)\n\thave(%v)",
			len(backups))
	}
}

func TestAutosavePrunesCheckpoints(t *testing.T) {
	dir := t.TempDir()
	manager, err := checkpoint.NewManager(dir, "model", discardLogger())
	if err != nil {
		t.Fatalf("could not create checkpoint manager: %v", err)
	}

	config := testConfig()
	config.AutosaveInterval = 20 * time.Millisecond
	config.MaxCheckpoints = 1
	o := newOrchestrator(t, config, Dependencies{Checkpoints: manager})

	if err := o.ScheduleAutosave(); err != nil {
		t.Fatalf("scheduleautosave: %v", err)
	}
	time.Sleep(150 * time.Millisecond)
	o.Close()

	files, err := filepath.Glob(filepath.Join(dir, "model_*.json"))
	if err != nil {
		t.Fatalf("glob: %v", err)
	}
	if len(files) != 1 {
		t.Errorf("retained checkpoints: \n\twant(1)\n\thave(%v)",
			len(files))
	}
}
