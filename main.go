package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/driftlock/agentrl/agent/tabular"
	"github.com/driftlock/agentrl/checkpoint"
	"github.com/driftlock/agentrl/environment"
	"github.com/driftlock/agentrl/experiment"
	"github.com/driftlock/agentrl/orchestrator"
)

func main() {
	var seed uint64 = 192382
	logger := slog.New(slog.NewTextHandler(os.Stderr,
		&slog.HandlerOptions{Level: slog.LevelWarn}))

	// Create the environment
	chain, err := environment.NewChain(10, 200, seed)
	if err != nil {
		panic(err)
	}

	// Create the learner
	learner, err := tabular.New(tabular.Config{
		Features:     chain.Features(),
		NumActions:   chain.NumActions(),
		LearningRate: 0.01,
		Gamma:        0.95,
		Resolution:   0.05,
	}, seed)
	if err != nil {
		panic(err)
	}

	checkpoints, err := checkpoint.NewManager("checkpoints", "chain", logger)
	if err != nil {
		panic(err)
	}

	// Create the training orchestrator around the learner
	config := orchestrator.DefaultConfig()
	config.BatchSize = 16
	config.ExplorationRate = 1.0
	config.ExplorationDecay = 0.999
	config.MinExploration = 0.05

	orch, err := orchestrator.New(learner, config, orchestrator.Dependencies{
		Logger:      logger,
		Checkpoints: checkpoints,
	}, seed)
	if err != nil {
		panic(err)
	}
	defer orch.Close()

	// Run the experiment, training every 4 environment steps
	online, err := experiment.NewOnline(orch, chain, 50_000, 4, os.Stdout)
	if err != nil {
		panic(err)
	}
	if err := online.Run(); err != nil {
		panic(err)
	}

	if _, err := orch.SaveCheckpoint(); err != nil {
		panic(err)
	}

	stats := orch.Statistics()
	fmt.Printf("run %v: %v batches, average reward %v, "+
		"exploration %.3f\n", stats.RunID, stats.Batches,
		stats.Metrics.AverageReward, stats.ExplorationRate)
}
