// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package launch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/AleutianAI/AleutianPipeline/services/pipeline/checkpoint"
	"github.com/AleutianAI/AleutianPipeline/services/pipeline/config"
)

// resumeFrom loads the checkpoint each of stages restores before training.
//
// Description:
//
//	Stages must restart from the same round, or the pipeline would mix
//	weights of different rounds. Without a pinned round, the newest round
//	checkpointed by every listed stage is chosen. A stage that saved a
//	newer round than that has its extra rounds retrained. When the stages
//	share no round, all of them start fresh.
//
// Inputs:
//
//	ctx - Bounds store reads.
//	cfg - Supplies the resume settings.
//	store - The checkpoint store. Nil disables resume.
//	stages - Indices of the stages this process runs.
//	logger - Receives the resume decision.
//
// Outputs:
//
//	map[int]*checkpoint.Checkpoint - Checkpoint per stage, nil for a
//	fresh start.
//	int - The first round the stages run.
//	error - Store failures, or ErrInvalidConfig when a pinned round is
//	missing.
func resumeFrom(ctx context.Context, cfg *config.RunConfig, store *checkpoint.Store, stages []int, logger *slog.Logger) (map[int]*checkpoint.Checkpoint, int, error) {
	if store == nil || !cfg.Checkpoint.Resume {
		return nil, 0, nil
	}

	round := -1
	if pinned := cfg.Checkpoint.ResumeRound; pinned != nil {
		round = *pinned
	} else {
		var err error
		if round, err = commonRound(ctx, store, stages, logger); err != nil {
			return nil, 0, err
		}
	}
	if round < 0 {
		logger.Info("No checkpoint shared by every stage, starting fresh", slog.Any("stages", stages))
		return nil, 0, nil
	}

	cps := make(map[int]*checkpoint.Checkpoint, len(stages))
	for _, stage := range stages {
		cp, err := store.Load(ctx, stage, round)
		switch {
		case errors.Is(err, checkpoint.ErrNoCheckpoint):
			return nil, 0, fmt.Errorf("%w: resume stage %d: %w", config.ErrInvalidConfig, stage, err)
		case err != nil:
			return nil, 0, fmt.Errorf("resume stage %d: %w", stage, err)
		}
		cps[stage] = cp
	}
	logger.Info("Resuming from checkpoint", slog.Int("round", round), slog.Any("stages", stages))
	return cps, round + 1, nil
}

// commonRound returns the newest round saved by every stage, or -1.
func commonRound(ctx context.Context, store *checkpoint.Store, stages []int, logger *slog.Logger) (int, error) {
	counts := make(map[int]int)
	latest := make(map[int]int, len(stages))
	for _, stage := range stages {
		rounds, err := store.Rounds(ctx, stage)
		if err != nil {
			return -1, fmt.Errorf("list checkpoints of stage %d: %w", stage, err)
		}
		latest[stage] = -1
		for _, r := range rounds {
			counts[r]++
			latest[stage] = r
		}
	}

	round := -1
	for r, n := range counts {
		if n == len(stages) && r > round {
			round = r
		}
	}
	for _, stage := range stages {
		if latest[stage] > round {
			logger.Warn("Stage checkpointed past the shared round, retraining",
				slog.Int("stage", stage),
				slog.Int("latest", latest[stage]),
				slog.Int("round", round),
			)
		}
	}
	return round, nil
}
