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

	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/AleutianPipeline/services/pipeline/config"
	"github.com/AleutianAI/AleutianPipeline/services/pipeline/runtime"
	"github.com/AleutianAI/AleutianPipeline/services/pipeline/topology"
	"github.com/AleutianAI/AleutianPipeline/services/pipeline/transport"
)

// RunLocal trains every stage of cfg in this process.
//
// Description:
//
//	Each stage runs in its own goroutine with its own runtime, connected
//	to its neighbors through a transport.Mesh. Stages share one
//	checkpoint store; keys are per stage. On resume every stage restarts
//	from the same round. The first stage failure cancels the others.
//
// Inputs:
//
//	ctx - Cancels every stage.
//	cfg - A validated run configuration.
//	opts - Process settings.
//
// Outputs:
//
//	[]*Report - One report per stage in rank order, including failed
//	stages.
//	error - The first stage failure.
func RunLocal(ctx context.Context, cfg *config.RunConfig, opts Options) ([]*Report, error) {
	logger := opts.logger()
	topos, err := topology.Chain(cfg.Pipeline.Stages)
	if err != nil {
		return nil, err
	}
	rcs := make([]*config.RunContext, len(topos))
	for i := range topos {
		rc, err := config.NewRunContext(cfg, i, false)
		if err != nil {
			return nil, err
		}
		if i > 0 {
			rc.RunID = rcs[0].RunID
		}
		rcs[i] = rc
	}

	mesh, err := transport.NewMesh(len(topos))
	if err != nil {
		return nil, err
	}
	defer mesh.Close()

	store, closeStore, err := OpenStore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := closeStore(); err != nil {
			logger.Warn("Failed to close checkpoint store", slog.String("error", err.Error()))
		}
	}()

	indices := make([]int, len(topos))
	for i := range indices {
		indices[i] = i
	}
	resume, _, err := resumeFrom(ctx, cfg, store, indices, logger)
	if err != nil {
		return nil, err
	}

	type stage struct {
		rt  *runtime.Runtime
		tr  transport.Transport
		rec *transport.Recorder
	}
	stages := make([]stage, len(topos))
	for i, topo := range topos {
		ep, err := mesh.Endpoint(topo)
		if err != nil {
			return nil, err
		}
		tr, rec := wrapTransport(cfg, ep)
		rt, err := buildRuntime(cfg, topo, tr, store, resume[i], logger.With(slog.String("run_id", rcs[i].RunID)))
		if err != nil {
			return nil, err
		}
		stages[i] = stage{rt: rt, tr: tr, rec: rec}
	}

	reports := make([]*Report, len(topos))
	g, gctx := errgroup.WithContext(ctx)
	for i, st := range stages {
		report := &Report{Stage: i, RunID: rcs[i].RunID}
		reports[i] = report
		g.Go(func() error {
			defer st.tr.Close()
			results, err := st.rt.Train(gctx, cfg.Pipeline.Iterations)
			report.Rounds = results
			report.Status = st.rt.Status()
			report.Transport = st.rec.Stats()
			if err != nil {
				return fmt.Errorf("stage %d: %w", i, err)
			}
			return nil
		})
	}

	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("Local pipeline failed", slog.String("error", err.Error()))
	}
	return reports, err
}

// Losses collects the per-round mean losses reported by the last stage.
func Losses(reports []*Report) []float64 {
	if len(reports) == 0 {
		return nil
	}
	last := reports[len(reports)-1]
	out := make([]float64, 0, len(last.Rounds))
	for _, r := range last.Rounds {
		out = append(out, r.MeanLoss)
	}
	return out
}
