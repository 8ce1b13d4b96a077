// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package launch assembles stage processes from a run configuration.
//
// RunStage runs one stage per process over websocket links. RunLocal runs
// every stage of a pipeline as goroutines of one process over the
// in-memory mesh, which is how the CLI's local mode and the end-to-end
// tests drive the runtime.
package launch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/AleutianAI/AleutianPipeline/services/pipeline/checkpoint"
	"github.com/AleutianAI/AleutianPipeline/services/pipeline/config"
	"github.com/AleutianAI/AleutianPipeline/services/pipeline/model"
	"github.com/AleutianAI/AleutianPipeline/services/pipeline/runtime"
	"github.com/AleutianAI/AleutianPipeline/services/pipeline/server"
	"github.com/AleutianAI/AleutianPipeline/services/pipeline/topology"
	"github.com/AleutianAI/AleutianPipeline/services/pipeline/transport"
)

// Report is the outcome of one stage's training.
type Report struct {
	Stage     int                        `json:"stage"`
	RunID     string                     `json:"run_id"`
	Rounds    []*runtime.RoundResult     `json:"rounds"`
	Status    runtime.Status             `json:"status"`
	Transport map[string]transport.Stats `json:"transport"`
}

// Options are process-level settings that do not belong in the shared
// run configuration.
type Options struct {
	Logger *slog.Logger

	// Logs, when set, backs a networked stage's logs endpoint.
	Logs server.LogSource
}

func (o Options) logger() *slog.Logger {
	if o.Logger == nil {
		return slog.Default()
	}
	return o.Logger
}

// ShapeContract returns the shapes every stream of a run carries. The
// backward stream carries the gradient of the successor's tracked input:
// the side activation for the side variant, the main one otherwise.
func ShapeContract(variant model.Variant, dims model.Dims) transport.Contract {
	c := transport.Contract{
		{Direction: transport.Forward, Channel: transport.Main}:  {dims.Batch, dims.Hidden},
		{Direction: transport.Backward, Channel: transport.Main}: {dims.Batch, dims.Hidden},
	}
	if variant.SidePathway() {
		c[transport.Key{Direction: transport.Forward, Channel: transport.Side}] = []int{dims.Batch, dims.Side}
		c[transport.Key{Direction: transport.Backward, Channel: transport.Main}] = []int{dims.Batch, dims.Side}
	}
	return c
}

// wrapTransport adds the recorder and, when configured, the shape guard.
func wrapTransport(cfg *config.RunConfig, inner transport.Transport) (transport.Transport, *transport.Recorder) {
	rec := transport.NewRecorder(inner, cfg.Network.History)
	if !cfg.Network.ShapeCheck {
		return rec, rec
	}
	return transport.WithContract(rec, ShapeContract(cfg.Variant(), cfg.Model.Dims)), rec
}

// OpenStore opens the checkpoint store described by cfg, or returns nil
// when checkpointing is disabled. The returned cleanup closes the store
// and the uploader.
func OpenStore(ctx context.Context, cfg *config.RunConfig, logger *slog.Logger) (*checkpoint.Store, func() error, error) {
	cc := cfg.Checkpoint
	if !cc.Enabled {
		return nil, func() error { return nil }, nil
	}

	var uploader *checkpoint.GCSUploader
	if cc.GCS.Bucket != "" {
		var err error
		uploader, err = checkpoint.NewGCSUploader(ctx, cc.GCS.Bucket, cc.GCS.Prefix, cc.GCS.KeyPath)
		if err != nil {
			return nil, nil, fmt.Errorf("checkpoint uploader: %w", err)
		}
	}

	storeCfg := checkpoint.Config{
		Dir:        cc.Dir,
		InMemory:   cc.InMemory,
		SyncWrites: true,
		Keep:       cc.Keep,
		GCInterval: cc.GCInterval,
		Logger:     logger,
	}
	if uploader != nil {
		storeCfg.Uploader = uploader
	}
	store, err := checkpoint.Open(storeCfg)
	if err != nil {
		if uploader != nil {
			_ = uploader.Close()
		}
		return nil, nil, fmt.Errorf("open checkpoint store: %w", err)
	}

	cleanup := func() error {
		errs := []error{store.Close()}
		if uploader != nil {
			errs = append(errs, uploader.Close())
		}
		return errors.Join(errs...)
	}
	return store, cleanup, nil
}

// buildRuntime creates the unit, optimizer and iterator of one stage and
// wires them with tr into a Runtime. A non-nil resume is restored into the
// unit and training continues at the round after it.
func buildRuntime(cfg *config.RunConfig, topo topology.Topology, tr transport.Transport, store *checkpoint.Store, resume *checkpoint.Checkpoint, logger *slog.Logger) (*runtime.Runtime, error) {
	unit, err := model.Build(cfg.Variant(), topo, cfg.Model.Dims, cfg.Model.Seed)
	if err != nil {
		return nil, fmt.Errorf("build stage %d unit: %w", topo.Index(), err)
	}

	startRound := 0
	if resume != nil {
		if err := checkpoint.Restore(resume, unit.Trainable()); err != nil {
			return nil, fmt.Errorf("resume stage %d: %w", topo.Index(), err)
		}
		startRound = resume.Round + 1
	}

	opt, err := model.NewSGD(unit.Trainable(), cfg.Optimizer.LearningRate)
	if err != nil {
		return nil, err
	}

	rc := runtime.Config{
		Topology:     topo,
		Transport:    tr,
		Unit:         unit,
		Optimizer:    opt,
		Microbatches: cfg.Pipeline.Microbatches,
		StartRound:   startRound,
		Logger:       logger,
	}
	if topo.IsFirst() {
		iter, err := model.NewSyntheticIterator(cfg.Model.Dims, cfg.Model.Seed, cfg.Model.Batches)
		if err != nil {
			return nil, err
		}
		rc.Iterator = iter
	}
	if store != nil {
		rc.Checkpointer = store
	}
	return runtime.New(rc)
}
