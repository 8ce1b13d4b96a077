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
	"net"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/AleutianAI/AleutianPipeline/pkg/logging"
	"github.com/AleutianAI/AleutianPipeline/services/pipeline/checkpoint"
	"github.com/AleutianAI/AleutianPipeline/services/pipeline/config"
	"github.com/AleutianAI/AleutianPipeline/services/pipeline/server"
	"github.com/AleutianAI/AleutianPipeline/services/pipeline/transport"
)

// RunStage trains the stage rc selects, linked to its neighbor processes.
//
// Description:
//
//	Serves the stage endpoints on the stage's listen address, dials the
//	successor, waits for the predecessor, then trains for the configured
//	number of rounds. The server stops when training ends. Any failure
//	is fatal to the stage.
//
// Inputs:
//
//	ctx - Cancels linking and training.
//	rc - The run bound to this process's rank.
//	opts - Process settings. Listener, when set, replaces the configured
//	listen address.
//
// Outputs:
//
//	*Report - The stage's results, nil if it never started training.
//	error - A link, configuration or *runtime.StageError failure.
func RunStage(ctx context.Context, rc *config.RunContext, opts StageOptions) (*Report, error) {
	cfg, topo := rc.Config, rc.Topology
	base := opts.logger().With(slog.String("run_id", rc.RunID))
	logger := logging.ForStage(base, topo.Index(), topo.Total())

	ln := opts.Listener
	if ln == nil {
		addr, err := cfg.ListenAddr(topo.Index())
		switch {
		case err == nil:
			if ln, err = net.Listen("tcp", addr); err != nil {
				return nil, fmt.Errorf("listen on %s: %w", addr, err)
			}
		case !topo.IsFirst():
			return nil, err
		}
	}

	store, closeStore, err := OpenStore(ctx, cfg, logger)
	if err != nil {
		closeListener(ln)
		return nil, err
	}
	defer func() {
		if err := closeStore(); err != nil {
			logger.Warn("Failed to close checkpoint store", slog.String("error", err.Error()))
		}
	}()
	// The resume round is fixed before the link endpoint is served, since
	// neighbors compare it during the handshake.
	resume, startRound, err := resumeFrom(ctx, cfg, store, []int{topo.Index()}, logger)
	if err != nil {
		closeListener(ln)
		return nil, err
	}
	st := stageState{store: store, resume: resume[topo.Index()], startRound: startRound}

	srvOpts := server.Options{Service: cfg.Telemetry.ServiceName, RunID: rc.RunID, Logs: opts.Logs, Logger: logger}
	if !topo.IsFirst() {
		st.acceptor = transport.NewAcceptor(topo.Index(), startRound, logger)
		srvOpts.Link = st.acceptor
	}
	srv := server.New(srvOpts)

	g, gctx := errgroup.WithContext(ctx)
	srvCtx, stopServer := context.WithCancel(gctx)
	defer stopServer()
	if ln != nil {
		g.Go(func() error { return srv.Run(srvCtx, ln) })
	}

	var report *Report
	g.Go(func() error {
		defer stopServer()
		var err error
		report, err = trainStage(gctx, rc, st, srv, base, logger)
		return err
	})
	err = g.Wait()
	return report, err
}

// StageOptions extends Options for networked stages.
type StageOptions struct {
	Options

	// Listener serves the stage endpoints instead of the configured address.
	Listener net.Listener
}

// stageState is what RunStage prepares before training starts.
type stageState struct {
	acceptor   *transport.Acceptor
	store      *checkpoint.Store
	resume     *checkpoint.Checkpoint
	startRound int
}

// trainStage links and trains. base is handed to the runtime, which adds
// the stage attributes itself.
func trainStage(ctx context.Context, rc *config.RunContext, st stageState, srv *server.Server, base, logger *slog.Logger) (*Report, error) {
	cfg, topo := rc.Config, rc.Topology

	prev, next, err := link(ctx, rc, st.acceptor, st.startRound, logger)
	if err != nil {
		return nil, err
	}
	sock, err := transport.NewSocket(topo, prev, next, transport.ExpectedChannels(cfg.Variant().SidePathway()), logger)
	if err != nil {
		closeConns(prev, next)
		return nil, err
	}
	tr, rec := wrapTransport(cfg, sock)
	defer tr.Close()

	rt, err := buildRuntime(cfg, topo, tr, st.store, st.resume, base)
	if err != nil {
		return nil, err
	}
	srv.Attach(rt, rec)

	logger.Info("Stage linked, training",
		slog.String("role", topo.Role()),
		slog.Int("rounds", cfg.Pipeline.Iterations),
		slog.Int("start_round", st.startRound),
		slog.Int("microbatches", cfg.Pipeline.Microbatches),
	)
	results, err := rt.Train(ctx, cfg.Pipeline.Iterations)
	report := &Report{
		Stage:     topo.Index(),
		RunID:     rc.RunID,
		Rounds:    results,
		Status:    rt.Status(),
		Transport: rec.Stats(),
	}
	return report, err
}

// link dials the successor first, then waits for the predecessor. Every
// stage dials before it accepts, and accepted connections are buffered by
// the server, so the chain links without ordering the process starts.
// Neighbors that would start at different rounds fail with
// config.ErrInvalidConfig.
func link(ctx context.Context, rc *config.RunContext, acceptor *transport.Acceptor, round int, logger *slog.Logger) (prev, next *websocket.Conn, err error) {
	cfg, topo := rc.Config, rc.Topology

	if succ, ok := topo.Successor(); ok {
		addr, err := cfg.SuccessorAddr(topo.Index())
		if err != nil {
			return nil, nil, err
		}
		d := transport.Dialer{
			Self:        topo.Index(),
			Round:       round,
			MaxAttempts: cfg.Network.MaxDialAttempts,
			Logger:      logger,
		}
		if cfg.Network.DialInterval > 0 {
			d.Limiter = rate.NewLimiter(rate.Every(cfg.Network.DialInterval), 1)
		}
		next, err = d.Dial(ctx, "ws://"+addr+transport.LinkPath, succ)
		if err != nil {
			return nil, nil, roundError(err)
		}
	}

	if acceptor != nil {
		prev, err = acceptor.Accept(ctx)
		if err != nil {
			closeConns(nil, next)
			return nil, nil, roundError(err)
		}
	}
	return prev, next, nil
}

// roundError reports a resume round disagreement as a configuration error.
func roundError(err error) error {
	if errors.Is(err, transport.ErrRoundMismatch) {
		return fmt.Errorf("%w: %w", config.ErrInvalidConfig, err)
	}
	return err
}

func closeListener(ln net.Listener) {
	if ln != nil {
		_ = ln.Close()
	}
}

func closeConns(conns ...*websocket.Conn) {
	for _, c := range conns {
		if c != nil {
			_ = c.Close()
		}
	}
}
