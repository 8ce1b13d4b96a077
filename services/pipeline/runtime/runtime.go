// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package runtime drives one pipeline stage through synchronous training
// rounds.
//
// A round runs every microbatch forward, then every microbatch backward
// in the same order, then applies one optimizer step (GPipe without
// gradient all-reduce). Stages cooperate only through blocking transport
// calls; each stage owns its parameters, ledger and optimizer.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/AleutianPipeline/services/pipeline/bridge"
	"github.com/AleutianAI/AleutianPipeline/services/pipeline/ledger"
	"github.com/AleutianAI/AleutianPipeline/services/pipeline/model"
	"github.com/AleutianAI/AleutianPipeline/services/pipeline/telemetry"
	"github.com/AleutianAI/AleutianPipeline/services/pipeline/tensor"
	"github.com/AleutianAI/AleutianPipeline/services/pipeline/topology"
	"github.com/AleutianAI/AleutianPipeline/services/pipeline/transport"
)

var (
	tracer = otel.Tracer("aleutian.pipeline")
	meter  = otel.Meter("aleutian.pipeline")
)

// Optimizer updates the stage's parameters once per round.
type Optimizer interface {
	ZeroGrad()
	Step()
}

// Checkpointer persists trainable parameters after a round's step.
type Checkpointer interface {
	Save(ctx context.Context, stage, round int, params []model.Param) error
}

// Config wires a Runtime. It is built once per process and not retained
// beyond New.
type Config struct {
	Topology  topology.Topology
	Transport transport.Transport
	Unit      *model.Unit
	Optimizer Optimizer

	// Iterator supplies batches at the first stage. Other stages ignore it.
	Iterator model.Iterator

	// Microbatches is the number of microbatches per round.
	Microbatches int

	// Loss defaults to model.CrossEntropy.
	Loss model.LossFunc

	// Target defaults to model.PlaceholderTarget.
	Target model.TargetFunc

	// Checkpointer is optional.
	Checkpointer Checkpointer

	// StartRound numbers the first round. Set when resuming from a
	// checkpoint.
	StartRound int

	Logger *slog.Logger
}

// RoundResult summarises a completed round.
type RoundResult struct {
	Round        int           `json:"round"`
	Microbatches int           `json:"microbatches"`
	Losses       []float64     `json:"losses,omitempty"`
	MeanLoss     float64       `json:"mean_loss"`
	Duration     time.Duration `json:"duration"`
}

// Status is a point-in-time view of a Runtime for reporting.
type Status struct {
	Stage        int          `json:"stage"`
	TotalStages  int          `json:"total_stages"`
	Role         string       `json:"role"`
	Variant      string       `json:"variant"`
	Microbatches int          `json:"microbatches"`
	Rounds       int          `json:"rounds"`
	Forwards     int          `json:"forwards"`
	Backwards    int          `json:"backwards"`
	Pending      int          `json:"pending"`
	Aborted      bool         `json:"aborted"`
	LastError    string       `json:"last_error,omitempty"`
	LastRound    *RoundResult `json:"last_round,omitempty"`
}

// Runtime is the per-stage training engine.
//
// Description:
//
//	The unit's kind is checked once in New, so the round loop never
//	branches on configuration flags. The first fatal error marks the
//	runtime aborted; every later call returns ErrRoundAborted.
//
// Thread Safety:
//
//	RunRound, RunForward, RunBackward and Train must be called from one
//	goroutine. Status and the other accessors may be called concurrently.
type Runtime struct {
	topo         topology.Topology
	tr           transport.Transport
	unit         *model.Unit
	side         bool
	opt          Optimizer
	iter         model.Iterator
	microbatches int
	loss         model.LossFunc
	target       model.TargetFunc
	ckpt         Checkpointer
	logger       *slog.Logger

	ledger *ledger.Ledger
	bridge *bridge.Bridge

	mu          sync.Mutex
	round       int
	forwards    int
	backwards   int
	roundFwd    int
	roundBwd    int
	roundLosses []float64
	aborted     bool
	abortErr    error
	last        *RoundResult

	metricsOnce     sync.Once
	roundLatency    metric.Float64Histogram
	microbatchCount metric.Int64Counter
	failureCount    metric.Int64Counter
	lossHistogram   metric.Float64Histogram
}

// New validates cfg and creates a Runtime.
//
// Outputs:
//
//	*Runtime - Ready to run rounds.
//	error - topology.ErrInvalidTopology, model.ErrUnsupportedMode,
//	ErrModelMismatch or ErrInvalidConfig.
func New(cfg Config) (*Runtime, error) {
	if cfg.Topology.Total() < 2 {
		return nil, fmt.Errorf("%w: %d stages", topology.ErrInvalidTopology, cfg.Topology.Total())
	}
	if cfg.Transport == nil || cfg.Optimizer == nil || cfg.Unit == nil {
		return nil, fmt.Errorf("%w: transport, optimizer and unit are required", ErrInvalidConfig)
	}
	if cfg.Microbatches <= 0 {
		return nil, fmt.Errorf("%w: microbatches must be positive, got %d", ErrInvalidConfig, cfg.Microbatches)
	}
	if cfg.StartRound < 0 {
		return nil, fmt.Errorf("%w: negative start round %d", ErrInvalidConfig, cfg.StartRound)
	}
	if err := cfg.Unit.Variant.Supported(); err != nil {
		return nil, err
	}
	last := cfg.Topology.IsLast()
	if (last && cfg.Unit.Head == nil) || (!last && cfg.Unit.Intermediate == nil) {
		return nil, fmt.Errorf("%w: %s", ErrModelMismatch, cfg.Topology)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Loss == nil {
		cfg.Loss = model.CrossEntropy
	}
	if cfg.Target == nil {
		cfg.Target = model.PlaceholderTarget
	}

	return &Runtime{
		topo:         cfg.Topology,
		tr:           cfg.Transport,
		unit:         cfg.Unit,
		side:         cfg.Unit.Variant.SidePathway(),
		opt:          cfg.Optimizer,
		iter:         cfg.Iterator,
		microbatches: cfg.Microbatches,
		loss:         cfg.Loss,
		target:       cfg.Target,
		ckpt:         cfg.Checkpointer,
		logger: logger.With(
			slog.Int("stage", cfg.Topology.Index()),
			slog.Int("total_stages", cfg.Topology.Total()),
		),
		ledger: ledger.New(cfg.Microbatches),
		bridge: bridge.New(),
		round:  cfg.StartRound,
	}, nil
}

// initMetrics lazily creates the OTel instruments. Failures degrade
// observability only.
func (r *Runtime) initMetrics() {
	r.metricsOnce.Do(func() {
		var initErrors []string
		var err error

		r.roundLatency, err = meter.Float64Histogram("pipeline_round_duration_seconds",
			metric.WithDescription("Time to complete one synchronous round"),
			metric.WithUnit("s"),
		)
		if err != nil {
			initErrors = append(initErrors, "round_latency: "+err.Error())
		}

		r.microbatchCount, err = meter.Int64Counter("pipeline_microbatch_total",
			metric.WithDescription("Microbatches processed by phase"),
		)
		if err != nil {
			initErrors = append(initErrors, "microbatch_count: "+err.Error())
		}

		r.failureCount, err = meter.Int64Counter("pipeline_failure_total",
			metric.WithDescription("Fatal stage failures by operation"),
		)
		if err != nil {
			initErrors = append(initErrors, "failure_count: "+err.Error())
		}

		r.lossHistogram, err = meter.Float64Histogram("pipeline_microbatch_loss",
			metric.WithDescription("Loss per microbatch at the last stage"),
		)
		if err != nil {
			initErrors = append(initErrors, "loss: "+err.Error())
		}

		if len(initErrors) > 0 {
			r.logger.Error("failed to initialize some pipeline metrics (observability degraded)",
				slog.Int("failed_count", len(initErrors)),
				slog.Any("errors", initErrors),
			)
		}
	})
}

func (r *Runtime) stageAttr() metric.MeasurementOption {
	return metric.WithAttributes(attribute.Int("pipeline.stage", r.topo.Index()))
}

// fail marks the runtime aborted and returns the error as a StageError.
func (r *Runtime) fail(ctx context.Context, op string, microbatch int, err error) error {
	r.mu.Lock()
	serr := &StageError{Stage: r.topo.Index(), Round: r.round, Microbatch: microbatch, Op: op, Err: err}
	if !r.aborted {
		r.aborted = true
		r.abortErr = serr
	}
	r.mu.Unlock()
	r.ledger.Reset()

	if r.failureCount != nil {
		r.failureCount.Add(ctx, 1, metric.WithAttributes(
			attribute.Int("pipeline.stage", r.topo.Index()),
			attribute.String("pipeline.op", op),
		))
	}
	telemetry.LoggerWithTrace(ctx, r.logger).Error("stage failed, round aborted",
		slog.Int("round", serr.Round),
		slog.Int("microbatch", microbatch),
		slog.String("op", op),
		slog.String("error", err.Error()),
	)
	return serr
}

func (r *Runtime) checkAlive(ctx context.Context) error {
	if ctx == nil {
		return ErrNilContext
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.aborted {
		return fmt.Errorf("%w: %v", ErrRoundAborted, r.abortErr)
	}
	return nil
}

// RunForward runs one microbatch forward.
//
// Description:
//
//	The first stage takes batch as its input; other stages ignore batch
//	and receive the main activation, then the side activation when the
//	variant has a side pathway. The last stage computes the loss against
//	synthesized targets; the others send their outputs to the successor
//	in the same channel order. One ledger record is appended.
//
// Inputs:
//
//	ctx - Must not be nil.
//	batch - Input at the first stage. Nil there is ErrMissingInput.
//
// Outputs:
//
//	error - A *StageError on fatal failure, or ErrRoundAborted.
func (r *Runtime) RunForward(ctx context.Context, batch *model.Batch) error {
	if err := r.checkAlive(ctx); err != nil {
		return err
	}
	r.initMetrics()

	r.mu.Lock()
	mb, round := r.roundFwd, r.round
	r.mu.Unlock()

	ctx, span := tracer.Start(ctx, "pipeline.Forward",
		trace.WithAttributes(
			attribute.Int("pipeline.stage", r.topo.Index()),
			attribute.Int("pipeline.round", round),
			attribute.Int("pipeline.microbatch", mb),
		),
	)
	defer span.End()

	r.logger.Debug("forward started", slog.Int("round", round), slog.Int("microbatch", mb))

	rec, err := r.forward(ctx, mb, batch)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return r.fail(ctx, "forward", mb, err)
	}
	r.ledger.Append(rec)

	r.mu.Lock()
	r.roundFwd++
	r.forwards++
	if rec.Loss != nil {
		r.roundLosses = append(r.roundLosses, rec.Loss.Item())
	}
	r.mu.Unlock()

	if r.microbatchCount != nil {
		r.microbatchCount.Add(ctx, 1, metric.WithAttributes(
			attribute.Int("pipeline.stage", r.topo.Index()),
			attribute.String("pipeline.phase", "forward"),
		))
	}
	if rec.Loss != nil && r.lossHistogram != nil {
		r.lossHistogram.Record(ctx, rec.Loss.Item(), r.stageAttr())
	}
	r.logger.Debug("forward finished", slog.Int("round", round), slog.Int("microbatch", mb))
	return nil
}

func (r *Runtime) forward(ctx context.Context, mb int, batch *model.Batch) (*ledger.Record, error) {
	rec := &ledger.Record{Microbatch: mb}

	if r.topo.IsFirst() {
		if batch == nil || batch.Input == nil {
			return nil, ErrMissingInput
		}
		rec.Input = batch.Input
	} else {
		in, err := r.tr.Recv(ctx, transport.Forward, transport.Main)
		if err != nil {
			return nil, err
		}
		rec.Input = in
		if r.side {
			if rec.InputSide, err = r.tr.Recv(ctx, transport.Forward, transport.Side); err != nil {
				return nil, err
			}
		}
		// The input whose gradient goes back upstream must be tracked
		// before the unit runs, or the tape would not reach it.
		tracked := rec.Input
		if r.side {
			tracked = rec.InputSide
		}
		if err := tracked.SetRequiresGrad(true); err != nil {
			return nil, err
		}
	}

	if r.topo.IsLast() {
		logits, err := r.unit.Head.Forward(rec.Input, rec.InputSide)
		if err != nil {
			return nil, r.peerShapeError(err)
		}
		loss, err := r.loss(logits, r.target(logits))
		if err != nil {
			return nil, err
		}
		rec.Output, rec.Loss = logits, loss
		return rec, nil
	}

	mainOut, sideOut, err := r.unit.Intermediate.Forward(rec.Input, rec.InputSide)
	if err != nil {
		return nil, r.peerShapeError(err)
	}
	rec.Output, rec.OutputSide = mainOut, sideOut
	if r.side && sideOut == nil {
		return nil, fmt.Errorf("%w: side pipeline unit returned no side output", ErrModelMismatch)
	}

	if err := r.tr.Send(ctx, mainOut, transport.Forward, transport.Main); err != nil {
		return nil, err
	}
	if r.side {
		if err := r.tr.Send(ctx, sideOut, transport.Forward, transport.Side); err != nil {
			return nil, err
		}
	}
	return rec, nil
}

// peerShapeError marks a unit's shape rejection of a received activation
// as a fatal transport error. Batches at the first stage are local input
// and keep their plain error.
func (r *Runtime) peerShapeError(err error) error {
	if r.topo.IsFirst() || !errors.Is(err, tensor.ErrShapeMismatch) {
		return err
	}
	return fmt.Errorf("%w: activation from stage %d: %w", transport.ErrTransport, r.topo.Index()-1, err)
}

// RunBackward runs the oldest pending microbatch backward.
//
// Description:
//
//	Removes the oldest ledger record, receives the upstream gradient
//	unless this is the last stage, captures the gradient of the input that
//	came from the predecessor, runs local backward seeded with the
//	upstream gradient and sends the captured gradient to the predecessor
//	unless this is the first stage. Gradients accumulate into the
//	parameters; the optimizer is not stepped here.
//
// Outputs:
//
//	error - A *StageError wrapping ledger.ErrEmptyLedger, a transport
//	error or a bridge error; or ErrRoundAborted.
func (r *Runtime) RunBackward(ctx context.Context) error {
	if err := r.checkAlive(ctx); err != nil {
		return err
	}
	r.initMetrics()

	r.mu.Lock()
	mb, round := r.roundBwd, r.round
	r.mu.Unlock()

	ctx, span := tracer.Start(ctx, "pipeline.Backward",
		trace.WithAttributes(
			attribute.Int("pipeline.stage", r.topo.Index()),
			attribute.Int("pipeline.round", round),
			attribute.Int("pipeline.microbatch", mb),
		),
	)
	defer span.End()

	r.logger.Debug("backward started", slog.Int("round", round), slog.Int("microbatch", mb))

	if err := r.backward(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return r.fail(ctx, "backward", mb, err)
	}

	r.mu.Lock()
	r.roundBwd++
	r.backwards++
	r.mu.Unlock()

	if r.microbatchCount != nil {
		r.microbatchCount.Add(ctx, 1, metric.WithAttributes(
			attribute.Int("pipeline.stage", r.topo.Index()),
			attribute.String("pipeline.phase", "backward"),
		))
	}
	r.logger.Debug("backward finished", slog.Int("round", round), slog.Int("microbatch", mb))
	return nil
}

func (r *Runtime) backward(ctx context.Context) error {
	rec, err := r.ledger.PopOldest()
	if err != nil {
		return err
	}

	var seed *tensor.Tensor
	root := rec.Loss
	if !r.topo.IsLast() {
		if seed, err = r.tr.Recv(ctx, transport.Backward, transport.Main); err != nil {
			return err
		}
		root = rec.Output
		if r.side {
			root = rec.OutputSide
		}
		if !tensor.SameShape(seed.Shape(), root.Shape()) {
			return fmt.Errorf("%w: gradient %v for output %v: %w",
				transport.ErrTransport, seed.Shape(), root.Shape(), tensor.ErrShapeMismatch)
		}
	}

	if !r.topo.IsFirst() {
		captured := rec.Input
		if r.side {
			captured = rec.InputSide
		}
		if err := r.bridge.Capture(captured); err != nil {
			return err
		}
	}

	grad, err := r.bridge.Backward(root, seed)
	if err != nil {
		return err
	}

	if r.topo.IsFirst() {
		return nil
	}
	return r.tr.Send(ctx, grad, transport.Backward, transport.Main)
}

// RunRound runs one synchronous round.
//
// Description:
//
//	Draws Microbatches batches at the first stage, runs all of them
//	forward, clears gradients, runs all of them backward in forward
//	order, applies one optimizer step and, when configured, checkpoints
//	the trainable parameters.
//
// Inputs:
//
//	ctx - Must not be nil. Cancellation unblocks pending transport calls.
//
// Outputs:
//
//	*RoundResult - Losses are populated at the last stage only.
//	error - A *StageError, ErrRoundAborted or ErrNilContext.
func (r *Runtime) RunRound(ctx context.Context) (*RoundResult, error) {
	if err := r.checkAlive(ctx); err != nil {
		return nil, err
	}
	r.initMetrics()

	r.mu.Lock()
	round := r.round
	r.roundFwd, r.roundBwd, r.roundLosses = 0, 0, nil
	r.mu.Unlock()

	ctx, span := tracer.Start(ctx, "pipeline.Round",
		trace.WithAttributes(
			attribute.Int("pipeline.stage", r.topo.Index()),
			attribute.Int("pipeline.total_stages", r.topo.Total()),
			attribute.Int("pipeline.round", round),
			attribute.Int("pipeline.microbatches", r.microbatches),
		),
	)
	defer span.End()

	if err := ctx.Err(); err != nil {
		err = r.fail(ctx, "round", -1, err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	if n := r.ledger.Len(); n != 0 {
		err := r.fail(ctx, "round", -1, fmt.Errorf("%w: %d records", ErrDirtyLedger, n))
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	start := time.Now()
	for m := 0; m < r.microbatches; m++ {
		var batch *model.Batch
		if r.topo.IsFirst() {
			var err error
			if batch, err = r.nextBatch(); err != nil {
				err = r.fail(ctx, "forward", m, err)
				span.SetStatus(codes.Error, err.Error())
				return nil, err
			}
		}
		if err := r.RunForward(ctx, batch); err != nil {
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
	}

	r.opt.ZeroGrad()
	for m := 0; m < r.microbatches; m++ {
		if err := r.RunBackward(ctx); err != nil {
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
	}
	r.opt.Step()

	r.mu.Lock()
	r.round++
	result := &RoundResult{
		Round:        round,
		Microbatches: r.microbatches,
		Losses:       r.roundLosses,
		Duration:     time.Since(start),
	}
	for _, l := range result.Losses {
		result.MeanLoss += l / float64(len(result.Losses))
	}
	r.last = result
	r.mu.Unlock()

	if r.roundLatency != nil {
		r.roundLatency.Record(ctx, result.Duration.Seconds(), r.stageAttr())
	}

	if r.ckpt != nil {
		if err := r.ckpt.Save(ctx, r.topo.Index(), round, r.unit.Trainable()); err != nil {
			serr := &StageError{Stage: r.topo.Index(), Round: round, Microbatch: -1, Op: "checkpoint", Err: err}
			r.logger.Error("checkpoint failed", slog.Int("round", round), slog.String("error", err.Error()))
			span.RecordError(serr)
			return result, serr
		}
	}

	span.SetStatus(codes.Ok, "")
	attrs := []any{
		slog.Int("round", round),
		slog.Int("microbatches", r.microbatches),
		slog.Duration("duration", result.Duration),
	}
	if len(result.Losses) > 0 {
		attrs = append(attrs, slog.Float64("mean_loss", result.MeanLoss))
	}
	r.logger.Info("round completed", attrs...)
	return result, nil
}

func (r *Runtime) nextBatch() (*model.Batch, error) {
	if r.iter == nil {
		return nil, fmt.Errorf("%w: first stage has no data iterator", ErrMissingInput)
	}
	batch, err := r.iter.Next()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMissingInput, err)
	}
	return batch, nil
}

// Train runs n rounds and returns their results. It stops at the first
// error; the results of completed rounds are still returned.
func (r *Runtime) Train(ctx context.Context, n int) ([]*RoundResult, error) {
	results := make([]*RoundResult, 0, n)
	for i := 0; i < n; i++ {
		res, err := r.RunRound(ctx)
		if res != nil {
			results = append(results, res)
		}
		if err != nil {
			return results, err
		}
	}
	return results, nil
}

// Round returns the index of the next round to run.
func (r *Runtime) Round() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.round
}

// Aborted reports whether a fatal error stopped the runtime, and the error.
func (r *Runtime) Aborted() (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.aborted, r.abortErr
}

// Topology returns the stage's position.
func (r *Runtime) Topology() topology.Topology {
	return r.topo
}

// Status returns a snapshot for reporting.
func (r *Runtime) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := Status{
		Stage:        r.topo.Index(),
		TotalStages:  r.topo.Total(),
		Role:         r.topo.Role(),
		Variant:      r.unit.Variant.String(),
		Microbatches: r.microbatches,
		Rounds:       r.round,
		Forwards:     r.forwards,
		Backwards:    r.backwards,
		Pending:      r.ledger.Len(),
		Aborted:      r.aborted,
		LastRound:    r.last,
	}
	if r.abortErr != nil {
		s.LastError = r.abortErr.Error()
	}
	return s
}
