// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package runtime

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianPipeline/services/pipeline/bridge"
	"github.com/AleutianAI/AleutianPipeline/services/pipeline/ledger"
	"github.com/AleutianAI/AleutianPipeline/services/pipeline/model"
	"github.com/AleutianAI/AleutianPipeline/services/pipeline/tensor"
	"github.com/AleutianAI/AleutianPipeline/services/pipeline/topology"
	"github.com/AleutianAI/AleutianPipeline/services/pipeline/transport"
)

func mustTopo(t *testing.T, index, total int) topology.Topology {
	t.Helper()
	topo, err := topology.New(index, total)
	require.NoError(t, err)
	return topo
}

type sent struct {
	key    transport.Key
	tensor *tensor.Tensor
}

// scriptedTransport replays queued tensors and records sends.
type scriptedTransport struct {
	mains []*tensor.Tensor
	sides []*tensor.Tensor
	grads []*tensor.Tensor
	sent  []sent
	err   error
}

func (s *scriptedTransport) Send(_ context.Context, t *tensor.Tensor, dir transport.Direction, ch transport.Channel) error {
	if s.err != nil {
		return s.err
	}
	s.sent = append(s.sent, sent{key: transport.Key{Direction: dir, Channel: ch}, tensor: t.Detach()})
	return nil
}

func (s *scriptedTransport) Recv(_ context.Context, dir transport.Direction, ch transport.Channel) (*tensor.Tensor, error) {
	if s.err != nil {
		return nil, s.err
	}
	queue := &s.mains
	switch {
	case dir == transport.Backward:
		queue = &s.grads
	case ch == transport.Side:
		queue = &s.sides
	}
	if len(*queue) == 0 {
		return nil, fmt.Errorf("%w: script exhausted on %s/%s", transport.ErrTransport, dir, ch)
	}
	t := (*queue)[0]
	*queue = (*queue)[1:]
	return t.Detach(), nil
}

func (s *scriptedTransport) Close() error { return nil }

func (s *scriptedTransport) sentOn(key transport.Key) []*tensor.Tensor {
	var out []*tensor.Tensor
	for _, x := range s.sent {
		if x.key == key {
			out = append(out, x.tensor)
		}
	}
	return out
}

func filled(v float64, shape ...int) *tensor.Tensor {
	t := tensor.Zeros(shape...)
	data := t.Data()
	for i := range data {
		data[i] = v + float64(i)*0.1
	}
	_ = t.CopyFrom(data)
	return t
}

func TestRuntime_BackwardPairsGradientsInForwardOrder(t *testing.T) {
	inputs := []*tensor.Tensor{
		filled(-1, testDims.Batch, testDims.Hidden),
		filled(2, testDims.Batch, testDims.Hidden),
	}
	tr := &scriptedTransport{mains: []*tensor.Tensor{inputs[0], inputs[1]}}
	s := newStage(t, model.Plain, mustTopo(t, 1, 2), tr, 2, nil)

	_, err := s.rt.RunRound(context.Background())
	require.NoError(t, err)

	// Expected gradient of each input, computed independently.
	ref, err := model.Build(model.Plain, mustTopo(t, 1, 2), testDims, testInitSeed)
	require.NoError(t, err)
	var want []*tensor.Tensor
	for _, in := range inputs {
		x := in.Detach()
		require.NoError(t, x.SetRequiresGrad(true))
		logits, err := ref.Head.Forward(x, nil)
		require.NoError(t, err)
		loss, err := model.CrossEntropy(logits, model.PlaceholderTarget(logits))
		require.NoError(t, err)
		require.NoError(t, tensor.Backward(loss, nil))
		want = append(want, x.Grad())
	}

	got := tr.sentOn(transport.Key{Direction: transport.Backward, Channel: transport.Main})
	require.Len(t, got, 2)
	for m := range want {
		assert.True(t, tensor.AllClose(want[m], got[m], 1e-12), "microbatch %d", m)
	}
	assert.False(t, tensor.AllClose(got[0], got[1], 1e-6), "distinct inputs give distinct gradients")
	assert.Empty(t, tr.sentOn(transport.Key{Direction: transport.Forward, Channel: transport.Main}),
		"last stage never sends forward")
}

func TestRuntime_FirstStageNeverSendsBackward(t *testing.T) {
	tr := &scriptedTransport{grads: []*tensor.Tensor{
		tensor.Ones(testDims.Batch, testDims.Side),
	}}
	iter, err := model.NewSyntheticIterator(testDims, 3, 0)
	require.NoError(t, err)
	s := newStage(t, model.Side, mustTopo(t, 0, 3), tr, 1, iter)

	_, err = s.rt.RunRound(context.Background())
	require.NoError(t, err)
	assert.Empty(t, tr.sentOn(transport.Key{Direction: transport.Backward, Channel: transport.Main}))
	assert.Len(t, tr.sentOn(transport.Key{Direction: transport.Forward, Channel: transport.Main}), 1)
	assert.Len(t, tr.sentOn(transport.Key{Direction: transport.Forward, Channel: transport.Side}), 1)
}

func TestRuntime_EmptyLedgerAbortsRound(t *testing.T) {
	s := newStage(t, model.Side, mustTopo(t, 2, 3), &scriptedTransport{}, 2, nil)

	err := s.rt.RunBackward(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ledger.ErrEmptyLedger)
	var serr *StageError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, 2, serr.Stage)
	assert.Equal(t, 0, serr.Microbatch)
	assert.Equal(t, "backward", serr.Op)

	aborted, cause := s.rt.Aborted()
	assert.True(t, aborted)
	assert.ErrorIs(t, cause, ledger.ErrEmptyLedger)
	assert.True(t, s.rt.Status().Aborted)

	_, err = s.rt.RunRound(context.Background())
	assert.ErrorIs(t, err, ErrRoundAborted)
	assert.Zero(t, s.opt.steps)
}

func TestRuntime_MissingInput(t *testing.T) {
	t.Run("nil batch", func(t *testing.T) {
		s := newStage(t, model.Plain, mustTopo(t, 0, 2), &scriptedTransport{}, 1, nil)
		err := s.rt.RunForward(context.Background(), nil)
		assert.ErrorIs(t, err, ErrMissingInput)
		aborted, _ := s.rt.Aborted()
		assert.True(t, aborted)
	})

	t.Run("no iterator", func(t *testing.T) {
		s := newStage(t, model.Plain, mustTopo(t, 0, 2), &scriptedTransport{}, 1, nil)
		_, err := s.rt.RunRound(context.Background())
		assert.ErrorIs(t, err, ErrMissingInput)
	})

	t.Run("iterator exhausted", func(t *testing.T) {
		iter, err := model.NewSyntheticIterator(testDims, 1, 1)
		require.NoError(t, err)
		tr := &scriptedTransport{}
		s := newStage(t, model.Plain, mustTopo(t, 0, 2), tr, 2, iter)

		_, err = s.rt.RunRound(context.Background())
		assert.ErrorIs(t, err, ErrMissingInput)
		assert.ErrorIs(t, err, model.ErrIteratorExhausted)
		var serr *StageError
		require.ErrorAs(t, err, &serr)
		assert.Equal(t, 1, serr.Microbatch)
		assert.Zero(t, s.opt.steps)
	})
}

func TestRuntime_TransportFailureIsFatal(t *testing.T) {
	tr := &scriptedTransport{err: fmt.Errorf("%w: peer reset", transport.ErrTransport)}
	s := newStage(t, model.Side, mustTopo(t, 1, 3), tr, 1, nil)

	_, err := s.rt.RunRound(context.Background())
	assert.ErrorIs(t, err, transport.ErrTransport)
	var serr *StageError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, "forward", serr.Op)
	assert.Contains(t, s.rt.Status().LastError, "peer reset")
}

func TestRuntime_AbortDropsPendingActivations(t *testing.T) {
	tr := &scriptedTransport{mains: []*tensor.Tensor{tensor.Ones(testDims.Batch, testDims.Hidden)}}
	s := newStage(t, model.Plain, mustTopo(t, 1, 2), tr, 2, nil)

	_, err := s.rt.RunRound(context.Background())
	require.Error(t, err)
	var serr *StageError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, 1, serr.Microbatch)

	status := s.rt.Status()
	assert.True(t, status.Aborted)
	assert.Zero(t, status.Pending, "first microbatch's activations released")
}

func TestRuntime_GradientShapeMismatchIsTransportError(t *testing.T) {
	tr := &scriptedTransport{
		mains: []*tensor.Tensor{tensor.Ones(testDims.Batch, testDims.Hidden)},
		sides: []*tensor.Tensor{tensor.Ones(testDims.Batch, testDims.Side)},
		grads: []*tensor.Tensor{tensor.Ones(testDims.Batch, testDims.Side+1)},
	}
	s := newStage(t, model.Side, mustTopo(t, 1, 3), tr, 1, nil)

	_, err := s.rt.RunRound(context.Background())
	assert.ErrorIs(t, err, transport.ErrTransport)
	assert.ErrorIs(t, err, tensor.ErrShapeMismatch)
}

func TestRuntime_ActivationShapeMismatchIsTransportError(t *testing.T) {
	tests := []struct {
		name  string
		topo  topology.Topology
		mains []*tensor.Tensor
		sides []*tensor.Tensor
	}{
		{
			name:  "middle stage main",
			topo:  mustTopo(t, 1, 3),
			mains: []*tensor.Tensor{tensor.Ones(testDims.Batch, testDims.Hidden+3)},
			sides: []*tensor.Tensor{tensor.Ones(testDims.Batch, testDims.Side)},
		},
		{
			name:  "middle stage side",
			topo:  mustTopo(t, 1, 3),
			mains: []*tensor.Tensor{tensor.Ones(testDims.Batch, testDims.Hidden)},
			sides: []*tensor.Tensor{tensor.Ones(testDims.Batch, testDims.Side+1)},
		},
		{
			name:  "last stage batch",
			topo:  mustTopo(t, 2, 3),
			mains: []*tensor.Tensor{tensor.Ones(testDims.Batch, testDims.Hidden)},
			sides: []*tensor.Tensor{tensor.Ones(testDims.Batch+1, testDims.Side)},
		},
		{
			name:  "last stage rank",
			topo:  mustTopo(t, 2, 3),
			mains: []*tensor.Tensor{tensor.Ones(testDims.Batch * testDims.Hidden)},
			sides: []*tensor.Tensor{tensor.Ones(testDims.Batch, testDims.Side)},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := &scriptedTransport{mains: tt.mains, sides: tt.sides}
			s := newStage(t, model.Side, tt.topo, tr, 1, nil)

			var err error
			require.NotPanics(t, func() { _, err = s.rt.RunRound(context.Background()) })
			assert.ErrorIs(t, err, transport.ErrTransport)
			assert.ErrorIs(t, err, tensor.ErrShapeMismatch)

			var serr *StageError
			require.ErrorAs(t, err, &serr)
			assert.Equal(t, tt.topo.Index(), serr.Stage)
			assert.Equal(t, 0, serr.Microbatch)
			assert.Equal(t, "forward", serr.Op)

			aborted, _ := s.rt.Aborted()
			assert.True(t, aborted)
			assert.Zero(t, s.opt.steps)
			assert.Empty(t, tr.sent, "nothing forwarded after a rejected activation")
		})
	}
}

func TestRuntime_DirtyLedgerRejected(t *testing.T) {
	tr := &scriptedTransport{mains: []*tensor.Tensor{tensor.Ones(testDims.Batch, testDims.Hidden)}}
	s := newStage(t, model.Plain, mustTopo(t, 1, 2), tr, 1, nil)

	require.NoError(t, s.rt.RunForward(context.Background(), nil))
	_, err := s.rt.RunRound(context.Background())
	assert.ErrorIs(t, err, ErrDirtyLedger)
}

func TestRuntime_NilContext(t *testing.T) {
	s := newStage(t, model.Plain, mustTopo(t, 1, 2), &scriptedTransport{}, 1, nil)
	//nolint:staticcheck // exercising the nil guard
	_, err := s.rt.RunRound(nil)
	assert.ErrorIs(t, err, ErrNilContext)
}

func TestRuntime_CancelledContextAbortsRound(t *testing.T) {
	s := newStage(t, model.Plain, mustTopo(t, 1, 2), &scriptedTransport{}, 1, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.rt.RunRound(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	var serr *StageError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, "round", serr.Op)

	aborted, _ := s.rt.Aborted()
	assert.True(t, aborted)
}

func TestNew_Validation(t *testing.T) {
	plainFirst, err := model.Build(model.Plain, mustTopo(t, 0, 2), testDims, 1)
	require.NoError(t, err)
	plainLast, err := model.Build(model.Plain, mustTopo(t, 1, 2), testDims, 1)
	require.NoError(t, err)
	sgd, err := model.NewSGD(plainFirst.Trainable(), testLR)
	require.NoError(t, err)
	tr := &scriptedTransport{}

	tests := []struct {
		name    string
		cfg     Config
		wantErr error
	}{
		{
			name:    "zero topology",
			cfg:     Config{Transport: tr, Unit: plainFirst, Optimizer: sgd, Microbatches: 1},
			wantErr: topology.ErrInvalidTopology,
		},
		{
			name:    "head on first stage",
			cfg:     Config{Topology: mustTopo(t, 0, 2), Transport: tr, Unit: plainLast, Optimizer: sgd, Microbatches: 1},
			wantErr: ErrModelMismatch,
		},
		{
			name:    "intermediate on last stage",
			cfg:     Config{Topology: mustTopo(t, 1, 2), Transport: tr, Unit: plainFirst, Optimizer: sgd, Microbatches: 1},
			wantErr: ErrModelMismatch,
		},
		{
			name: "side only",
			cfg: Config{Topology: mustTopo(t, 0, 2), Transport: tr, Optimizer: sgd, Microbatches: 1,
				Unit: &model.Unit{Variant: model.SideOnly, Intermediate: plainFirst.Intermediate}},
			wantErr: model.ErrUnsupportedMode,
		},
		{
			name:    "no microbatches",
			cfg:     Config{Topology: mustTopo(t, 0, 2), Transport: tr, Unit: plainFirst, Optimizer: sgd},
			wantErr: ErrInvalidConfig,
		},
		{
			name:    "no transport",
			cfg:     Config{Topology: mustTopo(t, 0, 2), Unit: plainFirst, Optimizer: sgd, Microbatches: 1},
			wantErr: ErrInvalidConfig,
		},
		{
			name:    "negative start round",
			cfg:     Config{Topology: mustTopo(t, 0, 2), Transport: tr, Unit: plainFirst, Optimizer: sgd, Microbatches: 1, StartRound: -1},
			wantErr: ErrInvalidConfig,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.cfg)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestStageError_Format(t *testing.T) {
	err := &StageError{Stage: 1, Round: 3, Microbatch: 0, Op: "backward", Err: bridge.ErrBridgeReuse}
	assert.Equal(t, "stage 1 round 3 microbatch 0 backward: gradient bridge already armed", err.Error())
	assert.ErrorIs(t, err, bridge.ErrBridgeReuse)

	step := &StageError{Stage: 0, Round: 1, Microbatch: -1, Op: "checkpoint", Err: fmt.Errorf("x")}
	assert.Equal(t, "stage 0 round 1 checkpoint: x", step.Error())
}
