// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package transport

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianPipeline/services/pipeline/tensor"
	"github.com/AleutianAI/AleutianPipeline/services/pipeline/topology"
)

func meshEndpoints(t *testing.T, total int) (*Mesh, []*MeshEndpoint) {
	t.Helper()
	m, err := NewMesh(total)
	require.NoError(t, err)
	topos, err := topology.Chain(total)
	require.NoError(t, err)
	eps := make([]*MeshEndpoint, total)
	for i, topo := range topos {
		eps[i], err = m.Endpoint(topo)
		require.NoError(t, err)
	}
	t.Cleanup(func() { _ = m.Close() })
	return m, eps
}

func TestNewMesh_RejectsSingleStage(t *testing.T) {
	_, err := NewMesh(1)
	assert.ErrorIs(t, err, topology.ErrInvalidTopology)
}

func TestMesh_Endpoint_RejectsForeignTopology(t *testing.T) {
	m, err := NewMesh(3)
	require.NoError(t, err)
	topo, err := topology.New(0, 2)
	require.NoError(t, err)

	_, err = m.Endpoint(topo)
	assert.ErrorIs(t, err, topology.ErrInvalidTopology)
}

func TestMesh_ForwardAndBackwardDelivery(t *testing.T) {
	_, eps := meshEndpoints(t, 3)
	ctx := context.Background()
	act := tensor.MustNew([]int{1, 2}, []float64{1, 2})
	grad := tensor.MustNew([]int{1, 2}, []float64{-1, -2})

	errc := make(chan error, 2)
	go func() { errc <- eps[1].Send(ctx, act, Forward, Main) }()
	got, err := eps[2].Recv(ctx, Forward, Main)
	require.NoError(t, err)
	require.NoError(t, <-errc)
	assert.True(t, tensor.AllClose(act, got, 0))
	assert.NotSame(t, act, got)

	go func() { errc <- eps[1].Send(ctx, grad, Backward, Main) }()
	got, err = eps[0].Recv(ctx, Backward, Main)
	require.NoError(t, err)
	require.NoError(t, <-errc)
	assert.True(t, tensor.AllClose(grad, got, 0))
}

func TestMesh_ChannelsAreIndependent(t *testing.T) {
	_, eps := meshEndpoints(t, 2)
	ctx := context.Background()
	mainAct := tensor.Ones(1, 2)
	side := tensor.Zeros(1, 3)

	done := make(chan error, 1)
	go func() {
		if err := eps[0].Send(ctx, mainAct, Forward, Main); err != nil {
			done <- err
			return
		}
		done <- eps[0].Send(ctx, side, Forward, Side)
	}()

	gotMain, err := eps[1].Recv(ctx, Forward, Main)
	require.NoError(t, err)
	gotSide, err := eps[1].Recv(ctx, Forward, Side)
	require.NoError(t, err)
	require.NoError(t, <-done)

	assert.Equal(t, []int{1, 2}, gotMain.Shape())
	assert.Equal(t, []int{1, 3}, gotSide.Shape())
}

func TestMesh_SendBlocksUntilReceived(t *testing.T) {
	_, eps := meshEndpoints(t, 2)
	ctx := context.Background()

	sent := make(chan error, 1)
	go func() { sent <- eps[0].Send(ctx, tensor.Ones(1), Forward, Main) }()

	select {
	case <-sent:
		t.Fatal("send completed without a receiver")
	case <-time.After(20 * time.Millisecond):
	}

	_, err := eps[1].Recv(ctx, Forward, Main)
	require.NoError(t, err)
	require.NoError(t, <-sent)
}

func TestMesh_BoundaryStagesHaveNoPeer(t *testing.T) {
	_, eps := meshEndpoints(t, 2)
	ctx := context.Background()

	tests := []struct {
		name string
		call func() error
	}{
		{"last stage forward send", func() error { return eps[1].Send(ctx, tensor.Ones(1), Forward, Main) }},
		{"first stage backward send", func() error { return eps[0].Send(ctx, tensor.Ones(1), Backward, Main) }},
		{"first stage forward recv", func() error { _, err := eps[0].Recv(ctx, Forward, Main); return err }},
		{"last stage backward recv", func() error { _, err := eps[1].Recv(ctx, Backward, Main); return err }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.call()
			assert.ErrorIs(t, err, ErrTransport)
			assert.ErrorIs(t, err, ErrNoPeer)
		})
	}
}

func TestMesh_ContextUnblocksRecv(t *testing.T) {
	_, eps := meshEndpoints(t, 2)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := eps[1].Recv(ctx, Forward, Main)
	assert.ErrorIs(t, err, ErrTransport)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestMesh_CloseUnblocksPeers(t *testing.T) {
	m, eps := meshEndpoints(t, 2)

	errc := make(chan error, 1)
	go func() {
		_, err := eps[1].Recv(context.Background(), Forward, Main)
		errc <- err
	}()
	require.NoError(t, m.Close())

	select {
	case err := <-errc:
		assert.True(t, errors.Is(err, ErrClosed))
	case <-time.After(time.Second):
		t.Fatal("recv still blocked after mesh close")
	}
}

func TestMeshEndpoint_SendNilTensor(t *testing.T) {
	_, eps := meshEndpoints(t, 2)
	err := eps[0].Send(context.Background(), nil, Forward, Main)
	assert.ErrorIs(t, err, ErrTransport)
}

func TestExpectedChannels(t *testing.T) {
	plain := ExpectedChannels(false)
	assert.True(t, plain[Key{Forward, Main}])
	assert.True(t, plain[Key{Backward, Main}])
	assert.False(t, plain[Key{Forward, Side}])
	assert.False(t, plain[Key{Backward, Side}])

	side := ExpectedChannels(true)
	assert.True(t, side[Key{Forward, Side}])
	assert.False(t, side[Key{Backward, Side}])
}

func TestKey_String(t *testing.T) {
	assert.Equal(t, "forward/main", Key{Forward, Main}.String())
	assert.Equal(t, "backward/side", Key{Backward, Side}.String())
	assert.Equal(t, "direction(9)", Direction(9).String())
}
