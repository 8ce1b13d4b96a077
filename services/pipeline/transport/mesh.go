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
	"fmt"
	"sync"

	"github.com/AleutianAI/AleutianPipeline/services/pipeline/tensor"
	"github.com/AleutianAI/AleutianPipeline/services/pipeline/topology"
)

// Mesh connects every stage of a chain inside one process.
//
// Description:
//
//	Each hop owns one unbuffered Go channel per stream, so a Send
//	completes only when the peer's Recv takes the tensor. Tensors are
//	copied on send; the stages share no memory.
//
// Thread Safety:
//
//	Safe for concurrent use. Each endpoint is meant to be driven by a
//	single stage goroutine.
type Mesh struct {
	total int
	hops  []map[Key]chan *tensor.Tensor

	closeOnce sync.Once
	done      chan struct{}
}

// NewMesh creates the hops for a chain of total stages.
func NewMesh(total int) (*Mesh, error) {
	if total < 2 {
		return nil, fmt.Errorf("%w: mesh needs at least 2 stages, got %d", topology.ErrInvalidTopology, total)
	}
	m := &Mesh{
		total: total,
		hops:  make([]map[Key]chan *tensor.Tensor, total-1),
		done:  make(chan struct{}),
	}
	for h := range m.hops {
		m.hops[h] = map[Key]chan *tensor.Tensor{
			{Direction: Forward, Channel: Main}:  make(chan *tensor.Tensor),
			{Direction: Forward, Channel: Side}:  make(chan *tensor.Tensor),
			{Direction: Backward, Channel: Main}: make(chan *tensor.Tensor),
			{Direction: Backward, Channel: Side}: make(chan *tensor.Tensor),
		}
	}
	return m, nil
}

// Endpoint returns the transport for the stage at topo.
func (m *Mesh) Endpoint(topo topology.Topology) (*MeshEndpoint, error) {
	if topo.Total() != m.total {
		return nil, fmt.Errorf("%w: topology has %d stages, mesh has %d", topology.ErrInvalidTopology, topo.Total(), m.total)
	}
	return &MeshEndpoint{mesh: m, topo: topo, closed: make(chan struct{})}, nil
}

// Close unblocks every pending call on every endpoint.
func (m *Mesh) Close() error {
	m.closeOnce.Do(func() { close(m.done) })
	return nil
}

// MeshEndpoint is one stage's view of a Mesh.
type MeshEndpoint struct {
	mesh *Mesh
	topo topology.Topology

	closeOnce sync.Once
	closed    chan struct{}
}

// hop returns the channel used for a call. Sends use the stage's outgoing
// hop for the direction, receives the incoming one.
func (e *MeshEndpoint) hop(dir Direction, ch Channel, sending bool) (chan *tensor.Tensor, error) {
	key := Key{Direction: dir, Channel: ch}
	if !key.valid() {
		return nil, fmt.Errorf("invalid stream %s", key)
	}

	// Hop h links stage h and h+1. Forward sends and backward receives
	// use the successor hop; the other two use the predecessor hop.
	towardSuccessor := (dir == Forward) == sending
	var idx int
	if towardSuccessor {
		if _, ok := e.topo.Successor(); !ok {
			return nil, ErrNoPeer
		}
		idx = e.topo.Index()
	} else {
		if _, ok := e.topo.Predecessor(); !ok {
			return nil, ErrNoPeer
		}
		idx = e.topo.Index() - 1
	}
	return e.mesh.hops[idx][key], nil
}

// Send implements Transport.
func (e *MeshEndpoint) Send(ctx context.Context, t *tensor.Tensor, dir Direction, ch Channel) error {
	if t == nil {
		return opError("send", dir, ch, fmt.Errorf("nil tensor"))
	}
	c, err := e.hop(dir, ch, true)
	if err != nil {
		return opError("send", dir, ch, err)
	}
	select {
	case c <- t.Detach():
		return nil
	case <-e.closed:
		return opError("send", dir, ch, ErrClosed)
	case <-e.mesh.done:
		return opError("send", dir, ch, ErrClosed)
	case <-ctx.Done():
		return opError("send", dir, ch, ctx.Err())
	}
}

// Recv implements Transport.
func (e *MeshEndpoint) Recv(ctx context.Context, dir Direction, ch Channel) (*tensor.Tensor, error) {
	c, err := e.hop(dir, ch, false)
	if err != nil {
		return nil, opError("recv", dir, ch, err)
	}
	select {
	case t := <-c:
		return t, nil
	case <-e.closed:
		return nil, opError("recv", dir, ch, ErrClosed)
	case <-e.mesh.done:
		return nil, opError("recv", dir, ch, ErrClosed)
	case <-ctx.Done():
		return nil, opError("recv", dir, ch, ctx.Err())
	}
}

// Close stops this endpoint. Peers blocked on it stay blocked until their
// own context ends or the mesh is closed.
func (e *MeshEndpoint) Close() error {
	e.closeOnce.Do(func() { close(e.closed) })
	return nil
}
