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

	"github.com/AleutianAI/AleutianPipeline/services/pipeline/tensor"
)

// Wildcard matches any size in a shape contract dimension.
const Wildcard = -1

// Contract fixes the shape of the tensors on each stream. Streams not in
// the contract are unchecked.
type Contract map[Key][]int

// Guarded rejects tensors that break a shape contract on either side of
// a call. A mismatch is a fatal transport error, not a negotiation.
type Guarded struct {
	inner    Transport
	contract Contract
}

// WithContract wraps inner with a shape check.
func WithContract(inner Transport, contract Contract) *Guarded {
	return &Guarded{inner: inner, contract: contract}
}

func (g *Guarded) check(op string, t *tensor.Tensor, dir Direction, ch Channel) error {
	want, ok := g.contract[Key{Direction: dir, Channel: ch}]
	if !ok {
		return nil
	}
	got := t.Shape()
	match := len(got) == len(want)
	for i := 0; match && i < len(want); i++ {
		match = want[i] == Wildcard || want[i] == got[i]
	}
	if !match {
		return opError(op, dir, ch, fmt.Errorf("%w: shape %v, contract %v", tensor.ErrShapeMismatch, got, want))
	}
	return nil
}

// Send implements Transport.
func (g *Guarded) Send(ctx context.Context, t *tensor.Tensor, dir Direction, ch Channel) error {
	if t != nil {
		if err := g.check("send", t, dir, ch); err != nil {
			return err
		}
	}
	return g.inner.Send(ctx, t, dir, ch)
}

// Recv implements Transport.
func (g *Guarded) Recv(ctx context.Context, dir Direction, ch Channel) (*tensor.Tensor, error) {
	t, err := g.inner.Recv(ctx, dir, ch)
	if err != nil {
		return nil, err
	}
	if err := g.check("recv", t, dir, ch); err != nil {
		return nil, err
	}
	return t, nil
}

// Close closes the wrapped transport.
func (g *Guarded) Close() error {
	return g.inner.Close()
}
