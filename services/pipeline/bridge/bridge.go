// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package bridge carries gradients across the process boundary between
// two pipeline stages.
//
// The local autograd engine ends at the tensors a stage received from its
// predecessor. Before triggering backward, the stage registers one capture
// on its received input; the gradient reaching that input is delivered
// through a single-slot channel and handed to the transport exactly once.
package bridge

import (
	"errors"
	"fmt"
	"sync"

	"github.com/AleutianAI/AleutianPipeline/services/pipeline/tensor"
)

var (
	// ErrBridgeReuse is returned when a capture is registered twice without
	// an intervening backward trigger.
	ErrBridgeReuse = errors.New("gradient bridge already armed")

	// ErrGradientNotCaptured is returned when backward completed but the
	// captured input received no gradient, meaning the backward root does
	// not depend on it.
	ErrGradientNotCaptured = errors.New("no gradient reached the captured input")
)

// Bridge owns at most one pending capture at a time.
//
// Thread Safety: Safe for concurrent use, though a stage drives it from a
// single goroutine.
type Bridge struct {
	mu    sync.Mutex
	armed bool
	slot  chan *tensor.Tensor
}

// New creates a disarmed bridge.
func New() *Bridge {
	return &Bridge{}
}

// Capture registers the capture point on input.
//
// Description:
//
//	Marks input as gradient-tracked and installs a hook that delivers its
//	gradient into a fresh one-shot slot. The input must be a leaf, which
//	holds for every tensor received from the network.
//
// Inputs:
//
//	input - The activation received from the predecessor.
//
// Outputs:
//
//	error - ErrBridgeReuse if already armed, or tensor.ErrNotLeaf.
func (b *Bridge) Capture(input *tensor.Tensor) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.armed {
		return ErrBridgeReuse
	}
	if input == nil {
		return fmt.Errorf("capture on nil input: %w", tensor.ErrNoGradient)
	}
	if err := input.SetRequiresGrad(true); err != nil {
		return fmt.Errorf("mark input tracked: %w", err)
	}

	slot := make(chan *tensor.Tensor, 1)
	input.RegisterHook(func(g *tensor.Tensor) {
		select {
		case slot <- g:
		default:
		}
	})

	b.slot = slot
	b.armed = true
	return nil
}

// Armed reports whether a capture is registered and not yet consumed.
func (b *Bridge) Armed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.armed
}

// Backward triggers local backward from root seeded with seed and returns
// the captured gradient.
//
// Description:
//
//	Returns (nil, nil) when no capture was registered, which is the case
//	at the first stage. The bridge is disarmed afterwards whether or not
//	backward succeeded, so the next microbatch can register again.
//
// Inputs:
//
//	root - The backward root (loss or side output).
//	seed - Upstream gradient for root, or nil for a scalar loss.
//
// Outputs:
//
//	*tensor.Tensor - Gradient of the objective with respect to the
//	captured input, owned by the caller.
//	error - Errors from tensor.Backward, or ErrGradientNotCaptured.
func (b *Bridge) Backward(root, seed *tensor.Tensor) (*tensor.Tensor, error) {
	b.mu.Lock()
	armed, slot := b.armed, b.slot
	b.armed, b.slot = false, nil
	b.mu.Unlock()

	if err := tensor.Backward(root, seed); err != nil {
		return nil, fmt.Errorf("local backward: %w", err)
	}
	if !armed {
		return nil, nil
	}

	select {
	case g := <-slot:
		return g, nil
	default:
		return nil, ErrGradientNotCaptured
	}
}
