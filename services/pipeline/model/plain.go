// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package model

import (
	"fmt"
	"math/rand"

	"github.com/AleutianAI/AleutianPipeline/services/pipeline/tensor"
)

// PlainStage trains the main pathway: mainOut = tanh(main @ W + b).
type PlainStage struct {
	layer linear
}

func newPlainStage(rng *rand.Rand, in, hidden int) *PlainStage {
	return &PlainStage{layer: newLinear(rng, in, hidden, true)}
}

// Forward implements Intermediate. The side activation is ignored and no
// side output is produced.
func (p *PlainStage) Forward(main, _ *tensor.Tensor) (*tensor.Tensor, *tensor.Tensor, error) {
	if main == nil {
		return nil, nil, fmt.Errorf("plain stage: nil main activation")
	}
	if err := checkActivation("plain stage", "main", main, p.layer.in()); err != nil {
		return nil, nil, err
	}
	return tensor.Tanh(p.layer.apply(main)), nil, nil
}

// Trainable implements Intermediate.
func (p *PlainStage) Trainable() []Param {
	return p.layer.params("main")
}

// PlainHead maps the main activation to logits.
type PlainHead struct {
	layer linear
}

func newPlainHead(rng *rand.Rand, in, classes int) *PlainHead {
	return &PlainHead{layer: newLinear(rng, in, classes, true)}
}

// Forward implements Head.
func (p *PlainHead) Forward(main, _ *tensor.Tensor) (*tensor.Tensor, error) {
	if main == nil {
		return nil, fmt.Errorf("plain head: nil main activation")
	}
	if err := checkActivation("plain head", "main", main, p.layer.in()); err != nil {
		return nil, err
	}
	return p.layer.apply(main), nil
}

// Trainable implements Head.
func (p *PlainHead) Trainable() []Param {
	return p.layer.params("head")
}
