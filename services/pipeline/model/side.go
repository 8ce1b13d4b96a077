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
	"math"
	"math/rand"

	"github.com/AleutianAI/AleutianPipeline/services/pipeline/tensor"
)

// SideStage is a side-tuning intermediate unit.
//
// The main pathway is a frozen dense layer. The trainable side adapter
// reads the incoming side activation and a down-projection of this
// stage's main output:
//
//	mainOut = tanh(main @ Wm + bm)              frozen
//	sideOut = tanh(side @ Ws + mainOut @ Wd + bs)
//
// The first stage has no incoming side activation and drops the side @ Ws
// term.
type SideStage struct {
	main  linear
	down  linear
	side  *tensor.Tensor // nil at the first stage
	first bool
}

func newSideStage(rng *rand.Rand, in, hidden, side int, first bool) *SideStage {
	s := &SideStage{
		main:  newLinear(rng, in, hidden, false),
		down:  newLinear(rng, hidden, side, true),
		first: first,
	}
	if !first {
		s.side = tensor.Randn(rng, 1/math.Sqrt(float64(side)), side, side)
		_ = s.side.SetRequiresGrad(true)
	}
	return s
}

// Forward implements Intermediate.
func (s *SideStage) Forward(main, side *tensor.Tensor) (*tensor.Tensor, *tensor.Tensor, error) {
	if main == nil {
		return nil, nil, fmt.Errorf("side stage: nil main activation")
	}
	if err := checkActivation("side stage", "main", main, s.main.in()); err != nil {
		return nil, nil, err
	}
	if !s.first {
		if side == nil {
			return nil, nil, ErrMissingSide
		}
		if err := checkActivation("side stage", "side", side, s.side.Shape()[0]); err != nil {
			return nil, nil, err
		}
		if err := checkBatch("side stage", main, side); err != nil {
			return nil, nil, err
		}
	}

	mainOut := tensor.Tanh(s.main.apply(main))
	pre := s.down.apply(mainOut)
	if !s.first {
		pre = tensor.Add(pre, tensor.MatMul(side, s.side))
	}
	return mainOut, tensor.Tanh(pre), nil
}

// Trainable implements Intermediate. The main pathway is not included.
func (s *SideStage) Trainable() []Param {
	params := s.down.params("side.down")
	if s.side != nil {
		params = append(params, Param{Name: "side.recurrent", Value: s.side})
	}
	return params
}

// SideHead is the last unit of a side-tuning pipeline.
//
//	logits = side @ Wo + frozen(main @ Wm) + bo
type SideHead struct {
	main linear
	out  linear
}

func newSideHead(rng *rand.Rand, in, side, classes int) *SideHead {
	return &SideHead{
		main: newLinear(rng, in, classes, false),
		out:  newLinear(rng, side, classes, true),
	}
}

// Forward implements Head.
func (h *SideHead) Forward(main, side *tensor.Tensor) (*tensor.Tensor, error) {
	if main == nil {
		return nil, fmt.Errorf("side head: nil main activation")
	}
	if side == nil {
		return nil, ErrMissingSide
	}
	if err := checkActivation("side head", "main", main, h.main.in()); err != nil {
		return nil, err
	}
	if err := checkActivation("side head", "side", side, h.out.in()); err != nil {
		return nil, err
	}
	if err := checkBatch("side head", main, side); err != nil {
		return nil, err
	}
	return tensor.Add(h.out.apply(side), h.main.apply(main)), nil
}

// Trainable implements Head.
func (h *SideHead) Trainable() []Param {
	return h.out.params("head.out")
}
