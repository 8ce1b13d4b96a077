// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package model provides the local model units a pipeline stage runs,
// plus the optimizer, loss and data source collaborators.
//
// A unit is built once per process from a Variant and the stage's
// topology. Non-last stages get an Intermediate, the last stage a Head.
package model

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/AleutianAI/AleutianPipeline/services/pipeline/tensor"
	"github.com/AleutianAI/AleutianPipeline/services/pipeline/topology"
)

// Param is a named trainable tensor.
type Param struct {
	Name  string
	Value *tensor.Tensor
}

// Intermediate is the unit of every stage except the last.
//
// Forward receives the main activation and, past the first stage of a
// side pipeline, the side activation. It returns the activations to send
// to the successor; sideOut is nil for the plain variant.
type Intermediate interface {
	Forward(main, side *tensor.Tensor) (mainOut, sideOut *tensor.Tensor, err error)
	Trainable() []Param
}

// Head is the unit of the last stage. It returns logits.
type Head interface {
	Forward(main, side *tensor.Tensor) (*tensor.Tensor, error)
	Trainable() []Param
}

// Dims sizes the reference units.
type Dims struct {
	Input   int `yaml:"input" json:"input" validate:"gt=0"`
	Hidden  int `yaml:"hidden" json:"hidden" validate:"gt=0"`
	Side    int `yaml:"side" json:"side" validate:"gt=0"`
	Classes int `yaml:"classes" json:"classes" validate:"gt=1"`
	Batch   int `yaml:"batch" json:"batch" validate:"gt=0"`
}

func (d Dims) validate() error {
	if d.Input <= 0 || d.Hidden <= 0 || d.Side <= 0 || d.Batch <= 0 || d.Classes < 2 {
		return fmt.Errorf("%w: %+v", ErrInvalidDims, d)
	}
	return nil
}

// Unit is the tagged local model of one stage. Exactly one of
// Intermediate and Head is set, matching the stage's role.
type Unit struct {
	Variant      Variant
	Intermediate Intermediate
	Head         Head
}

// Trainable returns the unit's trainable parameters.
func (u *Unit) Trainable() []Param {
	if u.Head != nil {
		return u.Head.Trainable()
	}
	return u.Intermediate.Trainable()
}

// Build creates the reference unit for a stage.
//
// Description:
//
//	Parameters are initialised from a generator seeded with seed and the
//	stage index, so every process of a run builds the same weights it
//	would build in any other launch.
//
// Inputs:
//
//	variant - Plain or Side. SideOnly yields ErrUnsupportedMode.
//	topo - The stage's position; selects Intermediate or Head.
//	dims - Layer sizes.
//	seed - Base seed for initialisation.
//
// Outputs:
//
//	*Unit - The unit.
//	error - ErrUnsupportedMode or ErrInvalidDims.
func Build(variant Variant, topo topology.Topology, dims Dims, seed int64) (*Unit, error) {
	if err := variant.Supported(); err != nil {
		return nil, err
	}
	if err := dims.validate(); err != nil {
		return nil, err
	}

	rng := rand.New(rand.NewSource(seed + int64(topo.Index())*7919))
	inDim := dims.Hidden
	if topo.IsFirst() {
		inDim = dims.Input
	}

	u := &Unit{Variant: variant}
	switch {
	case variant == Plain && topo.IsLast():
		u.Head = newPlainHead(rng, inDim, dims.Classes)
	case variant == Plain:
		u.Intermediate = newPlainStage(rng, inDim, dims.Hidden)
	case topo.IsLast():
		u.Head = newSideHead(rng, inDim, dims.Side, dims.Classes)
	default:
		u.Intermediate = newSideStage(rng, inDim, dims.Hidden, dims.Side, topo.IsFirst())
	}
	return u, nil
}

// linear is a dense layer y = x @ W + b.
type linear struct {
	w *tensor.Tensor
	b *tensor.Tensor
}

// newLinear draws weights with a 1/sqrt(in) scale. Trainable layers track
// gradients; frozen ones do not.
func newLinear(rng *rand.Rand, in, out int, trainable bool) linear {
	l := linear{
		w: tensor.Randn(rng, 1/math.Sqrt(float64(in)), in, out),
		b: tensor.Zeros(out),
	}
	if trainable {
		_ = l.w.SetRequiresGrad(true)
		_ = l.b.SetRequiresGrad(true)
	}
	return l
}

func (l linear) in() int {
	return l.w.Shape()[0]
}

func (l linear) apply(x *tensor.Tensor) *tensor.Tensor {
	return tensor.AddBias(tensor.MatMul(x, l.w), l.b)
}

func (l linear) params(prefix string) []Param {
	return []Param{
		{Name: prefix + ".weight", Value: l.w},
		{Name: prefix + ".bias", Value: l.b},
	}
}

// checkActivation rejects an input that is not a [rows, cols] matrix.
// Units run it before any tensor operation, which would panic instead.
func checkActivation(unit, name string, x *tensor.Tensor, cols int) error {
	shape := x.Shape()
	if len(shape) != 2 || shape[1] != cols {
		return fmt.Errorf("%w: %s %s activation %v, want [batch %d]", tensor.ErrShapeMismatch, unit, name, shape, cols)
	}
	return nil
}

// checkBatch rejects main and side activations with different batch sizes.
func checkBatch(unit string, main, side *tensor.Tensor) error {
	if main.Shape()[0] != side.Shape()[0] {
		return fmt.Errorf("%w: %s main %v and side %v disagree on batch", tensor.ErrShapeMismatch, unit, main.Shape(), side.Shape())
	}
	return nil
}
