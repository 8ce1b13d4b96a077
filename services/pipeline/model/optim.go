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

	"github.com/AleutianAI/AleutianPipeline/services/pipeline/tensor"
)

// SGD is plain stochastic gradient descent over a fixed parameter list.
type SGD struct {
	params []Param
	lr     float64
	steps  int
}

// NewSGD creates an optimizer. The learning rate must be positive.
func NewSGD(params []Param, lr float64) (*SGD, error) {
	if lr <= 0 {
		return nil, fmt.Errorf("learning rate must be positive, got %g", lr)
	}
	return &SGD{params: params, lr: lr}, nil
}

// ZeroGrad clears the accumulated gradients of every parameter.
func (o *SGD) ZeroGrad() {
	for _, p := range o.params {
		p.Value.ZeroGrad()
	}
}

// Step applies p -= lr * grad to every parameter.
func (o *SGD) Step() {
	for _, p := range o.params {
		p.Value.AddScaledGrad(o.lr)
	}
	o.steps++
}

// Steps returns how many times Step ran.
func (o *SGD) Steps() int {
	return o.steps
}

// LossFunc reduces the last stage's output and targets to a scalar loss.
type LossFunc func(output *tensor.Tensor, target []int) (*tensor.Tensor, error)

// CrossEntropy is the default LossFunc.
func CrossEntropy(output *tensor.Tensor, target []int) (*tensor.Tensor, error) {
	return tensor.CrossEntropy(output, target)
}

// TargetFunc synthesizes the last stage's targets for an output.
type TargetFunc func(output *tensor.Tensor) []int

// PlaceholderTarget labels every row of the output as class 1. Targets
// are not routed from the first stage, so the last stage trains against
// this fixed labelling.
func PlaceholderTarget(output *tensor.Tensor) []int {
	labels := make([]int, output.Shape()[0])
	for i := range labels {
		labels[i] = 1
	}
	return labels
}
