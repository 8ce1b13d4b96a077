// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package tensor provides dense float64 tensors with a tape-based
// automatic differentiation engine scoped to a single stage process.
//
// The engine only sees the graph built locally. Gradients that must cross
// a process boundary are injected explicitly as the seed of Backward, and
// gradients leaving the process are observed through hooks registered on
// the tensors that arrived from the network.
//
// # Thread Safety
//
// Tensor is not safe for concurrent use. A stage drives its forward and
// backward computation from a single goroutine.
package tensor

import (
	"fmt"
	"math"
	"math/rand"
	"strings"
)

// Hook observes the gradient flowing into a tensor during Backward.
//
// The gradient passed to a hook is a fresh tensor owned by the hook.
type Hook func(grad *Tensor)

// Tensor is a row-major array of float64 values with optional gradient
// tracking.
type Tensor struct {
	data  []float64
	shape []int

	// requiresGrad marks leaves that accumulate gradients and propagates
	// to outputs of operations that consume them.
	requiresGrad bool

	// grad holds the accumulated gradient for tracked leaves.
	grad []float64

	// node is the operation that produced this tensor (nil for leaves).
	node *node

	hooks []Hook
}

// node records how a tensor was produced so Backward can walk the tape.
type node struct {
	op       string
	parents  []*Tensor
	backward func(grad *Tensor) []*Tensor
}

// New creates a tensor from a shape and a data slice.
//
// Description:
//
//	The data slice is copied. Returns ErrInvalidShape when a dimension is
//	not positive and ErrShapeMismatch when len(data) does not match the
//	product of the dimensions.
//
// Inputs:
//
//	shape - Dimensions, outermost first.
//	data - Row-major values.
//
// Outputs:
//
//	*Tensor - The new tensor, not tracking gradients.
//	error - Non-nil on invalid shape or length.
func New(shape []int, data []float64) (*Tensor, error) {
	size, err := volume(shape)
	if err != nil {
		return nil, err
	}
	if len(data) != size {
		return nil, fmt.Errorf("%w: shape %v needs %d values, got %d", ErrShapeMismatch, shape, size, len(data))
	}
	t := &Tensor{
		data:  make([]float64, size),
		shape: append([]int(nil), shape...),
	}
	copy(t.data, data)
	return t, nil
}

// MustNew is New for literals in tests and fixed initializers. It panics on error.
func MustNew(shape []int, data []float64) *Tensor {
	t, err := New(shape, data)
	if err != nil {
		panic(err)
	}
	return t
}

// Zeros creates a zero-filled tensor. Panics on a non-positive dimension.
func Zeros(shape ...int) *Tensor {
	size, err := volume(shape)
	if err != nil {
		panic(err)
	}
	return &Tensor{
		data:  make([]float64, size),
		shape: append([]int(nil), shape...),
	}
}

// Ones creates a tensor filled with 1.
func Ones(shape ...int) *Tensor {
	t := Zeros(shape...)
	for i := range t.data {
		t.data[i] = 1
	}
	return t
}

// Randn creates a tensor with normally distributed values of the given
// standard deviation drawn from rng.
func Randn(rng *rand.Rand, std float64, shape ...int) *Tensor {
	t := Zeros(shape...)
	for i := range t.data {
		t.data[i] = rng.NormFloat64() * std
	}
	return t
}

func volume(shape []int) (int, error) {
	if len(shape) == 0 {
		return 0, fmt.Errorf("%w: empty shape", ErrInvalidShape)
	}
	size := 1
	for i, d := range shape {
		if d <= 0 {
			return 0, fmt.Errorf("%w: shape[%d] = %d", ErrInvalidShape, i, d)
		}
		size *= d
	}
	return size, nil
}

// Shape returns a copy of the tensor's dimensions.
func (t *Tensor) Shape() []int {
	return append([]int(nil), t.shape...)
}

// Dims returns the rank of the tensor.
func (t *Tensor) Dims() int {
	return len(t.shape)
}

// Size returns the number of elements.
func (t *Tensor) Size() int {
	return len(t.data)
}

// Data returns a copy of the values in row-major order.
func (t *Tensor) Data() []float64 {
	return append([]float64(nil), t.data...)
}

// At returns the element at the given indices.
func (t *Tensor) At(indices ...int) float64 {
	return t.data[t.flatIndex(indices)]
}

// Item returns the single value of a one-element tensor.
func (t *Tensor) Item() float64 {
	if len(t.data) != 1 {
		panic(fmt.Sprintf("tensor: Item on tensor of shape %v", t.shape))
	}
	return t.data[0]
}

func (t *Tensor) flatIndex(indices []int) int {
	if len(indices) != len(t.shape) {
		panic(fmt.Sprintf("tensor: %d indices for rank %d", len(indices), len(t.shape)))
	}
	idx, stride := 0, 1
	for i := len(t.shape) - 1; i >= 0; i-- {
		if indices[i] < 0 || indices[i] >= t.shape[i] {
			panic(fmt.Sprintf("tensor: index %d out of range for dim %d (%d)", indices[i], i, t.shape[i]))
		}
		idx += indices[i] * stride
		stride *= t.shape[i]
	}
	return idx
}

// RequiresGrad reports whether the tensor participates in gradient tracking.
func (t *Tensor) RequiresGrad() bool {
	return t.requiresGrad
}

// SetRequiresGrad marks a leaf tensor as tracked or untracked.
//
// Returns ErrNotLeaf when called on the output of an operation, since its
// tracking state is derived from its inputs.
func (t *Tensor) SetRequiresGrad(v bool) error {
	if t.node != nil {
		return ErrNotLeaf
	}
	t.requiresGrad = v
	if v && t.grad == nil {
		t.grad = make([]float64, len(t.data))
	}
	return nil
}

// IsLeaf reports whether the tensor was created directly rather than by an
// operation on tracked inputs.
func (t *Tensor) IsLeaf() bool {
	return t.node == nil
}

// Grad returns a copy of the accumulated gradient, or nil when the tensor
// is not a tracked leaf.
func (t *Tensor) Grad() *Tensor {
	if t.grad == nil {
		return nil
	}
	g := &Tensor{data: append([]float64(nil), t.grad...), shape: t.Shape()}
	return g
}

// ZeroGrad resets the accumulated gradient to zero.
func (t *Tensor) ZeroGrad() {
	for i := range t.grad {
		t.grad[i] = 0
	}
}

// RegisterHook adds a hook invoked with this tensor's gradient during
// Backward. Only tracked tensors receive gradients.
func (t *Tensor) RegisterHook(h Hook) {
	t.hooks = append(t.hooks, h)
}

// Detach returns an untracked copy with no tape history.
func (t *Tensor) Detach() *Tensor {
	return &Tensor{data: append([]float64(nil), t.data...), shape: t.Shape()}
}

// AddScaledGrad performs data -= lr * grad in place. Used by optimizers
// between rounds; it does not record on the tape.
func (t *Tensor) AddScaledGrad(lr float64) {
	for i := range t.data {
		t.data[i] -= lr * t.grad[i]
	}
}

// CopyFrom overwrites the values with src. Shapes must match.
func (t *Tensor) CopyFrom(src []float64) error {
	if len(src) != len(t.data) {
		return fmt.Errorf("%w: have %d values, got %d", ErrShapeMismatch, len(t.data), len(src))
	}
	copy(t.data, src)
	return nil
}

// SameShape reports whether two shapes are identical.
func SameShape(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// AllClose reports whether two tensors have equal shapes and values within tol.
func AllClose(a, b *Tensor, tol float64) bool {
	if !SameShape(a.shape, b.shape) {
		return false
	}
	for i := range a.data {
		if math.Abs(a.data[i]-b.data[i]) > tol {
			return false
		}
	}
	return true
}

// String renders the shape and up to eight values.
func (t *Tensor) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Tensor%v[", t.shape)
	for i, v := range t.data {
		if i == 8 {
			b.WriteString(" ...")
			break
		}
		if i > 0 {
			b.WriteString(" ")
		}
		fmt.Fprintf(&b, "%.4g", v)
	}
	b.WriteString("]")
	return b.String()
}
