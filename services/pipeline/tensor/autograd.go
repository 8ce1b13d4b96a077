// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package tensor

import "fmt"

// Backward propagates gradients from root through the local tape.
//
// Description:
//
//	Walks every tracked tensor reachable from root in reverse topological
//	order. Each tensor's hooks fire once with its fully accumulated
//	gradient; tracked leaves add the gradient into their Grad buffer.
//
//	The seed is the gradient of the objective with respect to root. When
//	the objective lives in another process, the seed is the gradient that
//	process sent over the wire. A nil seed is allowed only for a
//	one-element root and is treated as 1.
//
// Inputs:
//
//	root - Tensor to differentiate. Must require gradients.
//	seed - dObjective/dRoot with root's shape, or nil for a scalar root.
//
// Outputs:
//
//	error - ErrNoGradient, ErrSeedRequired or ErrShapeMismatch.
func Backward(root, seed *Tensor) error {
	if root == nil {
		return fmt.Errorf("%w: nil root", ErrNoGradient)
	}
	if !root.requiresGrad {
		return ErrNoGradient
	}

	var start []float64
	switch {
	case seed == nil && len(root.data) == 1:
		start = []float64{1}
	case seed == nil:
		return fmt.Errorf("%w: root has shape %v", ErrSeedRequired, root.shape)
	case !SameShape(seed.shape, root.shape):
		return fmt.Errorf("%w: seed %v for root %v", ErrShapeMismatch, seed.shape, root.shape)
	default:
		start = append([]float64(nil), seed.data...)
	}

	order := topoSort(root)
	grads := make(map[*Tensor][]float64, len(order))
	grads[root] = start

	for i := len(order) - 1; i >= 0; i-- {
		t := order[i]
		g, ok := grads[t]
		if !ok {
			continue
		}
		delete(grads, t)

		for _, h := range t.hooks {
			h(&Tensor{data: append([]float64(nil), g...), shape: t.Shape()})
		}

		if t.node == nil {
			if t.grad == nil {
				t.grad = make([]float64, len(t.data))
			}
			for j := range g {
				t.grad[j] += g[j]
			}
			continue
		}

		parentGrads := t.node.backward(&Tensor{data: g, shape: t.shape})
		for j, p := range t.node.parents {
			if p == nil || !p.requiresGrad || parentGrads[j] == nil {
				continue
			}
			acc, seen := grads[p]
			if !seen {
				grads[p] = parentGrads[j].data
				continue
			}
			for k, v := range parentGrads[j].data {
				acc[k] += v
			}
		}
	}
	return nil
}

// topoSort returns tracked tensors reachable from root with every tensor
// placed after all of its tracked parents.
func topoSort(root *Tensor) []*Tensor {
	var order []*Tensor
	visited := make(map[*Tensor]bool)

	type frame struct {
		t    *Tensor
		next int
	}
	stack := []frame{{t: root}}
	visited[root] = true

	for len(stack) > 0 {
		top := &stack[len(stack)-1]
		if top.t.node != nil && top.next < len(top.t.node.parents) {
			p := top.t.node.parents[top.next]
			top.next++
			if p != nil && p.requiresGrad && !visited[p] {
				visited[p] = true
				stack = append(stack, frame{t: p})
			}
			continue
		}
		order = append(order, top.t)
		stack = stack[:len(stack)-1]
	}
	return order
}
