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

import (
	"fmt"
	"math"
)

// Shape errors inside operations are programmer bugs and panic. Tensors
// that come from outside the process are validated before they reach here.

// record attaches a tape node to out when any parent is tracked.
func record(out *Tensor, op string, parents []*Tensor, backward func(grad *Tensor) []*Tensor) *Tensor {
	for _, p := range parents {
		if p != nil && p.requiresGrad {
			out.requiresGrad = true
			out.node = &node{op: op, parents: parents, backward: backward}
			break
		}
	}
	return out
}

func mustRank2(op string, t *Tensor) (int, int) {
	if len(t.shape) != 2 {
		panic(fmt.Sprintf("tensor: %s requires a 2D tensor, got %v", op, t.shape))
	}
	return t.shape[0], t.shape[1]
}

func matmulRaw(a []float64, m, k int, b []float64, n int) []float64 {
	out := make([]float64, m*n)
	for i := 0; i < m; i++ {
		for p := 0; p < k; p++ {
			av := a[i*k+p]
			if av == 0 {
				continue
			}
			row := b[p*n : p*n+n]
			dst := out[i*n : i*n+n]
			for j := range row {
				dst[j] += av * row[j]
			}
		}
	}
	return out
}

func transposeRaw(a []float64, m, n int) []float64 {
	out := make([]float64, m*n)
	for i := 0; i < m; i++ {
		for j := 0; j < n; j++ {
			out[j*m+i] = a[i*n+j]
		}
	}
	return out
}

// MatMul computes a @ b for a (M, K) and b (K, N).
//
// Backward:
//
//	gradA = gradC @ b^T
//	gradB = a^T @ gradC
func MatMul(a, b *Tensor) *Tensor {
	m, k := mustRank2("MatMul", a)
	k2, n := mustRank2("MatMul", b)
	if k != k2 {
		panic(fmt.Sprintf("tensor: MatMul inner dims %v x %v", a.shape, b.shape))
	}
	out := &Tensor{data: matmulRaw(a.data, m, k, b.data, n), shape: []int{m, n}}
	return record(out, "matmul", []*Tensor{a, b}, func(g *Tensor) []*Tensor {
		grads := make([]*Tensor, 2)
		if a.requiresGrad {
			bt := transposeRaw(b.data, k, n)
			grads[0] = &Tensor{data: matmulRaw(g.data, m, n, bt, k), shape: []int{m, k}}
		}
		if b.requiresGrad {
			at := transposeRaw(a.data, m, k)
			grads[1] = &Tensor{data: matmulRaw(at, k, m, g.data, n), shape: []int{k, n}}
		}
		return grads
	})
}

// Add computes the element-wise sum of two tensors of equal shape.
func Add(a, b *Tensor) *Tensor {
	if !SameShape(a.shape, b.shape) {
		panic(fmt.Sprintf("tensor: Add shapes %v and %v", a.shape, b.shape))
	}
	out := &Tensor{data: make([]float64, len(a.data)), shape: a.Shape()}
	for i := range a.data {
		out.data[i] = a.data[i] + b.data[i]
	}
	return record(out, "add", []*Tensor{a, b}, func(g *Tensor) []*Tensor {
		return []*Tensor{g.Detach(), g.Detach()}
	})
}

// AddBias adds a bias row vector b (N) to every row of x (M, N).
func AddBias(x, b *Tensor) *Tensor {
	m, n := mustRank2("AddBias", x)
	if len(b.shape) != 1 || b.shape[0] != n {
		panic(fmt.Sprintf("tensor: AddBias bias %v for input %v", b.shape, x.shape))
	}
	out := &Tensor{data: make([]float64, len(x.data)), shape: x.Shape()}
	for i := 0; i < m; i++ {
		for j := 0; j < n; j++ {
			out.data[i*n+j] = x.data[i*n+j] + b.data[j]
		}
	}
	return record(out, "add_bias", []*Tensor{x, b}, func(g *Tensor) []*Tensor {
		gb := &Tensor{data: make([]float64, n), shape: []int{n}}
		for i := 0; i < m; i++ {
			for j := 0; j < n; j++ {
				gb.data[j] += g.data[i*n+j]
			}
		}
		return []*Tensor{g.Detach(), gb}
	})
}

// Scale multiplies every element by s.
func Scale(x *Tensor, s float64) *Tensor {
	out := &Tensor{data: make([]float64, len(x.data)), shape: x.Shape()}
	for i, v := range x.data {
		out.data[i] = v * s
	}
	return record(out, "scale", []*Tensor{x}, func(g *Tensor) []*Tensor {
		gx := &Tensor{data: make([]float64, len(g.data)), shape: g.Shape()}
		for i, v := range g.data {
			gx.data[i] = v * s
		}
		return []*Tensor{gx}
	})
}

// Tanh applies the hyperbolic tangent element-wise.
//
// Backward: gradX = gradY * (1 - y²)
func Tanh(x *Tensor) *Tensor {
	out := &Tensor{data: make([]float64, len(x.data)), shape: x.Shape()}
	for i, v := range x.data {
		out.data[i] = math.Tanh(v)
	}
	y := out.data
	return record(out, "tanh", []*Tensor{x}, func(g *Tensor) []*Tensor {
		gx := &Tensor{data: make([]float64, len(g.data)), shape: g.Shape()}
		for i := range g.data {
			gx.data[i] = g.data[i] * (1 - y[i]*y[i])
		}
		return []*Tensor{gx}
	})
}

// ReLU applies max(0, x) element-wise.
func ReLU(x *Tensor) *Tensor {
	out := &Tensor{data: make([]float64, len(x.data)), shape: x.Shape()}
	for i, v := range x.data {
		if v > 0 {
			out.data[i] = v
		}
	}
	return record(out, "relu", []*Tensor{x}, func(g *Tensor) []*Tensor {
		gx := &Tensor{data: make([]float64, len(g.data)), shape: g.Shape()}
		for i := range g.data {
			if x.data[i] > 0 {
				gx.data[i] = g.data[i]
			}
		}
		return []*Tensor{gx}
	})
}

// Sum reduces all elements to a scalar of shape [1].
func Sum(x *Tensor) *Tensor {
	total := 0.0
	for _, v := range x.data {
		total += v
	}
	out := &Tensor{data: []float64{total}, shape: []int{1}}
	return record(out, "sum", []*Tensor{x}, func(g *Tensor) []*Tensor {
		gx := &Tensor{data: make([]float64, len(x.data)), shape: x.Shape()}
		for i := range gx.data {
			gx.data[i] = g.data[0]
		}
		return []*Tensor{gx}
	})
}

// CrossEntropy computes the mean softmax cross entropy of logits (N, C)
// against integer class labels.
//
// Backward: gradLogits = (softmax(logits) - onehot(labels)) / N
func CrossEntropy(logits *Tensor, labels []int) (*Tensor, error) {
	if len(logits.shape) != 2 {
		return nil, fmt.Errorf("%w: logits must be 2D, got %v", ErrShapeMismatch, logits.shape)
	}
	n, c := logits.shape[0], logits.shape[1]
	if len(labels) != n {
		return nil, fmt.Errorf("%w: %d labels for batch of %d", ErrShapeMismatch, len(labels), n)
	}

	probs := make([]float64, n*c)
	loss := 0.0
	for i := 0; i < n; i++ {
		if labels[i] < 0 || labels[i] >= c {
			return nil, fmt.Errorf("%w: label %d outside [0,%d)", ErrInvalidLabel, labels[i], c)
		}
		row := logits.data[i*c : i*c+c]
		maxV := row[0]
		for _, v := range row[1:] {
			maxV = math.Max(maxV, v)
		}
		sum := 0.0
		for j, v := range row {
			e := math.Exp(v - maxV)
			probs[i*c+j] = e
			sum += e
		}
		for j := 0; j < c; j++ {
			probs[i*c+j] /= sum
		}
		loss -= math.Log(math.Max(probs[i*c+labels[i]], 1e-300))
	}

	out := &Tensor{data: []float64{loss / float64(n)}, shape: []int{1}}
	return record(out, "cross_entropy", []*Tensor{logits}, func(g *Tensor) []*Tensor {
		gx := &Tensor{data: make([]float64, n*c), shape: []int{n, c}}
		scale := g.data[0] / float64(n)
		for i := 0; i < n; i++ {
			for j := 0; j < c; j++ {
				v := probs[i*c+j]
				if j == labels[i] {
					v -= 1
				}
				gx.data[i*c+j] = v * scale
			}
		}
		return []*Tensor{gx}
	}), nil
}
