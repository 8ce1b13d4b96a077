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
	"math/rand"
	"sync"

	"github.com/AleutianAI/AleutianPipeline/services/pipeline/tensor"
)

// Batch is one microbatch drawn by the first stage.
type Batch struct {
	Input  *tensor.Tensor
	Target []int
}

// Iterator yields microbatches. A finite source returns
// ErrIteratorExhausted when it runs out.
type Iterator interface {
	Next() (*Batch, error)
}

// SyntheticIterator draws Gaussian inputs with uniformly random labels.
//
// Thread Safety: Safe for concurrent use.
type SyntheticIterator struct {
	mu      sync.Mutex
	rng     *rand.Rand
	dims    Dims
	limit   int
	emitted int
}

// NewSyntheticIterator creates an iterator of batches shaped by dims.
// limit <= 0 means unbounded.
func NewSyntheticIterator(dims Dims, seed int64, limit int) (*SyntheticIterator, error) {
	if err := dims.validate(); err != nil {
		return nil, err
	}
	return &SyntheticIterator{
		rng:   rand.New(rand.NewSource(seed)),
		dims:  dims,
		limit: limit,
	}, nil
}

// Next implements Iterator.
func (it *SyntheticIterator) Next() (*Batch, error) {
	it.mu.Lock()
	defer it.mu.Unlock()

	if it.limit > 0 && it.emitted >= it.limit {
		return nil, ErrIteratorExhausted
	}
	it.emitted++

	target := make([]int, it.dims.Batch)
	for i := range target {
		target[i] = it.rng.Intn(it.dims.Classes)
	}
	return &Batch{
		Input:  tensor.Randn(it.rng, 1, it.dims.Batch, it.dims.Input),
		Target: target,
	}, nil
}

// Emitted returns how many batches were drawn.
func (it *SyntheticIterator) Emitted() int {
	it.mu.Lock()
	defer it.mu.Unlock()
	return it.emitted
}
