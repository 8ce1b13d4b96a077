// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package ledger holds the in-flight microbatch records of one stage.
//
// Records are appended at forward time and popped at backward time in
// the same order, so backward processing always mirrors forward order.
package ledger

import (
	"errors"
	"sync"

	"github.com/AleutianAI/AleutianPipeline/services/pipeline/tensor"
)

// ErrEmptyLedger is returned when a backward pass is requested with no
// pending forward record. It signals a scheduling bug.
var ErrEmptyLedger = errors.New("activation ledger is empty")

// Record is the state of one microbatch at one stage between its forward
// and backward passes.
type Record struct {
	// Microbatch is the index of the microbatch within its round.
	Microbatch int

	// Input is the main activation from the predecessor, or the raw batch
	// input at the first stage.
	Input *tensor.Tensor

	// InputSide is the side activation from the predecessor. Nil at the
	// first stage.
	InputSide *tensor.Tensor

	// Output and OutputSide are this stage's results sent to the
	// successor. Nil at the last stage.
	Output     *tensor.Tensor
	OutputSide *tensor.Tensor

	// Loss is set only at the last stage.
	Loss *tensor.Tensor
}

// Ledger is a FIFO of Records.
//
// Thread Safety: Safe for concurrent use. The runtime mutates it from a
// single goroutine; the status server reads Len concurrently.
type Ledger struct {
	mu      sync.Mutex
	records []*Record
	head    int
}

// New creates an empty ledger sized for capacity records.
func New(capacity int) *Ledger {
	if capacity < 0 {
		capacity = 0
	}
	return &Ledger{records: make([]*Record, 0, capacity)}
}

// Append adds a record at the tail.
func (l *Ledger) Append(r *Record) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records = append(l.records, r)
}

// PopOldest removes and returns the record at the head.
//
// Returns ErrEmptyLedger when nothing is pending. After the call the
// ledger holds no reference to the returned record.
func (l *Ledger) PopOldest() (*Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.head >= len(l.records) {
		return nil, ErrEmptyLedger
	}
	r := l.records[l.head]
	l.records[l.head] = nil
	l.head++

	// Reuse the backing array once drained.
	if l.head == len(l.records) {
		l.records = l.records[:0]
		l.head = 0
	}
	return r, nil
}

// Len returns the number of pending records.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.records) - l.head
}

// Reset drops every pending record. Used when a round is aborted.
func (l *Ledger) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := range l.records {
		l.records[i] = nil
	}
	l.records = l.records[:0]
	l.head = 0
}
