// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package topology describes a stage's fixed position in the pipeline chain.
//
// A Topology is derived once from (stage index, total stages) at startup
// and never changes afterwards. Neighbor identities are stage indices,
// which double as transport ranks.
package topology

import (
	"errors"
	"fmt"
)

// ErrInvalidTopology is returned when a chain cannot be formed from the
// requested stage count or index.
var ErrInvalidTopology = errors.New("invalid pipeline topology")

// Topology is the immutable position of one stage in the chain.
//
// The zero value is not valid; construct with New.
type Topology struct {
	index int
	total int
}

// New builds the topology of stage index in a chain of total stages.
//
// Description:
//
//	A pipeline needs at least two stages. The index must lie in
//	[0, total).
//
// Inputs:
//
//	index - Ordinal position of this stage, 0 for the first stage.
//	total - Number of stages in the chain.
//
// Outputs:
//
//	Topology - The stage's position.
//	error - Wraps ErrInvalidTopology when total <= 1 or index is out of range.
func New(index, total int) (Topology, error) {
	if total <= 1 {
		return Topology{}, fmt.Errorf("%w: total stages must be > 1, got %d", ErrInvalidTopology, total)
	}
	if index < 0 || index >= total {
		return Topology{}, fmt.Errorf("%w: stage index %d outside [0,%d)", ErrInvalidTopology, index, total)
	}
	return Topology{index: index, total: total}, nil
}

// Chain returns the topology of every stage in a chain of total stages,
// indexed by stage.
func Chain(total int) ([]Topology, error) {
	if total <= 1 {
		return nil, fmt.Errorf("%w: total stages must be > 1, got %d", ErrInvalidTopology, total)
	}
	stages := make([]Topology, total)
	for i := range stages {
		stages[i] = Topology{index: i, total: total}
	}
	return stages, nil
}

// Index returns the stage's ordinal position.
func (t Topology) Index() int { return t.index }

// Total returns the number of stages in the chain.
func (t Topology) Total() int { return t.total }

// IsFirst reports whether the stage reads its input from the data iterator.
func (t Topology) IsFirst() bool { return t.index == 0 }

// IsLast reports whether the stage computes the loss.
func (t Topology) IsLast() bool { return t.index == t.total-1 }

// Predecessor returns the index of the previous stage. ok is false for the
// first stage.
func (t Topology) Predecessor() (id int, ok bool) {
	if t.IsFirst() {
		return 0, false
	}
	return t.index - 1, true
}

// Successor returns the index of the next stage. ok is false for the last
// stage.
func (t Topology) Successor() (id int, ok bool) {
	if t.IsLast() {
		return 0, false
	}
	return t.index + 1, true
}

// Role names the stage's position: "first", "middle" or "last".
func (t Topology) Role() string {
	switch {
	case t.IsFirst():
		return "first"
	case t.IsLast():
		return "last"
	default:
		return "middle"
	}
}

// String implements fmt.Stringer.
func (t Topology) String() string {
	return fmt.Sprintf("stage %d/%d (%s)", t.index, t.total, t.Role())
}
