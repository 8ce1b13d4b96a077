// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package runtime

import (
	"errors"
	"fmt"
)

var (
	// ErrMissingInput is returned when the first stage has no batch to
	// run forward on.
	ErrMissingInput = errors.New("missing input")

	// ErrRoundAborted is returned by every call after a fatal error.
	ErrRoundAborted = errors.New("round aborted")

	// ErrModelMismatch is returned when the unit does not fit the stage's
	// role, e.g. a head on a middle stage.
	ErrModelMismatch = errors.New("model unit does not match stage role")

	// ErrNilContext is returned when a nil context is passed.
	ErrNilContext = errors.New("nil context")

	// ErrInvalidConfig is returned for a missing collaborator or a
	// non-positive microbatch count.
	ErrInvalidConfig = errors.New("invalid runtime config")

	// ErrDirtyLedger is returned when a round starts with records left
	// over from forwards run outside a round.
	ErrDirtyLedger = errors.New("ledger not empty at round start")
)

// StageError reports which stage, round and microbatch failed.
//
// Microbatch is -1 for failures outside a single microbatch, such as the
// optimizer step or a checkpoint.
type StageError struct {
	Stage      int
	Round      int
	Microbatch int
	Op         string
	Err        error
}

// Error implements error.
func (e *StageError) Error() string {
	if e.Microbatch < 0 {
		return fmt.Sprintf("stage %d round %d %s: %v", e.Stage, e.Round, e.Op, e.Err)
	}
	return fmt.Sprintf("stage %d round %d microbatch %d %s: %v", e.Stage, e.Round, e.Microbatch, e.Op, e.Err)
}

// Unwrap returns the cause.
func (e *StageError) Unwrap() error {
	return e.Err
}
