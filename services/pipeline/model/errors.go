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

import "errors"

var (
	// ErrUnsupportedMode is returned for a variant the runtime cannot train.
	ErrUnsupportedMode = errors.New("unsupported model mode")

	// ErrIteratorExhausted is returned when a finite iterator has no more batches.
	ErrIteratorExhausted = errors.New("data iterator exhausted")

	// ErrInvalidDims is returned when model dimensions are not positive.
	ErrInvalidDims = errors.New("invalid model dimensions")

	// ErrMissingSide is returned when a side stage past the first receives
	// no side activation.
	ErrMissingSide = errors.New("side activation required")
)
