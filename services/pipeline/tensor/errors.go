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

import "errors"

// Sentinel errors for tensor construction and differentiation.
var (
	// ErrInvalidShape is returned when a shape is empty or has a non-positive dimension.
	ErrInvalidShape = errors.New("tensor: invalid shape")

	// ErrShapeMismatch is returned when data or a seed does not fit the expected shape.
	ErrShapeMismatch = errors.New("tensor: shape mismatch")

	// ErrNotLeaf is returned when tracking is toggled on an operation output.
	ErrNotLeaf = errors.New("tensor: not a leaf tensor")

	// ErrNoGradient is returned when Backward is called on an untracked root.
	ErrNoGradient = errors.New("tensor: root does not require gradients")

	// ErrSeedRequired is returned when Backward has no seed for a non-scalar root.
	ErrSeedRequired = errors.New("tensor: seed gradient required for non-scalar root")

	// ErrInvalidLabel is returned when a class label is outside the logits width.
	ErrInvalidLabel = errors.New("tensor: label out of range")
)
