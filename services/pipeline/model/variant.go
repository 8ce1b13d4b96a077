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
	"strings"
)

// Variant selects the kind of local model unit, fixed once at startup.
type Variant int

const (
	// Plain trains the main pathway directly. Only the main channel is
	// used and gradients flow back through the main input.
	Plain Variant = iota + 1

	// Side freezes the main pathway and trains a side pathway fed by it.
	// Both forward channels are used and gradients flow back through the
	// side input only.
	Side

	// SideOnly would train the side pathway without the main one. It is
	// recognised but not supported.
	SideOnly
)

var variantNames = map[Variant]string{
	Plain:    "plain",
	Side:     "side",
	SideOnly: "side-only",
}

// String returns the configuration name of the variant.
func (v Variant) String() string {
	if s, ok := variantNames[v]; ok {
		return s
	}
	return fmt.Sprintf("variant(%d)", int(v))
}

// ParseVariant maps a configuration name to a Variant.
func ParseVariant(s string) (Variant, error) {
	want := strings.ToLower(strings.TrimSpace(s))
	for v, name := range variantNames {
		if name == want {
			return v, nil
		}
	}
	return 0, fmt.Errorf("%w: unknown variant %q", ErrUnsupportedMode, s)
}

// SidePathway reports whether the variant moves a side activation
// between stages.
func (v Variant) SidePathway() bool {
	return v == Side || v == SideOnly
}

// Supported returns ErrUnsupportedMode for variants the runtime cannot
// train.
func (v Variant) Supported() error {
	switch v {
	case Plain, Side:
		return nil
	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedMode, v)
	}
}
