// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ledger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPopOldest_Empty(t *testing.T) {
	l := New(4)
	r, err := l.PopOldest()
	assert.Nil(t, r)
	assert.ErrorIs(t, err, ErrEmptyLedger)
}

func TestFIFOOrder(t *testing.T) {
	for _, n := range []int{1, 2, 5, 16} {
		l := New(n)
		for i := 0; i < n; i++ {
			l.Append(&Record{Microbatch: i})
		}
		require.Equal(t, n, l.Len())

		for i := 0; i < n; i++ {
			r, err := l.PopOldest()
			require.NoError(t, err)
			assert.Equal(t, i, r.Microbatch)
		}
		assert.Equal(t, 0, l.Len())

		_, err := l.PopOldest()
		assert.ErrorIs(t, err, ErrEmptyLedger)
	}
}

func TestInterleavedAppendPop(t *testing.T) {
	l := New(0)
	l.Append(&Record{Microbatch: 0})
	l.Append(&Record{Microbatch: 1})

	r, err := l.PopOldest()
	require.NoError(t, err)
	assert.Equal(t, 0, r.Microbatch)

	l.Append(&Record{Microbatch: 2})
	for _, want := range []int{1, 2} {
		r, err := l.PopOldest()
		require.NoError(t, err)
		assert.Equal(t, want, r.Microbatch)
	}
}

func TestReset(t *testing.T) {
	l := New(2)
	l.Append(&Record{Microbatch: 0})
	l.Append(&Record{Microbatch: 1})
	l.Reset()
	assert.Equal(t, 0, l.Len())
	_, err := l.PopOldest()
	assert.ErrorIs(t, err, ErrEmptyLedger)
}
