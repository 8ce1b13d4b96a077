// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package topology

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_RejectsSingleStage(t *testing.T) {
	for _, total := range []int{-1, 0, 1} {
		_, err := New(0, total)
		assert.ErrorIs(t, err, ErrInvalidTopology, "total=%d", total)
	}
}

func TestNew_RejectsIndexOutOfRange(t *testing.T) {
	_, err := New(3, 3)
	assert.ErrorIs(t, err, ErrInvalidTopology)
	_, err = New(-1, 3)
	assert.ErrorIs(t, err, ErrInvalidTopology)
}

func TestChain_ExactlyOneFirstAndLast(t *testing.T) {
	for total := 2; total <= 6; total++ {
		stages, err := Chain(total)
		require.NoError(t, err)
		require.Len(t, stages, total)

		firsts, lasts := 0, 0
		for i, s := range stages {
			assert.Equal(t, i, s.Index())
			assert.Equal(t, total, s.Total())
			if s.IsFirst() {
				firsts++
				assert.Equal(t, 0, s.Index())
			}
			if s.IsLast() {
				lasts++
				assert.Equal(t, total-1, s.Index())
			}
		}
		assert.Equal(t, 1, firsts)
		assert.Equal(t, 1, lasts)
	}
}

func TestNeighbors(t *testing.T) {
	tests := []struct {
		name     string
		index    int
		wantPred int
		hasPred  bool
		wantSucc int
		hasSucc  bool
		wantRole string
	}{
		{name: "first", index: 0, hasPred: false, wantSucc: 1, hasSucc: true, wantRole: "first"},
		{name: "middle", index: 1, wantPred: 0, hasPred: true, wantSucc: 2, hasSucc: true, wantRole: "middle"},
		{name: "last", index: 2, wantPred: 1, hasPred: true, hasSucc: false, wantRole: "last"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			topo, err := New(tt.index, 3)
			require.NoError(t, err)

			pred, ok := topo.Predecessor()
			assert.Equal(t, tt.hasPred, ok)
			if ok {
				assert.Equal(t, tt.wantPred, pred)
			}

			succ, ok := topo.Successor()
			assert.Equal(t, tt.hasSucc, ok)
			if ok {
				assert.Equal(t, tt.wantSucc, succ)
			}
			assert.Equal(t, tt.wantRole, topo.Role())
		})
	}
}

func TestTwoStageChainHasNoMiddle(t *testing.T) {
	stages, err := Chain(2)
	require.NoError(t, err)
	assert.True(t, stages[0].IsFirst())
	assert.False(t, stages[0].IsLast())
	assert.True(t, stages[1].IsLast())
	assert.Equal(t, "stage 1/2 (last)", stages[1].String())
}
