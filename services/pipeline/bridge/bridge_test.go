// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package bridge

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianPipeline/services/pipeline/tensor"
)

func TestCapture_DeliversInputGradientOnce(t *testing.T) {
	b := New()
	in := tensor.MustNew([]int{1, 2}, []float64{1, 2})
	w := tensor.MustNew([]int{2, 1}, []float64{3, 4})
	require.NoError(t, w.SetRequiresGrad(true))

	require.NoError(t, b.Capture(in))
	assert.True(t, b.Armed())

	out := tensor.MatMul(in, w)
	g, err := b.Backward(out, tensor.MustNew([]int{1, 1}, []float64{2}))
	require.NoError(t, err)
	require.NotNil(t, g)
	assert.Equal(t, []float64{6, 8}, g.Data())
	assert.False(t, b.Armed())

	// Parameter gradient accumulated by the same backward pass.
	assert.Equal(t, []float64{2, 4}, w.Grad().Data())
}

func TestCapture_TwiceWithoutBackward(t *testing.T) {
	b := New()
	require.NoError(t, b.Capture(tensor.Ones(1, 2)))
	err := b.Capture(tensor.Ones(1, 2))
	assert.ErrorIs(t, err, ErrBridgeReuse)
}

func TestCapture_RearmAfterBackward(t *testing.T) {
	b := New()
	for i := 0; i < 3; i++ {
		in := tensor.Ones(1, 1)
		require.NoError(t, b.Capture(in))
		g, err := b.Backward(tensor.Scale(in, float64(i+1)), tensor.Ones(1, 1))
		require.NoError(t, err)
		assert.Equal(t, []float64{float64(i + 1)}, g.Data())
	}
}

func TestBackward_WithoutCaptureReturnsNil(t *testing.T) {
	b := New()
	w := tensor.Ones(1)
	require.NoError(t, w.SetRequiresGrad(true))
	g, err := b.Backward(tensor.Scale(w, 2), nil)
	require.NoError(t, err)
	assert.Nil(t, g)
	assert.Equal(t, []float64{2}, w.Grad().Data())
}

func TestBackward_RootIndependentOfInput(t *testing.T) {
	b := New()
	require.NoError(t, b.Capture(tensor.Ones(1, 1)))

	w := tensor.Ones(1)
	require.NoError(t, w.SetRequiresGrad(true))
	_, err := b.Backward(tensor.Scale(w, 2), nil)
	assert.ErrorIs(t, err, ErrGradientNotCaptured)
	assert.False(t, b.Armed())
}

func TestBackward_DisarmsOnFailure(t *testing.T) {
	b := New()
	require.NoError(t, b.Capture(tensor.Ones(1, 2)))
	_, err := b.Backward(tensor.Ones(1), nil)
	assert.ErrorIs(t, err, tensor.ErrNoGradient)
	assert.False(t, b.Armed())
}
