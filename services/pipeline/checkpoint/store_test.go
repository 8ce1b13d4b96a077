// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package checkpoint

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianPipeline/services/pipeline/model"
	"github.com/AleutianAI/AleutianPipeline/services/pipeline/tensor"
)

func openMemory(t *testing.T, cfg Config) *Store {
	t.Helper()
	cfg.InMemory = true
	s, err := Open(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func params(vals ...float64) []model.Param {
	w := tensor.MustNew([]int{1, len(vals)}, vals)
	b := tensor.MustNew([]int{1}, []float64{vals[0] * 2})
	return []model.Param{{Name: "w", Value: w}, {Name: "b", Value: b}}
}

func TestStore_SaveLoadRestore(t *testing.T) {
	s := openMemory(t, Config{})
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, 1, 0, params(1, 2, 3)))
	require.NoError(t, s.Save(ctx, 1, 1, params(4, 5, 6)))

	cp, err := s.Latest(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, cp.Round)
	assert.Equal(t, FormatVersion, cp.Version)
	require.Len(t, cp.Params, 2)

	target := params(0, 0, 0)
	require.NoError(t, Restore(cp, target))
	assert.Equal(t, []float64{4, 5, 6}, target[0].Value.Data())
	assert.Equal(t, []float64{8}, target[1].Value.Data())

	first, err := s.Load(ctx, 1, 0)
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 2, 3}, first.Params[0].Data)
}

func TestStore_StagesAreIsolated(t *testing.T) {
	s := openMemory(t, Config{})
	ctx := context.Background()
	require.NoError(t, s.Save(ctx, 1, 3, params(1)))
	require.NoError(t, s.Save(ctx, 10, 7, params(2)))

	rounds, err := s.Rounds(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, []int{3}, rounds)

	_, err = s.Latest(ctx, 2)
	assert.ErrorIs(t, err, ErrNoCheckpoint)
}

func TestStore_KeepPrunesOldRounds(t *testing.T) {
	s := openMemory(t, Config{Keep: 2})
	ctx := context.Background()
	for r := 0; r < 5; r++ {
		require.NoError(t, s.Save(ctx, 0, r, params(float64(r))))
	}

	rounds, err := s.Rounds(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, []int{3, 4}, rounds)

	_, err = s.Load(ctx, 0, 0)
	assert.ErrorIs(t, err, ErrNoCheckpoint)
}

func TestStore_PersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s, err := Open(Config{Dir: dir, SyncWrites: true})
	require.NoError(t, err)
	require.NoError(t, s.Save(ctx, 2, 9, params(7, 8)))
	require.NoError(t, s.Close())

	s, err = Open(Config{Dir: dir})
	require.NoError(t, err)
	defer s.Close()
	cp, err := s.Latest(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, 9, cp.Round)
	assert.Equal(t, []float64{7, 8}, cp.Params[0].Data)
}

func TestRestore_Mismatch(t *testing.T) {
	cp := &Checkpoint{Params: []Tensor{{Name: "w", Shape: []int{1, 2}, Data: []float64{1, 2}}}}

	err := Restore(cp, params(1, 2))
	assert.ErrorIs(t, err, ErrParamMismatch, "b is missing")

	err = Restore(cp, params(1, 2, 3)[:1])
	assert.ErrorIs(t, err, ErrParamMismatch, "shape differs")
}

func TestStore_CancelledContext(t *testing.T) {
	s := openMemory(t, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, s.Save(ctx, 0, 0, params(1)), context.Canceled)
}

func TestOpen_RequiresDir(t *testing.T) {
	_, err := Open(Config{})
	assert.Error(t, err)
}

type memUploader struct {
	objects map[string][]byte
	err     error
}

func (m *memUploader) Upload(_ context.Context, name string, r io.Reader) error {
	if m.err != nil {
		return m.err
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	if m.objects == nil {
		m.objects = make(map[string][]byte)
	}
	m.objects[name] = data
	return nil
}

func TestStore_UploadsEverySavedRound(t *testing.T) {
	up := &memUploader{}
	s := openMemory(t, Config{Uploader: up})
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, 0, 4, params(1, 2)))

	data, ok := up.objects[ObjectName(0, 4)]
	require.True(t, ok)
	var cp Checkpoint
	require.NoError(t, json.Unmarshal(data, &cp))
	assert.Equal(t, 4, cp.Round)
	assert.Equal(t, "stage-000/round-00000004.json", ObjectName(0, 4))

	up.err = errors.New("bucket gone")
	assert.ErrorContains(t, s.Save(ctx, 0, 5, params(1, 2)), "bucket gone")
}

func TestStore_Export(t *testing.T) {
	s := openMemory(t, Config{})
	ctx := context.Background()
	require.NoError(t, s.Save(ctx, 3, 0, params(5)))

	var buf bytes.Buffer
	require.NoError(t, s.Export(ctx, 3, 0, &buf))
	assert.Contains(t, buf.String(), `"stage": 3`)

	assert.ErrorIs(t, s.Export(ctx, 3, 1, &buf), ErrNoCheckpoint)
}

func TestChecksum_DetectsChange(t *testing.T) {
	a := checksum("w", []int{2}, []float64{1, 2})
	assert.Equal(t, a, checksum("w", []int{2}, []float64{1, 2}))
	assert.NotEqual(t, a, checksum("w", []int{2}, []float64{1, 2.0000001}))
	assert.NotEqual(t, a, checksum("v", []int{2}, []float64{1, 2}))
}
