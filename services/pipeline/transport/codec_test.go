// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package transport

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianPipeline/services/pipeline/tensor"
)

func TestCodec_DataFrame(t *testing.T) {
	src := tensor.MustNew([]int{2, 3}, []float64{1.5, -2, 0, 3.25, 1e-9, -7})
	key := Key{Direction: Forward, Channel: Side}

	buf, err := encodeTensor(src, key, 4, 17)
	require.NoError(t, err)
	assert.Len(t, buf, headerSize+2*4+6*8)

	f, err := decodeFrame(buf)
	require.NoError(t, err)
	assert.Equal(t, kindData, f.kind)
	assert.Equal(t, key, f.key)
	assert.Equal(t, 4, f.rank)
	assert.Equal(t, uint64(17), f.seq)

	got, err := f.tensor()
	require.NoError(t, err)
	assert.True(t, tensor.AllClose(src, got, 0))
}

func TestCodec_ControlFrames(t *testing.T) {
	ack, err := decodeFrame(encodeControl(kindAck, Key{Direction: Backward, Channel: Main}, 2, 9))
	require.NoError(t, err)
	assert.Equal(t, kindAck, ack.kind)
	assert.Equal(t, uint64(9), ack.seq)

	hello, err := decodeFrame(encodeControl(kindHello, Key{}, 0, 0))
	require.NoError(t, err)
	assert.Equal(t, kindHello, hello.kind)
	assert.Equal(t, 0, hello.rank)
}

func TestDecodeFrame_Malformed(t *testing.T) {
	good, err := encodeTensor(tensor.Ones(2, 2), Key{Direction: Forward, Channel: Main}, 0, 1)
	require.NoError(t, err)

	mutate := func(f func(b []byte) []byte) []byte {
		b := append([]byte(nil), good...)
		return f(b)
	}

	tests := []struct {
		name string
		buf  []byte
	}{
		{"short", good[:headerSize-1]},
		{"bad magic", mutate(func(b []byte) []byte { b[0] = 0; return b })},
		{"bad version", mutate(func(b []byte) []byte { b[2] = 99; return b })},
		{"unknown kind", mutate(func(b []byte) []byte { b[3] = 42; return b })},
		{"bad direction", mutate(func(b []byte) []byte { b[4] = 7; return b })},
		{"zero rank", mutate(func(b []byte) []byte { b[6] = 0; return b })},
		{"zero dimension", mutate(func(b []byte) []byte {
			binary.LittleEndian.PutUint32(b[headerSize:], 0)
			return b
		})},
		{"truncated payload", good[:len(good)-8]},
		{"overflowing shape", func() []byte {
			// 65536^4 wraps a 64-bit element count to zero.
			b := append(append([]byte(nil), good[:headerSize]...), make([]byte, 4*4)...)
			b[6] = 4
			for i := 0; i < 4; i++ {
				binary.LittleEndian.PutUint32(b[headerSize+4*i:], 1<<16)
			}
			return b
		}()},
		{"shape larger than payload", mutate(func(b []byte) []byte {
			binary.LittleEndian.PutUint32(b[headerSize:], 1<<20)
			return b
		})},
		{"trailing bytes", append(append([]byte(nil), good...), 0)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := decodeFrame(tt.buf)
			assert.ErrorIs(t, err, ErrMalformedFrame)
		})
	}
}
