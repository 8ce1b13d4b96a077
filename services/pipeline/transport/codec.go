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
	"fmt"
	"math"

	"github.com/AleutianAI/AleutianPipeline/services/pipeline/tensor"
)

// Frame layout, little-endian:
//
//	offset size field
//	0      2    magic 0xA1E7
//	2      1    version
//	3      1    kind (data, ack, hello)
//	4      1    direction
//	5      1    channel
//	6      1    rank of dimensions
//	7      1    reserved
//	8      4    sender stage index
//	12     8    sequence number
//	20     4*n  dimensions
//	...    8*v  float64 payload
const (
	frameMagic   uint16 = 0xA1E7
	frameVersion uint8  = 1
	headerSize          = 20
	maxDims             = 8
)

type frameKind uint8

const (
	kindData frameKind = iota + 1
	kindAck
	kindHello
)

// frame is one decoded message on a link.
type frame struct {
	kind  frameKind
	key   Key
	rank  int
	seq   uint64
	shape []int
	data  []float64
}

// encodeTensor builds a data frame for t.
func encodeTensor(t *tensor.Tensor, key Key, rank int, seq uint64) ([]byte, error) {
	shape := t.Shape()
	if len(shape) > maxDims {
		return nil, fmt.Errorf("%w: rank %d exceeds %d", ErrMalformedFrame, len(shape), maxDims)
	}
	data := t.Data()
	buf := make([]byte, headerSize+4*len(shape)+8*len(data))
	putHeader(buf, kindData, key, len(shape), rank, seq)
	off := headerSize
	for _, d := range shape {
		binary.LittleEndian.PutUint32(buf[off:], uint32(d))
		off += 4
	}
	for _, v := range data {
		binary.LittleEndian.PutUint64(buf[off:], math.Float64bits(v))
		off += 8
	}
	return buf, nil
}

// encodeControl builds an ack or hello frame, which carry no payload.
func encodeControl(kind frameKind, key Key, rank int, seq uint64) []byte {
	buf := make([]byte, headerSize)
	putHeader(buf, kind, key, 0, rank, seq)
	return buf
}

func putHeader(buf []byte, kind frameKind, key Key, dims, rank int, seq uint64) {
	binary.LittleEndian.PutUint16(buf[0:], frameMagic)
	buf[2] = frameVersion
	buf[3] = byte(kind)
	buf[4] = byte(key.Direction)
	buf[5] = byte(key.Channel)
	buf[6] = byte(dims)
	binary.LittleEndian.PutUint32(buf[8:], uint32(int32(rank)))
	binary.LittleEndian.PutUint64(buf[12:], seq)
}

// decodeFrame parses and validates one frame.
func decodeFrame(buf []byte) (*frame, error) {
	if len(buf) < headerSize {
		return nil, fmt.Errorf("%w: %d bytes is shorter than the header", ErrMalformedFrame, len(buf))
	}
	if m := binary.LittleEndian.Uint16(buf[0:]); m != frameMagic {
		return nil, fmt.Errorf("%w: bad magic %#x", ErrMalformedFrame, m)
	}
	if buf[2] != frameVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrMalformedFrame, buf[2])
	}

	f := &frame{
		kind: frameKind(buf[3]),
		key:  Key{Direction: Direction(buf[4]), Channel: Channel(buf[5])},
		rank: int(int32(binary.LittleEndian.Uint32(buf[8:]))),
		seq:  binary.LittleEndian.Uint64(buf[12:]),
	}
	dims := int(buf[6])

	switch f.kind {
	case kindHello:
		return f, nil
	case kindAck:
		if !f.key.valid() {
			return nil, fmt.Errorf("%w: ack for stream %s", ErrMalformedFrame, f.key)
		}
		return f, nil
	case kindData:
	default:
		return nil, fmt.Errorf("%w: unknown kind %d", ErrMalformedFrame, f.kind)
	}

	if !f.key.valid() {
		return nil, fmt.Errorf("%w: data on stream %s", ErrMalformedFrame, f.key)
	}
	if dims == 0 || dims > maxDims {
		return nil, fmt.Errorf("%w: rank %d", ErrMalformedFrame, dims)
	}
	off := headerSize
	if len(buf) < off+4*dims {
		return nil, fmt.Errorf("%w: truncated shape", ErrMalformedFrame)
	}
	// The payload bounds the element count, so the product cannot overflow.
	capacity := (len(buf) - off - 4*dims) / 8
	f.shape = make([]int, dims)
	volume := 1
	for i := range f.shape {
		d := int(binary.LittleEndian.Uint32(buf[off:]))
		off += 4
		if d <= 0 {
			return nil, fmt.Errorf("%w: shape[%d] = %d", ErrMalformedFrame, i, d)
		}
		f.shape[i] = d
		if d > capacity/volume {
			return nil, fmt.Errorf("%w: shape %v exceeds a %d-value payload", ErrMalformedFrame, f.shape[:i+1], capacity)
		}
		volume *= d
	}
	if want := off + 8*volume; len(buf) != want {
		return nil, fmt.Errorf("%w: shape %v needs %d bytes, frame has %d", ErrMalformedFrame, f.shape, want, len(buf))
	}
	f.data = make([]float64, volume)
	for i := range f.data {
		f.data[i] = math.Float64frombits(binary.LittleEndian.Uint64(buf[off:]))
		off += 8
	}
	return f, nil
}

// tensor materializes the payload of a data frame.
func (f *frame) tensor() (*tensor.Tensor, error) {
	t, err := tensor.New(f.shape, f.data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	return t, nil
}
