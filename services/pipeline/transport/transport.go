// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package transport moves activations and gradients between adjacent
// pipeline stages.
//
// Every call is blocking and point-to-point: forward traffic flows from a
// stage to its successor, backward traffic from a stage to its
// predecessor. Each hop carries two logically independent channels, main
// and side. The set of channels a receiver expects is fixed by its role
// and agreed out of band; arrivals on other channels are fatal.
//
// Two implementations are provided:
//
//   - Mesh: in-process endpoints over unbuffered Go channels, used by the
//     local launcher and tests.
//   - Socket: one websocket connection per hop with acknowledged frames,
//     used when stages run as separate processes.
//
// Any failure is wrapped in ErrTransport and is fatal to the round on
// both peers.
package transport

import (
	"context"
	"errors"
	"fmt"

	"github.com/AleutianAI/AleutianPipeline/services/pipeline/tensor"
)

// Direction selects the flow of a transfer.
type Direction uint8

const (
	// Forward sends activations toward the successor.
	Forward Direction = iota + 1

	// Backward sends gradients toward the predecessor.
	Backward
)

// String returns "forward" or "backward".
func (d Direction) String() string {
	switch d {
	case Forward:
		return "forward"
	case Backward:
		return "backward"
	default:
		return fmt.Sprintf("direction(%d)", uint8(d))
	}
}

// Channel selects the logical stream within a hop.
type Channel uint8

const (
	// Main carries the frozen main pathway activation. On the backward
	// direction it carries the trainable pathway's gradient.
	Main Channel = iota + 1

	// Side carries the side pathway activation.
	Side
)

// String returns "main" or "side".
func (c Channel) String() string {
	switch c {
	case Main:
		return "main"
	case Side:
		return "side"
	default:
		return fmt.Sprintf("channel(%d)", uint8(c))
	}
}

// Key identifies one logical stream of a hop.
type Key struct {
	Direction Direction
	Channel   Channel
}

// String renders "direction/channel".
func (k Key) String() string {
	return k.Direction.String() + "/" + k.Channel.String()
}

func (k Key) valid() bool {
	return (k.Direction == Forward || k.Direction == Backward) &&
		(k.Channel == Main || k.Channel == Side)
}

// Transport is the stage-side view of its two hops.
//
// Send blocks until the peer has received the tensor. Recv blocks until a
// tensor arrives on the requested stream. Neither has a timeout; the
// context only unblocks a process that is shutting down.
type Transport interface {
	Send(ctx context.Context, t *tensor.Tensor, dir Direction, ch Channel) error
	Recv(ctx context.Context, dir Direction, ch Channel) (*tensor.Tensor, error)
	Close() error
}

// ChannelSet is the set of streams a stage expects to receive.
type ChannelSet map[Key]bool

// ExpectedChannels returns the receive streams for a pipeline that does
// or does not carry a side pathway. Forward always carries main; side is
// added for side-tuning. Backward always carries a single gradient on
// main.
func ExpectedChannels(sidePathway bool) ChannelSet {
	set := ChannelSet{
		{Direction: Forward, Channel: Main}:  true,
		{Direction: Backward, Channel: Main}: true,
	}
	if sidePathway {
		set[Key{Direction: Forward, Channel: Side}] = true
	}
	return set
}

var (
	// ErrTransport wraps every send or receive failure.
	ErrTransport = errors.New("transport error")

	// ErrNoPeer is returned when a stage sends or receives toward a
	// neighbor it does not have, e.g. a forward send from the last stage.
	ErrNoPeer = errors.New("no peer in that direction")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("transport closed")

	// ErrUnexpectedChannel is returned when a frame arrives on a stream
	// the receiver's role does not expect.
	ErrUnexpectedChannel = errors.New("unexpected channel")

	// ErrMalformedFrame is returned when a frame cannot be decoded.
	ErrMalformedFrame = errors.New("malformed frame")

	// ErrPeerRank is returned when a connecting peer announces a rank
	// other than the expected neighbor.
	ErrPeerRank = errors.New("unexpected peer rank")

	// ErrRoundMismatch is returned when linked stages would start from
	// different rounds.
	ErrRoundMismatch = errors.New("peer starts at a different round")
)

// Error adds the stream and operation to a transport failure.
type Error struct {
	Op  string
	Key Key
	Err error
}

// Error implements error.
func (e *Error) Error() string {
	return fmt.Sprintf("transport %s %s: %v", e.Op, e.Key, e.Err)
}

// Unwrap exposes both ErrTransport and the cause to errors.Is.
func (e *Error) Unwrap() []error {
	return []error{ErrTransport, e.Err}
}

func opError(op string, dir Direction, ch Channel, err error) error {
	return &Error{Op: op, Key: Key{Direction: dir, Channel: ch}, Err: err}
}
