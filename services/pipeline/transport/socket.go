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
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"

	"github.com/AleutianAI/AleutianPipeline/services/pipeline/tensor"
	"github.com/AleutianAI/AleutianPipeline/services/pipeline/topology"
)

// link is one websocket connection to a neighbor stage.
//
// A reader goroutine demultiplexes incoming frames: data frames go to the
// inbox of their stream and acks release the matching pending send. Any
// protocol violation closes the link and fails every pending call.
type link struct {
	conn   *websocket.Conn
	self   int
	peer   int
	logger *slog.Logger

	writeMu sync.Mutex

	inbox map[Key]chan *frame

	pendingMu sync.Mutex
	pending   map[uint64]chan struct{}
	seq       atomic.Uint64

	failOnce sync.Once
	done     chan struct{}
	err      error
}

// newLink starts reading from conn. Only data frames on the given
// streams are accepted from the peer.
func newLink(conn *websocket.Conn, self, peer int, accept []Key, logger *slog.Logger) *link {
	l := &link{
		conn:    conn,
		self:    self,
		peer:    peer,
		logger:  logger.With("peer", peer),
		inbox:   make(map[Key]chan *frame, len(accept)),
		pending: make(map[uint64]chan struct{}),
		done:    make(chan struct{}),
	}
	for _, k := range accept {
		// The sender waits for an ack before its next frame, so one
		// slot per stream is enough.
		l.inbox[k] = make(chan *frame, 1)
	}
	go l.readLoop()
	return l
}

func (l *link) readLoop() {
	for {
		_, buf, err := l.conn.ReadMessage()
		if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
			l.fail(fmt.Errorf("%w: stage %d closed the link", ErrClosed, l.peer))
			return
		}
		if err != nil {
			l.fail(fmt.Errorf("read from stage %d: %w", l.peer, err))
			return
		}
		wireBytes.WithLabelValues("read").Add(float64(len(buf)))

		f, err := decodeFrame(buf)
		if err != nil {
			l.fail(err)
			return
		}
		if f.rank != l.peer {
			l.fail(fmt.Errorf("%w: frame from stage %d on link to stage %d", ErrPeerRank, f.rank, l.peer))
			return
		}

		switch f.kind {
		case kindAck:
			if err := l.resolve(f.seq); err != nil {
				l.fail(err)
				return
			}
		case kindData:
			in, ok := l.inbox[f.key]
			if !ok {
				l.fail(fmt.Errorf("%w: %s from stage %d", ErrUnexpectedChannel, f.key, f.rank))
				return
			}
			select {
			case in <- f:
			case <-l.done:
				return
			}
		default:
			l.fail(fmt.Errorf("%w: kind %d after handshake", ErrMalformedFrame, f.kind))
			return
		}
	}
}

func (l *link) resolve(seq uint64) error {
	l.pendingMu.Lock()
	ack, ok := l.pending[seq]
	delete(l.pending, seq)
	l.pendingMu.Unlock()
	if !ok {
		return fmt.Errorf("%w: ack for unknown sequence %d", ErrMalformedFrame, seq)
	}
	close(ack)
	return nil
}

// fail records the first error and tears the link down.
func (l *link) fail(err error) {
	l.failOnce.Do(func() {
		l.err = err
		close(l.done)
		_ = l.conn.Close()
		if !errors.Is(err, ErrClosed) {
			l.logger.Error("Stage link failed", "error", err)
		}
	})
}

func (l *link) cause() error {
	<-l.done
	return l.err
}

func (l *link) write(buf []byte) error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	if err := l.conn.WriteMessage(websocket.BinaryMessage, buf); err != nil {
		return fmt.Errorf("write to stage %d: %w", l.peer, err)
	}
	wireBytes.WithLabelValues("write").Add(float64(len(buf)))
	return nil
}

// send writes a data frame and waits for the peer's ack.
func (l *link) send(ctx context.Context, t *tensor.Tensor, key Key) error {
	seq := l.seq.Add(1)
	buf, err := encodeTensor(t, key, l.self, seq)
	if err != nil {
		return err
	}

	ack := make(chan struct{})
	l.pendingMu.Lock()
	l.pending[seq] = ack
	l.pendingMu.Unlock()

	if err := l.write(buf); err != nil {
		l.fail(err)
		return err
	}

	select {
	case <-ack:
		return nil
	case <-l.done:
		return l.cause()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// recv waits for a data frame on key and acknowledges it.
func (l *link) recv(ctx context.Context, key Key) (*tensor.Tensor, error) {
	in, ok := l.inbox[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s is not received from stage %d", ErrUnexpectedChannel, key, l.peer)
	}

	select {
	case f := <-in:
		t, err := f.tensor()
		if err != nil {
			l.fail(err)
			return nil, err
		}
		if err := l.write(encodeControl(kindAck, key, l.self, f.seq)); err != nil {
			l.fail(err)
			return nil, err
		}
		return t, nil
	case <-l.done:
		return nil, l.cause()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *link) close() {
	l.writeMu.Lock()
	_ = l.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "stage shutdown"))
	l.writeMu.Unlock()
	l.fail(ErrClosed)
}

// Socket is a Transport over websocket links to the two neighbors.
//
// Description:
//
//	The predecessor link carries forward traffic in and backward traffic
//	out; the successor link the reverse. Sends complete only after the
//	peer acknowledged the frame, which gives the same rendezvous the
//	in-process Mesh has.
//
// Thread Safety:
//
//	Safe for concurrent use, though a stage issues calls sequentially.
type Socket struct {
	topo   topology.Topology
	prev   *link
	next   *link
	logger *slog.Logger

	closeOnce sync.Once
}

// NewSocket wraps established neighbor connections.
//
// Inputs:
//
//	topo - The stage's position.
//	prev - Connection to the predecessor, nil for the first stage.
//	next - Connection to the successor, nil for the last stage.
//	expect - Streams the stage receives, see ExpectedChannels.
//	logger - Logger for link failures. Nil uses slog.Default().
//
// Outputs:
//
//	*Socket - The transport. Reader goroutines are running.
//	error - ErrNoPeer when a connection is missing or superfluous.
func NewSocket(topo topology.Topology, prev, next *websocket.Conn, expect ChannelSet, logger *slog.Logger) (*Socket, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if (prev == nil) != topo.IsFirst() {
		return nil, fmt.Errorf("%w: %s predecessor connection present=%t", ErrNoPeer, topo, prev != nil)
	}
	if (next == nil) != topo.IsLast() {
		return nil, fmt.Errorf("%w: %s successor connection present=%t", ErrNoPeer, topo, next != nil)
	}

	var fromPrev, fromNext []Key
	for k, ok := range expect {
		if !ok {
			continue
		}
		if k.Direction == Forward {
			fromPrev = append(fromPrev, k)
		} else {
			fromNext = append(fromNext, k)
		}
	}

	s := &Socket{topo: topo, logger: logger.With("stage", topo.Index())}
	if p, ok := topo.Predecessor(); ok {
		s.prev = newLink(prev, topo.Index(), p, fromPrev, s.logger)
	}
	if n, ok := topo.Successor(); ok {
		s.next = newLink(next, topo.Index(), n, fromNext, s.logger)
	}
	return s, nil
}

// Send implements Transport.
func (s *Socket) Send(ctx context.Context, t *tensor.Tensor, dir Direction, ch Channel) error {
	key := Key{Direction: dir, Channel: ch}
	if t == nil || !key.valid() {
		return opError("send", dir, ch, fmt.Errorf("invalid send of %v on %s", t, key))
	}
	l := s.next
	if dir == Backward {
		l = s.prev
	}
	if l == nil {
		return opError("send", dir, ch, ErrNoPeer)
	}
	if err := l.send(ctx, t, key); err != nil {
		return opError("send", dir, ch, err)
	}
	return nil
}

// Recv implements Transport.
func (s *Socket) Recv(ctx context.Context, dir Direction, ch Channel) (*tensor.Tensor, error) {
	key := Key{Direction: dir, Channel: ch}
	if !key.valid() {
		return nil, opError("recv", dir, ch, fmt.Errorf("invalid stream %s", key))
	}
	l := s.prev
	if dir == Backward {
		l = s.next
	}
	if l == nil {
		return nil, opError("recv", dir, ch, ErrNoPeer)
	}
	t, err := l.recv(ctx, key)
	if err != nil {
		return nil, opError("recv", dir, ch, err)
	}
	return t, nil
}

// Close sends a close frame on both links and stops their readers.
func (s *Socket) Close() error {
	s.closeOnce.Do(func() {
		if s.prev != nil {
			s.prev.close()
		}
		if s.next != nil {
			s.next.close()
		}
	})
	return nil
}
