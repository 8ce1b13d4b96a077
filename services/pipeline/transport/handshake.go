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
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

// LinkPath is the HTTP path a stage serves for its predecessor's link.
const LinkPath = "/v1/pipeline/link"

// DefaultDialInterval paces connection attempts while the successor boots.
const DefaultDialInterval = 500 * time.Millisecond

// handshake exchanges hello frames and verifies the peer's rank and
// starting round. The listener answers before it compares rounds, so a
// round mismatch is seen by both ends.
func handshake(conn *websocket.Conn, self, peer, round int, speakFirst bool) error {
	hello := encodeControl(kindHello, Key{}, self, uint64(round))
	if speakFirst {
		if err := conn.WriteMessage(websocket.BinaryMessage, hello); err != nil {
			return fmt.Errorf("send hello: %w", err)
		}
	}
	_, buf, err := conn.ReadMessage()
	if err != nil {
		return fmt.Errorf("read hello: %w", err)
	}
	f, err := decodeFrame(buf)
	if err != nil {
		return err
	}
	if f.kind != kindHello {
		return fmt.Errorf("%w: expected hello, got kind %d", ErrMalformedFrame, f.kind)
	}
	if f.rank != peer {
		return fmt.Errorf("%w: want stage %d, got stage %d", ErrPeerRank, peer, f.rank)
	}
	if !speakFirst {
		if err := conn.WriteMessage(websocket.BinaryMessage, hello); err != nil {
			return fmt.Errorf("send hello: %w", err)
		}
	}
	if f.seq != uint64(round) {
		return fmt.Errorf("%w: stage %d starts at round %d, stage %d at round %d",
			ErrRoundMismatch, self, round, peer, f.seq)
	}
	return nil
}

// Dialer opens the link from a stage to its successor.
type Dialer struct {
	// Self is the dialing stage's index.
	Self int

	// Round is the first round the dialing stage will run.
	Round int

	// Limiter paces attempts. Nil uses DefaultDialInterval.
	Limiter *rate.Limiter

	// MaxAttempts bounds retries. Zero retries until ctx ends.
	MaxAttempts int

	Logger *slog.Logger
}

// Dial connects to url and completes the handshake with stage peer.
//
// Description:
//
//	Refused connections are retried at the limiter's pace, since the
//	successor process may still be starting. A rank mismatch is not
//	retried.
//
// Inputs:
//
//	ctx - Bounds the whole dial loop.
//	url - ws:// URL of the successor's LinkPath.
//	peer - Expected index of the successor.
//
// Outputs:
//
//	*websocket.Conn - Connection ready for NewSocket.
//	error - Wrapped ErrTransport on failure.
func (d *Dialer) Dial(ctx context.Context, url string, peer int) (*websocket.Conn, error) {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	limiter := d.Limiter
	if limiter == nil {
		limiter = rate.NewLimiter(rate.Every(DefaultDialInterval), 1)
	}

	var lastErr error
	for attempt := 1; d.MaxAttempts == 0 || attempt <= d.MaxAttempts; attempt++ {
		if err := limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("%w: dial %s: %v (last error: %v)", ErrTransport, url, err, lastErr)
		}

		conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
		if err != nil {
			lastErr = err
			logger.Debug("Successor not reachable yet", "url", url, "attempt", attempt, "error", err)
			continue
		}
		if err := handshake(conn, d.Self, peer, d.Round, true); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("%w: handshake with %s: %w", ErrTransport, url, err)
		}
		logger.Info("Linked to successor", "url", url, "peer", peer, "attempts", attempt)
		return conn, nil
	}
	return nil, fmt.Errorf("%w: dial %s: gave up after %d attempts: %v", ErrTransport, url, d.MaxAttempts, lastErr)
}

// Acceptor receives the link from a stage's predecessor.
//
// It is an http.Handler; mount it at LinkPath. Exactly one link is
// accepted; later upgrades are rejected. A predecessor that starts at a
// different round fails Accept.
type Acceptor struct {
	self     int
	peer     int
	round    int
	upgrader websocket.Upgrader
	conns    chan *websocket.Conn
	errs     chan error
	linked   atomic.Bool
	logger   *slog.Logger
}

// NewAcceptor creates the handler for stage self, expecting stage self-1
// to start at round.
func NewAcceptor(self, round int, logger *slog.Logger) *Acceptor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Acceptor{
		self:  self,
		peer:  self - 1,
		round: round,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
			ReadBufferSize:  1 << 20,
			WriteBufferSize: 1 << 20,
		},
		conns:  make(chan *websocket.Conn, 1),
		errs:   make(chan error, 1),
		logger: logger,
	}
}

// ServeHTTP upgrades the request and performs the handshake.
func (a *Acceptor) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.logger.Error("failed to upgrade stage link", "error", err)
		return
	}
	err = handshake(conn, a.self, a.peer, a.round, false)
	if err != nil && !errors.Is(err, ErrRoundMismatch) {
		a.logger.Error("Rejected stage link", "remote", r.RemoteAddr, "error", err)
		_ = conn.Close()
		return
	}
	if !a.linked.CompareAndSwap(false, true) {
		a.logger.Warn("Predecessor already linked, dropping connection", "remote", r.RemoteAddr)
		_ = conn.Close()
		return
	}
	if err != nil {
		_ = conn.Close()
		a.errs <- err
		return
	}
	a.conns <- conn
	a.logger.Info("Accepted link from predecessor", "peer", a.peer, "remote", r.RemoteAddr)
}

// Accept waits for the predecessor's link.
func (a *Acceptor) Accept(ctx context.Context) (*websocket.Conn, error) {
	select {
	case conn := <-a.conns:
		return conn, nil
	case err := <-a.errs:
		return nil, fmt.Errorf("%w: link from stage %d: %w", ErrTransport, a.peer, err)
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: waiting for stage %d: %w", ErrTransport, a.peer, ctx.Err())
	}
}
