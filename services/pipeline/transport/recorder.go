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
	"sync"
	"time"

	"github.com/AleutianAI/AleutianPipeline/services/pipeline/tensor"
)

// DefaultHistory is the number of events a Recorder keeps.
const DefaultHistory = 256

// Event is one completed or failed transport call.
type Event struct {
	Op      string // "send" or "recv"
	Key     Key
	Shape   []int
	Blocked time.Duration
	Err     error
}

// Stats are cumulative call counts for one stream and operation.
type Stats struct {
	Sends    int `json:"sends"`
	Recvs    int `json:"recvs"`
	Failures int `json:"failures"`
}

// Recorder wraps a Transport, exports Prometheus metrics for every call
// and remembers the most recent events for status reporting and tests.
//
// Thread Safety:
//
//	Safe for concurrent use.
type Recorder struct {
	inner Transport

	mu      sync.Mutex
	events  []Event
	limit   int
	dropped int
	stats   map[Key]*Stats
}

// NewRecorder wraps inner. history <= 0 uses DefaultHistory.
func NewRecorder(inner Transport, history int) *Recorder {
	if history <= 0 {
		history = DefaultHistory
	}
	return &Recorder{inner: inner, limit: history, stats: make(map[Key]*Stats)}
}

func (r *Recorder) record(e Event) {
	op, dir := e.Op, e.Key.Direction.String()
	blockedSeconds.WithLabelValues(op, dir).Observe(e.Blocked.Seconds())
	if e.Err != nil {
		transferErrors.WithLabelValues(op, dir).Inc()
	} else {
		transferTotal.WithLabelValues(op, dir, e.Key.Channel.String()).Inc()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.stats[e.Key]
	if !ok {
		s = &Stats{}
		r.stats[e.Key] = s
	}
	switch {
	case e.Err != nil:
		s.Failures++
	case op == "send":
		s.Sends++
	default:
		s.Recvs++
	}
	if len(r.events) == r.limit {
		r.events = r.events[1:]
		r.dropped++
	}
	r.events = append(r.events, e)
}

// Send implements Transport.
func (r *Recorder) Send(ctx context.Context, t *tensor.Tensor, dir Direction, ch Channel) error {
	start := time.Now()
	err := r.inner.Send(ctx, t, dir, ch)
	e := Event{Op: "send", Key: Key{Direction: dir, Channel: ch}, Blocked: time.Since(start), Err: err}
	if t != nil {
		e.Shape = t.Shape()
	}
	r.record(e)
	return err
}

// Recv implements Transport.
func (r *Recorder) Recv(ctx context.Context, dir Direction, ch Channel) (*tensor.Tensor, error) {
	start := time.Now()
	t, err := r.inner.Recv(ctx, dir, ch)
	e := Event{Op: "recv", Key: Key{Direction: dir, Channel: ch}, Blocked: time.Since(start), Err: err}
	if t != nil {
		e.Shape = t.Shape()
	}
	r.record(e)
	return t, err
}

// Close closes the wrapped transport.
func (r *Recorder) Close() error {
	return r.inner.Close()
}

// Events returns the retained events, oldest first.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Stats returns per-stream counters keyed by "direction/channel".
func (r *Recorder) Stats() map[string]Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]Stats, len(r.stats))
	for k, s := range r.stats {
		out[k.String()] = *s
	}
	return out
}

// Count returns the number of successful calls matching op and key.
func (r *Recorder) Count(op string, key Key) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.stats[key]
	if !ok {
		return 0
	}
	if op == "send" {
		return s.Sends
	}
	return s.Recvs
}
