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
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// transferTotal counts completed sends and receives per stream.
	transferTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pipeline_transport_transfers_total",
		Help: "Completed tensor transfers by operation, direction and channel",
	}, []string{"operation", "direction", "channel"})

	// transferErrors counts failed sends and receives.
	transferErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pipeline_transport_errors_total",
		Help: "Failed tensor transfers by operation and direction",
	}, []string{"operation", "direction"})

	// blockedSeconds tracks how long a stage waited on its peer.
	blockedSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "pipeline_transport_blocked_seconds",
		Help:    "Time a stage spent blocked in send or receive",
		Buckets: prometheus.ExponentialBuckets(0.0001, 4, 10), // 0.1ms to ~26s
	}, []string{"operation", "direction"})

	// wireBytes counts bytes written to and read from websocket links.
	wireBytes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pipeline_transport_wire_bytes_total",
		Help: "Bytes moved over stage links by operation",
	}, []string{"operation"})
)
