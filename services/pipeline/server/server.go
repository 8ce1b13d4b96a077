// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package server exposes a stage's HTTP surface: health and status
// endpoints, Prometheus metrics and the websocket link from the
// predecessor stage.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/AleutianAI/AleutianPipeline/pkg/logging"
	"github.com/AleutianAI/AleutianPipeline/services/pipeline/runtime"
	"github.com/AleutianAI/AleutianPipeline/services/pipeline/telemetry"
	"github.com/AleutianAI/AleutianPipeline/services/pipeline/transport"
)

const (
	HealthPath  = "/v1/pipeline/health"
	StatusPath  = "/v1/pipeline/status"
	LogsPath    = "/v1/pipeline/logs"
	MetricsPath = "/metrics"

	shutdownTimeout = 5 * time.Second
)

// StatusSource reports the runtime's state. *runtime.Runtime implements it.
type StatusSource interface {
	Status() runtime.Status
}

// StatsSource reports per-channel transport counters.
// *transport.Recorder implements it.
type StatsSource interface {
	Stats() map[string]transport.Stats
}

// LogSource holds the stage's recent log entries.
// *logging.BufferedExporter implements it.
type LogSource interface {
	Entries() []logging.LogEntry
}

// Options configures a Server.
type Options struct {
	// Service names the otelgin spans.
	Service string

	RunID string

	// Link, when set, is mounted at transport.LinkPath.
	Link http.Handler

	// Logs, when set, is served at LogsPath.
	Logs LogSource

	Logger *slog.Logger
}

// StatusResponse is the body of GET /v1/pipeline/status.
type StatusResponse struct {
	RunID     string                     `json:"run_id"`
	State     string                     `json:"state"`
	Stage     *runtime.Status            `json:"stage,omitempty"`
	Transport map[string]transport.Stats `json:"transport,omitempty"`
}

// Server serves one stage's endpoints.
//
// The runtime is attached with Attach once it exists; until then health
// reports "starting". This lets the link endpoint accept the
// predecessor before the runtime is built.
//
// Thread Safety: Attach, Handler and Run are safe for concurrent use.
type Server struct {
	opts   Options
	router *gin.Engine
	logger *slog.Logger

	status atomic.Pointer[StatusSource]
	stats  atomic.Pointer[StatsSource]
}

// New builds the router.
func New(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Service == "" {
		opts.Service = "aleutian-pipeline"
	}
	s := &Server{opts: opts, logger: logger}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware(opts.Service))

	router.GET(HealthPath, s.handleHealth)
	router.GET(StatusPath, s.handleStatus)
	router.GET(MetricsPath, gin.WrapH(telemetry.MetricsHandler()))
	if opts.Logs != nil {
		router.GET(LogsPath, s.handleLogs)
	}
	if opts.Link != nil {
		router.GET(transport.LinkPath, gin.WrapH(opts.Link))
	}
	s.router = router
	return s
}

// Attach publishes the runtime and, optionally, the transport counters.
func (s *Server) Attach(status StatusSource, stats StatsSource) {
	if status != nil {
		s.status.Store(&status)
	}
	if stats != nil {
		s.stats.Store(&stats)
	}
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) snapshot() StatusResponse {
	resp := StatusResponse{RunID: s.opts.RunID, State: "starting"}
	if p := s.status.Load(); p != nil {
		st := (*p).Status()
		resp.Stage = &st
		resp.State = "running"
		if st.Aborted {
			resp.State = "aborted"
		}
	}
	if p := s.stats.Load(); p != nil {
		resp.Transport = (*p).Stats()
	}
	return resp
}

func (s *Server) handleHealth(c *gin.Context) {
	resp := s.snapshot()
	code := http.StatusOK
	if resp.State != "running" {
		code = http.StatusServiceUnavailable
	}
	body := gin.H{"status": resp.State}
	if resp.Stage != nil && resp.Stage.LastError != "" {
		body["error"] = resp.Stage.LastError
	}
	c.JSON(code, body)
}

func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.snapshot())
}

// handleLogs returns the held entries, oldest first. The optional level
// query parameter drops entries below that level.
func (s *Server) handleLogs(c *gin.Context) {
	floor := logging.LevelDebug
	if q := c.Query("level"); q != "" {
		lvl, err := logging.ParseLevel(q)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		floor = lvl
	}
	entries := []logging.LogEntry{}
	for _, e := range s.opts.Logs.Entries() {
		if e.Level >= floor {
			entries = append(entries, e)
		}
	}
	c.JSON(http.StatusOK, gin.H{"run_id": s.opts.RunID, "entries": entries})
}

// Run serves on ln until ctx is done, then shuts down gracefully.
//
// Outputs:
//
//	error - Nil after a clean shutdown.
func (s *Server) Run(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Serving stage endpoints", slog.String("address", ln.Addr().String()))
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve %s: %w", ln.Addr(), err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		<-errCh
		return nil
	}
}
