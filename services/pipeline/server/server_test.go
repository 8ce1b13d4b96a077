// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package server

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianPipeline/pkg/logging"
	"github.com/AleutianAI/AleutianPipeline/services/pipeline/runtime"
	"github.com/AleutianAI/AleutianPipeline/services/pipeline/transport"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fixedStatus runtime.Status

func (f fixedStatus) Status() runtime.Status { return runtime.Status(f) }

type fixedStats map[string]transport.Stats

func (f fixedStats) Stats() map[string]transport.Stats { return f }

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	return w
}

func TestHealth_States(t *testing.T) {
	s := New(Options{RunID: "r1"})

	w := get(t, s.Handler(), HealthPath)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), `"starting"`)

	s.Attach(fixedStatus{Stage: 1, TotalStages: 3}, nil)
	w = get(t, s.Handler(), HealthPath)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"running"`)

	s.Attach(fixedStatus{Stage: 1, TotalStages: 3, Aborted: true, LastError: "boom"}, nil)
	w = get(t, s.Handler(), HealthPath)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), `"aborted"`)
	assert.Contains(t, w.Body.String(), "boom")
}

func TestStatus_Body(t *testing.T) {
	s := New(Options{RunID: "r1"})
	s.Attach(
		fixedStatus{Stage: 2, TotalStages: 3, Role: "last", Rounds: 4, Forwards: 8, Backwards: 8},
		fixedStats{"forward/main": {Recvs: 8}},
	)

	w := get(t, s.Handler(), StatusPath)
	require.Equal(t, http.StatusOK, w.Code)

	var resp StatusResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "r1", resp.RunID)
	assert.Equal(t, "running", resp.State)
	require.NotNil(t, resp.Stage)
	assert.Equal(t, 4, resp.Stage.Rounds)
	assert.Equal(t, 8, resp.Transport["forward/main"].Recvs)
}

func TestMetrics_Served(t *testing.T) {
	w := get(t, New(Options{}).Handler(), MetricsPath)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestLink_MountedOnlyWhenSet(t *testing.T) {
	w := get(t, New(Options{}).Handler(), transport.LinkPath)
	assert.Equal(t, http.StatusNotFound, w.Code)

	link := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
	w = get(t, New(Options{Link: link}).Handler(), transport.LinkPath)
	assert.Equal(t, http.StatusTeapot, w.Code)
}

func TestLogs_ServesRecentEntries(t *testing.T) {
	w := get(t, New(Options{}).Handler(), LogsPath)
	assert.Equal(t, http.StatusNotFound, w.Code)

	logs := logging.NewBufferedExporter(10)
	for _, e := range []logging.LogEntry{
		{Level: logging.LevelInfo, Message: "linked"},
		{Level: logging.LevelError, Message: "stage failed, round aborted"},
	} {
		require.NoError(t, logs.Export(context.Background(), e))
	}
	h := New(Options{RunID: "r1", Logs: logs}).Handler()

	var body struct {
		RunID   string `json:"run_id"`
		Entries []struct {
			Level   string `json:"level"`
			Message string `json:"message"`
		} `json:"entries"`
	}
	w = get(t, h, LogsPath)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "r1", body.RunID)
	require.Len(t, body.Entries, 2)
	assert.Equal(t, "INFO", body.Entries[0].Level)

	w = get(t, h, LogsPath+"?level=error")
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Len(t, body.Entries, 1)
	assert.Equal(t, "stage failed, round aborted", body.Entries[0].Message)

	w = get(t, h, LogsPath+"?level=loud")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRun_ShutsDownOnCancel(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	s := New(Options{})
	s.Attach(fixedStatus{TotalStages: 2}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx, ln) }()

	url := "http://" + ln.Addr().String() + HealthPath
	require.Eventually(t, func() bool {
		resp, err := http.Get(url)
		if err != nil {
			return false
		}
		_ = resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}
