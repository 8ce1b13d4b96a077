// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package logging builds the structured loggers used by stage processes.
//
// Every stage writes to stderr, in text when attached to a terminal and in
// JSON otherwise. A daily JSON file in LogDir and a LogExporter can be
// added alongside. The result is a plain *slog.Logger so library packages
// depend only on log/slog:
//
//	logger, err := logging.New(logging.Config{Level: logging.LevelInfo, Service: "stage"})
//	if err != nil {
//	    return err
//	}
//	defer logger.Close()
//	stageLog := logging.ForStage(logger.Slog(), 1, 3)
//
// # Thread Safety
//
// Logger and the handlers it builds are safe for concurrent use.
package logging

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-isatty"
)

// ErrUnknownLevel is returned by ParseLevel for an unrecognized name.
var ErrUnknownLevel = errors.New("logging: unknown level")

// Level is a log severity. Debug < Info < Warn < Error.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

// String returns "DEBUG", "INFO", "WARN", "ERROR" or "UNKNOWN".
func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// MarshalText encodes the level by name.
func (l Level) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

func (l Level) slogLevel() slog.Level {
	switch l {
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func fromSlog(l slog.Level) Level {
	switch {
	case l < slog.LevelInfo:
		return LevelDebug
	case l < slog.LevelWarn:
		return LevelInfo
	case l < slog.LevelError:
		return LevelWarn
	default:
		return LevelError
	}
}

// ParseLevel accepts debug, info, warn (or warning) and error in any case.
// The empty string is Info.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug, nil
	case "", "info":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	default:
		return LevelInfo, fmt.Errorf("%w: %q", ErrUnknownLevel, s)
	}
}

// Format selects the stderr encoding.
type Format string

const (
	// FormatAuto uses text on a terminal and JSON otherwise.
	FormatAuto Format = "auto"
	FormatText Format = "text"
	FormatJSON Format = "json"
)

// Config configures a Logger. The zero value logs Info and above to
// stderr in FormatAuto.
type Config struct {
	Level Level

	// Format of the stderr stream. File output is always JSON.
	Format Format

	// LogDir enables a "{Service}_{YYYY-MM-DD}.log" file. A leading ~ is
	// expanded. The directory is created with 0750 permissions.
	LogDir string

	// Service is attached to every record as "service".
	Service string

	// Quiet disables the stderr stream.
	Quiet bool

	// Output replaces stderr. Used by tests.
	Output io.Writer

	// Exporter receives every enabled record.
	Exporter LogExporter
}

// LogExporter ships records to an external system.
type LogExporter interface {
	Export(ctx context.Context, entry LogEntry) error
	Flush(ctx context.Context) error
	Close() error
}

// LogEntry is a flattened record handed to a LogExporter.
type LogEntry struct {
	Timestamp time.Time      `json:"timestamp"`
	Level     Level          `json:"level"`
	Message   string         `json:"message"`
	Service   string         `json:"service"`
	Attrs     map[string]any `json:"attrs,omitempty"`
}

// Logger owns the handlers and files behind a *slog.Logger.
type Logger struct {
	slog     *slog.Logger
	file     *os.File
	exporter LogExporter
	closed   sync.Once
}

// New builds a Logger from cfg.
//
// Description:
//
//	Assembles the stderr, file and exporter handlers into one fan-out
//	handler. The returned Logger must be closed to flush the exporter and
//	the file.
//
// Outputs:
//
//	*Logger - Ready for use.
//	error - Non-nil when LogDir is set but the file cannot be opened.
func New(cfg Config) (*Logger, error) {
	opts := &slog.HandlerOptions{Level: cfg.Level.slogLevel()}
	var handlers []slog.Handler

	if !cfg.Quiet {
		out := cfg.Output
		if out == nil {
			out = os.Stderr
		}
		if useJSON(cfg.Format, out) {
			handlers = append(handlers, slog.NewJSONHandler(out, opts))
		} else {
			handlers = append(handlers, slog.NewTextHandler(out, opts))
		}
	}

	l := &Logger{exporter: cfg.Exporter}

	if cfg.LogDir != "" {
		dir := expandPath(cfg.LogDir)
		if err := os.MkdirAll(dir, 0750); err != nil {
			return nil, fmt.Errorf("create log dir %s: %w", dir, err)
		}
		service := cfg.Service
		if service == "" {
			service = "aleutian"
		}
		name := fmt.Sprintf("%s_%s.log", service, time.Now().Format("2006-01-02"))
		f, err := os.OpenFile(filepath.Join(dir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0640)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		l.file = f
		handlers = append(handlers, slog.NewJSONHandler(f, opts))
	}

	if cfg.Exporter != nil {
		handlers = append(handlers, &exportHandler{
			level:    opts.Level.Level(),
			service:  cfg.Service,
			exporter: cfg.Exporter,
		})
	}

	var handler slog.Handler
	switch len(handlers) {
	case 0:
		handler = slog.NewTextHandler(io.Discard, opts)
	case 1:
		handler = handlers[0]
	default:
		handler = &multiHandler{handlers: handlers}
	}
	if cfg.Service != "" {
		handler = handler.WithAttrs([]slog.Attr{slog.String("service", cfg.Service)})
	}
	l.slog = slog.New(handler)
	return l, nil
}

// Slog returns the configured logger.
func (l *Logger) Slog() *slog.Logger {
	return l.slog
}

// Close flushes the exporter and closes the log file. It is idempotent.
func (l *Logger) Close() error {
	var errs []error
	l.closed.Do(func() {
		if l.exporter != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := l.exporter.Flush(ctx); err != nil {
				errs = append(errs, fmt.Errorf("flush exporter: %w", err))
			}
			if err := l.exporter.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close exporter: %w", err))
			}
		}
		if l.file != nil {
			if err := l.file.Sync(); err != nil {
				errs = append(errs, fmt.Errorf("sync log file: %w", err))
			}
			if err := l.file.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close log file: %w", err))
			}
		}
	})
	return errors.Join(errs...)
}

// ForStage returns a child of logger carrying the stage position. A nil
// logger uses slog.Default().
func ForStage(logger *slog.Logger, stage, total int) *slog.Logger {
	if logger == nil {
		logger = slog.Default()
	}
	return logger.With(slog.Int("stage", stage), slog.Int("total_stages", total))
}

func useJSON(format Format, out io.Writer) bool {
	switch format {
	case FormatJSON:
		return true
	case FormatText:
		return false
	}
	f, ok := out.(*os.File)
	if !ok {
		return true
	}
	return !isatty.IsTerminal(f.Fd()) && !isatty.IsCygwinTerminal(f.Fd())
}

func expandPath(path string) string {
	if strings.HasPrefix(path, "~") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[1:])
		}
	}
	return path
}

// multiHandler fans records out to every enabled handler.
type multiHandler struct {
	handlers []slog.Handler
}

func (h *multiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, handler := range h.handlers {
		if handler.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (h *multiHandler) Handle(ctx context.Context, r slog.Record) error {
	var errs []error
	for _, handler := range h.handlers {
		if handler.Enabled(ctx, r.Level) {
			if err := handler.Handle(ctx, r.Clone()); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

func (h *multiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	handlers := make([]slog.Handler, len(h.handlers))
	for i, handler := range h.handlers {
		handlers[i] = handler.WithAttrs(attrs)
	}
	return &multiHandler{handlers: handlers}
}

func (h *multiHandler) WithGroup(name string) slog.Handler {
	handlers := make([]slog.Handler, len(h.handlers))
	for i, handler := range h.handlers {
		handlers[i] = handler.WithGroup(name)
	}
	return &multiHandler{handlers: handlers}
}

// exportHandler converts records into LogEntry values. Groups are
// flattened into dotted keys.
type exportHandler struct {
	level    slog.Level
	service  string
	exporter LogExporter
	attrs    []slog.Attr
	prefix   string
}

func (h *exportHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *exportHandler) Handle(ctx context.Context, r slog.Record) error {
	attrs := make(map[string]any, len(h.attrs)+r.NumAttrs())
	for _, a := range h.attrs {
		flatten(attrs, "", a)
	}
	r.Attrs(func(a slog.Attr) bool {
		flatten(attrs, h.prefix, a)
		return true
	})
	delete(attrs, "service")

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
	defer cancel()
	return h.exporter.Export(ctx, LogEntry{
		Timestamp: r.Time,
		Level:     fromSlog(r.Level),
		Message:   r.Message,
		Service:   h.service,
		Attrs:     attrs,
	})
}

func (h *exportHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := *h
	next.attrs = append([]slog.Attr(nil), h.attrs...)
	for _, a := range attrs {
		if h.prefix != "" {
			a.Key = h.prefix + a.Key
		}
		next.attrs = append(next.attrs, a)
	}
	return &next
}

func (h *exportHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	next := *h
	next.prefix = h.prefix + name + "."
	return &next
}

func flatten(dst map[string]any, prefix string, a slog.Attr) {
	v := a.Value.Resolve()
	if v.Kind() == slog.KindGroup {
		p := prefix
		if a.Key != "" {
			p = prefix + a.Key + "."
		}
		for _, ga := range v.Group() {
			flatten(dst, p, ga)
		}
		return
	}
	dst[prefix+a.Key] = v.Any()
}

// BufferedExporter keeps the most recent entries in memory. A stage
// serves them from its status endpoint.
type BufferedExporter struct {
	mu       sync.Mutex
	entries  []LogEntry
	capacity int
	closed   bool
}

// NewBufferedExporter creates an exporter holding up to capacity entries.
// Zero keeps every entry.
func NewBufferedExporter(capacity int) *BufferedExporter {
	if capacity < 0 {
		capacity = 0
	}
	return &BufferedExporter{capacity: capacity}
}

// Export appends entry, dropping the oldest once full.
func (e *BufferedExporter) Export(_ context.Context, entry LogEntry) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.capacity > 0 && len(e.entries) == e.capacity {
		copy(e.entries, e.entries[1:])
		e.entries = e.entries[:len(e.entries)-1]
	}
	e.entries = append(e.entries, entry)
	return nil
}

// Flush is a no-op.
func (e *BufferedExporter) Flush(context.Context) error { return nil }

// Close marks the exporter closed.
func (e *BufferedExporter) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	return nil
}

// Closed reports whether Close was called.
func (e *BufferedExporter) Closed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

// Entries returns a copy of the held entries, oldest first.
func (e *BufferedExporter) Entries() []LogEntry {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]LogEntry(nil), e.entries...)
}

var _ LogExporter = (*BufferedExporter)(nil)
