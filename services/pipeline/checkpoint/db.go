// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package checkpoint

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// badgerLogger routes BadgerDB's internal logging into slog.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// openBadger opens the database backing a Store.
func openBadger(cfg Config) (*badger.DB, error) {
	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if cfg.Dir == "" {
			return nil, errors.New("checkpoint directory is required unless in memory")
		}
		if err := os.MkdirAll(cfg.Dir, 0750); err != nil {
			return nil, fmt.Errorf("create checkpoint directory %s: %w", cfg.Dir, err)
		}
		opts = badger.DefaultOptions(cfg.Dir)
	}

	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)
	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}
	return db, nil
}

// gcLoop periodically reclaims value log space left by pruned rounds.
type gcLoop struct {
	db       *badger.DB
	interval time.Duration
	ratio    float64
	stop     chan struct{}
	done     chan struct{}
	logger   *slog.Logger
}

func startGC(db *badger.DB, interval time.Duration, ratio float64, logger *slog.Logger) *gcLoop {
	g := &gcLoop{
		db:       db,
		interval: interval,
		ratio:    ratio,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
		logger:   logger,
	}
	go g.run()
	return g
}

func (g *gcLoop) run() {
	defer close(g.done)
	ticker := time.NewTicker(g.interval)
	defer ticker.Stop()

	for {
		select {
		case <-g.stop:
			return
		case <-ticker.C:
			// ErrNoRewrite only means nothing was worth collecting.
			if err := g.db.RunValueLogGC(g.ratio); err != nil && !errors.Is(err, badger.ErrNoRewrite) {
				g.logger.Warn("checkpoint value log GC error", slog.String("error", err.Error()))
			}
		}
	}
}

func (g *gcLoop) close() {
	close(g.stop)
	<-g.done
}
