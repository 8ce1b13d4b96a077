// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package checkpoint persists a stage's trainable parameters after each
// optimizer step.
//
// Each round is stored in BadgerDB as one key per parameter plus a
// manifest:
//
//	stage/<stage>/round/<round>/param/<name>
//	stage/<stage>/round/<round>/manifest
//
// The manifest is written in the same transaction as the parameters, so
// a round is visible only once complete. Every parameter carries a
// SHA-256 checksum that is verified on load.
package checkpoint

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/AleutianAI/AleutianPipeline/services/pipeline/model"
	"github.com/AleutianAI/AleutianPipeline/services/pipeline/tensor"
)

// FormatVersion is the version of the stored records.
const FormatVersion = "1.0.0"

var (
	// ErrNoCheckpoint is returned when a stage has no saved round.
	ErrNoCheckpoint = errors.New("no checkpoint")

	// ErrChecksum is returned when a stored parameter fails verification.
	ErrChecksum = errors.New("checkpoint checksum mismatch")

	// ErrParamMismatch is returned when a checkpoint does not match the
	// parameters it is restored into.
	ErrParamMismatch = errors.New("checkpoint does not match parameters")
)

// Config configures a Store.
type Config struct {
	// Dir holds the database files. Ignored when InMemory is set.
	Dir string

	// InMemory keeps everything in RAM, for tests and dry runs.
	InMemory bool

	// SyncWrites fsyncs every commit.
	SyncWrites bool

	// Keep is the number of most recent rounds retained per stage. Zero
	// keeps every round.
	Keep int

	// GCInterval runs value log GC periodically on disk stores. Zero disables it.
	GCInterval time.Duration

	// Uploader, when set, receives an export of every saved round.
	Uploader Uploader

	Logger *slog.Logger
}

// Tensor is the stored form of one parameter.
type Tensor struct {
	Name     string    `json:"name"`
	Shape    []int     `json:"shape"`
	Data     []float64 `json:"data"`
	Checksum string    `json:"checksum"`
}

// Checkpoint is one saved round of one stage.
type Checkpoint struct {
	Version string    `json:"version"`
	Stage   int       `json:"stage"`
	Round   int       `json:"round"`
	SavedAt time.Time `json:"saved_at"`
	Params  []Tensor  `json:"params"`
}

type manifest struct {
	Version string    `json:"version"`
	SavedAt time.Time `json:"saved_at"`
	Params  []string  `json:"params"`
}

// Store saves and loads parameter checkpoints.
//
// Thread Safety: Safe for concurrent use.
type Store struct {
	db       *badger.DB
	gc       *gcLoop
	keep     int
	uploader Uploader
	logger   *slog.Logger
}

// Open opens or creates a Store.
func Open(cfg Config) (*Store, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Keep < 0 {
		return nil, fmt.Errorf("keep must not be negative, got %d", cfg.Keep)
	}
	db, err := openBadger(cfg)
	if err != nil {
		return nil, err
	}
	s := &Store{db: db, keep: cfg.Keep, uploader: cfg.Uploader, logger: logger}
	if cfg.GCInterval > 0 && !cfg.InMemory {
		s.gc = startGC(db, cfg.GCInterval, 0.5, logger)
	}
	return s, nil
}

// Close stops GC and closes the database.
func (s *Store) Close() error {
	if s.gc != nil {
		s.gc.close()
	}
	return s.db.Close()
}

func roundPrefix(stage, round int) string {
	return fmt.Sprintf("stage/%03d/round/%08d/", stage, round)
}

func stagePrefix(stage int) string {
	return fmt.Sprintf("stage/%03d/round/", stage)
}

func checksum(name string, shape []int, data []float64) string {
	h := sha256.New()
	h.Write([]byte(name))
	var buf [8]byte
	for _, d := range shape {
		binary.LittleEndian.PutUint64(buf[:], uint64(d))
		h.Write(buf[:])
	}
	for _, v := range data {
		binary.LittleEndian.PutUint64(buf[:], math.Float64bits(v))
		h.Write(buf[:])
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Save stores params as round of stage.
//
// Description:
//
//	Writes every parameter and the manifest in one transaction, prunes
//	rounds beyond the retention window and, when an Uploader is
//	configured, exports the round. Save satisfies the runtime's
//	checkpointer contract.
//
// Inputs:
//
//	ctx - Checked before the transaction starts.
//	stage - Stage index.
//	round - Completed round index.
//	params - Trainable parameters after the optimizer step.
//
// Outputs:
//
//	error - Non-nil on encoding, storage or upload failure.
func (s *Store) Save(ctx context.Context, stage, round int, params []model.Param) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context cancelled: %w", err)
	}

	prefix := roundPrefix(stage, round)
	m := manifest{Version: FormatVersion, SavedAt: time.Now().UTC()}
	err := s.db.Update(func(txn *badger.Txn) error {
		for _, p := range params {
			rec := Tensor{Name: p.Name, Shape: p.Value.Shape(), Data: p.Value.Data()}
			rec.Checksum = checksum(rec.Name, rec.Shape, rec.Data)
			val, err := json.Marshal(rec)
			if err != nil {
				return fmt.Errorf("marshal %s: %w", p.Name, err)
			}
			if err := txn.Set([]byte(prefix+"param/"+p.Name), val); err != nil {
				return fmt.Errorf("set %s: %w", p.Name, err)
			}
			m.Params = append(m.Params, p.Name)
		}
		val, err := json.Marshal(m)
		if err != nil {
			return fmt.Errorf("marshal manifest: %w", err)
		}
		return txn.Set([]byte(prefix+"manifest"), val)
	})
	if err != nil {
		return fmt.Errorf("save stage %d round %d: %w", stage, round, err)
	}

	s.logger.Debug("checkpoint saved",
		slog.Int("stage", stage),
		slog.Int("round", round),
		slog.Int("params", len(params)),
	)

	if s.keep > 0 {
		if err := s.prune(ctx, stage); err != nil {
			return err
		}
	}
	if s.uploader != nil {
		if err := s.publish(ctx, stage, round); err != nil {
			return err
		}
	}
	return nil
}

// Rounds lists the saved rounds of stage in ascending order.
func (s *Store) Rounds(ctx context.Context, stage int) ([]int, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("context cancelled: %w", err)
	}

	prefix := []byte(stagePrefix(stage))
	var rounds []int
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			key := it.Item().Key()
			if !bytes.HasSuffix(key, []byte("/manifest")) {
				continue
			}
			rest := strings.TrimPrefix(string(key), string(prefix))
			n, err := strconv.Atoi(strings.TrimSuffix(rest, "/manifest"))
			if err != nil {
				return fmt.Errorf("bad checkpoint key %q: %w", key, err)
			}
			rounds = append(rounds, n)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Ints(rounds)
	return rounds, nil
}

// Load reads round of stage and verifies every parameter.
func (s *Store) Load(ctx context.Context, stage, round int) (*Checkpoint, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("context cancelled: %w", err)
	}

	prefix := roundPrefix(stage, round)
	cp := &Checkpoint{Stage: stage, Round: round}
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(prefix + "manifest"))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("%w: stage %d round %d", ErrNoCheckpoint, stage, round)
		}
		if err != nil {
			return err
		}
		var m manifest
		if err := item.Value(func(val []byte) error { return json.Unmarshal(val, &m) }); err != nil {
			return fmt.Errorf("read manifest: %w", err)
		}
		cp.Version, cp.SavedAt = m.Version, m.SavedAt

		for _, name := range m.Params {
			item, err := txn.Get([]byte(prefix + "param/" + name))
			if err != nil {
				return fmt.Errorf("read %s: %w", name, err)
			}
			var rec Tensor
			if err := item.Value(func(val []byte) error { return json.Unmarshal(val, &rec) }); err != nil {
				return fmt.Errorf("decode %s: %w", name, err)
			}
			if checksum(rec.Name, rec.Shape, rec.Data) != rec.Checksum {
				return fmt.Errorf("%w: %s", ErrChecksum, name)
			}
			cp.Params = append(cp.Params, rec)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return cp, nil
}

// Latest loads the most recent round of stage.
func (s *Store) Latest(ctx context.Context, stage int) (*Checkpoint, error) {
	rounds, err := s.Rounds(ctx, stage)
	if err != nil {
		return nil, err
	}
	if len(rounds) == 0 {
		return nil, fmt.Errorf("%w: stage %d", ErrNoCheckpoint, stage)
	}
	return s.Load(ctx, stage, rounds[len(rounds)-1])
}

// prune deletes rounds older than the retention window.
func (s *Store) prune(ctx context.Context, stage int) error {
	rounds, err := s.Rounds(ctx, stage)
	if err != nil {
		return err
	}
	if len(rounds) <= s.keep {
		return nil
	}
	for _, round := range rounds[:len(rounds)-s.keep] {
		prefix := []byte(roundPrefix(stage, round))
		err := s.db.Update(func(txn *badger.Txn) error {
			opts := badger.DefaultIteratorOptions
			opts.PrefetchValues = false
			opts.Prefix = prefix
			it := txn.NewIterator(opts)
			var keys [][]byte
			for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
				keys = append(keys, it.Item().KeyCopy(nil))
			}
			it.Close()
			for _, k := range keys {
				if err := txn.Delete(k); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("prune stage %d round %d: %w", stage, round, err)
		}
	}
	return nil
}

// Export writes round of stage as JSON.
func (s *Store) Export(ctx context.Context, stage, round int, w io.Writer) error {
	cp, err := s.Load(ctx, stage, round)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(cp)
}

// ObjectName is the name under which an exported round is uploaded.
func ObjectName(stage, round int) string {
	return fmt.Sprintf("stage-%03d/round-%08d.json", stage, round)
}

func (s *Store) publish(ctx context.Context, stage, round int) error {
	var buf bytes.Buffer
	if err := s.Export(ctx, stage, round, &buf); err != nil {
		return fmt.Errorf("export for upload: %w", err)
	}
	name := ObjectName(stage, round)
	if err := s.uploader.Upload(ctx, name, &buf); err != nil {
		return fmt.Errorf("upload %s: %w", name, err)
	}
	s.logger.Info("checkpoint uploaded", slog.String("object", name))
	return nil
}

// Restore copies cp's values into params, matching by name.
//
// Every parameter must be present in cp with the same shape.
func Restore(cp *Checkpoint, params []model.Param) error {
	byName := make(map[string]Tensor, len(cp.Params))
	for _, t := range cp.Params {
		byName[t.Name] = t
	}
	for _, p := range params {
		t, ok := byName[p.Name]
		if !ok {
			return fmt.Errorf("%w: %s missing", ErrParamMismatch, p.Name)
		}
		if !tensor.SameShape(t.Shape, p.Value.Shape()) {
			return fmt.Errorf("%w: %s has shape %v, checkpoint %v", ErrParamMismatch, p.Name, p.Value.Shape(), t.Shape)
		}
		if err := p.Value.CopyFrom(t.Data); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrParamMismatch, p.Name, err)
		}
	}
	return nil
}
