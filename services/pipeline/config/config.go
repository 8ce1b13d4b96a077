// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads the run configuration shared by every stage of a
// pipeline.
//
// One YAML file describes the whole pipeline; each process selects its
// own position with a rank. The decoded RunConfig is built once at
// startup and handed to the constructors that need it.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/AleutianPipeline/pkg/logging"
	"github.com/AleutianAI/AleutianPipeline/services/pipeline/model"
	"github.com/AleutianAI/AleutianPipeline/services/pipeline/telemetry"
	"github.com/AleutianAI/AleutianPipeline/services/pipeline/topology"
)

var (
	// ErrInvalidConfig wraps every validation failure that is not a
	// topology or mode error.
	ErrInvalidConfig = errors.New("invalid run configuration")

	// ErrMissingPeer is returned when a neighbor's address is not configured.
	ErrMissingPeer = errors.New("missing peer address")
)

var validate = validator.New()

// RunConfig is the full configuration of a pipeline run.
type RunConfig struct {
	// RunID labels logs, spans and checkpoints. Generated when empty.
	RunID string `yaml:"run_id" json:"run_id"`

	Pipeline   PipelineConfig   `yaml:"pipeline" json:"pipeline"`
	Model      ModelConfig      `yaml:"model" json:"model"`
	Optimizer  OptimizerConfig  `yaml:"optimizer" json:"optimizer"`
	Network    NetworkConfig    `yaml:"network" json:"network"`
	Checkpoint CheckpointConfig `yaml:"checkpoint" json:"checkpoint"`
	Logging    LoggingConfig    `yaml:"logging" json:"logging"`
	Telemetry  telemetry.Config `yaml:"telemetry" json:"telemetry"`
}

// PipelineConfig sizes the schedule.
type PipelineConfig struct {
	// Stages is the total number of stage processes.
	Stages int `yaml:"stages" json:"stages"`

	// Microbatches per round.
	Microbatches int `yaml:"microbatches" json:"microbatches" validate:"gt=0"`

	// Iterations is the number of rounds to train.
	Iterations int `yaml:"iterations" json:"iterations" validate:"gt=0"`

	// Variant is "plain", "side" or "side-only".
	Variant string `yaml:"variant" json:"variant" validate:"required"`
}

// ModelConfig configures the reference units and data.
type ModelConfig struct {
	Dims model.Dims `yaml:"dims" json:"dims"`

	// Seed initialises parameters and synthetic data.
	Seed int64 `yaml:"seed" json:"seed"`

	// Batches limits the synthetic iterator. Zero is unlimited.
	Batches int `yaml:"batches" json:"batches" validate:"gte=0"`
}

// OptimizerConfig configures SGD.
type OptimizerConfig struct {
	LearningRate float64 `yaml:"learning_rate" json:"learning_rate" validate:"gt=0"`
}

// NetworkConfig describes how stage processes reach each other.
type NetworkConfig struct {
	// Peers holds one host:port per stage, indexed by rank. Stage k
	// listens on Peers[k] and dials Peers[k+1].
	Peers []string `yaml:"peers" json:"peers" validate:"omitempty,dive,hostname_port"`

	// Listen overrides this stage's listen address.
	Listen string `yaml:"listen" json:"listen" validate:"omitempty,hostname_port"`

	// DialInterval paces connection attempts to the successor.
	DialInterval time.Duration `yaml:"dial_interval" json:"dial_interval" validate:"gte=0"`

	// MaxDialAttempts bounds the dial loop. Zero retries until shutdown.
	MaxDialAttempts int `yaml:"max_dial_attempts" json:"max_dial_attempts" validate:"gte=0"`

	// ShapeCheck verifies every tensor against the expected shapes.
	ShapeCheck bool `yaml:"shape_check" json:"shape_check"`

	// History is the number of transport events kept for the status page.
	History int `yaml:"history" json:"history" validate:"gte=0"`
}

// CheckpointConfig configures per-round parameter checkpoints.
type CheckpointConfig struct {
	Enabled    bool          `yaml:"enabled" json:"enabled"`
	Dir        string        `yaml:"dir" json:"dir" validate:"required_if=Enabled true InMemory false"`
	InMemory   bool          `yaml:"in_memory" json:"in_memory"`
	Keep       int           `yaml:"keep" json:"keep" validate:"gte=0"`
	GCInterval time.Duration `yaml:"gc_interval" json:"gc_interval" validate:"gte=0"`

	// Resume restores the latest round every stage checkpointed before
	// training. ResumeRound pins the round instead.
	Resume      bool `yaml:"resume" json:"resume"`
	ResumeRound *int `yaml:"resume_round" json:"resume_round,omitempty" validate:"omitempty,gte=0"`

	GCS GCSConfig `yaml:"gcs" json:"gcs"`
}

// GCSConfig enables uploading exported checkpoints.
type GCSConfig struct {
	Bucket  string `yaml:"bucket" json:"bucket"`
	Prefix  string `yaml:"prefix" json:"prefix"`
	KeyPath string `yaml:"key_path" json:"key_path"`
}

// LoggingConfig configures pkg/logging.
type LoggingConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format" validate:"omitempty,oneof=auto text json"`
	Dir    string `yaml:"dir" json:"dir"`

	// Recent is how many log entries a stage keeps for its logs endpoint.
	// Zero disables the endpoint.
	Recent int `yaml:"recent" json:"recent" validate:"gte=0"`
}

// DefaultConfig returns a runnable three-stage side-tuning configuration.
func DefaultConfig() *RunConfig {
	return &RunConfig{
		Pipeline: PipelineConfig{
			Stages:       3,
			Microbatches: 2,
			Iterations:   1,
			Variant:      model.Side.String(),
		},
		Model: ModelConfig{
			Dims: model.Dims{Input: 8, Hidden: 16, Side: 4, Classes: 2, Batch: 4},
			Seed: 1,
		},
		Optimizer: OptimizerConfig{LearningRate: 0.05},
		Network: NetworkConfig{
			DialInterval: 500 * time.Millisecond,
			ShapeCheck:   true,
			History:      256,
		},
		Checkpoint: CheckpointConfig{Keep: 3, GCInterval: 10 * time.Minute},
		Logging:    LoggingConfig{Level: "info", Format: "auto", Recent: 200},
		Telemetry:  telemetry.DefaultConfig(),
	}
}

// Load reads and validates a YAML file. Unset fields keep their
// DefaultConfig values.
func Load(path string) (*RunConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes and validates YAML. Unknown keys are rejected.
func Parse(data []byte) (*RunConfig, error) {
	cfg := DefaultConfig()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("%w: decode yaml: %v", ErrInvalidConfig, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks struct tags and the cross-field rules.
//
// Outputs:
//
//	error - topology.ErrInvalidTopology for fewer than two stages,
//	model.ErrUnsupportedMode for side-only, ErrInvalidConfig otherwise.
func (c *RunConfig) Validate() error {
	if c.Pipeline.Stages < 2 {
		return fmt.Errorf("%w: pipeline needs at least 2 stages, got %d", topology.ErrInvalidTopology, c.Pipeline.Stages)
	}
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, describe(err))
	}
	v, err := model.ParseVariant(c.Pipeline.Variant)
	if err != nil {
		return err
	}
	if err := v.Supported(); err != nil {
		return err
	}
	if n := len(c.Network.Peers); n != 0 && n != c.Pipeline.Stages {
		return fmt.Errorf("%w: %d peers for %d stages", ErrInvalidConfig, n, c.Pipeline.Stages)
	}
	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return nil
}

// describe flattens validator errors into "Field: tag" pairs.
func describe(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		parts = append(parts, fmt.Sprintf("%s: %s", fe.Namespace(), fe.Tag()))
	}
	return strings.Join(parts, "; ")
}

// Clone returns a deep copy, for processes that override per-stage fields.
func (c *RunConfig) Clone() *RunConfig {
	out := *c
	out.Network.Peers = append([]string(nil), c.Network.Peers...)
	if c.Checkpoint.ResumeRound != nil {
		r := *c.Checkpoint.ResumeRound
		out.Checkpoint.ResumeRound = &r
	}
	return &out
}

// Variant returns the parsed model variant. Call after Validate.
func (c *RunConfig) Variant() model.Variant {
	v, _ := model.ParseVariant(c.Pipeline.Variant)
	return v
}

// ListenAddr returns the address stage rank serves on.
func (c *RunConfig) ListenAddr(rank int) (string, error) {
	if c.Network.Listen != "" {
		return c.Network.Listen, nil
	}
	if rank < 0 || rank >= len(c.Network.Peers) {
		return "", fmt.Errorf("%w: no listen address for stage %d", ErrMissingPeer, rank)
	}
	return c.Network.Peers[rank], nil
}

// SuccessorAddr returns the address of stage rank+1.
func (c *RunConfig) SuccessorAddr(rank int) (string, error) {
	next := rank + 1
	if next >= c.Pipeline.Stages {
		return "", fmt.Errorf("%w: stage %d is last", ErrMissingPeer, rank)
	}
	if next >= len(c.Network.Peers) || c.Network.Peers[next] == "" {
		return "", fmt.Errorf("%w: successor %d of stage %d", ErrMissingPeer, next, rank)
	}
	return c.Network.Peers[next], nil
}

// RunContext is the per-process view of a run: the shared config plus
// this process's position.
type RunContext struct {
	RunID    string
	Rank     int
	Topology topology.Topology
	Config   *RunConfig
}

// NewRunContext binds cfg to a rank.
//
// Description:
//
//	Validates that rank is a position in the pipeline. When networked is
//	true, the stage's listen address and its successor's address must be
//	configured.
//
// Outputs:
//
//	*RunContext - The bound context.
//	error - topology.ErrInvalidTopology or ErrMissingPeer.
func NewRunContext(cfg *RunConfig, rank int, networked bool) (*RunContext, error) {
	topo, err := topology.New(rank, cfg.Pipeline.Stages)
	if err != nil {
		return nil, err
	}
	if networked {
		if _, err := cfg.ListenAddr(rank); err != nil && !topo.IsFirst() {
			return nil, err
		}
		if !topo.IsLast() {
			if _, err := cfg.SuccessorAddr(rank); err != nil {
				return nil, err
			}
		}
	}
	runID := cfg.RunID
	if runID == "" {
		runID = uuid.NewString()
	}
	return &RunContext{RunID: runID, Rank: rank, Topology: topo, Config: cfg}, nil
}

// LoggerConfig converts the logging section for pkg/logging.
func (c *RunConfig) LoggerConfig(service string) logging.Config {
	level, _ := logging.ParseLevel(c.Logging.Level)
	format := logging.Format(c.Logging.Format)
	if format == "" {
		format = logging.FormatAuto
	}
	return logging.Config{
		Level:   level,
		Format:  format,
		LogDir:  c.Logging.Dir,
		Service: service,
	}
}
