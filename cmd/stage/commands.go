// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/attribute"

	"github.com/AleutianAI/AleutianPipeline/pkg/logging"
	"github.com/AleutianAI/AleutianPipeline/services/pipeline/config"
	"github.com/AleutianAI/AleutianPipeline/services/pipeline/launch"
	"github.com/AleutianAI/AleutianPipeline/services/pipeline/telemetry"
)

const shutdownTimeout = 5 * time.Second

// globalFlags are shared by every subcommand.
type globalFlags struct {
	configPath string
	logLevel   string
	jsonOut    bool
}

func newRootCmd() *cobra.Command {
	var flags globalFlags

	root := &cobra.Command{
		Use:           "stage",
		Short:         "Run pipeline-parallel training stages",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "pipeline.yaml", "Path to the run configuration")
	root.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "Override logging.level (debug, info, warn, error)")
	root.PersistentFlags().BoolVar(&flags.jsonOut, "json", false, "Print reports as JSON")

	root.AddCommand(newRunCmd(&flags), newLocalCmd(&flags), newValidateCmd(&flags))
	return root
}

func newRunCmd(flags *globalFlags) *cobra.Command {
	var rank int
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one stage linked to its neighbor processes",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}
			rc, err := config.NewRunContext(cfg, rank, true)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			opts, cleanup, err := setup(ctx, cfg, rc.RunID,
				attribute.Int("pipeline.stage", rank),
				attribute.Int("pipeline.total_stages", cfg.Pipeline.Stages),
			)
			if err != nil {
				return err
			}
			defer cleanup()
			logger := opts.Logger

			report, err := launch.RunStage(ctx, rc, launch.StageOptions{Options: opts})
			if report != nil {
				if perr := printReports(cmd.OutOrStdout(), flags.jsonOut, []*launch.Report{report}); perr != nil {
					logger.Warn("Failed to print report", slog.String("error", perr.Error()))
				}
			}
			if err != nil {
				logger.Error("Stage failed", slog.String("error", err.Error()))
				return err
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&rank, "rank", "r", 0, "Index of this stage in the pipeline")
	return cmd
}

func newLocalCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "local",
		Short: "Run every stage in this process over in-memory links",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			opts, cleanup, err := setup(ctx, cfg, cfg.RunID,
				attribute.Int("pipeline.total_stages", cfg.Pipeline.Stages))
			if err != nil {
				return err
			}
			defer cleanup()
			logger := opts.Logger

			reports, err := launch.RunLocal(ctx, cfg, opts)
			if perr := printReports(cmd.OutOrStdout(), flags.jsonOut, reports); perr != nil {
				logger.Warn("Failed to print report", slog.String("error", perr.Error()))
			}
			return err
		},
	}
}

func newValidateCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check a run configuration without starting any stage",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}
			for rank := 0; rank < cfg.Pipeline.Stages; rank++ {
				if _, err := config.NewRunContext(cfg, rank, len(cfg.Network.Peers) > 0); err != nil {
					return fmt.Errorf("stage %d: %w", rank, err)
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %d stages, %d microbatches, %d rounds, variant %s\n",
				flags.configPath, cfg.Pipeline.Stages, cfg.Pipeline.Microbatches,
				cfg.Pipeline.Iterations, cfg.Variant())
			return nil
		},
	}
}

func loadConfig(flags *globalFlags) (*config.RunConfig, error) {
	cfg, err := config.Load(flags.configPath)
	if err != nil {
		return nil, err
	}
	if flags.logLevel != "" {
		if _, err := logging.ParseLevel(flags.logLevel); err != nil {
			return nil, err
		}
		cfg.Logging.Level = flags.logLevel
	}
	return cfg, nil
}

// setup builds the process logger and telemetry. The returned options
// carry the logger and, when enabled, the recent-log buffer.
func setup(ctx context.Context, cfg *config.RunConfig, runID string, attrs ...attribute.KeyValue) (launch.Options, func(), error) {
	lc := cfg.LoggerConfig("stage")
	var recent *logging.BufferedExporter
	if cfg.Logging.Recent > 0 {
		recent = logging.NewBufferedExporter(cfg.Logging.Recent)
		lc.Exporter = recent
	}
	lg, err := logging.New(lc)
	if err != nil {
		return launch.Options{}, nil, err
	}
	logger := lg.Slog()
	slog.SetDefault(logger)
	gin.SetMode(ginMode(lc.Level))

	if runID != "" {
		attrs = append(attrs, attribute.String("pipeline.run_id", runID))
	}
	shutdown, err := telemetry.Init(ctx, cfg.Telemetry, attrs...)
	if err != nil {
		_ = lg.Close()
		return launch.Options{}, nil, err
	}

	cleanup := func() {
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		if err := shutdown(sctx); err != nil {
			logger.Warn("Telemetry shutdown failed", slog.String("error", err.Error()))
		}
		_ = lg.Close()
	}
	opts := launch.Options{Logger: logger}
	if recent != nil {
		opts.Logs = recent
	}
	return opts, cleanup, nil
}

// ginMode keeps gin's route and request debug output for debug logging only.
func ginMode(level logging.Level) string {
	if level == logging.LevelDebug {
		return gin.DebugMode
	}
	return gin.ReleaseMode
}

func printReports(w io.Writer, asJSON bool, reports []*launch.Report) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(reports)
	}
	for _, r := range reports {
		if r == nil {
			continue
		}
		for _, res := range r.Rounds {
			if len(res.Losses) == 0 {
				fmt.Fprintf(w, "stage %d round %d: %d microbatches in %s\n",
					r.Stage, res.Round, res.Microbatches, res.Duration)
				continue
			}
			fmt.Fprintf(w, "stage %d round %d: mean loss %.6f over %d microbatches in %s\n",
				r.Stage, res.Round, res.MeanLoss, res.Microbatches, res.Duration)
		}
	}
	return nil
}
