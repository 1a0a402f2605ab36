// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command gray-scott runs the 3D Gray-Scott reaction-diffusion
// simulation described by a YAML settings file.
//
// Usage:
//
//	gray-scott settings.yaml
//
// The settings file selects grid size, rank count, model parameters,
// the output stream engine and optional checkpointing. See
// services/simulation.Settings for the full surface.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/grayscott/pkg/logging"
	"github.com/AleutianAI/grayscott/services/simulation"

	_ "github.com/AleutianAI/grayscott/services/stream/badgerkv"
	_ "github.com/AleutianAI/grayscott/services/stream/memq"
	_ "github.com/AleutianAI/grayscott/services/stream/socket"
)

var (
	flagVerbose bool
	flagQuiet   bool
)

var rootCmd = &cobra.Command{
	Use:   "gray-scott <settings.yaml>",
	Short: "Run the 3D Gray-Scott reaction-diffusion simulation",
	Long: `Runs the Gray-Scott reaction-diffusion model on a 3D periodic grid,
decomposed into slabs across a group of simulation ranks. Every plotgap
steps the U and V fields are published to the configured output stream,
where an analysis consumer (see pdf-calc) can pick them up live or
after the run.

Examples:
  gray-scott settings.yaml
  gray-scott --verbose settings.yaml`,
	Args: cobra.ExactArgs(1),
	RunE: runSimulation,

	SilenceUsage: true,
}

func init() {
	rootCmd.Flags().BoolVarP(&flagVerbose, "verbose", "v", false, "enable debug logging")
	rootCmd.Flags().BoolVarP(&flagQuiet, "quiet", "q", false, "suppress console logging")
}

func runSimulation(cmd *cobra.Command, args []string) error {
	settings, err := simulation.LoadSettings(args[0])
	if err != nil {
		return err
	}

	level := logging.LevelInfo
	if flagVerbose {
		level = logging.LevelDebug
	}
	logger := logging.New(logging.Config{
		Level:   level,
		LogDir:  settings.LogDir,
		Service: "gray-scott",
		Quiet:   flagQuiet,
	})
	defer logger.Close()

	if err := simulation.Run(settings, logger.Slog()); err != nil {
		logger.Error("simulation failed", "error", err)
		return err
	}
	logger.Info("simulation complete")
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
