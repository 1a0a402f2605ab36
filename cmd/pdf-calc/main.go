// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command pdf-calc consumes a gray-scott output stream and reduces the
// U and V fields of every step to per-slice probability density
// histograms.
//
// Usage:
//
//	pdf-calc <input> <output> [nbins] [yes]
//
// input and output are stream targets interpreted by the selected
// engine (a store directory for badgerkv, an address for socket).
// nbins sets the histogram resolution, default 1000. A literal "yes"
// as the fourth argument republishes the raw fields alongside the
// histograms.
package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/grayscott/pkg/logging"
	"github.com/AleutianAI/grayscott/services/analysis"
	"github.com/AleutianAI/grayscott/services/stream"

	_ "github.com/AleutianAI/grayscott/services/stream/badgerkv"
	_ "github.com/AleutianAI/grayscott/services/stream/memq"
	_ "github.com/AleutianAI/grayscott/services/stream/socket"
)

var (
	flagEngine  string
	flagRanks   int
	flagVerbose bool
	flagQuiet   bool
)

var rootCmd = &cobra.Command{
	Use:   "pdf-calc <input> <output> [nbins] [yes]",
	Short: "Reduce a simulation output stream to per-slice histograms",
	Long: `Consumes U and V fields from a gray-scott output stream and publishes,
for every step, one histogram per z-slice of each field together with
the shared bin edges.

Examples:
  pdf-calc gs.bp pdf.bp
  pdf-calc gs.bp pdf.bp 200
  pdf-calc --engine socket localhost:9876 pdf.bp 1000 yes`,
	RunE: runAnalysis,

	SilenceUsage: true,
}

func init() {
	rootCmd.Flags().StringVar(&flagEngine, "engine", "badgerkv", "stream engine for input and output")
	rootCmd.Flags().IntVar(&flagRanks, "ranks", 1, "number of analysis workers")
	rootCmd.Flags().BoolVarP(&flagVerbose, "verbose", "v", false, "enable debug logging")
	rootCmd.Flags().BoolVarP(&flagQuiet, "quiet", "q", false, "suppress console logging")
}

func runAnalysis(cmd *cobra.Command, args []string) error {
	// Too few arguments prints usage and exits cleanly, matching the
	// conventions of the workflow scripts driving this tool.
	if len(args) < 2 {
		return cmd.Usage()
	}

	cfg := analysis.Config{
		Input:  stream.Config{Engine: flagEngine, Target: args[0]},
		Output: stream.Config{Engine: flagEngine, Target: args[1]},
		Ranks:  flagRanks,
	}
	if len(args) > 2 {
		nbins, err := strconv.Atoi(args[2])
		if err != nil || nbins < 1 {
			return fmt.Errorf("nbins must be a positive integer, got %q", args[2])
		}
		cfg.Bins = nbins
	}
	if len(args) > 3 {
		cfg.Passthrough = args[3] == "yes"
	}

	level := logging.LevelInfo
	if flagVerbose {
		level = logging.LevelDebug
	}
	logger := logging.New(logging.Config{
		Level:   level,
		Service: "pdf-calc",
		Quiet:   flagQuiet,
	})
	defer logger.Close()

	if err := analysis.Run(cfg, logger.Slog()); err != nil {
		logger.Error("analysis failed", "error", err)
		return err
	}
	logger.Info("analysis complete")
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
