// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package simulation implements the Gray-Scott reaction-diffusion model on
// a domain-decomposed 3D grid: topology, field state with halo exchange,
// the explicit finite-difference stepper, checkpointing, output writing
// and per-run performance metrics.
package simulation

import (
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// BoundaryPolicy selects how ghost cells at the global domain boundary
// are filled.
type BoundaryPolicy string

const (
	// BoundaryPeriodic wraps the domain: the last slab's successor is
	// the first slab, and the in-plane axes wrap locally.
	BoundaryPeriodic BoundaryPolicy = "periodic"

	// BoundaryFixedZero keeps global boundary ghosts at zero.
	BoundaryFixedZero BoundaryPolicy = "fixed-zero"
)

// Settings is the full configuration surface of the simulation binary.
//
// The YAML layout mirrors the original tutorial's settings file, with the
// storage engine selection added under "engine".
//
// Thread Safety: safe to read concurrently. Not safe to modify after load.
type Settings struct {
	// L is the global cubic grid edge length.
	L int `yaml:"L" validate:"required,min=1"`

	// Procs is the number of simulation ranks.
	Procs int `yaml:"procs" validate:"required,min=1"`

	// Steps is the total number of simulation steps.
	Steps int `yaml:"steps" validate:"required,min=1"`

	// PlotGap is the output cadence: every PlotGap-th step is streamed.
	PlotGap int `yaml:"plotgap" validate:"required,min=1"`

	// F is the feed rate of the Gray-Scott model.
	F float64 `yaml:"F"`

	// K is the kill rate of the Gray-Scott model.
	K float64 `yaml:"k"`

	// Dt is the explicit integration timestep.
	Dt float64 `yaml:"dt"`

	// Du is the diffusion coefficient of U.
	Du float64 `yaml:"Du"`

	// Dv is the diffusion coefficient of V.
	Dv float64 `yaml:"Dv"`

	// Noise scales the bounded random perturbation added to U each step.
	// Zero disables noise and makes runs deterministic.
	Noise float64 `yaml:"noise"`

	// Boundary selects the global boundary policy.
	Boundary BoundaryPolicy `yaml:"boundary" validate:"omitempty,oneof=periodic fixed-zero"`

	// Output is the primary output stream target (path or address,
	// interpreted by the selected engine).
	Output string `yaml:"output" validate:"required"`

	// Engine selects the storage engine backing the output stream.
	Engine string `yaml:"engine"`

	// EngineParams holds engine-specific parameters.
	EngineParams map[string]string `yaml:"engine_params"`

	// Checkpoint enables periodic checkpointing.
	Checkpoint bool `yaml:"checkpoint"`

	// CheckpointFreq is the checkpoint cadence in steps.
	CheckpointFreq int `yaml:"checkpoint_freq" validate:"omitempty,min=1"`

	// CheckpointOutput is the checkpoint store directory.
	CheckpointOutput string `yaml:"checkpoint_output"`

	// Restart resumes from the latest checkpoint record.
	Restart bool `yaml:"restart"`

	// LogDir enables file logging when set.
	LogDir string `yaml:"log_dir"`

	// MetricsCSV, when set, receives a per-step timing CSV at shutdown.
	// Writing it is advisory; failures never abort the run.
	MetricsCSV string `yaml:"metrics_csv"`
}

// DefaultSettings returns the parameter defaults of the original tutorial.
func DefaultSettings() Settings {
	return Settings{
		L:                128,
		Procs:            1,
		Steps:            20000,
		PlotGap:          200,
		F:                0.04,
		K:                0.06,
		Dt:               0.2,
		Du:               0.2,
		Dv:               0.1,
		Noise:            0.0,
		Boundary:         BoundaryPeriodic,
		Output:           "gs.bp",
		Engine:           "badgerkv",
		Checkpoint:       false,
		CheckpointFreq:   2000,
		CheckpointOutput: "ckpt.bp",
	}
}

// LoadSettings reads and validates a YAML settings file.
//
// Description:
//
//	Applies DefaultSettings, overlays the file contents, then validates.
//	Any failure here is a configuration error: the caller must report it
//	and exit before any simulation work begins.
//
// Inputs:
//
//	path - Settings file path.
//
// Outputs:
//
//	Settings - The validated settings.
//	error - Non-nil on read, parse or validation failure.
func LoadSettings(path string) (Settings, error) {
	s := DefaultSettings()

	data, err := os.ReadFile(path)
	if err != nil {
		return s, fmt.Errorf("read settings %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &s); err != nil {
		return s, fmt.Errorf("parse settings %s: %w", path, err)
	}
	if err := s.Validate(); err != nil {
		return s, err
	}
	return s, nil
}

// Validate checks field constraints and cross-field consistency.
func (s Settings) Validate() error {
	if err := validator.New().Struct(s); err != nil {
		return fmt.Errorf("invalid settings: %w", err)
	}
	if s.Boundary != "" && s.Boundary != BoundaryPeriodic && s.Boundary != BoundaryFixedZero {
		return fmt.Errorf("invalid settings: unknown boundary policy %q", s.Boundary)
	}
	if s.Checkpoint && s.CheckpointOutput == "" {
		return fmt.Errorf("invalid settings: checkpoint enabled but checkpoint_output is empty")
	}
	if s.Restart && s.CheckpointOutput == "" {
		return fmt.Errorf("invalid settings: restart requested but checkpoint_output is empty")
	}
	if s.Procs > s.L {
		return fmt.Errorf("invalid settings: %d ranks cannot partition edge length %d", s.Procs, s.L)
	}
	return nil
}
