// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package simulation

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeSettings(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "settings.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

// TestLoadSettingsOverlaysDefaults verifies file values override the
// defaults while unset fields keep them.
func TestLoadSettingsOverlaysDefaults(t *testing.T) {
	path := writeSettings(t, `
L: 64
procs: 4
steps: 500
plotgap: 50
noise: 0.01
output: out.bp
engine: memq
`)
	s, err := LoadSettings(path)
	require.NoError(t, err)

	assert.Equal(t, 64, s.L)
	assert.Equal(t, 4, s.Procs)
	assert.Equal(t, 500, s.Steps)
	assert.Equal(t, 50, s.PlotGap)
	assert.Equal(t, 0.01, s.Noise)
	assert.Equal(t, "memq", s.Engine)

	defaults := DefaultSettings()
	assert.Equal(t, defaults.F, s.F)
	assert.Equal(t, defaults.Dt, s.Dt)
	assert.Equal(t, defaults.Boundary, s.Boundary)
}

// TestLoadSettingsMissingFile verifies a missing file is an error.
func TestLoadSettingsMissingFile(t *testing.T) {
	_, err := LoadSettings(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

// TestValidateCrossFieldRules verifies the configuration rules that
// span multiple fields.
func TestValidateCrossFieldRules(t *testing.T) {
	base := DefaultSettings()

	t.Run("too many ranks", func(t *testing.T) {
		s := base
		s.L = 4
		s.Procs = 8
		assert.Error(t, s.Validate())
	})

	t.Run("checkpoint without store", func(t *testing.T) {
		s := base
		s.Checkpoint = true
		s.CheckpointOutput = ""
		assert.Error(t, s.Validate())
	})

	t.Run("restart without store", func(t *testing.T) {
		s := base
		s.Restart = true
		s.CheckpointOutput = ""
		assert.Error(t, s.Validate())
	})

	t.Run("unknown boundary", func(t *testing.T) {
		s := base
		s.Boundary = "reflecting"
		assert.Error(t, s.Validate())
	})

	t.Run("defaults are valid", func(t *testing.T) {
		assert.NoError(t, base.Validate())
	})
}
