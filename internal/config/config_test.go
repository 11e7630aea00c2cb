// Copyright ©2020 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/efi-tools/efissn/internal/config"
)

func writeDBConfig(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "db.yaml")
	require.NoError(t, os.WriteFile(path, []byte("host: dbhost\nport: 5432\nuser: efi\ndatabase: efidb\n"), 0o644))
	return path
}

func TestParseValidFamilyInput(t *testing.T) {
	dbPath := writeDBConfig(t)
	cfg, err := config.Parse([]string{"--ipro", "IPR000001", "--config", dbPath})
	require.NoError(t, err)
	assert.Equal(t, []string{"IPR000001"}, cfg.InterPro)
	assert.Equal(t, "dbhost", cfg.DB.Host)
	assert.Equal(t, 1, cfg.Fraction)
	assert.True(t, cfg.PfamOnlyVerification)
}

func TestParseRejectsNoInputSource(t *testing.T) {
	dbPath := writeDBConfig(t)
	_, err := config.Parse([]string{"--config", dbPath})
	assert.Error(t, err)
}

func TestParseRejectsMultipleInputSources(t *testing.T) {
	dbPath := writeDBConfig(t)
	_, err := config.Parse([]string{"--ipro", "IPR000001", "--fasta-file", "in.fasta", "--config", dbPath})
	assert.Error(t, err)
}

func TestParseRejectsMissingConfig(t *testing.T) {
	_, err := config.Parse([]string{"--ipro", "IPR000001"})
	assert.Error(t, err)
}

func TestParseRejectsFractionZero(t *testing.T) {
	dbPath := writeDBConfig(t)
	_, err := config.Parse([]string{"--ipro", "IPR000001", "--config", dbPath, "--fraction", "0"})
	assert.Error(t, err)
}

func TestParseRejectsSimOutOfRange(t *testing.T) {
	dbPath := writeDBConfig(t)
	_, err := config.Parse([]string{"--ipro", "IPR000001", "--config", dbPath, "--sim", "1.5"})
	assert.Error(t, err)
}

func TestParseNormalizesBareIntegerEValue(t *testing.T) {
	dbPath := writeDBConfig(t)
	cfg, err := config.Parse([]string{"--ipro", "IPR000001", "--config", dbPath, "--evalue", "5"})
	require.NoError(t, err)
	assert.InDelta(t, 1e-5, cfg.EValue, 1e-12)
}

func TestParseKeepsExplicitEValue(t *testing.T) {
	dbPath := writeDBConfig(t)
	cfg, err := config.Parse([]string{"--ipro", "IPR000001", "--config", dbPath, "--evalue", "1e-10"})
	require.NoError(t, err)
	assert.InDelta(t, 1e-10, cfg.EValue, 1e-20)
}

func TestParseRejectsUnknownSchedulerValue(t *testing.T) {
	dbPath := writeDBConfig(t)
	_, err := config.Parse([]string{"--ipro", "IPR000001", "--config", dbPath, "--scheduler", "lsf"})
	assert.Error(t, err)
}

func TestParseSlurmScheduler(t *testing.T) {
	dbPath := writeDBConfig(t)
	cfg, err := config.Parse([]string{"--ipro", "IPR000001", "--config", dbPath, "--scheduler", "slurm"})
	require.NoError(t, err)
	assert.Equal(t, config.Slurm, cfg.Scheduler)
}

func TestParseRejectsInvalidBlastTool(t *testing.T) {
	dbPath := writeDBConfig(t)
	_, err := config.Parse([]string{"--ipro", "IPR000001", "--config", dbPath, "--blast", "hmmer"})
	assert.Error(t, err)
}

func TestParseAcceptsEveryBlastToolVariant(t *testing.T) {
	dbPath := writeDBConfig(t)
	for _, tool := range []string{"blast", "blast+", "blast+simple", "diamond", "diamondsensitive"} {
		cfg, err := config.Parse([]string{"--ipro", "IPR000001", "--config", dbPath, "--blast", tool})
		require.NoError(t, err)
		assert.Equal(t, tool, cfg.BlastTool)
	}
}
