package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qtsw/matrixcore/config"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
matrix:
  analyzer_runs_dir: /data/analyzer_runs
`)
	cfg, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, 35, cfg.Matrix.RollingWindow)
	assert.Equal(t, 3, cfg.Matrix.MaxRetries)
	assert.Equal(t, "output/master_matrix", cfg.Matrix.OutputDir)
	assert.Equal(t, "matrixcore.db", cfg.Storage.DSN)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Len(t, cfg.Matrix.Instruments, 6)
}

func TestLoadRejectsMissingFile(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestStreamConfigsConvertsExcludeTimes(t *testing.T) {
	path := writeConfig(t, `
matrix:
  analyzer_runs_dir: /data/analyzer_runs
streams:
  ES1:
    exclude_times: ["8:0", "09:30"]
    exclude_days_of_week: ["Friday"]
    critical: true
`)
	cfg, err := config.Load(path)
	require.NoError(t, err)

	streamCfgs := cfg.StreamConfigs()
	es1 := streamCfgs["ES1"]
	_, excluded := es1.ExcludeTimes["08:00"]
	assert.True(t, excluded)
	_, excludedDow := es1.ExcludeDaysOfWeek["friday"]
	assert.True(t, excludedDow)

	critical := cfg.CriticalStreamSet()
	_, ok := critical["ES1"]
	assert.True(t, ok)
}

func TestEnvOverridesWinOverYAML(t *testing.T) {
	path := writeConfig(t, `
matrix:
  analyzer_runs_dir: /data/analyzer_runs
log:
  level: info
`)
	t.Setenv("LOG_LEVEL", "debug")
	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Log.Level)
}
