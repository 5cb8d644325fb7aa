package config

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "claude", cfg.Program)
	assert.Equal(t, 3, cfg.Breaker.FailureThreshold)
	assert.Equal(t, 2, cfg.Breaker.SuccessThreshold)
	assert.Equal(t, 60*time.Second, cfg.Breaker.RecoveryTimeout)
}

func TestLoadFromYAMLOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yamlData := `
program: aider
max_agents: 4
breaker:
  failure_threshold: 5
  recovery_timeout: 90s
retry:
  base_delay: 500ms
monitor:
  interval: 10s
`
	require.NoError(t, os.WriteFile(path, []byte(yamlData), 0644))

	cfg, err := LoadFrom(path)
	require.NoError(t, err)
	assert.Equal(t, "aider", cfg.Program)
	assert.Equal(t, 4, cfg.MaxAgents)
	assert.Equal(t, 5, cfg.Breaker.FailureThreshold)
	assert.Equal(t, 90*time.Second, cfg.Breaker.RecoveryTimeout)
	assert.Equal(t, 500*time.Millisecond, cfg.Retry.BaseDelay)
	assert.Equal(t, 10*time.Second, cfg.Monitor.Interval)
	// untouched fields keep defaults
	assert.Equal(t, 2, cfg.Breaker.SuccessThreshold)
}

func TestLoadFromMissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadFrom(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().MaxAgents, cfg.MaxAgents)
}

func TestLoadFromMalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("max_agents: [oops"), 0644))
	_, err := LoadFrom(path)
	assert.Error(t, err)
}

func TestEnvOverridesYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("max_agents: 4\n"), 0644))
	t.Setenv("SQUADRON_MAX_AGENTS", "7")
	t.Setenv("SQUADRON_MONITOR_INTERVAL", "2s")
	t.Setenv("SQUADRON_RETRY_MAX_ATTEMPTS", "not-a-number")

	cfg, err := LoadFrom(path)
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.MaxAgents)
	assert.Equal(t, 2*time.Second, cfg.Monitor.Interval)
	assert.Equal(t, 3, cfg.Retry.MaxAttempts)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxAgents = 0
	cfg.Pool.ScaleDownThreshold = 0.9
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max_agents")
	assert.Contains(t, err.Error(), "scale_down_threshold")
}

func TestSaveConfigRoundTrip(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	cfg := DefaultConfig()
	cfg.Program = "claude --dangerously-skip-permissions"
	require.NoError(t, SaveConfig(cfg))

	path, err := ConfigPath()
	require.NoError(t, err)
	loaded, err := LoadFrom(path)
	require.NoError(t, err)
	assert.Equal(t, cfg.Program, loaded.Program)
	assert.Equal(t, cfg.Breaker.RecoveryTimeout, loaded.Breaker.RecoveryTimeout)
}

func TestResolveProgram(t *testing.T) {
	dir := t.TempDir()
	bin := filepath.Join(dir, "claude")
	require.NoError(t, os.WriteFile(bin, []byte("#!/bin/sh\necho mock\n"), 0755))

	t.Run("finds program in PATH", func(t *testing.T) {
		t.Setenv("PATH", dir)
		path, err := ResolveProgram("claude --verbose")
		require.NoError(t, err)
		assert.Equal(t, bin, path)
	})

	t.Run("missing program", func(t *testing.T) {
		t.Setenv("PATH", t.TempDir())
		_, err := ResolveProgram("claude")
		assert.Error(t, err)
	})

	t.Run("empty program", func(t *testing.T) {
		_, err := ResolveProgram("  ")
		assert.Error(t, err)
	})
}

func TestWriteFileWithKeepsOriginalOnFailure(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "state.pid")
	require.NoError(t, AtomicWriteFile(path, []byte("4242"), 0600))

	err := WriteFileWith(path, 0600, func(w io.Writer) error {
		w.Write([]byte("12"))
		return errors.New("disk full")
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "4242", string(data))

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp file left behind")
}
