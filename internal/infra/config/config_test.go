package config

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := Defaults()

	assert.Equal(t, 1024*1024, cfg.Process.OutputBufferMax)
	assert.Equal(t, 3*time.Second, cfg.Process.TerminateGrace)
	assert.Equal(t, "info", cfg.Logger.Level)
	assert.NotEmpty(t, cfg.Shell.Executable)
	assert.False(t, cfg.Tracer.Enabled)
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Defaults(), cfg)
}

func TestLoadPartialFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := `
shell:
  executable: /bin/bash
  env:
    FOO: bar
process:
  terminate_grace: 5s
logger:
  level: debug
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/bin/bash", cfg.Shell.Executable)
	assert.Equal(t, "bar", cfg.Shell.Env["FOO"])
	assert.Equal(t, 5*time.Second, cfg.Process.TerminateGrace)
	assert.Equal(t, "debug", cfg.Logger.Level)
	// Unset values are backfilled.
	assert.Equal(t, 1024*1024, cfg.Process.OutputBufferMax)
	assert.Equal(t, "text", cfg.Logger.Format)
}

func TestLoadMalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("shell: ["), 0o600))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestDefaultShell(t *testing.T) {
	if runtime.GOOS == "windows" {
		assert.Equal(t, "cmd.exe", DefaultShell())
		return
	}
	t.Setenv("SHELL", "/usr/bin/zsh")
	assert.Equal(t, "/usr/bin/zsh", DefaultShell())

	t.Setenv("SHELL", "")
	assert.Equal(t, "/bin/sh", DefaultShell())
}
