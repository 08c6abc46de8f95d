package config

import (
	"fmt"
	"os"
	"runtime"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level application configuration.
type Config struct {
	Computer ComputerConfig `yaml:"computer"`
	Shell    ShellConfig    `yaml:"shell"`
	Process  ProcessConfig  `yaml:"process"`
	Logger   LoggerConfig   `yaml:"logger"`
	Tracer   TracerConfig   `yaml:"tracer"`
}

// ComputerConfig holds settings for the local computer backend.
type ComputerConfig struct {
	// OneShotTimeout bounds synchronous ExecuteCommand/RunProcess calls
	// when the caller does not pass an explicit timeout.
	OneShotTimeout time.Duration `yaml:"one_shot_timeout"`
}

// ShellConfig holds settings for interactive shell sessions.
type ShellConfig struct {
	Executable string            `yaml:"executable"` // empty = platform default ($SHELL, /bin/sh, cmd.exe)
	WorkDir    string            `yaml:"workdir"`
	Env        map[string]string `yaml:"env"`
}

// ProcessConfig holds settings for the background process registry.
type ProcessConfig struct {
	OutputBufferMax int           `yaml:"output_buffer_max"` // max bytes buffered per stream (default: 1MB)
	TerminateGrace  time.Duration `yaml:"terminate_grace"`   // grace before kill escalation (default: 3s)
}

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// TracerConfig holds tracing settings.
type TracerConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"`
}

// DefaultShell returns the platform's default shell executable, honoring
// $SHELL on POSIX systems.
func DefaultShell() string {
	if runtime.GOOS == "windows" {
		return "cmd.exe"
	}
	if sh := os.Getenv("SHELL"); sh != "" {
		return sh
	}
	return "/bin/sh"
}

// Defaults returns a Config populated with default values.
func Defaults() *Config {
	return &Config{
		Computer: ComputerConfig{
			OneShotTimeout: 60 * time.Second,
		},
		Shell: ShellConfig{
			Executable: DefaultShell(),
		},
		Process: ProcessConfig{
			OutputBufferMax: 1024 * 1024,
			TerminateGrace:  3 * time.Second,
		},
		Logger: LoggerConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Tracer: TracerConfig{
			Enabled:  false,
			Exporter: "noop",
		},
	}
}

// Load reads a YAML config file on top of the defaults. A missing file is
// not an error: the defaults are returned unchanged.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyDefaults(cfg)
	return cfg, nil
}

// applyDefaults backfills zero values left by partial config files.
func applyDefaults(cfg *Config) {
	if cfg.Computer.OneShotTimeout <= 0 {
		cfg.Computer.OneShotTimeout = 60 * time.Second
	}
	if cfg.Shell.Executable == "" {
		cfg.Shell.Executable = DefaultShell()
	}
	if cfg.Process.OutputBufferMax <= 0 {
		cfg.Process.OutputBufferMax = 1024 * 1024
	}
	if cfg.Process.TerminateGrace <= 0 {
		cfg.Process.TerminateGrace = 3 * time.Second
	}
	if cfg.Logger.Level == "" {
		cfg.Logger.Level = "info"
	}
	if cfg.Logger.Format == "" {
		cfg.Logger.Format = "text"
	}
	if cfg.Logger.Output == "" {
		cfg.Logger.Output = "stderr"
	}
}
