// Package config loads and validates the optional .modelgate YAML file
// and its environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// FileName is the name of the config file looked up from the workspace upward.
const FileName = ".modelgate"

// Default values used when a field is absent from the config file.
const (
	DefaultAddr      = ":3001"
	DefaultRoute     = "/execute-python-script"
	DefaultTimeout   = 2 * time.Minute
	DefaultMaxOutput = 1 << 20 // 1 MB
	DefaultHistory   = 16
)

// DefaultCommand is the loader invocation used when none is configured.
var DefaultCommand = []string{"python", "model-loader/model_loader.py"}

// Environment variables that override file values.
const (
	EnvAddr    = "MODELGATE_ADDR"
	EnvCommand = "MODELGATE_COMMAND" // whitespace-separated argv
	EnvTimeout = "MODELGATE_TIMEOUT"
)

// Config holds the parsed .modelgate configuration.
// All fields are optional; zero values represent defaults.
type Config struct {
	Version      int      `yaml:"version"`
	RawAddr      string   `yaml:"addr"`
	RawRoute     string   `yaml:"route"`
	Command      []string `yaml:"command"`     // argv of the loader, e.g. [python, loader.py]
	Dir          string   `yaml:"dir"`         // working directory, relative to the root
	RawTimeout   string   `yaml:"timeout"`     // e.g. "2m", "30s"
	RawMaxOutput int      `yaml:"max_output"`  // bytes, per stream
	RawHistory   int      `yaml:"history"`     // run records kept in memory
	ResultsDir   string   `yaml:"results_dir"` // empty means a temp dir
}

// Addr returns the listen address or the default.
func (c *Config) Addr() string {
	if c.RawAddr != "" {
		return c.RawAddr
	}
	return DefaultAddr
}

// Route returns the endpoint path that triggers the loader.
func (c *Config) Route() string {
	if c.RawRoute != "" {
		return c.RawRoute
	}
	return DefaultRoute
}

// Argv returns the configured loader command, falling back to DefaultCommand.
func (c *Config) Argv() []string {
	if len(c.Command) > 0 {
		return c.Command
	}
	return DefaultCommand
}

// Timeout returns the configured timeout or the default.
func (c *Config) Timeout() time.Duration {
	if c.RawTimeout != "" {
		d, err := time.ParseDuration(c.RawTimeout)
		if err == nil && d > 0 {
			return d
		}
	}
	return DefaultTimeout
}

// MaxOutputBytes returns the configured max output size or the default.
func (c *Config) MaxOutputBytes() int {
	if c.RawMaxOutput > 0 {
		return c.RawMaxOutput
	}
	return DefaultMaxOutput
}

// HistorySize returns how many run records the in-memory cache keeps.
func (c *Config) HistorySize() int {
	if c.RawHistory > 0 {
		return c.RawHistory
	}
	return DefaultHistory
}

// Validate reports configuration that cannot be served.
func (c *Config) Validate() error {
	var errs []error
	argv := c.Argv()
	if strings.TrimSpace(argv[0]) == "" {
		errs = append(errs, errors.New("command: program name is empty"))
	}
	if !strings.HasPrefix(c.Route(), "/") {
		errs = append(errs, fmt.Errorf("route %q must start with /", c.Route()))
	}
	if c.RawTimeout != "" {
		if d, err := time.ParseDuration(c.RawTimeout); err != nil || d <= 0 {
			errs = append(errs, fmt.Errorf("timeout %q is not a positive duration", c.RawTimeout))
		}
	}
	return errors.Join(errs...)
}

// applyEnv overrides file values with MODELGATE_* variables.
func (c *Config) applyEnv() {
	if v := os.Getenv(EnvAddr); v != "" {
		c.RawAddr = v
	}
	if v := os.Getenv(EnvCommand); v != "" {
		c.Command = strings.Fields(v)
	}
	if v := os.Getenv(EnvTimeout); v != "" {
		c.RawTimeout = v
	}
}

// LoadResult holds the parsed config and the discovered root directory.
type LoadResult struct {
	Config *Config
	Root   string // directory containing .modelgate; falls back to workspace
}

// Load reads the .modelgate file found by walking upward from workspace.
// A .env file next to it, if present, is loaded into the process
// environment before MODELGATE_* overrides are applied. If no config file
// exists, a default Config is returned.
func Load(workspace string) (*LoadResult, error) {
	root, err := findRoot(workspace)
	if err != nil {
		// No .modelgate found; use workspace as root.
		root, err = filepath.Abs(workspace)
		if err != nil {
			return nil, fmt.Errorf("resolving workspace: %w", err)
		}
	}

	envPath := filepath.Join(root, ".env")
	if err := godotenv.Load(envPath); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("reading .env: %w", err)
	}

	cfg := &Config{}
	data, err := os.ReadFile(filepath.Join(root, FileName))
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", FileName, err)
		}
	case os.IsNotExist(err):
	default:
		return nil, fmt.Errorf("reading %s: %w", FileName, err)
	}

	cfg.applyEnv()
	return &LoadResult{Config: cfg, Root: root}, nil
}

// findRoot walks upward from dir looking for a directory containing FileName.
func findRoot(dir string) (string, error) {
	dir, err := filepath.Abs(dir)
	if err != nil {
		return "", err
	}
	for {
		if _, err := os.Stat(filepath.Join(dir, FileName)); err == nil {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("%s not found", FileName)
		}
		dir = parent
	}
}
