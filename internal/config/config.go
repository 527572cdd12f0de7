// Package config resolves the handful of settings this server needs: the
// listening port, the per-session scrollback cap, and the shell to spawn.
// The CLI surface is deliberately small (no subcommands, no auth, no
// persisted server state); an optional YAML file supplies the same values
// as defaults that flags can still override.
package config

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	DefaultPort               = 3000
	DefaultScrollbackBytes    = 2_000_000
	DefaultShell              = "/bin/bash"
	defaultConfigFileRelative = ".config/shellshare/config.yaml"
)

// Config holds the fully resolved settings for one server run.
type Config struct {
	Port            int
	ScrollbackBytes int
	Shell           string
}

// fileConfig mirrors the subset of Config that may come from the optional
// on-disk file. All fields are pointers so an absent key in the file leaves
// the built-in default untouched.
type fileConfig struct {
	Port            *int    `yaml:"port"`
	ScrollbackBytes *int    `yaml:"scrollbackBytes"`
	Shell           *string `yaml:"shell"`
}

// Load resolves Config from, in increasing priority: built-in defaults, an
// optional YAML file, then the --port and --scrollback-bytes flags. The
// SHELL environment variable, when set, overrides the shell from the
// defaults and the file.
func Load() (*Config, error) {
	cfg := &Config{
		Port:            DefaultPort,
		ScrollbackBytes: DefaultScrollbackBytes,
		Shell:           DefaultShell,
	}

	if err := applyFile(cfg, defaultConfigPath()); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	flag.IntVar(&cfg.Port, "port", cfg.Port, "listening port")
	flag.IntVar(&cfg.ScrollbackBytes, "scrollback-bytes", cfg.ScrollbackBytes, "per-session scrollback cap in bytes")
	flag.Parse()

	if cfg.Port < 1 || cfg.Port > 65535 {
		return nil, fmt.Errorf("config: invalid port %d: must be between 1 and 65535", cfg.Port)
	}
	if cfg.ScrollbackBytes < 1 {
		return nil, fmt.Errorf("config: invalid scrollback-bytes %d: must be positive", cfg.ScrollbackBytes)
	}

	if shell := strings.TrimSpace(os.Getenv("SHELL")); shell != "" {
		cfg.Shell = shell
	}

	return cfg, nil
}

// applyFile overlays an optional YAML config file onto cfg. A missing file
// is not an error; a malformed one is.
func applyFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read %s: %w", path, err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}

	if fc.Port != nil {
		cfg.Port = *fc.Port
	}
	if fc.ScrollbackBytes != nil {
		cfg.ScrollbackBytes = *fc.ScrollbackBytes
	}
	if fc.Shell != nil {
		cfg.Shell = *fc.Shell
	}
	return nil
}

func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, defaultConfigFileRelative)
}
