// Copyright 2026 The mk Authors
// SPDX-License-Identifier: Apache-2.0

package smak

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is smak's ambient configuration, grounded on jra3-linear-fuse's
// internal/config/config.go shape: a yaml-decoded struct with an
// injectable-environment override pass for testability (SPEC_FULL.md §6.1).
type Config struct {
	CacheDir   string        `yaml:"cache_dir"`
	IgnoreDirs []string      `yaml:"ignore_dirs"`
	Workers    int           `yaml:"workers"`
	SSHHosts   []string      `yaml:"ssh_hosts"`
	AutoRescan    time.Duration `yaml:"-"`
	AutoRescanRaw string        `yaml:"auto_rescan"`
}

// DefaultConfig mirrors the built-in defaults seeded before any file or
// environment override is applied.
func DefaultConfig() Config {
	return Config{
		CacheDir: ".smak",
		Workers:  0, // 0 = CPU count, resolved by the driver
	}
}

// LoadConfig loads configuration the same way jra3-linear-fuse's Load does:
// DefaultConfig, then an optional YAML file, then environment overrides.
func LoadConfig(explicitPath string) (Config, error) {
	return LoadConfigWithEnv(explicitPath, os.Getenv)
}

// LoadConfigWithEnv is LoadConfig with an injectable getenv, so config
// resolution is unit-testable without mutating process environment.
func LoadConfigWithEnv(explicitPath string, getenv func(string) string) (Config, error) {
	cfg := DefaultConfig()

	path := explicitPath
	if path == "" {
		path = configPathWithEnv(getenv)
	}
	if path != "" {
		if data, err := os.ReadFile(path); err == nil {
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, err
			}
		}
	}

	if v := getenv("SMAK_CACHE_DIR"); v != "" {
		cfg.CacheDir = v
	}
	if v := getenv("SMAK_IGNORE_DIRS"); v != "" {
		cfg.IgnoreDirs = append(cfg.IgnoreDirs, strings.Split(v, ":")...)
	}
	if cfg.AutoRescanRaw != "" {
		if d, err := time.ParseDuration(cfg.AutoRescanRaw); err == nil {
			cfg.AutoRescan = d
		}
	}
	return cfg, nil
}

// configPathWithEnv resolves the project-local config file, falling back
// to XDG_CONFIG_HOME the way jra3-linear-fuse's getConfigPathWithEnv does.
func configPathWithEnv(getenv func(string) string) string {
	if _, err := os.Stat(".smakrc.yaml"); err == nil {
		return ".smakrc.yaml"
	}
	if xdg := getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "smak", "config.yaml")
	}
	if home := getenv("HOME"); home != "" {
		return filepath.Join(home, ".config", "smak", "config.yaml")
	}
	return ""
}

// WorkerCount resolves the effective worker count, applying the `-j` CLI
// override (negative meaning "auto") over the config and environment.
func WorkerCount(cliJobs int, cfg Config, numCPU int) int {
	switch {
	case cliJobs > 0:
		return cliJobs
	case cliJobs == 0:
		return numCPUUnlimited(numCPU)
	case cfg.Workers > 0:
		return cfg.Workers
	default:
		return numCPU
	}
}

func numCPUUnlimited(numCPU int) int {
	// -j with no number means "unlimited" in GNU make; approximate with a
	// generous multiple of the CPU count rather than truly unbounded, since
	// workers are real subprocesses.
	if numCPU < 1 {
		return 1
	}
	return numCPU * 4
}

// ParseBool mirrors SMAK_VERBOSE's "1 or w for spinner" convention (§8).
func ParseBool(s string) bool {
	if s == "" {
		return false
	}
	if b, err := strconv.ParseBool(s); err == nil {
		return b
	}
	return s == "w"
}
