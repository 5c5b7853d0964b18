package main

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// fileConfig is the optional YAML configuration file accepted by `serve`,
// following the teacher's DSL-document-as-YAML convention (gopkg.in/yaml.v3)
// for anything read from disk rather than passed as a flag.
type fileConfig struct {
	Directory        string
	DBPath           string
	HeartbeatTimeout time.Duration
	CheckInterval    time.Duration
}

// rawFileConfig is the literal YAML shape. Durations are read as strings
// and converted with time.ParseDuration afterwards, the same way the
// teacher's DSL reads yaml-sourced durations (dsl/interpreter.go's
// serverDef.Timeout/step.Timeout) — yaml.v3 has no implicit tag for
// "2m"/"15s", so it resolves them as !!str, not a duration.
type rawFileConfig struct {
	Directory        string `yaml:"directory"`
	DBPath           string `yaml:"dbPath"`
	HeartbeatTimeout string `yaml:"heartbeatTimeout"`
	CheckInterval    string `yaml:"checkInterval"`
}

// loadFileConfig reads and parses a YAML config file. Fields left at their
// zero value do not override a flag default; serveCmd only applies
// non-zero fields.
func loadFileConfig(path string) (fileConfig, error) {
	var cfg fileConfig
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}

	var raw rawFileConfig
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}

	cfg.Directory = raw.Directory
	cfg.DBPath = raw.DBPath
	if raw.HeartbeatTimeout != "" {
		d, err := time.ParseDuration(raw.HeartbeatTimeout)
		if err != nil {
			return cfg, fmt.Errorf("parse config %s: heartbeatTimeout: %w", path, err)
		}
		cfg.HeartbeatTimeout = d
	}
	if raw.CheckInterval != "" {
		d, err := time.ParseDuration(raw.CheckInterval)
		if err != nil {
			return cfg, fmt.Errorf("parse config %s: checkInterval: %w", path, err)
		}
		cfg.CheckInterval = d
	}
	return cfg, nil
}
