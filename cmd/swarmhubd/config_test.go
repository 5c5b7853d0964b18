package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadFileConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "swarmhubd.yaml")
	yaml := "directory: /tmp/work\ndbPath: /tmp/work/custom.db\nheartbeatTimeout: 2m\ncheckInterval: 15s\n"
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg, err := loadFileConfig(path)
	if err != nil {
		t.Fatalf("loadFileConfig: %v", err)
	}
	if cfg.Directory != "/tmp/work" || cfg.DBPath != "/tmp/work/custom.db" {
		t.Fatalf("cfg = %+v, want directory/dbPath set", cfg)
	}
	if cfg.HeartbeatTimeout != 2*time.Minute || cfg.CheckInterval != 15*time.Second {
		t.Fatalf("cfg durations = %+v, want 2m/15s", cfg)
	}
}

func TestLoadFileConfigMissingFile(t *testing.T) {
	if _, err := loadFileConfig(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected an error for a missing config file")
	}
}

func TestLoadFileConfigBadDuration(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "swarmhubd.yaml")
	if err := os.WriteFile(path, []byte("heartbeatTimeout: not-a-duration\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	if _, err := loadFileConfig(path); err == nil {
		t.Fatal("expected an error for an unparseable heartbeatTimeout")
	}
}
