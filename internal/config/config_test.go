package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadGeneratesDefaults(t *testing.T) {
	home := t.TempDir()
	t.Setenv("CREWD_HOME", home)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !cfg.NeedsGenesis {
		t.Fatal("fresh home should need genesis")
	}
	if cfg.BindAddr != "127.0.0.1:18990" || cfg.HeartbeatCron != "* * * * *" {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.Mission.WorkerCount != 4 || cfg.Roundtable.CharCap != 120 {
		t.Fatalf("unexpected nested defaults: %+v", cfg)
	}
	if cfg.DBPath() != filepath.Join(home, "crewd.db") {
		t.Fatalf("unexpected db path %s", cfg.DBPath())
	}
}

func TestLoadReadsFileAndEnvOverrides(t *testing.T) {
	home := t.TempDir()
	t.Setenv("CREWD_HOME", home)
	t.Setenv("CREWD_LOG_LEVEL", "debug")

	yaml := "bind_addr: 127.0.0.1:9999\nmission:\n  worker_count: 2\n"
	if err := os.WriteFile(ConfigPath(home), []byte(yaml), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.NeedsGenesis {
		t.Fatal("existing config should not need genesis")
	}
	if cfg.BindAddr != "127.0.0.1:9999" {
		t.Fatalf("file value lost: %s", cfg.BindAddr)
	}
	if cfg.Mission.WorkerCount != 2 {
		t.Fatalf("nested file value lost: %d", cfg.Mission.WorkerCount)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("env override lost: %s", cfg.LogLevel)
	}
	// Untouched fields still get defaults.
	if cfg.Mission.StepTimeoutSeconds != 600 {
		t.Fatalf("default not filled: %d", cfg.Mission.StepTimeoutSeconds)
	}
}

func TestWriteDefaultDoesNotClobber(t *testing.T) {
	home := t.TempDir()
	custom := []byte("bind_addr: 127.0.0.1:7777\n")
	if err := os.WriteFile(ConfigPath(home), custom, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	if err := WriteDefault(home); err != nil {
		t.Fatalf("write default: %v", err)
	}
	data, err := os.ReadFile(ConfigPath(home))
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if string(data) != string(custom) {
		t.Fatal("existing config.yaml must not be overwritten")
	}
}

func TestFingerprintIsStable(t *testing.T) {
	a := defaultConfig()
	b := defaultConfig()
	if a.Fingerprint() != b.Fingerprint() {
		t.Fatal("identical configs must fingerprint identically")
	}
	b.BindAddr = "0.0.0.0:1"
	if a.Fingerprint() == b.Fingerprint() {
		t.Fatal("changed config must change the fingerprint")
	}
}
