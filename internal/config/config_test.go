package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != 6420 || cfg.LogLevel != "info" || cfg.ResultCheckThreshold != 100 {
		t.Errorf("defaults = %+v", cfg)
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "zangetsu.yaml")
	data := "server_name: alpha\nport: 7000\nlog_level: debug\nmaster_host: beta\nmaster_port: 6420\n"
	if err := os.WriteFile(path, []byte(data), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ServerName != "alpha" || cfg.Port != 7000 || cfg.LogLevel != "debug" {
		t.Errorf("cfg = %+v", cfg)
	}
	if !cfg.IsSlave() {
		t.Error("IsSlave = false with master_host set")
	}
}

func TestLoadBadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "zangetsu.yaml")
	os.WriteFile(path, []byte("port: [not a number"), 0644)
	if _, err := Load(path); err == nil {
		t.Error("Load accepted invalid yaml")
	}
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "zangetsu.yaml")
	cfg := Default()
	cfg.ServerName = "saved"
	if err := cfg.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.ServerName != "saved" {
		t.Errorf("ServerName = %q", got.ServerName)
	}
}

func TestWatchSeesRewrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "zangetsu.yaml")
	os.WriteFile(path, []byte("log_level: info\n"), 0644)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changed := make(chan *Config, 1)
	go Watch(ctx, path, func(cfg *Config) {
		select {
		case changed <- cfg:
		default:
		}
	})

	// Give the watcher a moment to register, then rewrite.
	time.Sleep(50 * time.Millisecond)
	os.WriteFile(path, []byte("log_level: debug\n"), 0644)

	select {
	case cfg := <-changed:
		if cfg.LogLevel != "debug" {
			t.Errorf("LogLevel = %q", cfg.LogLevel)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("watcher saw no change")
	}
}
