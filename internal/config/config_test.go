package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadParsesRecognizedKeys(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "libsync.conf")
	body := "" +
		"# a comment\n" +
		"\n" +
		"conn_host = sync.example.com\n" +
		"conn_port=1234\n" +
		"conn_user = alice\n" +
		"conn_pass = hunter2\n" +
		"sync_dir = /home/alice/sync\n" +
		"log_level = debug\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path, "")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ConnHost != "sync.example.com" || cfg.ConnPort != 1234 || cfg.ConnUser != "alice" ||
		cfg.ConnPass != "hunter2" || cfg.SyncDir != "/home/alice/sync" || cfg.LogLevel != "debug" {
		t.Fatalf("unexpected config: %+v", cfg)
	}
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.conf"), "")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	want := Defaults()
	if *cfg != want {
		t.Fatalf("cfg = %+v, want defaults %+v", cfg, want)
	}
}

func TestLoadRejectsUnrecognizedKey(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "libsync.conf")
	if err := os.WriteFile(path, []byte("not_a_real_key=1\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path, ""); err == nil {
		t.Fatal("expected error for unrecognized key")
	}
}

func TestOverridesAppliedBeforeKeyValueFile(t *testing.T) {
	dir := t.TempDir()
	overridesPath := filepath.Join(dir, "overrides.yaml")
	if err := os.WriteFile(overridesPath, []byte("bind_host: 10.0.0.1\nbind_port: 1\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	confPath := filepath.Join(dir, "libsync.conf")
	if err := os.WriteFile(confPath, []byte("bind_port=2\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(confPath, overridesPath)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.BindHost != "10.0.0.1" {
		t.Fatalf("bind_host = %q, want override to apply", cfg.BindHost)
	}
	if cfg.BindPort != 2 {
		t.Fatalf("bind_port = %d, want key=value file (2) to win over override (1)", cfg.BindPort)
	}
}
