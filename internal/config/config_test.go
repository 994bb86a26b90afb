package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadAppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "broker.yaml")
	if err := os.WriteFile(path, []byte("app_name: test-broker\n"), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Listener.Address != ":9876" {
		t.Errorf("expected default listener address, got %q", cfg.Listener.Address)
	}
	if cfg.Limits.MaxServices != 256 {
		t.Errorf("expected default max_services, got %d", cfg.Limits.MaxServices)
	}
	if cfg.Logging.Dir != "./logs" {
		t.Errorf("expected default log dir, got %q", cfg.Logging.Dir)
	}
}

func TestLoadRejectsNegativeLimits(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "broker.yaml")
	os.WriteFile(path, []byte("limits:\n  max_services: -1\n"), 0644)

	if _, err := Load(path); err == nil {
		t.Fatal("expected an error for a negative max_services")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load("/nonexistent/broker.yaml"); err == nil {
		t.Fatal("expected an error for a missing file")
	}
}
