package chronodb

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig(t.TempDir())
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected default config to validate, got %v", err)
	}
}

func TestConfigValidateRejectsEmptyPath(t *testing.T) {
	cfg := DefaultConfig("")
	if err := cfg.Validate(); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument for empty path, got %v", err)
	}
}

func TestConfigValidateRejectsUnknownStorageBackend(t *testing.T) {
	cfg := DefaultConfig(t.TempDir())
	cfg.Storage.Backend = "carrier-pigeon"
	if err := cfg.Validate(); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument for unknown backend, got %v", err)
	}
}

func TestConfigValidateRejectsUnknownIndexBackend(t *testing.T) {
	cfg := DefaultConfig(t.TempDir())
	cfg.Index.Backend = "carrier-pigeon"
	if err := cfg.Validate(); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument for unknown index backend, got %v", err)
	}
}

func TestConfigValidateRejectsZeroMaxOpenFiles(t *testing.T) {
	cfg := DefaultConfig(t.TempDir())
	cfg.Branches.MaxOpenFiles = 0
	if err := cfg.Validate(); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument for maxOpenFiles=0, got %v", err)
	}
}

func TestConfigValidateRejectsEnabledCacheWithZeroSize(t *testing.T) {
	cfg := DefaultConfig(t.TempDir())
	cfg.Cache.Enabled = true
	cfg.Cache.MaxSize = 0
	if err := cfg.Validate(); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument for cache.maxSize=0, got %v", err)
	}
}

func TestLoadConfigFileMergesOntoDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yamlContent := "storage:\n  backend: memory\nindex:\n  backend: memory\ncache:\n  enabled: false\n"
	if err := os.WriteFile(path, []byte(yamlContent), 0o644); err != nil {
		t.Fatalf("write config file: %v", err)
	}

	cfg, err := LoadConfigFile(dir, path)
	if err != nil {
		t.Fatalf("load config file: %v", err)
	}
	if cfg.Storage.Backend != "memory" {
		t.Fatalf("expected storage backend memory, got %q", cfg.Storage.Backend)
	}
	if cfg.Index.Backend != "memory" {
		t.Fatalf("expected index backend memory, got %q", cfg.Index.Backend)
	}
	if cfg.Cache.Enabled {
		t.Fatal("expected cache to be disabled by the loaded file")
	}
	if cfg.Branches.MaxOpenFiles != DefaultMaxOpenFiles {
		t.Fatalf("expected unspecified fields to keep their default, got maxOpenFiles=%d", cfg.Branches.MaxOpenFiles)
	}
}

func TestLoadConfigFileRejectsMissingFile(t *testing.T) {
	if _, err := LoadConfigFile(t.TempDir(), filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected an error for a missing config file")
	}
}
