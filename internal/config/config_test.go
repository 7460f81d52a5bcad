package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestFromEnvDefaults(t *testing.T) {
	cfg := FromEnv()
	if cfg.Author != "Anon" {
		t.Errorf("default author = %q, want Anon", cfg.Author)
	}
	if cfg.CompressionLevel != 0 || cfg.Debug {
		t.Errorf("unexpected defaults: %+v", cfg)
	}
}

func TestFromEnvOverrides(t *testing.T) {
	t.Setenv("TIMELINE_AUTHOR", "someone")
	t.Setenv("TIMELINE_COMPRESSION_LEVEL", "9")
	t.Setenv("TIMELINE_DEBUG", "true")

	cfg := FromEnv()
	if cfg.Author != "someone" || cfg.CompressionLevel != 9 || !cfg.Debug {
		t.Errorf("env not applied: %+v", cfg)
	}
}

func TestLoadFileOverEnv(t *testing.T) {
	t.Setenv("TIMELINE_AUTHOR", "from-env")

	path := filepath.Join(t.TempDir(), "timeline.yaml")
	if err := os.WriteFile(path, []byte("author: from-file\ncompression_level: 3\n"), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Author != "from-file" {
		t.Errorf("author = %q, want the file value", cfg.Author)
	}
	if cfg.CompressionLevel != 3 {
		t.Errorf("compression level = %d, want 3", cfg.CompressionLevel)
	}
}

func TestLoadMissingFileFallsBack(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Author == "" {
		t.Error("defaults not applied for a missing file")
	}
}

func TestLoadRejectsBadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "timeline.yaml")
	if err := os.WriteFile(path, []byte("author: [unclosed"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("expected error for malformed YAML")
	}
}
