package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoad_Images(t *testing.T) {
	content := `
server:
  port: 9000
images:
  embryo:
    name: "Embryo 24h"
    zarr_path: "/data/embryo.zarr"
  tissue:
    tiledb_uri: "s3://bucket/tissue"
render:
  workers: 2
  prefetch_window: 1
  scale_bar: true
`
	cfg := loadFromString(t, content)

	if cfg.Server.Port != 9000 {
		t.Errorf("expected port 9000, got %d", cfg.Server.Port)
	}
	if cfg.Images.Default != "embryo" {
		t.Errorf("expected default image 'embryo', got %q", cfg.Images.Default)
	}
	ids := cfg.Images.IDs()
	if len(ids) != 2 || ids[0] != "embryo" || ids[1] != "tissue" {
		t.Errorf("unexpected image order: %v", ids)
	}
	if got := cfg.Images.Images["embryo"]; got.ZarrPath != "/data/embryo.zarr" || got.Name != "Embryo 24h" {
		t.Errorf("unexpected embryo config: %+v", got)
	}
	if got := cfg.Images.Images["tissue"].TileDBURI; got != "s3://bucket/tissue" {
		t.Errorf("unexpected tiledb_uri: %s", got)
	}
	if cfg.Render.Workers != 2 || cfg.Render.PrefetchWindow != 1 || !cfg.Render.ScaleBar {
		t.Errorf("unexpected render config: %+v", cfg.Render)
	}
}

func TestLoad_DefaultsApplied(t *testing.T) {
	content := `
server:
  port: 0
images:
  test:
    zarr_path: "/test/image.zarr"
`
	cfg := loadFromString(t, content)

	if cfg.Server.Port != 8080 {
		t.Errorf("expected default port 8080, got %d", cfg.Server.Port)
	}
	if cfg.Cache.PlaneSizeMB != 256 {
		t.Errorf("expected default cache size 256, got %d", cfg.Cache.PlaneSizeMB)
	}
	if cfg.Render.QueueSize != 256 || cfg.Render.Workers <= 0 {
		t.Errorf("unexpected render defaults: %+v", cfg.Render)
	}
	if cfg.Render.PrefetchWindow != 0 {
		t.Errorf("expected prefetch window 0, got %d", cfg.Render.PrefetchWindow)
	}
	if cfg.Store.SQLitePath == "" {
		t.Errorf("expected default sqlite path")
	}
}

func TestLoad_NoImagesSection(t *testing.T) {
	cfg := loadFromString(t, "server:\n  port: 8080\n")
	if cfg.Images.Default != "default" || len(cfg.Images.Images) != 1 {
		t.Errorf("expected the default image, got %+v", cfg.Images)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil || cfg.Server.Port != 8080 {
		t.Fatalf("Load(absent) = %+v, %v", cfg, err)
	}
}

func TestLoad_Invalid(t *testing.T) {
	cases := map[string]string{
		"both sources": "images:\n  a:\n    zarr_path: x\n    tiledb_uri: y\n",
		"no source":    "images:\n  a:\n    name: x\n",
		"not mapping":  "images:\n  - a\n",
		"negative":     "render:\n  prefetch_window: -1\n",
	}
	for name, content := range cases {
		path := filepath.Join(t.TempDir(), "config.yaml")
		if err := os.WriteFile(path, []byte(content), 0644); err != nil {
			t.Fatal(err)
		}
		if _, err := Load(path); err == nil {
			t.Errorf("%s: expected error", name)
		} else if name == "not mapping" && !strings.Contains(err.Error(), "images") {
			t.Errorf("%s: unexpected error %v", name, err)
		}
	}
}

func loadFromString(t *testing.T, content string) *Config {
	t.Helper()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write temp config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}
	return cfg
}
