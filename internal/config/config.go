// Package config handles configuration loading for the plane server.
package config

import (
	"fmt"
	"os"
	"runtime"

	"gopkg.in/yaml.v3"
)

// Config represents the server configuration.
type Config struct {
	Server ServerConfig `yaml:"server"`
	Images ImagesConfig `yaml:"images"`
	Store  StoreConfig  `yaml:"store"`
	Cache  CacheConfig  `yaml:"cache"`
	Render RenderConfig `yaml:"render"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port        int      `yaml:"port"`
	CORSOrigins []string `yaml:"cors_origins"`
	Title       string   `yaml:"title"`
}

// ImageConfig locates one pixel set. Exactly one of ZarrPath and TileDBURI is set.
type ImageConfig struct {
	Name      string `yaml:"name"`
	ZarrPath  string `yaml:"zarr_path"`
	TileDBURI string `yaml:"tiledb_uri"`
}

// ImagesConfig is the ordered set of served images. The first one listed is
// the default.
type ImagesConfig struct {
	Default string
	Images  map[string]ImageConfig
	order   []string
}

// UnmarshalYAML keeps the mapping order, which a plain map would lose.
func (c *ImagesConfig) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("images: expected a mapping, got %v at line %d", node.Tag, node.Line)
	}
	c.Images = make(map[string]ImageConfig, len(node.Content)/2)
	c.order = c.order[:0]
	for i := 0; i+1 < len(node.Content); i += 2 {
		id := node.Content[i].Value
		var img ImageConfig
		if err := node.Content[i+1].Decode(&img); err != nil {
			return fmt.Errorf("images.%s: %w", id, err)
		}
		if _, dup := c.Images[id]; dup {
			return fmt.Errorf("images.%s: duplicate image id", id)
		}
		c.Images[id] = img
		c.order = append(c.order, id)
	}
	if len(c.order) > 0 {
		c.Default = c.order[0]
	}
	return nil
}

// IDs returns image ids in configuration order.
func (c ImagesConfig) IDs() []string {
	return append([]string(nil), c.order...)
}

// StoreConfig contains settings persistence options.
type StoreConfig struct {
	SQLitePath string `yaml:"sqlite_path"`
}

// CacheConfig contains caching settings.
type CacheConfig struct {
	PlaneSizeMB     int `yaml:"plane_size_mb"`
	PlaneTTLMinutes int `yaml:"plane_ttl_minutes"`
	RawPlaneEntries int `yaml:"raw_plane_entries"`
}

// RenderConfig contains rendering settings.
type RenderConfig struct {
	Workers        int  `yaml:"workers"`
	QueueSize      int  `yaml:"queue_size"`
	PrefetchWindow int  `yaml:"prefetch_window"`
	ScaleBar       bool `yaml:"scale_bar"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		// Return default config if file doesn't exist
		return DefaultConfig(), nil
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	// Apply defaults for missing values
	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:        8080,
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
			Title:       "PlaneView",
		},
		Images: ImagesConfig{
			Default: "default",
			Images:  map[string]ImageConfig{"default": {ZarrPath: "./data/image.zarr"}},
			order:   []string{"default"},
		},
		Store: StoreConfig{
			SQLitePath: "./data/settings.db",
		},
		Cache: CacheConfig{
			PlaneSizeMB:     256,
			PlaneTTLMinutes: 10,
			RawPlaneEntries: 256,
		},
		Render: RenderConfig{
			Workers:   runtime.NumCPU(),
			QueueSize: 256,
		},
	}
}

func applyDefaults(cfg *Config) {
	defaults := DefaultConfig()

	if cfg.Server.Port == 0 {
		cfg.Server.Port = defaults.Server.Port
	}
	if len(cfg.Server.CORSOrigins) == 0 {
		cfg.Server.CORSOrigins = defaults.Server.CORSOrigins
	}
	if cfg.Server.Title == "" {
		cfg.Server.Title = defaults.Server.Title
	}
	if len(cfg.Images.order) == 0 {
		cfg.Images = defaults.Images
	}
	if cfg.Store.SQLitePath == "" {
		cfg.Store.SQLitePath = defaults.Store.SQLitePath
	}
	if cfg.Cache.PlaneSizeMB == 0 {
		cfg.Cache.PlaneSizeMB = defaults.Cache.PlaneSizeMB
	}
	if cfg.Cache.PlaneTTLMinutes == 0 {
		cfg.Cache.PlaneTTLMinutes = defaults.Cache.PlaneTTLMinutes
	}
	if cfg.Cache.RawPlaneEntries == 0 {
		cfg.Cache.RawPlaneEntries = defaults.Cache.RawPlaneEntries
	}
	if cfg.Render.Workers <= 0 {
		cfg.Render.Workers = defaults.Render.Workers
	}
	if cfg.Render.QueueSize <= 0 {
		cfg.Render.QueueSize = defaults.Render.QueueSize
	}
}

// Validate checks values that have no sensible default.
func (c *Config) Validate() error {
	for _, id := range c.Images.order {
		img := c.Images.Images[id]
		switch {
		case img.ZarrPath == "" && img.TileDBURI == "":
			return fmt.Errorf("images.%s: one of zarr_path or tiledb_uri is required", id)
		case img.ZarrPath != "" && img.TileDBURI != "":
			return fmt.Errorf("images.%s: zarr_path and tiledb_uri are exclusive", id)
		}
	}
	if c.Render.PrefetchWindow < 0 {
		return fmt.Errorf("render.prefetch_window must not be negative")
	}
	return nil
}
