// Package cache provides caching for encoded planes and raw plane bytes.
package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/allegro/bigcache/v3"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/planeview/server/internal/pixels"
)

// Config contains cache configuration.
type Config struct {
	PlaneCacheSizeMB int
	PlaneTTL         time.Duration
	RawPlaneEntries  int
}

// Manager manages the encoded plane cache and the raw plane cache.
type Manager struct {
	planeCache *bigcache.BigCache
	rawCache   *lru.Cache[string, []byte]
}

// NewManager creates a new cache manager.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.PlaneTTL <= 0 {
		cfg.PlaneTTL = 10 * time.Minute
	}
	if cfg.RawPlaneEntries <= 0 {
		cfg.RawPlaneEntries = 256
	}

	// Configure plane cache
	planeCacheConfig := bigcache.Config{
		Shards:             256,
		LifeWindow:         cfg.PlaneTTL,
		CleanWindow:        cfg.PlaneTTL / 2,
		MaxEntriesInWindow: 10000,
		MaxEntrySize:       512 * 1024, // 512KB per encoded plane
		HardMaxCacheSize:   cfg.PlaneCacheSizeMB,
		Verbose:            false,
	}

	planeCache, err := bigcache.New(context.Background(), planeCacheConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create plane cache: %w", err)
	}

	// Create raw plane cache
	rawCache, err := lru.New[string, []byte](cfg.RawPlaneEntries)
	if err != nil {
		return nil, fmt.Errorf("failed to create raw plane cache: %w", err)
	}

	return &Manager{
		planeCache: planeCache,
		rawCache:   rawCache,
	}, nil
}

// GetPlane retrieves an encoded plane from cache.
func (m *Manager) GetPlane(key string) ([]byte, bool) {
	data, err := m.planeCache.Get(key)
	if err != nil {
		return nil, false
	}
	return data, true
}

// SetPlane stores an encoded plane in cache.
func (m *Manager) SetPlane(key string, data []byte) error {
	return m.planeCache.Set(key, data)
}

// GetRaw retrieves raw plane bytes from cache.
func (m *Manager) GetRaw(key string) ([]byte, bool) {
	return m.rawCache.Get(key)
}

// SetRaw stores raw plane bytes in cache.
func (m *Manager) SetRaw(key string, data []byte) {
	m.rawCache.Add(key, data)
}

// PlaneKey generates a cache key for an encoded plane. revision changes with
// every rendering settings change, so stale entries are never hit.
func PlaneKey(image string, revision uint64, sel pixels.PlaneSelector) string {
	switch sel.Orientation {
	case pixels.XY:
		return fmt.Sprintf("plane:%s:%d:xy/%d/%d", image, revision, sel.Z, sel.T)
	default:
		return fmt.Sprintf("plane:%s:%d:%s/%d/%d", image, revision, sel.Orientation, sel.Position, sel.T)
	}
}

// Stats returns cache statistics.
func (m *Manager) Stats() map[string]interface{} {
	s := m.planeCache.Stats()
	return map[string]interface{}{
		"plane_cache_len":    m.planeCache.Len(),
		"plane_cache_cap":    m.planeCache.Capacity(),
		"plane_cache_hits":   s.Hits,
		"plane_cache_misses": s.Misses,
		"raw_cache_len":      m.rawCache.Len(),
	}
}

// Close closes the cache manager.
func (m *Manager) Close() error {
	return m.planeCache.Close()
}
