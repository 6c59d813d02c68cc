// Package main is the entry point for the PlaneView server.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/planeview/server/internal/api"
	"github.com/planeview/server/internal/cache"
	"github.com/planeview/server/internal/config"
	"github.com/planeview/server/internal/data/tiledb"
	"github.com/planeview/server/internal/data/zarr"
	"github.com/planeview/server/internal/defstore"
	"github.com/planeview/server/internal/render"
	"github.com/planeview/server/internal/service"
	"github.com/planeview/server/internal/worker"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", "config/server.yaml", "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	log.Printf("Starting PlaneView server on port %d", cfg.Server.Port)

	ctx := context.Background()

	// Initialize cache manager (shared across all images)
	cacheManager, err := cache.NewManager(cache.Config{
		PlaneCacheSizeMB: cfg.Cache.PlaneSizeMB,
		PlaneTTL:         time.Duration(cfg.Cache.PlaneTTLMinutes) * time.Minute,
		RawPlaneEntries:  cfg.Cache.RawPlaneEntries,
	})
	if err != nil {
		log.Fatalf("Failed to initialize cache: %v", err)
	}
	defer cacheManager.Close()

	// Persisted rendering settings
	if dir := filepath.Dir(cfg.Store.SQLitePath); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			log.Fatalf("Failed to create settings directory: %v", err)
		}
	}
	store, err := defstore.NewStore(cfg.Store.SQLitePath)
	if err != nil {
		log.Fatalf("Failed to open settings store: %v", err)
	}
	defer store.Close()

	// Render workers (shared across all images)
	pool := worker.NewPool(worker.Config{
		Workers:   cfg.Render.Workers,
		QueueSize: cfg.Render.QueueSize,
	})
	pool.Start()
	defer pool.Stop()
	log.Printf("Render pool: workers=%d, queue=%d, prefetch_window=%d",
		cfg.Render.Workers, cfg.Render.QueueSize, cfg.Render.PrefetchWindow)

	encoder := render.NewEncoder(render.EncoderConfig{ScaleBar: cfg.Render.ScaleBar})

	imageIDs := cfg.Images.IDs()
	registry := api.NewImageRegistry(cfg.Images.Default, cfg.Server.Title)
	defer registry.Close()

	log.Printf("Initializing %d image(s), default: %s", len(imageIDs), cfg.Images.Default)

	for _, imageID := range imageIDs {
		img := cfg.Images.Images[imageID]

		source, err := openSource(img, cacheManager)
		if err != nil {
			log.Fatalf("Failed to open image %q: %v", imageID, err)
		}

		svc, err := service.NewViewService(ctx, service.ViewServiceConfig{
			ImageID:        imageID,
			Name:           img.Name,
			Source:         source,
			Store:          store,
			Cache:          cacheManager,
			Pool:           pool,
			Encoder:        encoder,
			PrefetchWindow: cfg.Render.PrefetchWindow,
		})
		if err != nil {
			log.Fatalf("Failed to initialize image %q: %v", imageID, err)
		}
		registry.Register(svc)

		md := svc.Metadata()
		d := md.Dimensions
		log.Printf("  [%s] %dx%d, Z=%d, C=%d, T=%d, %s", imageID, d.SizeX, d.SizeY, d.SizeZ, d.SizeC, d.SizeT, md.PixelType)
	}

	// Set up HTTP router
	router := api.NewRouter(api.RouterConfig{
		Registry:    registry,
		CORSOrigins: cfg.Server.CORSOrigins,
	})

	// Create HTTP server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Printf("Server listening on http://localhost:%d", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}

	log.Println("Server stopped")
}

// openSource opens the pixel store an image entry names.
func openSource(img config.ImageConfig, raw zarr.RawCache) (render.MetadataSource, error) {
	if img.TileDBURI != "" {
		r, err := tiledb.NewReader(img.TileDBURI)
		if err != nil {
			return nil, err
		}
		if !r.Supported() {
			return nil, fmt.Errorf("%s: built without TileDB support (rebuild with -tags tiledb)", r.URI())
		}
		return r, nil
	}
	r, err := zarr.NewReader(img.ZarrPath, raw)
	if err != nil {
		return nil, err
	}
	log.Printf("  Loaded from: %s", img.ZarrPath)
	return r, nil
}
