package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cshum/vipsgen/vips"
	"github.com/paulmach/orb"
	"go.uber.org/zap"

	"mapview/internal/cache"
	"mapview/internal/config"
	"mapview/internal/decoder"
	httphandlers "mapview/internal/http"
	"mapview/internal/loader"
	"mapview/internal/logger"
	"mapview/internal/mapview"
	"mapview/internal/provider"
	"mapview/internal/tiler"
	"mapview/internal/worker"
)

func main() {
	cfg := config.Load()

	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	defer log.Sync()

	if err := cfg.Validate(); err != nil {
		log.Fatal("Invalid configuration", zap.Error(err))
	}

	if cfg.TileFormat == "raster" {
		startVips(cfg, log)
		defer vips.Shutdown()
	}

	log.Info("Starting mapview",
		zap.Int("port", cfg.Port),
		zap.String("tile_source", cfg.TileSource),
		zap.Int("workers", cfg.Workers),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	registry := worker.NewRegistry(log, cfg.Workers, time.Duration(cfg.ConnectTimeout)*time.Second)
	registry.Register(decoder.Bundle())
	registry.Register(tiler.Bundle())
	defer registry.DestroyAll()

	scene, err := newScene(ctx, cfg, log)
	if err != nil {
		log.Fatal("Failed to create scene", zap.Error(err))
	}
	defer scene.Close()

	for _, ds := range buildDataSources(ctx, cfg, registry, log) {
		scene.AddDataSource(ds)
	}

	go runFrames(ctx, scene, time.Duration(cfg.FrameInterval)*time.Millisecond, log)

	handlers := httphandlers.New(cfg, log, scene)
	mux := http.NewServeMux()
	handlers.Routes(mux)
	handler := handlers.CORSMiddleware(handlers.RequestLoggingMiddleware(mux))

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: handler,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Server failed", zap.Error(err))
		}
	}()

	log.Info("Server started", zap.Int("port", cfg.Port))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("Server forced to shutdown", zap.Error(err))
	}
	cancel()

	log.Info("Server stopped")
}

func startVips(cfg *config.Config, log *zap.Logger) {
	vips.SetLogging(func(domain string, level vips.LogLevel, message string) {
		if level >= vips.LogLevelError {
			log.Error("vips", zap.String("domain", domain), zap.Int("level", int(level)), zap.String("message", message))
		} else if level >= vips.LogLevelWarning {
			log.Warn("vips", zap.String("domain", domain), zap.Int("level", int(level)), zap.String("message", message))
		}
	}, vips.LogLevelError)

	vips.Startup(&vips.Config{
		ConcurrencyLevel: cfg.VipsConcurrency,
		MaxCacheMem:      cfg.VipsMaxCacheMB * 1024 * 1024,
		MaxCacheFiles:    0,
		MaxCacheSize:     0,
		ReportLeaks:      false,
		CacheTrace:       false,
		VectorEnabled:    true,
	})

	log.Info("VIPS initialized",
		zap.Int("max_cache_mb", cfg.VipsMaxCacheMB),
		zap.Int("concurrency", cfg.VipsConcurrency),
	)
}

func newScene(ctx context.Context, cfg *config.Config, log *zap.Logger) (*mapview.Scene, error) {
	opts := mapview.DefaultVisibleTileSetOptions()
	opts.TileCacheSize = cfg.TileCacheSize
	if cfg.CountTiles() {
		opts.ResourceComputationType = mapview.NumberOfTiles
	}
	opts.QuadTreeSearchDistanceUp = cfg.SearchUp
	opts.QuadTreeSearchDistanceDown = cfg.SearchDown
	opts.MaxVisibleDataSourceTiles = cfg.MaxVisibleTiles
	opts.Scheduler = loader.NewScheduler(ctx, cfg.MaxConcurrent, log)

	view := mapview.View{
		Center: orb.Point{cfg.CenterLon, cfg.CenterLat},
		Zoom:   cfg.Zoom,
		Tilt:   cfg.Tilt,
	}
	return mapview.NewScene(ctx, view, cfg.Aspect(), cfg.ViewportHeight, opts, log)
}

// buildDataSources connects every configured data source. Sources that fail
// to connect are logged and left out.
func buildDataSources(ctx context.Context, cfg *config.Config, registry *worker.Registry, log *zap.Logger) []mapview.DataSource {
	connectCtx, cancel := context.WithTimeout(ctx, time.Duration(cfg.ConnectTimeout)*time.Second)
	defer cancel()

	background := mapview.NewBackgroundDataSource(mapview.DataSourceOptions{Name: "background"}, log)
	sources := []mapview.DataSource{background}

	tiles, err := newTileDataSource(cfg, registry, log)
	if err != nil {
		log.Error("Failed to create tile data source", zap.Error(err))
	} else {
		sources = append(sources, tiles)
	}

	if cfg.GeoJSONFile != "" {
		geo, err := newGeoJSONDataSource(cfg, registry, log)
		if err != nil {
			log.Error("Failed to create GeoJSON data source", zap.Error(err))
		} else {
			sources = append(sources, geo)
		}
	}

	connected := sources[:0]
	for _, ds := range sources {
		if err := ds.Connect(connectCtx); err != nil {
			log.Error("Data source not connected", zap.String("datasource", ds.Name()), zap.Error(err))
			ds.Dispose()
			continue
		}
		connected = append(connected, ds)
	}
	return connected
}

func newTileDataSource(cfg *config.Config, registry *worker.Registry, log *zap.Logger) (*mapview.TileDataSource, error) {
	const name = "tiles"

	source, err := provider.Open(cfg.TileSource, cfg.TileSourceRPS, log)
	if err != nil {
		return nil, err
	}
	rawCache, err := cache.NewCache(cfg.TileCache, cfg.CacheFileDir, cfg.CacheTiles, log)
	if err != nil {
		source.Close()
		return nil, err
	}

	serviceType := decoder.ServiceTypeVector
	if cfg.TileFormat == "raster" {
		serviceType = decoder.ServiceTypeRaster
	}
	dec, err := decoder.NewWorkerBasedDecoder(registry, decoder.BundleName, serviceType, log)
	if err != nil {
		source.Close()
		return nil, err
	}

	opts := mapview.DataSourceOptions{
		Name:         name,
		MinDataLevel: uint32(cfg.MinDataLevel),
		MaxDataLevel: uint32(cfg.MaxDataLevel),
	}
	return mapview.NewTileDataSource(opts, provider.NewCachingProvider(source, rawCache, name), dec, log), nil
}

func newGeoJSONDataSource(cfg *config.Config, registry *worker.Registry, log *zap.Logger) (*mapview.GeoJSONDataSource, error) {
	input, err := os.ReadFile(cfg.GeoJSONFile)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", cfg.GeoJSONFile, err)
	}
	t, err := tiler.NewWorkerBasedTiler(registry, log)
	if err != nil {
		return nil, err
	}
	dec, err := decoder.NewWorkerBasedDecoder(registry, decoder.BundleName, decoder.ServiceTypeVector, log)
	if err != nil {
		t.Dispose()
		return nil, err
	}
	return mapview.NewGeoJSONDataSource(mapview.DataSourceOptions{Name: "geojson"}, t, dec, input, log), nil
}

func runFrames(ctx context.Context, scene *mapview.Scene, interval time.Duration, log *zap.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if scene.Frame() {
				near, far := scene.ClipPlanes()
				log.Debug("Clip planes changed", zap.Float64("near", near), zap.Float64("far", far))
			}
		}
	}
}
