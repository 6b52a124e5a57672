package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
)

type Config struct {
	Port     int
	LogLevel string
	DataDir  string

	// Workers is the size of each worker pool.
	Workers        int
	ConnectTimeout int // seconds
	MaxConcurrent  int64

	TileCacheSize       int
	ResourceComputation string
	SearchUp            int
	SearchDown          int
	MaxVisibleTiles     int

	// TileSource is a provider source, see provider.Open.
	TileSource    string
	TileSourceRPS float64
	// TileFormat selects the decoder: vector or raster.
	TileFormat    string
	GeoJSONFile   string
	MinDataLevel  int
	MaxDataLevel  int

	// TileCache is the raw tile byte cache type: memory, file or disabled.
	TileCache       string
	CacheTiles      int
	CacheFileDir    string
	VipsMaxCacheMB  int
	VipsConcurrency int

	CenterLon      float64
	CenterLat      float64
	Zoom           float64
	Tilt           float64
	ViewportWidth  int
	ViewportHeight int
	FrameInterval  int // milliseconds

	AllowedOrigin string
}

func Load() *Config {
	dataDir := getEnv("DATA_DIR", "/data")

	cfg := &Config{
		Port:     getEnvInt("PORT", 8080),
		LogLevel: getEnv("LOG_LEVEL", "info"),
		DataDir:  dataDir,

		Workers:        getEnvInt("WORKERS", runtime.NumCPU()),
		ConnectTimeout: getEnvInt("WORKER_CONNECT_TIMEOUT", 10),
		MaxConcurrent:  getEnvInt64("MAX_CONCURRENT_LOADS", 16),

		TileCacheSize:       getEnvInt("TILE_CACHE_SIZE", 200),
		ResourceComputation: getEnv("RESOURCE_COMPUTATION", "mb"),
		SearchUp:            getEnvInt("SEARCH_UP", 3),
		SearchDown:          getEnvInt("SEARCH_DOWN", 2),
		MaxVisibleTiles:     getEnvInt("MAX_VISIBLE_TILES", 100),

		TileSource:    getEnv("TILE_SOURCE", filepath.Join(dataDir, "tiles.mbtiles")),
		TileSourceRPS: getEnvFloat("TILE_SOURCE_RPS", 0),
		TileFormat:    getEnv("TILE_FORMAT", "vector"),
		GeoJSONFile:   getEnv("GEOJSON_FILE", ""),
		MinDataLevel:  getEnvInt("MIN_DATA_LEVEL", 1),
		MaxDataLevel:  getEnvInt("MAX_DATA_LEVEL", 14),

		TileCache:       getEnv("TILE_CACHE", "memory"),
		CacheTiles:      getEnvInt("CACHE_MEMORY_TILES", 2000),
		CacheFileDir:    getEnv("CACHE_FILE_DIR", filepath.Join(dataDir, "cache")),
		VipsMaxCacheMB:  getEnvInt("VIPS_MAX_CACHE_MB", 256),
		VipsConcurrency: getEnvInt("VIPS_CONCURRENCY", 1),

		CenterLon:      getEnvFloat("CENTER_LON", 0),
		CenterLat:      getEnvFloat("CENTER_LAT", 0),
		Zoom:           getEnvFloat("ZOOM", 2),
		Tilt:           getEnvFloat("TILT", 0),
		ViewportWidth:  getEnvInt("VIEWPORT_WIDTH", 1920),
		ViewportHeight: getEnvInt("VIEWPORT_HEIGHT", 1080),
		FrameInterval:  getEnvInt("FRAME_INTERVAL_MS", 100),

		AllowedOrigin: getEnv("ALLOWED_ORIGIN", ""),
	}

	return cfg
}

// Validate checks values that have no sensible fallback.
func (c *Config) Validate() error {
	switch strings.ToLower(c.ResourceComputation) {
	case "mb", "tiles":
	default:
		return fmt.Errorf("RESOURCE_COMPUTATION must be mb or tiles, got %q", c.ResourceComputation)
	}
	switch c.TileFormat {
	case "vector", "raster":
	default:
		return fmt.Errorf("TILE_FORMAT must be vector or raster, got %q", c.TileFormat)
	}
	if c.Workers <= 0 {
		return fmt.Errorf("WORKERS must be positive, got %d", c.Workers)
	}
	if c.TileCacheSize <= 0 {
		return fmt.Errorf("TILE_CACHE_SIZE must be positive, got %d", c.TileCacheSize)
	}
	if c.MinDataLevel < 0 || c.MaxDataLevel < c.MinDataLevel {
		return fmt.Errorf("invalid data level range [%d, %d]", c.MinDataLevel, c.MaxDataLevel)
	}
	if c.ViewportWidth <= 0 || c.ViewportHeight <= 0 {
		return fmt.Errorf("invalid viewport %dx%d", c.ViewportWidth, c.ViewportHeight)
	}
	return nil
}

// CountTiles reports whether the tile cache is budgeted by tile count.
func (c *Config) CountTiles() bool {
	return strings.EqualFold(c.ResourceComputation, "tiles")
}

func (c *Config) Aspect() float64 {
	return float64(c.ViewportWidth) / float64(c.ViewportHeight)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}
