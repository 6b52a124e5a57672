package provider

import (
	"fmt"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"mapview/internal/tiling"
)

// Open creates a provider from a source description:
//
//	https://host/{z}/{x}/{y}.pbf   HTTP template
//	/data/tiles/{z}/{x}/{y}.pbf    directory pattern
//	/data/world.mbtiles            MBTiles database
//	/data/world.mvta               tile archive
//	memory                         empty in-memory provider
func Open(source string, requestsPerSecond float64, log *zap.Logger) (Provider, error) {
	switch {
	case source == "memory":
		return NewMemoryProvider(), nil
	case strings.HasPrefix(source, "http://"), strings.HasPrefix(source, "https://"):
		return NewHTTPProvider(source, requestsPerSecond, int(max(requestsPerSecond, 1)), log), nil
	case strings.Contains(source, "{z}"):
		return NewDirProvider(source)
	}

	switch strings.ToLower(filepath.Ext(source)) {
	case ".mbtiles":
		return NewMBTilesProvider(source)
	case ".mvta":
		return NewArchiveProvider(source)
	default:
		return nil, fmt.Errorf("unsupported tile source: %s", source)
	}
}

// Writer stores tiles; Close flushes them.
type Writer interface {
	WriteTile(key tiling.TileKey, data []byte) error
	Close() error
}

// Create returns a writer for a destination in any format Open reads except
// HTTP and memory.
func Create(dest string, metadata map[string]string) (Writer, error) {
	if strings.Contains(dest, "{z}") {
		return NewDirProvider(dest)
	}
	switch strings.ToLower(filepath.Ext(dest)) {
	case ".mbtiles":
		return NewMBTilesWriter(dest, metadata)
	case ".mvta":
		return NewArchiveWriter(dest), nil
	default:
		return nil, fmt.Errorf("unsupported tile destination: %s", dest)
	}
}
