// Package decoder turns raw tile bytes into decoded tile geometry, either in
// process or on a worker pool.
package decoder

import (
	"context"
	"errors"

	"github.com/paulmach/orb/geojson"

	"mapview/internal/tiling"
)

// BundleName is the worker bundle hosting every decoder service type.
const BundleName = "decoder"

// Service types hosted by the decoder bundle.
const (
	ServiceTypeVector = "vector-tile-decoder"
	ServiceTypeRaster = "raster-tile-decoder"
)

// ProjectionMercator is the only projection decoders emit coordinates for.
// Decoded geometry is expressed in WGS84 lon/lat either way.
const ProjectionMercator = "mercator"

var (
	ErrNotConnected     = errors.New("decoder: not connected")
	ErrDisposed         = errors.New("decoder: disposed")
	ErrUnknownRequest   = errors.New("decoder: unknown request")
	ErrUnsupportedImage = errors.New("decoder: unsupported image format")
)

// DecodeTileRequest asks a decoder service to decode one tile. Data changes
// owner when the request is posted.
type DecodeTileRequest struct {
	Data           []byte
	TileKey        uint64
	DataSourceName string
	Projection     string
}

// TileInfoRequest asks for a cheap summary of a tile without full decoding.
type TileInfoRequest struct {
	Data           []byte
	TileKey        uint64
	DataSourceName string
	Projection     string
}

type Kind string

const (
	KindEmpty  Kind = "empty"
	KindVector Kind = "vector"
	KindRaster Kind = "raster"
)

// DecodedLayer holds the features of one vector layer in WGS84.
type DecodedLayer struct {
	Name     string
	Features []*geojson.Feature
	Points   int
	Lines    int
	Polygons int
}

// DecodedTile is the result of decoding one tile.
type DecodedTile struct {
	Kind   Kind
	Layers []DecodedLayer

	// Raster tiles.
	Format string
	Width  int
	Height int
	Bands  int

	// ElevationRange is set when the tile carries heights.
	ElevationRange *tiling.ElevationRange

	// ByteSize is the estimated in-memory size of the decoded data.
	ByteSize int64
}

// EmptyTile is what decoders return for a tile without data.
func EmptyTile() *DecodedTile {
	return &DecodedTile{Kind: KindEmpty}
}

func (t *DecodedTile) IsEmpty() bool {
	return t == nil || t.Kind == KindEmpty
}

// MemoryUsage returns the estimated size in bytes.
func (t *DecodedTile) MemoryUsage() int64 {
	if t == nil {
		return 0
	}
	return t.ByteSize
}

func (t *DecodedTile) FeatureCount() int {
	if t == nil {
		return 0
	}
	n := 0
	for _, l := range t.Layers {
		n += len(l.Features)
	}
	return n
}

type LayerInfo struct {
	Name         string
	FeatureCount int
	Extent       uint32
}

// TileInfo summarizes a tile's content.
type TileInfo struct {
	TileKey        uint64
	DataSourceName string
	Kind           Kind
	Layers         []LayerInfo
}

// Theme is the part of a map style decoders care about.
type Theme struct {
	Name string
	// Layers restricts decoding to the named layers. Empty means all layers.
	Layers []string
}

func (t *Theme) allows(layer string) bool {
	if t == nil || len(t.Layers) == 0 {
		return true
	}
	for _, l := range t.Layers {
		if l == layer {
			return true
		}
	}
	return false
}

// TileDecoder decodes raw tile bytes.
type TileDecoder interface {
	Connect(ctx context.Context) error
	DecodeTile(ctx context.Context, data []byte, key tiling.TileKey, dataSourceName, projection string) (*DecodedTile, error)
	GetTileInfo(ctx context.Context, data []byte, key tiling.TileKey, dataSourceName, projection string) (*TileInfo, error)
	Configure(theme *Theme, options map[string]any) error
	Dispose()
}
