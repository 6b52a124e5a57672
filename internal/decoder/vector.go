package decoder

import (
	"context"
	"fmt"
	"sync"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/mvt"
	"go.uber.org/zap"

	"mapview/internal/tiling"
)

const (
	featureOverhead = 64
	pointSize       = 16
)

// VectorDecoder decodes Mapbox Vector Tiles in the calling goroutine.
type VectorDecoder struct {
	log *zap.Logger

	mu      sync.RWMutex
	theme   *Theme
	options map[string]any
}

func NewVectorDecoder(log *zap.Logger) *VectorDecoder {
	return &VectorDecoder{log: log}
}

func (d *VectorDecoder) Connect(context.Context) error { return nil }

func (d *VectorDecoder) Configure(theme *Theme, options map[string]any) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.theme = theme
	d.options = options
	d.log.Debug("Decoder configured", zap.Any("theme", theme))
	return nil
}

func (d *VectorDecoder) currentTheme() *Theme {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.theme
}

func (d *VectorDecoder) DecodeTile(ctx context.Context, data []byte, key tiling.TileKey, dataSourceName, projection string) (*DecodedTile, error) {
	if len(data) == 0 {
		return EmptyTile(), nil
	}
	layers, err := unmarshalMVT(data)
	if err != nil {
		return nil, fmt.Errorf("decode %s tile %s: %w", dataSourceName, key, err)
	}

	theme := d.currentTheme()
	tile := &DecodedTile{Kind: KindVector}
	var elevation *tiling.ElevationRange

	for _, layer := range layers {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !theme.allows(layer.Name) {
			continue
		}
		layer.ProjectToWGS84(tiling.ToMapTile(key))

		decoded := DecodedLayer{Name: layer.Name, Features: layer.Features}
		for _, f := range layer.Features {
			switch f.Geometry.Dimensions() {
			case 0:
				decoded.Points++
			case 1:
				decoded.Lines++
			default:
				decoded.Polygons++
			}
			tile.ByteSize += featureOverhead + int64(countPoints(f.Geometry))*pointSize

			if h := f.Properties.MustFloat64("height", 0); h > 0 {
				r := tiling.ElevationRange{Min: 0, Max: h}
				if elevation != nil {
					r = elevation.Union(r)
				}
				elevation = &r
			}
		}
		tile.Layers = append(tile.Layers, decoded)
	}
	tile.ElevationRange = elevation
	return tile, nil
}

func (d *VectorDecoder) GetTileInfo(_ context.Context, data []byte, key tiling.TileKey, dataSourceName, _ string) (*TileInfo, error) {
	info := &TileInfo{TileKey: key.MortonCode(), DataSourceName: dataSourceName, Kind: KindEmpty}
	if len(data) == 0 {
		return info, nil
	}
	layers, err := unmarshalMVT(data)
	if err != nil {
		return nil, fmt.Errorf("tile info %s tile %s: %w", dataSourceName, key, err)
	}
	info.Kind = KindVector
	for _, layer := range layers {
		info.Layers = append(info.Layers, LayerInfo{
			Name:         layer.Name,
			FeatureCount: len(layer.Features),
			Extent:       layer.Extent,
		})
	}
	return info, nil
}

func (d *VectorDecoder) Dispose() {}

func unmarshalMVT(data []byte) (mvt.Layers, error) {
	if isGzipped(data) {
		return mvt.UnmarshalGzipped(data)
	}
	return mvt.Unmarshal(data)
}

func isGzipped(data []byte) bool {
	return len(data) >= 2 && data[0] == 0x1f && data[1] == 0x8b
}

func countPoints(g orb.Geometry) int {
	switch g := g.(type) {
	case orb.Point:
		return 1
	case orb.MultiPoint:
		return len(g)
	case orb.LineString:
		return len(g)
	case orb.MultiLineString:
		n := 0
		for _, ls := range g {
			n += len(ls)
		}
		return n
	case orb.Ring:
		return len(g)
	case orb.Polygon:
		n := 0
		for _, r := range g {
			n += len(r)
		}
		return n
	case orb.MultiPolygon:
		n := 0
		for _, p := range g {
			n += countPoints(p)
		}
		return n
	case orb.Collection:
		n := 0
		for _, c := range g {
			n += countPoints(c)
		}
		return n
	default:
		return 0
	}
}
