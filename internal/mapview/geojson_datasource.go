package mapview

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"mapview/internal/decoder"
	"mapview/internal/loader"
	"mapview/internal/tiling"
)

// Tiler cuts an indexed data set into vector tiles.
type Tiler interface {
	Connect(ctx context.Context) error
	RegisterIndex(ctx context.Context, id string, input []byte) error
	UpdateIndex(ctx context.Context, id string, input []byte) error
	GetTile(ctx context.Context, index string, key tiling.TileKey) ([]byte, error)
	Dispose()
}

// GeoJSONDataSource shows a GeoJSON FeatureCollection, tiled on demand.
type GeoJSONDataSource struct {
	dataSourceBase
	tiler   Tiler
	decoder decoder.TileDecoder
	input   []byte
}

func NewGeoJSONDataSource(opts DataSourceOptions, t Tiler, d decoder.TileDecoder, input []byte, log *zap.Logger) *GeoJSONDataSource {
	ds := &GeoJSONDataSource{tiler: t, decoder: d, input: input}
	ds.init(opts, log)
	return ds
}

func (ds *GeoJSONDataSource) Connect(ctx context.Context) error {
	return ds.connect(func() error {
		if err := ds.tiler.Connect(ctx); err != nil {
			return err
		}
		if err := ds.decoder.Connect(ctx); err != nil {
			return err
		}
		if err := ds.tiler.RegisterIndex(ctx, ds.Name(), ds.input); err != nil {
			return fmt.Errorf("register index %s: %w", ds.Name(), err)
		}
		return nil
	})
}

// Update replaces the data set. Cached tiles keep the old content until they
// are marked dirty in the VisibleTileSet.
func (ds *GeoJSONDataSource) Update(ctx context.Context, input []byte) error {
	if ds.Status() != StatusConnected {
		return fmt.Errorf("update %s: %s", ds.Name(), ds.Status())
	}
	return ds.tiler.UpdateIndex(ctx, ds.Name(), input)
}

func (ds *GeoJSONDataSource) SetTheme(theme *decoder.Theme) error {
	return ds.decoder.Configure(theme, nil)
}

func (ds *GeoJSONDataSource) NewTile(key tiling.TileKey) *Tile {
	return NewTile(ds, key, loader.New(key, ds, ds.log))
}

func (ds *GeoJSONDataSource) Fetch(ctx context.Context, key tiling.TileKey) ([]byte, error) {
	return ds.tiler.GetTile(ctx, ds.Name(), key)
}

func (ds *GeoJSONDataSource) Decode(ctx context.Context, key tiling.TileKey, data []byte) (*decoder.DecodedTile, error) {
	return ds.decoder.DecodeTile(ctx, data, key, ds.Name(), decoder.ProjectionMercator)
}

func (ds *GeoJSONDataSource) Dispose() {
	if ds.markDisposed() {
		return
	}
	ds.decoder.Dispose()
	ds.tiler.Dispose()
	ds.setStatus(StatusDisconnected)
}
