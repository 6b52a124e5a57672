package mapview

import (
	"context"

	"go.uber.org/zap"

	"mapview/internal/decoder"
	"mapview/internal/loader"
	"mapview/internal/provider"
	"mapview/internal/tiling"
)

// TileDataSource fetches raw tiles from a provider and decodes them with a
// decoder, usually a WorkerBasedDecoder.
type TileDataSource struct {
	dataSourceBase
	provider provider.Provider
	decoder  decoder.TileDecoder
}

func NewTileDataSource(opts DataSourceOptions, p provider.Provider, d decoder.TileDecoder, log *zap.Logger) *TileDataSource {
	ds := &TileDataSource{provider: p, decoder: d}
	ds.init(opts, log)
	return ds
}

func (ds *TileDataSource) Connect(ctx context.Context) error {
	return ds.connect(func() error { return ds.decoder.Connect(ctx) })
}

func (ds *TileDataSource) SetTheme(theme *decoder.Theme) error {
	return ds.decoder.Configure(theme, nil)
}

func (ds *TileDataSource) NewTile(key tiling.TileKey) *Tile {
	return NewTile(ds, key, loader.New(key, ds, ds.log))
}

// Fetch implements loader.Strategy.
func (ds *TileDataSource) Fetch(ctx context.Context, key tiling.TileKey) ([]byte, error) {
	return ds.provider.GetTile(ctx, key)
}

// Decode implements loader.Strategy. data is handed over to the decoder.
func (ds *TileDataSource) Decode(ctx context.Context, key tiling.TileKey, data []byte) (*decoder.DecodedTile, error) {
	return ds.decoder.DecodeTile(ctx, data, key, ds.Name(), decoder.ProjectionMercator)
}

// OnCancel implements loader.Canceler.
func (ds *TileDataSource) OnCancel(key tiling.TileKey) {
	ds.log.Debug("Tile load cancelled", zap.Stringer("tile", key))
}

func (ds *TileDataSource) Dispose() {
	if ds.markDisposed() {
		return
	}
	ds.decoder.Dispose()
	if err := ds.provider.Close(); err != nil {
		ds.log.Warn("Failed to close tile provider", zap.Error(err))
	}
	ds.setStatus(StatusDisconnected)
}
