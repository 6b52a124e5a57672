package mapview

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"mapview/internal/decoder"
	"mapview/internal/tiling"
)

// BackgroundDataSource covers the map with empty tiles that need no loading,
// so a background fill is drawn under every other source.
type BackgroundDataSource struct {
	dataSourceBase

	themeMu sync.Mutex
	theme   *decoder.Theme
}

func NewBackgroundDataSource(opts DataSourceOptions, log *zap.Logger) *BackgroundDataSource {
	ds := &BackgroundDataSource{}
	ds.init(opts, log)
	return ds
}

func (ds *BackgroundDataSource) Connect(context.Context) error {
	return ds.connect(func() error { return nil })
}

func (ds *BackgroundDataSource) SetTheme(theme *decoder.Theme) error {
	ds.themeMu.Lock()
	defer ds.themeMu.Unlock()
	ds.theme = theme
	return nil
}

func (ds *BackgroundDataSource) Theme() *decoder.Theme {
	ds.themeMu.Lock()
	defer ds.themeMu.Unlock()
	return ds.theme
}

func (ds *BackgroundDataSource) NewTile(key tiling.TileKey) *Tile {
	return NewReadyTile(ds, key, decoder.EmptyTile())
}

func (ds *BackgroundDataSource) Dispose() {
	if ds.markDisposed() {
		return
	}
	ds.setStatus(StatusDisconnected)
}
