// Package mapview decides every frame which tiles of which data sources are
// drawn, and owns the cache of loaded tiles.
package mapview

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"mapview/internal/decoder"
	"mapview/internal/tiling"
)

const (
	DefaultMinDataLevel = 1
	DefaultMaxDataLevel = 14
	MaxDisplayLevel     = 20
)

var ErrDataSourceDisposed = errors.New("mapview: data source disposed")

type Status int

const (
	StatusDisconnected Status = iota
	StatusConnecting
	StatusConnected
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// DataSource is one source of tiles shown on the map.
type DataSource interface {
	Name() string
	Connect(ctx context.Context) error
	TilingScheme() tiling.TilingScheme
	SetTheme(theme *decoder.Theme) error
	// IsVisible reports whether the source is shown at zoomLevel.
	IsVisible(zoomLevel float64) bool
	// DataLevel maps the level the view wants to the level tiles are stored at.
	DataLevel(storageLevel int) uint32
	NewTile(key tiling.TileKey) *Tile
	Dispose()
	Status() Status
}

// DataSourceOptions are common to every data source.
type DataSourceOptions struct {
	Name            string
	Scheme          tiling.TilingScheme
	MinDataLevel    uint32
	MaxDataLevel    uint32
	MinDisplayLevel float64
	MaxDisplayLevel float64
}

func (o *DataSourceOptions) setDefaults() {
	if o.Scheme == nil {
		o.Scheme = tiling.WebMercator
	}
	if o.MaxDataLevel == 0 {
		o.MinDataLevel = max(o.MinDataLevel, DefaultMinDataLevel)
		o.MaxDataLevel = DefaultMaxDataLevel
	}
	if o.MaxDisplayLevel == 0 {
		o.MaxDisplayLevel = MaxDisplayLevel
	}
}

// dataSourceBase holds what every data source shares: naming, level ranges and
// connection status.
type dataSourceBase struct {
	opts DataSourceOptions
	log  *zap.Logger

	mu        sync.Mutex
	status    Status
	listeners []func(Status)
	disposed  bool
}

func (b *dataSourceBase) init(opts DataSourceOptions, log *zap.Logger) {
	opts.setDefaults()
	b.opts = opts
	b.log = log.Named("datasource").With(zap.String("datasource", opts.Name))
}

func (b *dataSourceBase) Name() string { return b.opts.Name }

func (b *dataSourceBase) TilingScheme() tiling.TilingScheme { return b.opts.Scheme }

func (b *dataSourceBase) IsVisible(zoomLevel float64) bool {
	return zoomLevel >= b.opts.MinDisplayLevel && zoomLevel <= b.opts.MaxDisplayLevel
}

func (b *dataSourceBase) DataLevel(storageLevel int) uint32 {
	level := uint32(max(storageLevel, 0))
	return min(max(level, b.opts.MinDataLevel), b.opts.MaxDataLevel)
}

func (b *dataSourceBase) Status() Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.status
}

// OnStatus registers fn to be called on every status change.
func (b *dataSourceBase) OnStatus(fn func(Status)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listeners = append(b.listeners, fn)
}

func (b *dataSourceBase) setStatus(s Status) {
	b.mu.Lock()
	if b.status == s {
		b.mu.Unlock()
		return
	}
	b.status = s
	listeners := append([]func(Status){}, b.listeners...)
	b.mu.Unlock()

	b.log.Info("Data source status changed", zap.Stringer("status", s))
	for _, fn := range listeners {
		fn(s)
	}
}

// markDisposed flips the disposed flag and reports whether it was already set.
func (b *dataSourceBase) markDisposed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.disposed {
		return true
	}
	b.disposed = true
	return false
}

func (b *dataSourceBase) isDisposed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.disposed
}

// connect runs fn with status bookkeeping around it.
func (b *dataSourceBase) connect(fn func() error) error {
	if b.isDisposed() {
		return ErrDataSourceDisposed
	}
	if b.Status() == StatusConnected {
		return nil
	}
	b.setStatus(StatusConnecting)
	if err := fn(); err != nil {
		b.setStatus(StatusFailed)
		b.log.Error("Failed to connect data source", zap.Error(err))
		return err
	}
	b.setStatus(StatusConnected)
	return nil
}
