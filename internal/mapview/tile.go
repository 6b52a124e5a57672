package mapview

import (
	"context"
	"sync"

	"mapview/internal/decoder"
	"mapview/internal/loader"
	"mapview/internal/tiling"
)

// tileOverhead is the estimated size of a tile without decoded data.
const tileOverhead = 1024

// Tile is the decoded content of one tile key of one data source.
type Tile struct {
	dataSource DataSource
	key        tiling.TileKey
	loader     *loader.Loader

	mu                    sync.Mutex
	payload               *decoder.DecodedTile // tiles without a loader
	previous              *decoder.DecodedTile // last ready content while reloading
	elevation             *tiling.ElevationRange
	frameNumLastVisible   int
	frameNumLastRequested int
	frameNumLastRendered  int
	visible               bool
	dirty                 bool
	disposed              bool
	onDispose             []func()
}

// NewTile creates a tile whose content is produced by l.
func NewTile(ds DataSource, key tiling.TileKey, l *loader.Loader) *Tile {
	return &Tile{dataSource: ds, key: key, loader: l, frameNumLastVisible: -1, frameNumLastRendered: -1}
}

// NewReadyTile creates a tile that needs no loading.
func NewReadyTile(ds DataSource, key tiling.TileKey, payload *decoder.DecodedTile) *Tile {
	t := NewTile(ds, key, nil)
	t.payload = payload
	return t
}

func (t *Tile) DataSource() DataSource { return t.dataSource }

func (t *Tile) Key() tiling.TileKey { return t.key }

func (t *Tile) Loader() *loader.Loader { return t.loader }

// State is the load state; tiles without a loader are always Ready.
func (t *Tile) State() loader.State {
	if t.loader == nil {
		return loader.Ready
	}
	return t.loader.State()
}

func (t *Tile) IsReady() bool { return t.State() == loader.Ready }

// IsLoading reports whether a fetch or decode is in flight.
func (t *Tile) IsLoading() bool {
	switch t.State() {
	case loader.Loading, loader.Loaded, loader.Decoding:
		return true
	}
	return false
}

// Load starts loading unless a load is in flight. The returned channel is
// closed when the load settles.
func (t *Tile) Load(ctx context.Context) <-chan struct{} {
	if t.loader == nil {
		done := make(chan struct{})
		close(done)
		return done
	}
	return t.loader.LoadAndDecode(ctx)
}

// Decoded returns the decoded content of a ready tile. A tile reloading after
// being marked dirty returns its previous content until the reload is ready.
func (t *Tile) Decoded() *decoder.DecodedTile {
	if t.loader == nil {
		t.mu.Lock()
		defer t.mu.Unlock()
		return t.payload
	}
	if t.IsReady() {
		return t.loader.Payload()
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.previous
}

// hasContent reports whether the tile can be drawn, from fresh or previous content.
func (t *Tile) hasContent() bool {
	return t.Decoded() != nil
}

// retainContent keeps the current content drawable across the next reload.
func (t *Tile) retainContent() {
	if t.loader == nil || !t.IsReady() {
		return
	}
	payload := t.loader.Payload()
	t.mu.Lock()
	t.previous = payload
	t.mu.Unlock()
}

func (t *Tile) dropPrevious() {
	t.mu.Lock()
	t.previous = nil
	t.mu.Unlock()
}

// MemoryUsage estimates the bytes held by the tile.
func (t *Tile) MemoryUsage() int64 {
	return tileOverhead + t.Decoded().MemoryUsage()
}

// SetElevationRange overrides the elevation range reported by the decoded data.
func (t *Tile) SetElevationRange(r tiling.ElevationRange) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.elevation = &r
}

// ElevationRange returns the height range covered by the tile, if known.
func (t *Tile) ElevationRange() (tiling.ElevationRange, bool) {
	t.mu.Lock()
	r := t.elevation
	t.mu.Unlock()
	if r != nil {
		return *r, true
	}
	if d := t.Decoded(); d != nil && d.ElevationRange != nil {
		return *d.ElevationRange, true
	}
	return tiling.ElevationRange{}, false
}

func (t *Tile) FrameNumLastVisible() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.frameNumLastVisible
}

func (t *Tile) FrameNumLastRequested() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.frameNumLastRequested
}

func (t *Tile) IsVisible() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.visible
}

func (t *Tile) IsDirty() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dirty
}

func (t *Tile) markVisible(frame int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.visible = true
	t.frameNumLastVisible = frame
	t.frameNumLastRequested = frame
}

func (t *Tile) markRendered(frame int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.frameNumLastRendered = frame
}

// resetVisibility clears the visible flag unless the tile was seen in frame.
func (t *Tile) resetVisibility(frame int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.frameNumLastVisible != frame {
		t.visible = false
	}
}

// usedIn reports whether the tile was visible or rendered as fallback in frame.
func (t *Tile) usedIn(frame int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.frameNumLastVisible == frame || t.frameNumLastRendered == frame
}

func (t *Tile) setDirty(dirty bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.dirty = dirty
}

// OnDispose registers fn to run when the tile is disposed, e.g. to release
// render resources built from its geometry.
func (t *Tile) OnDispose(fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onDispose = append(t.onDispose, fn)
}

// Dispose cancels a pending load and releases the tile. Safe to call more
// than once.
func (t *Tile) Dispose() {
	t.mu.Lock()
	if t.disposed {
		t.mu.Unlock()
		return
	}
	t.disposed = true
	hooks := t.onDispose
	t.onDispose = nil
	t.payload = nil
	t.previous = nil
	t.mu.Unlock()

	if t.loader != nil {
		t.loader.Cancel()
	}
	for _, fn := range hooks {
		fn()
	}
}

func (t *Tile) IsDisposed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.disposed
}
