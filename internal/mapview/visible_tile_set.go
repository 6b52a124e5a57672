package mapview

import (
	"cmp"
	"context"
	"slices"
	"sync"

	"go.uber.org/zap"

	"mapview/internal/camera"
	"mapview/internal/loader"
	"mapview/internal/tiling"
)

// ResourceComputationType selects the unit of the tile cache budget.
type ResourceComputationType int

const (
	// EstimationInMb budgets the cache by the estimated size of decoded tiles.
	EstimationInMb ResourceComputationType = iota
	// NumberOfTiles budgets the cache by tile count.
	NumberOfTiles
)

func (t ResourceComputationType) String() string {
	if t == NumberOfTiles {
		return "tiles"
	}
	return "mb"
}

const bytesPerMb = 1024 * 1024

// VisibleTileSetOptions configures tile selection, fallback search and the
// cache budget of a VisibleTileSet.
type VisibleTileSetOptions struct {
	// TileCacheSize is in megabytes or tiles depending on ResourceComputationType.
	TileCacheSize           int
	ResourceComputationType ResourceComputationType
	// QuadTreeSearchDistanceUp is how many coarser levels are searched for a fallback.
	QuadTreeSearchDistanceUp int
	// QuadTreeSearchDistanceDown is how many finer levels are searched for a fallback.
	QuadTreeSearchDistanceDown int
	// MaxVisibleDataSourceTiles bounds the tiles selected per data source and frame.
	MaxVisibleDataSourceTiles int
	ClipPlanesEvaluator       camera.ClipPlanesEvaluator
	// Selector overrides frustum based tile selection.
	Selector TileSelector
	// Scheduler, when set, queues loads instead of starting them at once.
	Scheduler *loader.Scheduler
}

func DefaultVisibleTileSetOptions() VisibleTileSetOptions {
	return VisibleTileSetOptions{
		TileCacheSize:              200,
		ResourceComputationType:    EstimationInMb,
		QuadTreeSearchDistanceUp:   3,
		QuadTreeSearchDistanceDown: 2,
		MaxVisibleDataSourceTiles:  100,
		ClipPlanesEvaluator:        camera.DefaultClipPlanesEvaluator(),
	}
}

// RenderListEntry is what one data source draws in one frame.
type RenderListEntry struct {
	DataSource   DataSource
	ZoomLevel    float64
	StorageLevel uint32
	// RenderedTiles holds the tiles to draw by morton code, fallbacks included.
	RenderedTiles map[uint64]*Tile
	// VisibleTiles are the keys the view wants at StorageLevel.
	VisibleTiles          []tiling.TileKey
	NumTilesLoading       int
	AllVisibleTilesLoaded bool
}

type tileCacheKey struct {
	dataSource DataSource
	code       uint64
}

// CacheOccupancy is the state of the tile cache.
type CacheOccupancy struct {
	Tiles int
	Bytes int64
}

// Stats is a snapshot of the cache and of the last render list.
type Stats struct {
	Frame                   int
	CachedTiles             int
	CacheBytes              int64
	Occupancy               float64
	TileCacheSize           int
	ResourceComputationType string
	DataSources             []DataSourceStats
}

// DataSourceStats summarizes one render list entry.
type DataSourceStats struct {
	Name         string
	Status       string
	StorageLevel uint32
	Visible      int
	Rendered     int
	Loading      int
	AllLoaded    bool
}

// VisibleTileSet computes the tiles to draw every frame and owns the tile
// cache. At most one tile exists per data source and key.
type VisibleTileSet struct {
	ctx    context.Context
	camera *camera.Camera
	opts   VisibleTileSetOptions
	log    *zap.Logger

	mu         sync.Mutex
	frame      int
	tiles      map[tileCacheKey]*Tile
	renderList []*RenderListEntry
}

// NewVisibleTileSet creates a tile set for cam. Loads it starts are bound to ctx.
func NewVisibleTileSet(ctx context.Context, cam *camera.Camera, opts VisibleTileSetOptions, log *zap.Logger) *VisibleTileSet {
	if opts.Selector == nil {
		opts.Selector = FrustumSelector{Camera: cam}
	}
	return &VisibleTileSet{
		ctx:    ctx,
		camera: cam,
		opts:   opts,
		log:    log.Named("visible_tile_set"),
		tiles:  make(map[tileCacheKey]*Tile),
	}
}

func (v *VisibleTileSet) Options() VisibleTileSetOptions {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.opts
}

// UpdateRenderList selects, loads and substitutes the tiles of every data
// source for a new frame, then evicts what the cache budget no longer allows.
// It reports whether the camera clip planes changed, in which case the caller
// has to rebuild its matrices before drawing.
func (v *VisibleTileSet) UpdateRenderList(storageLevel int, zoomLevel float64, dataSources []DataSource, elevationSource ElevationRangeSource) bool {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.frame++
	frame := v.frame

	var elevationFn camera.ElevationFunc
	if elevationSource != nil && elevationSource.Ready() {
		elevationFn = elevationSource.ElevationRange
	}

	v.renderList = v.renderList[:0]
	var contentRange *tiling.ElevationRange

	for _, ds := range dataSources {
		if ds.Status() != StatusConnected || !ds.IsVisible(zoomLevel) {
			continue
		}

		level := ds.DataLevel(storageLevel)
		entry := &RenderListEntry{
			DataSource:    ds,
			ZoomLevel:     zoomLevel,
			StorageLevel:  level,
			RenderedTiles: make(map[uint64]*Tile),
		}

		selected := v.opts.Selector.SelectTiles(ds.TilingScheme(), level, elevationFn, v.opts.MaxVisibleDataSourceTiles)
		for rank, vt := range selected {
			entry.VisibleTiles = append(entry.VisibleTiles, vt.Key)

			tile, created := v.tileLocked(ds, vt.Key)
			seenLastFrame := tile.FrameNumLastVisible() == frame-1
			tile.markVisible(frame)
			v.requestLoad(tile, created, seenLastFrame, len(selected)-rank)

			switch {
			case tile.IsReady():
				tile.dropPrevious()
				entry.RenderedTiles[vt.Key.MortonCode()] = tile
				tile.markRendered(frame)
			case tile.hasContent():
				// reloading after MarkTilesDirty, drawn from its previous content
				entry.NumTilesLoading++
				entry.RenderedTiles[vt.Key.MortonCode()] = tile
				tile.markRendered(frame)
			default:
				entry.NumTilesLoading++
				for _, fallback := range v.findFallbackLocked(ds, vt.Key) {
					entry.RenderedTiles[fallback.Key().MortonCode()] = fallback
					fallback.markRendered(frame)
				}
			}

			r, ok := tile.ElevationRange()
			if !ok && elevationFn != nil {
				r, ok = elevationFn(vt.Key), true
			}
			if ok {
				if contentRange != nil {
					r = contentRange.Union(r)
				}
				contentRange = &r
			}
		}
		entry.AllVisibleTilesLoaded = entry.NumTilesLoading == 0
		v.renderList = append(v.renderList, entry)
	}

	v.retireInvisibleLocked(frame)
	v.evictLocked(frame)

	if v.opts.Scheduler != nil {
		v.opts.Scheduler.Process()
	}

	if v.camera == nil {
		return false
	}
	var elevation tiling.ElevationRange
	if contentRange != nil {
		elevation = *contentRange
	}
	return v.opts.ClipPlanesEvaluator.Update(v.camera, elevation)
}

// tileLocked returns the cached tile of ds at key, creating it if needed.
func (v *VisibleTileSet) tileLocked(ds DataSource, key tiling.TileKey) (*Tile, bool) {
	ck := tileCacheKey{dataSource: ds, code: key.MortonCode()}
	if tile, ok := v.tiles[ck]; ok {
		return tile, false
	}
	tile := ds.NewTile(key)
	v.tiles[ck] = tile
	return tile, true
}

// requestLoad starts or restarts the load of a visible tile. Dirty tiles
// reload; failed tiles retry only once they come back into view.
func (v *VisibleTileSet) requestLoad(tile *Tile, created, seenLastFrame bool, priority int) {
	l := tile.Loader()
	if l == nil {
		tile.setDirty(false)
		return
	}

	if tile.IsDirty() {
		tile.setDirty(false)
		tile.retainContent()
		l.Cancel()
		v.startLoad(l, priority)
		return
	}

	switch l.State() {
	case loader.Initialized, loader.Canceled:
		v.startLoad(l, priority)
	case loader.Failed:
		if !seenLastFrame && !created {
			v.startLoad(l, priority)
		}
	}
}

func (v *VisibleTileSet) startLoad(l *loader.Loader, priority int) {
	if v.opts.Scheduler == nil {
		l.LoadAndDecode(v.ctx)
		return
	}
	l.SetPriority(priority)
	v.opts.Scheduler.Schedule(l)
}

// findFallbackLocked looks for loaded tiles covering key at other levels.
// The closest level wins; at equal distance the ancestor is preferred since
// it always covers the whole area.
func (v *VisibleTileSet) findFallbackLocked(ds DataSource, key tiling.TileKey) []*Tile {
	up, down := v.opts.QuadTreeSearchDistanceUp, v.opts.QuadTreeSearchDistanceDown
	for distance := 1; distance <= max(up, down); distance++ {
		if distance <= up && int(key.Level) >= distance {
			ancestor := key.ParentAt(key.Level - uint32(distance))
			if tile := v.tiles[tileCacheKey{ds, ancestor.MortonCode()}]; tile != nil && tile.hasContent() {
				return []*Tile{tile}
			}
		}
		if distance <= down && int(key.Level)+distance <= tiling.MaxLevel {
			var found []*Tile
			for _, child := range key.ChildrenAt(key.Level + uint32(distance)) {
				if tile := v.tiles[tileCacheKey{ds, child.MortonCode()}]; tile != nil && tile.hasContent() {
					found = append(found, tile)
				}
			}
			if len(found) > 0 {
				return found
			}
		}
	}
	return nil
}

// retireInvisibleLocked clears the visible flag of tiles not seen in frame and
// aborts their loads.
func (v *VisibleTileSet) retireInvisibleLocked(frame int) {
	for _, tile := range v.tiles {
		if tile.FrameNumLastVisible() == frame {
			continue
		}
		tile.resetVisibility(frame)
		if l := tile.Loader(); l != nil {
			if v.opts.Scheduler != nil {
				v.opts.Scheduler.Unschedule(l)
			}
			if tile.IsLoading() || l.State() == loader.Initialized {
				l.Cancel()
			}
		}
	}
}

func (v *VisibleTileSet) occupancyLocked() CacheOccupancy {
	var o CacheOccupancy
	for _, tile := range v.tiles {
		o.Tiles++
		o.Bytes += tile.MemoryUsage()
	}
	return o
}

func (v *VisibleTileSet) overBudget(o CacheOccupancy) bool {
	if v.opts.ResourceComputationType == NumberOfTiles {
		return o.Tiles > v.opts.TileCacheSize
	}
	return float64(o.Bytes)/bytesPerMb > float64(v.opts.TileCacheSize)
}

// evictLocked drops least recently visible tiles until the cache fits its
// budget. Tiles used in frame and tiles still loading are kept.
func (v *VisibleTileSet) evictLocked(frame int) {
	occupancy := v.occupancyLocked()
	if !v.overBudget(occupancy) {
		return
	}

	type candidate struct {
		key         tileCacheKey
		tile        *Tile
		lastVisible int
	}
	var candidates []candidate
	for ck, tile := range v.tiles {
		if tile.usedIn(frame) || tile.IsLoading() {
			continue
		}
		candidates = append(candidates, candidate{ck, tile, tile.FrameNumLastVisible()})
	}
	slices.SortFunc(candidates, func(a, b candidate) int {
		return cmp.Or(
			cmp.Compare(a.lastVisible, b.lastVisible),
			cmp.Compare(a.key.code, b.key.code),
		)
	})

	evicted := 0
	for _, c := range candidates {
		if !v.overBudget(occupancy) {
			break
		}
		occupancy.Tiles--
		occupancy.Bytes -= c.tile.MemoryUsage()
		delete(v.tiles, c.key)
		c.tile.Dispose()
		evicted++
	}
	if evicted > 0 {
		v.log.Debug("Evicted tiles",
			zap.Int("evicted", evicted),
			zap.Int("cached", occupancy.Tiles),
			zap.Bool("over_budget", v.overBudget(occupancy)))
	}
}

// DataSourceTileList returns the render list of the last frame.
func (v *VisibleTileSet) DataSourceTileList() []*RenderListEntry {
	v.mu.Lock()
	defer v.mu.Unlock()
	return slices.Clone(v.renderList)
}

func matches(ds DataSource, filter []DataSource) bool {
	return len(filter) == 0 || slices.Contains(filter, ds)
}

// ClearTileCache disposes the cached tiles of the given data sources, or of
// all data sources when none is given.
func (v *VisibleTileSet) ClearTileCache(dataSources ...DataSource) {
	v.mu.Lock()
	defer v.mu.Unlock()

	for ck, tile := range v.tiles {
		if !matches(ck.dataSource, dataSources) {
			continue
		}
		delete(v.tiles, ck)
		tile.Dispose()
	}
	v.renderList = slices.DeleteFunc(v.renderList, func(e *RenderListEntry) bool {
		return matches(e.DataSource, dataSources)
	})
}

// MarkTilesDirty flags the cached tiles of the given data sources, or of all
// data sources when none is given, for reloading. Visible tiles reload on the
// next update, the others when they become visible again. Flagged tiles stay
// cached and keep drawing their current content until then.
func (v *VisibleTileSet) MarkTilesDirty(dataSources ...DataSource) {
	v.mu.Lock()
	defer v.mu.Unlock()

	for ck, tile := range v.tiles {
		if matches(ck.dataSource, dataSources) {
			tile.setDirty(true)
		}
	}
}

// DisposePendingTiles drops tiles that are still loading but no longer visible.
func (v *VisibleTileSet) DisposePendingTiles() {
	v.mu.Lock()
	defer v.mu.Unlock()

	for ck, tile := range v.tiles {
		if tile.IsVisible() {
			continue
		}
		state := tile.State()
		if tile.IsLoading() || state == loader.Initialized || state == loader.Canceled {
			if v.opts.Scheduler != nil && tile.Loader() != nil {
				v.opts.Scheduler.Unschedule(tile.Loader())
			}
			delete(v.tiles, ck)
			tile.Dispose()
		}
	}
}

func (v *VisibleTileSet) CacheOccupancy() CacheOccupancy {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.occupancyLocked()
}

// ForEachCachedTile calls fn for every cached tile, optionally restricted to
// one data source.
func (v *VisibleTileSet) ForEachCachedTile(fn func(*Tile), dataSources ...DataSource) {
	v.mu.Lock()
	tiles := make([]*Tile, 0, len(v.tiles))
	for ck, tile := range v.tiles {
		if matches(ck.dataSource, dataSources) {
			tiles = append(tiles, tile)
		}
	}
	v.mu.Unlock()

	for _, tile := range tiles {
		fn(tile)
	}
}

// CachedTile returns the cached tile of ds at key, or nil.
func (v *VisibleTileSet) CachedTile(ds DataSource, key tiling.TileKey) *Tile {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.tiles[tileCacheKey{ds, key.MortonCode()}]
}

// SetCacheSize changes the budget and evicts right away if needed.
func (v *VisibleTileSet) SetCacheSize(size int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.opts.TileCacheSize = size
	v.evictLocked(v.frame)
}

func (v *VisibleTileSet) SetResourceComputationType(t ResourceComputationType) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.opts.ResourceComputationType = t
	v.evictLocked(v.frame)
}

func (v *VisibleTileSet) Stats() Stats {
	v.mu.Lock()
	defer v.mu.Unlock()

	o := v.occupancyLocked()
	occupancy := float64(o.Tiles)
	if v.opts.ResourceComputationType == EstimationInMb {
		occupancy = float64(o.Bytes) / bytesPerMb
	}
	stats := Stats{
		Frame:                   v.frame,
		CachedTiles:             o.Tiles,
		CacheBytes:              o.Bytes,
		Occupancy:               occupancy,
		TileCacheSize:           v.opts.TileCacheSize,
		ResourceComputationType: v.opts.ResourceComputationType.String(),
	}
	for _, e := range v.renderList {
		stats.DataSources = append(stats.DataSources, DataSourceStats{
			Name:         e.DataSource.Name(),
			Status:       e.DataSource.Status().String(),
			StorageLevel: e.StorageLevel,
			Visible:      len(e.VisibleTiles),
			Rendered:     len(e.RenderedTiles),
			Loading:      e.NumTilesLoading,
			AllLoaded:    e.AllVisibleTilesLoaded,
		})
	}
	return stats
}
