package mapview

import (
	"mapview/internal/camera"
	"mapview/internal/tiling"
)

// TileSelector picks the tile keys a data source should show in a frame,
// nearest first.
type TileSelector interface {
	SelectTiles(scheme tiling.TilingScheme, level uint32, elevation camera.ElevationFunc, limit int) []camera.VisibleTile
}

// FrustumSelector selects the tiles intersecting the camera frustum.
type FrustumSelector struct {
	Camera *camera.Camera
}

func (s FrustumSelector) SelectTiles(scheme tiling.TilingScheme, level uint32, elevation camera.ElevationFunc, limit int) []camera.VisibleTile {
	return camera.EnumerateVisible(s.Camera.Frustum(), s.Camera, scheme, level, elevation, limit)
}

// ElevationRangeSource provides the height range of tiles, e.g. from a
// terrain data source.
type ElevationRangeSource interface {
	ElevationRange(key tiling.TileKey) tiling.ElevationRange
	// Ready reports whether ranges are available yet.
	Ready() bool
}
