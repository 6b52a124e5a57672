package camera

import (
	"slices"

	"mapview/internal/tiling"
)

// Culler decides whether a world space box is on screen.
type Culler interface {
	IntersectsBox(box Box) bool
}

// ElevationFunc returns the elevation range of a tile. A nil ElevationFunc
// means flat ground at zero height.
type ElevationFunc func(key tiling.TileKey) tiling.ElevationRange

// VisibleTile is a key intersecting the frustum together with its distance
// to the reference point used for ordering.
type VisibleTile struct {
	Key      tiling.TileKey
	Distance float64
}

// EnumerateVisible walks the quadtree from the root down to level and
// returns the keys whose boxes intersect the culler, nearest to cam.Target
// first. limit bounds the number of candidates kept per level, nearest
// first; zero means unbounded.
func EnumerateVisible(
	culler Culler,
	cam *Camera,
	scheme tiling.TilingScheme,
	level uint32,
	elevation ElevationFunc,
	limit int,
) []VisibleTile {
	boxOf := func(key tiling.TileKey) Box {
		var er tiling.ElevationRange
		if elevation != nil {
			er = elevation(key)
		}
		return TileBox(scheme, key, er)
	}

	candidates := []VisibleTile{}
	root := tiling.NewTileKey(0, 0, 0)
	if culler.IntersectsBox(boxOf(root)) {
		candidates = append(candidates, VisibleTile{Key: root, Distance: cam.Target.Sub(boxOf(root).Center()).Len()})
	}

	for current := uint32(0); current < level && len(candidates) > 0; current++ {
		next := make([]VisibleTile, 0, len(candidates)*4)
		for _, c := range candidates {
			for _, child := range c.Key.Children() {
				box := boxOf(child)
				if !culler.IntersectsBox(box) {
					continue
				}
				next = append(next, VisibleTile{Key: child, Distance: cam.Target.Sub(box.Center()).Len()})
			}
		}
		sortByDistance(next)
		if limit > 0 && len(next) > limit {
			next = next[:limit]
		}
		candidates = next
	}

	sortByDistance(candidates)
	return candidates
}

func sortByDistance(tiles []VisibleTile) {
	slices.SortStableFunc(tiles, func(a, b VisibleTile) int {
		switch {
		case a.Distance < b.Distance:
			return -1
		case a.Distance > b.Distance:
			return 1
		}
		ma, mb := a.Key.MortonCode(), b.Key.MortonCode()
		switch {
		case ma < mb:
			return -1
		case ma > mb:
			return 1
		}
		return 0
	})
}
