package tiling

import (
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/maptile"
)

// WorldBox is an axis aligned box in normalized mercator space, where the
// whole world spans [0,1] on both axes and y grows southwards.
type WorldBox struct {
	MinX, MinY, MaxX, MaxY float64
}

func (b WorldBox) Center() (float64, float64) {
	return (b.MinX + b.MaxX) / 2, (b.MinY + b.MaxY) / 2
}

func (b WorldBox) Contains(other WorldBox) bool {
	return other.MinX >= b.MinX && other.MaxX <= b.MaxX && other.MinY >= b.MinY && other.MaxY <= b.MaxY
}

// ElevationRange is the min/max height in meters of the content of a tile.
type ElevationRange struct {
	Min float64
	Max float64
}

func (r ElevationRange) Union(other ElevationRange) ElevationRange {
	return ElevationRange{Min: math.Min(r.Min, other.Min), Max: math.Max(r.Max, other.Max)}
}

// TilingScheme maps tile keys onto geographic and world space.
type TilingScheme interface {
	Name() string
	GeoBox(key TileKey) orb.Bound
	WorldBox(key TileKey) WorldBox
	KeyAt(point orb.Point, level uint32) TileKey
}

type webMercator struct{}

// WebMercator is the XYZ slippy-map tiling used by vector and raster tile servers.
var WebMercator TilingScheme = webMercator{}

func (webMercator) Name() string { return "webMercator" }

func (webMercator) GeoBox(key TileKey) orb.Bound {
	return ToMapTile(key).Bound()
}

func (webMercator) WorldBox(key TileKey) WorldBox {
	scale := float64(uint64(1) << key.Level)
	return WorldBox{
		MinX: float64(key.Column) / scale,
		MinY: float64(key.Row) / scale,
		MaxX: float64(key.Column+1) / scale,
		MaxY: float64(key.Row+1) / scale,
	}
}

func (webMercator) KeyAt(point orb.Point, level uint32) TileKey {
	return FromMapTile(maptile.At(point, maptile.Zoom(level)))
}

// WorldPoint projects a lon/lat point into normalized mercator space.
func WorldPoint(point orb.Point) (float64, float64) {
	x := (point.Lon() + 180.0) / 360.0
	latRad := point.Lat() * math.Pi / 180.0
	y := (1.0 - math.Log(math.Tan(latRad)+1.0/math.Cos(latRad))/math.Pi) / 2.0
	return x, y
}

func ToMapTile(key TileKey) maptile.Tile {
	return maptile.New(key.Column, key.Row, maptile.Zoom(key.Level))
}

func FromMapTile(t maptile.Tile) TileKey {
	return TileKey{Row: t.Y, Column: t.X, Level: uint32(t.Z)}
}
