// Package camera provides the minimal camera and frustum tests the tile
// visibility code needs.
package camera

import (
	"math"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/paulmach/orb"

	"mapview/internal/tiling"
)

// EarthCircumference is the world size in meters at the equator.
const EarthCircumference = 40075016.68557849

const (
	defaultFovY = 45.0
	maxTilt     = 80.0
)

// Camera is a perspective camera in world space. World space is meters,
// x east, y north, z up, origin at the north-west corner of the mercator world.
type Camera struct {
	Eye    mgl64.Vec3
	Target mgl64.Vec3
	Up     mgl64.Vec3
	FovY   float64 // degrees
	Aspect float64
	Near   float64
	Far    float64
}

// NewTopViewCamera places a camera looking at center from the height that
// shows roughly one tile of the given zoom level per 256 pixels of a
// viewport with the given height. tilt is measured from the vertical in degrees.
func NewTopViewCamera(center orb.Point, zoom, tilt, aspect float64, viewportHeight int) *Camera {
	target := WorldFromGeo(center, 0)
	height := HeightForZoom(zoom, defaultFovY, viewportHeight)

	tiltRad := mgl64.DegToRad(math.Max(0, math.Min(tilt, maxTilt)))
	eye := mgl64.Vec3{
		target.X(),
		target.Y() - height*math.Sin(tiltRad),
		height * math.Cos(tiltRad),
	}

	return &Camera{
		Eye:    eye,
		Target: target,
		Up:     mgl64.Vec3{0, 1, 0},
		FovY:   defaultFovY,
		Aspect: aspect,
		Near:   height * 0.1,
		Far:    height * 4,
	}
}

// HeightForZoom returns the camera distance at which tiles of level zoom
// appear 256 pixels wide.
func HeightForZoom(zoom, fovY float64, viewportHeight int) float64 {
	if viewportHeight <= 0 {
		viewportHeight = 1024
	}
	tileSize := EarthCircumference / math.Exp2(zoom)
	visible := tileSize * float64(viewportHeight) / 256
	return visible / 2 / math.Tan(mgl64.DegToRad(fovY)/2)
}

// ZoomLevel is the inverse of HeightForZoom for the current eye distance.
func (c *Camera) ZoomLevel(viewportHeight int) float64 {
	if viewportHeight <= 0 {
		viewportHeight = 1024
	}
	distance := c.Eye.Sub(c.Target).Len()
	visible := distance * 2 * math.Tan(mgl64.DegToRad(c.FovY)/2)
	return math.Log2(EarthCircumference * float64(viewportHeight) / 256 / visible)
}

func (c *Camera) View() mgl64.Mat4 {
	return mgl64.LookAtV(c.Eye, c.Target, c.Up)
}

func (c *Camera) Projection() mgl64.Mat4 {
	return mgl64.Perspective(mgl64.DegToRad(c.FovY), c.Aspect, c.Near, c.Far)
}

func (c *Camera) ViewProjection() mgl64.Mat4 {
	return c.Projection().Mul4(c.View())
}

// Frustum returns the culling volume of the current camera state.
func (c *Camera) Frustum() Frustum {
	return NewFrustum(c.ViewProjection())
}

// WorldFromGeo projects a geographic point at the given altitude into world space.
func WorldFromGeo(point orb.Point, altitude float64) mgl64.Vec3 {
	x, y := tiling.WorldPoint(point)
	return mgl64.Vec3{x * EarthCircumference, (1 - y) * EarthCircumference, altitude}
}

// TileBox returns the world space bounding box of a tile extruded to its elevation range.
func TileBox(scheme tiling.TilingScheme, key tiling.TileKey, elevation tiling.ElevationRange) Box {
	wb := scheme.WorldBox(key)
	return Box{
		Min: mgl64.Vec3{wb.MinX * EarthCircumference, (1 - wb.MaxY) * EarthCircumference, elevation.Min},
		Max: mgl64.Vec3{wb.MaxX * EarthCircumference, (1 - wb.MinY) * EarthCircumference, elevation.Max},
	}
}
