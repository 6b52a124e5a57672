package camera

import (
	"math"

	"mapview/internal/tiling"
)

// ClipPlanesEvaluator derives near and far planes from the camera position
// and the elevation range of the visible content.
type ClipPlanesEvaluator struct {
	// MinNear is the smallest allowed near plane distance.
	MinNear float64
	// NearFactor scales the distance to the highest content to get the near plane.
	NearFactor float64
	// FarFactor scales the distance to the lowest content to get the far plane.
	FarFactor float64
	// Epsilon is the relative change below which planes count as unchanged.
	Epsilon float64
}

func DefaultClipPlanesEvaluator() ClipPlanesEvaluator {
	return ClipPlanesEvaluator{
		MinNear:    1,
		NearFactor: 0.5,
		FarFactor:  4,
		Epsilon:    1e-3,
	}
}

// Evaluate returns the near and far planes for the given content range.
func (e ClipPlanesEvaluator) Evaluate(cam *Camera, elevation tiling.ElevationRange) (near, far float64) {
	height := cam.Eye.Z()
	toTop := height - elevation.Max
	near = math.Max(e.MinNear, toTop*e.NearFactor)

	distance := cam.Eye.Sub(cam.Target).Len()
	toBottom := math.Max(height-elevation.Min, distance)
	far = math.Max(near*2, toBottom*e.FarFactor)
	return near, far
}

// Update applies the evaluated planes to cam and reports whether they moved
// by more than Epsilon, in which case the caller has to rebuild its matrices.
func (e ClipPlanesEvaluator) Update(cam *Camera, elevation tiling.ElevationRange) bool {
	near, far := e.Evaluate(cam, elevation)
	changed := relChanged(cam.Near, near, e.Epsilon) || relChanged(cam.Far, far, e.Epsilon)
	cam.Near, cam.Far = near, far
	return changed
}

func relChanged(old, updated, epsilon float64) bool {
	if old == 0 {
		return updated != 0
	}
	return math.Abs(updated-old)/math.Abs(old) > epsilon
}
