package camera_test

import (
	"math"
	"testing"

	"github.com/paulmach/orb"

	"mapview/internal/camera"
	"mapview/internal/tiling"
)

var berlin = orb.Point{13.4, 52.5}

func TestZoomLevelRoundTrip(t *testing.T) {
	for _, zoom := range []float64{2, 8.5, 14} {
		cam := camera.NewTopViewCamera(berlin, zoom, 0, 1, 1024)
		if got := cam.ZoomLevel(1024); math.Abs(got-zoom) > 1e-6 {
			t.Errorf("ZoomLevel() = %v, want = %v", got, zoom)
		}
	}
}

func TestFrustumContainsTarget(t *testing.T) {
	for _, tilt := range []float64{0, 30, 60} {
		cam := camera.NewTopViewCamera(berlin, 10, tilt, 1.5, 1024)
		f := cam.Frustum()
		if !f.ContainsPoint(cam.Target) {
			t.Errorf("tilt %v: frustum does not contain the camera target", tilt)
		}
		if f.ContainsPoint(camera.WorldFromGeo(orb.Point{-120, -40}, 0)) {
			t.Errorf("tilt %v: frustum contains a point on the other side of the world", tilt)
		}
	}
}

func TestEnumerateVisible(t *testing.T) {
	cam := camera.NewTopViewCamera(berlin, 10, 0, 1, 1024)
	tiles := camera.EnumerateVisible(cam.Frustum(), cam, tiling.WebMercator, 10, nil, 0)
	if len(tiles) == 0 {
		t.Fatalf("EnumerateVisible returned no tiles")
	}

	center := tiling.WebMercator.KeyAt(berlin, 10)
	if tiles[0].Key != center {
		t.Errorf("nearest tile = %v, want = %v", tiles[0].Key, center)
	}
	for i, vt := range tiles {
		if vt.Key.Level != 10 {
			t.Errorf("tile %v has level %d, want 10", vt.Key, vt.Key.Level)
		}
		if i > 0 && tiles[i-1].Distance > vt.Distance {
			t.Errorf("tiles not sorted by distance at index %d", i)
		}
	}
	// a top view at zoom 10 on a 1024px viewport shows roughly 4x4 tiles
	if len(tiles) > 64 {
		t.Errorf("len(tiles) = %d, want a handful", len(tiles))
	}

	limited := camera.EnumerateVisible(cam.Frustum(), cam, tiling.WebMercator, 10, nil, 3)
	if len(limited) > 3 {
		t.Errorf("len(limited) = %d, want <= 3", len(limited))
	}
}

func TestClipPlanesUpdate(t *testing.T) {
	cam := camera.NewTopViewCamera(berlin, 12, 0, 1, 1024)
	eval := camera.DefaultClipPlanesEvaluator()

	eval.Update(cam, tiling.ElevationRange{})
	if eval.Update(cam, tiling.ElevationRange{}) {
		t.Errorf("Update with the same range reported a change")
	}
	if !eval.Update(cam, tiling.ElevationRange{Min: -100, Max: cam.Eye.Z() / 2}) {
		t.Errorf("Update with tall content did not report a change")
	}
	if cam.Near >= cam.Far {
		t.Errorf("near %v >= far %v", cam.Near, cam.Far)
	}
}
