package mapview

import (
	"context"
	"fmt"
	"math"
	"slices"
	"sync"

	"github.com/paulmach/orb"
	"go.uber.org/zap"

	"mapview/internal/camera"
)

// View is the camera state clients set.
type View struct {
	Center orb.Point `json:"center"`
	Zoom   float64   `json:"zoom"`
	Tilt   float64   `json:"tilt"`
}

func (v View) validate() error {
	if v.Center.Lon() < -180 || v.Center.Lon() > 180 || v.Center.Lat() < -85.0511 || v.Center.Lat() > 85.0511 {
		return fmt.Errorf("center %v out of range", v.Center)
	}
	if v.Zoom < 0 || v.Zoom > MaxDisplayLevel {
		return fmt.Errorf("zoom %v out of range [0, %d]", v.Zoom, MaxDisplayLevel)
	}
	return nil
}

// Scene drives a VisibleTileSet from a camera and a list of data sources.
// All camera access goes through the scene lock.
type Scene struct {
	log            *zap.Logger
	aspect         float64
	viewportHeight int

	mu          sync.Mutex
	view        View
	camera      *camera.Camera
	set         *VisibleTileSet
	dataSources []DataSource
	elevation   ElevationRangeSource
}

func NewScene(ctx context.Context, view View, aspect float64, viewportHeight int, opts VisibleTileSetOptions, log *zap.Logger) (*Scene, error) {
	if err := view.validate(); err != nil {
		return nil, err
	}
	cam := camera.NewTopViewCamera(view.Center, view.Zoom, view.Tilt, aspect, viewportHeight)
	return &Scene{
		log:            log.Named("scene"),
		aspect:         aspect,
		viewportHeight: viewportHeight,
		view:           view,
		camera:         cam,
		set:            NewVisibleTileSet(ctx, cam, opts, log),
	}, nil
}

func (s *Scene) TileSet() *VisibleTileSet { return s.set }

// AddDataSource appends ds to the drawn sources. Adding twice is a no-op.
func (s *Scene) AddDataSource(ds DataSource) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !slices.Contains(s.dataSources, ds) {
		s.dataSources = append(s.dataSources, ds)
	}
}

// RemoveDataSource drops ds and its cached tiles, then disposes it.
func (s *Scene) RemoveDataSource(ds DataSource) {
	s.mu.Lock()
	s.dataSources = slices.DeleteFunc(s.dataSources, func(d DataSource) bool { return d == ds })
	s.mu.Unlock()

	s.set.ClearTileCache(ds)
	ds.Dispose()
}

func (s *Scene) DataSources() []DataSource {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.dataSources)
}

func (s *Scene) SetElevationSource(src ElevationRangeSource) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.elevation = src
}

func (s *Scene) View() View {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view
}

// SetView moves the camera. The next Frame picks the change up.
func (s *Scene) SetView(view View) error {
	if err := view.validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.view = view
	*s.camera = *camera.NewTopViewCamera(view.Center, view.Zoom, view.Tilt, s.aspect, s.viewportHeight)
	s.log.Debug("View changed",
		zap.Float64("lon", view.Center.Lon()),
		zap.Float64("lat", view.Center.Lat()),
		zap.Float64("zoom", view.Zoom),
		zap.Float64("tilt", view.Tilt))
	return nil
}

// Frame updates the render list for the current view and reports whether
// the clip planes changed.
func (s *Scene) Frame() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	storageLevel := int(math.Floor(s.view.Zoom))
	return s.set.UpdateRenderList(storageLevel, s.view.Zoom, s.dataSources, s.elevation)
}

// ClipPlanes returns the current near and far planes.
func (s *Scene) ClipPlanes() (near, far float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.camera.Near, s.camera.Far
}

// Close clears the tile cache and disposes every data source.
func (s *Scene) Close() {
	s.mu.Lock()
	sources := s.dataSources
	s.dataSources = nil
	s.mu.Unlock()

	s.set.ClearTileCache()
	for _, ds := range sources {
		ds.Dispose()
	}
}
