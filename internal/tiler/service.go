// Package tiler cuts GeoJSON indexes into vector tiles on demand.
package tiler

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/mvt"
	"github.com/paulmach/orb/geojson"
	"go.uber.org/zap"

	"mapview/internal/tiling"
	"mapview/internal/worker"
)

const (
	BundleName         = "tiler"
	ServiceTypeGeoJSON = "geojson-tiler"

	// DefaultLayer names the layer of features without a "layer" property.
	DefaultLayer = "geojson"
)

var (
	ErrIndexExists  = errors.New("tiler: index already registered")
	ErrIndexUnknown = errors.New("tiler: unknown index")
)

// RegisterIndexRequest adds a GeoJSON FeatureCollection under ID.
type RegisterIndexRequest struct {
	ID    string
	Input []byte
}

// UpdateIndexRequest replaces the content of an existing index.
type UpdateIndexRequest struct {
	ID    string
	Input []byte
}

// TileRequest asks for the vector tile of an index at a morton coded key.
type TileRequest struct {
	Index   string
	TileKey uint64
}

// Service is the worker-side tiler. It keeps parsed indexes and encodes
// requested tiles as Mapbox Vector Tiles.
type Service struct {
	log *zap.Logger

	mu      sync.RWMutex
	indexes map[string]*geojson.FeatureCollection
}

func NewService(log *zap.Logger) *Service {
	return &Service{log: log, indexes: make(map[string]*geojson.FeatureCollection)}
}

func HandlerFactory(_ string, log *zap.Logger) (worker.Handler, error) {
	return NewService(log), nil
}

// Bundle returns the worker bundle hosting the tiler service.
func Bundle() worker.Bundle {
	return worker.Bundle{
		Name:     BundleName,
		Services: map[string]worker.HandlerFactory{ServiceTypeGeoJSON: HandlerFactory},

		MaxConcurrentRequests: 1,
	}
}

func (s *Service) HandleRequest(ctx context.Context, request any) (any, error) {
	switch r := request.(type) {
	case RegisterIndexRequest:
		return nil, s.setIndex(r.ID, r.Input, false)
	case UpdateIndexRequest:
		return nil, s.setIndex(r.ID, r.Input, true)
	case TileRequest:
		return s.Tile(ctx, r.Index, tiling.TileKeyFromMortonCode(r.TileKey))
	default:
		return nil, fmt.Errorf("unknown tiler request %T", request)
	}
}

func (s *Service) HandleMessage(worker.Message) error { return nil }

func (s *Service) setIndex(id string, input []byte, update bool) error {
	fc, err := geojson.UnmarshalFeatureCollection(input)
	if err != nil {
		return fmt.Errorf("parse index %s: %w", id, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_, exists := s.indexes[id]
	switch {
	case update && !exists:
		return fmt.Errorf("%w: %s", ErrIndexUnknown, id)
	case !update && exists:
		return fmt.Errorf("%w: %s", ErrIndexExists, id)
	}
	s.indexes[id] = fc
	s.log.Debug("Index stored", zap.String("index", id), zap.Int("features", len(fc.Features)), zap.Bool("update", update))
	return nil
}

// Tile encodes the features of index intersecting key. A tile without
// features is returned as nil.
func (s *Service) Tile(ctx context.Context, index string, key tiling.TileKey) ([]byte, error) {
	s.mu.RLock()
	fc, ok := s.indexes[index]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrIndexUnknown, index)
	}

	tile := tiling.ToMapTile(key)
	bound := tile.Bound()

	collections := make(map[string]*geojson.FeatureCollection)
	for _, f := range fc.Features {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if f.Geometry == nil || !f.Geometry.Bound().Intersects(bound) {
			continue
		}
		layer := f.Properties.MustString("layer", DefaultLayer)
		c, ok := collections[layer]
		if !ok {
			c = geojson.NewFeatureCollection()
			collections[layer] = c
		}
		// projection below works in place
		clone := geojson.NewFeature(orb.Clone(f.Geometry))
		clone.ID = f.ID
		clone.Properties = f.Properties.Clone()
		c.Append(clone)
	}
	if len(collections) == 0 {
		return nil, nil
	}

	layers := mvt.NewLayers(collections)
	layers.ProjectToTile(tile)
	layers.Clip(mvt.MapboxGLDefaultExtentBound)
	layers.RemoveEmpty(0, 0)

	empty := true
	for _, l := range layers {
		if len(l.Features) > 0 {
			empty = false
			break
		}
	}
	if empty {
		return nil, nil
	}
	data, err := mvt.Marshal(layers)
	if err != nil {
		return nil, fmt.Errorf("encode tile %s of %s: %w", key, index, err)
	}
	return data, nil
}
