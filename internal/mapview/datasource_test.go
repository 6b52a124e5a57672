package mapview_test

import (
	"context"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"mapview/internal/decoder"
	"mapview/internal/loader"
	"mapview/internal/mapview"
	"mapview/internal/provider"
	"mapview/internal/tiling"
)

type failingDecoder struct {
	sizeDecoder
}

func (failingDecoder) Connect(context.Context) error { return errors.New("no workers") }

func TestDataSourceStatusEvents(t *testing.T) {
	ds := mapview.NewTileDataSource(mapview.DataSourceOptions{Name: "osm"}, provider.NewMemoryProvider(), sizeDecoder{}, zap.NewNop())
	var got []mapview.Status
	ds.OnStatus(func(s mapview.Status) { got = append(got, s) })

	require.NoError(t, ds.Connect(context.Background()))
	require.NoError(t, ds.Connect(context.Background()))
	ds.Dispose()
	ds.Dispose()

	want := []mapview.Status{mapview.StatusConnecting, mapview.StatusConnected, mapview.StatusDisconnected}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("status events mismatch (-want +got):\n%s", diff)
	}
	if err := ds.Connect(context.Background()); !errors.Is(err, mapview.ErrDataSourceDisposed) {
		t.Errorf("Connect() after Dispose() error = %v, want = %v", err, mapview.ErrDataSourceDisposed)
	}
}

func TestDataSourceConnectFailure(t *testing.T) {
	ds := mapview.NewTileDataSource(mapview.DataSourceOptions{Name: "osm"}, provider.NewMemoryProvider(), failingDecoder{}, zap.NewNop())
	require.Error(t, ds.Connect(context.Background()))
	if got, want := ds.Status(), mapview.StatusFailed; got != want {
		t.Errorf("Status() = %v, want = %v", got, want)
	}
}

func TestDataSourceLevels(t *testing.T) {
	ds := mapview.NewBackgroundDataSource(mapview.DataSourceOptions{
		Name:            "bg",
		MinDataLevel:    2,
		MaxDataLevel:    10,
		MinDisplayLevel: 3,
		MaxDisplayLevel: 12,
	}, zap.NewNop())

	for storage, want := range map[int]uint32{-1: 2, 0: 2, 5: 5, 10: 10, 16: 10} {
		if got := ds.DataLevel(storage); got != want {
			t.Errorf("DataLevel(%d) = %d, want = %d", storage, got, want)
		}
	}
	for zoom, want := range map[float64]bool{2.9: false, 3: true, 12: true, 12.5: false} {
		if got := ds.IsVisible(zoom); got != want {
			t.Errorf("IsVisible(%v) = %v, want = %v", zoom, got, want)
		}
	}
	if ds.TilingScheme() != tiling.WebMercator {
		t.Errorf("TilingScheme() is not the web mercator default")
	}

	defaults := mapview.NewBackgroundDataSource(mapview.DataSourceOptions{Name: "defaults"}, zap.NewNop())
	if got := defaults.DataLevel(20); got != mapview.DefaultMaxDataLevel {
		t.Errorf("DataLevel(20) = %d, want = %d", got, mapview.DefaultMaxDataLevel)
	}
}

func TestTileDataSourceLoadsThroughProvider(t *testing.T) {
	p := provider.NewMemoryProvider()
	key := tiling.NewTileKey(1, 2, 3)
	p.Put(key, make([]byte, 100))

	ds := mapview.NewTileDataSource(mapview.DataSourceOptions{Name: "osm"}, p, sizeDecoder{}, zap.NewNop())
	require.NoError(t, ds.Connect(context.Background()))

	tile := ds.NewTile(key)
	if got, want := tile.State(), loader.Initialized; got != want {
		t.Fatalf("State() = %v, want = %v", got, want)
	}
	<-tile.Load(context.Background())
	require.True(t, tile.IsReady())
	if got, want := tile.MemoryUsage(), int64(1024+100); got != want {
		t.Errorf("MemoryUsage() = %d, want = %d", got, want)
	}

	missing := ds.NewTile(tiling.NewTileKey(0, 0, 3))
	<-missing.Load(context.Background())
	require.True(t, missing.IsReady())
	if !missing.Decoded().IsEmpty() {
		t.Errorf("tile without data decoded to %+v, want an empty tile", missing.Decoded())
	}
}

func TestTileElevationRangeOverride(t *testing.T) {
	height := tiling.ElevationRange{Min: 0, Max: 30}
	tile := mapview.NewReadyTile(nil, tiling.NewTileKey(0, 0, 1), &decoder.DecodedTile{Kind: decoder.KindVector, ElevationRange: &height})

	got, ok := tile.ElevationRange()
	require.True(t, ok)
	if diff := cmp.Diff(height, got); diff != "" {
		t.Errorf("ElevationRange() mismatch (-want +got):\n%s", diff)
	}

	override := tiling.ElevationRange{Min: -10, Max: 100}
	tile.SetElevationRange(override)
	got, _ = tile.ElevationRange()
	if diff := cmp.Diff(override, got); diff != "" {
		t.Errorf("ElevationRange() after override mismatch (-want +got):\n%s", diff)
	}
}

func TestTileDisposeRunsHooksOnce(t *testing.T) {
	tile := mapview.NewReadyTile(nil, tiling.NewTileKey(0, 0, 1), decoder.EmptyTile())
	calls := 0
	tile.OnDispose(func() { calls++ })

	tile.Dispose()
	tile.Dispose()
	if calls != 1 {
		t.Errorf("dispose hooks ran %d times, want = 1", calls)
	}
	if tile.Decoded() != nil {
		t.Errorf("Decoded() after Dispose() = %v, want = nil", tile.Decoded())
	}
}

type memTiler struct {
	indexes map[string][]byte
	tiles   map[uint64][]byte
}

func (m *memTiler) Connect(context.Context) error { return nil }

func (m *memTiler) RegisterIndex(_ context.Context, id string, input []byte) error {
	m.indexes[id] = input
	return nil
}

func (m *memTiler) UpdateIndex(_ context.Context, id string, input []byte) error {
	m.indexes[id] = input
	return nil
}

func (m *memTiler) GetTile(_ context.Context, _ string, key tiling.TileKey) ([]byte, error) {
	return m.tiles[key.MortonCode()], nil
}

func (m *memTiler) Dispose() {}

func TestGeoJSONDataSource(t *testing.T) {
	key := tiling.NewTileKey(0, 1, 1)
	tiler := &memTiler{
		indexes: map[string][]byte{},
		tiles:   map[uint64][]byte{key.MortonCode(): make([]byte, 10)},
	}
	ds := mapview.NewGeoJSONDataSource(mapview.DataSourceOptions{Name: "points"}, tiler, sizeDecoder{}, []byte(`{"type":"FeatureCollection","features":[]}`), zap.NewNop())
	require.NoError(t, ds.Connect(context.Background()))
	require.Contains(t, tiler.indexes, "points")

	tile := ds.NewTile(key)
	<-tile.Load(context.Background())
	require.True(t, tile.IsReady())
	if got := tile.Decoded().ByteSize; got != 10 {
		t.Errorf("ByteSize = %d, want = 10", got)
	}

	update := []byte(`{"type":"FeatureCollection","features":[{"type":"Feature","geometry":{"type":"Point","coordinates":[1,2]},"properties":{}}]}`)
	require.NoError(t, ds.Update(context.Background(), update))
	if diff := cmp.Diff(string(update), string(tiler.indexes["points"])); diff != "" {
		t.Errorf("index after Update() mismatch (-want +got):\n%s", diff)
	}
}
