package http_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/paulmach/orb"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"mapview/internal/config"
	httphandlers "mapview/internal/http"
	"mapview/internal/mapview"
)

func newServer(t *testing.T) (*httptest.Server, *mapview.Scene) {
	t.Helper()
	scene, err := mapview.NewScene(context.Background(), mapview.View{Center: orb.Point{2.35, 48.85}, Zoom: 2}, 1, 512, mapview.DefaultVisibleTileSetOptions(), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(scene.Close)

	bg := mapview.NewBackgroundDataSource(mapview.DataSourceOptions{Name: "background"}, zap.NewNop())
	require.NoError(t, bg.Connect(context.Background()))
	scene.AddDataSource(bg)
	scene.Frame()

	h := httphandlers.New(&config.Config{}, zap.NewNop(), scene)
	mux := http.NewServeMux()
	h.Routes(mux)
	srv := httptest.NewServer(h.CORSMiddleware(h.RequestLoggingMiddleware(mux)))
	t.Cleanup(srv.Close)
	return srv, scene
}

func TestHealthz(t *testing.T) {
	srv, _ := newServer(t)
	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want = %d", resp.StatusCode, http.StatusOK)
	}
	if resp.Header.Get("X-Request-Id") == "" {
		t.Errorf("missing X-Request-Id header")
	}
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("Access-Control-Allow-Origin = %q, want = %q", got, "*")
	}
}

func TestStats(t *testing.T) {
	srv, _ := newServer(t)
	resp, err := http.Get(srv.URL + "/api/stats")
	require.NoError(t, err)
	defer resp.Body.Close()

	var stats mapview.Stats
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&stats))
	if stats.Frame != 1 {
		t.Errorf("Frame = %d, want = 1", stats.Frame)
	}
	require.Len(t, stats.DataSources, 1)
	if got := stats.DataSources[0].Name; got != "background" {
		t.Errorf("DataSources[0].Name = %q, want = %q", got, "background")
	}
}

func TestTiles(t *testing.T) {
	srv, _ := newServer(t)
	resp, err := http.Get(srv.URL + "/api/tiles?datasource=background")
	require.NoError(t, err)
	defer resp.Body.Close()

	var body []struct {
		DataSource   string `json:"datasource"`
		StorageLevel uint32 `json:"storage_level"`
		Tiles        []struct {
			Key     string `json:"key"`
			State   string `json:"state"`
			Visible bool   `json:"visible"`
		} `json:"tiles"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Len(t, body, 1)
	if body[0].StorageLevel != 2 || len(body[0].Tiles) == 0 {
		t.Fatalf("tiles response = %+v, want level 2 tiles", body[0])
	}
	for _, tile := range body[0].Tiles {
		if tile.State != "ready" || !tile.Visible || !strings.HasPrefix(tile.Key, "2/") {
			t.Errorf("tile = %+v, want a visible ready level 2 tile", tile)
		}
	}

	resp, err = http.Get(srv.URL + "/api/tiles?datasource=missing")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	if len(body) != 0 {
		t.Errorf("tiles for unknown data source = %d entries, want = 0", len(body))
	}
}

func TestCamera(t *testing.T) {
	srv, scene := newServer(t)

	resp, err := http.Post(srv.URL+"/api/camera", "application/json", strings.NewReader(`{"zoom": 6.5, "tilt": 20}`))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	want := mapview.View{Center: orb.Point{2.35, 48.85}, Zoom: 6.5, Tilt: 20}
	if diff := cmp.Diff(want, scene.View()); diff != "" {
		t.Errorf("View() mismatch (-want +got):\n%s", diff)
	}

	for _, body := range []string{`{"zoom": 99}`, `not json`} {
		resp, err := http.Post(srv.URL+"/api/camera", "application/json", strings.NewReader(body))
		require.NoError(t, err)
		resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("POST %s status = %d, want = %d", body, resp.StatusCode, http.StatusBadRequest)
		}
	}

	req, err := http.NewRequest(http.MethodDelete, srv.URL+"/api/camera", nil)
	require.NoError(t, err)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("DELETE status = %d, want = %d", resp.StatusCode, http.StatusMethodNotAllowed)
	}
}

func TestCacheClear(t *testing.T) {
	srv, scene := newServer(t)
	require.NotZero(t, scene.TileSet().CacheOccupancy().Tiles)

	resp, err := http.Post(srv.URL+"/api/cache/clear?datasource=unknown", "", nil)
	require.NoError(t, err)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status for unknown data source = %d, want = %d", resp.StatusCode, http.StatusNotFound)
	}

	resp, err = http.Post(srv.URL+"/api/cache/clear?datasource=background", "", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	var occupancy mapview.CacheOccupancy
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&occupancy))
	if occupancy.Tiles != 0 {
		t.Errorf("cached tiles after clear = %d, want = 0", occupancy.Tiles)
	}
}
