package http

import (
	"encoding/json"
	"io"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"mapview/internal/config"
	"mapview/internal/mapview"
)

const maxBodySize = 1 << 20

type Handlers struct {
	config *config.Config
	logger *zap.Logger
	scene  *mapview.Scene
}

func New(config *config.Config, logger *zap.Logger, scene *mapview.Scene) *Handlers {
	return &Handlers{
		config: config,
		logger: logger,
		scene:  scene,
	}
}

// Routes registers every endpoint on mux.
func (h *Handlers) Routes(mux *http.ServeMux) {
	mux.HandleFunc("/healthz", h.HandleHealthz)
	mux.HandleFunc("/api/stats", h.HandleStats)
	mux.HandleFunc("/api/tiles", h.HandleTiles)
	mux.HandleFunc("/api/camera", h.HandleCamera)
	mux.HandleFunc("/api/cache/clear", h.HandleCacheClear)
	mux.HandleFunc("/api/cache/dirty", h.HandleCacheDirty)
}

func (h *Handlers) RequestLoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := uuid.New().String()
		start := time.Now()

		ip := h.extractIP(r)

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		wrapped.Header().Set("X-Request-Id", requestID)

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start)

		h.logger.Info("request",
			zap.String("request_id", requestID),
			zap.String("ip", ip),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", wrapped.statusCode),
			zap.Int64("bytes", wrapped.bytesWritten),
			zap.Int64("duration_ms", duration.Milliseconds()),
			zap.String("user_agent", r.UserAgent()),
		)
	})
}

func (h *Handlers) CORSMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		allowedOrigin := ""

		switch {
		case h.config.AllowedOrigin != "":
			allowedOrigin = h.config.AllowedOrigin
		case origin == "":
			allowedOrigin = "*"
		case strings.HasPrefix(origin, "http://"+r.Host) || strings.HasPrefix(origin, "https://"+r.Host):
			allowedOrigin = origin
		}

		if allowedOrigin != "" {
			w.Header().Set("Access-Control-Allow-Origin", allowedOrigin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (h *Handlers) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (h *Handlers) HandleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	h.writeJSON(w, h.scene.TileSet().Stats())
}

type tileResponse struct {
	Key      string `json:"key"`
	State    string `json:"state"`
	Visible  bool   `json:"visible"`
	Fallback bool   `json:"fallback"`
	Dirty    bool   `json:"dirty"`
	Kind     string `json:"kind,omitempty"`
	Features int    `json:"features"`
	Bytes    int64  `json:"bytes"`
}

type dataSourceTilesResponse struct {
	DataSource   string         `json:"datasource"`
	StorageLevel uint32         `json:"storage_level"`
	Loading      int            `json:"loading"`
	AllLoaded    bool           `json:"all_loaded"`
	Tiles        []tileResponse `json:"tiles"`
}

// HandleTiles lists the tiles of the last frame. ?datasource= restricts the
// list to one data source.
func (h *Handlers) HandleTiles(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	filter := r.URL.Query().Get("datasource")

	response := []dataSourceTilesResponse{}
	for _, entry := range h.scene.TileSet().DataSourceTileList() {
		if filter != "" && entry.DataSource.Name() != filter {
			continue
		}
		out := dataSourceTilesResponse{
			DataSource:   entry.DataSource.Name(),
			StorageLevel: entry.StorageLevel,
			Loading:      entry.NumTilesLoading,
			AllLoaded:    entry.AllVisibleTilesLoaded,
			Tiles:        []tileResponse{},
		}
		seen := make(map[uint64]bool)
		for _, key := range entry.VisibleTiles {
			code := key.MortonCode()
			seen[code] = true
			tr := tileResponse{Key: key.String(), State: "pending", Visible: true}
			if tile := entry.RenderedTiles[code]; tile != nil {
				tr = describeTile(tile, true, false)
			} else if tile := h.scene.TileSet().CachedTile(entry.DataSource, key); tile != nil {
				tr = describeTile(tile, true, false)
			}
			out.Tiles = append(out.Tiles, tr)
		}
		for code, tile := range entry.RenderedTiles {
			if !seen[code] {
				out.Tiles = append(out.Tiles, describeTile(tile, false, true))
			}
		}
		slices.SortFunc(out.Tiles, func(a, b tileResponse) int { return strings.Compare(a.Key, b.Key) })
		response = append(response, out)
	}

	h.writeJSON(w, response)
}

func describeTile(tile *mapview.Tile, visible, fallback bool) tileResponse {
	tr := tileResponse{
		Key:      tile.Key().String(),
		State:    tile.State().String(),
		Visible:  visible,
		Fallback: fallback,
		Dirty:    tile.IsDirty(),
		Bytes:    tile.MemoryUsage(),
	}
	if decoded := tile.Decoded(); decoded != nil {
		tr.Kind = string(decoded.Kind)
		tr.Features = decoded.FeatureCount()
	}
	return tr
}

func (h *Handlers) HandleCamera(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		h.writeJSON(w, h.scene.View())
	case http.MethodPost, http.MethodPut:
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodySize))
		if err != nil {
			http.Error(w, "Failed to read body", http.StatusBadRequest)
			return
		}
		view := h.scene.View()
		if err := json.Unmarshal(body, &view); err != nil {
			http.Error(w, "Invalid camera JSON", http.StatusBadRequest)
			return
		}
		if err := h.scene.SetView(view); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		h.writeJSON(w, view)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// HandleCacheClear drops cached tiles, of one data source with ?datasource=.
func (h *Handlers) HandleCacheClear(w http.ResponseWriter, r *http.Request) {
	sources, ok := h.dataSourcesFor(w, r)
	if !ok {
		return
	}
	h.scene.TileSet().ClearTileCache(sources...)
	h.writeJSON(w, h.scene.TileSet().CacheOccupancy())
}

// HandleCacheDirty marks cached tiles for reloading.
func (h *Handlers) HandleCacheDirty(w http.ResponseWriter, r *http.Request) {
	sources, ok := h.dataSourcesFor(w, r)
	if !ok {
		return
	}
	h.scene.TileSet().MarkTilesDirty(sources...)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) dataSourcesFor(w http.ResponseWriter, r *http.Request) ([]mapview.DataSource, bool) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return nil, false
	}
	name := r.URL.Query().Get("datasource")
	if name == "" {
		return nil, true
	}
	for _, ds := range h.scene.DataSources() {
		if ds.Name() == name {
			return []mapview.DataSource{ds}, true
		}
	}
	http.Error(w, "Unknown data source", http.StatusNotFound)
	return nil, false
}

func (h *Handlers) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Warn("Failed to write response", zap.Error(err))
	}
}

// Not for real production use due to potential spoofing
func (h *Handlers) extractIP(r *http.Request) string {
	ip := r.Header.Get("X-Real-Ip")
	if ip != "" {
		return strings.Split(ip, ":")[0]
	}

	addr := r.RemoteAddr
	if addr != "" {
		return strings.Split(addr, ":")[0]
	}

	return "unknown"
}

type responseWriter struct {
	http.ResponseWriter
	statusCode   int
	bytesWritten int64
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += int64(n)
	return n, err
}
