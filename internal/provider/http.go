package provider

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"mapview/internal/tiling"
)

const defaultHTTPTimeout = 30 * time.Second

// HTTPProvider fetches tiles from a URL template such as
// "https://tiles.example.com/{z}/{x}/{y}.pbf", throttled by a rate limiter.
type HTTPProvider struct {
	template string
	client   *http.Client
	limiter  *rate.Limiter
	log      *zap.Logger
}

// NewHTTPProvider creates a provider issuing at most requestsPerSecond
// requests with bursts of burst. A non-positive rate disables throttling.
func NewHTTPProvider(template string, requestsPerSecond float64, burst int, log *zap.Logger) *HTTPProvider {
	limit := rate.Limit(requestsPerSecond)
	if requestsPerSecond <= 0 {
		limit = rate.Inf
	}
	return &HTTPProvider{
		template: template,
		client:   &http.Client{Timeout: defaultHTTPTimeout},
		limiter:  rate.NewLimiter(limit, max(burst, 1)),
		log:      log.Named("http_provider"),
	}
}

func (p *HTTPProvider) GetTile(ctx context.Context, key tiling.TileKey) ([]byte, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	url := formatPattern(p.template, key)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", key, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNoContent, http.StatusNotFound:
		return nil, nil
	default:
		return nil, fmt.Errorf("fetch %s: unexpected status %s", key, resp.Status)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", key, err)
	}
	p.log.Debug("Tile fetched",
		zap.String("url", url),
		zap.Int("bytes", len(data)),
		zap.Duration("duration", time.Since(start)))
	return data, nil
}

func (p *HTTPProvider) Close() error {
	p.client.CloseIdleConnections()
	return nil
}
