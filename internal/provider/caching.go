package provider

import (
	"bytes"
	"context"

	"mapview/internal/cache"
	"mapview/internal/tiling"
)

// CachingProvider keeps the raw bytes fetched from an inner provider in a
// cache shared between data sources.
type CachingProvider struct {
	inner      Provider
	cache      cache.Cache
	dataSource string
}

func NewCachingProvider(inner Provider, c cache.Cache, dataSource string) *CachingProvider {
	return &CachingProvider{inner: inner, cache: c, dataSource: dataSource}
}

// GetTile returns a copy of the cached bytes, so the caller owns the result.
func (p *CachingProvider) GetTile(ctx context.Context, key tiling.TileKey) ([]byte, error) {
	ck := cache.Key{DataSource: p.dataSource, Code: key.MortonCode()}
	if data, ok := p.cache.Get(ck); ok {
		return bytes.Clone(data), nil
	}

	data, err := p.inner.GetTile(ctx, key)
	if err != nil {
		return nil, err
	}
	if len(data) > 0 {
		p.cache.Set(ck, bytes.Clone(data))
	}
	return data, nil
}

// Invalidate drops the cached bytes of every tile of this data source.
func (p *CachingProvider) Invalidate() {
	p.cache.ClearDataSource(p.dataSource)
}

func (p *CachingProvider) Close() error {
	return p.inner.Close()
}
