// Package provider fetches raw tile bytes from where tiles are stored.
//
// An empty result without error means the tile has no data.
package provider

import (
	"context"
	"errors"
	"sync"

	"mapview/internal/tiling"
)

var ErrClosed = errors.New("provider: closed")

type Provider interface {
	GetTile(ctx context.Context, key tiling.TileKey) ([]byte, error)
	Close() error
}

// Visitor is implemented by providers that can enumerate their tiles.
type Visitor interface {
	VisitTiles(ctx context.Context, visit func(key tiling.TileKey, data []byte) error) error
}

// MemoryProvider serves tiles from a map.
type MemoryProvider struct {
	mu    sync.RWMutex
	tiles map[uint64][]byte
}

func NewMemoryProvider() *MemoryProvider {
	return &MemoryProvider{tiles: make(map[uint64][]byte)}
}

func (p *MemoryProvider) Put(key tiling.TileKey, data []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tiles[key.MortonCode()] = data
}

func (p *MemoryProvider) GetTile(ctx context.Context, key tiling.TileKey) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.tiles[key.MortonCode()], nil
}

func (p *MemoryProvider) VisitTiles(ctx context.Context, visit func(tiling.TileKey, []byte) error) error {
	p.mu.RLock()
	codes := make(map[uint64][]byte, len(p.tiles))
	for code, data := range p.tiles {
		codes[code] = data
	}
	p.mu.RUnlock()

	for code, data := range codes {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := visit(tiling.TileKeyFromMortonCode(code), data); err != nil {
			return err
		}
	}
	return nil
}

func (p *MemoryProvider) Close() error { return nil }
