package cache

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sync"

	"mapview/internal/tiling"
)

// FileCache implements file-based cache
// Structure: {cacheDir}/{dataSource}/{level}/{column}_{row}.tile
type FileCache struct {
	mu       sync.RWMutex
	cacheDir string
}

func NewFileCache(cacheDir string) (*FileCache, error) {
	if err := os.MkdirAll(cacheDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}

	return &FileCache{
		cacheDir: cacheDir,
	}, nil
}

func (c *FileCache) dataSourceDir(dataSource string) string {
	return filepath.Join(c.cacheDir, url.PathEscape(dataSource))
}

// buildFilePath builds file path from tile key
func (c *FileCache) buildFilePath(key Key) string {
	tk := tiling.TileKeyFromMortonCode(key.Code)
	dir := filepath.Join(c.dataSourceDir(key.DataSource), fmt.Sprintf("%d", tk.Level))
	return filepath.Join(dir, fmt.Sprintf("%d_%d.tile", tk.Column, tk.Row))
}

func (c *FileCache) Has(key Key) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	_, err := os.Stat(c.buildFilePath(key))
	return err == nil
}

func (c *FileCache) Get(key Key) ([]byte, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	data, err := os.ReadFile(c.buildFilePath(key))
	if err != nil {
		return nil, false
	}

	return data, true
}

func (c *FileCache) Set(key Key, value []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	filePath := c.buildFilePath(key)
	if err := os.MkdirAll(filepath.Dir(filePath), 0755); err != nil {
		return
	}

	// Write atomically
	tmpPath := filePath + ".tmp"
	if err := os.WriteFile(tmpPath, value, 0644); err != nil {
		return
	}

	if err := os.Rename(tmpPath, filePath); err != nil {
		os.Remove(tmpPath)
		return
	}
}

func (c *FileCache) Delete(key Key) {
	c.mu.Lock()
	defer c.mu.Unlock()

	os.Remove(c.buildFilePath(key))
}

func (c *FileCache) ClearDataSource(dataSource string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	os.RemoveAll(c.dataSourceDir(dataSource))
}

func (c *FileCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := os.RemoveAll(c.cacheDir); err != nil {
		return
	}

	os.MkdirAll(c.cacheDir, 0755)
}
