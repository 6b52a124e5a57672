// Package cache keeps raw tile bytes so that tiles evicted from the visible
// set can be decoded again without refetching them.
package cache

// Key identifies the raw bytes of one tile of one data source.
type Key struct {
	DataSource string
	Code       uint64 // morton code of the tile key
}

type Cache interface {
	Get(key Key) ([]byte, bool)
	Set(key Key, value []byte)
	Has(key Key) bool // Check if tile exists without reading it (lightweight check)
	Delete(key Key)
	// ClearDataSource drops every entry of one data source.
	ClearDataSource(dataSource string)
	Clear()
}
