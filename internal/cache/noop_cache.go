package cache

type NoopCache struct{}

func NewNoopCache() *NoopCache {
	return &NoopCache{}
}

func (c *NoopCache) Get(key Key) ([]byte, bool) {
	return nil, false
}

func (c *NoopCache) Set(key Key, value []byte) {
}

func (c *NoopCache) Has(key Key) bool {
	return false
}

func (c *NoopCache) Delete(key Key) {
}

func (c *NoopCache) ClearDataSource(dataSource string) {
}

func (c *NoopCache) Clear() {
}
