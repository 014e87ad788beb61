package reader

import "sync"

// Cache keeps one loaded Reader per file for the life of a query or detection run, so
// resolving many chunks of the same file parses it once.
type Cache struct {
	kind string

	mu      sync.Mutex
	readers map[string]Reader
}

// NewCache returns an empty cache whose readers are of kind.
func NewCache(kind string) *Cache {
	return &Cache{kind: kind, readers: make(map[string]Reader)}
}

// Get returns the loaded reader for file.
func (c *Cache) Get(file string) (Reader, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if r, ok := c.readers[file]; ok {
		return r, nil
	}
	r, err := New(c.kind, file)
	if err != nil {
		return nil, err
	}
	if err := r.Load(); err != nil {
		return nil, err
	}
	c.readers[file] = r
	return r, nil
}

// Chunk returns chunk i of file. It reports false when the file cannot be read or has no
// such chunk.
func (c *Cache) Chunk(file string, i int) (string, bool) {
	r, err := c.Get(file)
	if err != nil {
		return "", false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return r.Chunk(i)
}
