package fs

import "github.com/bertl4398/MiGBox/delta"

// Cache holds per-replica block checksum tables keyed by absolute path,
// each with the file mtime observed when the table was computed. A later
// stat with a newer mtime invalidates the entry; a reconciled remove
// evicts it. Caches are owned by the reconciler worker and need no lock.
type Cache struct {
	entries map[string]cacheEntry
}

type cacheEntry struct {
	mtime int64
	table delta.Table
}

// NewCache returns an empty checksum cache.
func NewCache() *Cache {
	return &Cache{entries: make(map[string]cacheEntry)}
}

// Get returns the cached table and its mtime witness for path.
func (c *Cache) Get(path string) (mtime int64, table delta.Table, ok bool) {
	e, ok := c.entries[path]
	if !ok {
		return 0, nil, false
	}
	return e.mtime, e.table, true
}

// Put stores a table for path with the mtime it was computed under.
func (c *Cache) Put(path string, mtime int64, table delta.Table) {
	c.entries[path] = cacheEntry{mtime: mtime, table: table}
}

// Evict removes the entry for path, if any.
func (c *Cache) Evict(path string) {
	delete(c.entries, path)
}

// Len returns the number of cached entries.
func (c *Cache) Len() int {
	return len(c.entries)
}
