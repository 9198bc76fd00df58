package reconcile

import (
	"github.com/lherron/graphport/internal/domain"
)

type cacheEntry struct {
	byType bool
	group  string
	source int64
	prev   int64
	had    bool
}

// IdentityCache maps source-space ids to destination ids for one import.
// Entries are journaled so that work rolled back with a savepoint can be
// forgotten again.
type IdentityCache struct {
	types   map[domain.TypeName]map[int64]int64
	columns map[string]map[int64]int64
	journal []cacheEntry
}

// NewIdentityCache returns an empty cache.
func NewIdentityCache() *IdentityCache {
	return &IdentityCache{
		types:   make(map[domain.TypeName]map[int64]int64),
		columns: make(map[string]map[int64]int64),
	}
}

// Put records the destination id of a source entity.
func (c *IdentityCache) Put(t domain.TypeName, sourceID, destID int64) {
	if sourceID == 0 {
		return
	}
	m, ok := c.types[t]
	if !ok {
		m = make(map[int64]int64)
		c.types[t] = m
	}
	prev, had := m[sourceID]
	m[sourceID] = destID
	c.journal = append(c.journal, cacheEntry{byType: true, group: string(t), source: sourceID, prev: prev, had: had})
}

// Lookup returns the destination id of a source entity.
func (c *IdentityCache) Lookup(t domain.TypeName, sourceID int64) (int64, bool) {
	id, ok := c.types[t][sourceID]
	return id, ok
}

// PutKey records that a foreign key column value resolved to destID.
func (c *IdentityCache) PutKey(column string, sourceID, destID int64) {
	m, ok := c.columns[column]
	if !ok {
		m = make(map[int64]int64)
		c.columns[column] = m
	}
	prev, had := m[sourceID]
	m[sourceID] = destID
	c.journal = append(c.journal, cacheEntry{group: column, source: sourceID, prev: prev, had: had})
}

// LookupKey returns the cached resolution of a foreign key column value.
func (c *IdentityCache) LookupKey(column string, sourceID int64) (int64, bool) {
	id, ok := c.columns[column][sourceID]
	return id, ok
}

// Len returns the number of cached entity identities.
func (c *IdentityCache) Len() int {
	n := 0
	for _, m := range c.types {
		n += len(m)
	}
	return n
}

// Mark returns a position that Rewind can return to.
func (c *IdentityCache) Mark() int {
	return len(c.journal)
}

// Rewind forgets every entry added since mark.
func (c *IdentityCache) Rewind(mark int) {
	for i := len(c.journal) - 1; i >= mark; i-- {
		e := c.journal[i]
		m := c.columns[e.group]
		if e.byType {
			m = c.types[domain.TypeName(e.group)]
		}
		if e.had {
			m[e.source] = e.prev
		} else {
			delete(m, e.source)
		}
	}
	c.journal = c.journal[:mark]
}
