package featurestore

import (
	"hash/fnv"
	"sync"
	"time"

	"github.com/tidwall/btree"
)

const cacheShards = 32

type cacheKey struct {
	entityID string
	ts       int64
	name     string
}

type cacheEntry struct {
	key       cacheKey
	value     float64
	ingestion int64
}

func entryLess(a, b cacheEntry) bool {
	if a.key.entityID != b.key.entityID {
		return a.key.entityID < b.key.entityID
	}
	if a.key.ts != b.key.ts {
		return a.key.ts < b.key.ts
	}
	return a.key.name < b.key.name
}

type cacheShard struct {
	mu   sync.RWMutex
	tree *btree.BTreeG[cacheEntry]
}

// hotCache is a latest-ingestion-wins index over recent feature writes,
// ordered by (entity, timestamp, feature). Shards are striped by entity so
// writers for disjoint entities never contend.
type hotCache struct {
	shards [cacheShards]*cacheShard
}

func newHotCache() *hotCache {
	c := &hotCache{}
	for i := range c.shards {
		c.shards[i] = &cacheShard{tree: btree.NewBTreeGOptions(entryLess, btree.Options{NoLocks: true})}
	}
	return c
}

func (c *hotCache) shard(entityID string) *cacheShard {
	h := fnv.New32a()
	h.Write([]byte(entityID))
	return c.shards[h.Sum32()%cacheShards]
}

// put records a write, keeping the later ingestion time on duplicate keys.
func (c *hotCache) put(entityID string, ts time.Time, name string, value float64, ingestion time.Time) {
	s := c.shard(entityID)
	e := cacheEntry{
		key:       cacheKey{entityID: entityID, ts: ts.UnixNano(), name: name},
		value:     value,
		ingestion: ingestion.UnixNano(),
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.tree.Get(e); ok && prev.ingestion > e.ingestion {
		return
	}
	s.tree.Set(e)
}

// entries returns the cached entries for one entity in [from, to] in key
// order.
func (c *hotCache) entries(entityID string, from, to time.Time) []cacheEntry {
	s := c.shard(entityID)
	var out []cacheEntry
	pivot := cacheEntry{key: cacheKey{entityID: entityID, ts: from.UnixNano()}}
	s.mu.RLock()
	defer s.mu.RUnlock()
	s.tree.Ascend(pivot, func(e cacheEntry) bool {
		if e.key.entityID != entityID || e.key.ts > to.UnixNano() {
			return false
		}
		out = append(out, e)
		return true
	})
	return out
}
