package harvest

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"oaiharvest/internal/platform/oai"
)

// seenCache remembers records committed recently so repeated deliveries of
// the same record version skip the applier. Entries expire after ttl and
// the cache never holds more than size keys.
type seenCache struct {
	lru *expirable.LRU[string, struct{}]
}

func newSeenCache(size int, ttl time.Duration) *seenCache {
	if size <= 0 {
		size = 10000
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &seenCache{lru: expirable.NewLRU[string, struct{}](size, nil, ttl)}
}

func seenKey(collectionID uuid.UUID, rec oai.Record) string {
	return collectionID.String() + "|" + rec.Identifier + "|" + rec.Datestamp.UTC().Format(time.RFC3339Nano)
}

func (c *seenCache) contains(key string) bool {
	return c.lru.Contains(key)
}

func (c *seenCache) addAll(keys []string) {
	for _, k := range keys {
		c.lru.Add(k, struct{}{})
	}
}

// evict drops every key of one collection.
func (c *seenCache) evict(collectionID uuid.UUID) int {
	prefix := collectionID.String() + "|"
	n := 0
	for _, k := range c.lru.Keys() {
		if strings.HasPrefix(k, prefix) {
			c.lru.Remove(k)
			n++
		}
	}
	return n
}

func (c *seenCache) len() int { return c.lru.Len() }
