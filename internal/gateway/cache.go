package gateway

import (
	"sync"
	"time"

	"github.com/ngoclaw/swarmfabric/internal/domain/entity"
	"github.com/zeebo/xxh3"
)

// cacheEntry is one stored non-streaming response.
type cacheEntry struct {
	response  entity.ChatResponse
	createdAt time.Time
}

// responseCache is a FIFO+TTL bounded cache of non-streaming ChatResponses,
// keyed by a fingerprint of (model, messages, temperature). Insertion past
// capacity evicts the oldest-inserted entry, matching spec §3's CacheEntry
// lifecycle and §4.2's caching behavior.
type responseCache struct {
	mu       sync.Mutex
	ttl      time.Duration
	capacity int
	entries  map[uint64]cacheEntry
	order    []uint64 // insertion order, oldest first
}

func newResponseCache(ttl time.Duration, capacity int) *responseCache {
	if capacity <= 0 {
		capacity = 1000
	}
	return &responseCache{
		ttl:      ttl,
		capacity: capacity,
		entries:  make(map[uint64]cacheEntry),
	}
}

// fingerprint hashes model || messages || temperature with XXH3, fast and
// non-cryptographic — exactly what a cache key calls for.
func fingerprint(req *entity.ChatRequest) uint64 {
	h := xxh3.New()
	h.Write([]byte(req.Model))
	h.Write([]byte("|"))
	for _, m := range req.Messages {
		h.Write([]byte(m.Role))
		h.Write([]byte(":"))
		h.Write([]byte(m.Content))
		h.Write([]byte("\x00"))
	}
	h.Write([]byte("|"))
	var tb [8]byte
	putFloat64(tb[:], req.Temperature)
	h.Write(tb[:])
	return h.Sum64()
}

func putFloat64(b []byte, f float64) {
	bits := int64(f * 1e6) // millionths of precision is enough to distinguish temperatures
	for i := 0; i < 8; i++ {
		b[i] = byte(bits >> (8 * i))
	}
}

// get returns the cached response for fp if present and not expired.
func (c *responseCache) get(fp uint64) (entity.ChatResponse, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[fp]
	if !ok {
		return entity.ChatResponse{}, false
	}
	if c.ttl > 0 && time.Since(e.createdAt) > c.ttl {
		delete(c.entries, fp)
		for i, k := range c.order {
			if k == fp {
				c.order = append(c.order[:i], c.order[i+1:]...)
				break
			}
		}
		return entity.ChatResponse{}, false
	}
	return e.response, true
}

// put stores resp under fp, evicting the oldest entry if at capacity.
func (c *responseCache) put(fp uint64, resp entity.ChatResponse) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.entries[fp]; !exists {
		if len(c.order) >= c.capacity {
			oldest := c.order[0]
			c.order = c.order[1:]
			delete(c.entries, oldest)
		}
		c.order = append(c.order, fp)
	}
	c.entries[fp] = cacheEntry{response: resp, createdAt: time.Now()}
}

func (c *responseCache) size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
