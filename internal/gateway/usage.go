package gateway

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ngoclaw/swarmfabric/internal/domain/entity"
)

const ringBufferCapacity = 200

// ModelPricing is the per-model per-million-token pricing used to compute
// request cost. Models not present use DefaultPricing.
type ModelPricing struct {
	Input      float64
	Output     float64
	CacheRead  float64
	CacheWrite float64
}

// RequestRecord is one entry in the usage ring buffer.
type RequestRecord struct {
	Model   string        `json:"model"`
	Input   int           `json:"input"`
	Output  int           `json:"output"`
	Cost    float64       `json:"cost"`
	Latency time.Duration `json:"latency"`
	Ts      int64         `json:"ts"`
	Cached  bool          `json:"cached"`
	Route   string        `json:"route"`
}

// bucketTotals tracks totals at a given granularity (per model, per hour,
// per day).
type bucketTotals struct {
	Requests int     `json:"requests"`
	Input    int     `json:"input"`
	Output   int     `json:"output"`
	Cost     float64 `json:"cost"`
}

// usageSnapshot is the JSON shape persisted to disk and returned by GET
// /usage.
type usageSnapshot struct {
	Totals    bucketTotals            `json:"totals"`
	PerModel  map[string]*bucketTotals `json:"perModel"`
	PerHour   map[string]*bucketTotals `json:"perHour"`
	PerDay    map[string]*bucketTotals `json:"perDay"`
	CacheHits   int `json:"cacheHits"`
	CacheMisses int `json:"cacheMisses"`
}

// UsageCounter is the Gateway's sole owner of accounting state: request
// totals, per-model/hour/day breakdowns, cache hit/miss counts, and a
// bounded ring buffer of recent requests. Updates are serialized; the
// persistence writer is debounced to one write per flushEvery, so a crash
// loses the updates recorded since the last write, and a write never leaves
// a partially-written file (write-then-rename).
type UsageCounter struct {
	mu       sync.Mutex
	snapshot usageSnapshot
	ring     []RequestRecord

	path       string
	lastFlush  time.Time
	flushEvery time.Duration
}

// NewUsageCounter loads totals from path if present, otherwise starts
// empty. Persistence is debounced to flushEvery (default 1s, per spec's
// "persist-on-update debounced at ~1 Hz").
func NewUsageCounter(path string) *UsageCounter {
	u := &UsageCounter{
		path:       path,
		flushEvery: time.Second,
		snapshot: usageSnapshot{
			PerModel: make(map[string]*bucketTotals),
			PerHour:  make(map[string]*bucketTotals),
			PerDay:   make(map[string]*bucketTotals),
		},
	}
	u.load()
	return u
}

func (u *UsageCounter) load() {
	if u.path == "" {
		return
	}
	data, err := os.ReadFile(u.path)
	if err != nil {
		return
	}
	var snap usageSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return
	}
	if snap.PerModel == nil {
		snap.PerModel = make(map[string]*bucketTotals)
	}
	if snap.PerHour == nil {
		snap.PerHour = make(map[string]*bucketTotals)
	}
	if snap.PerDay == nil {
		snap.PerDay = make(map[string]*bucketTotals)
	}
	u.snapshot = snap
}

// RecordCacheHit increments the cache hit counter.
func (u *UsageCounter) RecordCacheHit() {
	u.mu.Lock()
	u.snapshot.CacheHits++
	u.mu.Unlock()
}

// RecordCacheMiss increments the cache miss counter.
func (u *UsageCounter) RecordCacheMiss() {
	u.mu.Lock()
	u.snapshot.CacheMisses++
	u.mu.Unlock()
}

// Record accounts for one completed upstream call, computing cost from
// pricing and appending to the ring buffer.
func (u *UsageCounter) Record(model string, usage entity.Usage, pricing ModelPricing, latency time.Duration, cached bool, route string) {
	cost := (float64(usage.InputTokens)*pricing.Input +
		float64(usage.OutputTokens)*pricing.Output +
		float64(usage.CacheReadInputTokens)*pricing.CacheRead +
		float64(usage.CacheCreateInputTokens)*pricing.CacheWrite) / 1e6

	now := time.Now()
	hourKey := now.Format("2006-01-02T15")
	dayKey := now.Format("2006-01-02")

	u.mu.Lock()
	defer u.mu.Unlock()

	addBucket(&u.snapshot.Totals, usage, cost)
	addBucket(bucketFor(u.snapshot.PerModel, model), usage, cost)
	addBucket(bucketFor(u.snapshot.PerHour, hourKey), usage, cost)
	addBucket(bucketFor(u.snapshot.PerDay, dayKey), usage, cost)

	u.ring = append(u.ring, RequestRecord{
		Model: model, Input: usage.InputTokens, Output: usage.OutputTokens,
		Cost: cost, Latency: latency, Ts: now.Unix(), Cached: cached, Route: route,
	})
	if len(u.ring) > ringBufferCapacity {
		u.ring = u.ring[len(u.ring)-ringBufferCapacity:]
	}

	u.maybeFlushLocked()
}

func bucketFor(m map[string]*bucketTotals, key string) *bucketTotals {
	b, ok := m[key]
	if !ok {
		b = &bucketTotals{}
		m[key] = b
	}
	return b
}

func addBucket(b *bucketTotals, usage entity.Usage, cost float64) {
	b.Requests++
	b.Input += usage.InputTokens
	b.Output += usage.OutputTokens
	b.Cost += cost
}

// Snapshot returns a copy of the current totals, suitable for GET /usage.
func (u *UsageCounter) Snapshot() usageSnapshot {
	u.mu.Lock()
	defer u.mu.Unlock()
	cp := func(m map[string]*bucketTotals) map[string]*bucketTotals {
		out := make(map[string]*bucketTotals, len(m))
		for k, v := range m {
			b := *v
			out[k] = &b
		}
		return out
	}
	snap := u.snapshot
	snap.PerModel = cp(u.snapshot.PerModel)
	snap.PerHour = cp(u.snapshot.PerHour)
	snap.PerDay = cp(u.snapshot.PerDay)
	return snap
}

// Requests returns a copy of the last-200 ring buffer, for GET /requests.
func (u *UsageCounter) Requests() []RequestRecord {
	u.mu.Lock()
	defer u.mu.Unlock()
	out := make([]RequestRecord, len(u.ring))
	copy(out, u.ring)
	return out
}

// maybeFlushLocked persists to disk if flushEvery has elapsed since the
// last write. Caller must hold u.mu.
func (u *UsageCounter) maybeFlushLocked() {
	if u.path == "" || time.Since(u.lastFlush) < u.flushEvery {
		return
	}
	u.lastFlush = time.Now()
	_ = u.writeLocked()
}

// Flush forces an immediate persist, used on clean shutdown.
func (u *UsageCounter) Flush() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.writeLocked()
}

func (u *UsageCounter) writeLocked() error {
	if u.path == "" {
		return nil
	}
	data, err := json.MarshalIndent(u.snapshot, "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(u.path)
	tmp, err := os.CreateTemp(dir, ".usage-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, u.path)
}

// DefaultPricing is used for models absent from the configured pricing
// table.
var DefaultPricing = ModelPricing{Input: 3.0, Output: 15.0, CacheRead: 0.3, CacheWrite: 3.75}
