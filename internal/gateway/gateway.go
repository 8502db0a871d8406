// Package gateway implements the OpenAI-compatible AI Gateway: an HTTP
// front end that multiplexes chat-completion requests through the LLM
// Adapter, adding caching, concurrency gating, model fallback, and usage
// accounting (spec §4.2).
package gateway

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/ngoclaw/swarmfabric/internal/domain/entity"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"
)

// Config configures a Gateway.
type Config struct {
	Port          int
	Token         string
	MaxConcurrent int64
	QueueCap      int64
	CacheTTL      time.Duration
	CacheCapacity int
	FallbackChain []string
	ModelAliases  map[string]string
	Pricing       map[string]ModelPricing
	UsageFilePath string

	// UpstreamTimeout bounds one upstream call (spec §5: 120s).
	UpstreamTimeout time.Duration
}

// Gateway is the AI Gateway service. It owns the cache and UsageCounter
// exclusively, per spec §3 ownership rules.
type Gateway struct {
	cfg    Config
	gen    generator
	logger *zap.Logger

	cache   *responseCache
	usage   *UsageCounter
	chain   *fallbackChain
	permits *semaphore.Weighted
	queued  *semaphore.Weighted // bounds requests waiting for a permit
	single  singleflight.Group  // collapses concurrent identical cache misses

	queueLength int64
	active      int64
}

// New builds a Gateway delegating to gen for upstream calls.
func New(cfg Config, gen generator, logger *zap.Logger) *Gateway {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 8
	}
	if cfg.QueueCap <= 0 {
		cfg.QueueCap = 64
	}
	if cfg.UpstreamTimeout <= 0 {
		cfg.UpstreamTimeout = 120 * time.Second
	}
	return &Gateway{
		cfg:     cfg,
		gen:     gen,
		logger:  logger.With(zap.String("component", "gateway")),
		cache:   newResponseCache(cfg.CacheTTL, cfg.CacheCapacity),
		usage:   NewUsageCounter(cfg.UsageFilePath),
		chain:   newFallbackChain(cfg.FallbackChain),
		permits: semaphore.NewWeighted(cfg.MaxConcurrent),
		queued:  semaphore.NewWeighted(cfg.QueueCap),
	}
}

// resolveModel maps a short alias to its fully-qualified identifier.
// Unknown aliases pass through unchanged.
func (g *Gateway) resolveModel(model string) string {
	if full, ok := g.cfg.ModelAliases[model]; ok {
		return full
	}
	return model
}

func (g *Gateway) pricingFor(model string) ModelPricing {
	if p, ok := g.cfg.Pricing[model]; ok {
		return p
	}
	return DefaultPricing
}

// acquirePermit reserves a queue slot, then a concurrency permit. It
// returns a release func and an error (RateLimitError) if the queue is
// already at capacity.
func (g *Gateway) acquirePermit(ctx context.Context) (func(), error) {
	if !g.queued.TryAcquire(1) {
		return nil, &rateLimitErr{"queue capacity exceeded"}
	}
	atomic.AddInt64(&g.queueLength, 1)
	err := g.permits.Acquire(ctx, 1)
	atomic.AddInt64(&g.queueLength, -1)
	g.queued.Release(1)
	if err != nil {
		return nil, err
	}
	atomic.AddInt64(&g.active, 1)
	return func() { atomic.AddInt64(&g.active, -1); g.permits.Release(1) }, nil
}

// contextWithTimeout wraps context.WithTimeout, exported within the
// package for the handler's per-call deadline.
func contextWithTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, d)
}

type rateLimitErr struct{ msg string }

func (e *rateLimitErr) Error() string { return e.msg }

// Generate runs one chat request through the Gateway's full pipeline —
// cache, concurrency gating, singleflight collapse, model fallback, and
// usage accounting — the same path /v1/chat/completions uses. In-process
// callers that hold a *Gateway directly (the Swarm Executor's decomposer,
// aggregator, and local worker loop) call this instead of round-tripping
// through HTTP, per spec §3: every LLM call in the fabric flows through
// the one Gateway instance so caching and usage stay centralized.
func (g *Gateway) Generate(ctx context.Context, req *entity.ChatRequest) (*entity.ChatResponse, error) {
	resolved := *req
	resolved.Model = g.resolveModel(req.Model)

	fp := fingerprint(&resolved)
	if cached, ok := g.cache.get(fp); ok {
		g.usage.RecordCacheHit()
		return &cached, nil
	}
	g.usage.RecordCacheMiss()

	release, err := g.acquirePermit(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	callCtx, cancel := contextWithTimeout(ctx, g.cfg.UpstreamTimeout)
	defer cancel()

	start := time.Now()
	result, _, genErr := g.single.Do(fmt.Sprintf("%d", fp), func() (interface{}, error) {
		resp, usedModel, _, err := generateWithFallback(callCtx, g.gen, g.chain, &resolved)
		if err != nil {
			return nil, err
		}
		g.usage.Record(usedModel, resp.Usage, g.pricingFor(usedModel), time.Since(start), false, "direct")
		g.cache.put(fp, *resp)
		return *resp, nil
	})
	if genErr != nil {
		return nil, genErr
	}
	resp := result.(entity.ChatResponse)
	return &resp, nil
}

// completion is the outcome of one /v1/chat/completions request, shared
// between the streaming and non-streaming paths for accounting.
type completion struct {
	response     entity.ChatResponse
	usedModel    string
	requestedModel string
	fallback     bool
	cached       bool
}
