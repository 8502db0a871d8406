package gateway

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/ngoclaw/swarmfabric/internal/domain/entity"
	"github.com/ngoclaw/swarmfabric/internal/domain/service"
	"github.com/ngoclaw/swarmfabric/internal/infrastructure/llm"
	pkgerrors "github.com/ngoclaw/swarmfabric/pkg/errors"
)

// cooldownWindow is how long a model is skipped after a retryable failure,
// grounded on the teacher's model_failover cooldown idiom.
const cooldownWindow = 30 * time.Second

// fallbackChain tries a requested model, then an ordered list of configured
// fallback models, on retryable errors. Each model carries its own circuit
// breaker so a model that is clearly down stops being retried even across
// separate requests, not just within a single fallback pass.
type fallbackChain struct {
	mu       sync.Mutex
	models   []string // configured fallback order, not including the requested model
	breakers map[string]*llm.CircuitBreaker
	cooldown map[string]time.Time
}

func newFallbackChain(models []string) *fallbackChain {
	return &fallbackChain{
		models:   models,
		breakers: make(map[string]*llm.CircuitBreaker),
		cooldown: make(map[string]time.Time),
	}
}

func (f *fallbackChain) breaker(model string) *llm.CircuitBreaker {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.breakers[model]
	if !ok {
		b = llm.NewCircuitBreaker(5, 30*time.Second)
		f.breakers[model] = b
	}
	return b
}

func (f *fallbackChain) cooledDown(model string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	until, ok := f.cooldown[model]
	return ok && time.Now().Before(until)
}

func (f *fallbackChain) markFailure(model string) {
	f.breaker(model).RecordFailure()
	f.mu.Lock()
	f.cooldown[model] = time.Now().Add(cooldownWindow)
	f.mu.Unlock()
}

func (f *fallbackChain) markSuccess(model string) {
	f.breaker(model).RecordSuccess()
}

// candidates returns the ordered list of models to try: the requested model
// first, then every configured fallback model not already tried and not
// presently cooled down or circuit-open.
func (f *fallbackChain) candidates(requested string) []string {
	seen := map[string]bool{requested: true}
	out := []string{requested}
	for _, m := range f.models {
		if seen[m] {
			continue
		}
		seen[m] = true
		if f.cooledDown(m) {
			continue
		}
		if !f.breaker(m).Allow() {
			continue
		}
		out = append(out, m)
	}
	return out
}

// retryableError reports whether err should advance to the next model in
// the chain, per spec §4.2: HTTP 429/500/502/503/529, or any transport
// timeout. An AuthError never advances the chain. Anything not already
// classified as an AuthError, UpstreamError or TransportError falls through
// to the LLM Adapter's error classifier, which recognizes
// auth/content-filter/budget failures as non-retryable and everything else
// (including plain transport timeouts) as transient.
func retryableError(err error) bool {
	if err == nil {
		return false
	}
	if _, ok := err.(*pkgerrors.AuthError); ok {
		return false
	}
	if upstream, ok := err.(*pkgerrors.UpstreamError); ok {
		return upstream.Retryable()
	}
	if _, ok := err.(*pkgerrors.TransportError); ok {
		return true
	}
	if strings.Contains(err.Error(), "timeout") {
		return true
	}
	return service.ClassifyError(err, "", "").IsRetryable()
}

// generateWithFallback runs gen.Generate against the requested model, then
// the fallback chain on retryable errors. It returns the final response,
// the model actually used, and whether any fallback occurred.
func generateWithFallback(ctx context.Context, gen generator, chain *fallbackChain, req *entity.ChatRequest) (*entity.ChatResponse, string, bool, error) {
	var lastErr error
	for i, model := range chain.candidates(req.Model) {
		attemptReq := *req
		attemptReq.Model = model
		resp, err := gen.Generate(ctx, &attemptReq)
		if err == nil {
			chain.markSuccess(model)
			return resp, model, i > 0, nil
		}
		chain.markFailure(model)
		lastErr = err
		if !retryableError(err) {
			return nil, model, false, err
		}
	}
	return nil, req.Model, false, lastErr
}

// generator is the subset of the LLM Adapter the gateway calls through.
type generator interface {
	Generate(ctx context.Context, req *entity.ChatRequest) (*entity.ChatResponse, error)
	GenerateStream(ctx context.Context, req *entity.ChatRequest, sink chan<- entity.StreamEvent) error
}
