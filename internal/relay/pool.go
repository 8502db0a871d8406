package relay

import (
	"context"
	"sync"
	"time"

	"github.com/ngoclaw/swarmfabric/internal/domain/entity"
	"github.com/ngoclaw/swarmfabric/pkg/safego"
	"go.uber.org/zap"
)

const (
	pollInterval  = 2 * time.Second
	taskDeadline  = 120 * time.Second
)

// Config names a primary and optional secondary relay.
type Config struct {
	Primary   *Endpoint
	Secondary *Endpoint
}

// submission pairs one submitted allocation with its relay task id (or the
// submit error, if submission itself failed).
type submission struct {
	alloc  entity.Allocation
	taskID string
	err    error
}

// Pool implements the dispatch policy spec §4.4 describes: pick the first
// available relay, submit every allocation concurrently, then poll each on
// a fixed cadence up to a per-task deadline. Allocations still pending at
// the deadline are reported back as fellBack so the caller can run them
// locally instead.
type Pool struct {
	cfg    Config
	client *Client
	logger *zap.Logger
}

// NewPool builds a Pool for the given primary/secondary configuration.
func NewPool(cfg Config, client *Client, logger *zap.Logger) *Pool {
	return &Pool{cfg: cfg, client: client, logger: logger.With(zap.String("component", "relay-pool"))}
}

// ChooseEndpoint returns the first available endpoint (primary checked
// first, then secondary), or nil if neither responds.
func (p *Pool) ChooseEndpoint(ctx context.Context) *Endpoint {
	if p.cfg.Primary != nil && p.client.Available(ctx, *p.cfg.Primary) {
		return p.cfg.Primary
	}
	if p.cfg.Secondary != nil && p.client.Available(ctx, *p.cfg.Secondary) {
		return p.cfg.Secondary
	}
	return nil
}

// Dispatch submits every allocation to ep concurrently and polls for
// completion. It returns the results obtained within the deadline and the
// subset of allocations that must fall back to local execution.
//
// Per the Open Question decision in spec §9 ("Race between relay timeout
// and late relay completion"), any relay result that arrives after its
// deadline is discarded silently — fellBack allocations are handed to the
// caller immediately at deadline expiry and this Pool does not attempt to
// reconcile a late result against them.
func (p *Pool) Dispatch(ctx context.Context, ep Endpoint, allocations []entity.Allocation, maxTokens int) (results []entity.WorkerResult, fellBack []entity.Allocation) {
	submissions := make([]submission, len(allocations))
	var wg sync.WaitGroup
	for i, alloc := range allocations {
		wg.Add(1)
		safego.Go(p.logger, "relay-submit", func() {
			defer wg.Done()
			id, err := p.client.Submit(ctx, ep, alloc, maxTokens)
			submissions[i] = submission{alloc: alloc, taskID: id, err: err}
		})
	}
	wg.Wait()

	var mu sync.Mutex
	deadline := time.Now().Add(taskDeadline)

	var pollWg sync.WaitGroup
	for _, sub := range submissions {
		if sub.err != nil {
			mu.Lock()
			fellBack = append(fellBack, sub.alloc)
			mu.Unlock()
			continue
		}
		pollWg.Add(1)
		safego.Go(p.logger, "relay-poll", func() {
			defer pollWg.Done()
			result, ok := p.pollUntil(ctx, ep, sub, deadline)
			mu.Lock()
			defer mu.Unlock()
			if ok {
				results = append(results, result)
			} else {
				fellBack = append(fellBack, sub.alloc)
			}
		})
	}
	pollWg.Wait()

	return results, fellBack
}

func (p *Pool) pollUntil(ctx context.Context, ep Endpoint, sub submission, deadline time.Time) (entity.WorkerResult, bool) {
	start := time.Now()
	for time.Now().Before(deadline) {
		poll, err := p.client.Poll(ctx, ep, sub.taskID)
		if err == nil {
			switch poll.Kind {
			case entity.RelayOK:
				return entity.WorkerResult{
					WorkerID: "relay-" + sub.taskID, Kind: entity.WorkerRelay,
					SubtaskIdx: sub.alloc.Subtask.Index, RoleID: sub.alloc.RoleID,
					OK: true, Content: poll.Text, Elapsed: time.Since(start),
				}, true
			case entity.RelayFailed:
				return entity.WorkerResult{
					WorkerID: "relay-" + sub.taskID, Kind: entity.WorkerRelay,
					SubtaskIdx: sub.alloc.Subtask.Index, RoleID: sub.alloc.RoleID,
					OK: false, FailReason: poll.Reason, Elapsed: time.Since(start),
				}, true
			}
		}
		select {
		case <-ctx.Done():
			return entity.WorkerResult{}, false
		case <-time.After(pollInterval):
		}
	}
	return entity.WorkerResult{}, false
}
