// Package swarmexec implements the Swarm Executor: the top-level
// orchestrator that decomposes a task, allocates roles, dispatches across
// the relay, remote-worker, and local execution pools with failover, and
// aggregates the results (spec §4.7). It is grounded on the teacher's
// application/app.go wiring style — one struct holding every collaborator,
// a single entry-point method — generalized from a single-agent REPL loop
// to a bounded-concurrency multi-worker run.
package swarmexec

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/sourcegraph/conc/pool"

	"github.com/ngoclaw/swarmfabric/internal/coordinator"
	"github.com/ngoclaw/swarmfabric/internal/decompose"
	"github.com/ngoclaw/swarmfabric/internal/domain/entity"
	"github.com/ngoclaw/swarmfabric/internal/domain/tool"
	"github.com/ngoclaw/swarmfabric/internal/events"
	"github.com/ngoclaw/swarmfabric/internal/relay"
	"github.com/ngoclaw/swarmfabric/internal/roster"
	pkgerrors "github.com/ngoclaw/swarmfabric/pkg/errors"
)

// Config configures one Executor's run policy (spec §4.7, §5).
type Config struct {
	WorkerModel    string
	APIConcurrency int           // base local concurrency cap before idle remote workers are added
	MaxWorkers     int           // hard ceiling on total concurrent workers (local + remote), default 16
	Retries        int           // additional attempts after the first, default 2
	WorkerTimeout  time.Duration // per-attempt timeout, default 90s
	MaxTokens      int           // max_tokens sent to the Gateway for worker calls
}

func (c *Config) applyDefaults() {
	if c.Retries <= 0 {
		c.Retries = 2
	}
	if c.WorkerTimeout <= 0 {
		c.WorkerTimeout = 90 * time.Second
	}
	if c.APIConcurrency <= 0 {
		c.APIConcurrency = 4
	}
	if c.MaxWorkers <= 0 {
		c.MaxWorkers = 16
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = 4096
	}
}

// Executor runs one user task to completion end to end. It owns the set of
// in-flight workers and their Allocations for the run currently executing
// (spec §3's ownership table); every other collaborator it holds owns its
// own resource exclusively (Coordinator owns RemoteWorkers, Gateway owns
// cache/usage, Roster owns Agent status).
type Executor struct {
	cfg Config

	roster      *roster.Roster
	decomposer  *decompose.Decomposer
	aggregator  *decompose.Aggregator
	worker      decompose.Generator
	coordinator *coordinator.Coordinator
	relayPool   *relay.Pool
	tools       tool.Registry
	bus         *events.Bus

	regMu   sync.Mutex
	current *registry // the in-flight-worker registry of whichever run is active, if any
}

// InFlight reports every subtask attempt currently executing in the
// Executor's active run (nil if no run is in progress).
func (e *Executor) InFlight() []inFlightWorker {
	e.regMu.Lock()
	reg := e.current
	e.regMu.Unlock()
	if reg == nil {
		return nil
	}
	return reg.snapshot()
}

// New builds an Executor. coordinator and relayPool may be nil when those
// pools are not configured, in which case every subtask runs locally.
func New(
	cfg Config,
	ros *roster.Roster,
	decomposer *decompose.Decomposer,
	aggregator *decompose.Aggregator,
	worker decompose.Generator,
	coord *coordinator.Coordinator,
	relayPool *relay.Pool,
	tools tool.Registry,
	bus *events.Bus,
) *Executor {
	cfg.applyDefaults()
	return &Executor{
		cfg: cfg, roster: ros, decomposer: decomposer, aggregator: aggregator,
		worker: worker, coordinator: coord, relayPool: relayPool, tools: tools, bus: bus,
	}
}

func (e *Executor) emit(ev events.Event) {
	if e.bus != nil {
		e.bus.Emit(ev)
	}
}

// runProgress is a run-scoped "done out of total" counter. It lives on the
// stack of one Execute call, never on the Executor itself, since the same
// Executor may run concurrent Execute calls for different tasks.
type runProgress struct {
	mu    sync.Mutex
	done  int
	total int
}

func (e *Executor) emitProgress(p *runProgress) {
	p.mu.Lock()
	p.done++
	done, total := p.done, p.total
	p.mu.Unlock()
	e.emit(events.Event{Kind: events.KindProgress, Done: done, Total: total})
}

// Execute runs one user task to completion, implementing spec §4.7's
// 9-step operation.
func (e *Executor) Execute(ctx context.Context, task string) (*entity.RunOutput, error) {
	start := time.Now()

	// 1. status: activated
	e.emit(events.Event{Kind: events.KindStatus, Status: "activated"})
	e.roster.SetStatus("commander", entity.RoleWorking, task)
	defer e.roster.SetStatus("commander", entity.RoleIdle, "")

	// 2. decompose
	subtasks := e.decomposer.Decompose(ctx, task)
	e.emit(events.Event{Kind: events.KindDecomposed, Subtasks: subtasks})

	// 3. allocate
	allocations := e.roster.AllocateTasks(subtasks)
	e.emit(events.Event{Kind: events.KindAllocations, Allocations: allocations})

	stats := entity.RunStats{TotalTasks: len(allocations)}
	peer := newPeerFindings()
	progress := &runProgress{total: len(allocations)}

	// 4. choose execution pool: relay first, remaining allocations fall
	// back to the local/remote pool.
	relayResults, remaining := e.tryRelay(ctx, allocations)
	stats.RemoteWorkers += len(relayResults)

	results := make([]entity.WorkerResult, 0, len(allocations))
	results = append(results, relayResults...)
	for _, r := range relayResults {
		e.publishAndEmit(peer, allocByIndex(allocations, r.SubtaskIdx), r)
		e.emitProgress(progress)
	}

	if len(remaining) > 0 {
		results = append(results, e.runLocalRemotePool(ctx, remaining, peer, progress)...)
	}

	// A result landing as !OK while the run's own context is already
	// cancelled means the run was killed out from under it, not that the
	// subtask itself failed on its own terms.
	cancelled := ctx.Err() != nil
	for _, r := range results {
		switch {
		case r.OK:
			stats.Completed++
		case cancelled:
			stats.Killed++
		default:
			stats.Failed++
		}
	}
	stats.TotalTime = time.Since(start)

	if len(allocations) > 0 && stats.Completed == 0 {
		reasons := make([]string, 0, len(results))
		for _, r := range results {
			if r.FailReason != "" {
				reasons = append(reasons, r.FailReason)
			}
		}
		msg := "all backends failed"
		if len(reasons) > 0 {
			msg += ": " + strings.Join(reasons, "; ")
		}
		return nil, &pkgerrors.SwarmError{Message: msg}
	}

	// 9. aggregate
	finalText := e.aggregator.Aggregate(ctx, task, allocations, orderByIndex(results))
	output := &entity.RunOutput{Result: finalText, Stats: stats}
	e.emit(events.Event{Kind: events.KindComplete, Output: output})
	return output, nil
}

// tryRelay attempts the configured relay pool (primary then secondary,
// per relay.Pool.ChooseEndpoint). It returns whatever results the relay
// produced within its deadline and the allocations that must still be run
// locally or remotely.
func (e *Executor) tryRelay(ctx context.Context, allocations []entity.Allocation) (results []entity.WorkerResult, remaining []entity.Allocation) {
	if e.relayPool == nil || len(allocations) == 0 {
		return nil, allocations
	}
	ep := e.relayPool.ChooseEndpoint(ctx)
	if ep == nil {
		return nil, allocations
	}
	return e.relayPool.Dispatch(ctx, *ep, allocations, e.cfg.MaxTokens)
}

// runLocalRemotePool dispatches every remaining allocation through a
// bounded-concurrency worker group. Concurrency cap = min(apiConcurrency +
// idleRemoteWorkerCount, maxWorkers, subtaskCount), at least 1.
func (e *Executor) runLocalRemotePool(ctx context.Context, allocations []entity.Allocation, peer *peerFindings, progress *runProgress) []entity.WorkerResult {
	idle := 0
	if e.coordinator != nil {
		idle = e.coordinator.IdleCount()
	}
	capacity := e.cfg.APIConcurrency + idle
	if capacity > e.cfg.MaxWorkers {
		capacity = e.cfg.MaxWorkers
	}
	if capacity > len(allocations) {
		capacity = len(allocations)
	}
	if capacity < 1 {
		capacity = 1
	}

	reg := newRegistry()
	e.regMu.Lock()
	e.current = reg
	e.regMu.Unlock()
	defer func() {
		e.regMu.Lock()
		if e.current == reg {
			e.current = nil
		}
		e.regMu.Unlock()
	}()

	p := pool.NewWithResults[entity.WorkerResult]().WithMaxGoroutines(capacity)
	for _, alloc := range allocations {
		alloc := alloc
		p.Go(func() entity.WorkerResult {
			reg.start(alloc.Subtask.Index, alloc.RoleID)
			e.emit(events.Event{Kind: events.KindWorkerStart, SubtaskIdx: alloc.Subtask.Index, RoleID: alloc.RoleID})
			result := e.executeSubtask(ctx, alloc, peer)
			reg.finish(alloc.Subtask.Index)
			e.publishAndEmit(peer, alloc, result)
			e.emitProgress(progress)
			return result
		})
	}
	return p.Wait()
}

func (e *Executor) publishAndEmit(peer *peerFindings, alloc entity.Allocation, result entity.WorkerResult) {
	if result.OK {
		peer.publish(alloc.RoleID, result.Content)
		e.emit(events.Event{Kind: events.KindWorkerDone, SubtaskIdx: result.SubtaskIdx, RoleID: result.RoleID, Result: &result})
	} else {
		peer.publish(alloc.RoleID, "FAILED: "+result.FailReason)
		e.emit(events.Event{Kind: events.KindWorkerFail, SubtaskIdx: result.SubtaskIdx, RoleID: result.RoleID, Result: &result})
	}
}

// executeSubtask runs one allocation to a terminal WorkerResult, retrying
// up to cfg.Retries additional times on error (spec §4.7 step 7). Each
// attempt runs under its own WorkerTimeout deadline; expiry cancels that
// attempt's underlying call and counts as a failed attempt.
func (e *Executor) executeSubtask(ctx context.Context, alloc entity.Allocation, peer *peerFindings) entity.WorkerResult {
	start := time.Now()
	attempts := 1 + e.cfg.Retries
	var lastErr error

	for attempt := 0; attempt < attempts; attempt++ {
		if attempt == 0 {
			e.roster.SetStatus(alloc.RoleID, entity.RoleWorking, alloc.Subtask.Description)
		} else {
			e.roster.SetStatus(alloc.RoleID, entity.RoleRetrying, alloc.Subtask.Description)
		}

		attemptCtx, cancel := context.WithTimeout(ctx, e.cfg.WorkerTimeout)
		content, kind, workerID, err := e.attemptOnce(attemptCtx, alloc, peer.render())
		cancel()

		if err == nil {
			e.roster.SetStatus(alloc.RoleID, entity.RoleIdle, "")
			return entity.WorkerResult{
				WorkerID: workerID, Kind: kind, SubtaskIdx: alloc.Subtask.Index, RoleID: alloc.RoleID,
				OK: true, Content: content, Elapsed: time.Since(start),
			}
		}
		lastErr = err
	}

	e.roster.SetStatus(alloc.RoleID, entity.RoleIdle, "")
	return entity.WorkerResult{
		WorkerID: "local-" + alloc.RoleID, Kind: entity.WorkerLocal, SubtaskIdx: alloc.Subtask.Index, RoleID: alloc.RoleID,
		OK: false, FailReason: lastErr.Error(), Elapsed: time.Since(start),
	}
}

// attemptOnce runs one execution attempt: prefer an idle remote worker if
// one exists at dispatch time, falling through to local execution if the
// remote dispatch itself errors (spec §4.7 step 5).
func (e *Executor) attemptOnce(ctx context.Context, alloc entity.Allocation, peerText string) (content string, kind entity.WorkerKind, workerID string, err error) {
	if e.coordinator != nil && e.coordinator.IdleCount() > 0 {
		systemPrompt := buildWorkerSystemPrompt(alloc, e.tools, peerText)
		text, rerr := e.coordinator.DispatchRemote(alloc.Subtask.Description, systemPrompt, e.cfg.WorkerTimeout)
		if rerr == nil {
			return text, entity.WorkerRemote, "remote", nil
		}
	}
	text, lerr := e.runLocalWorker(ctx, alloc, peerText)
	if lerr != nil {
		return "", entity.WorkerLocal, "", lerr
	}
	return text, entity.WorkerLocal, "local-" + alloc.RoleID, nil
}

func allocByIndex(allocations []entity.Allocation, idx int) entity.Allocation {
	for _, a := range allocations {
		if a.Subtask.Index == idx {
			return a
		}
	}
	return entity.Allocation{}
}

// orderByIndex returns results sorted by subtask index, so the Aggregator
// always receives them in that order regardless of completion order
// (spec §5's ordering guarantee).
func orderByIndex(results []entity.WorkerResult) []entity.WorkerResult {
	out := make([]entity.WorkerResult, len(results))
	copy(out, results)
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].SubtaskIdx < out[j-1].SubtaskIdx; j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}
