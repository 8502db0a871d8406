// Package decompose implements the two LLM-backed transforms the Swarm
// Executor relies on: task → subtask list, and (task, worker results) →
// synthesized answer. Both are grounded on the same generator interface
// the anthropic adapter exposes, so either can run against a cheaper or
// stronger model independent of the worker model.
package decompose

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ngoclaw/swarmfabric/internal/domain/entity"
	"github.com/ngoclaw/swarmfabric/internal/roster"
)

// Generator is the subset of the LLM Adapter both transforms call through.
type Generator interface {
	Generate(ctx context.Context, req *entity.ChatRequest) (*entity.ChatResponse, error)
}

const (
	minSubtasks = 1
	maxSubtasks = 10
)

// Decomposer turns a user task into an ordered subtask list.
type Decomposer struct {
	gen   Generator
	model string
}

// NewDecomposer builds a Decomposer that calls gen using the given model.
func NewDecomposer(gen Generator, model string) *Decomposer {
	return &Decomposer{gen: gen, model: model}
}

// decomposeSystemPrompt enumerates every role's keywords via a throwaway
// roster so the prompt always reflects the live role set.
func decomposeSystemPrompt() string {
	var kws []string
	ros := roster.New()
	for _, id := range []string{
		"commander", "coder", "researcher", "analyst", "creative", "scout",
		"executor", "security", "trader", "debugger", "architect",
		"optimizer", "navigator", "scribe",
	} {
		if role, ok := ros.Role(id); ok {
			kws = append(kws, fmt.Sprintf("%s (%s)", role.Name, strings.Join(role.Keywords, ", ")))
		}
	}
	return "You decompose a user task into a JSON array of subtask strings. " +
		"Respond with ONLY a JSON array, nothing else. " +
		"Produce between 2 and 10 subtasks. Each subtask must be specific and " +
		"actionable. For complex tasks, target at least 3 distinct specialist " +
		"roles. Available roles and their focus keywords:\n" + strings.Join(kws, "\n")
}

// Decompose calls the model and parses its reply into subtasks. Any
// failure — call error, missing array, malformed JSON, empty array — falls
// back to a single subtask equal to the original task, per spec.
func (d *Decomposer) Decompose(ctx context.Context, task string) []entity.Subtask {
	fallback := []entity.Subtask{{Index: 0, Description: task}}

	req := &entity.ChatRequest{
		Model: d.model,
		Messages: []entity.Message{
			{Role: entity.RoleSystem, Content: decomposeSystemPrompt()},
			{Role: entity.RoleUser, Content: task},
		},
		Temperature: 0.3,
	}

	resp, err := d.gen.Generate(ctx, req)
	if err != nil {
		return fallback
	}

	items := extractJSONArray(resp.Content)
	if len(items) == 0 {
		return fallback
	}
	if len(items) > maxSubtasks {
		items = items[:maxSubtasks]
	}

	subtasks := make([]entity.Subtask, len(items))
	for i, desc := range items {
		subtasks[i] = entity.Subtask{Index: i, Description: desc}
	}
	return subtasks
}

// extractJSONArray finds the first "[...]" substring in text and parses it
// as a JSON array of strings. Returns nil on any failure.
func extractJSONArray(text string) []string {
	start := strings.IndexByte(text, '[')
	if start < 0 {
		return nil
	}
	end := strings.LastIndexByte(text, ']')
	if end < start {
		return nil
	}
	var items []string
	if err := json.Unmarshal([]byte(text[start:end+1]), &items); err != nil {
		return nil
	}
	return items
}

// Aggregator synthesizes a final answer from every worker's result.
type Aggregator struct {
	gen   Generator
	model string
}

// NewAggregator builds an Aggregator that calls gen using the given model.
func NewAggregator(gen Generator, model string) *Aggregator {
	return &Aggregator{gen: gen, model: model}
}

const aggregateSystemPrompt = `You synthesize the results of several specialist agents into one ` +
	`coherent answer to the original task. Weigh each contribution by the ` +
	`contributing role's expertise. Credit agents by name when their ` +
	`contribution is significant. Where specialists disagree, favor the ` +
	`domain specialist for that topic. Surface points of agreement across ` +
	`agents as high-confidence findings. Explicitly flag any subtask that ` +
	`failed.`

// Aggregate synthesizes results into the final answer. On any failure it
// falls back to a deterministic raw concatenation of the results.
func (a *Aggregator) Aggregate(ctx context.Context, task string, allocations []entity.Allocation, results []entity.WorkerResult) string {
	var input strings.Builder
	fmt.Fprintf(&input, "Original task: %s\n\n", task)

	byIdx := make(map[int]entity.WorkerResult, len(results))
	for _, r := range results {
		byIdx[r.SubtaskIdx] = r
	}
	for _, alloc := range allocations {
		r, ok := byIdx[alloc.Subtask.Index]
		if !ok {
			continue
		}
		body := r.Content
		if !r.OK {
			body = "FAILED: " + r.FailReason
		}
		fmt.Fprintf(&input, "### %s (%s): %s\n%s\n\n", r.WorkerID, alloc.RoleName, alloc.Subtask.Description, body)
	}

	req := &entity.ChatRequest{
		Model: a.model,
		Messages: []entity.Message{
			{Role: entity.RoleSystem, Content: aggregateSystemPrompt},
			{Role: entity.RoleUser, Content: input.String()},
		},
		Temperature: 0.4,
	}

	resp, err := a.gen.Generate(ctx, req)
	if err != nil || strings.TrimSpace(resp.Content) == "" {
		return rawFallback(task, allocations, results)
	}
	return resp.Content
}

func rawFallback(task string, allocations []entity.Allocation, results []entity.WorkerResult) string {
	byIdx := make(map[int]entity.WorkerResult, len(results))
	for _, r := range results {
		byIdx[r.SubtaskIdx] = r
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Results for: %s\n\n", task)
	for _, alloc := range allocations {
		r, ok := byIdx[alloc.Subtask.Index]
		if !ok {
			continue
		}
		if r.OK {
			fmt.Fprintf(&b, "- [%s] %s: %s\n", alloc.RoleName, alloc.Subtask.Description, r.Content)
		} else {
			fmt.Fprintf(&b, "- [%s] %s: FAILED (%s)\n", alloc.RoleName, alloc.Subtask.Description, r.FailReason)
		}
	}
	return b.String()
}
