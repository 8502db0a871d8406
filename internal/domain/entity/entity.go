// Package entity holds the plain data types shared across the gateway,
// coordinator, relay, roster, decomposer, and swarm executor. None of these
// types own behavior beyond small invariant helpers — they are passed by
// value or pointer between components that do the actual work.
package entity

import "time"

// Role of a chat message in a conversation.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message is one turn in a chat conversation. Once created it is never
// mutated — callers build new slices rather than editing in place.
type Message struct {
	Role       string `json:"role"`
	Content    string `json:"content"`
	ToolCallID string `json:"tool_call_id,omitempty"`
}

// ChatRequest is the generic (OpenAI-shaped) request the LLM Adapter
// translates into an upstream Anthropic-style Messages API call.
type ChatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Temperature float64   `json:"temperature"`
	Stream      bool      `json:"stream,omitempty"`
}

// Usage reports token consumption for one completed upstream call.
type Usage struct {
	InputTokens            int `json:"prompt_tokens"`
	OutputTokens           int `json:"completion_tokens"`
	CacheReadInputTokens   int `json:"cache_read_input_tokens"`
	CacheCreateInputTokens int `json:"cache_creation_input_tokens"`
}

// Total returns the sum of input and output tokens.
func (u Usage) Total() int { return u.InputTokens + u.OutputTokens }

// ChatResponse is the generic response the LLM Adapter produces after
// translating the upstream Anthropic-style Messages API response.
type ChatResponse struct {
	Model        string `json:"model"`
	Content      string `json:"content"`
	FinishReason string `json:"finish_reason"`
	Usage        Usage  `json:"usage"`
}

// StreamEventKind is the closed set of variants a StreamEvent may carry.
type StreamEventKind string

const (
	StreamEventDelta StreamEventKind = "delta"
	StreamEventUsage StreamEventKind = "usage"
	StreamEventStop  StreamEventKind = "stop"
	StreamEventError StreamEventKind = "error"
)

// StreamEvent is one item in the ordered sequence the LLM Adapter emits
// while streaming. Exactly one terminal StreamEventStop or StreamEventError
// ends any given stream.
type StreamEvent struct {
	Kind         StreamEventKind
	DeltaText    string
	Usage        Usage
	FinishReason string
	ErrorMessage string
}

// Subtask is one atomic piece of work carved out of a user task by the
// Decomposer. Immutable once created.
type Subtask struct {
	Index       int    `json:"index"`
	Description string `json:"description"`
}

// Allocation binds a Subtask to a role, the role's system prompt, and its
// permitted tool set. PermittedTools == nil means "all tools allowed".
type Allocation struct {
	Subtask         Subtask
	RoleID          string
	RoleName        string
	SystemPrompt    string
	PermittedTools  map[string]bool // nil means all tools permitted
}

// ToolAllowed reports whether a is allowed to call the named tool.
func (a Allocation) ToolAllowed(name string) bool {
	if a.PermittedTools == nil {
		return true
	}
	return a.PermittedTools[name]
}

// WorkerKind identifies which execution pool produced a WorkerResult.
type WorkerKind string

const (
	WorkerLocal  WorkerKind = "local"
	WorkerRemote WorkerKind = "remote"
	WorkerRelay  WorkerKind = "relay"
)

// WorkerResult is the terminal outcome of executing one Allocation. Every
// Subtask ends with exactly one WorkerResult, ok or failed, even on timeout.
type WorkerResult struct {
	WorkerID    string
	Kind        WorkerKind
	SubtaskIdx  int
	RoleID      string
	OK          bool
	Content     string
	FailReason  string
	Elapsed     time.Duration
}

// RoleStatusKind is the closed set of states an Agent (role) may occupy.
type RoleStatusKind string

const (
	RoleIdle     RoleStatusKind = "idle"
	RoleWorking  RoleStatusKind = "working"
	RoleRetrying RoleStatusKind = "retrying"
)

// RoleStatus is a read-only snapshot of a role's current activity.
type RoleStatus struct {
	Kind    RoleStatusKind
	Summary string // truncated to 50 chars when Kind == RoleWorking
}

// RemoteWorkerStatus is the dispatch-eligibility state of a RemoteWorker.
type RemoteWorkerStatus string

const (
	RemoteWorkerIdle RemoteWorkerStatus = "idle"
	RemoteWorkerBusy RemoteWorkerStatus = "busy"
)

// RemoteWorkerInfo is a free-form snapshot a remote worker reports about
// itself on attach (hostname, core count, installed models, ...).
type RemoteWorkerInfo map[string]interface{}

// RelayResultKind is the closed set of outcomes a relay poll may return.
type RelayResultKind string

const (
	RelayPending RelayResultKind = "pending"
	RelayOK      RelayResultKind = "ok"
	RelayFailed  RelayResultKind = "failed"
)

// RelayPollResult is the outcome of one GET /api/result/:id poll.
type RelayPollResult struct {
	Kind   RelayResultKind
	Text   string
	Reason string
}

// RunStats summarizes one Swarm Executor run for the caller.
type RunStats struct {
	TotalTasks    int           `json:"totalTasks"`
	Completed     int           `json:"completed"`
	Failed        int           `json:"failed"`
	Killed        int           `json:"killed"`
	TotalTime     time.Duration `json:"totalTime"`
	Tokens        int           `json:"tokens"`
	RemoteWorkers int           `json:"remoteWorkers"`
}

// RunOutput is the final value execute(task) resolves to.
type RunOutput struct {
	Result string   `json:"result"`
	Stats  RunStats `json:"stats"`
}
