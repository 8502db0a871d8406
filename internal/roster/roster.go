// Package roster holds the fixed catalog of specialist roles the Swarm
// Executor allocates subtasks to, and tracks each role's live status. The
// status bookkeeping (addressable by id, mutex-guarded, no pointer cycles)
// is grounded on the teacher's domain/agent/spawner.go SpawnedAgent
// lifecycle, adapted from a recursive parent/child spawn tree to a flat,
// fixed-size roster.
package roster

import (
	"strings"
	"sync"

	"github.com/ngoclaw/swarmfabric/internal/domain/entity"
)

// Role is one specialist entry in the fixed catalog.
type Role struct {
	ID           string
	Name         string
	Icon         string
	Keywords     []string
	SystemPrompt string
	// PermittedTools is nil for "all tools allowed".
	PermittedTools map[string]bool
	// priority breaks keyword-score ties; lower wins.
	priority int
}

// roleCatalog is the minimum set spec.md §4.6 names, in fixed priority
// order (ties broken toward the earlier-listed role).
var roleCatalog = []Role{
	{
		ID: "commander", Name: "Commander", Icon: "★",
		Keywords:     []string{"coordinate", "oversee", "plan", "manage", "delegate", "synthesize", "summary", "strategy"},
		SystemPrompt: "You are the Commander. You coordinate the swarm, set direction, and synthesize findings from other agents into a coherent final answer.",
	},
	{
		ID: "coder", Name: "Coder", Icon: "</>",
		Keywords:     []string{"code", "implement", "function", "bug", "refactor", "compile", "program", "script", "api", "library"},
		SystemPrompt: "You are the Coder. You write, read, and reason about source code with precision and idiomatic style.",
	},
	{
		ID: "researcher", Name: "Researcher", Icon: "?",
		Keywords:     []string{"research", "investigate", "find", "explore", "gather", "survey", "search", "look up"},
		SystemPrompt: "You are the Researcher. You gather and verify information from available sources before drawing conclusions.",
	},
	{
		ID: "analyst", Name: "Analyst", Icon: "#",
		Keywords:     []string{"analyze", "data", "statistic", "metric", "trend", "compare", "evaluate", "measure"},
		SystemPrompt: "You are the Analyst. You interpret data, surface trends, and quantify findings rigorously.",
	},
	{
		ID: "creative", Name: "Creative", Icon: "~",
		Keywords:     []string{"write", "story", "design", "creative", "draft", "brainstorm", "copy", "narrative"},
		SystemPrompt: "You are the Creative. You produce original, well-crafted prose, narrative, or design ideas.",
	},
	{
		ID: "scout", Name: "Scout", Icon: ">",
		Keywords:     []string{"scan", "discover", "reconnaissance", "monitor", "watch", "track", "detect"},
		SystemPrompt: "You are the Scout. You range ahead, surveying for relevant signals and reporting back concisely.",
	},
	{
		ID: "executor", Name: "Executor", Icon: "!",
		Keywords:     []string{"execute", "run", "perform", "carry out", "apply", "deploy", "build"},
		SystemPrompt: "You are the Executor. You carry out concrete, well-defined actions and report the outcome plainly.",
	},
	{
		ID: "security", Name: "Security", Icon: "$",
		Keywords:     []string{"security", "vulnerability", "exploit", "threat", "audit", "harden", "cve", "attack"},
		SystemPrompt: "You are the Security specialist. You assess risk, find vulnerabilities, and recommend hardening.",
	},
	{
		ID: "trader", Name: "Trader", Icon: "%",
		Keywords:     []string{"trade", "market", "price", "portfolio", "asset", "position", "buy", "sell"},
		SystemPrompt: "You are the Trader. You reason about markets, pricing, and positions with disciplined risk awareness.",
	},
	{
		ID: "debugger", Name: "Debugger", Icon: "x",
		Keywords:     []string{"debug", "fix", "error", "crash", "trace", "reproduce", "root cause", "stack trace"},
		SystemPrompt: "You are the Debugger. You isolate root causes methodically and propose minimal, correct fixes.",
	},
	{
		ID: "architect", Name: "Architect", Icon: "^",
		Keywords:     []string{"architecture", "design system", "structure", "scalability", "pattern", "component", "interface"},
		SystemPrompt: "You are the Architect. You reason about structure, boundaries, and tradeoffs at the system level.",
	},
	{
		ID: "optimizer", Name: "Optimizer", Icon: "+",
		Keywords:     []string{"optimize", "performance", "speed up", "efficient", "benchmark", "latency", "throughput"},
		SystemPrompt: "You are the Optimizer. You find and remove bottlenecks, backed by measurement.",
	},
	{
		ID: "navigator", Name: "Navigator", Icon: "o",
		Keywords:     []string{"navigate", "route", "path", "direction", "sequence", "roadmap", "order of operations"},
		SystemPrompt: "You are the Navigator. You lay out the sequence of steps needed to reach a goal.",
	},
	{
		ID: "scribe", Name: "Scribe", Icon: "=",
		Keywords:     []string{"document", "record", "note", "transcribe", "report", "write up", "format"},
		SystemPrompt: "You are the Scribe. You record findings clearly and format them for a reader.",
	},
}

func init() {
	for i := range roleCatalog {
		roleCatalog[i].priority = i
	}
}

// Roster owns every Role's live status. The Executor is the only caller
// that drives transitions; everyone else observes read-only snapshots.
type Roster struct {
	mu       sync.Mutex
	roles    []Role
	statuses map[string]entity.RoleStatus
}

// New builds a Roster from the fixed catalog, every role starting idle.
func New() *Roster {
	r := &Roster{roles: roleCatalog, statuses: make(map[string]entity.RoleStatus, len(roleCatalog))}
	r.resetLocked()
	return r
}

func (r *Roster) resetLocked() {
	for _, role := range r.roles {
		r.statuses[role.ID] = entity.RoleStatus{Kind: entity.RoleIdle}
	}
}

// ResetAll returns every role to idle.
func (r *Roster) ResetAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resetLocked()
}

// SetStatus records a role's current activity. Summary is truncated to 50
// characters when kind is RoleWorking, matching spec §4.6.
func (r *Roster) SetStatus(roleID string, kind entity.RoleStatusKind, summary string) {
	if kind == entity.RoleWorking && len(summary) > 50 {
		summary = summary[:50]
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses[roleID] = entity.RoleStatus{Kind: kind, Summary: summary}
}

// Status returns a read-only snapshot of a role's current activity.
func (r *Roster) Status(roleID string) entity.RoleStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.statuses[roleID]
}

// Role looks up a catalog entry by id. ok is false for an unknown id.
func (r *Roster) Role(roleID string) (Role, bool) {
	for _, role := range r.roles {
		if role.ID == roleID {
			return role, true
		}
	}
	return Role{}, false
}

// AllocateTasks assigns each subtask to the highest-scoring role by
// case-insensitive keyword occurrence count. Ties favor the role with the
// lower fixed priority (earlier in roleCatalog); an all-zero score falls
// back to "researcher". Subtask order is preserved.
func (r *Roster) AllocateTasks(subtasks []entity.Subtask) []entity.Allocation {
	out := make([]entity.Allocation, 0, len(subtasks))
	for _, st := range subtasks {
		role := r.scoreRole(st.Description)
		out = append(out, entity.Allocation{
			Subtask:        st,
			RoleID:         role.ID,
			RoleName:       role.Name,
			SystemPrompt:   role.SystemPrompt,
			PermittedTools: role.PermittedTools,
		})
	}
	return out
}

// scoreRole finds the highest-scoring role. Roles are stored in fixed
// priority order, so scanning left to right and only replacing on a
// strictly higher score already breaks ties toward the earlier (lower
// priority) role.
func (r *Roster) scoreRole(text string) Role {
	lower := strings.ToLower(text)
	best := -1
	bestScore := 0
	for i, role := range r.roles {
		score := 0
		for _, kw := range role.Keywords {
			score += strings.Count(lower, strings.ToLower(kw))
		}
		if score > bestScore {
			bestScore = score
			best = i
		}
	}
	if best < 0 {
		fallback, _ := r.Role("researcher")
		return fallback
	}
	return r.roles[best]
}
