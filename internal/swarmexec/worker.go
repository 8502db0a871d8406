package swarmexec

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/ngoclaw/swarmfabric/internal/domain/entity"
	"github.com/ngoclaw/swarmfabric/internal/domain/tool"
)

const maxToolIterations = 3

// toolMarkerPattern matches one tool-call marker line: "TOOL: name {json}".
// The LLM Adapter's wire protocol carries plain message content (§6), so
// tool invocation rides inside that content as a textual marker rather
// than a structured field — the local worker loop is the only reader.
var toolMarkerPattern = regexp.MustCompile(`(?m)^TOOL:\s*(\S+)\s*(\{.*\})?\s*$`)

type toolInvocation struct {
	Name string
	Args map[string]interface{}
}

// parseToolMarkers extracts every TOOL: marker from content and returns the
// content with those lines removed. No markers means no calls and the
// original content unchanged (trimmed).
func parseToolMarkers(content string) ([]toolInvocation, string) {
	matches := toolMarkerPattern.FindAllStringSubmatch(content, -1)
	if len(matches) == 0 {
		return nil, strings.TrimSpace(content)
	}
	calls := make([]toolInvocation, 0, len(matches))
	for _, m := range matches {
		args := map[string]interface{}{}
		if len(m) > 2 && m[2] != "" {
			_ = json.Unmarshal([]byte(m[2]), &args)
		}
		calls = append(calls, toolInvocation{Name: m[1], Args: args})
	}
	stripped := toolMarkerPattern.ReplaceAllString(content, "")
	return calls, strings.TrimSpace(stripped)
}

// buildWorkerSystemPrompt renders the role's system prompt, its permitted
// tool list, and any peer findings into one system message (spec §4.7
// step 6).
func buildWorkerSystemPrompt(alloc entity.Allocation, tools tool.Registry, peerText string) string {
	var b strings.Builder
	b.WriteString(alloc.SystemPrompt)
	b.WriteString("\n\nAvailable tools:\n")
	for _, def := range permittedDefinitions(alloc, tools) {
		fmt.Fprintf(&b, "- %s: %s\n", def.Name, def.Description)
	}
	b.WriteString("\nTo call a tool, emit a line \"TOOL: <name> <json-args>\". " +
		"You may call multiple tools across multiple turns. When you are " +
		"done, reply with your final answer and no TOOL lines.")
	if peerText != "" {
		b.WriteString("\n\n")
		b.WriteString(peerText)
	}
	return b.String()
}

func permittedDefinitions(alloc entity.Allocation, tools tool.Registry) []tool.Definition {
	if tools == nil {
		return nil
	}
	all := tools.List()
	out := make([]tool.Definition, 0, len(all))
	for _, def := range all {
		if alloc.ToolAllowed(def.Name) {
			out = append(out, def)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// runLocalWorker runs the bounded tool-use loop for one subtask, calling
// the Gateway directly (in-process) rather than through a remote or relay
// pool. Per spec §4.7 step 6: max 3 iterations; unauthorized tool calls get
// "Access denied: {tool}"; exhausting the budget finalizes with the last
// reply's content, markers stripped.
func (e *Executor) runLocalWorker(ctx context.Context, alloc entity.Allocation, peerText string) (string, error) {
	messages := []entity.Message{
		{Role: entity.RoleSystem, Content: buildWorkerSystemPrompt(alloc, e.tools, peerText)},
		{Role: entity.RoleUser, Content: alloc.Subtask.Description},
	}

	lastContent := ""
	for iter := 0; iter < maxToolIterations; iter++ {
		resp, err := e.worker.Generate(ctx, &entity.ChatRequest{
			Model:       e.cfg.WorkerModel,
			Messages:    messages,
			Temperature: 0.5,
			MaxTokens:   e.cfg.MaxTokens,
		})
		if err != nil {
			return "", err
		}

		calls, stripped := parseToolMarkers(resp.Content)
		lastContent = stripped
		if len(calls) == 0 {
			return stripped, nil
		}

		messages = append(messages, entity.Message{Role: entity.RoleAssistant, Content: resp.Content})

		var results strings.Builder
		for _, call := range calls {
			fmt.Fprintf(&results, "%s: %s\n", call.Name, e.invokeTool(ctx, alloc, call))
		}
		messages = append(messages, entity.Message{Role: entity.RoleUser, Content: "Tool results:\n" + results.String()})
	}
	return lastContent, nil
}

func (e *Executor) invokeTool(ctx context.Context, alloc entity.Allocation, call toolInvocation) string {
	if !alloc.ToolAllowed(call.Name) {
		return "Access denied: " + call.Name
	}
	if e.tools == nil {
		return "no tool host configured"
	}
	t, ok := e.tools.Get(call.Name)
	if !ok {
		return "unknown tool: " + call.Name
	}
	res, err := t.Execute(ctx, call.Args)
	if err != nil {
		return "error: " + err.Error()
	}
	return res.DisplayOrOutput()
}
