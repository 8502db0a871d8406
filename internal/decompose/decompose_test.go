package decompose

import (
	"context"
	"errors"
	"testing"

	"github.com/ngoclaw/swarmfabric/internal/domain/entity"
)

type fakeGenerator struct {
	content string
	err     error
}

func (f fakeGenerator) Generate(ctx context.Context, req *entity.ChatRequest) (*entity.ChatResponse, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &entity.ChatResponse{Content: f.content}, nil
}

func TestDecompose_ParsesJSONArray(t *testing.T) {
	gen := fakeGenerator{content: `Here you go: ["research the market", "draft the report"]`}
	d := NewDecomposer(gen, "test-model")
	subtasks := d.Decompose(context.Background(), "write a market report")
	if len(subtasks) != 2 {
		t.Fatalf("expected 2 subtasks, got %d", len(subtasks))
	}
	if subtasks[0].Description != "research the market" || subtasks[0].Index != 0 {
		t.Fatalf("unexpected subtask 0: %+v", subtasks[0])
	}
	if subtasks[1].Index != 1 {
		t.Fatalf("expected index 1, got %d", subtasks[1].Index)
	}
}

func TestDecompose_FallsBackOnGeneratorError(t *testing.T) {
	gen := fakeGenerator{err: errors.New("upstream down")}
	d := NewDecomposer(gen, "test-model")
	subtasks := d.Decompose(context.Background(), "do a thing")
	if len(subtasks) != 1 || subtasks[0].Description != "do a thing" {
		t.Fatalf("expected single fallback subtask, got %+v", subtasks)
	}
}

func TestDecompose_FallsBackOnMalformedJSON(t *testing.T) {
	gen := fakeGenerator{content: "no array here at all"}
	d := NewDecomposer(gen, "test-model")
	subtasks := d.Decompose(context.Background(), "do a thing")
	if len(subtasks) != 1 || subtasks[0].Description != "do a thing" {
		t.Fatalf("expected single fallback subtask, got %+v", subtasks)
	}
}

func TestDecompose_TruncatesOverMaxSubtasks(t *testing.T) {
	content := `["a","b","c","d","e","f","g","h","i","j","k","l"]`
	gen := fakeGenerator{content: content}
	d := NewDecomposer(gen, "test-model")
	subtasks := d.Decompose(context.Background(), "big task")
	if len(subtasks) != maxSubtasks {
		t.Fatalf("expected truncation to %d subtasks, got %d", maxSubtasks, len(subtasks))
	}
}

func TestExtractJSONArray(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want int
	}{
		{"plain array", `["a","b"]`, 2},
		{"array with prefix text", `sure, here: ["x"]`, 1},
		{"no array", "nothing here", 0},
		{"malformed array", `[not valid json]`, 0},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got := extractJSONArray(c.in)
			if len(got) != c.want {
				t.Fatalf("expected %d items, got %d (%v)", c.want, len(got), got)
			}
		})
	}
}

func TestAggregate_UsesGeneratorOutput(t *testing.T) {
	gen := fakeGenerator{content: "synthesized answer"}
	a := NewAggregator(gen, "test-model")
	allocations := []entity.Allocation{{Subtask: entity.Subtask{Index: 0, Description: "do x"}, RoleID: "coder", RoleName: "Coder"}}
	results := []entity.WorkerResult{{SubtaskIdx: 0, OK: true, Content: "done", WorkerID: "local-coder"}}
	out := a.Aggregate(context.Background(), "task", allocations, results)
	if out != "synthesized answer" {
		t.Fatalf("expected generator output, got %q", out)
	}
}

func TestAggregate_FallsBackOnGeneratorError(t *testing.T) {
	gen := fakeGenerator{err: errors.New("down")}
	a := NewAggregator(gen, "test-model")
	allocations := []entity.Allocation{{Subtask: entity.Subtask{Index: 0, Description: "do x"}, RoleID: "coder", RoleName: "Coder"}}
	results := []entity.WorkerResult{{SubtaskIdx: 0, OK: true, Content: "done", WorkerID: "local-coder"}}
	out := a.Aggregate(context.Background(), "task", allocations, results)
	if out == "" {
		t.Fatal("expected non-empty raw fallback")
	}
}

func TestAggregate_FallsBackOnEmptyGeneratorContent(t *testing.T) {
	gen := fakeGenerator{content: "   "}
	a := NewAggregator(gen, "test-model")
	allocations := []entity.Allocation{{Subtask: entity.Subtask{Index: 0, Description: "do x"}, RoleID: "coder", RoleName: "Coder"}}
	results := []entity.WorkerResult{{SubtaskIdx: 0, OK: false, FailReason: "timeout", WorkerID: "local-coder"}}
	out := a.Aggregate(context.Background(), "task", allocations, results)
	if out == "" {
		t.Fatal("expected non-empty raw fallback")
	}
}
