package roster

import (
	"strings"
	"testing"

	"github.com/ngoclaw/swarmfabric/internal/domain/entity"
)

func TestNew_AllRolesStartIdle(t *testing.T) {
	r := New()
	for _, role := range roleCatalog {
		status := r.Status(role.ID)
		if status.Kind != entity.RoleIdle {
			t.Fatalf("expected %s idle, got %s", role.ID, status.Kind)
		}
	}
}

func TestSetStatus_TruncatesWorkingSummary(t *testing.T) {
	r := New()
	long := strings.Repeat("x", 80)
	r.SetStatus("coder", entity.RoleWorking, long)
	status := r.Status("coder")
	if len(status.Summary) != 50 {
		t.Fatalf("expected summary truncated to 50 chars, got %d", len(status.Summary))
	}
}

func TestSetStatus_NoTruncationWhenIdle(t *testing.T) {
	r := New()
	long := strings.Repeat("x", 80)
	r.SetStatus("coder", entity.RoleIdle, long)
	status := r.Status("coder")
	if len(status.Summary) != 80 {
		t.Fatalf("expected no truncation for idle status, got %d", len(status.Summary))
	}
}

func TestResetAll(t *testing.T) {
	r := New()
	r.SetStatus("coder", entity.RoleWorking, "fixing a bug")
	r.ResetAll()
	status := r.Status("coder")
	if status.Kind != entity.RoleIdle {
		t.Fatalf("expected idle after reset, got %s", status.Kind)
	}
}

func TestAllocateTasks_ScoresByKeyword(t *testing.T) {
	r := New()
	subtasks := []entity.Subtask{
		{Index: 0, Description: "implement a function to fix the bug in the parser"},
		{Index: 1, Description: "research and investigate the competitive landscape"},
	}
	allocations := r.AllocateTasks(subtasks)
	if len(allocations) != 2 {
		t.Fatalf("expected 2 allocations, got %d", len(allocations))
	}
	if allocations[0].RoleID != "coder" && allocations[0].RoleID != "debugger" {
		t.Fatalf("expected coding-related role for subtask 0, got %s", allocations[0].RoleID)
	}
	if allocations[1].RoleID != "researcher" {
		t.Fatalf("expected researcher for subtask 1, got %s", allocations[1].RoleID)
	}
}

func TestAllocateTasks_FallsBackToResearcherOnNoMatch(t *testing.T) {
	r := New()
	subtasks := []entity.Subtask{{Index: 0, Description: "zzz qqq no keywords here"}}
	allocations := r.AllocateTasks(subtasks)
	if allocations[0].RoleID != "researcher" {
		t.Fatalf("expected fallback to researcher, got %s", allocations[0].RoleID)
	}
}

func TestAllocateTasks_PreservesSubtaskOrder(t *testing.T) {
	r := New()
	subtasks := []entity.Subtask{
		{Index: 0, Description: "write a story"},
		{Index: 1, Description: "debug the crash"},
		{Index: 2, Description: "audit for vulnerability"},
	}
	allocations := r.AllocateTasks(subtasks)
	for i, a := range allocations {
		if a.Subtask.Index != i {
			t.Fatalf("expected order preserved at position %d, got index %d", i, a.Subtask.Index)
		}
	}
}

func TestRole_UnknownReturnsFalse(t *testing.T) {
	r := New()
	if _, ok := r.Role("nonexistent"); ok {
		t.Fatal("expected ok=false for unknown role id")
	}
}
