package swarmexec

import "testing"

func TestRegistry_StartFinish(t *testing.T) {
	reg := newRegistry()
	reg.start(0, "researcher")
	reg.start(1, "coder")

	snap := reg.snapshot()
	if len(snap) != 2 {
		t.Fatalf("expected 2 in-flight workers, got %d", len(snap))
	}

	reg.finish(0)
	snap = reg.snapshot()
	if len(snap) != 1 {
		t.Fatalf("expected 1 in-flight worker after finish, got %d", len(snap))
	}
	if snap[0].RoleID != "coder" {
		t.Fatalf("expected remaining worker to be coder, got %s", snap[0].RoleID)
	}
}

func TestRegistry_FinishUnknownIsNoop(t *testing.T) {
	reg := newRegistry()
	reg.finish(42) // never started
	if len(reg.snapshot()) != 0 {
		t.Fatal("expected empty registry")
	}
}

func TestPeerFindings_RenderEmpty(t *testing.T) {
	pf := newPeerFindings()
	if pf.render() != "" {
		t.Fatalf("expected empty render with no publishes, got %q", pf.render())
	}
}

func TestPeerFindings_PublishAndRender(t *testing.T) {
	pf := newPeerFindings()
	pf.publish("researcher", "found three relevant files")
	out := pf.render()
	if out == "" {
		t.Fatal("expected non-empty render after publish")
	}
}

func TestPeerFindings_TruncatesLongSummary(t *testing.T) {
	pf := newPeerFindings()
	long := make([]byte, peerFindingMaxChars*2)
	for i := range long {
		long[i] = 'x'
	}
	pf.publish("coder", string(long))
	out := pf.render()
	if len(out) > peerFindingMaxChars*2 {
		t.Fatalf("expected truncation, got length %d", len(out))
	}
}
