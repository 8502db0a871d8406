package relay

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ngoclaw/swarmfabric/internal/domain/entity"
	"go.uber.org/zap"
)

func statusOKServer(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/status" {
			w.WriteHeader(http.StatusOK)
		}
	}))
}

func TestPool_ChooseEndpoint_PrefersPrimary(t *testing.T) {
	primary := statusOKServer(t)
	defer primary.Close()
	secondary := statusOKServer(t)
	defer secondary.Close()

	pool := NewPool(Config{
		Primary:   &Endpoint{URL: primary.URL},
		Secondary: &Endpoint{URL: secondary.URL},
	}, New(), zap.NewNop())

	chosen := pool.ChooseEndpoint(context.Background())
	if chosen == nil || chosen.URL != primary.URL {
		t.Fatalf("expected primary chosen, got %+v", chosen)
	}
}

func TestPool_ChooseEndpoint_FallsBackToSecondary(t *testing.T) {
	deadPrimary := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer deadPrimary.Close()
	secondary := statusOKServer(t)
	defer secondary.Close()

	pool := NewPool(Config{
		Primary:   &Endpoint{URL: deadPrimary.URL},
		Secondary: &Endpoint{URL: secondary.URL},
	}, New(), zap.NewNop())

	chosen := pool.ChooseEndpoint(context.Background())
	if chosen == nil || chosen.URL != secondary.URL {
		t.Fatalf("expected secondary chosen after primary unavailable, got %+v", chosen)
	}
}

func TestPool_ChooseEndpoint_NilWhenNoneAvailable(t *testing.T) {
	dead := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	dead.Close() // closed immediately: connection refused on every attempt

	pool := NewPool(Config{Primary: &Endpoint{URL: dead.URL}}, New(), zap.NewNop())
	if chosen := pool.ChooseEndpoint(context.Background()); chosen != nil {
		t.Fatalf("expected nil when no endpoint is available, got %+v", chosen)
	}
}

func TestPool_Dispatch_SubmitErrorFallsBackImmediately(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	pool := NewPool(Config{Primary: &Endpoint{URL: srv.URL}}, New(), zap.NewNop())
	allocations := []entity.Allocation{{Subtask: entity.Subtask{Index: 0, Description: "do x"}, RoleID: "coder"}}

	results, fellBack := pool.Dispatch(context.Background(), Endpoint{URL: srv.URL}, allocations, 4096)
	if len(results) != 0 {
		t.Fatalf("expected no results, got %+v", results)
	}
	if len(fellBack) != 1 {
		t.Fatalf("expected 1 fallback allocation, got %d", len(fellBack))
	}
}

func TestPool_Dispatch_SucceedsOnFirstPoll(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/task", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data":{"id":"task-1"}}`))
	})
	mux.HandleFunc("/api/result/task-1", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"result":"done researching"}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	pool := NewPool(Config{Primary: &Endpoint{URL: srv.URL}}, New(), zap.NewNop())
	allocations := []entity.Allocation{{Subtask: entity.Subtask{Index: 0, Description: "research x"}, RoleID: "researcher"}}

	results, fellBack := pool.Dispatch(context.Background(), Endpoint{URL: srv.URL}, allocations, 4096)
	if len(fellBack) != 0 {
		t.Fatalf("expected no fallback, got %+v", fellBack)
	}
	if len(results) != 1 || !results[0].OK || results[0].Content != "done researching" {
		t.Fatalf("unexpected results: %+v", results)
	}
	if results[0].Kind != entity.WorkerRelay || results[0].RoleID != "researcher" {
		t.Fatalf("unexpected result metadata: %+v", results[0])
	}
}
