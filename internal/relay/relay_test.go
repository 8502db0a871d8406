package relay

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ngoclaw/swarmfabric/internal/domain/entity"
	pkgerrors "github.com/ngoclaw/swarmfabric/pkg/errors"
)

func TestClient_Available_TrueOn200(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/status" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New()
	if !c.Available(context.Background(), Endpoint{URL: srv.URL, Secret: "x"}) {
		t.Fatal("expected available on 200 response")
	}
}

func TestClient_Available_FalseWhenUnreachable(t *testing.T) {
	c := &Client{http: &http.Client{}}
	if c.Available(context.Background(), Endpoint{URL: "http://127.0.0.1:1"}) {
		t.Fatal("expected unavailable when nothing listens")
	}
}

func TestClient_Submit_ParsesIDField(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"data":{"id":"task-123"}}`))
	}))
	defer srv.Close()

	c := New()
	alloc := entity.Allocation{Subtask: entity.Subtask{Description: "do something"}, SystemPrompt: "you are an agent"}
	id, err := c.Submit(context.Background(), Endpoint{URL: srv.URL}, alloc, 4096)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id != "task-123" {
		t.Fatalf("expected task-123, got %q", id)
	}
}

func TestClient_Submit_ParsesTaskIDsFallback(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data":{"taskIds":["task-456"]}}`))
	}))
	defer srv.Close()

	c := New()
	alloc := entity.Allocation{Subtask: entity.Subtask{Description: "do something"}}
	id, err := c.Submit(context.Background(), Endpoint{URL: srv.URL}, alloc, 4096)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id != "task-456" {
		t.Fatalf("expected task-456, got %q", id)
	}
}

func TestClient_Submit_NonOKStatusIsSubmitError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte("boom"))
	}))
	defer srv.Close()

	c := New()
	_, err := c.Submit(context.Background(), Endpoint{URL: srv.URL}, entity.Allocation{}, 4096)
	if _, ok := err.(*pkgerrors.SubmitError); !ok {
		t.Fatalf("expected *pkgerrors.SubmitError, got %T (%v)", err, err)
	}
}

func TestClient_Poll_Pending(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	c := New()
	result, err := c.Poll(context.Background(), Endpoint{URL: srv.URL}, "task-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Kind != entity.RelayPending {
		t.Fatalf("expected pending, got %v", result.Kind)
	}
}

func TestClient_Poll_OK(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"result":"the answer"}`))
	}))
	defer srv.Close()

	c := New()
	result, err := c.Poll(context.Background(), Endpoint{URL: srv.URL}, "task-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Kind != entity.RelayOK || result.Text != "the answer" {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestClient_Poll_ResultErrorPrefixIsFailed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"result":"ERROR: upstream exploded"}`))
	}))
	defer srv.Close()

	c := New()
	result, err := c.Poll(context.Background(), Endpoint{URL: srv.URL}, "task-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Kind != entity.RelayFailed {
		t.Fatalf("expected failed, got %v", result.Kind)
	}
}

func TestClient_Poll_ExplicitErrorFieldIsFailed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"error":"relay rejected task"}`))
	}))
	defer srv.Close()

	c := New()
	result, err := c.Poll(context.Background(), Endpoint{URL: srv.URL}, "task-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Kind != entity.RelayFailed || result.Reason != "relay rejected task" {
		t.Fatalf("unexpected result: %+v", result)
	}
}
