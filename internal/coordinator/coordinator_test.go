package coordinator

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	pkgerrors "github.com/ngoclaw/swarmfabric/pkg/errors"
	"go.uber.org/zap"
)

// connectWorker dials srv and completes the auth handshake, returning the
// live client connection. Fails the test if auth does not succeed.
func connectWorker(t *testing.T, srv *httptest.Server, workerID, secret string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if err := conn.WriteJSON(wireMessage{Type: msgAuth, Secret: secret, WorkerID: workerID}); err != nil {
		t.Fatalf("write auth: %v", err)
	}
	var resp wireMessage
	if err := conn.ReadJSON(&resp); err != nil {
		t.Fatalf("read auth response: %v", err)
	}
	if resp.Type != msgAuthOK {
		t.Fatalf("expected auth_ok, got %+v", resp)
	}
	return conn
}

func TestCoordinator_AuthAndIdleCount(t *testing.T) {
	c := New(Config{Secret: "s3cret"}, zap.NewNop())
	srv := httptest.NewServer(http.HandlerFunc(c.ServeWS))
	defer srv.Close()

	conn := connectWorker(t, srv, "worker-1", "s3cret")
	defer conn.Close()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if c.IdleCount() == 1 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("expected idle count 1, got %d", c.IdleCount())
}

func TestCoordinator_AuthRejectsWrongSecret(t *testing.T) {
	c := New(Config{Secret: "s3cret"}, zap.NewNop())
	srv := httptest.NewServer(http.HandlerFunc(c.ServeWS))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	conn.WriteJSON(wireMessage{Type: msgAuth, Secret: "wrong"})

	var resp wireMessage
	if err := conn.ReadJSON(&resp); err != nil {
		t.Fatalf("read: %v", err)
	}
	if resp.Type != msgError {
		t.Fatalf("expected error message on wrong secret, got %+v", resp)
	}
}

func TestCoordinator_DispatchRemote_NoIdleWorker(t *testing.T) {
	c := New(Config{}, zap.NewNop())
	_, err := c.DispatchRemote("do something", "system prompt", 50*time.Millisecond)
	var noIdle *pkgerrors.NoIdleWorker
	if err == nil {
		t.Fatal("expected NoIdleWorker error")
	}
	if _, ok := err.(*pkgerrors.NoIdleWorker); !ok {
		_ = noIdle
		t.Fatalf("expected *pkgerrors.NoIdleWorker, got %T", err)
	}
}

func TestCoordinator_DispatchRemote_SucceedsRoundTrip(t *testing.T) {
	c := New(Config{}, zap.NewNop())
	srv := httptest.NewServer(http.HandlerFunc(c.ServeWS))
	defer srv.Close()

	conn := connectWorker(t, srv, "worker-1", "")
	defer conn.Close()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && c.IdleCount() != 1 {
		time.Sleep(10 * time.Millisecond)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		var msg wireMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		if msg.Type != msgTask {
			return
		}
		conn.WriteJSON(wireMessage{Type: msgTaskResult, TaskID: msg.TaskID, Result: "subtask done"})
	}()

	result, err := c.DispatchRemote("research the topic", "you are a researcher", 2*time.Second)
	<-done
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != "subtask done" {
		t.Fatalf("expected result from worker, got %q", result)
	}
	if c.IdleCount() != 1 {
		t.Fatalf("expected worker to revert to idle, got idle count %d", c.IdleCount())
	}
}

func TestCoordinator_DispatchRemote_TimesOutAndRevertsIdle(t *testing.T) {
	c := New(Config{}, zap.NewNop())
	srv := httptest.NewServer(http.HandlerFunc(c.ServeWS))
	defer srv.Close()

	conn := connectWorker(t, srv, "worker-1", "")
	defer conn.Close()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && c.IdleCount() != 1 {
		time.Sleep(10 * time.Millisecond)
	}

	_, err := c.DispatchRemote("task with no responder", "prompt", 50*time.Millisecond)
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if c.IdleCount() != 1 {
		t.Fatalf("expected worker reverted to idle after timeout, got %d", c.IdleCount())
	}
}

func TestCoordinator_DispatchRemote_ConcurrentDispatchesOneIdleWorker(t *testing.T) {
	c := New(Config{}, zap.NewNop())
	srv := httptest.NewServer(http.HandlerFunc(c.ServeWS))
	defer srv.Close()

	conn := connectWorker(t, srv, "worker-1", "")
	defer conn.Close()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && c.IdleCount() != 1 {
		time.Sleep(10 * time.Millisecond)
	}

	go func() {
		var msg wireMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		conn.WriteJSON(wireMessage{Type: msgTaskResult, TaskID: msg.TaskID, Result: "handled one of them"})
	}()

	type outcome struct {
		result string
		err    error
	}
	results := make(chan outcome, 2)
	for i := 0; i < 2; i++ {
		go func() {
			result, err := c.DispatchRemote("subtask", "system prompt", time.Second)
			results <- outcome{result, err}
		}()
	}

	first := <-results
	second := <-results

	var succeeded, failed int
	for _, o := range []outcome{first, second} {
		switch {
		case o.err == nil:
			succeeded++
		default:
			if _, ok := o.err.(*pkgerrors.NoIdleWorker); !ok {
				t.Fatalf("expected the losing dispatch to fail with NoIdleWorker, got %T (%v)", o.err, o.err)
			}
			failed++
		}
	}
	if succeeded != 1 || failed != 1 {
		t.Fatalf("expected exactly one dispatch to succeed and one to fail with NoIdleWorker, got %d succeeded, %d failed", succeeded, failed)
	}
}

func TestCoordinator_HealthHandler(t *testing.T) {
	c := New(Config{}, zap.NewNop())
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	c.HealthHandler(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid JSON body: %v", err)
	}
	if body["status"] != "ok" {
		t.Fatalf("unexpected status field: %v", body["status"])
	}
}
