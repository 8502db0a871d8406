// Package coordinator implements the Worker Coordinator: a websocket
// server accepting remote worker attachments, tracking liveness via
// heartbeat, and dispatching one subtask at a time to an idle worker
// (spec §4.3). Adapted from the teacher's
// internal/interfaces/websocket/handler.go Hub/Client pattern, replacing
// the chat-session message routing with the coordinator's
// auth/heartbeat/dispatch state machine.
package coordinator

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/ngoclaw/swarmfabric/internal/domain/entity"
	pkgerrors "github.com/ngoclaw/swarmfabric/pkg/errors"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// msgType is the coordinator's framed-JSON message type, per spec §6.
type msgType string

const (
	msgAuth        msgType = "auth"
	msgAuthOK      msgType = "auth_ok"
	msgError       msgType = "error"
	msgHeartbeat   msgType = "heartbeat"
	msgHeartbeatAck msgType = "heartbeat_ack"
	msgTask        msgType = "task"
	msgTaskResult  msgType = "task_result"
)

type wireMessage struct {
	Type         msgType                `json:"type"`
	Secret       string                 `json:"secret,omitempty"`
	WorkerID     string                 `json:"workerId,omitempty"`
	Info         entity.RemoteWorkerInfo `json:"info,omitempty"`
	Message      string                 `json:"message,omitempty"`
	TaskID       string                 `json:"taskId,omitempty"`
	Task         string                 `json:"task,omitempty"`
	SystemPrompt string                 `json:"systemPrompt,omitempty"`
	Result       string                 `json:"result,omitempty"`
	Error        string                 `json:"error,omitempty"`
}

// worker is the Coordinator's live record of one attached remote worker.
// The Coordinator is its exclusive owner (spec §3); nothing else may
// mutate status or lastHeartbeat.
type worker struct {
	id   string
	conn *websocket.Conn
	send chan wireMessage

	mu            sync.Mutex
	status        entity.RemoteWorkerStatus
	lastHeartbeat time.Time
	completed     int
	info          entity.RemoteWorkerInfo

	// pending correlates an in-flight dispatch's taskId to its result
	// channel. At most one in-flight dispatch per worker (spec §4.3).
	pendingTaskID string
	pendingCh     chan dispatchResult
}

type dispatchResult struct {
	text string
	err  error
}

// Config configures a Coordinator.
type Config struct {
	Port                 int
	Secret               string
	HeartbeatInterval    time.Duration
	HeartbeatTimeout     time.Duration
}

// Coordinator owns the set of live RemoteWorker records exclusively.
type Coordinator struct {
	cfg    Config
	logger *zap.Logger

	mu      sync.Mutex
	workers map[string]*worker

	stop chan struct{}
}

// New builds a Coordinator. Call Run to start the heartbeat scan loop.
func New(cfg Config, logger *zap.Logger) *Coordinator {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 10 * time.Second
	}
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = 30 * time.Second
	}
	return &Coordinator{
		cfg:     cfg,
		logger:  logger.With(zap.String("component", "coordinator")),
		workers: make(map[string]*worker),
		stop:    make(chan struct{}),
	}
}

// Run scans for expired workers every HeartbeatInterval until Stop is called.
func (c *Coordinator) Run() {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.scanExpired()
		case <-c.stop:
			return
		}
	}
}

// Stop ends the heartbeat scan loop.
func (c *Coordinator) Stop() { close(c.stop) }

func (c *Coordinator) scanExpired() {
	c.mu.Lock()
	var expired []*worker
	for id, w := range c.workers {
		w.mu.Lock()
		stale := time.Since(w.lastHeartbeat) >= c.cfg.HeartbeatTimeout
		w.mu.Unlock()
		if stale {
			expired = append(expired, w)
			delete(c.workers, id)
		}
	}
	c.mu.Unlock()

	for _, w := range expired {
		c.logger.Info("worker_disconnected", zap.String("workerId", w.id), zap.String("reason", "heartbeat timeout"))
		w.conn.Close()
	}
}

// IdleCount returns the number of currently-idle live workers, used by the
// Swarm Executor to size its local concurrency cap (spec §4.7 step 5).
func (c *Coordinator) IdleCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, w := range c.workers {
		w.mu.Lock()
		if w.status == entity.RemoteWorkerIdle {
			n++
		}
		w.mu.Unlock()
	}
	return n
}

// ServeWS upgrades an incoming HTTP request to a websocket connection and
// runs the worker's auth/read/write loops.
func (c *Coordinator) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		c.logger.Error("upgrade failed", zap.Error(err))
		return
	}

	wk := &worker{conn: conn, send: make(chan wireMessage, 32), lastHeartbeat: time.Now()}
	go wk.writePump()
	c.authenticate(wk)
}

func (c *Coordinator) authenticate(wk *worker) {
	conn := wk.conn
	conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		conn.Close()
		return
	}
	var msg wireMessage
	if err := json.Unmarshal(data, &msg); err != nil || msg.Type != msgAuth {
		wk.send <- wireMessage{Type: msgError, Message: "expected auth message"}
		close(wk.send)
		conn.Close()
		return
	}
	if c.cfg.Secret != "" && msg.Secret != c.cfg.Secret {
		wk.send <- wireMessage{Type: msgError, Message: "invalid secret"}
		close(wk.send)
		conn.Close()
		return
	}

	id := msg.WorkerID
	if id == "" {
		id = fmt.Sprintf("worker-%d", time.Now().UnixNano())
	}
	wk.id = id
	wk.info = msg.Info
	wk.status = entity.RemoteWorkerIdle
	wk.lastHeartbeat = time.Now()

	c.mu.Lock()
	c.workers[id] = wk
	c.mu.Unlock()

	wk.send <- wireMessage{Type: msgAuthOK, WorkerID: id}
	c.logger.Info("worker_connected", zap.String("workerId", id))

	c.readLoop(wk)
}

func (c *Coordinator) readLoop(wk *worker) {
	defer func() {
		c.mu.Lock()
		delete(c.workers, wk.id)
		c.mu.Unlock()
		close(wk.send)
		wk.conn.Close()
		c.logger.Info("worker_disconnected", zap.String("workerId", wk.id))
	}()

	wk.conn.SetReadLimit(512 * 1024)
	for {
		wk.conn.SetReadDeadline(time.Now().Add(c.cfg.HeartbeatTimeout))
		_, data, err := wk.conn.ReadMessage()
		if err != nil {
			return
		}
		var msg wireMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}

		switch msg.Type {
		case msgHeartbeat:
			wk.mu.Lock()
			wk.lastHeartbeat = time.Now()
			if msg.Info != nil {
				wk.info = msg.Info
			}
			wk.mu.Unlock()
			wk.send <- wireMessage{Type: msgHeartbeatAck}
		case msgTaskResult:
			c.resolveTaskResult(wk, msg)
		}
	}
}

func (c *Coordinator) resolveTaskResult(wk *worker, msg wireMessage) {
	wk.mu.Lock()
	defer wk.mu.Unlock()
	if wk.pendingCh == nil || msg.TaskID != wk.pendingTaskID {
		return // stale or unmatched correlation; drop
	}
	ch := wk.pendingCh
	wk.pendingCh = nil
	wk.pendingTaskID = ""
	wk.status = entity.RemoteWorkerIdle
	wk.completed++

	if msg.Error != "" {
		ch <- dispatchResult{err: fmt.Errorf("%s", msg.Error)}
	} else {
		ch <- dispatchResult{text: msg.Result}
	}
}

func (wk *worker) writePump() {
	for msg := range wk.send {
		data, err := json.Marshal(msg)
		if err != nil {
			continue
		}
		wk.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := wk.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			return
		}
	}
}

// DispatchRemote sends one subtask to any idle worker and blocks until a
// matching task_result arrives or timeout elapses. Per spec §4.3, a BUSY
// worker reverts to IDLE in both outcomes, and no IDLE worker means
// immediate failure with NoIdleWorker.
func (c *Coordinator) DispatchRemote(task, systemPrompt string, timeout time.Duration) (string, error) {
	wk := c.pickIdle()
	if wk == nil {
		return "", &pkgerrors.NoIdleWorker{}
	}

	taskID := fmt.Sprintf("task-%d", time.Now().UnixNano())
	resultCh := make(chan dispatchResult, 1)

	wk.mu.Lock()
	wk.pendingTaskID = taskID
	wk.pendingCh = resultCh
	wk.mu.Unlock()

	wk.send <- wireMessage{Type: msgTask, TaskID: taskID, Task: task, SystemPrompt: systemPrompt}

	select {
	case res := <-resultCh:
		if res.err != nil {
			return "", res.err
		}
		return res.text, nil
	case <-time.After(timeout):
		wk.mu.Lock()
		if wk.pendingTaskID == taskID {
			wk.status = entity.RemoteWorkerIdle
			wk.pendingTaskID = ""
			wk.pendingCh = nil
		}
		wk.mu.Unlock()
		return "", fmt.Errorf("remote dispatch timed out after %s", timeout)
	}
}

// pickIdle finds an idle worker and claims it atomically (flips it to
// Busy before releasing c.mu), so two concurrent callers can never both
// observe and claim the same worker.
func (c *Coordinator) pickIdle() *worker {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, w := range c.workers {
		w.mu.Lock()
		idle := w.status == entity.RemoteWorkerIdle
		if idle {
			w.status = entity.RemoteWorkerBusy
		}
		w.mu.Unlock()
		if idle {
			return w
		}
	}
	return nil
}

// HealthHandler serves GET /health → {status, workers}.
func (c *Coordinator) HealthHandler(w http.ResponseWriter, r *http.Request) {
	c.mu.Lock()
	n := len(c.workers)
	c.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"status":"ok","workers":%d}`, n)
}
