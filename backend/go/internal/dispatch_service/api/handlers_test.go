package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"BrowserAgent/backend/go/internal/discovery/etcd"
	"BrowserAgent/backend/go/internal/dispatch_service/service"
	"BrowserAgent/backend/go/internal/models"
	"BrowserAgent/backend/go/internal/queue"
	"BrowserAgent/backend/go/internal/store"
	"BrowserAgent/backend/go/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

type testServer struct {
	engine *gin.Engine
	store  *store.MemoryStore
	queue  *queue.MemoryQueue
	bus    *service.EventBus
}

type staticWorkers []etcd.WorkerInfo

func (w staticWorkers) Discover(ctx context.Context) ([]etcd.WorkerInfo, error) { return w, nil }

func newTestServer(t *testing.T, guards ...gin.HandlerFunc) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)
	ts := &testServer{
		store: store.NewMemoryStore(logger.Discard()),
		queue: queue.NewMemoryQueue(),
		bus:   service.NewEventBus(logger.Discard()),
	}
	svc := service.NewTaskService(ts.store, ts.queue, ts.bus, service.Options{CancelTimeout: 20 * time.Millisecond}, logger.Discard())
	a := NewAPI(svc, ts.bus, logger.Discard(),
		WithHealthCheck("store", store.NewMemoryProvider(ts.store)),
		WithHealthCheck("queue", ts.queue),
		WithWorkers(staticWorkers{{ID: "w1", MaxJobs: 2}}),
	)
	ts.engine = gin.New()
	RegisterRoutes(ts.engine, a, guards...)
	return ts
}

func (ts *testServer) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r *http.Request
	if body != "" {
		r = httptest.NewRequest(method, path, strings.NewReader(body))
		r.Header.Set("Content-Type", "application/json")
	} else {
		r = httptest.NewRequest(method, path, nil)
	}
	w := httptest.NewRecorder()
	ts.engine.ServeHTTP(w, r)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), v); err != nil {
		t.Fatalf("decode %s: %v", w.Body.String(), err)
	}
}

const validBody = `{"task_instructions":"find the pricing page on example.com","context_urls":["https://example.com"]}`

func (ts *testServer) submit(t *testing.T) string {
	t.Helper()
	w := ts.do(t, http.MethodPost, "/tasks/submit", validBody)
	if w.Code != http.StatusAccepted {
		t.Fatalf("Expected 202, got %d: %s", w.Code, w.Body.String())
	}
	var resp struct {
		ID      string `json:"id"`
		Status  string `json:"status"`
		Message string `json:"message"`
	}
	decode(t, w, &resp)
	if resp.Status != "PENDING" || resp.Message != "Agent task accepted and queued." {
		t.Errorf("unexpected response %+v", resp)
	}
	return resp.ID
}

func TestSubmitAndGet(t *testing.T) {
	ts := newTestServer(t)
	id := ts.submit(t)

	w := ts.do(t, http.MethodGet, "/tasks/"+id+"/json", "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	var task models.Task
	decode(t, w, &task)
	if task.ID != id || task.Status != models.TaskStatusPending || len(task.Logs) == 0 {
		t.Errorf("unexpected task %+v", task)
	}

	w = ts.do(t, http.MethodGet, "/tasks/list/json?limit=10", "")
	var list []models.TaskSummary
	decode(t, w, &list)
	if len(list) != 1 || list[0].ID != id {
		t.Errorf("unexpected list %+v", list)
	}
}

func TestSubmitRejectsBadInput(t *testing.T) {
	ts := newTestServer(t)
	if w := ts.do(t, http.MethodPost, "/tasks/submit", `{"task_instructions":`); w.Code != http.StatusUnprocessableEntity {
		t.Errorf("Expected 422 for malformed body, got %d", w.Code)
	}
	if w := ts.do(t, http.MethodPost, "/tasks/submit", `{"task_instructions":"short"}`); w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for invalid instructions, got %d", w.Code)
	}
}

func TestSubmitQueueOutageIs503(t *testing.T) {
	ts := newTestServer(t)
	ts.queue.SetUnavailable(true)
	w := ts.do(t, http.MethodPost, "/tasks/submit", validBody)
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503, got %d", w.Code)
	}
	stats, _ := ts.store.Stats(context.Background())
	if stats["FAILED"] != 1 {
		t.Errorf("Expected the task to be rolled back to FAILED, got %v", stats)
	}
}

func TestGuardsOnlyApplyToSubmit(t *testing.T) {
	deny := func(c *gin.Context) {
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "Too Many Requests"})
	}
	ts := newTestServer(t, deny)
	if w := ts.do(t, http.MethodPost, "/tasks/submit", validBody); w.Code != http.StatusTooManyRequests {
		t.Errorf("Expected 429 from guard, got %d", w.Code)
	}
	if w := ts.do(t, http.MethodGet, "/tasks/stats/json", ""); w.Code != http.StatusOK {
		t.Errorf("Expected stats to bypass guards, got %d", w.Code)
	}
}

func TestErrorMapping(t *testing.T) {
	ts := newTestServer(t)
	id := ts.submit(t)

	cases := []struct {
		method, path string
		want         int
	}{
		{http.MethodGet, "/tasks/task_missing/json", http.StatusNotFound},
		{http.MethodPost, "/tasks/" + id + "/retry", http.StatusConflict},
		{http.MethodGet, "/tasks/search/json?status=DONE", http.StatusBadRequest},
		{http.MethodGet, "/tasks/search/json?days=0", http.StatusBadRequest},
		{http.MethodGet, "/tasks/list/json?limit=abc", http.StatusBadRequest},
		{http.MethodDelete, "/tasks/task_missing", http.StatusNotFound},
	}
	for _, c := range cases {
		w := ts.do(t, c.method, c.path, "")
		if w.Code != c.want {
			t.Errorf("%s %s: expected %d, got %d (%s)", c.method, c.path, c.want, w.Code, w.Body.String())
			continue
		}
		var body map[string]string
		decode(t, w, &body)
		if body["error"] == "" {
			t.Errorf("%s %s: expected error message", c.method, c.path)
		}
	}
}

func TestCancelRetryDelete(t *testing.T) {
	ts := newTestServer(t)
	id := ts.submit(t)

	w := ts.do(t, http.MethodPost, "/tasks/"+id+"/cancel", "")
	var out service.CancelOutcome
	decode(t, w, &out)
	if w.Code != http.StatusOK || out.Status != service.CancelStatusCancelled {
		t.Fatalf("unexpected cancel response %d %+v", w.Code, out)
	}
	if w := ts.do(t, http.MethodPost, "/tasks/"+id+"/cancel", ""); w.Code != http.StatusConflict {
		t.Errorf("Expected 409 when cancelling twice, got %d", w.Code)
	}

	failedID := "task_failed01"
	ts.store.Create(context.Background(), failedID, models.TaskTypeGeneralAgent,
		[]byte(`{"task_instructions":"find the pricing page on example.com"}`), "")
	ts.store.UpdateStatus(context.Background(), failedID, models.TaskStatusFailed,
		[]models.TaskStatus{models.TaskStatusPending}, store.StatusFields{ErrorDetails: "boom"})

	w = ts.do(t, http.MethodPost, "/tasks/"+failedID+"/retry", "")
	var retry map[string]string
	decode(t, w, &retry)
	if w.Code != http.StatusOK || retry["status"] != "retry_queued" || !strings.HasPrefix(retry["new_task_id"], "retry_") {
		t.Fatalf("unexpected retry response %d %+v", w.Code, retry)
	}

	w = ts.do(t, http.MethodDelete, "/tasks/"+id, "")
	var del map[string]string
	decode(t, w, &del)
	if w.Code != http.StatusOK || del["status"] != "deleted" {
		t.Errorf("unexpected delete response %d %+v", w.Code, del)
	}
}

func TestStatsAndLogs(t *testing.T) {
	ts := newTestServer(t)
	id := ts.submit(t)

	w := ts.do(t, http.MethodGet, "/tasks/stats/json", "")
	var stats map[string]int64
	decode(t, w, &stats)
	if stats["PENDING"] != 1 || stats["TOTAL"] != 1 || stats["RUNNING"] != 0 {
		t.Errorf("unexpected stats %v", stats)
	}

	w = ts.do(t, http.MethodGet, "/tasks/"+id+"/logs/json?level=INFO&limit=1", "")
	var logs []models.TaskLog
	decode(t, w, &logs)
	if w.Code != http.StatusOK || len(logs) != 1 {
		t.Errorf("unexpected logs %d %+v", w.Code, logs)
	}
}

func TestBroadcastAndHealth(t *testing.T) {
	ts := newTestServer(t)
	if w := ts.do(t, http.MethodPost, "/api/agent/broadcast", `{"type":"agent_thought"}`); w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 without content, got %d", w.Code)
	}
	if w := ts.do(t, http.MethodPost, "/api/agent/broadcast", `{"type":"agent_thought","content":"thinking"}`); w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}

	w := ts.do(t, http.MethodGet, "/healthz", "")
	if w.Code != http.StatusOK || !bytes.Contains(w.Body.Bytes(), []byte(`"w1"`)) {
		t.Errorf("unexpected health %d %s", w.Code, w.Body.String())
	}
	ts.queue.SetUnavailable(true)
	if w := ts.do(t, http.MethodGet, "/healthz", ""); w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503 when queue is down, got %d", w.Code)
	}
}

func readEvent(t *testing.T, conn *websocket.Conn) models.TaskEvent {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev models.TaskEvent
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read: %v", err)
	}
	return ev
}

func TestWebSocketSubscriptions(t *testing.T) {
	ts := newTestServer(t)
	srv := httptest.NewServer(ts.engine)
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws/agent", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	conn.WriteMessage(websocket.TextMessage, []byte("not json"))
	if ev := readEvent(t, conn); ev.Type != models.EventSystemMessage || ev.Content != "Invalid message format. Expected JSON." {
		t.Errorf("unexpected reply %+v", ev)
	}

	conn.WriteJSON(map[string]string{"type": "subscribe", "task_id": "task_x"})
	if ev := readEvent(t, conn); ev.Content != "Subscribed to task task_x" {
		t.Errorf("unexpected ack %+v", ev)
	}

	// 同时订阅了 "*" 和 task_x，事件只应收到一次
	ts.bus.PublishTask(models.NewStatusEvent("task_x", models.TaskStatusRunning, "started"))
	ts.bus.Publish(service.AllTasks, models.NewSystemMessage("marker"))
	if ev := readEvent(t, conn); ev.TaskID != "task_x" || ev.Status != "running" {
		t.Errorf("unexpected event %+v", ev)
	}
	if ev := readEvent(t, conn); ev.Content != "marker" {
		t.Errorf("Expected marker after a single delivery, got %+v", ev)
	}
}

func TestHealthReportsFailingDependency(t *testing.T) {
	gin.SetMode(gin.TestMode)
	bus := service.NewEventBus(logger.Discard())
	a := NewAPI(nil, bus, logger.Discard(), WithHealthCheck("store", HealthCheckFunc(func(context.Context) error {
		return errors.New("down")
	})))
	r := gin.New()
	RegisterRoutes(r, a)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if w.Code != http.StatusServiceUnavailable || !strings.Contains(w.Body.String(), `"store":"down"`) {
		t.Errorf("unexpected response %d %s", w.Code, w.Body.String())
	}
}
