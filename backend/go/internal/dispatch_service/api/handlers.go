package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"BrowserAgent/backend/go/internal/discovery/etcd"
	"BrowserAgent/backend/go/internal/dispatch_service/service"
	"BrowserAgent/backend/go/internal/models"
	"BrowserAgent/backend/go/pkg/apperror"
	"BrowserAgent/backend/go/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

// HealthChecker 是可以被 /healthz 探测的依赖。
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// HealthCheckFunc 让普通函数满足 HealthChecker
type HealthCheckFunc func(ctx context.Context) error

func (f HealthCheckFunc) HealthCheck(ctx context.Context) error { return f(ctx) }

// WorkerDirectory 列出当前在线的 worker。
type WorkerDirectory interface {
	Discover(ctx context.Context) ([]etcd.WorkerInfo, error)
}

type namedCheck struct {
	name    string
	checker HealthChecker
}

// API provides handlers for the dispatch service.
type API struct {
	service  *service.TaskService
	events   *service.EventBus
	logger   *logger.Logger
	upgrader websocket.Upgrader
	checks   []namedCheck
	workers  WorkerDirectory
}

// Option 配置 API 的可选依赖。
type Option func(*API)

// WithHealthCheck 把一个依赖加入健康检查。
func WithHealthCheck(name string, c HealthChecker) Option {
	return func(a *API) { a.checks = append(a.checks, namedCheck{name: name, checker: c}) }
}

// WithWorkers 在健康检查中附带在线 worker 列表。
func WithWorkers(dir WorkerDirectory) Option {
	return func(a *API) { a.workers = dir }
}

// NewAPI creates a new API handler.
func NewAPI(svc *service.TaskService, events *service.EventBus, log *logger.Logger, opts ...Option) *API {
	a := &API{
		service: svc,
		events:  events,
		logger:  log,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // 无鉴权部署，前端可能来自任意来源
			},
		},
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// respondError 按错误类别写出 {"error": ...}
func (a *API) respondError(c *gin.Context, err error) {
	status := apperror.HTTPStatus(err)
	log := a.logger.WithError(models.ErrorInfo{Message: err.Error(), StatusCode: status, Type: apperror.KindOf(err).String()}).
		WithPayload(map[string]interface{}{"path": c.FullPath()})
	if status >= http.StatusInternalServerError {
		log.Error("Request failed")
	} else {
		log.Warn("Request rejected")
	}
	c.JSON(status, gin.H{"error": apperror.PublicMessage(err)})
}

// queryInt 读取可选的整数参数，缺省时返回 def。
func queryInt(c *gin.Context, name string, def int) (int, error) {
	raw, ok := c.GetQuery(name)
	if !ok || raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, apperror.Validation("api.query", "%s must be an integer", name)
	}
	return n, nil
}

// SubmitTaskHandler handles the submission of a new task.
func (a *API) SubmitTaskHandler(c *gin.Context) {
	var req models.GeneralTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		a.logger.WithError(models.ErrorInfo{Message: err.Error()}).Warn("Invalid request payload")
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "Invalid request payload: " + err.Error()})
		return
	}

	id, err := a.service.Submit(c.Request.Context(), models.TaskTypeGeneralAgent, &req)
	if err != nil {
		a.respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{
		"id":      id,
		"status":  models.TaskStatusPending,
		"message": "Agent task accepted and queued.",
	})
}

// ListTasksHandler 分页列出任务
func (a *API) ListTasksHandler(c *gin.Context) {
	limit, err := queryInt(c, "limit", 0)
	if err != nil {
		a.respondError(c, err)
		return
	}
	offset, err := queryInt(c, "offset", 0)
	if err != nil {
		a.respondError(c, err)
		return
	}
	tasks, err := a.service.List(c.Request.Context(), limit, offset)
	if err != nil {
		a.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, tasks)
}

// SearchTasksHandler 按状态、类型与天数过滤任务
func (a *API) SearchTasksHandler(c *gin.Context) {
	days, err := queryInt(c, "days", 0)
	if err != nil {
		a.respondError(c, err)
		return
	}
	if _, ok := c.GetQuery("days"); ok && days < 1 {
		a.respondError(c, apperror.Validation("api.Search", "days must be >= 1"))
		return
	}
	limit, err := queryInt(c, "limit", 0)
	if err != nil {
		a.respondError(c, err)
		return
	}
	tasks, err := a.service.Search(c.Request.Context(), service.SearchParams{
		Status:   c.Query("status"),
		TaskType: c.Query("task_type"),
		Days:     days,
		Limit:    limit,
	})
	if err != nil {
		a.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, tasks)
}

// StatsHandler 返回各状态的任务数量
func (a *API) StatsHandler(c *gin.Context) {
	stats, err := a.service.Stats(c.Request.Context())
	if err != nil {
		a.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

// GetTaskHandler handles requests to get a single task by its ID.
func (a *API) GetTaskHandler(c *gin.Context) {
	task, err := a.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		a.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, task)
}

// TaskLogsHandler 返回任务日志，可按级别过滤
func (a *API) TaskLogsHandler(c *gin.Context) {
	limit, err := queryInt(c, "limit", 0)
	if err != nil {
		a.respondError(c, err)
		return
	}
	logs, err := a.service.Logs(c.Request.Context(), c.Param("id"), c.Query("level"), limit)
	if err != nil {
		a.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, logs)
}

// CancelTaskHandler 取消 PENDING 或 RUNNING 的任务
func (a *API) CancelTaskHandler(c *gin.Context) {
	out, err := a.service.Cancel(c.Request.Context(), c.Param("id"))
	if err != nil {
		a.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

// RetryTaskHandler 重试失败的任务
func (a *API) RetryTaskHandler(c *gin.Context) {
	id := c.Param("id")
	newID, err := a.service.Retry(c.Request.Context(), id)
	if err != nil {
		a.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":      "retry_queued",
		"new_task_id": newID,
		"message":     "Task " + id + " has been queued for retry as " + newID + ".",
	})
}

// DeleteTaskHandler 删除非 RUNNING 的任务
func (a *API) DeleteTaskHandler(c *gin.Context) {
	id := c.Param("id")
	if err := a.service.Delete(c.Request.Context(), id); err != nil {
		a.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "deleted", "message": "Task " + id + " and its logs have been deleted."})
}

// BroadcastHandler 接收其他生产者的事件并推送给订阅者。
func (a *API) BroadcastHandler(c *gin.Context) {
	var event models.TaskEvent
	if err := c.ShouldBindJSON(&event); err != nil || event.Type == "" || event.Content == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Message must contain 'type' and 'content' fields"})
		return
	}
	a.events.PublishTask(event)
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "Broadcast successful"})
}

// HealthHandler 探测存储与队列，并列出在线 worker。
func (a *API) HealthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	healthy := true
	deps := make(map[string]string, len(a.checks))
	for _, check := range a.checks {
		if err := check.checker.HealthCheck(ctx); err != nil {
			healthy = false
			deps[check.name] = err.Error()
			a.logger.WithError(models.ErrorInfo{Message: err.Error()}).WithPayload(map[string]interface{}{"dependency": check.name}).Warn("Health check failed")
			continue
		}
		deps[check.name] = "ok"
	}

	body := gin.H{"dependencies": deps, "subscribers": a.events.Count(service.AllTasks)}
	if a.workers != nil {
		// worker 列表只作参考，不影响健康状态
		if workers, err := a.workers.Discover(ctx); err == nil {
			body["workers"] = workers
		} else {
			body["workers_error"] = err.Error()
		}
	}

	status := http.StatusOK
	body["status"] = "ok"
	if !healthy {
		status = http.StatusServiceUnavailable
		body["status"] = "degraded"
	}
	c.JSON(status, body)
}
