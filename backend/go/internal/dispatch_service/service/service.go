package service

import (
	"encoding/hex"
	"time"

	"BrowserAgent/backend/go/internal/models"
	"BrowserAgent/backend/go/internal/queue"
	"BrowserAgent/backend/go/internal/store"
	"BrowserAgent/backend/go/pkg/apperror"
	"BrowserAgent/backend/go/pkg/logger"

	"github.com/google/uuid"
)

// EventPublisher 是 TaskService 发布生命周期事件的出口，EventBus 实现了它。
type EventPublisher interface {
	PublishTask(event models.TaskEvent)
}

// Options 配置 TaskService。
type Options struct {
	JobName       string
	CancelTimeout time.Duration
}

// TaskService 负责任务的提交、重试、取消与查询。
type TaskService struct {
	store  store.TaskStore
	queue  queue.Queue
	events EventPublisher
	logger *logger.Logger
	opts   Options
}

// NewTaskService creates a new TaskService.
func NewTaskService(st store.TaskStore, q queue.Queue, events EventPublisher, opts Options, log *logger.Logger) *TaskService {
	if opts.JobName == "" {
		opts.JobName = "run_task"
	}
	if opts.CancelTimeout <= 0 {
		opts.CancelTimeout = 5 * time.Second
	}
	return &TaskService{store: st, queue: q, events: events, logger: log, opts: opts}
}

// newTaskID 生成 task_<12 位十六进制>
func newTaskID() string {
	return "task_" + hexID(12)
}

// retryTaskID 生成 retry_<8 位十六进制>_<原 id 后 8 位>
func retryTaskID(original string) string {
	tail := original
	if len(tail) > 8 {
		tail = tail[len(tail)-8:]
	}
	return "retry_" + hexID(8) + "_" + tail
}

// hexID 取 uuid 的前 n 位十六进制，n 不超过 12 时全部来自随机位。
func hexID(n int) string {
	id := uuid.New()
	return hex.EncodeToString(id[:])[:n]
}

// storeError 保留已分类的错误，其余视为存储不可达。
func storeError(op string, err error) error {
	if apperror.KindOf(err) != apperror.KindUnknown {
		return err
	}
	return apperror.Dependency(op, "task store unavailable", err)
}
