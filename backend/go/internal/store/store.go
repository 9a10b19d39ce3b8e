// Package store 持久化任务及其只追加日志。
//
// 所有状态变更都是条件更新：只有当前状态属于 expected 时才会写入，
// 因此 API 侧的取消与 worker 侧的完成可以并发竞争同一行而不会互相覆盖。
package store

import (
	"context"
	"fmt"
	"time"

	"BrowserAgent/backend/go/internal/models"
	"BrowserAgent/backend/go/pkg/apperror"
)

const (
	DefaultListLimit = 100
	MaxListLimit     = 1000
	DefaultLogLimit  = 1000
	MaxLogLimit      = 5000
)

// StatusFields 是状态转换时附带写入的字段。
// ResultData 只对 COMPLETED 生效，ErrorDetails 只对 FAILED/CANCELLED 生效。
type StatusFields struct {
	ResultData   []byte
	ErrorDetails string
}

// SearchQuery 是搜索条件，零值字段表示不过滤。
type SearchQuery struct {
	Status    models.TaskStatus
	TaskType  string
	SinceDays int
	Limit     int
}

// LogQuery 是日志查询条件。Level 非法时忽略过滤并记录警告。
type LogQuery struct {
	Level string
	Limit int
}

// TaskStore 是任务存储的统一接口。
type TaskStore interface {
	Create(ctx context.Context, id, taskType string, input []byte, retryOf string) error
	// UpdateStatus 仅当当前状态属于 expected 时写入，返回是否命中。
	// 未命中不是错误，只记录 WARN。
	UpdateStatus(ctx context.Context, id string, status models.TaskStatus, expected []models.TaskStatus, fields StatusFields) (bool, error)
	SetResult(ctx context.Context, id string, data []byte) error
	Get(ctx context.Context, id string) (*models.Task, error)
	List(ctx context.Context, limit, offset int) ([]models.Task, error)
	Search(ctx context.Context, q SearchQuery) ([]models.Task, error)
	Stats(ctx context.Context) (models.TaskStats, error)
	// Delete 删除任务及其日志。RUNNING 的任务返回 Conflict。
	Delete(ctx context.Context, id string) (bool, error)
	// AppendLog 从不向调用方返回错误，失败只写入进程日志。
	AppendLog(ctx context.Context, id string, level models.LogLevel, message string)
	Logs(ctx context.Context, id string, q LogQuery) ([]models.TaskLog, error)
}

// Handle 是按 job 或请求获取的存储句柄，用完必须 Release。
type Handle interface {
	TaskStore
	Release() error
}

// Provider 管理底层连接池。
type Provider interface {
	// Shared 返回共享连接池上的存储，供短生命周期的 API 请求使用。
	Shared() TaskStore
	// Acquire 返回一个独占的句柄，供长时间运行的 job 使用。
	Acquire(ctx context.Context) (Handle, error)
	HealthCheck(ctx context.Context) error
	Close() error
}

// ClampLimit 将 limit 规范到 [1, max]，非正数取默认值。
func ClampLimit(limit, def, max int) int {
	if limit <= 0 {
		return def
	}
	if limit > max {
		return max
	}
	return limit
}

func clampOffset(offset int) int {
	if offset < 0 {
		return 0
	}
	return offset
}

func now() time.Time {
	return time.Now().UTC()
}

func checkTransition(op string, status models.TaskStatus, expected []models.TaskStatus) error {
	if len(expected) == 0 {
		return fmt.Errorf("%s: no expected prior status given for %s", op, status)
	}
	for _, from := range expected {
		if !models.CanTransition(from, status) {
			return fmt.Errorf("%s: transition %s -> %s is not allowed", op, from, status)
		}
	}
	return nil
}

func statusStrings(statuses []models.TaskStatus) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}

func notFound(op, id string) error {
	return apperror.NotFound(op, "Task %s not found.", id)
}

func deleteRunning(op string) error {
	return apperror.Conflict(op, "Cannot delete a RUNNING task. Cancel it first.")
}
