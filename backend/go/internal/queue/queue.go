// Package queue 是 API 与 worker 之间的至少一次投递的任务队列。
// job id 与任务 id 相同，重复入队不会产生第二个在途 job。
// 队列的状态只作参考，任务的真实状态以存储为准。
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"BrowserAgent/backend/go/internal/models"
)

var (
	// ErrJobExists 表示同 id 的 job 仍在排队或执行，本次入队没有产生效果。
	ErrJobExists = errors.New("job with this id is already queued or running")
	// ErrJobAborted 是 job 被中止时 context 的 cause。
	ErrJobAborted = errors.New("job aborted")
	// ErrLeaseLost 表示领取已过期并被收回，本次结束没有生效。
	ErrLeaseLost = errors.New("job lease expired before finish")
)

// Job 是 worker 拿到的一个工作单元。
type Job struct {
	ID         string          `json:"id"`
	Name       string          `json:"name"`
	Args       json.RawMessage `json:"args"`
	Tries      int             `json:"tries"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
	// Worker 是领取该 job 的 worker id
	Worker string `json:"worker,omitempty"`
}

// Queue 是 API 侧使用的队列接口。
type Queue interface {
	Enqueue(ctx context.Context, jobName, jobID string, args interface{}) error
	JobStatus(ctx context.Context, jobID string) (models.JobStatus, error)
	// RequestAbort 设置中止标记，并在 timeout 内等待 job 结束，返回是否得到确认。
	RequestAbort(ctx context.Context, jobID string, timeout time.Duration) (bool, error)
}

// Source 是 worker 侧的接口，由 Pool 驱动。
type Source interface {
	// Dequeue 最多阻塞 timeout，没有 job 时返回 nil, nil。
	Dequeue(ctx context.Context, workerID string, timeout time.Duration) (*Job, error)
	// Finish 结束一次执行；retry 为 true 时重新入队。
	Finish(ctx context.Context, job *Job, retry bool) error
	// AbortRequested 查询 job 是否被请求中止。
	AbortRequested(ctx context.Context, jobID string) (bool, error)
}

// LeaseExtender 由带领取租约的 Source 实现，Pool 在 job 执行期间定期续期。
type LeaseExtender interface {
	ExtendLease(ctx context.Context, jobID string) (bool, error)
}

// IsAborted 判断 job 的 context 是否因中止请求而取消。
func IsAborted(ctx context.Context) bool {
	return errors.Is(context.Cause(ctx), ErrJobAborted)
}

func marshalArgs(args interface{}) (json.RawMessage, error) {
	if raw, ok := args.(json.RawMessage); ok {
		return raw, nil
	}
	return json.Marshal(args)
}
