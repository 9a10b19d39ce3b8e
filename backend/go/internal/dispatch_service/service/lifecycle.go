package service

import (
	"context"
	"fmt"
	"strings"

	"BrowserAgent/backend/go/internal/models"
	"BrowserAgent/backend/go/internal/store"
	"BrowserAgent/backend/go/pkg/apperror"
)

// 取消结果中的 status 字段
const (
	CancelStatusCancelled = "cancelled"
	CancelStatusRequested = "cancellation_requested"
	CancelStatusFinished  = "already_finished"
)

// CancelOutcome 是取消操作的结果。TaskStatus 是数据库中最终的任务状态。
type CancelOutcome struct {
	Status     string            `json:"status"`
	Message    string            `json:"message"`
	TaskStatus models.TaskStatus `json:"task_status"`
}

// SearchParams 是未经校验的搜索参数。Days 为 0 表示不限。
type SearchParams struct {
	Status   string
	TaskType string
	Days     int
	Limit    int
}

func storeFields(details string) store.StatusFields {
	return store.StatusFields{ErrorDetails: details}
}

// Cancel 取消 PENDING 或 RUNNING 的任务，终态任务返回 Conflict。
func (s *TaskService) Cancel(ctx context.Context, id string) (*CancelOutcome, error) {
	const op = "lifecycle.Cancel"
	task, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, storeError(op, err)
	}
	s.logger.WithTask(id).WithPayload(map[string]interface{}{"status": task.Status}).Info("Received cancel request")

	switch task.Status {
	case models.TaskStatusPending:
		ok, err := s.store.UpdateStatus(ctx, id, models.TaskStatusCancelled,
			[]models.TaskStatus{models.TaskStatusPending}, storeFields("Task cancelled by user before start."))
		if err != nil {
			return nil, storeError(op, err)
		}
		if ok {
			s.store.AppendLog(ctx, id, models.LogLevelWarning, "Task cancelled by user request (was PENDING).")
			s.events.PublishTask(models.NewStatusEvent(id, models.TaskStatusCancelled, fmt.Sprintf("Task %s cancelled before start", id)))
			return &CancelOutcome{
				Status:     CancelStatusCancelled,
				Message:    "Task was pending and has been cancelled.",
				TaskStatus: models.TaskStatusCancelled,
			}, nil
		}
		// worker 抢先拾取了任务，按最新状态重新处理一次
		task, err = s.store.Get(ctx, id)
		if err != nil {
			return nil, storeError(op, err)
		}
		if task.Status != models.TaskStatusRunning {
			return nil, apperror.Conflict(op, "Task cannot be cancelled, status is %s.", task.Status)
		}
		return s.cancelRunning(ctx, id)
	case models.TaskStatusRunning:
		return s.cancelRunning(ctx, id)
	default:
		s.logger.WithTask(id).WithPayload(map[string]interface{}{"status": task.Status}).Warn("Cannot cancel task in terminal state")
		return nil, apperror.Conflict(op, "Task cannot be cancelled, status is %s.", task.Status)
	}
}

// cancelRunning 尽力向队列发送中止信号，然后无论结果如何都把任务写为 CANCELLED。
func (s *TaskService) cancelRunning(ctx context.Context, id string) (*CancelOutcome, error) {
	const op = "lifecycle.Cancel"
	log := s.logger.WithTask(id)
	details := "Task cancelled by user request." + s.signalAbort(ctx, id)

	// 队列不可达时也必须收敛到终态
	writeCtx := context.WithoutCancel(ctx)
	ok, err := s.store.UpdateStatus(writeCtx, id, models.TaskStatusCancelled,
		[]models.TaskStatus{models.TaskStatusPending, models.TaskStatusRunning}, storeFields(details))
	if err != nil {
		log.WithError(models.ErrorInfo{Message: err.Error()}).Error("Could not mark task as CANCELLED after abort attempt")
		return nil, storeError(op, err)
	}
	if !ok {
		current, err := s.store.Get(writeCtx, id)
		if err != nil {
			return nil, storeError(op, err)
		}
		log.WithPayload(map[string]interface{}{"status": current.Status}).Warn("Task finished before cancellation was recorded")
		return &CancelOutcome{
			Status:     CancelStatusFinished,
			Message:    fmt.Sprintf("Task already finished as %s; cancellation not applied.", current.Status),
			TaskStatus: current.Status,
		}, nil
	}

	s.store.AppendLog(writeCtx, id, models.LogLevelWarning, "Task marked as CANCELLED due to user cancellation request.")
	s.events.PublishTask(models.NewStatusEvent(id, models.TaskStatusCancelled, fmt.Sprintf("Task %s cancelled by user", id)))
	log.WithPayload(map[string]interface{}{"error_details": details}).Info("Marked running task as CANCELLED")
	return &CancelOutcome{
		Status:     CancelStatusRequested,
		Message:    "Cancellation requested; task marked as cancelled.",
		TaskStatus: models.TaskStatusCancelled,
	}, nil
}

// signalAbort 查询 job 状态并在必要时请求中止，返回追加到 error_details 的说明。
func (s *TaskService) signalAbort(ctx context.Context, id string) string {
	log := s.logger.WithTask(id)

	statusCtx, cancel := context.WithTimeout(ctx, s.opts.CancelTimeout)
	jobStatus, err := s.queue.JobStatus(statusCtx, id)
	cancel()
	if err != nil {
		return s.abortFailed(ctx, id, err)
	}

	switch jobStatus {
	case models.JobStatusQueued, models.JobStatusRunning:
		// RequestAbort 自己等待 CancelTimeout，这里的 context 只防止队列调用挂起
		abortCtx, cancel := context.WithTimeout(ctx, 2*s.opts.CancelTimeout)
		acked, err := s.queue.RequestAbort(abortCtx, id, s.opts.CancelTimeout)
		cancel()
		if err != nil {
			return s.abortFailed(ctx, id, err)
		}
		s.store.AppendLog(ctx, id, models.LogLevelWarning, fmt.Sprintf("Sent abort signal to worker for task %s.", id))
		if acked {
			log.Info("Abort signal acknowledged by worker")
			return " Abort signal acknowledged by worker."
		}
		log.Warn("Abort signal sent but not acknowledged in time")
		return " Abort signal sent; worker has not acknowledged yet."
	case models.JobStatusFinished:
		log.Warn("Cancel request for running task, but job already finished")
		s.store.AppendLog(ctx, id, models.LogLevelWarning, "Cancel request, but queue job already finished. Treating as already finished.")
		return fmt.Sprintf(" Job already finished (queue status: %s).", jobStatus)
	default:
		log.Warn("Cancel request for running task, but job not found in queue")
		s.store.AppendLog(ctx, id, models.LogLevelWarning, fmt.Sprintf("Cancel request, but queue job %s not found. Treating as already finished.", id))
		return " Job not found in queue."
	}
}

func (s *TaskService) abortFailed(ctx context.Context, id string, err error) string {
	s.logger.WithTask(id).WithError(models.ErrorInfo{Message: err.Error(), Type: "queue_error"}).Error("Failed to interact with queue job during cancellation")
	s.store.AppendLog(context.WithoutCancel(ctx), id, models.LogLevelError, fmt.Sprintf("Failed to interact with queue job %s: %s", id, err.Error()))
	return " Abort signal error: " + err.Error()
}

// Delete 删除非 RUNNING 的任务及其日志。
func (s *TaskService) Delete(ctx context.Context, id string) error {
	const op = "lifecycle.Delete"
	deleted, err := s.store.Delete(ctx, id)
	if err != nil {
		return storeError(op, err)
	}
	if !deleted {
		return apperror.NotFound(op, "Task %s not found.", id)
	}
	s.logger.WithTask(id).Info("Deleted task and its logs")
	return nil
}

// Get 返回任务详情及其日志。
func (s *TaskService) Get(ctx context.Context, id string) (*models.Task, error) {
	const op = "lifecycle.Get"
	task, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, storeError(op, err)
	}
	logs, err := s.store.Logs(ctx, id, store.LogQuery{Limit: store.DefaultLogLimit})
	if err != nil {
		return nil, storeError(op, err)
	}
	task.Logs = logs
	if task.Logs == nil {
		task.Logs = []models.TaskLog{}
	}
	return task, nil
}

// List 按创建时间倒序分页返回任务摘要。
func (s *TaskService) List(ctx context.Context, limit, offset int) ([]models.TaskSummary, error) {
	if limit < 0 || limit > store.MaxListLimit {
		return nil, apperror.Validation("lifecycle.List", "limit must be between 1 and %d", store.MaxListLimit)
	}
	if offset < 0 {
		return nil, apperror.Validation("lifecycle.List", "offset must be >= 0")
	}
	tasks, err := s.store.List(ctx, limit, offset)
	if err != nil {
		return nil, storeError("lifecycle.List", err)
	}
	return summaries(tasks), nil
}

// Search 校验参数后按状态、类型和天数过滤。
func (s *TaskService) Search(ctx context.Context, p SearchParams) ([]models.TaskSummary, error) {
	const op = "lifecycle.Search"
	q := store.SearchQuery{TaskType: p.TaskType, SinceDays: p.Days, Limit: p.Limit}
	if p.Status != "" {
		status, ok := models.ParseTaskStatus(p.Status)
		if !ok {
			names := make([]string, 0, len(models.AllTaskStatuses))
			for _, st := range models.AllTaskStatuses {
				names = append(names, string(st))
			}
			return nil, apperror.Validation(op, "Invalid status. Must be one of: %s", strings.Join(names, ", "))
		}
		q.Status = status
	}
	if p.Days < 0 {
		return nil, apperror.Validation(op, "days must be >= 1")
	}
	tasks, err := s.store.Search(ctx, q)
	if err != nil {
		return nil, storeError(op, err)
	}
	return summaries(tasks), nil
}

// Stats 返回各状态的任务数量。
func (s *TaskService) Stats(ctx context.Context) (models.TaskStats, error) {
	stats, err := s.store.Stats(ctx)
	if err != nil {
		return nil, storeError("lifecycle.Stats", err)
	}
	return stats, nil
}

// Logs 返回任务日志，level 非法时不做过滤。
func (s *TaskService) Logs(ctx context.Context, id, level string, limit int) ([]models.TaskLog, error) {
	if limit < 0 || limit > store.MaxLogLimit {
		return nil, apperror.Validation("lifecycle.Logs", "limit must be between 1 and %d", store.MaxLogLimit)
	}
	logs, err := s.store.Logs(ctx, id, store.LogQuery{Level: level, Limit: limit})
	if err != nil {
		return nil, storeError("lifecycle.Logs", err)
	}
	if logs == nil {
		logs = []models.TaskLog{}
	}
	return logs, nil
}

func summaries(tasks []models.Task) []models.TaskSummary {
	out := make([]models.TaskSummary, 0, len(tasks))
	for i := range tasks {
		out = append(out, tasks[i].Summary())
	}
	return out
}
