package service

import (
	"context"
	"errors"
	"fmt"

	"BrowserAgent/backend/go/internal/models"
	"BrowserAgent/backend/go/internal/queue"
	"BrowserAgent/backend/go/pkg/apperror"
)

// Submit 创建 PENDING 任务并入队，返回任务 id。
// 入队失败时任务被回滚为 FAILED，不会停留在 PENDING。
func (s *TaskService) Submit(ctx context.Context, taskType string, req *models.GeneralTaskRequest) (string, error) {
	if err := req.Validate(); err != nil {
		return "", apperror.Validation("gateway.Submit", "%s", err.Error())
	}
	id := newTaskID()
	s.logger.WithTask(id).WithPayload(map[string]interface{}{"task_type": taskType}).Info("Received task submission")
	if err := s.dispatch(ctx, "gateway.Submit", id, taskType, req, ""); err != nil {
		return id, err
	}
	return id, nil
}

// Retry 以失败任务的 input_data 创建新任务。只有 FAILED 的任务可以重试。
func (s *TaskService) Retry(ctx context.Context, id string) (string, error) {
	const op = "gateway.Retry"
	original, err := s.store.Get(ctx, id)
	if err != nil {
		return "", storeError(op, err)
	}
	if original.Status != models.TaskStatusFailed {
		return "", apperror.Conflict(op, "Only FAILED tasks can be retried (status: %s).", original.Status)
	}
	req, err := models.ParseGeneralTaskRequest(original.InputData)
	if err != nil {
		s.logger.WithTask(id).WithError(models.ErrorInfo{Message: err.Error()}).Warn("Stored input data is incompatible with the current request format")
		return "", apperror.Validation(op, "Cannot retry task: original input data is incompatible with current format: %s", err.Error())
	}

	newID := retryTaskID(id)
	s.logger.WithTask(newID).WithPayload(map[string]interface{}{"retry_of": id}).Info("Creating retry task")
	if err := s.dispatch(ctx, op, newID, original.TaskType, req, id); err != nil {
		return newID, err
	}
	s.store.AppendLog(ctx, id, models.LogLevelInfo, fmt.Sprintf("Retried as %s.", newID))
	return newID, nil
}

// dispatch 写入任务、发布 pending 事件并入队。
func (s *TaskService) dispatch(ctx context.Context, op, id, taskType string, req *models.GeneralTaskRequest, retryOf string) error {
	log := s.logger.WithTask(id)

	input, err := req.Marshal()
	if err != nil {
		return apperror.Validation(op, "task input cannot be encoded: %s", err.Error())
	}
	if err := s.store.Create(ctx, id, taskType, input, retryOf); err != nil {
		log.WithError(models.ErrorInfo{Message: err.Error()}).Error("Failed to create task in store")
		return apperror.Dependency(op, "failed to create task", err)
	}
	if retryOf != "" {
		s.store.AppendLog(ctx, id, models.LogLevelInfo, fmt.Sprintf("Task created as retry of %s.", retryOf))
	} else {
		s.store.AppendLog(ctx, id, models.LogLevelInfo, "Task received and created in DB.")
	}
	s.events.PublishTask(models.NewStatusEvent(id, models.TaskStatusPending, fmt.Sprintf("Task %s created and queued", id)))

	args := models.RunTaskArgs{TaskID: id, GeneralTaskRequest: *req}
	err = s.queue.Enqueue(ctx, s.opts.JobName, id, args)
	if errors.Is(err, queue.ErrJobExists) {
		log.Warn("Job already queued or running, enqueue skipped")
		err = nil
	}
	if err != nil {
		s.rollbackSubmission(ctx, id, err)
		return apperror.Dependency(op, "failed to enqueue task", err)
	}

	s.store.AppendLog(ctx, id, models.LogLevelInfo, fmt.Sprintf("Task enqueued for worker processing (Job ID: %s).", id))
	log.Info("Task submitted and enqueued")
	return nil
}

// rollbackSubmission 将未能入队的任务标记为 FAILED。
// 请求可能已被取消，回滚使用独立于请求的 context。
func (s *TaskService) rollbackSubmission(ctx context.Context, id string, cause error) {
	ctx = context.WithoutCancel(ctx)
	log := s.logger.WithTask(id).WithError(models.ErrorInfo{Message: cause.Error(), Type: "enqueue_error"})
	log.Error("Failed to enqueue task, marking as FAILED")

	details := "API submission error: " + cause.Error()
	if _, err := s.store.UpdateStatus(ctx, id, models.TaskStatusFailed, []models.TaskStatus{models.TaskStatusPending}, storeFields(details)); err != nil {
		s.logger.WithTask(id).WithError(models.ErrorInfo{Message: err.Error()}).Error("Failed to mark task as FAILED after submission error")
	}
	s.store.AppendLog(ctx, id, models.LogLevelError, fmt.Sprintf("Task submission failed: %s. Marked as FAILED.", cause.Error()))
	s.events.PublishTask(models.NewStatusEvent(id, models.TaskStatusFailed, fmt.Sprintf("Task %s submission failed: %s", id, cause.Error())))
}
