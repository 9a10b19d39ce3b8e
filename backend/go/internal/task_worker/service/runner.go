package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"BrowserAgent/backend/go/internal/artifacts"
	"BrowserAgent/backend/go/internal/automation"
	"BrowserAgent/backend/go/internal/models"
	"BrowserAgent/backend/go/internal/queue"
	"BrowserAgent/backend/go/internal/store"
	"BrowserAgent/backend/go/internal/task_worker/publisher"
	"BrowserAgent/backend/go/pkg/logger"
)

// Options 配置 Runner。
type Options struct {
	MaxSteps       int           // agent_config 未指定 max_steps 时使用
	CleanupTimeout time.Duration // 清理浏览器会话的独立超时
}

// Runner 执行 run_task job：驱动任务从 PENDING 经 RUNNING 到终态。
type Runner struct {
	stores     store.Provider
	automation automation.Capability
	offloader  *artifacts.Offloader
	events     publisher.Publisher
	logger     *logger.Logger
	opts       Options
}

// NewRunner creates a new Runner. offloader 可以为 nil，此时结果全部内联保存。
func NewRunner(stores store.Provider, capability automation.Capability, offloader *artifacts.Offloader, events publisher.Publisher, opts Options, log *logger.Logger) *Runner {
	if opts.MaxSteps <= 0 {
		opts.MaxSteps = 50
	}
	if opts.CleanupTimeout <= 0 {
		opts.CleanupTimeout = 30 * time.Second
	}
	return &Runner{
		stores:     stores,
		automation: capability,
		offloader:  offloader,
		events:     events,
		logger:     log,
		opts:       opts,
	}
}

// run 是一次执行的上下文
type run struct {
	*Runner
	st      store.TaskStore
	taskID  string
	jobID   string
	log     *logger.Logger
	started bool
	session string
}

// Handle 是注册到 queue.Pool 的 handler。
// 只有在任务进入 RUNNING 之前的存储故障才返回错误，交给队列重试。
func (r *Runner) Handle(ctx context.Context, job *queue.Job) error {
	var args models.RunTaskArgs
	if err := json.Unmarshal(job.Args, &args); err != nil {
		r.logger.WithTask(job.ID).WithError(models.ErrorInfo{Message: err.Error()}).Error("Cannot decode job arguments")
		return nil
	}
	if args.TaskID == "" {
		args.TaskID = job.ID
	}
	log := r.logger.WithTask(args.TaskID).WithPayload(map[string]interface{}{"job_id": job.ID, "try": job.Tries})
	started := time.Now()

	handle, err := r.stores.Acquire(ctx)
	if err != nil {
		log.WithError(models.ErrorInfo{Message: err.Error()}).Error("Failed to acquire task store at task start")
		return fmt.Errorf("acquire store for task %s: %w", args.TaskID, err)
	}
	x := &run{Runner: r, st: handle, taskID: args.TaskID, jobID: job.ID, log: log}
	defer func() {
		if x.started {
			x.cleanup()
		}
		if err := handle.Release(); err != nil {
			log.WithError(models.ErrorInfo{Message: err.Error()}).Warn("Failed to release task store")
		}
		log.WithPayload(map[string]interface{}{"duration_ms": time.Since(started).Milliseconds()}).Info("Job processing finished")
	}()

	log.Info("Worker picked up task")
	x.st.AppendLog(ctx, x.taskID, models.LogLevelInfo, fmt.Sprintf("Worker picked up task. Job ID: %s.", job.ID))
	ok, err := x.st.UpdateStatus(ctx, x.taskID, models.TaskStatusRunning, []models.TaskStatus{models.TaskStatusPending}, store.StatusFields{})
	if err != nil {
		log.WithError(models.ErrorInfo{Message: err.Error()}).Error("Failed to mark task as RUNNING")
		return fmt.Errorf("start task %s: %w", x.taskID, err)
	}
	if !ok {
		if job.Tries > 1 {
			x.recoverLost(ctx, job.Tries)
			return nil
		}
		log.Warn("Task is no longer PENDING, skipping execution")
		return nil
	}
	r.events.PublishTask(models.NewStatusEvent(x.taskID, models.TaskStatusRunning, fmt.Sprintf("Task %s started", x.taskID)))

	x.execute(ctx, &args.GeneralTaskRequest)
	return nil
}

// execute 调用自动化能力并把结果映射为终态，panic 被视为严重错误。
func (x *run) execute(ctx context.Context, req *models.GeneralTaskRequest) {
	defer func() {
		if p := recover(); p != nil {
			x.critical(ctx, fmt.Errorf("panic: %v", p))
		}
	}()
	x.started = true

	maxSteps, ok := req.MaxSteps()
	if !ok {
		maxSteps = x.opts.MaxSteps
	}
	x.events.PublishTask(models.TaskEvent{Type: models.EventAgentThought, TaskID: x.taskID, Content: "Starting task: " + models.Truncate(req.TaskInstructions, 70) + "..."})
	x.st.AppendLog(ctx, x.taskID, models.LogLevelInfo, fmt.Sprintf("Running browser automation with max_steps=%d.", maxSteps))

	runStarted := time.Now()
	result, err := x.automation.Execute(ctx, automation.Request{
		TaskID:       x.taskID,
		Instructions: req.TaskInstructions,
		ContextURLs:  req.ContextURLs,
		Config:       req.AgentConfig,
		MaxSteps:     maxSteps,
	})
	x.session = result.Session

	if queue.IsAborted(ctx) {
		x.cancelled(ctx)
		return
	}
	if err != nil {
		x.critical(ctx, err)
		return
	}
	x.st.AppendLog(ctx, x.taskID, models.LogLevelInfo, fmt.Sprintf("Automation run finished in %.2fs.", time.Since(runStarted).Seconds()))

	if !result.Succeeded {
		x.failed(ctx, result.Error)
		return
	}
	x.completed(ctx, result.Output)
}

// terminalCtx 让终态写入不受 job 取消或超时影响
func terminalCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
}

func (x *run) completed(ctx context.Context, output interface{}) {
	ctx, cancel := terminalCtx(ctx)
	defer cancel()

	data, serializable := automation.Normalize(output)
	if !serializable {
		x.log.WithPayload(map[string]interface{}{"type": fmt.Sprintf("%T", output)}).Warn("Final result not JSON serializable, storing placeholder")
	}
	data, err := x.offloader.Offload(ctx, x.taskID, data)
	if err != nil {
		x.critical(ctx, err)
		return
	}

	ok, err := x.st.UpdateStatus(ctx, x.taskID, models.TaskStatusCompleted, []models.TaskStatus{models.TaskStatusRunning}, store.StatusFields{ResultData: data})
	if err != nil {
		x.log.WithError(models.ErrorInfo{Message: err.Error()}).Error("Failed to record task as COMPLETED")
		return
	}
	if !ok {
		return
	}
	x.st.AppendLog(ctx, x.taskID, models.LogLevelInfo, "Task recorded as COMPLETED.")
	x.events.PublishTask(models.NewResultEvent(x.taskID, models.TaskStatusCompleted, "Task completed."))
	x.log.Info("Task completed")
}

func (x *run) failed(ctx context.Context, reason string) {
	ctx, cancel := terminalCtx(ctx)
	defer cancel()

	ok, err := x.st.UpdateStatus(ctx, x.taskID, models.TaskStatusFailed, []models.TaskStatus{models.TaskStatusRunning}, store.StatusFields{ErrorDetails: reason})
	if err != nil {
		x.log.WithError(models.ErrorInfo{Message: err.Error()}).Error("Failed to record task as FAILED")
		return
	}
	if !ok {
		return
	}
	x.st.AppendLog(ctx, x.taskID, models.LogLevelError, "Task recorded as FAILED. Error: "+reason)
	x.events.PublishTask(models.NewResultEvent(x.taskID, models.TaskStatusFailed, "Task failed: "+reason))
	x.log.WithPayload(map[string]interface{}{"error_details": reason}).Warn("Task failed")
}

func (x *run) cancelled(ctx context.Context) {
	ctx, cancel := terminalCtx(ctx)
	defer cancel()

	x.log.Warn("Task cancelled by abort signal")
	ok, err := x.st.UpdateStatus(ctx, x.taskID, models.TaskStatusCancelled, []models.TaskStatus{models.TaskStatusRunning}, store.StatusFields{ErrorDetails: "Task cancelled by worker/system."})
	if err != nil {
		x.log.WithError(models.ErrorInfo{Message: err.Error()}).Error("Failed to record task as CANCELLED")
		return
	}
	if !ok {
		return
	}
	x.st.AppendLog(ctx, x.taskID, models.LogLevelWarning, "Task marked as CANCELLED.")
	x.events.PublishTask(models.NewStatusEvent(x.taskID, models.TaskStatusCancelled, "Task was cancelled."))
}

func (x *run) critical(ctx context.Context, cause error) {
	ctx, cancel := terminalCtx(ctx)
	defer cancel()

	details := "Critical worker task error: " + cause.Error()
	x.log.WithError(models.ErrorInfo{Message: cause.Error(), Type: fmt.Sprintf("%T", cause)}).Error("Critical worker task error")
	ok, err := x.st.UpdateStatus(ctx, x.taskID, models.TaskStatusFailed, []models.TaskStatus{models.TaskStatusRunning}, store.StatusFields{ErrorDetails: details})
	if err != nil {
		x.log.WithError(models.ErrorInfo{Message: err.Error()}).Error("Failed to update task status to FAILED after critical error")
		return
	}
	if !ok {
		return
	}
	x.st.AppendLog(ctx, x.taskID, models.LogLevelCritical, details)
	x.events.PublishTask(models.TaskEvent{Type: models.EventTaskError, TaskID: x.taskID, Status: models.TaskStatusFailed.EventName(), Content: "Task failed critically: " + models.Truncate(details, 100) + "..."})
}

// recoverLost 处理重新投递的 job：任务仍是 RUNNING 说明上一次执行的 worker 已经丢失
// (租约过期后被队列收回)。不重跑自动化，直接记为 FAILED，用户可以重试。
func (x *run) recoverLost(ctx context.Context, try int) {
	task, err := x.st.Get(ctx, x.taskID)
	if err != nil {
		x.log.WithError(models.ErrorInfo{Message: err.Error()}).Warn("Cannot load redelivered task, skipping execution")
		return
	}
	if task.Status != models.TaskStatusRunning {
		x.log.WithPayload(map[string]interface{}{"status": task.Status}).Warn("Task is no longer PENDING, skipping execution")
		return
	}
	x.log.Error("Redelivered task is still RUNNING, previous worker was lost")
	// 上一次执行可能留下了浏览器会话
	x.started = true
	x.failed(ctx, fmt.Sprintf("Worker lost during execution; job redelivered on attempt %d.", try))
}

// cleanup 释放浏览器会话。没有会话 id 时按任务 id 清理，错误只记录。
func (x *run) cleanup() {
	session := x.session
	if session == "" {
		session = x.taskID
	}
	ctx, cancel := context.WithTimeout(context.Background(), x.opts.CleanupTimeout)
	defer cancel()
	defer func() {
		if p := recover(); p != nil {
			x.log.WithError(models.ErrorInfo{Message: fmt.Sprint(p)}).Error("Browser session cleanup panicked")
		}
	}()
	if err := x.automation.Cleanup(ctx, session); err != nil {
		x.log.WithError(models.ErrorInfo{Message: err.Error()}).Warn("Error during browser session cleanup")
	}
}
