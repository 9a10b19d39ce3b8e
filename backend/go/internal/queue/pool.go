package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"BrowserAgent/backend/go/internal/models"
	"BrowserAgent/backend/go/pkg/logger"
)

// Handler 执行一个 job。ctx 在超时或中止时被取消，可用 IsAborted 区分。
type Handler func(ctx context.Context, job *Job) error

// PoolOptions 控制 worker 池的行为。
type PoolOptions struct {
	WorkerID          string
	MaxJobs           int
	JobTimeout        time.Duration
	AbortPollInterval time.Duration
	MaxTries          int
	// PollTimeout 是一次 Dequeue 的最长阻塞时间
	PollTimeout time.Duration
	// LeaseRefreshInterval 是续期领取租约的间隔，Source 实现 LeaseExtender 时生效
	LeaseRefreshInterval time.Duration
}

func (o *PoolOptions) applyDefaults() {
	if o.MaxJobs < 1 {
		o.MaxJobs = 1
	}
	if o.JobTimeout <= 0 {
		o.JobTimeout = 30 * time.Minute
	}
	if o.AbortPollInterval <= 0 {
		o.AbortPollInterval = 500 * time.Millisecond
	}
	if o.MaxTries < 1 {
		o.MaxTries = 1
	}
	if o.PollTimeout <= 0 {
		o.PollTimeout = time.Second
	}
	if o.LeaseRefreshInterval <= 0 {
		o.LeaseRefreshInterval = 20 * time.Second
	}
}

// Pool 从 Source 拉取 job 并以最多 MaxJobs 的并发执行。
type Pool struct {
	source   Source
	opts     PoolOptions
	logger   *logger.Logger
	handlers map[string]Handler
	wg       sync.WaitGroup
}

func NewPool(source Source, opts PoolOptions, log *logger.Logger) *Pool {
	opts.applyDefaults()
	return &Pool{source: source, opts: opts, logger: log, handlers: make(map[string]Handler)}
}

// Register 绑定 job 名称与处理函数，需在 Run 之前调用。
func (p *Pool) Register(name string, h Handler) {
	p.handlers[name] = h
}

// Run 阻塞直到 ctx 结束，返回前等待所有执行中的 job 完成。
func (p *Pool) Run(ctx context.Context) error {
	p.logger.WithPayload(map[string]interface{}{
		"worker_id": p.opts.WorkerID,
		"max_jobs":  p.opts.MaxJobs,
	}).Info("Worker pool started")

	slots := make(chan struct{}, p.opts.MaxJobs)
	defer func() {
		p.wg.Wait()
		p.logger.Info("Worker pool stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case slots <- struct{}{}:
		}

		job, err := p.source.Dequeue(ctx, p.opts.WorkerID, p.opts.PollTimeout)
		if err != nil {
			<-slots
			if ctx.Err() != nil {
				return nil
			}
			p.logger.WithError(models.ErrorInfo{Message: err.Error()}).Error("Error dequeuing job")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(p.opts.PollTimeout):
			}
			continue
		}
		if job == nil {
			<-slots
			continue
		}

		p.wg.Add(1)
		go func() {
			defer func() {
				<-slots
				p.wg.Done()
			}()
			// job 不继承 ctx 的取消，停止时让执行中的 job 跑完
			p.process(context.WithoutCancel(ctx), job)
		}()
	}
}

func (p *Pool) process(ctx context.Context, job *Job) {
	log := p.logger.WithTask(job.ID).WithPayload(map[string]interface{}{
		"job_name": job.Name,
		"try":      job.Tries,
	})

	handler, ok := p.handlers[job.Name]
	if !ok {
		log.Error("No handler registered for job")
		p.finish(log, job, false)
		return
	}

	jobCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	jobCtx, cancelTimeout := context.WithTimeout(jobCtx, p.opts.JobTimeout)
	defer cancelTimeout()

	watchDone := make(chan struct{})
	go p.watchAbort(jobCtx, job.ID, cancel, watchDone)
	if ext, ok := p.source.(LeaseExtender); ok {
		go p.keepLease(ctx, ext, job.ID, watchDone)
	}

	err := p.invoke(jobCtx, handler, job)
	close(watchDone)

	aborted := IsAborted(jobCtx)
	retry := err != nil && !aborted && job.Tries < p.opts.MaxTries
	if err != nil {
		log.WithError(models.ErrorInfo{Message: err.Error()}).WithPayload(map[string]interface{}{
			"aborted": aborted,
			"retry":   retry,
		}).Warn("Job finished with error")
	}
	p.finish(log, job, retry)
}

func (p *Pool) finish(log *logger.Logger, job *Job, retry bool) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := p.source.Finish(ctx, job, retry)
	if errors.Is(err, ErrLeaseLost) {
		log.Warn("Job lease was reclaimed before finish, outcome left to redelivery")
		return
	}
	if err != nil {
		log.WithError(models.ErrorInfo{Message: err.Error()}).Error("Failed to finish job")
	}
}

// invoke 执行 handler，将 panic 转换为错误。
func (p *Pool) invoke(ctx context.Context, h Handler, job *Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job panicked: %v", r)
		}
	}()
	return h(ctx, job)
}

// watchAbort 定期检查中止标记，发现后以 ErrJobAborted 取消 job。
func (p *Pool) watchAbort(ctx context.Context, jobID string, cancel context.CancelCauseFunc, done <-chan struct{}) {
	ticker := time.NewTicker(p.opts.AbortPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			aborted, err := p.source.AbortRequested(ctx, jobID)
			if err != nil {
				if !errors.Is(err, context.Canceled) {
					p.logger.WithTask(jobID).WithError(models.ErrorInfo{Message: err.Error()}).Warn("Failed to check abort flag")
				}
				continue
			}
			if aborted {
				p.logger.WithTask(jobID).Info("Abort requested, cancelling job")
				cancel(ErrJobAborted)
				return
			}
		}
	}
}

// keepLease 定期续期租约直到 job 结束。续期失败只记录，不中断 job。
func (p *Pool) keepLease(ctx context.Context, ext LeaseExtender, jobID string, done <-chan struct{}) {
	ticker := time.NewTicker(p.opts.LeaseRefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			ok, err := ext.ExtendLease(ctx, jobID)
			if err != nil {
				p.logger.WithTask(jobID).WithError(models.ErrorInfo{Message: err.Error()}).Warn("Failed to extend job lease")
				continue
			}
			if !ok {
				p.logger.WithTask(jobID).Warn("Job lease already expired, job may be redelivered")
			}
		}
	}
}
