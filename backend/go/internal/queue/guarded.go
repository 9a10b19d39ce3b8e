package queue

import (
	"context"
	"errors"
	"time"

	"BrowserAgent/backend/go/internal/models"
	"BrowserAgent/backend/go/pkg/circuitbreaker"
	"BrowserAgent/backend/go/pkg/logger"
)

// Guarded 用熔断器包装 Queue。队列持续不可用时快速失败，
// 返回 circuitbreaker.ErrCircuitOpen 而不是等待网络超时。
type Guarded struct {
	inner   Queue
	breaker circuitbreaker.CircuitBreaker
}

// NewGuarded 创建带熔断的队列。ErrJobExists 不计为失败。
func NewGuarded(inner Queue, failureThreshold, successThreshold uint32, timeout time.Duration, log *logger.Logger) *Guarded {
	cb := circuitbreaker.New(failureThreshold, successThreshold, timeout,
		circuitbreaker.WithIsFailure(func(err error) bool {
			return !errors.Is(err, ErrJobExists)
		}),
		circuitbreaker.WithOnStateChange(func(from, to circuitbreaker.State) {
			log.WithPayload(map[string]interface{}{
				"from": from.String(),
				"to":   to.String(),
			}).Warn("Queue circuit breaker changed state")
		}),
	)
	return &Guarded{inner: inner, breaker: cb}
}

func (g *Guarded) Enqueue(ctx context.Context, jobName, jobID string, args interface{}) error {
	_, err := g.breaker.Execute(func() (interface{}, error) {
		return nil, g.inner.Enqueue(ctx, jobName, jobID, args)
	})
	return err
}

func (g *Guarded) JobStatus(ctx context.Context, jobID string) (models.JobStatus, error) {
	res, err := g.breaker.Execute(func() (interface{}, error) {
		return g.inner.JobStatus(ctx, jobID)
	})
	if err != nil {
		return "", err
	}
	return res.(models.JobStatus), nil
}

func (g *Guarded) RequestAbort(ctx context.Context, jobID string, timeout time.Duration) (bool, error) {
	res, err := g.breaker.Execute(func() (interface{}, error) {
		return g.inner.RequestAbort(ctx, jobID, timeout)
	})
	if err != nil {
		return false, err
	}
	return res.(bool), nil
}

// State 返回熔断器当前状态，供健康检查使用。
func (g *Guarded) State() circuitbreaker.State {
	return g.breaker.State()
}
