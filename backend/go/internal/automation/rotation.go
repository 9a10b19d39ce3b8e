package automation

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
)

// 自动化服务返回的可轮换错误码
const (
	CodeQuotaExceeded = "quota_exceeded"
	CodeInvalidAPIKey = "invalid_api_key"
)

// RunnerError 是自动化服务以 4xx 拒绝请求时返回的错误。
type RunnerError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *RunnerError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("automation runner rejected request (%d %s): %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("automation runner rejected request (%d): %s", e.StatusCode, e.Message)
}

// RotationPolicy 按顺序轮换凭据。游标停留在最近一次成功的凭据上。
type RotationPolicy struct {
	mu     sync.Mutex
	keys   []string
	cursor int
}

func NewRotationPolicy(keys []string) *RotationPolicy {
	return &RotationPolicy{keys: append([]string(nil), keys...)}
}

// Len 返回凭据数量。
func (p *RotationPolicy) Len() int {
	return len(p.keys)
}

// Classify 判断错误是否应换下一个凭据重试。
func (p *RotationPolicy) Classify(err error) bool {
	var re *RunnerError
	if !errors.As(err, &re) {
		return false
	}
	switch re.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden, http.StatusTooManyRequests:
		return true
	}
	return re.Code == CodeQuotaExceeded || re.Code == CodeInvalidAPIKey
}

// Do 从当前游标开始依次用凭据调用 fn，最多尝试 len(keys) 次。
// 不可轮换的错误立即返回。没有配置凭据时以空字符串调用一次。
func (p *RotationPolicy) Do(ctx context.Context, fn func(ctx context.Context, key string) error) error {
	n := len(p.keys)
	if n == 0 {
		return fn(ctx, "")
	}

	p.mu.Lock()
	start := p.cursor
	p.mu.Unlock()

	var lastErr error
	for i := 0; i < n; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		idx := (start + i) % n
		err := fn(ctx, p.keys[idx])
		if err == nil {
			p.setCursor(idx)
			return nil
		}
		if !p.Classify(err) {
			return err
		}
		lastErr = err
		p.setCursor((idx + 1) % n)
	}
	return fmt.Errorf("all %d credentials were rejected: %w", n, lastErr)
}

func (p *RotationPolicy) setCursor(idx int) {
	p.mu.Lock()
	p.cursor = idx
	p.mu.Unlock()
}

// Cursor 返回下一次调用将首先使用的凭据下标。
func (p *RotationPolicy) Cursor() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cursor
}
