package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"BrowserAgent/backend/go/internal/models"
	"BrowserAgent/backend/go/pkg/apperror"
	"BrowserAgent/backend/go/pkg/logger"
)

// MemoryStore 是进程内的实现，语义与 SQL 实现一致，用于测试与本地调试。
type MemoryStore struct {
	mu     sync.Mutex
	tasks  map[string]*models.Task
	logs   map[string][]models.TaskLog
	logger *logger.Logger

	// failLogs 为 true 时 AppendLog 模拟写入失败
	failLogs bool
}

// NewMemoryStore 创建空的内存存储
func NewMemoryStore(log *logger.Logger) *MemoryStore {
	return &MemoryStore{
		tasks:  make(map[string]*models.Task),
		logs:   make(map[string][]models.TaskLog),
		logger: log,
	}
}

// FailLogWrites 让后续的 AppendLog 失败，用于验证日志失败不影响主流程。
func (s *MemoryStore) FailLogWrites(fail bool) {
	s.mu.Lock()
	s.failLogs = fail
	s.mu.Unlock()
}

func (s *MemoryStore) Create(ctx context.Context, id, taskType string, input []byte, retryOf string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tasks[id]; exists {
		return fmt.Errorf("memory store: task %s already exists", id)
	}
	task := &models.Task{
		ID:        id,
		TaskType:  taskType,
		Status:    models.TaskStatusPending,
		CreatedAt: now(),
		InputData: append([]byte(nil), input...),
	}
	if retryOf != "" {
		r := retryOf
		task.RetryOf = &r
	}
	s.tasks[id] = task
	return nil
}

func (s *MemoryStore) UpdateStatus(ctx context.Context, id string, status models.TaskStatus, expected []models.TaskStatus, fields StatusFields) (bool, error) {
	if err := checkTransition("memory.UpdateStatus", status, expected); err != nil {
		return false, err
	}
	s.mu.Lock()
	task, ok := s.tasks[id]
	if !ok || !containsStatus(expected, task.Status) {
		current := "task not found"
		if ok {
			current = string(task.Status)
		}
		s.mu.Unlock()
		warnZeroRows(s.logger, id, status, expected, current)
		return false, nil
	}
	applyStatus(task, status, fields)
	s.mu.Unlock()
	return true, nil
}

func (s *MemoryStore) SetResult(ctx context.Context, id string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[id]
	if !ok {
		return notFound("memory.SetResult", id)
	}
	if task.Status != models.TaskStatusCompleted {
		return apperror.Conflict("memory.SetResult", "result can only be set on a COMPLETED task, status is %s.", task.Status)
	}
	task.ResultData = append([]byte(nil), data...)
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*models.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[id]
	if !ok {
		return nil, notFound("memory.Get", id)
	}
	cp := copyTask(task)
	return &cp, nil
}

func (s *MemoryStore) List(ctx context.Context, limit, offset int) ([]models.Task, error) {
	return s.filter(SearchQuery{Limit: ClampLimit(limit, DefaultListLimit, MaxListLimit)}, clampOffset(offset)), nil
}

func (s *MemoryStore) Search(ctx context.Context, q SearchQuery) ([]models.Task, error) {
	q.Limit = ClampLimit(q.Limit, DefaultListLimit, MaxListLimit)
	return s.filter(q, 0), nil
}

func (s *MemoryStore) filter(q SearchQuery, offset int) []models.Task {
	s.mu.Lock()
	defer s.mu.Unlock()

	var since = now()
	if q.SinceDays > 0 {
		since = since.AddDate(0, 0, -q.SinceDays)
	}
	matched := make([]models.Task, 0, len(s.tasks))
	for _, task := range s.tasks {
		if q.Status != "" && task.Status != q.Status {
			continue
		}
		if q.TaskType != "" && task.TaskType != q.TaskType {
			continue
		}
		if q.SinceDays > 0 && task.CreatedAt.Before(since) {
			continue
		}
		matched = append(matched, copyTask(task))
	}
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].ID > matched[j].ID
		}
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})
	if offset >= len(matched) {
		return []models.Task{}
	}
	matched = matched[offset:]
	if len(matched) > q.Limit {
		matched = matched[:q.Limit]
	}
	return matched
}

func (s *MemoryStore) Stats(ctx context.Context) (models.TaskStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stats := models.NewTaskStats()
	for _, task := range s.tasks {
		stats.Add(task.Status, 1)
	}
	return stats, nil
}

func (s *MemoryStore) Delete(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[id]
	if !ok {
		return false, nil
	}
	if task.Status == models.TaskStatusRunning {
		return false, deleteRunning("memory.Delete")
	}
	delete(s.tasks, id)
	delete(s.logs, id)
	return true, nil
}

func (s *MemoryStore) AppendLog(ctx context.Context, id string, level models.LogLevel, message string) {
	s.mu.Lock()
	task, ok := s.tasks[id]
	var err error
	switch {
	case s.failLogs:
		err = fmt.Errorf("log storage unavailable")
	case !ok:
		err = fmt.Errorf("task %s not found", id)
	default:
		task.LogSeq++
		s.logs[id] = append(s.logs[id], models.TaskLog{
			TaskID:    id,
			Seq:       task.LogSeq,
			Timestamp: now(),
			Level:     models.NormalizeLogLevel(string(level)),
			Message:   message,
		})
	}
	s.mu.Unlock()
	if err != nil {
		reportLogFailure(s.logger, id, level, message, err)
	}
}

func (s *MemoryStore) Logs(ctx context.Context, id string, q LogQuery) ([]models.TaskLog, error) {
	level := parseLevelFilter(s.logger, id, q.Level)
	limit := ClampLimit(q.Limit, DefaultLogLimit, MaxLogLimit)

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[id]; !ok {
		return nil, notFound("memory.Logs", id)
	}
	out := make([]models.TaskLog, 0, len(s.logs[id]))
	for _, entry := range s.logs[id] {
		if level != "" && entry.Level != level {
			continue
		}
		out = append(out, entry)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

// MemoryProvider 让内存存储满足 Provider，句柄共享同一份数据。
type MemoryProvider struct {
	Store *MemoryStore

	mu       sync.Mutex
	acquired int
	released int
}

// NewMemoryProvider 包装一个内存存储
func NewMemoryProvider(s *MemoryStore) *MemoryProvider {
	return &MemoryProvider{Store: s}
}

func (p *MemoryProvider) Shared() TaskStore { return p.Store }

func (p *MemoryProvider) Acquire(ctx context.Context) (Handle, error) {
	p.mu.Lock()
	p.acquired++
	p.mu.Unlock()
	return &memoryHandle{MemoryStore: p.Store, provider: p}, nil
}

// Outstanding 返回尚未释放的句柄数量
func (p *MemoryProvider) Outstanding() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.acquired - p.released
}

func (p *MemoryProvider) HealthCheck(ctx context.Context) error { return nil }

func (p *MemoryProvider) Close() error { return nil }

type memoryHandle struct {
	*MemoryStore
	provider *MemoryProvider
	once     sync.Once
}

func (h *memoryHandle) Release() error {
	h.once.Do(func() {
		h.provider.mu.Lock()
		h.provider.released++
		h.provider.mu.Unlock()
	})
	return nil
}

func containsStatus(list []models.TaskStatus, s models.TaskStatus) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// applyStatus 在内存中执行一次状态转换并维护时间戳字段。
func applyStatus(task *models.Task, status models.TaskStatus, fields StatusFields) {
	ts := now()
	task.Status = status
	// 离开 PENDING 即视为开始，直接进入终态时 started_at 与 completed_at 相同
	if task.StartedAt == nil {
		task.StartedAt = &ts
	}
	if status.IsTerminal() {
		task.CompletedAt = &ts
	}
	switch status {
	case models.TaskStatusCompleted:
		task.ResultData = append([]byte(nil), fields.ResultData...)
		if len(task.ResultData) == 0 {
			task.ResultData = nil
		}
		task.ErrorDetails = nil
	case models.TaskStatusFailed, models.TaskStatusCancelled:
		details := fields.ErrorDetails
		task.ErrorDetails = &details
		task.ResultData = nil
	}
}

func copyTask(t *models.Task) models.Task {
	cp := *t
	cp.InputData = append([]byte(nil), t.InputData...)
	if t.ResultData != nil {
		cp.ResultData = append([]byte(nil), t.ResultData...)
	}
	if t.StartedAt != nil {
		v := *t.StartedAt
		cp.StartedAt = &v
	}
	if t.CompletedAt != nil {
		v := *t.CompletedAt
		cp.CompletedAt = &v
	}
	if t.ErrorDetails != nil {
		v := *t.ErrorDetails
		cp.ErrorDetails = &v
	}
	if t.RetryOf != nil {
		v := *t.RetryOf
		cp.RetryOf = &v
	}
	cp.Logs = nil
	return cp
}

func warnZeroRows(log *logger.Logger, id string, status models.TaskStatus, expected []models.TaskStatus, current string) {
	log.WithTask(id).WithPayload(map[string]interface{}{
		"new_status":      status,
		"expected_status": statusStrings(expected),
		"current_status":  current,
	}).Warn("Conditional status update affected zero rows")
}

func reportLogFailure(log *logger.Logger, id string, level models.LogLevel, message string, err error) {
	log.WithTask(id).WithError(models.ErrorInfo{Message: err.Error(), Type: "task_log_error"}).WithPayload(map[string]interface{}{
		"level":   level,
		"message": message,
	}).Error("Failed to append task log")
}

func parseLevelFilter(log *logger.Logger, id, raw string) models.LogLevel {
	if raw == "" {
		return ""
	}
	level, ok := models.ParseLogLevel(raw)
	if !ok {
		log.WithTask(id).WithPayload(map[string]interface{}{"level": raw}).Warn("Ignoring invalid log level filter")
		return ""
	}
	return level
}
