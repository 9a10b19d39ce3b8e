package models

import (
	"fmt"
	"strings"
	"time"

	"gorm.io/datatypes"
)

// TaskStatus 定义了任务的几种可能状态
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "PENDING"
	TaskStatusRunning   TaskStatus = "RUNNING"
	TaskStatusCompleted TaskStatus = "COMPLETED"
	TaskStatusFailed    TaskStatus = "FAILED"
	TaskStatusCancelled TaskStatus = "CANCELLED"
)

// TaskTypeGeneralAgent 是通过 API 提交的浏览器代理任务的类型标签。
const TaskTypeGeneralAgent = "general_agent_task"

// AllTaskStatuses 按生命周期顺序列出全部状态。
var AllTaskStatuses = []TaskStatus{
	TaskStatusPending,
	TaskStatusRunning,
	TaskStatusCompleted,
	TaskStatusFailed,
	TaskStatusCancelled,
}

// 状态机允许的边，其他任何转换都会被拒绝。
var allowedTransitions = map[TaskStatus][]TaskStatus{
	TaskStatusPending: {TaskStatusRunning, TaskStatusCancelled, TaskStatusFailed},
	TaskStatusRunning: {TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled},
}

// IsTerminal 判断状态是否为终态
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled:
		return true
	}
	return false
}

// Valid 判断是否为已知状态
func (s TaskStatus) Valid() bool {
	for _, st := range AllTaskStatuses {
		if st == s {
			return true
		}
	}
	return false
}

// EventName 返回事件里使用的小写形式。
func (s TaskStatus) EventName() string {
	return strings.ToLower(string(s))
}

// ParseTaskStatus 不区分大小写地解析状态字符串。
func ParseTaskStatus(raw string) (TaskStatus, bool) {
	s := TaskStatus(strings.ToUpper(strings.TrimSpace(raw)))
	return s, s.Valid()
}

// CanTransition 判断 from -> to 是否是状态机中的合法边。
// PENDING -> FAILED 仅用于入队失败时的回滚。
func CanTransition(from, to TaskStatus) bool {
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Task 代表一个持久化的浏览器代理任务记录
type Task struct {
	ID           string         `gorm:"primaryKey;type:varchar(64)" bson:"_id" json:"id"`
	TaskType     string         `gorm:"type:varchar(64);not null;index" bson:"task_type" json:"task_type"`
	Status       TaskStatus     `gorm:"type:varchar(16);not null;index" bson:"status" json:"status"`
	CreatedAt    time.Time      `gorm:"not null;index" bson:"created_at" json:"created_at"`
	StartedAt    *time.Time     `bson:"started_at,omitempty" json:"started_at"`
	CompletedAt  *time.Time     `bson:"completed_at,omitempty" json:"completed_at"`
	InputData    datatypes.JSON `bson:"input_data" json:"input_data"`
	ResultData   datatypes.JSON `bson:"result_data,omitempty" json:"result_data"`
	ErrorDetails *string        `gorm:"type:text" bson:"error_details,omitempty" json:"error_details"`
	RetryOf      *string        `gorm:"type:varchar(64);index" bson:"retry_of,omitempty" json:"retry_of,omitempty"`
	LogSeq       int64          `gorm:"not null;default:0" bson:"log_seq" json:"-"`

	// Logs 只在详情接口中填充，不参与持久化
	Logs []TaskLog `gorm:"-" bson:"-" json:"logs,omitempty"`
}

// TableName 指定 GORM 表名
func (Task) TableName() string {
	return "tasks"
}

// CheckInvariants 校验时间戳与结果字段的不变式。
func (t *Task) CheckInvariants() error {
	if !t.Status.Valid() {
		return fmt.Errorf("task %s: unknown status %q", t.ID, t.Status)
	}
	if (t.StartedAt != nil) != (t.Status != TaskStatusPending) {
		return fmt.Errorf("task %s: started_at presence does not match status %s", t.ID, t.Status)
	}
	if (t.CompletedAt != nil) != t.Status.IsTerminal() {
		return fmt.Errorf("task %s: completed_at presence does not match status %s", t.ID, t.Status)
	}
	if t.StartedAt != nil && t.StartedAt.Before(t.CreatedAt) {
		return fmt.Errorf("task %s: started_at before created_at", t.ID)
	}
	if t.CompletedAt != nil {
		if t.CompletedAt.Before(*t.StartedAt) {
			return fmt.Errorf("task %s: completed_at out of order", t.ID)
		}
	}
	if t.Status == TaskStatusCompleted && t.ErrorDetails != nil {
		return fmt.Errorf("task %s: completed task carries error_details", t.ID)
	}
	if (t.Status == TaskStatusFailed || t.Status == TaskStatusCancelled) && len(t.ResultData) > 0 {
		return fmt.Errorf("task %s: %s task carries result_data", t.ID, t.Status)
	}
	return nil
}

// TaskSummary 是列表接口返回的精简视图。
type TaskSummary struct {
	ID          string     `json:"id"`
	TaskType    string     `json:"task_type"`
	Status      TaskStatus `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at"`
	RetryOf     *string    `json:"retry_of,omitempty"`
}

// Summary 生成任务摘要
func (t *Task) Summary() TaskSummary {
	return TaskSummary{
		ID:          t.ID,
		TaskType:    t.TaskType,
		Status:      t.Status,
		CreatedAt:   t.CreatedAt,
		StartedAt:   t.StartedAt,
		CompletedAt: t.CompletedAt,
		RetryOf:     t.RetryOf,
	}
}

// TaskStats 按状态统计任务数量，额外包含 TOTAL。
type TaskStats map[string]int64

// NewTaskStats 返回所有状态计数为零的统计。
func NewTaskStats() TaskStats {
	stats := TaskStats{"TOTAL": 0}
	for _, s := range AllTaskStatuses {
		stats[string(s)] = 0
	}
	return stats
}

// Add 累加某个状态的数量
func (s TaskStats) Add(status TaskStatus, n int64) {
	s[string(status)] += n
	s["TOTAL"] += n
}
