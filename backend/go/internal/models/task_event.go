package models

import "unicode/utf8"

// EventType 是推送给订阅者的事件类型。
type EventType string

const (
	EventTaskStatus    EventType = "task_status"
	EventTaskResult    EventType = "task_result"
	EventTaskError     EventType = "task_error"
	EventAgentThought  EventType = "agent_thought"
	EventSystemMessage EventType = "system_message"
)

// TaskEvent 是 WebSocket 与 Kafka 上传输的事件格式。
type TaskEvent struct {
	Type    EventType `json:"type"`
	TaskID  string    `json:"task_id,omitempty"`
	Status  string    `json:"status,omitempty"`
	Content string    `json:"content,omitempty"`
}

// NewStatusEvent 构造 task_status 事件
func NewStatusEvent(taskID string, status TaskStatus, content string) TaskEvent {
	return TaskEvent{Type: EventTaskStatus, TaskID: taskID, Status: status.EventName(), Content: content}
}

// NewResultEvent 构造 task_result 事件
func NewResultEvent(taskID string, status TaskStatus, content string) TaskEvent {
	return TaskEvent{Type: EventTaskResult, TaskID: taskID, Status: status.EventName(), Content: content}
}

// Truncate 按字符截断事件内容，不会切开多字节字符。
func Truncate(s string, n int) string {
	if n < 0 || utf8.RuneCountInString(s) <= n {
		return s
	}
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}

// NewSystemMessage 构造不属于任何任务的系统消息
func NewSystemMessage(content string) TaskEvent {
	return TaskEvent{Type: EventSystemMessage, Content: content}
}

// JobStatus 是队列对某个 job 的视图，只作参考，不代表任务的真实状态。
type JobStatus string

const (
	JobStatusQueued   JobStatus = "queued"
	JobStatusRunning  JobStatus = "running"
	JobStatusFinished JobStatus = "finished"
	JobStatusMissing  JobStatus = "missing"
)

// InFlight 判断 job 是否仍在排队或执行
func (s JobStatus) InFlight() bool {
	return s == JobStatusQueued || s == JobStatusRunning
}
