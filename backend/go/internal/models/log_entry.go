package models

// LogEntry 描述 pkg/logger 输出的每一行 JSON 日志的字段。
// 调度服务与 worker 写出同一格式，按 task_id 即可串起一个任务在两个进程中的日志。
type LogEntry struct {
	// ServiceName 是产生日志的进程，例如 "DispatchService"、"TaskWorker"
	ServiceName string `json:"service_name"`

	// TraceID 串联同一次 HTTP 请求产生的日志
	TraceID string `json:"trace_id,omitempty"`

	// WorkerID 标识执行任务的 worker 实例，只在 worker 侧填充
	WorkerID string `json:"worker_id,omitempty"`

	// TaskID 是日志相关的任务
	TaskID string `json:"task_id,omitempty"`

	RequestInfo *RequestInfo `json:"request_info,omitempty"`

	// Error 在 Warn 及以上级别时填充
	Error *ErrorInfo `json:"error,omitempty"`

	Payload map[string]interface{} `json:"payload,omitempty"`
}

// RequestInfo 是 RequestLogger 记录的 HTTP 请求信息。
type RequestInfo struct {
	Method     string `json:"method"`
	Path       string `json:"path"`
	RemoteAddr string `json:"remote_addr"`
	UserAgent  string `json:"user_agent"`
}

// ErrorInfo 存储了关于错误的结构化信息。
type ErrorInfo struct {
	Message    string `json:"message"`
	Stack      string `json:"stack,omitempty"`
	Type       string `json:"type,omitempty"`        // apperror 的 Kind，例如 "dependency"、"conflict"
	StatusCode int    `json:"status_code,omitempty"` // 相关的HTTP状态码
}
