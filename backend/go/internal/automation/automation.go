// Package automation 定义了 worker 调用的浏览器自动化能力。
// 自动化逻辑本身运行在外部服务中，这里只有客户端、凭据轮换与结果规范化。
package automation

import (
	"context"
	"encoding/json"
	"fmt"
)

// Request 是一次自动化运行的输入。
type Request struct {
	TaskID       string                 `json:"task_id"`
	Instructions string                 `json:"instructions"`
	ContextURLs  []string               `json:"context_urls,omitempty"`
	Config       map[string]interface{} `json:"config,omitempty"`
	MaxSteps     int                    `json:"max_steps"`
}

// Result 是一次运行的结果。Succeeded 为 false 时 Error 描述失败原因。
// Session 标识需要清理的浏览器会话，可能为空。
type Result struct {
	Succeeded bool
	Output    interface{}
	Error     string
	Session   string
}

// Capability 是 worker 依赖的自动化能力。
// Execute 必须响应 ctx 的取消；Cleanup 在每次执行后都会被调用。
type Capability interface {
	Execute(ctx context.Context, req Request) (Result, error)
	Cleanup(ctx context.Context, session string) error
}

// Normalize 将输出转换为可以写入 result_data 的 JSON。
// 无法序列化时返回占位对象和 false。
func Normalize(output interface{}) (json.RawMessage, bool) {
	if raw, ok := output.(json.RawMessage); ok && json.Valid(raw) {
		return raw, true
	}
	data, err := json.Marshal(output)
	if err == nil {
		return data, true
	}
	placeholder, _ := json.Marshal(map[string]interface{}{
		"status":          "COMPLETED",
		"error":           nil,
		"raw_output_type": fmt.Sprintf("%T", output),
	})
	return placeholder, false
}
