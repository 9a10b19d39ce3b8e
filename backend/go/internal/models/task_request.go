package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"unicode/utf8"
)

// MinInstructionLength 是 task_instructions 的最小字符数(按 rune 计，不去除空白)。
const MinInstructionLength = 10

// GeneralTaskRequest 是 general_agent_task 的输入结构，也是 input_data 的持久化格式。
type GeneralTaskRequest struct {
	TaskInstructions string                 `json:"task_instructions"`      // 交给浏览器代理的自然语言指令
	ContextURLs      []string               `json:"context_urls,omitempty"` // 可选的起始页面
	AgentConfig      map[string]interface{} `json:"agent_config,omitempty"` // 透传给自动化能力的配置，可含 max_steps
}

// ParseGeneralTaskRequest 解析并校验原始 JSON。
// 重试时用它重新校验已存储的 input_data。
func ParseGeneralTaskRequest(raw []byte) (*GeneralTaskRequest, error) {
	if len(raw) == 0 {
		return nil, errors.New("input data is empty")
	}
	var req GeneralTaskRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, fmt.Errorf("input data is not a valid task request: %w", err)
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	return &req, nil
}

// Validate 校验字段约束，返回的错误信息可以直接展示给客户端。
func (r *GeneralTaskRequest) Validate() error {
	var problems []string
	if utf8.RuneCountInString(r.TaskInstructions) < MinInstructionLength {
		problems = append(problems, fmt.Sprintf("task_instructions must be at least %d characters", MinInstructionLength))
	}
	for i, u := range r.ContextURLs {
		if !strings.HasPrefix(u, "http://") && !strings.HasPrefix(u, "https://") {
			problems = append(problems, fmt.Sprintf("context_urls[%d] must start with http:// or https://", i))
		}
	}
	if v, ok := r.AgentConfig["max_steps"]; ok {
		if _, err := positiveInt(v); err != nil {
			problems = append(problems, "agent_config.max_steps "+err.Error())
		}
	}
	if len(problems) > 0 {
		return errors.New(strings.Join(problems, "; "))
	}
	return nil
}

// MaxSteps 返回 agent_config 中的步数上限，未设置时 ok 为 false。
func (r *GeneralTaskRequest) MaxSteps() (int, bool) {
	v, ok := r.AgentConfig["max_steps"]
	if !ok {
		return 0, false
	}
	n, err := positiveInt(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

// Marshal 序列化为 input_data
func (r *GeneralTaskRequest) Marshal() ([]byte, error) {
	return json.Marshal(r)
}

func positiveInt(v interface{}) (int, error) {
	var f float64
	switch n := v.(type) {
	case float64:
		f = n
	case int:
		f = float64(n)
	case int64:
		f = float64(n)
	case json.Number:
		parsed, err := n.Float64()
		if err != nil {
			return 0, errors.New("must be a number")
		}
		f = parsed
	default:
		return 0, errors.New("must be a number")
	}
	if f != math.Trunc(f) || f <= 0 {
		return 0, errors.New("must be a positive integer")
	}
	return int(f), nil
}

// RunTaskArgs 是 run_task job 的参数，worker 据此执行任务。
type RunTaskArgs struct {
	TaskID string `json:"task_id"`
	GeneralTaskRequest
}
