package automation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	httpclient "BrowserAgent/backend/go/pkg/http"
)

type runResponse struct {
	SessionID string          `json:"session_id"`
	Status    string          `json:"status"`
	Output    json.RawMessage `json:"output"`
	Error     string          `json:"error"`
}

type errorResponse struct {
	Code    string `json:"error_code"`
	Message string `json:"message"`
}

// HTTPRunner 调用外部自动化服务：POST {base}/v1/runs 执行，DELETE {base}/v1/sessions/{id} 清理。
type HTTPRunner struct {
	baseURL  string
	client   *httpclient.Client
	rotation *RotationPolicy
}

// NewHTTPRunner 创建一个运行器。client 负责超时与熔断。
func NewHTTPRunner(baseURL string, client *httpclient.Client, rotation *RotationPolicy) *HTTPRunner {
	if rotation == nil {
		rotation = NewRotationPolicy(nil)
	}
	return &HTTPRunner{baseURL: strings.TrimRight(baseURL, "/"), client: client, rotation: rotation}
}

func (r *HTTPRunner) Execute(ctx context.Context, req Request) (Result, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return Result{}, fmt.Errorf("encode run request: %w", err)
	}

	var resp runResponse
	err = r.rotation.Do(ctx, func(ctx context.Context, key string) error {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/v1/runs", bytes.NewReader(body))
		if err != nil {
			return err
		}
		httpReq.Header.Set("Content-Type", "application/json")
		if key != "" {
			httpReq.Header.Set("Authorization", "Bearer "+key)
		}
		return r.send(httpReq, &resp)
	})
	if err != nil {
		return Result{}, err
	}

	res := Result{
		Succeeded: strings.EqualFold(resp.Status, "COMPLETED"),
		Error:     resp.Error,
		Session:   resp.SessionID,
	}
	output := map[string]interface{}{"final_output": resp.Output}
	if len(resp.Output) == 0 {
		output["final_output"] = "No output."
	}
	if resp.Error != "" {
		output["error_details"] = resp.Error
	}
	res.Output = output
	if !res.Succeeded && res.Error == "" {
		res.Error = fmt.Sprintf("automation run ended with status %s", resp.Status)
	}
	return res, nil
}

func (r *HTTPRunner) Cleanup(ctx context.Context, session string) error {
	if session == "" {
		return nil
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodDelete, r.baseURL+"/v1/sessions/"+url.PathEscape(session), nil)
	if err != nil {
		return err
	}
	err = r.send(httpReq, nil)
	var re *RunnerError
	if errors.As(err, &re) && re.StatusCode == http.StatusNotFound {
		// 会话已被服务端回收
		return nil
	}
	return err
}

// send 执行请求，2xx 时把响应体解码到 out，4xx 转换为 *RunnerError。
func (r *HTTPRunner) send(req *http.Request, out interface{}) error {
	resp, err := r.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return fmt.Errorf("read runner response: %w", err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		var e errorResponse
		if json.Unmarshal(data, &e) != nil || e.Message == "" {
			e.Message = strings.TrimSpace(string(data))
		}
		return &RunnerError{StatusCode: resp.StatusCode, Code: e.Code, Message: e.Message}
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode runner response: %w", err)
	}
	return nil
}
