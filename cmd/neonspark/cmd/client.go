// Package cmd 提供 neonspark 命令行工具的所有子命令实现。
// 本文件实现 API 客户端，封装与网关 HTTP 接口的交互：
//   - 提交生成请求、查询单个请求和处理历史
//   - 取消请求
//   - 查询服务状态和健康检查
package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Client 是网关的 API 客户端
type Client struct {
	baseURL    string       // API 服务器的基础 URL
	httpClient *http.Client // HTTP 客户端，用于发送请求
}

// NewClient 创建客户端。
// 从 viper 配置中读取 api_url，未配置时使用 http://localhost:8000。
func NewClient() *Client {
	baseURL := strings.TrimRight(viper.GetString("api_url"), "/")
	if baseURL == "" {
		baseURL = "http://localhost:8000"
	}
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
	}
}

// ====== 接口模型 ======

// SubmitRequest 是提交生成请求的请求体
type SubmitRequest struct {
	Prompt     string                 `json:"prompt"`
	Parameters map[string]interface{} `json:"parameters,omitempty"`
	Priority   int                    `json:"priority,omitempty"`
	Timeout    int                    `json:"timeout,omitempty"`
}

// SubmitResponse 是提交成功后的响应
type SubmitResponse struct {
	Success             bool   `json:"success" yaml:"success"`
	RequestID           string `json:"request_id" yaml:"request_id"`
	Status              string `json:"status" yaml:"status"`
	Message             string `json:"message" yaml:"message"`
	EstimatedCompletion string `json:"estimated_completion" yaml:"estimated_completion"`
}

// Record 是一条请求记录
type Record struct {
	RequestID      string                 `json:"request_id" yaml:"request_id"`
	Status         string                 `json:"status" yaml:"status"`
	Prompt         string                 `json:"prompt" yaml:"prompt"`
	Priority       int                    `json:"priority" yaml:"priority"`
	Timeout        int                    `json:"timeout" yaml:"timeout"`
	Result         string                 `json:"result,omitempty" yaml:"result,omitempty"`
	Error          string                 `json:"error,omitempty" yaml:"error,omitempty"`
	CreatedAt      time.Time              `json:"created_at" yaml:"created_at"`
	StartedAt      *time.Time             `json:"started_at,omitempty" yaml:"started_at,omitempty"`
	CompletedAt    *time.Time             `json:"completed_at,omitempty" yaml:"completed_at,omitempty"`
	ProcessingTime *float64               `json:"processing_time,omitempty" yaml:"processing_time,omitempty"`
	Metadata       map[string]interface{} `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// IsTerminal 判断记录是否已结束
func (r *Record) IsTerminal() bool {
	switch r.Status {
	case "completed", "failed", "cancelled":
		return true
	}
	return false
}

// ServiceStatus 是服务状态快照
type ServiceStatus struct {
	Status            string  `json:"status" yaml:"status"`
	Model             string  `json:"model" yaml:"model"`
	Uptime            string  `json:"uptime" yaml:"uptime"`
	TotalRequests     int64   `json:"total_requests" yaml:"total_requests"`
	ActiveRequests    int     `json:"active_requests" yaml:"active_requests"`
	CompletedRequests int64   `json:"completed_requests" yaml:"completed_requests"`
	FailedRequests    int64   `json:"failed_requests" yaml:"failed_requests"`
	CancelledRequests int64   `json:"cancelled_requests" yaml:"cancelled_requests"`
	SuccessRate       float64 `json:"success_rate" yaml:"success_rate"`
	MemoryUsage       int     `json:"memory_usage" yaml:"memory_usage"`
	APIConfigured     bool    `json:"api_configured" yaml:"api_configured"`
}

// Health 是 /api/health 的响应
type Health struct {
	Status    string `json:"status" yaml:"status"`
	Timestamp string `json:"timestamp" yaml:"timestamp"`
	Backend   string `json:"backend" yaml:"backend"`
	AIService struct {
		Status         string  `json:"status" yaml:"status"`
		Model          string  `json:"model" yaml:"model"`
		TotalRequests  int64   `json:"total_requests" yaml:"total_requests"`
		ActiveRequests int     `json:"active_requests" yaml:"active_requests"`
		SuccessRate    float64 `json:"success_rate" yaml:"success_rate"`
		Uptime         string  `json:"uptime" yaml:"uptime"`
	} `json:"ai_service" yaml:"ai_service"`
	Gemini struct {
		Status           string `json:"status" yaml:"status"`
		APIKeyConfigured bool   `json:"api_key_configured" yaml:"api_key_configured"`
		Model            string `json:"model" yaml:"model"`
	} `json:"gemini" yaml:"gemini"`
	WebSocket struct {
		ActiveConnections int    `json:"active_connections" yaml:"active_connections"`
		Status            string `json:"status" yaml:"status"`
	} `json:"websocket" yaml:"websocket"`
}

// APIError 表示网关返回的错误
type APIError struct {
	Code      int    `json:"code"`
	Message   string `json:"error"`
	RequestID string `json:"request_id,omitempty"`
	TraceID   string `json:"trace_id,omitempty"`
}

func (e *APIError) Error() string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("API error %d: %s", e.Code, e.Message))
	if e.RequestID != "" {
		sb.WriteString(fmt.Sprintf("\n  Request ID: %s", e.RequestID))
	}
	if e.TraceID != "" {
		sb.WriteString(fmt.Sprintf("\n  Trace ID: %s", e.TraceID))
	}
	return sb.String()
}

// do 发送 JSON 请求并把响应解析到 result。
// 状态码 >= 400 时返回 *APIError（响应体不是 JSON 时返回普通错误）。
func (c *Client) do(method, path string, body interface{}, result interface{}) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var apiErr APIError
		if err := json.Unmarshal(respBody, &apiErr); err == nil && apiErr.Message != "" {
			apiErr.Code = resp.StatusCode
			return &apiErr
		}
		return fmt.Errorf("HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	if result != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("failed to parse response: %w", err)
		}
	}
	return nil
}

// Submit 提交一个生成请求
func (c *Client) Submit(req *SubmitRequest) (*SubmitResponse, error) {
	var resp SubmitResponse
	if err := c.do(http.MethodPost, "/api/ai/process", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetRequest 查询单个请求记录
func (c *Client) GetRequest(id string) (*Record, error) {
	var resp struct {
		Request Record `json:"request"`
	}
	if err := c.do(http.MethodGet, "/api/ai/status/"+url.PathEscape(id), nil, &resp); err != nil {
		return nil, err
	}
	return &resp.Request, nil
}

// WaitRequest 轮询直到请求进入终态或超过 timeout
func (c *Client) WaitRequest(id string, interval, timeout time.Duration) (*Record, error) {
	deadline := time.Now().Add(timeout)
	for {
		rec, err := c.GetRequest(id)
		if err != nil {
			return nil, err
		}
		if rec.IsTerminal() {
			return rec, nil
		}
		if time.Now().After(deadline) {
			return rec, fmt.Errorf("request %s still %s after %s", id, rec.Status, timeout)
		}
		time.Sleep(interval)
	}
}

// History 查询处理历史，status 为空表示不过滤
func (c *Client) History(limit int, status string) ([]Record, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if status != "" {
		q.Set("status", status)
	}
	path := "/api/ai/history"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var resp struct {
		History []Record `json:"history"`
		Count   int      `json:"count"`
	}
	if err := c.do(http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.History, nil
}

// Cancel 取消一个活动中的请求
func (c *Client) Cancel(id string) (string, error) {
	var resp struct {
		Message string `json:"message"`
	}
	if err := c.do(http.MethodDelete, "/api/ai/cancel/"+url.PathEscape(id), nil, &resp); err != nil {
		return "", err
	}
	return resp.Message, nil
}

// GetServiceStatus 查询服务状态
func (c *Client) GetServiceStatus() (*ServiceStatus, error) {
	var resp struct {
		Service ServiceStatus `json:"service"`
	}
	if err := c.do(http.MethodGet, "/api/ai/status", nil, &resp); err != nil {
		return nil, err
	}
	return &resp.Service, nil
}

// GetHealth 查询聚合健康状态
func (c *Client) GetHealth() (*Health, error) {
	var h Health
	if err := c.do(http.MethodGet, "/api/health", nil, &h); err != nil {
		return nil, err
	}
	return &h, nil
}

// WebSocketURL 返回推送连接地址
func (c *Client) WebSocketURL(clientID string) string {
	u := c.baseURL
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u + "/ws/" + url.PathEscape(clientID)
}
