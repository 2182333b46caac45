// Package domain 定义了 AI 网关的核心领域模型。
package domain

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

// 请求参数的取值范围
const (
	// MaxPromptLength 提示词最大字符数
	MaxPromptLength = 10000
	// MinPriority / MaxPriority 优先级范围
	MinPriority = 1
	MaxPriority = 5
	// DefaultPriority 未指定优先级时的默认值
	DefaultPriority = 1
	// MinTimeoutSec / MaxTimeoutSec 单个请求超时范围（秒）
	MinTimeoutSec = 5
	MaxTimeoutSec = 300
	// DefaultTimeoutSec 未指定超时时的默认值（秒）
	DefaultTimeoutSec = 30
	// MaxHistoryLimit 历史查询单次返回的最大条数
	MaxHistoryLimit = 200
	// DefaultHistoryLimit 历史查询的默认条数
	DefaultHistoryLimit = 50
)

// Status 表示请求记录的生命周期状态。
type Status string

// 请求状态常量定义
const (
	// StatusPending 表示请求已创建，等待执行
	StatusPending Status = "pending"
	// StatusProcessing 表示请求正在调用生成服务
	StatusProcessing Status = "processing"
	// StatusCompleted 表示生成成功完成
	StatusCompleted Status = "completed"
	// StatusFailed 表示生成失败（包括超时）
	StatusFailed Status = "failed"
	// StatusCancelled 表示请求被取消
	StatusCancelled Status = "cancelled"
)

// IsTerminal 判断状态是否为终态。终态之后不允许任何转换。
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// ParseStatus 将字符串解析为 Status，未知状态返回 ErrInvalidStatus。
func ParseStatus(s string) (Status, error) {
	switch st := Status(strings.ToLower(strings.TrimSpace(s))); st {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed, StatusCancelled:
		return st, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidStatus, s)
}

// SubmitRequest 是提交生成请求的输入。
type SubmitRequest struct {
	// Prompt 提示词，1 到 10000 个字符
	Prompt string `json:"prompt"`
	// Parameters 生成参数（temperature、max_tokens 等），原样回显到元数据
	Parameters map[string]interface{} `json:"parameters"`
	// Priority 优先级 1-5，0 表示使用默认值
	Priority int `json:"priority"`
	// Timeout 超时秒数 5-300，0 表示使用默认值
	Timeout int `json:"timeout"`
}

// Validate 校验请求参数并填充默认值。
func (r *SubmitRequest) Validate() error {
	if strings.TrimSpace(r.Prompt) == "" {
		return ErrEmptyPrompt
	}
	if utf8.RuneCountInString(r.Prompt) > MaxPromptLength {
		return ErrPromptTooLong
	}
	if r.Priority == 0 {
		r.Priority = DefaultPriority
	}
	if r.Priority < MinPriority || r.Priority > MaxPriority {
		return ErrInvalidPriority
	}
	if r.Timeout == 0 {
		r.Timeout = DefaultTimeoutSec
	}
	if r.Timeout < MinTimeoutSec || r.Timeout > MaxTimeoutSec {
		return ErrInvalidTimeout
	}
	if r.Parameters == nil {
		r.Parameters = make(map[string]interface{})
	}
	return nil
}

// Record 表示一次被追踪的生成请求及其结果。
// Record 由追踪器独占持有，对外只暴露 Clone 得到的快照。
type Record struct {
	// ID 是请求的唯一标识符，创建后不可变
	ID string `json:"request_id"`
	// Status 是请求的当前状态
	Status Status `json:"status"`
	// Prompt 是提交的提示词
	Prompt string `json:"prompt"`
	// Parameters 是提交时的生成参数
	Parameters map[string]interface{} `json:"parameters"`
	// Priority 是提交时的优先级
	Priority int `json:"priority"`
	// Timeout 是生成调用的超时秒数
	Timeout int `json:"timeout"`
	// Result 仅在 completed 时存在
	Result string `json:"result,omitempty"`
	// Error 仅在 failed 时存在
	Error string `json:"error,omitempty"`
	// CreatedAt 是记录创建时间
	CreatedAt time.Time `json:"created_at"`
	// StartedAt 是开始调用生成服务的时间
	StartedAt *time.Time `json:"started_at,omitempty"`
	// CompletedAt 在进入任一终态时设置，且只设置一次
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	// ProcessingTime 是生成调用耗时（秒），仅在 completed 时设置
	ProcessingTime *float64 `json:"processing_time,omitempty"`
	// Metadata 是只增不删的辅助信息
	Metadata map[string]interface{} `json:"metadata"`
}

// NewRecord 根据已校验的请求创建 pending 状态的记录。
//
// 参数:
//   - id: 新分配的请求 ID
//   - req: 已通过 Validate 的提交请求
//   - model: 模型名称，写入元数据
//   - now: 创建时间
//
// 返回:
//   - *Record: 新创建的记录
func NewRecord(id string, req SubmitRequest, model string, now time.Time) *Record {
	params := copyMap(req.Parameters)
	return &Record{
		ID:         id,
		Status:     StatusPending,
		Prompt:     req.Prompt,
		Parameters: params,
		Priority:   req.Priority,
		Timeout:    req.Timeout,
		CreatedAt:  now,
		Metadata: map[string]interface{}{
			"prompt_length": utf8.RuneCountInString(req.Prompt),
			"parameters":    copyMap(params),
			"priority":      req.Priority,
			"timeout":       req.Timeout,
			"model":         model,
		},
	}
}

// Start 将记录从 pending 推进到 processing。
func (r *Record) Start(now time.Time) error {
	if r.Status != StatusPending {
		return r.transitionError(StatusProcessing)
	}
	r.Status = StatusProcessing
	r.StartedAt = &now
	return nil
}

// Complete 将记录从 processing 推进到 completed，
// 记录结果、处理耗时以及派生元数据（提示词词数、结果长度）。
func (r *Record) Complete(result string, now time.Time) error {
	if r.Status != StatusProcessing {
		return r.transitionError(StatusCompleted)
	}
	r.Status = StatusCompleted
	r.Result = result
	r.CompletedAt = &now
	elapsed := 0.0
	if r.StartedAt != nil {
		elapsed = now.Sub(*r.StartedAt).Seconds()
	}
	r.ProcessingTime = &elapsed
	r.Metadata["tokens_processed"] = len(strings.Fields(r.Prompt))
	r.Metadata["response_length"] = utf8.RuneCountInString(result)
	return nil
}

// Fail 将记录从 processing 推进到 failed。
// 超时同样走这里，通过错误信息区分。
func (r *Record) Fail(errMsg string, now time.Time) error {
	if r.Status != StatusProcessing {
		return r.transitionError(StatusFailed)
	}
	r.Status = StatusFailed
	r.Error = errMsg
	r.CompletedAt = &now
	return nil
}

// Cancel 将 pending 或 processing 的记录推进到 cancelled，不记录结果和错误。
func (r *Record) Cancel(now time.Time) error {
	if r.Status.IsTerminal() {
		return r.transitionError(StatusCancelled)
	}
	r.Status = StatusCancelled
	r.CompletedAt = &now
	return nil
}

func (r *Record) transitionError(to Status) error {
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, r.Status, to)
}

// Clone 返回记录的快照，map 字段被复制，调用方修改快照不会影响原记录。
func (r *Record) Clone() *Record {
	c := *r
	c.Parameters = copyMap(r.Parameters)
	c.Metadata = copyMap(r.Metadata)
	if r.StartedAt != nil {
		t := *r.StartedAt
		c.StartedAt = &t
	}
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		c.CompletedAt = &t
	}
	if r.ProcessingTime != nil {
		p := *r.ProcessingTime
		c.ProcessingTime = &p
	}
	return &c
}

func copyMap(m map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
