// Package domain 定义了 AI 网关的核心领域模型。
package domain

import (
	"errors"
	"fmt"
)

// 领域错误定义
// 这些错误用于在追踪器、适配器和 HTTP 边界之间传递业务错误，
// 调用方通过 errors.Is 判断错误类别。

var (
	// ========== 参数校验错误 ==========

	// ErrValidation 是所有参数校验错误的根错误，HTTP 层映射为 400
	ErrValidation = errors.New("validation error")
	// ErrEmptyPrompt 表示提示词为空（或只包含空白字符）
	ErrEmptyPrompt = fmt.Errorf("%w: prompt cannot be empty", ErrValidation)
	// ErrPromptTooLong 表示提示词超过最大长度
	ErrPromptTooLong = fmt.Errorf("%w: prompt exceeds %d characters", ErrValidation, MaxPromptLength)
	// ErrInvalidPriority 表示优先级超出 1 到 5 的范围
	ErrInvalidPriority = fmt.Errorf("%w: priority must be between %d and %d", ErrValidation, MinPriority, MaxPriority)
	// ErrInvalidTimeout 表示超时配置超出 5 到 300 秒的范围
	ErrInvalidTimeout = fmt.Errorf("%w: timeout must be between %d and %d seconds", ErrValidation, MinTimeoutSec, MaxTimeoutSec)
	// ErrInvalidLimit 表示历史查询的 limit 参数无效
	ErrInvalidLimit = fmt.Errorf("%w: limit must be between 1 and %d", ErrValidation, MaxHistoryLimit)
	// ErrInvalidStatus 表示状态过滤参数不是已知状态
	ErrInvalidStatus = fmt.Errorf("%w: unknown status", ErrValidation)

	// ========== 服务与生成相关错误 ==========

	// ErrServiceUnavailable 表示生成适配器未就绪（凭据缺失或模型初始化失败）
	ErrServiceUnavailable = errors.New("ai service not available")
	// ErrGenerationTimeout 表示生成调用超出调用方给定的超时时间
	ErrGenerationTimeout = errors.New("generation timed out")
	// ErrAdapter 表示外部生成服务返回的其他任何错误
	ErrAdapter = errors.New("generation adapter error")

	// ========== 请求记录相关错误 ==========

	// ErrRequestNotFound 表示请求的记录不存在
	ErrRequestNotFound = errors.New("request not found")
	// ErrInvalidTransition 表示状态机不允许的状态转换
	ErrInvalidTransition = errors.New("invalid status transition")

	// ========== 准入控制错误 ==========

	// ErrRateLimited 表示客户端超出了时间窗口内的请求上限
	ErrRateLimited = errors.New("rate limit exceeded")
)

// IsValidation 判断错误是否属于参数校验错误。
func IsValidation(err error) bool {
	return errors.Is(err, ErrValidation)
}
