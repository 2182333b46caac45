package domain

// GenerationConfig 是传给生成适配器的采样配置。
type GenerationConfig struct {
	// Temperature 采样多样性
	Temperature float64 `json:"temperature" yaml:"temperature"`
	// TopP nucleus 采样阈值
	TopP float64 `json:"top_p" yaml:"top_p"`
	// TopK 候选词表截断
	TopK int `json:"top_k" yaml:"top_k"`
	// MaxOutputTokens 输出长度上限
	MaxOutputTokens int `json:"max_output_tokens" yaml:"max_output_tokens"`
	// CandidateCount 候选数量，固定为 1
	CandidateCount int `json:"candidate_count" yaml:"-"`
}

// DefaultGenerationConfig 返回默认的生成配置。
func DefaultGenerationConfig() GenerationConfig {
	return GenerationConfig{
		Temperature:     0.7,
		TopP:            0.8,
		TopK:            40,
		MaxOutputTokens: 2048,
		CandidateCount:  1,
	}
}

// ApplyParameters 用请求参数覆盖默认配置。
// 识别 temperature、top_p、top_k 以及 max_output_tokens / max_tokens
// （对应 MaxOutputTokens，两者同时给出时以 max_output_tokens 为准），
// 类型不匹配的参数会被忽略。candidate_count 不可覆盖。
func (c GenerationConfig) ApplyParameters(params map[string]interface{}) GenerationConfig {
	if v, ok := toFloat(params["temperature"]); ok {
		c.Temperature = v
	}
	if v, ok := toFloat(params["top_p"]); ok {
		c.TopP = v
	}
	if v, ok := toFloat(params["top_k"]); ok {
		c.TopK = int(v)
	}
	if v, ok := toFloat(params["max_tokens"]); ok {
		c.MaxOutputTokens = int(v)
	}
	if v, ok := toFloat(params["max_output_tokens"]); ok {
		c.MaxOutputTokens = int(v)
	}
	c.CandidateCount = 1
	return c
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

// ServiceState 表示生成服务的整体就绪状态。
type ServiceState string

const (
	// ServiceHealthy 凭据有效，适配器就绪
	ServiceHealthy ServiceState = "healthy"
	// ServiceConfigurationError 未配置访问凭据
	ServiceConfigurationError ServiceState = "configuration_error"
	// ServiceModelError 凭据或模型初始化失败
	ServiceModelError ServiceState = "model_error"
	// ServiceInitializing 尚未完成初始化
	ServiceInitializing ServiceState = "initializing"
)

// ServiceStatus 是服务状态的聚合快照，用于 HTTP 状态接口和 WebSocket 推送。
type ServiceStatus struct {
	Status            ServiceState `json:"status"`
	Model             string       `json:"model"`
	Uptime            string       `json:"uptime"`
	TotalRequests     int64        `json:"total_requests"`
	ActiveRequests    int          `json:"active_requests"`
	CompletedRequests int64        `json:"completed_requests"`
	FailedRequests    int64        `json:"failed_requests"`
	CancelledRequests int64        `json:"cancelled_requests"`
	// SuccessRate 百分比，保留两位小数
	SuccessRate float64 `json:"success_rate"`
	// MemoryUsage 当前保留在内存中的记录数
	MemoryUsage   int  `json:"memory_usage"`
	APIConfigured bool `json:"api_configured"`
}
