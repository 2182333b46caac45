// Package gemini 是 Gemini generateContent REST 接口的生成适配器。
//
// 适配器在构造时确定就绪状态且不再重试：未配置密钥为 configuration_error，
// 密钥格式非法或服务地址无效为 model_error。每次调用都在调用方给定的超时内
// 与计时器赛跑，超时返回 domain.ErrGenerationTimeout，其他故障统一包装为 domain.ErrAdapter。
package gemini

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode"

	"github.com/oriys/neonspark/internal/domain"
	"github.com/oriys/neonspark/internal/telemetry"
	"github.com/sirupsen/logrus"
)

// 默认值
const (
	DefaultBaseURL        = "https://generativelanguage.googleapis.com"
	DefaultModel          = "gemini-1.5-flash"
	DefaultRequestTimeout = 5 * time.Minute
	// maxErrorBody 读取错误响应体的上限
	maxErrorBody = 4096
)

// Config 适配器配置
type Config struct {
	// APIKey 访问凭据
	APIKey string
	// Model 模型名称，例如 gemini-1.5-flash
	Model string
	// BaseURL 服务地址
	BaseURL string
	// RequestTimeout HTTP 客户端的硬超时，兜底被放弃的调用
	RequestTimeout time.Duration
}

// Client 是 Gemini 生成适配器
type Client struct {
	cfg      Config
	endpoint string
	state    domain.ServiceState
	reason   string
	http     *http.Client
	logger   *logrus.Logger
}

// New 创建适配器并确定就绪状态。
//
// 参数:
//   - cfg: 适配器配置
//   - logger: 日志记录器
//
// 返回:
//   - *Client: 适配器实例，即使未就绪也会返回，调用方通过 Ready/State 判断
func New(cfg Config, logger *logrus.Logger) *Client {
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}

	c := &Client{
		cfg:    cfg,
		state:  domain.ServiceInitializing,
		logger: logger,
		http: &http.Client{
			Transport: telemetry.HTTPClientTransport(nil),
			Timeout:   cfg.RequestTimeout,
		},
	}
	c.init()
	return c
}

func (c *Client) init() {
	key := strings.TrimSpace(c.cfg.APIKey)
	if key == "" {
		c.setState(domain.ServiceConfigurationError, "api key not configured")
		return
	}
	if strings.IndexFunc(key, func(r rune) bool { return unicode.IsSpace(r) || unicode.IsControl(r) }) >= 0 {
		c.setState(domain.ServiceModelError, "api key is malformed")
		return
	}
	base, err := url.Parse(strings.TrimRight(c.cfg.BaseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		c.setState(domain.ServiceModelError, fmt.Sprintf("invalid base url %q", c.cfg.BaseURL))
		return
	}
	c.cfg.APIKey = key
	c.endpoint = fmt.Sprintf("%s/v1beta/models/%s:generateContent", base.String(), url.PathEscape(c.cfg.Model))
	c.setState(domain.ServiceHealthy, "")
}

func (c *Client) setState(state domain.ServiceState, reason string) {
	c.state = state
	c.reason = reason
	entry := c.logger.WithFields(logrus.Fields{"model": c.cfg.Model, "state": state})
	if state == domain.ServiceHealthy {
		entry.Info("Gemini adapter ready")
		return
	}
	entry.WithField("reason", reason).Warn("Gemini adapter not available")
}

// Ready 返回是否可以接受生成请求
func (c *Client) Ready() bool {
	return c.state == domain.ServiceHealthy
}

// State 返回就绪状态
func (c *Client) State() domain.ServiceState {
	return c.state
}

// Reason 返回未就绪的原因
func (c *Client) Reason() string {
	return c.reason
}

// Model 返回模型名称
func (c *Client) Model() string {
	return c.cfg.Model
}

// Generate 生成一次文本。
//
// 真正的 HTTP 调用在独立 goroutine 中执行，结果写入容量为 1 的通道，
// 因此计时器先到时调用 goroutine 仍能写入结果并退出；同时请求上下文被取消，
// 被放弃的调用最迟在 http.Client 的硬超时后返回。
//
// 参数:
//   - ctx: 调用上下文，取消时立即返回 ctx.Err()
//   - prompt: 提示词
//   - cfg: 生成配置
//   - timeout: 本次调用的超时
//
// 返回:
//   - string: 生成的文本
//   - error: domain.ErrServiceUnavailable、domain.ErrGenerationTimeout 或包装了 domain.ErrAdapter 的错误
func (c *Client) Generate(ctx context.Context, prompt string, cfg domain.GenerationConfig, timeout time.Duration) (string, error) {
	if !c.Ready() {
		return "", domain.ErrServiceUnavailable
	}

	callCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	type outcome struct {
		text string
		err  error
	}
	results := make(chan outcome, 1)
	go func() {
		text, err := c.call(callCtx, prompt, cfg)
		results <- outcome{text: text, err: err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case o := <-results:
		return o.text, o.err
	case <-timer.C:
		c.logger.WithField("timeout", timeout).Warn("Gemini call timed out")
		return "", domain.ErrGenerationTimeout
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// generateRequest 是 generateContent 请求体
type generateRequest struct {
	Contents         []content        `json:"contents"`
	GenerationConfig generationConfig `json:"generationConfig"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type part struct {
	Text string `json:"text"`
}

type generationConfig struct {
	Temperature     float64 `json:"temperature"`
	TopP            float64 `json:"topP"`
	TopK            int     `json:"topK"`
	MaxOutputTokens int     `json:"maxOutputTokens"`
	CandidateCount  int     `json:"candidateCount"`
}

// generateResponse 是 generateContent 响应体
type generateResponse struct {
	Candidates []struct {
		Content      content `json:"content"`
		FinishReason string  `json:"finishReason"`
	} `json:"candidates"`
	PromptFeedback *struct {
		BlockReason string `json:"blockReason"`
	} `json:"promptFeedback,omitempty"`
}

// apiError 是接口返回的错误体
type apiError struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}

func (c *Client) call(ctx context.Context, prompt string, cfg domain.GenerationConfig) (string, error) {
	body, err := json.Marshal(generateRequest{
		Contents: []content{{Role: "user", Parts: []part{{Text: prompt}}}},
		GenerationConfig: generationConfig{
			Temperature:     cfg.Temperature,
			TopP:            cfg.TopP,
			TopK:            cfg.TopK,
			MaxOutputTokens: cfg.MaxOutputTokens,
			CandidateCount:  cfg.CandidateCount,
		},
	})
	if err != nil {
		return "", fmt.Errorf("%w: encode request: %v", domain.ErrAdapter, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("%w: build request: %v", domain.ErrAdapter, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-goog-api-key", c.cfg.APIKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrAdapter, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		var apiErr apiError
		if json.Unmarshal(raw, &apiErr) == nil && apiErr.Error.Message != "" {
			return "", fmt.Errorf("%w: %s (%d %s)", domain.ErrAdapter, apiErr.Error.Message, resp.StatusCode, apiErr.Error.Status)
		}
		return "", fmt.Errorf("%w: unexpected status %d", domain.ErrAdapter, resp.StatusCode)
	}

	var out generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("%w: decode response: %v", domain.ErrAdapter, err)
	}
	if out.PromptFeedback != nil && out.PromptFeedback.BlockReason != "" {
		return "", fmt.Errorf("%w: prompt blocked: %s", domain.ErrAdapter, out.PromptFeedback.BlockReason)
	}
	if len(out.Candidates) == 0 {
		return "", fmt.Errorf("%w: empty response", domain.ErrAdapter)
	}

	var sb strings.Builder
	for _, p := range out.Candidates[0].Content.Parts {
		sb.WriteString(p.Text)
	}
	if sb.Len() == 0 {
		return "", fmt.Errorf("%w: empty response (finish reason %s)", domain.ErrAdapter, out.Candidates[0].FinishReason)
	}
	return sb.String(), nil
}
