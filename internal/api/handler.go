// Package api 提供了 AI 网关的 HTTP 接口。
// 该包把 HTTP 请求转换为对请求追踪器、限流器和推送 Hub 的调用，主要功能包括：
//   - 提交生成请求、查询状态与历史、取消请求
//   - 服务健康检查与聚合状态
//   - 兼容旧版的同步对话、图片分析和文档分析接口
//   - WebSocket 状态推送
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/oriys/neonspark/internal/domain"
	"github.com/sirupsen/logrus"
)

const (
	// ServiceVersion 是 /api/ai/health 报告的接口版本
	ServiceVersion = "1.0.0"
	// BackendName 是 /api/health 报告的后端标识
	BackendName = "NeonSpark AI Backend v2.1.0"
)

// Tracker 定义了 HTTP 层依赖的请求追踪器接口。
type Tracker interface {
	// Submit 接受一个生成请求并立即返回请求 ID
	Submit(ctx context.Context, req domain.SubmitRequest) (string, error)
	// Get 返回记录快照
	Get(id string) (*domain.Record, bool)
	// List 按创建时间倒序列出记录
	List(limit int, status domain.Status) []*domain.Record
	// Cancel 取消一个活动中的请求
	Cancel(id string) bool
	// Done 返回请求结束时关闭的通道
	Done(id string) <-chan struct{}
	// ServiceStatus 返回服务状态快照
	ServiceStatus() domain.ServiceStatus
}

// Limiter 是准入控制接口
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// Adapter 暴露生成适配器的就绪信息
type Adapter interface {
	State() domain.ServiceState
	Reason() string
	Model() string
}

// Extractor 从上传文件中提取文本
type Extractor interface {
	Extract(ctx context.Context, contentType, filename string, data []byte) (string, error)
}

// Connections 返回当前推送连接数
type Connections interface {
	ConnectionCount() int
}

// RateLimitRecorder 记录准入检查结果（通常是 metrics.Metrics）
type RateLimitRecorder interface {
	RecordRateLimit(allowed bool, err error)
}

// Pinger 由需要连通性检查的依赖实现（例如 Redis 限流存储）
type Pinger interface {
	Ping(ctx context.Context) error
}

// Options 是 Handler 的可调参数
type Options struct {
	// PollTimeout 同步接口等待请求结束的最长时间
	PollTimeout time.Duration
	// PollInterval 同步接口的轮询间隔
	PollInterval time.Duration
	// MaxUploadBytes 上传文件大小上限
	MaxUploadBytes int64
}

// Handler 是 API 请求处理器。
//
// 字段说明：
//   - tracker: 请求生命周期追踪器
//   - limiter: 按客户端的滑动窗口限流器
//   - adapter: 生成适配器的就绪信息
//   - extractor: 文档文本提取器（可选）
//   - conns: 推送连接计数（可选）
//   - recorder: 限流指标（可选）
//   - readiness: 就绪探针额外检查的依赖（可选）
type Handler struct {
	tracker   Tracker
	limiter   Limiter
	adapter   Adapter
	extractor Extractor
	conns     Connections
	recorder  RateLimitRecorder
	readiness []Pinger
	opts      Options
	logger    *logrus.Logger
	now       func() time.Time
}

// NewHandler 创建 Handler。
//
// 参数：
//   - tracker: 请求追踪器
//   - limiter: 限流器
//   - adapter: 生成适配器
//   - opts: 轮询与上传参数，零值使用默认值
//   - logger: 日志记录器
func NewHandler(tracker Tracker, limiter Limiter, adapter Adapter, opts Options, logger *logrus.Logger) *Handler {
	if opts.PollTimeout <= 0 {
		opts.PollTimeout = 30 * time.Second
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 500 * time.Millisecond
	}
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = 20 << 20
	}
	return &Handler{
		tracker: tracker,
		limiter: limiter,
		adapter: adapter,
		opts:    opts,
		logger:  logger,
		now:     time.Now,
	}
}

// WithExtractor 设置文档文本提取器
func (h *Handler) WithExtractor(e Extractor) *Handler {
	h.extractor = e
	return h
}

// WithConnections 设置推送连接计数来源
func (h *Handler) WithConnections(c Connections) *Handler {
	h.conns = c
	return h
}

// WithRateLimitRecorder 设置限流指标
func (h *Handler) WithRateLimitRecorder(rec RateLimitRecorder) *Handler {
	h.recorder = rec
	return h
}

// WithReadinessCheck 追加就绪探针检查的依赖
func (h *Handler) WithReadinessCheck(p Pinger) *Handler {
	h.readiness = append(h.readiness, p)
	return h
}

func (h *Handler) timestamp() string {
	return h.now().Format(time.RFC3339Nano)
}

// admit 对请求执行准入检查，被拒绝时写入 429 并返回 false。
// 限流存储故障时放行请求并记录告警。
func (h *Handler) admit(w http.ResponseWriter, r *http.Request) bool {
	key := clientKey(r)
	allowed, err := h.limiter.Allow(r.Context(), key)
	if h.recorder != nil {
		h.recorder.RecordRateLimit(allowed, err)
	}
	if err != nil {
		h.logger.WithError(err).WithField("client", key).Warn("Rate limiter unavailable, admitting request")
		return true
	}
	if !allowed {
		h.logger.WithField("client", key).Info("Rate limit exceeded")
		writeError(w, r, http.StatusTooManyRequests, "Rate limit exceeded. Too many requests.")
		return false
	}
	return true
}

// ProcessRequest 处理提交生成请求。
// HTTP端点: POST /api/ai/process
//
// 处理顺序：解析请求体 -> 参数校验(400) -> 限流(429) -> 提交(503)。
// 提交成功后立即返回请求 ID，生成在后台进行。
func (h *Handler) ProcessRequest(w http.ResponseWriter, r *http.Request) {
	var req domain.SubmitRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if !h.admit(w, r) {
		return
	}

	id, err := h.tracker.Submit(r.Context(), req)
	if err != nil {
		h.logger.WithError(err).Warn("Failed to submit request")
		writeError(w, r, statusForError(err), err.Error())
		return
	}

	h.logger.WithField("request_id", id).Info("AI request submitted for processing")
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":              true,
		"request_id":           id,
		"status":               "submitted",
		"message":              "Request submitted for processing",
		"estimated_completion": "2-5 seconds",
	})
}

// ServiceStatus 返回服务整体状态与统计。
// HTTP端点: GET /api/ai/status
func (h *Handler) ServiceStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":   true,
		"service":   h.tracker.ServiceStatus(),
		"timestamp": h.timestamp(),
	})
}

// RequestStatus 返回单个请求的记录。
// HTTP端点: GET /api/ai/status/{id}
func (h *Handler) RequestStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rec, ok := h.tracker.Get(id)
	if !ok {
		writeError(w, r, http.StatusNotFound, fmt.Sprintf("Request %s not found", id))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":   true,
		"request":   rec,
		"timestamp": h.timestamp(),
	})
}

// History 返回处理历史，支持 limit 和 status 过滤。
// HTTP端点: GET /api/ai/history?limit=50&status=completed
//
// 返回值：
//   - 200: 按创建时间倒序的记录列表
//   - 400: limit 不在 1 到 200 之间，或 status 不是已知状态
func (h *Handler) History(w http.ResponseWriter, r *http.Request) {
	limit := domain.DefaultHistoryLimit
	if v := strings.TrimSpace(r.URL.Query().Get("limit")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > domain.MaxHistoryLimit {
			writeError(w, r, http.StatusBadRequest, domain.ErrInvalidLimit.Error())
			return
		}
		limit = n
	}

	var status domain.Status
	if v := r.URL.Query().Get("status"); v != "" {
		s, err := domain.ParseStatus(v)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		status = s
	}

	history := h.tracker.List(limit, status)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":   true,
		"history":   history,
		"count":     len(history),
		"timestamp": h.timestamp(),
	})
}

// CancelRequest 取消一个活动中的请求。
// HTTP端点: DELETE /api/ai/cancel/{id}
//
// 取消是异步生效的：返回 200 表示已发出取消信号。
func (h *Handler) CancelRequest(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !h.tracker.Cancel(id) {
		writeError(w, r, http.StatusNotFound, fmt.Sprintf("Request %s not found or not active", id))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":   true,
		"message":   fmt.Sprintf("Request %s cancelled successfully", id),
		"timestamp": h.timestamp(),
	})
}

// AIHealth AI 服务接口的存活检查。
// HTTP端点: GET /api/ai/health
func (h *Handler) AIHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"service":   "AI Service API",
		"timestamp": h.timestamp(),
		"version":   ServiceVersion,
	})
}

// Health 聚合健康检查。
// HTTP端点: GET /api/health
//
// 生成服务就绪时整体为 healthy，否则为 degraded，两种情况都返回 200。
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	st := h.tracker.ServiceStatus()

	overall := "healthy"
	if st.Status != domain.ServiceHealthy {
		overall = "degraded"
	}

	geminiStatus := "configured"
	switch h.adapter.State() {
	case domain.ServiceConfigurationError:
		geminiStatus = "not_configured"
	case domain.ServiceModelError:
		geminiStatus = "error: " + h.adapter.Reason()
	case domain.ServiceInitializing:
		geminiStatus = "unknown"
	}

	connections := 0
	if h.conns != nil {
		connections = h.conns.ConnectionCount()
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    overall,
		"timestamp": h.timestamp(),
		"backend":   BackendName,
		"ai_service": map[string]interface{}{
			"status":          st.Status,
			"model":           st.Model,
			"total_requests":  st.TotalRequests,
			"active_requests": st.ActiveRequests,
			"success_rate":    st.SuccessRate,
			"uptime":          st.Uptime,
		},
		"gemini": map[string]interface{}{
			"status":             geminiStatus,
			"api_key_configured": st.APIConfigured,
			"model":              h.adapter.Model(),
		},
		"websocket": map[string]interface{}{
			"active_connections": connections,
			"status":             "active",
		},
	})
}

// Live 存活探针。
// HTTP端点: GET /health/live
func (h *Handler) Live(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
}

// Ping 基本健康检查。
// HTTP端点: GET /health
func (h *Handler) Ping(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// Ready 就绪探针，检查外部依赖（例如 Redis 限流存储）是否可用。
// HTTP端点: GET /health/ready
//
// 返回值：
//   - 200: 服务就绪
//   - 503: 某个依赖不可用
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	for _, p := range h.readiness {
		if err := p.Ping(ctx); err != nil {
			h.logger.WithError(err).Warn("Readiness check failed")
			writeError(w, r, http.StatusServiceUnavailable, "dependency not ready")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":     "ready",
		"ai_service": h.adapter.State(),
	})
}

// isUnavailable 判断提交错误是否属于生成服务未就绪
func isUnavailable(err error) bool {
	return errors.Is(err, domain.ErrServiceUnavailable)
}
