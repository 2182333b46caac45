package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/oriys/neonspark/internal/telemetry"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// RouterConfig 路由器配置选项
type RouterConfig struct {
	// Handler API处理器
	Handler *Handler
	// WSHandler WebSocket 处理器（可选）
	WSHandler *WSHandler
	// Logger 日志记录器
	Logger *logrus.Logger
	// ServiceName 遥测中间件使用的服务名
	ServiceName string
	// AllowedOrigins CORS 允许的来源
	AllowedOrigins []string
	// RequestTimeout 普通请求的处理超时，默认 60 秒
	RequestTimeout time.Duration
	// MetricsHandler /metrics 的处理器，为 nil 时使用 promhttp.Handler()
	MetricsHandler http.Handler
	// DisableMetrics 为 true 时不注册 /metrics
	DisableMetrics bool
}

// NewRouter 创建并配置HTTP路由器。
//
// 参数：
//   - cfg: 路由器配置
//
// 返回值：
//   - *chi.Mux: 配置完成的路由器实例
//
// 路由结构：
//
//	/health                    - 基本健康检查
//	/health/ready              - 就绪探针
//	/health/live               - 存活探针
//	/metrics                   - Prometheus指标端点
//	/api/ai/*                  - 生成请求的提交、查询、历史和取消
//	/api/health                - 聚合健康检查
//	/api/chat                  - 旧版同步对话
//	/api/analyze-image         - 旧版图片分析
//	/api/analyze-document      - 文档 OCR 分析
//	/ws/{client_id}            - WebSocket 状态推送
func NewRouter(cfg *RouterConfig) *chi.Mux {
	h := cfg.Handler
	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "neonspark-gateway"
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	r := chi.NewRouter()

	// 中间件按照添加顺序执行，形成洋葱模型
	r.Use(telemetry.HTTPMiddleware(serviceName))
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(cfg.Logger))
	r.Use(recoverMiddleware(cfg.Logger))
	r.Use(corsMiddleware(cfg.AllowedOrigins))

	// WebSocket 是长连接，不经过压缩和超时中间件
	if cfg.WSHandler != nil {
		r.Get("/ws/{client_id}", cfg.WSHandler.Handle)
	}

	r.Group(func(r chi.Router) {
		r.Use(middleware.Compress(5, "application/json", "text/plain"))
		r.Use(middleware.Timeout(timeout))

		r.Get("/health", h.Ping)
		r.Get("/health/ready", h.Ready)
		r.Get("/health/live", h.Live)

		if !cfg.DisableMetrics {
			metrics := cfg.MetricsHandler
			if metrics == nil {
				metrics = promhttp.Handler()
			}
			r.Handle("/metrics", metrics)
		}

		r.Route("/api", func(r chi.Router) {
			r.Route("/ai", func(r chi.Router) {
				// POST /api/ai/process - 提交生成请求
				r.Post("/process", h.ProcessRequest)
				// GET /api/ai/status - 服务状态
				r.Get("/status", h.ServiceStatus)
				// GET /api/ai/status/{id} - 单个请求状态
				r.Get("/status/{id}", h.RequestStatus)
				// GET /api/ai/history - 处理历史
				r.Get("/history", h.History)
				// DELETE /api/ai/cancel/{id} - 取消请求
				r.Delete("/cancel/{id}", h.CancelRequest)
				// GET /api/ai/health - 接口存活
				r.Get("/health", h.AIHealth)
			})

			r.Get("/health", h.Health)
			r.Post("/chat", h.Chat)
			r.Post("/analyze-image", h.AnalyzeImage)
			r.Post("/analyze-document", h.AnalyzeDocument)
		})
	})

	return r
}
