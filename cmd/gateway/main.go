// Package main 是 AI 网关服务的入口点
// 网关负责接收生成请求、追踪请求生命周期，并通过 WebSocket 推送服务状态
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/oriys/neonspark/internal/api"
	"github.com/oriys/neonspark/internal/config"
	"github.com/oriys/neonspark/internal/domain"
	"github.com/oriys/neonspark/internal/events"
	"github.com/oriys/neonspark/internal/extract"
	"github.com/oriys/neonspark/internal/gemini"
	"github.com/oriys/neonspark/internal/hub"
	"github.com/oriys/neonspark/internal/metrics"
	"github.com/oriys/neonspark/internal/ratelimit"
	"github.com/oriys/neonspark/internal/scheduler"
	"github.com/oriys/neonspark/internal/telemetry"
	"github.com/oriys/neonspark/internal/tracker"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// main 初始化所有依赖组件并启动 HTTP 服务器
func main() {
	// 配置文件路径为空时只使用默认值和环境变量
	configPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetLevel(logrus.InfoLevel)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.WithError(err).Fatal("Failed to load config")
	}
	configureLogger(logger, cfg.Logging)

	logger.WithField("model", cfg.Gemini.Model).Info("Starting NeonSpark AI Gateway")
	if !cfg.GeminiAPIKeyConfigured() {
		logger.Error("GEMINI_API_KEY not found in environment variables")
	}

	// 初始化遥测系统 (OpenTelemetry)
	// 初始化失败不影响主服务运行，仅记录警告
	if cfg.Telemetry.Enabled {
		tel, err := telemetry.New(context.Background(), telemetry.Config{
			Enabled:     cfg.Telemetry.Enabled,
			Endpoint:    cfg.Telemetry.Endpoint,
			ServiceName: cfg.Telemetry.ServiceName,
			SampleRate:  cfg.Telemetry.SampleRate,
			Environment: cfg.Telemetry.Environment,
		})
		if err != nil {
			logger.WithError(err).Warn("Failed to initialize telemetry, continuing without tracing")
		} else {
			defer tel.Shutdown(context.Background())
			logger.AddHook(telemetry.NewLogrusHook())
			logger.WithFields(logrus.Fields{
				"endpoint":    cfg.Telemetry.Endpoint,
				"sample_rate": cfg.Telemetry.SampleRate,
			}).Info("Telemetry initialized")
		}
	}

	// 生成适配器，就绪状态在创建时确定
	gen := gemini.New(gemini.Config{
		APIKey:         cfg.Gemini.APIKey,
		Model:          cfg.Gemini.Model,
		BaseURL:        cfg.Gemini.BaseURL,
		RequestTimeout: cfg.Gemini.RequestTimeout,
	}, logger)

	// 状态转换观察者：指标和事件
	var observers []tracker.Observer
	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.NewMetrics(cfg.Metrics.Namespace, prometheus.DefaultRegisterer)
		observers = append(observers, m)
	}
	if cfg.Events.Enabled {
		bus, err := events.NewEventBus(cfg.Events.NATSURL, cfg.Events.SubjectPrefix, logger)
		if err != nil {
			logger.WithError(err).Warn("Failed to connect to NATS, events disabled")
		} else {
			defer bus.Close()
			observers = append(observers, bus)
			logger.WithField("url", cfg.Events.NATSURL).Info("Publishing request events to NATS")
		}
	}

	tr := tracker.New(gen, tracker.Config{
		MaxHistory: cfg.Tracker.MaxHistory,
		Generation: domain.GenerationConfig{
			Temperature:     cfg.Gemini.Temperature,
			TopP:            cfg.Gemini.TopP,
			TopK:            cfg.Gemini.TopK,
			MaxOutputTokens: cfg.Gemini.MaxOutputTokens,
			CandidateCount:  1,
		},
	}, logger, observers...)

	// 限流存储：内存或 Redis
	var (
		store       ratelimit.Store
		memoryStore *ratelimit.MemoryStore
		redisStore  *ratelimit.RedisStore
	)
	switch cfg.RateLimit.Backend {
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RateLimit.Redis.Addr,
			Password: cfg.RateLimit.Redis.Password,
			DB:       cfg.RateLimit.Redis.DB,
		})
		defer client.Close()
		redisStore = ratelimit.NewRedisStore(client, cfg.RateLimit.Redis.KeyPrefix)
		pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := redisStore.Ping(pingCtx); err != nil {
			logger.WithError(err).Warn("Redis not reachable yet, rate limiter will admit requests until it recovers")
		}
		cancel()
		store = redisStore
	default:
		memoryStore = ratelimit.NewMemoryStore()
		store = memoryStore
	}
	limiter := ratelimit.New(ratelimit.Config{
		MaxRequests: cfg.RateLimit.MaxRequests,
		Window:      cfg.RateLimit.Window,
	}, store)

	// WebSocket 推送 Hub 与周期广播
	hubCfg := hub.Config{
		BroadcastInterval: cfg.WebSocket.BroadcastInterval,
		BroadcastBackoff:  cfg.WebSocket.BroadcastBackoff,
		WriteTimeout:      cfg.WebSocket.WriteTimeout,
	}
	if m != nil {
		hubCfg.OnBroadcast = func(int) { m.BroadcastsTotal.Inc() }
	}
	wsHub := hub.New(tr, hubCfg, logger)
	if m != nil {
		m.RegisterConnectionGauge(wsHub.ConnectionCount)
	}

	runCtx, stopRun := context.WithCancel(context.Background())
	defer stopRun()
	broadcasterDone := make(chan struct{})
	go func() {
		defer close(broadcasterDone)
		wsHub.Run(runCtx)
	}()

	// 维护任务：清理过期记录和限流空键
	cronMgr := scheduler.NewCronManager(logger)
	if err := cronMgr.AddJob("history-retention", cfg.Tracker.RetentionSchedule, func(ctx context.Context) error {
		n := tr.Prune(cfg.Tracker.Retention)
		if m != nil {
			m.PrunedRecords.Add(float64(n))
		}
		if n > 0 {
			logger.WithField("removed", n).Info("Pruned expired request records")
		}
		return nil
	}); err != nil {
		logger.WithError(err).Fatal("Failed to schedule history retention")
	}
	if memoryStore != nil {
		if err := cronMgr.AddJob("ratelimit-sweep", cfg.RateLimit.SweepSchedule, func(ctx context.Context) error {
			if n := memoryStore.Sweep(); n > 0 {
				logger.WithField("keys", n).Debug("Swept idle rate limit keys")
			}
			return nil
		}); err != nil {
			logger.WithError(err).Fatal("Failed to schedule rate limit sweep")
		}
	}
	cronMgr.Start()

	// 初始化 API 处理器和路由
	handler := api.NewHandler(tr, limiter, gen, api.Options{
		PollTimeout:    cfg.Legacy.PollTimeout,
		PollInterval:   cfg.Legacy.PollInterval,
		MaxUploadBytes: int64(cfg.Extract.MaxUploadMB) << 20,
	}, logger).
		WithConnections(wsHub).
		WithExtractor(extract.New(extract.Config{
			TesseractPath: cfg.Extract.TesseractPath,
			PdftoppmPath:  cfg.Extract.PdftoppmPath,
			Language:      cfg.Extract.Language,
			Timeout:       cfg.Extract.Timeout,
		}, nil, logger))
	if m != nil {
		handler.WithRateLimitRecorder(m)
	}
	if redisStore != nil {
		handler.WithReadinessCheck(redisStore)
	}

	separateMetrics := cfg.Metrics.Enabled && cfg.Server.MetricsPort != 0 && cfg.Server.MetricsPort != cfg.Server.HTTPPort
	router := api.NewRouter(&api.RouterConfig{
		Handler:        handler,
		WSHandler:      api.NewWSHandler(wsHub, cfg.WebSocket.ReadBufferSize, cfg.WebSocket.WriteBufferSize, cfg.Server.AllowedOrigins, logger),
		Logger:         logger,
		ServiceName:    cfg.Telemetry.ServiceName,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		RequestTimeout: cfg.Server.RequestTimeout,
		DisableMetrics: !cfg.Metrics.Enabled || separateMetrics,
	})

	// 指标端口与主服务端口不同时单独启动指标服务器
	var metricsServer *http.Server
	if separateMetrics {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsServer = &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Server.MetricsPort),
			Handler:      mux,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  60 * time.Second,
		}
		go func() {
			logger.WithField("port", cfg.Server.MetricsPort).Info("Starting metrics server")
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.WithError(err).Fatal("Metrics server failed")
			}
		}()
	}

	// WriteTimeout 为 0：WebSocket 连接长期保持，普通请求由路由中的超时中间件约束
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		logger.WithField("port", cfg.Server.HTTPPort).Info("Starting HTTP server")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Fatal("HTTP server failed")
		}
	}()

	// 等待关闭信号
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down NeonSpark AI Gateway...")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	// 先停止接收新请求，再停止广播、关闭推送连接、取消执行中的请求
	if err := server.Shutdown(ctx); err != nil {
		logger.WithError(err).Error("Server shutdown error")
	}
	stopRun()
	<-broadcasterDone
	wsHub.CloseAll()
	cronMgr.Stop(ctx)
	if err := tr.Shutdown(ctx); err != nil {
		logger.WithError(err).Error("Tracker shutdown error")
	}

	if metricsServer != nil {
		if err := metricsServer.Shutdown(ctx); err != nil {
			logger.WithError(err).Error("Metrics server shutdown error")
		}
	}

	logger.Info("Server stopped")
}

// configureLogger 根据配置设置日志级别和格式
func configureLogger(logger *logrus.Logger, cfg config.LoggingConfig) {
	if level, err := logrus.ParseLevel(cfg.Level); err == nil {
		logger.SetLevel(level)
	} else {
		logger.WithField("level", cfg.Level).Warn("Unknown log level, using info")
	}
	if cfg.Format == "text" {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
}
