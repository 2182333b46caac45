// Package config 提供了 AI 网关的配置管理功能。
// 该包负责从 YAML 配置文件加载配置，并支持通过环境变量覆盖敏感配置项（如模型访问密钥和 Redis 密码）。
// 配置包含了服务器、生成服务、请求追踪、限流、推送、上传解析、事件、日志、指标和遥测等多个方面的设置。
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config 是应用程序的主配置结构体，包含所有子系统的配置。
type Config struct {
	// Server 服务器配置，包括 HTTP 端口、指标端口等
	Server ServerConfig `yaml:"server"`
	// Gemini 生成服务配置
	Gemini GeminiConfig `yaml:"gemini"`
	// Tracker 请求追踪与历史保留配置
	Tracker TrackerConfig `yaml:"tracker"`
	// RateLimit 限流配置
	RateLimit RateLimitConfig `yaml:"ratelimit"`
	// WebSocket 推送配置
	WebSocket WebSocketConfig `yaml:"websocket"`
	// Legacy 同步接口（chat、图片分析）的轮询配置
	Legacy LegacyConfig `yaml:"legacy"`
	// Extract 文档文本提取配置
	Extract ExtractConfig `yaml:"extract"`
	// Events 事件配置，包括 NATS 连接信息
	Events EventsConfig `yaml:"events"`
	// Logging 日志配置，包括日志级别和格式
	Logging LoggingConfig `yaml:"logging"`
	// Metrics 指标配置，用于 Prometheus 监控
	Metrics MetricsConfig `yaml:"metrics"`
	// Telemetry 遥测配置，用于分布式追踪
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// ServerConfig HTTP 服务器配置结构体。
type ServerConfig struct {
	// HTTPPort API 端口
	// 默认值：8000
	HTTPPort int `yaml:"http_port"`
	// MetricsPort 独立指标端口，0 表示只在 API 端口暴露 /metrics
	MetricsPort int `yaml:"metrics_port"`
	// ShutdownTimeout 优雅关闭超时
	// 默认值：30s
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	// RequestTimeout 普通 HTTP 请求的处理超时（chi Timeout 中间件）
	// 默认值：60s
	RequestTimeout time.Duration `yaml:"request_timeout"`
	// AllowedOrigins CORS 允许的来源
	// 默认值：http://localhost:3000, http://127.0.0.1:3000
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// GeminiConfig 生成服务配置结构体。
type GeminiConfig struct {
	// APIKey 访问密钥，建议通过环境变量注入
	APIKey string `yaml:"api_key"`
	// Model 模型名称
	// 默认值：gemini-1.5-flash
	Model string `yaml:"model"`
	// BaseURL 服务地址
	// 默认值：https://generativelanguage.googleapis.com
	BaseURL string `yaml:"base_url"`
	// RequestTimeout HTTP 客户端硬超时，兜底被放弃的调用
	// 默认值：5m
	RequestTimeout time.Duration `yaml:"request_timeout"`
	// 以下为默认生成参数，请求参数可覆盖
	Temperature     float64 `yaml:"temperature"`
	TopP            float64 `yaml:"top_p"`
	TopK            int     `yaml:"top_k"`
	MaxOutputTokens int     `yaml:"max_output_tokens"`
}

// TrackerConfig 请求追踪配置结构体。
type TrackerConfig struct {
	// MaxHistory 内存中保留的记录上限
	// 默认值：1000
	MaxHistory int `yaml:"max_history"`
	// Retention 终态记录的保留时长
	// 默认值：24h
	Retention time.Duration `yaml:"retention"`
	// RetentionSchedule 清理任务的 cron 表达式（含秒）
	// 默认值：0 */10 * * * *
	RetentionSchedule string `yaml:"retention_schedule"`
}

// RateLimitConfig 限流配置结构体。
type RateLimitConfig struct {
	// MaxRequests 每个窗口内每个客户端允许的请求数
	// 默认值：100
	MaxRequests int `yaml:"max_requests"`
	// Window 滑动窗口长度
	// 默认值：1h
	Window time.Duration `yaml:"window"`
	// Backend 存储后端：memory 或 redis
	// 默认值：memory
	Backend string `yaml:"backend"`
	// SweepSchedule 内存后端清扫空键的 cron 表达式（含秒）
	// 默认值：0 */5 * * * *
	SweepSchedule string `yaml:"sweep_schedule"`
	// Redis Redis 后端连接配置
	Redis RedisConfig `yaml:"redis"`
}

// RedisConfig Redis 连接配置结构体。
type RedisConfig struct {
	// Addr Redis 地址
	// 默认值：localhost:6379
	Addr string `yaml:"addr"`
	// Password 密码，建议通过环境变量注入
	Password string `yaml:"password"`
	// DB 数据库编号
	DB int `yaml:"db"`
	// KeyPrefix 限流 key 前缀
	// 默认值：neonspark:ratelimit:
	KeyPrefix string `yaml:"key_prefix"`
}

// WebSocketConfig 推送配置结构体。
type WebSocketConfig struct {
	// BroadcastInterval 状态广播间隔
	// 默认值：30s
	BroadcastInterval time.Duration `yaml:"broadcast_interval"`
	// BroadcastBackoff 广播出错后的等待时间
	// 默认值：5s
	BroadcastBackoff time.Duration `yaml:"broadcast_backoff"`
	// ReadBufferSize / WriteBufferSize 升级器缓冲区大小
	// 默认值：4096
	ReadBufferSize  int `yaml:"read_buffer"`
	WriteBufferSize int `yaml:"write_buffer"`
	// WriteTimeout 单次推送写入的截止时间，超时的连接被断开
	// 默认值：10s
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// LegacyConfig 同步接口轮询配置结构体。
type LegacyConfig struct {
	// PollTimeout 等待请求进入终态的最长时间
	// 默认值：30s
	PollTimeout time.Duration `yaml:"poll_timeout"`
	// PollInterval 轮询间隔
	// 默认值：500ms
	PollInterval time.Duration `yaml:"poll_interval"`
}

// ExtractConfig 文档文本提取配置结构体。
type ExtractConfig struct {
	// TesseractPath OCR 可执行文件
	// 默认值：tesseract
	TesseractPath string `yaml:"tesseract_path"`
	// PdftoppmPath PDF 栅格化可执行文件
	// 默认值：pdftoppm
	PdftoppmPath string `yaml:"pdftoppm_path"`
	// Language OCR 语言
	// 默认值：eng
	Language string `yaml:"language"`
	// Timeout 单个文档的提取超时
	// 默认值：2m
	Timeout time.Duration `yaml:"timeout"`
	// MaxUploadMB 上传文件大小上限
	// 默认值：20
	MaxUploadMB int `yaml:"max_upload_mb"`
}

// EventsConfig 事件配置结构体。
type EventsConfig struct {
	// Enabled 是否发布状态转换事件
	Enabled bool `yaml:"enabled"`
	// NATSURL NATS 地址
	// 默认值：nats://localhost:4222
	NATSURL string `yaml:"nats_url"`
	// SubjectPrefix subject 前缀
	// 默认值：neonspark
	SubjectPrefix string `yaml:"subject_prefix"`
}

// LoggingConfig 日志配置结构体。
type LoggingConfig struct {
	// Level 日志级别，可选值：debug、info、warn、error
	Level string `yaml:"level"`
	// Format 日志格式，可选值：json、text
	Format string `yaml:"format"`
}

// MetricsConfig 指标配置结构体。
type MetricsConfig struct {
	// Enabled 是否启用指标收集
	Enabled bool `yaml:"enabled"`
	// Namespace 指标命名空间前缀
	// 默认值：neonspark
	Namespace string `yaml:"namespace"`
}

// TelemetryConfig 遥测配置结构体。
type TelemetryConfig struct {
	// Enabled 是否启用遥测
	Enabled bool `yaml:"enabled"`
	// Endpoint OTLP 端点地址
	// 默认值：tempo:4317
	Endpoint string `yaml:"endpoint"`
	// ServiceName 服务名称
	// 默认值：neonspark-gateway
	ServiceName string `yaml:"service_name"`
	// SampleRate 采样率，范围 0.0 到 1.0
	// 默认值：0.1
	SampleRate float64 `yaml:"sample_rate"`
	// Environment 环境标识
	// 默认值：development
	Environment string `yaml:"environment"`
}

// Load 从指定路径加载配置文件。
// 该函数会读取 YAML 配置文件，应用默认值，并处理环境变量覆盖。
// path 为空时只使用默认值和环境变量。
//
// 参数：
//   - path: 配置文件的路径
//
// 返回值：
//   - *Config: 加载并处理后的配置对象
//   - error: 如果读取或解析失败则返回错误
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}

	cfg.applyDefaults()
	cfg.applyEnvOverrides()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides 处理环境变量覆盖。支持两种方式：
// 1. 直接设置环境变量（如 NEONSPARK_GEMINI_API_KEY）
// 2. 通过 _FILE 后缀指定包含密钥的文件路径（如 NEONSPARK_GEMINI_API_KEY_FILE）
// _FILE 方式优先级更高，适用于 Docker Secrets 等场景。
func (c *Config) applyEnvOverrides() {
	if v := readEnvOrFileAny(
		[]string{"NEONSPARK_GEMINI_API_KEY", "GEMINI_API_KEY"},
		[]string{"NEONSPARK_GEMINI_API_KEY_FILE", "GEMINI_API_KEY_FILE"},
	); v != "" {
		c.Gemini.APIKey = v
	}
	if v := readEnvOrFileAny(
		[]string{"NEONSPARK_REDIS_PASSWORD"},
		[]string{"NEONSPARK_REDIS_PASSWORD_FILE"},
	); v != "" {
		c.RateLimit.Redis.Password = v
	}
	if v := strings.TrimSpace(os.Getenv("NEONSPARK_HTTP_PORT")); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Server.HTTPPort = port
		}
	}
}

// readEnvOrFileAny 从环境变量或文件读取配置值。
// 先按顺序检查 fileKeys 指向的文件，再按顺序检查 envKeys，返回第一个非空值。
func readEnvOrFileAny(envKeys []string, fileKeys []string) string {
	for _, fileKey := range fileKeys {
		if filePath := strings.TrimSpace(os.Getenv(fileKey)); filePath != "" {
			if b, err := os.ReadFile(filePath); err == nil {
				return strings.TrimSpace(string(b))
			}
		}
	}

	for _, envKey := range envKeys {
		if v := strings.TrimSpace(os.Getenv(envKey)); v != "" {
			return v
		}
	}

	return ""
}

func (c *Config) applyDefaults() {
	if c.Server.HTTPPort == 0 {
		c.Server.HTTPPort = 8000
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 30 * time.Second
	}
	if c.Server.RequestTimeout == 0 {
		c.Server.RequestTimeout = 60 * time.Second
	}
	if len(c.Server.AllowedOrigins) == 0 {
		c.Server.AllowedOrigins = []string{"http://localhost:3000", "http://127.0.0.1:3000"}
	}

	if c.Gemini.Model == "" {
		c.Gemini.Model = "gemini-1.5-flash"
	}
	if c.Gemini.BaseURL == "" {
		c.Gemini.BaseURL = "https://generativelanguage.googleapis.com"
	}
	if c.Gemini.RequestTimeout == 0 {
		c.Gemini.RequestTimeout = 5 * time.Minute
	}
	if c.Gemini.Temperature == 0 {
		c.Gemini.Temperature = 0.7
	}
	if c.Gemini.TopP == 0 {
		c.Gemini.TopP = 0.8
	}
	if c.Gemini.TopK == 0 {
		c.Gemini.TopK = 40
	}
	if c.Gemini.MaxOutputTokens == 0 {
		c.Gemini.MaxOutputTokens = 2048
	}

	if c.Tracker.MaxHistory == 0 {
		c.Tracker.MaxHistory = 1000
	}
	if c.Tracker.Retention == 0 {
		c.Tracker.Retention = 24 * time.Hour
	}
	if c.Tracker.RetentionSchedule == "" {
		c.Tracker.RetentionSchedule = "0 */10 * * * *"
	}

	if c.RateLimit.MaxRequests == 0 {
		c.RateLimit.MaxRequests = 100
	}
	if c.RateLimit.Window == 0 {
		c.RateLimit.Window = time.Hour
	}
	if c.RateLimit.Backend == "" {
		c.RateLimit.Backend = "memory"
	}
	if c.RateLimit.SweepSchedule == "" {
		c.RateLimit.SweepSchedule = "0 */5 * * * *"
	}
	if c.RateLimit.Redis.Addr == "" {
		c.RateLimit.Redis.Addr = "localhost:6379"
	}
	if c.RateLimit.Redis.KeyPrefix == "" {
		c.RateLimit.Redis.KeyPrefix = "neonspark:ratelimit:"
	}

	if c.WebSocket.BroadcastInterval == 0 {
		c.WebSocket.BroadcastInterval = 30 * time.Second
	}
	if c.WebSocket.BroadcastBackoff == 0 {
		c.WebSocket.BroadcastBackoff = 5 * time.Second
	}
	if c.WebSocket.ReadBufferSize == 0 {
		c.WebSocket.ReadBufferSize = 4096
	}
	if c.WebSocket.WriteBufferSize == 0 {
		c.WebSocket.WriteBufferSize = 4096
	}
	if c.WebSocket.WriteTimeout == 0 {
		c.WebSocket.WriteTimeout = 10 * time.Second
	}

	if c.Legacy.PollTimeout == 0 {
		c.Legacy.PollTimeout = 30 * time.Second
	}
	if c.Legacy.PollInterval == 0 {
		c.Legacy.PollInterval = 500 * time.Millisecond
	}

	if c.Extract.TesseractPath == "" {
		c.Extract.TesseractPath = "tesseract"
	}
	if c.Extract.PdftoppmPath == "" {
		c.Extract.PdftoppmPath = "pdftoppm"
	}
	if c.Extract.Language == "" {
		c.Extract.Language = "eng"
	}
	if c.Extract.Timeout == 0 {
		c.Extract.Timeout = 2 * time.Minute
	}
	if c.Extract.MaxUploadMB == 0 {
		c.Extract.MaxUploadMB = 20
	}

	if c.Events.NATSURL == "" {
		c.Events.NATSURL = "nats://localhost:4222"
	}
	if c.Events.SubjectPrefix == "" {
		c.Events.SubjectPrefix = "neonspark"
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Metrics.Namespace == "" {
		c.Metrics.Namespace = "neonspark"
	}

	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "neonspark-gateway"
	}
	if c.Telemetry.Endpoint == "" {
		c.Telemetry.Endpoint = "tempo:4317"
	}
	if c.Telemetry.SampleRate == 0 {
		c.Telemetry.SampleRate = 0.1
	}
	if c.Telemetry.Environment == "" {
		c.Telemetry.Environment = "development"
	}
}

func (c *Config) validate() error {
	switch c.RateLimit.Backend {
	case "memory", "redis":
	default:
		return fmt.Errorf("ratelimit.backend must be memory or redis, got %q", c.RateLimit.Backend)
	}
	if c.Legacy.PollInterval > c.Legacy.PollTimeout {
		return fmt.Errorf("legacy.poll_interval (%s) exceeds legacy.poll_timeout (%s)", c.Legacy.PollInterval, c.Legacy.PollTimeout)
	}
	return nil
}

// GeminiAPIKeyConfigured 返回是否配置了访问密钥
func (c *Config) GeminiAPIKeyConfigured() bool {
	return strings.TrimSpace(c.Gemini.APIKey) != ""
}
