// Package metrics 提供 Prometheus 指标采集与上报的统一封装。
// 该包集中定义网关关键指标（生成请求、限流、WebSocket 推送），便于在各模块复用并保持标签一致。
package metrics

import (
	"github.com/oriys/neonspark/internal/domain"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics 封装网关运行时指标集合。
//
// 指标分类:
//   - 请求指标: 跟踪生成请求的状态转换、耗时和活动数量
//   - 限流指标: 统计准入检查结果
//   - 推送指标: 监控 WebSocket 连接和广播
type Metrics struct {
	// ========== 请求相关指标 ==========

	// RequestsTotal 进入各状态的请求次数
	// 标签: status
	RequestsTotal *prometheus.CounterVec

	// RequestDuration 生成调用耗时直方图（单位：秒），仅统计 completed
	// 桶边界: 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300 s
	RequestDuration prometheus.Histogram

	// ActiveRequests 当前未进入终态的请求数
	ActiveRequests prometheus.Gauge

	// ========== 限流相关指标 ==========

	// RateLimitChecks 准入检查次数
	// 标签: result (allowed/rejected/error)
	RateLimitChecks *prometheus.CounterVec

	// ========== 推送相关指标 ==========

	// BroadcastsTotal 周期广播和手动广播的次数
	BroadcastsTotal prometheus.Counter

	// ========== 维护任务相关指标 ==========

	// PrunedRecords 被保留策略删除的记录数
	PrunedRecords prometheus.Counter

	namespace string
	reg       prometheus.Registerer
}

// NewMetrics 创建并注册一组 Prometheus 指标。
// namespace 用于作为所有指标名前缀；reg 为 nil 时注册到默认注册表。
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &Metrics{
		RequestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "requests_total",
				Help:      "Total number of request state transitions by target status",
			},
			[]string{"status"},
		),
		RequestDuration: f.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "generation_duration_seconds",
				Help:      "Generation call duration for completed requests",
				Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
			},
		),
		ActiveRequests: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_requests",
				Help:      "Number of requests not yet in a terminal state",
			},
		),
		RateLimitChecks: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rate_limit_checks_total",
				Help:      "Total number of admission checks",
			},
			[]string{"result"},
		),
		BroadcastsTotal: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ws_broadcasts_total",
				Help:      "Total number of status broadcasts",
			},
		),
		PrunedRecords: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "pruned_records_total",
				Help:      "Total number of records removed by the retention job",
			},
		),
		namespace: namespace,
		reg:       reg,
	}
}

// OnTransition 实现 tracker.Observer，根据状态转换更新请求指标
func (m *Metrics) OnTransition(rec *domain.Record, from domain.Status) {
	m.RequestsTotal.WithLabelValues(string(rec.Status)).Inc()

	switch {
	case from == "":
		m.ActiveRequests.Inc()
	case rec.Status.IsTerminal():
		m.ActiveRequests.Dec()
	}
	if rec.Status == domain.StatusCompleted && rec.ProcessingTime != nil {
		m.RequestDuration.Observe(*rec.ProcessingTime)
	}
}

// RecordRateLimit 记录一次准入检查结果
func (m *Metrics) RecordRateLimit(allowed bool, err error) {
	result := "allowed"
	switch {
	case err != nil:
		result = "error"
	case !allowed:
		result = "rejected"
	}
	m.RateLimitChecks.WithLabelValues(result).Inc()
}

// RegisterConnectionGauge 注册一个按需读取连接数的 Gauge
func (m *Metrics) RegisterConnectionGauge(count func() int) {
	promauto.With(m.reg).NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: m.namespace,
			Name:      "ws_connections",
			Help:      "Number of live WebSocket connections",
		},
		func() float64 { return float64(count()) },
	)
}
