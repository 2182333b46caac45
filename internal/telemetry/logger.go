package telemetry

import (
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/trace"
)

// LogrusHook 把日志条目上下文中的 trace_id / span_id 写入日志字段。
//
// 使用示例：
//
//	logger.AddHook(telemetry.NewLogrusHook())
//	logger.WithContext(ctx).Info("request completed")
type LogrusHook struct{}

// NewLogrusHook 创建钩子
func NewLogrusHook() *LogrusHook {
	return &LogrusHook{}
}

// Levels 在所有级别触发
func (h *LogrusHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

// Fire 实现 logrus.Hook
func (h *LogrusHook) Fire(entry *logrus.Entry) error {
	if entry.Context == nil {
		return nil
	}
	sc := trace.SpanFromContext(entry.Context).SpanContext()
	if !sc.IsValid() {
		return nil
	}
	entry.Data["trace_id"] = sc.TraceID().String()
	entry.Data["span_id"] = sc.SpanID().String()
	if sc.IsSampled() {
		entry.Data["trace_sampled"] = true
	}
	return nil
}
