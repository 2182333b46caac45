// Package events 把请求状态转换发布到 NATS，供外部系统消费。
// 使用 NATS core 发布（无持久化），subject 形如 <prefix>.request.<status>。
package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/oriys/neonspark/internal/domain"
	"github.com/sirupsen/logrus"
)

// DefaultSubjectPrefix 默认 subject 前缀
const DefaultSubjectPrefix = "neonspark"

// Event 表示网关发出的事件（JSON 格式）。
type Event struct {
	ID        string          `json:"id"`
	RequestID string          `json:"request_id,omitempty"`
	Type      string          `json:"type"`
	Source    string          `json:"source"`
	Subject   string          `json:"subject"`
	From      string          `json:"from,omitempty"`
	Data      json.RawMessage `json:"data"`
	Timestamp time.Time       `json:"timestamp"`
}

// publisher 是 *nats.Conn 的发布能力
type publisher interface {
	Publish(subject string, data []byte) error
}

// EventBus 封装 NATS 连接。
type EventBus struct {
	conn   *nats.Conn
	pub    publisher
	prefix string
	logger *logrus.Logger
	now    func() time.Time
}

// NewEventBus 连接 NATS 并创建 EventBus。
//
// 参数:
//   - natsURL: NATS 地址，例如 nats://localhost:4222
//   - prefix: subject 前缀，空时使用 DefaultSubjectPrefix
//   - logger: 日志记录器
func NewEventBus(natsURL, prefix string, logger *logrus.Logger) (*EventBus, error) {
	nc, err := nats.Connect(natsURL,
		nats.Name("neonspark-gateway"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.WithError(err).Warn("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.WithField("url", c.ConnectedUrl()).Info("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	eb := newEventBus(nc, prefix, logger)
	eb.conn = nc
	return eb, nil
}

func newEventBus(pub publisher, prefix string, logger *logrus.Logger) *EventBus {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return &EventBus{pub: pub, prefix: prefix, logger: logger, now: time.Now}
}

// Close 刷新缓冲并关闭底层 NATS 连接。
func (eb *EventBus) Close() error {
	if eb.conn == nil {
		return nil
	}
	if err := eb.conn.FlushTimeout(2 * time.Second); err != nil {
		eb.logger.WithError(err).Debug("NATS flush before close failed")
	}
	eb.conn.Close()
	return nil
}

// Subject 返回某个状态对应的 subject
func (eb *EventBus) Subject(status domain.Status) string {
	return fmt.Sprintf("%s.request.%s", eb.prefix, status)
}

// Publish 发布事件到事件自带的 subject。
func (eb *EventBus) Publish(event *Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	if err := eb.pub.Publish(event.Subject, data); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}

	eb.logger.WithFields(logrus.Fields{
		"subject":  event.Subject,
		"event_id":   event.ID,
		"request_id": event.RequestID,
		"type":       event.Type,
	}).Debug("Event published")
	return nil
}

// OnTransition 实现 tracker.Observer，把状态转换发布为 request.<status> 事件。
// 发布失败只记录日志，不影响请求本身。
func (eb *EventBus) OnTransition(rec *domain.Record, from domain.Status) {
	data, err := json.Marshal(rec)
	if err != nil {
		eb.logger.WithError(err).WithField("request_id", rec.ID).Error("Failed to encode transition event")
		return
	}
	event := &Event{
		ID:        uuid.NewString(),
		RequestID: rec.ID,
		Type:      "request." + string(rec.Status),
		Source:    "tracker",
		Subject:   eb.Subject(rec.Status),
		From:      string(from),
		Data:      data,
		Timestamp: eb.now(),
	}
	if err := eb.Publish(event); err != nil {
		eb.logger.WithError(err).WithField("request_id", rec.ID).Warn("Failed to publish transition event")
	}
}
