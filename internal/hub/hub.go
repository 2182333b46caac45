// Package hub 管理 WebSocket 推送连接。
//
// Hub 维护 连接 ID -> 连接 以及 连接 ID -> 订阅的请求 ID 集合 两张表。
// 订阅集合只做记录，广播始终发给所有连接。发送失败的连接视为已断开并被移除。
package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/oriys/neonspark/internal/domain"
	"github.com/sirupsen/logrus"
)

// 消息类型
const (
	TypeServiceStatus       = "service_status"
	TypeServiceStatusUpdate = "service_status_update"
	TypePong                = "pong"
	TypeError               = "error"

	TypeSubscribe   = "subscribe"
	TypeUnsubscribe = "unsubscribe"
	TypeGetStatus   = "get_status"
	TypePing        = "ping"
)

// 默认周期
const (
	DefaultBroadcastInterval = 30 * time.Second
	DefaultBroadcastBackoff  = 5 * time.Second
	DefaultWriteTimeout      = 10 * time.Second
	// DefaultReadLimit 上行控制消息的最大字节数
	DefaultReadLimit = 64 << 10
)

// Conn 是一条推送连接。*websocket.Conn 满足该接口。
type Conn interface {
	WriteJSON(v interface{}) error
	ReadMessage() (messageType int, p []byte, err error)
	SetWriteDeadline(t time.Time) error
	SetReadLimit(limit int64)
	Close() error
}

// StatusProvider 提供服务状态快照
type StatusProvider interface {
	ServiceStatus() domain.ServiceStatus
}

// Message 是下行消息
type Message struct {
	Type      string      `json:"type"`
	Data      interface{} `json:"data,omitempty"`
	Message   string      `json:"message,omitempty"`
	Timestamp string      `json:"timestamp"`
}

// InboundMessage 是上行控制消息
type InboundMessage struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id,omitempty"`
}

// Config Hub 配置
type Config struct {
	// BroadcastInterval 周期性状态广播的间隔
	BroadcastInterval time.Duration
	// BroadcastBackoff 一轮广播出错后的等待时间
	BroadcastBackoff time.Duration
	// OnBroadcast 每轮周期广播完成后调用，参数为送达的连接数（可选）
	OnBroadcast func(delivered int)
	// WriteTimeout 单次写入的截止时间，超时视为发送失败
	WriteTimeout time.Duration
	// ReadLimit 单条上行消息的最大字节数
	ReadLimit int64
}

// client 是一条已注册的连接
type client struct {
	conn Conn
	// writeMu 串行化同一连接上的写入
	writeMu      sync.Mutex
	writeTimeout time.Duration
	subs         map[string]struct{}
}

// write 写入一条消息。对端停止读取时写入在截止时间后返回错误，不会无限阻塞。
func (c *client) write(msg Message) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		return err
	}
	return c.conn.WriteJSON(msg)
}

// Hub 是连接管理器
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*client

	status StatusProvider
	cfg    Config
	logger *logrus.Logger
	now    func() time.Time
}

// New 创建 Hub
func New(status StatusProvider, cfg Config, logger *logrus.Logger) *Hub {
	if cfg.BroadcastInterval <= 0 {
		cfg.BroadcastInterval = DefaultBroadcastInterval
	}
	if cfg.BroadcastBackoff <= 0 {
		cfg.BroadcastBackoff = DefaultBroadcastBackoff
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	if cfg.ReadLimit <= 0 {
		cfg.ReadLimit = DefaultReadLimit
	}
	return &Hub{
		clients: make(map[string]*client),
		status:  status,
		cfg:     cfg,
		logger:  logger,
		now:     time.Now,
	}
}

func (h *Hub) timestamp() string {
	return h.now().Format(time.RFC3339Nano)
}

// StatusMessage 构造一条携带当前服务状态的消息
func (h *Hub) StatusMessage(msgType string) Message {
	return Message{Type: msgType, Data: h.status.ServiceStatus(), Timestamp: h.timestamp()}
}

// Connect 注册连接并立即推送一次服务状态。
// 同一 ID 已有连接时，旧连接被关闭并替换。
func (h *Hub) Connect(id string, conn Conn) {
	h.register(id, conn)
	h.Send(id, h.StatusMessage(TypeServiceStatus))
}

func (h *Hub) register(id string, conn Conn) *client {
	c := &client{conn: conn, writeTimeout: h.cfg.WriteTimeout, subs: make(map[string]struct{})}

	h.mu.Lock()
	old := h.clients[id]
	h.clients[id] = c
	total := len(h.clients)
	h.mu.Unlock()

	if old != nil {
		old.conn.Close()
	}
	h.logger.WithFields(logrus.Fields{"client_id": id, "connections": total}).Info("WebSocket client connected")
	return c
}

// Disconnect 移除连接及其订阅集合并关闭连接，可重复调用
func (h *Hub) Disconnect(id string) {
	h.mu.Lock()
	c, ok := h.clients[id]
	delete(h.clients, id)
	h.mu.Unlock()

	if ok {
		c.conn.Close()
		h.logger.WithField("client_id", id).Info("WebSocket client disconnected")
	}
}

// disconnectClient 只在 id 仍指向 c 时移除，避免误删同 ID 的新连接
func (h *Hub) disconnectClient(id string, c *client) {
	h.mu.Lock()
	current, ok := h.clients[id]
	if ok && current == c {
		delete(h.clients, id)
	}
	h.mu.Unlock()

	if ok && current == c {
		c.conn.Close()
		h.logger.WithField("client_id", id).Info("WebSocket client disconnected")
	}
}

// Send 向单个连接发送消息，发送失败时断开该连接。
// 返回是否发送成功；连接不存在时返回 false。
func (h *Hub) Send(id string, msg Message) bool {
	h.mu.RLock()
	c, ok := h.clients[id]
	h.mu.RUnlock()
	if !ok {
		return false
	}
	if msg.Timestamp == "" {
		msg.Timestamp = h.timestamp()
	}
	if err := c.write(msg); err != nil {
		h.logger.WithField("client_id", id).WithError(err).Warn("Failed to send message")
		h.disconnectClient(id, c)
		return false
	}
	return true
}

// Broadcast 向所有连接发送消息，返回成功发送的数量。
// 发送失败的连接在整轮发送结束后统一断开。
func (h *Hub) Broadcast(msg Message) int {
	h.mu.RLock()
	targets := make(map[string]*client, len(h.clients))
	for id, c := range h.clients {
		targets[id] = c
	}
	h.mu.RUnlock()

	if len(targets) == 0 {
		return 0
	}
	if msg.Timestamp == "" {
		msg.Timestamp = h.timestamp()
	}

	sent := 0
	failed := make(map[string]*client)
	for id, c := range targets {
		if err := c.write(msg); err != nil {
			h.logger.WithField("client_id", id).WithError(err).Warn("Failed to broadcast message")
			failed[id] = c
			continue
		}
		sent++
	}
	for id, c := range failed {
		h.disconnectClient(id, c)
	}
	return sent
}

// HandleInbound 处理一条上行消息。
// 非法 JSON 回复 error 消息；未知类型忽略。
func (h *Hub) HandleInbound(id string, raw []byte) {
	var msg InboundMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		h.logger.WithField("client_id", id).Warn("Invalid JSON from client")
		h.Send(id, Message{Type: TypeError, Message: "Invalid JSON format"})
		return
	}

	switch msg.Type {
	case TypeSubscribe, TypeUnsubscribe:
		if msg.RequestID == "" {
			return
		}
		h.mu.Lock()
		c, ok := h.clients[id]
		if ok {
			if msg.Type == TypeSubscribe {
				c.subs[msg.RequestID] = struct{}{}
			} else {
				delete(c.subs, msg.RequestID)
			}
		}
		h.mu.Unlock()
		if ok {
			h.logger.WithFields(logrus.Fields{
				"client_id":  id,
				"request_id": msg.RequestID,
				"action":     msg.Type,
			}).Info("Subscription updated")
		}
	case TypeGetStatus:
		h.Send(id, h.StatusMessage(TypeServiceStatus))
	case TypePing:
		h.Send(id, Message{Type: TypePong})
	default:
		h.logger.WithFields(logrus.Fields{"client_id": id, "type": msg.Type}).Debug("Ignoring unknown message type")
	}
}

// Subscriptions 返回连接订阅的请求 ID（已排序）
func (h *Hub) Subscriptions(id string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.clients[id]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(c.subs))
	for rid := range c.subs {
		out = append(out, rid)
	}
	sort.Strings(out)
	return out
}

// ConnectionCount 返回当前连接数
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Serve 注册连接并阻塞读取上行消息，直到连接断开或 ctx 结束。
// 退出时只移除本次注册的连接。
func (h *Hub) Serve(ctx context.Context, id string, conn Conn) {
	conn.SetReadLimit(h.cfg.ReadLimit)
	c := h.register(id, conn)
	defer h.disconnectClient(id, c)

	h.Send(id, h.StatusMessage(TypeServiceStatus))

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-stop:
		}
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.WithField("client_id", id).WithError(err).Debug("WebSocket read error")
			}
			return
		}
		h.HandleInbound(id, raw)
	}
}

// Run 周期性广播服务状态，直到 ctx 结束。
// 没有连接时跳过本轮；某一轮出错（包括 panic）后等待退避时间再继续。
func (h *Hub) Run(ctx context.Context) {
	h.logger.WithField("interval", h.cfg.BroadcastInterval).Info("Status broadcaster started")
	defer h.logger.Info("Status broadcaster stopped")

	for {
		if !sleepCtx(ctx, h.cfg.BroadcastInterval) {
			return
		}
		if err := h.broadcastCycle(); err != nil {
			h.logger.WithError(err).Error("Error in periodic status broadcast")
			if !sleepCtx(ctx, h.cfg.BroadcastBackoff) {
				return
			}
		}
	}
}

func (h *Hub) broadcastCycle() (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("broadcast panicked: %v", p)
		}
	}()
	if h.ConnectionCount() == 0 {
		return nil
	}
	sent := h.Broadcast(h.StatusMessage(TypeServiceStatusUpdate))
	if h.cfg.OnBroadcast != nil {
		h.cfg.OnBroadcast(sent)
	}
	return nil
}

// CloseAll 关闭并移除所有连接
func (h *Hub) CloseAll() {
	h.mu.Lock()
	clients := h.clients
	h.clients = make(map[string]*client)
	h.mu.Unlock()

	for _, c := range clients {
		c.conn.Close()
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
