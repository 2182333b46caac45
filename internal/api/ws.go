package api

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/oriys/neonspark/internal/hub"
	"github.com/sirupsen/logrus"
)

// WSHandler 处理 WebSocket 推送连接的升级，连接建立后交给 Hub 管理。
type WSHandler struct {
	hub      *hub.Hub
	upgrader websocket.Upgrader
	logger   *logrus.Logger
}

// NewWSHandler 创建 WebSocket 处理器。
//
// 参数：
//   - h: 推送 Hub
//   - readBuffer, writeBuffer: 升级器缓冲区大小，0 使用 4096
//   - allowedOrigins: 允许的 Origin，包含 "*" 时放行任意来源；没有 Origin 头的非浏览器客户端始终放行
//   - logger: 日志记录器
func NewWSHandler(h *hub.Hub, readBuffer, writeBuffer int, allowedOrigins []string, logger *logrus.Logger) *WSHandler {
	if readBuffer <= 0 {
		readBuffer = 4096
	}
	if writeBuffer <= 0 {
		writeBuffer = 4096
	}
	allowed := make(map[string]struct{}, len(allowedOrigins))
	allowAll := false
	for _, o := range allowedOrigins {
		o = strings.TrimRight(strings.TrimSpace(o), "/")
		if o == "*" {
			allowAll = true
		}
		allowed[o] = struct{}{}
	}

	return &WSHandler{
		hub:    h,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  readBuffer,
			WriteBufferSize: writeBuffer,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				if origin == "" || allowAll {
					return true
				}
				_, ok := allowed[origin]
				return ok
			},
		},
	}
}

// Handle 处理 WebSocket 连接。
// HTTP端点: GET /ws/{client_id}
//
// 连接建立后立即推送一次 service_status，随后处理 subscribe、unsubscribe、
// get_status 和 ping 消息，直到连接断开。
func (wh *WSHandler) Handle(w http.ResponseWriter, r *http.Request) {
	clientID := chi.URLParam(r, "client_id")
	if clientID == "" {
		writeError(w, r, http.StatusBadRequest, "client_id is required")
		return
	}

	conn, err := wh.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade 失败时已经写入了 HTTP 错误响应
		wh.logger.WithError(err).WithField("client_id", clientID).Warn("WebSocket upgrade failed")
		return
	}

	entry := wh.logger.WithFields(logrus.Fields{
		"client_id":   clientID,
		"remote_addr": r.RemoteAddr,
	})
	entry.Debug("WebSocket upgrade accepted")

	wh.hub.Serve(r.Context(), clientID, conn)

	entry.Debug("WebSocket read loop finished")
}
