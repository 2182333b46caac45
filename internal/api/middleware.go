package api

import (
	"fmt"
	"net"
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"
)

// corsMiddleware 返回只放行 allowedOrigins 中来源的 CORS 中间件。
// 列表包含 "*" 时放行任意来源。
func corsMiddleware(allowedOrigins []string) func(http.Handler) http.Handler {
	allowAll := false
	allowed := make(map[string]struct{}, len(allowedOrigins))
	for _, o := range allowedOrigins {
		o = strings.TrimRight(strings.TrimSpace(o), "/")
		if o == "*" {
			allowAll = true
		}
		allowed[o] = struct{}{}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin != "" {
				if _, ok := allowed[origin]; ok || allowAll {
					w.Header().Set("Access-Control-Allow-Origin", origin)
					w.Header().Set("Access-Control-Allow-Credentials", "true")
					w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
					w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-Id")
				}
				w.Header().Add("Vary", "Origin")
			}

			// 预检请求直接返回
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusOK)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// recoverMiddleware 捕获 handler 中的 panic，记录完整堆栈，
// 只向客户端返回错误消息、时间戳和请求路径。
func recoverMiddleware(logger *logrus.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rv := recover()
				if rv == nil {
					return
				}
				if rv == http.ErrAbortHandler {
					panic(rv)
				}

				logger.WithFields(logrus.Fields{
					"request_id": middleware.GetReqID(r.Context()),
					"method":     r.Method,
					"path":       r.URL.Path,
					"panic":      fmt.Sprint(rv),
					"stack":      string(debug.Stack()),
				}).Error("Unhandled exception")

				if r.Header.Get("Connection") == "Upgrade" {
					return
				}
				writeJSON(w, http.StatusInternalServerError, map[string]interface{}{
					"error":     "Internal server error",
					"detail":    fmt.Sprint(rv),
					"timestamp": time.Now().Format(time.RFC3339Nano),
					"path":      r.URL.String(),
				})
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// requestLogger 用 logrus 记录每个请求的方法、路径、状态码和耗时
func requestLogger(logger *logrus.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			defer func() {
				entry := logger.WithContext(r.Context()).WithFields(logrus.Fields{
					"request_id":  middleware.GetReqID(r.Context()),
					"method":      r.Method,
					"path":        r.URL.Path,
					"remote_addr": r.RemoteAddr,
					"status":      ww.Status(),
					"bytes":       ww.BytesWritten(),
					"duration_ms": time.Since(start).Milliseconds(),
				})
				switch {
				case ww.Status() >= 500:
					entry.Warn("HTTP request failed")
				default:
					entry.Debug("HTTP request")
				}
			}()
			next.ServeHTTP(ww, r)
		})
	}
}

// clientKey 返回限流使用的客户端标识。
// RealIP 中间件之后 RemoteAddr 可能已不带端口。
func clientKey(r *http.Request) string {
	addr := strings.TrimSpace(r.RemoteAddr)
	if addr == "" {
		return "unknown"
	}
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}
