package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/oriys/neonspark/internal/domain"
	"github.com/oriys/neonspark/internal/telemetry"
)

// statusClientClosedRequest 表示请求在完成前被取消（nginx 约定的 499）
const statusClientClosedRequest = 499

// maxJSONBodyBytes JSON 请求体的大小上限
const maxJSONBodyBytes = 64 << 10

// ErrorResponse 是统一的错误响应结构。
// 只携带错误信息字符串，不暴露调用栈等内部细节。
type ErrorResponse struct {
	// Error 错误信息
	Error string `json:"error"`
	// RequestID 本次 HTTP 请求的 ID，便于与服务端日志关联
	RequestID string `json:"request_id,omitempty"`
	// TraceID 分布式追踪 ID（启用遥测时存在）
	TraceID string `json:"trace_id,omitempty"`
}

// writeJSON 将数据序列化为 JSON 并写入响应。
//
// 参数：
//   - w: HTTP响应写入器
//   - status: HTTP状态码
//   - data: 要序列化的数据
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// decodeJSONBody 解析 JSON 请求体，超过 maxJSONBodyBytes 时返回 413，格式错误返回 400。
// 出错时已写入响应。
func decodeJSONBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, r, http.StatusRequestEntityTooLarge, fmt.Sprintf("Request body exceeds %d bytes", maxJSONBodyBytes))
			return false
		}
		writeError(w, r, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}

// writeError 写入错误响应，附带请求 ID 和追踪 ID。
func writeError(w http.ResponseWriter, r *http.Request, status int, message string) {
	resp := ErrorResponse{Error: message}
	if r != nil {
		resp.RequestID = middleware.GetReqID(r.Context())
		resp.TraceID = telemetry.TraceIDFromContext(r.Context())
	}
	writeJSON(w, status, resp)
}

// statusForError 将领域错误映射为 HTTP 状态码
func statusForError(err error) int {
	switch {
	case domain.IsValidation(err):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, domain.ErrServiceUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, domain.ErrRequestNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}
