package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/oriys/neonspark/internal/domain"
	"github.com/oriys/neonspark/internal/extract"
)

// 兼容旧版客户端的同步接口。
// 这些接口提交请求后在同一个 HTTP 请求内轮询，直到请求进入终态或等待超时。

const notConfiguredMessage = "AI service not configured. Please set GEMINI_API_KEY."

// maxExtractedChars 提取文本截断长度，为分析提示词模板留出空间
const maxExtractedChars = domain.MaxPromptLength - 500

// ChatRequest 是旧版对话接口的请求体
type ChatRequest struct {
	Message      string  `json:"message"`
	ThinkingMode bool    `json:"thinking_mode"`
	SessionID    *string `json:"session_id"`
}

// ChatResponse 是旧版对话接口的响应体
type ChatResponse struct {
	Response       string        `json:"response"`
	ThinkingSteps  []interface{} `json:"thinking_steps"`
	SessionID      *string       `json:"session_id"`
	ProcessingTime *float64      `json:"processing_time"`
	Model          string        `json:"model"`
}

// errWaitTimeout 表示等待期间请求没有进入终态
var errWaitTimeout = errors.New("request timeout")

// awaitTerminal 等待请求进入终态。
// 执行单元结束时立即唤醒，否则按 PollInterval 轮询，最长等待 PollTimeout。
//
// 返回:
//   - *domain.Record: 终态记录快照
//   - error: errWaitTimeout、ctx 的错误，或 ErrRequestNotFound
func (h *Handler) awaitTerminal(ctx context.Context, id string) (*domain.Record, error) {
	deadline := time.NewTimer(h.opts.PollTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(h.opts.PollInterval)
	defer ticker.Stop()
	done := h.tracker.Done(id)

	for {
		rec, ok := h.tracker.Get(id)
		if !ok {
			return nil, domain.ErrRequestNotFound
		}
		if rec.Status.IsTerminal() {
			return rec, nil
		}

		select {
		case <-done:
			// 执行单元已结束，下一轮读取终态；之后不再监听该通道
			done = nil
		case <-ticker.C:
		case <-deadline.C:
			return nil, errWaitTimeout
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// submitAndWait 经过准入检查后提交请求并等待结束。
// 提交失败时已写入响应并返回 ok=false；等待超时时 rec 为 nil。
func (h *Handler) submitAndWait(w http.ResponseWriter, r *http.Request, req domain.SubmitRequest) (id string, rec *domain.Record, ok bool) {
	if err := req.Validate(); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return "", nil, false
	}
	if !h.admit(w, r) {
		return "", nil, false
	}
	id, err := h.tracker.Submit(r.Context(), req)
	if err != nil {
		if isUnavailable(err) {
			writeError(w, r, http.StatusServiceUnavailable, notConfiguredMessage)
		} else {
			writeError(w, r, statusForError(err), err.Error())
		}
		return "", nil, false
	}
	rec, err = h.awaitTerminal(r.Context(), id)
	if err != nil {
		h.logger.WithError(err).WithField("request_id", id).Warn("Request did not finish in time")
		return id, nil, true
	}
	return id, rec, true
}

// Chat 旧版对话接口。
// HTTP端点: POST /api/chat
//
// 返回值：
//   - 200: 生成完成
//   - 408: 等待超时
//   - 499: 请求被取消
//   - 500: 生成失败
//   - 503: 未配置访问密钥
func (h *Handler) Chat(w http.ResponseWriter, r *http.Request) {
	var req ChatRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}
	if h.adapter.State() == domain.ServiceConfigurationError {
		writeError(w, r, http.StatusServiceUnavailable, notConfiguredMessage)
		return
	}

	params := map[string]interface{}{
		"thinking_mode": req.ThinkingMode,
		"temperature":   0.7,
	}
	if req.SessionID != nil {
		params["session_id"] = *req.SessionID
	}

	_, rec, ok := h.submitAndWait(w, r, domain.SubmitRequest{Prompt: req.Message, Parameters: params})
	if !ok {
		return
	}
	if rec == nil {
		writeError(w, r, http.StatusRequestTimeout, "Request timeout")
		return
	}

	switch rec.Status {
	case domain.StatusFailed:
		msg := rec.Error
		if msg == "" {
			msg = "AI processing failed"
		}
		writeError(w, r, http.StatusInternalServerError, msg)
		return
	case domain.StatusCancelled:
		writeError(w, r, statusClientClosedRequest, "Request was cancelled")
		return
	}

	resp := ChatResponse{
		Response:       rec.Result,
		ThinkingSteps:  []interface{}{},
		SessionID:      req.SessionID,
		ProcessingTime: rec.ProcessingTime,
		Model:          h.adapter.Model(),
	}
	if resp.Response == "" {
		resp.Response = "No response generated"
	}
	if steps, ok := rec.Metadata["thinking_steps"].([]interface{}); ok {
		resp.ThinkingSteps = steps
	}
	writeJSON(w, http.StatusOK, resp)
}

// upload 是解析后的 multipart 上传文件
type upload struct {
	filename    string
	contentType string
	data        []byte
}

// readUpload 读取表单字段 file，大小受 MaxUploadBytes 限制。
// 出错时已写入响应。
func (h *Handler) readUpload(w http.ResponseWriter, r *http.Request) (*upload, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, h.opts.MaxUploadBytes)
	if err := r.ParseMultipartForm(h.opts.MaxUploadBytes); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, r, http.StatusRequestEntityTooLarge, fmt.Sprintf("File exceeds %d bytes", h.opts.MaxUploadBytes))
			return nil, false
		}
		writeError(w, r, http.StatusBadRequest, "invalid multipart form: "+err.Error())
		return nil, false
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "missing file field")
		return nil, false
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "failed to read upload: "+err.Error())
		return nil, false
	}
	return &upload{
		filename:    header.Filename,
		contentType: header.Header.Get("Content-Type"),
		data:        data,
	}, true
}

// AnalyzeImage 旧版图片分析接口。
// HTTP端点: POST /api/analyze-image (multipart, 字段 file)
//
// 提示词由文件名合成；请求未以 completed 结束时返回 500。
func (h *Handler) AnalyzeImage(w http.ResponseWriter, r *http.Request) {
	up, ok := h.readUpload(w, r)
	if !ok {
		return
	}
	if !strings.HasPrefix(up.contentType, "image/") {
		writeError(w, r, http.StatusBadRequest, "File must be an image")
		return
	}
	if h.adapter.State() == domain.ServiceConfigurationError {
		writeError(w, r, http.StatusServiceUnavailable, notConfiguredMessage)
		return
	}

	req := domain.SubmitRequest{
		Prompt: fmt.Sprintf("Analyze this image in detail. Describe what you see, identify objects, text, colors, and any other notable features. Image filename: %s", up.filename),
		Parameters: map[string]interface{}{
			"type":         "image_analysis",
			"filename":     up.filename,
			"content_type": up.contentType,
			"size":         len(up.data),
			"model":        h.adapter.Model(),
		},
	}
	id, rec, ok := h.submitAndWait(w, r, req)
	if !ok {
		return
	}
	if rec == nil || rec.Status != domain.StatusCompleted {
		writeError(w, r, http.StatusInternalServerError, analysisFailure(rec))
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"analysis":        rec.Result,
		"filename":        up.filename,
		"processing_time": rec.ProcessingTime,
		"request_id":      id,
		"model":           h.adapter.Model(),
		"metadata":        rec.Metadata,
	})
}

// AnalyzeDocument 文档分析接口：先 OCR 提取文本，再提交分析请求。
// HTTP端点: POST /api/analyze-document (multipart, 字段 file，图片或 PDF)
func (h *Handler) AnalyzeDocument(w http.ResponseWriter, r *http.Request) {
	if h.extractor == nil {
		writeError(w, r, http.StatusNotImplemented, "document analysis is not enabled")
		return
	}
	up, ok := h.readUpload(w, r)
	if !ok {
		return
	}
	if !extract.IsImage(up.contentType) && !extract.IsPDF(up.contentType, up.filename) {
		writeError(w, r, http.StatusBadRequest, "File must be an image or PDF")
		return
	}
	if h.adapter.State() == domain.ServiceConfigurationError {
		writeError(w, r, http.StatusServiceUnavailable, notConfiguredMessage)
		return
	}

	text, err := h.extractor.Extract(r.Context(), up.contentType, up.filename, up.data)
	if err != nil {
		if errors.Is(err, extract.ErrUnsupportedType) {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		h.logger.WithError(err).WithField("filename", up.filename).Error("Text extraction failed")
		writeError(w, r, http.StatusInternalServerError, "Text extraction failed")
		return
	}
	text = strings.TrimSpace(text)
	if text == "" {
		writeError(w, r, http.StatusUnprocessableEntity, "No text could be extracted from the document")
		return
	}
	if runes := []rune(text); len(runes) > maxExtractedChars {
		text = string(runes[:maxExtractedChars])
	}

	req := domain.SubmitRequest{
		Prompt: extract.AnalysisPrompt(text),
		Parameters: map[string]interface{}{
			"type":         "document_analysis",
			"filename":     up.filename,
			"content_type": up.contentType,
			"size":         len(up.data),
		},
	}
	id, rec, ok := h.submitAndWait(w, r, req)
	if !ok {
		return
	}
	if rec == nil || rec.Status != domain.StatusCompleted {
		writeError(w, r, http.StatusInternalServerError, analysisFailure(rec))
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"analysis":             rec.Result,
		"filename":             up.filename,
		"extracted_characters": len([]rune(text)),
		"request_id":           id,
		"processing_time":      rec.ProcessingTime,
		"model":                h.adapter.Model(),
	})
}

func analysisFailure(rec *domain.Record) string {
	if rec != nil && rec.Error != "" {
		return rec.Error
	}
	return "Analysis failed"
}
