package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/viper"
)

func contains(s, substr string) bool {
	return bytes.Contains([]byte(s), []byte(substr))
}

// execute 运行命令并返回输出。
// 标志变量是包级全局变量，测试需显式传入会影响结果的标志。
func execute(t *testing.T, serverURL string, args ...string) (string, error) {
	t.Helper()
	viper.Set("api_url", serverURL)
	t.Cleanup(func() { viper.Set("api_url", "") })

	var buf bytes.Buffer
	rootCmd.SetOut(&buf)
	rootCmd.SetErr(&buf)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return buf.String(), err
}

func TestSubmit_NoWait(t *testing.T) {
	var got SubmitRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/ai/process" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		json.NewDecoder(r.Body).Decode(&got)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"success":    true,
			"request_id": "req-123",
			"status":     "submitted",
		})
	}))
	defer server.Close()

	out, err := execute(t, server.URL, "submit", "hello", "world",
		"--wait=false", "--priority", "3", "--param", "temperature=0.2", "--param", "max_tokens=64", "-o", "table")
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if !contains(out, "req-123") || !contains(out, "submitted") {
		t.Errorf("unexpected output: %s", out)
	}
	if got.Prompt != "hello world" || got.Priority != 3 {
		t.Errorf("request = %+v", got)
	}
	if got.Parameters["temperature"] != 0.2 || got.Parameters["max_tokens"] != float64(64) {
		t.Errorf("parameters = %v", got.Parameters)
	}
}

func TestSubmit_WaitsForResult(t *testing.T) {
	var polls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost:
			json.NewEncoder(w).Encode(map[string]interface{}{"success": true, "request_id": "req-9", "status": "submitted"})
		case r.URL.Path == "/api/ai/status/req-9":
			status := "processing"
			result := ""
			if polls.Add(1) > 1 {
				status, result = "completed", "Channels are typed conduits."
			}
			json.NewEncoder(w).Encode(map[string]interface{}{
				"success": true,
				"request": map[string]interface{}{
					"request_id": "req-9",
					"status":     status,
					"prompt":     "explain channels",
					"result":     result,
					"created_at": time.Now().Format(time.RFC3339),
				},
			})
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	out, err := execute(t, server.URL, "submit", "explain channels", "--wait=true", "--wait-timeout", "5s", "-o", "table")
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if !contains(out, "Channels are typed conduits.") || !contains(out, "req-9") {
		t.Errorf("unexpected output: %s", out)
	}
	if polls.Load() < 2 {
		t.Errorf("polls = %d, want at least 2", polls.Load())
	}
}

func TestSubmit_APIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		json.NewEncoder(w).Encode(map[string]string{
			"error":      "Rate limit exceeded. Too many requests.",
			"request_id": "rid-1",
		})
	}))
	defer server.Close()

	_, err := execute(t, server.URL, "submit", "hi", "--wait=false", "-o", "table")
	if err == nil {
		t.Fatal("expected error")
	}
	if !contains(err.Error(), "429") || !contains(err.Error(), "Rate limit exceeded") || !contains(err.Error(), "rid-1") {
		t.Errorf("error = %v", err)
	}
}

func TestSubmit_FromFile(t *testing.T) {
	var got SubmitRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&got)
		json.NewEncoder(w).Encode(map[string]interface{}{"success": true, "request_id": "req-f", "status": "submitted"})
	}))
	defer server.Close()

	path := filepath.Join(t.TempDir(), "prompt.md")
	if err := os.WriteFile(path, []byte("  summarize this file\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { submitFile = "" })

	out, err := execute(t, server.URL, "submit", "--file", path, "--wait=false", "-o", "table")
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if got.Prompt != "summarize this file" || !contains(out, "req-f") {
		t.Errorf("prompt = %q, output = %s", got.Prompt, out)
	}
}

func TestSubmit_RequiresPrompt(t *testing.T) {
	if _, err := execute(t, "http://127.0.0.1:1", "submit", "--wait=false"); err == nil {
		t.Fatal("expected error without prompt or --file")
	}
}

func TestPromptWatcher(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "prompt.md")
	if err := os.WriteFile(path, []byte("v1"), 0o644); err != nil {
		t.Fatal(err)
	}

	w, err := newPromptWatcher(path)
	if err != nil {
		t.Fatalf("newPromptWatcher: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	changes := make(chan string, 4)
	done := make(chan error, 1)
	go func() {
		done <- w.Run(ctx, func(p string) error {
			changes <- p
			return nil
		}, func(error) {})
	}()

	// 同目录下其他文件的变化不触发回调
	os.WriteFile(filepath.Join(dir, "other.txt"), []byte("x"), 0o644)
	if err := os.WriteFile(path, []byte("v2\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	select {
	case p := <-changes:
		if p != "v2" {
			t.Errorf("prompt = %q, want v2", p)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no change reported")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestHistory(t *testing.T) {
	var query string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		query = r.URL.RawQuery
		json.NewEncoder(w).Encode(map[string]interface{}{
			"success": true,
			"history": []map[string]interface{}{
				{"request_id": "r-1", "status": "failed", "prompt": "first\nprompt", "priority": 2, "created_at": time.Now().Add(-3 * time.Minute).Format(time.RFC3339)},
			},
			"count": 1,
		})
	}))
	defer server.Close()

	out, err := execute(t, server.URL, "history", "--limit", "5", "--status", "failed", "-o", "table")
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if !contains(out, "r-1") || !contains(out, "first prompt") || !contains(out, "3m ago") {
		t.Errorf("unexpected output: %s", out)
	}
	if query != "limit=5&status=failed" {
		t.Errorf("query = %q", query)
	}
}

func TestHistory_JSON(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{"history": []interface{}{}, "count": 0})
	}))
	defer server.Close()

	out, err := execute(t, server.URL, "history", "--limit", "50", "--status", "", "-o", "json")
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if strings.TrimSpace(out) != "[]" {
		t.Errorf("unexpected output: %q", out)
	}
}

func TestStatus_Service(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/ai/status" {
			t.Errorf("path = %s", r.URL.Path)
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"success": true,
			"service": map[string]interface{}{
				"status":         "healthy",
				"model":          "gemini-2.5-flash",
				"total_requests": 42,
				"success_rate":   97.5,
			},
		})
	}))
	defer server.Close()

	out, err := execute(t, server.URL, "status", "-o", "yaml")
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if !contains(out, "model: gemini-2.5-flash") || !contains(out, "total_requests: 42") {
		t.Errorf("unexpected output: %s", out)
	}
}

func TestStatus_RequestNotFound(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(map[string]string{"error": "Request missing not found"})
	}))
	defer server.Close()

	_, err := execute(t, server.URL, "status", "missing", "-o", "table")
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Code != http.StatusNotFound {
		t.Errorf("error = %v, want 404 APIError", err)
	}
}

func TestCancel(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodDelete || r.URL.Path != "/api/ai/cancel/r-7" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		json.NewEncoder(w).Encode(map[string]interface{}{"success": true, "message": "Request r-7 cancelled"})
	}))
	defer server.Close()

	out, err := execute(t, server.URL, "cancel", "r-7")
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if !contains(out, "Request r-7 cancelled") {
		t.Errorf("unexpected output: %s", out)
	}
}

func TestHealth_Degraded(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"status":  "degraded",
			"backend": "NeonSpark AI Backend v2.1.0",
			"gemini":  map[string]interface{}{"status": "not_configured"},
		})
	}))
	defer server.Close()

	out, err := execute(t, server.URL, "health", "-o", "table")
	if err == nil || !contains(err.Error(), "degraded") {
		t.Errorf("error = %v, want degraded", err)
	}
	if !contains(out, "NeonSpark AI Backend") || !contains(out, "not_configured") {
		t.Errorf("unexpected output: %s", out)
	}
}

func TestWatch(t *testing.T) {
	upgrader := websocket.Upgrader{}
	paths := make(chan string, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths <- r.URL.Path
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()

		var sub map[string]string
		if err := conn.ReadJSON(&sub); err != nil || sub["type"] != "subscribe" || sub["request_id"] != "r-1" {
			t.Errorf("subscribe = %v (%v)", sub, err)
		}
		for _, typ := range []string{"service_status", "service_status_update"} {
			conn.WriteJSON(map[string]interface{}{
				"type":      typ,
				"data":      map[string]interface{}{"status": "healthy", "active_requests": 1, "total_requests": 3},
				"timestamp": "2026-01-01T00:00:00Z",
			})
		}
		conn.ReadMessage()
	}))
	defer server.Close()

	out, err := execute(t, server.URL, "watch", "r-1", "--client-id", "cli-test", "--count", "2", "-o", "table")
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if path := <-paths; path != "/ws/cli-test" {
		t.Errorf("path = %s", path)
	}
	if !contains(out, "service_status_update") || !contains(out, "total=3") {
		t.Errorf("unexpected output: %s", out)
	}
}

func TestPrintWatchMessage_YAML(t *testing.T) {
	var buf bytes.Buffer
	p := &Printer{format: "yaml", writer: &buf}
	msg := &wsMessage{
		Type:      "service_status_update",
		Data:      json.RawMessage(`{"status":"healthy","total_requests":3}`),
		Timestamp: "2026-01-01T00:00:00Z",
	}
	if err := printWatchMessage(p, msg); err != nil {
		t.Fatalf("printWatchMessage: %v", err)
	}
	out := buf.String()
	if !contains(out, "type: service_status_update") || !contains(out, "total_requests: 3") {
		t.Errorf("unexpected output: %s", out)
	}
	if contains(out, "{") {
		t.Errorf("yaml output contains JSON: %s", out)
	}
}

func TestWebSocketURL(t *testing.T) {
	tests := map[string]string{
		"http://localhost:8000": "ws://localhost:8000/ws/a",
		"https://api.example/":  "wss://api.example/ws/a",
	}
	for base, want := range tests {
		c := &Client{baseURL: strings.TrimRight(base, "/")}
		if got := c.WebSocketURL("a"); got != want {
			t.Errorf("WebSocketURL(%q) = %q, want %q", base, got, want)
		}
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("hello", 10); got != "hello" {
		t.Errorf("truncate = %q", got)
	}
	if got := truncate("你好世界你好世界", 6); got != "你好世..." {
		t.Errorf("truncate = %q", got)
	}
}
