package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/oriys/neonspark/internal/hub"
	"github.com/oriys/neonspark/internal/ratelimit"
	"github.com/oriys/neonspark/internal/tracker"
)

func TestWebSocket_EndToEnd(t *testing.T) {
	logger := testLogger()
	gen := healthy()
	tr := tracker.New(gen, tracker.Config{}, logger)
	t.Cleanup(func() { tr.Shutdown(context.Background()) })

	hb := hub.New(tr, hub.Config{}, logger)
	h := NewHandler(tr, ratelimit.New(ratelimit.Config{}, nil), gen, Options{}, logger).WithConnections(hb)
	router := NewRouter(&RouterConfig{
		Handler:        h,
		WSHandler:      NewWSHandler(hb, 0, 0, []string{"http://localhost:3000"}, logger),
		Logger:         logger,
		DisableMetrics: true,
	})
	srv := httptest.NewServer(router)
	defer srv.Close()
	defer hb.CloseAll()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/client-1"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	var msg map[string]interface{}
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read initial status: %v", err)
	}
	if msg["type"] != hub.TypeServiceStatus || msg["timestamp"] == "" {
		t.Fatalf("initial message = %v", msg)
	}
	data := msg["data"].(map[string]interface{})
	if data["status"] != "healthy" || data["model"] != "gemini-test" {
		t.Errorf("status data = %v", data)
	}

	if err := conn.WriteJSON(map[string]string{"type": "ping"}); err != nil {
		t.Fatalf("write ping: %v", err)
	}
	msg = nil
	if err := conn.ReadJSON(&msg); err != nil || msg["type"] != hub.TypePong {
		t.Fatalf("expected pong, got %v (%v)", msg, err)
	}

	if err := conn.WriteMessage(websocket.TextMessage, []byte("{not json")); err != nil {
		t.Fatalf("write invalid: %v", err)
	}
	msg = nil
	if err := conn.ReadJSON(&msg); err != nil || msg["type"] != hub.TypeError || msg["message"] != "Invalid JSON format" {
		t.Fatalf("expected error message, got %v (%v)", msg, err)
	}

	if err := conn.WriteJSON(map[string]string{"type": "subscribe", "request_id": "r-1"}); err != nil {
		t.Fatalf("write subscribe: %v", err)
	}
	if err := conn.WriteJSON(map[string]string{"type": "get_status"}); err != nil {
		t.Fatalf("write get_status: %v", err)
	}
	msg = nil
	if err := conn.ReadJSON(&msg); err != nil || msg["type"] != hub.TypeServiceStatus {
		t.Fatalf("expected service_status, got %v (%v)", msg, err)
	}
	// 上行消息按顺序处理，get_status 的回复到达时订阅已记录
	if subs := hb.Subscriptions("client-1"); len(subs) != 1 || subs[0] != "r-1" {
		t.Errorf("subscriptions = %v", subs)
	}
	if n := hb.ConnectionCount(); n != 1 {
		t.Errorf("connection count = %d, want 1", n)
	}

	conn.Close()
	deadline := time.Now().Add(2 * time.Second)
	for hb.ConnectionCount() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("connection was not removed after client closed")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestWebSocket_RejectsForeignOrigin(t *testing.T) {
	logger := testLogger()
	gen := healthy()
	tr := tracker.New(gen, tracker.Config{}, logger)
	hb := hub.New(tr, hub.Config{}, logger)
	h := NewHandler(tr, ratelimit.New(ratelimit.Config{}, nil), gen, Options{}, logger)
	router := NewRouter(&RouterConfig{
		Handler:        h,
		WSHandler:      NewWSHandler(hb, 0, 0, []string{"http://localhost:3000"}, logger),
		Logger:         logger,
		DisableMetrics: true,
	})
	srv := httptest.NewServer(router)
	defer srv.Close()

	hdr := http.Header{}
	hdr.Set("Origin", "http://evil.example")
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/client-2"
	_, resp, err := websocket.DefaultDialer.Dial(url, hdr)
	if err == nil {
		t.Fatal("dial should fail for a foreign origin")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Errorf("response = %v, want 403", resp)
	}
	if hb.ConnectionCount() != 0 {
		t.Error("rejected connection must not be registered")
	}
}
