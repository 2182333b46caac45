package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/oriys/neonspark/internal/domain"
	"github.com/sirupsen/logrus"
)

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func TestNew_Readiness(t *testing.T) {
	tests := []struct {
		name  string
		cfg   Config
		state domain.ServiceState
	}{
		{"missing key", Config{}, domain.ServiceConfigurationError},
		{"blank key", Config{APIKey: "   "}, domain.ServiceConfigurationError},
		{"malformed key", Config{APIKey: "abc def"}, domain.ServiceModelError},
		{"bad base url", Config{APIKey: "key", BaseURL: "::not a url"}, domain.ServiceModelError},
		{"healthy", Config{APIKey: "key"}, domain.ServiceHealthy},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := New(tt.cfg, testLogger())
			if c.State() != tt.state {
				t.Errorf("State() = %s, want %s (reason %q)", c.State(), tt.state, c.Reason())
			}
			if c.Ready() != (tt.state == domain.ServiceHealthy) {
				t.Errorf("Ready() = %v", c.Ready())
			}
			if c.Model() != DefaultModel {
				t.Errorf("Model() = %q", c.Model())
			}
		})
	}
}

func TestGenerate_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1beta/models/gemini-test:generateContent" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if r.Header.Get("x-goog-api-key") != "secret" {
			t.Errorf("api key header = %q", r.Header.Get("x-goog-api-key"))
		}
		var req generateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode: %v", err)
			return
		}
		if req.Contents[0].Parts[0].Text != "hi" || req.GenerationConfig.MaxOutputTokens != 64 || req.GenerationConfig.CandidateCount != 1 {
			t.Errorf("request = %+v", req)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"candidates":[{"content":{"parts":[{"text":"Hello "},{"text":"there"}]},"finishReason":"STOP"}]}`))
	}))
	defer server.Close()

	c := New(Config{APIKey: "secret", Model: "gemini-test", BaseURL: server.URL}, testLogger())
	cfg := domain.DefaultGenerationConfig()
	cfg.MaxOutputTokens = 64

	text, err := c.Generate(context.Background(), "hi", cfg, 5*time.Second)
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if text != "Hello there" {
		t.Errorf("text = %q", text)
	}
}

func TestGenerate_APIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":{"code":429,"message":"Resource has been exhausted","status":"RESOURCE_EXHAUSTED"}}`))
	}))
	defer server.Close()

	c := New(Config{APIKey: "k", BaseURL: server.URL}, testLogger())
	_, err := c.Generate(context.Background(), "hi", domain.DefaultGenerationConfig(), 5*time.Second)
	if !errors.Is(err, domain.ErrAdapter) {
		t.Fatalf("error = %v, want ErrAdapter", err)
	}
	if !strings.Contains(err.Error(), "Resource has been exhausted") {
		t.Errorf("error message = %q", err.Error())
	}
}

func TestGenerate_EmptyCandidates(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"candidates":[],"promptFeedback":{"blockReason":"SAFETY"}}`))
	}))
	defer server.Close()

	c := New(Config{APIKey: "k", BaseURL: server.URL}, testLogger())
	_, err := c.Generate(context.Background(), "hi", domain.DefaultGenerationConfig(), 5*time.Second)
	if !errors.Is(err, domain.ErrAdapter) || !strings.Contains(err.Error(), "SAFETY") {
		t.Fatalf("error = %v", err)
	}
}

func TestGenerate_Timeout(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	c := New(Config{APIKey: "k", BaseURL: server.URL}, testLogger())
	start := time.Now()
	_, err := c.Generate(context.Background(), "hi", domain.DefaultGenerationConfig(), 50*time.Millisecond)
	if !errors.Is(err, domain.ErrGenerationTimeout) {
		t.Fatalf("error = %v, want ErrGenerationTimeout", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Errorf("timeout took %v", time.Since(start))
	}
}

func TestGenerate_ContextCancelled(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer server.Close()

	c := New(Config{APIKey: "k", BaseURL: server.URL}, testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err := c.Generate(ctx, "hi", domain.DefaultGenerationConfig(), 5*time.Second)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("error = %v, want context.Canceled", err)
	}
}

func TestGenerate_NotReady(t *testing.T) {
	c := New(Config{}, testLogger())
	if _, err := c.Generate(context.Background(), "hi", domain.DefaultGenerationConfig(), time.Second); !errors.Is(err, domain.ErrServiceUnavailable) {
		t.Fatalf("error = %v", err)
	}
}
