package tracker

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/oriys/neonspark/internal/domain"
	"github.com/sirupsen/logrus"
)

// fakeGenerator 是可编程的生成适配器替身
type fakeGenerator struct {
	ready bool
	state domain.ServiceState
	// fn 决定每次 Generate 的行为
	fn func(ctx context.Context, prompt string, cfg domain.GenerationConfig) (string, error)

	mu      sync.Mutex
	configs []domain.GenerationConfig
}

func (g *fakeGenerator) Ready() bool                { return g.ready }
func (g *fakeGenerator) State() domain.ServiceState { return g.state }
func (g *fakeGenerator) Model() string              { return "gemini-test" }

func (g *fakeGenerator) Generate(ctx context.Context, prompt string, cfg domain.GenerationConfig, _ time.Duration) (string, error) {
	g.mu.Lock()
	g.configs = append(g.configs, cfg)
	g.mu.Unlock()
	return g.fn(ctx, prompt, cfg)
}

func echoGenerator() *fakeGenerator {
	return &fakeGenerator{
		ready: true,
		state: domain.ServiceHealthy,
		fn: func(_ context.Context, prompt string, _ domain.GenerationConfig) (string, error) {
			return "echo: " + prompt, nil
		},
	}
}

// blockingGenerator 一直阻塞直到上下文被取消
func blockingGenerator() *fakeGenerator {
	return &fakeGenerator{
		ready: true,
		state: domain.ServiceHealthy,
		fn: func(ctx context.Context, _ string, _ domain.GenerationConfig) (string, error) {
			<-ctx.Done()
			return "", ctx.Err()
		},
	}
}

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func waitTerminal(t *testing.T, tr *Tracker, id string) *domain.Record {
	t.Helper()
	select {
	case <-tr.Done(id):
	case <-time.After(5 * time.Second):
		t.Fatalf("request %s did not finish", id)
	}
	rec, ok := tr.Get(id)
	if !ok {
		t.Fatalf("request %s not found", id)
	}
	return rec
}

func TestSubmit_Completes(t *testing.T) {
	gen := echoGenerator()
	tr := New(gen, Config{}, testLogger())

	id, err := tr.Submit(context.Background(), domain.SubmitRequest{
		Prompt:     "hello world",
		Parameters: map[string]interface{}{"temperature": 0.3, "max_tokens": float64(100)},
	})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	rec := waitTerminal(t, tr, id)
	if rec.Status != domain.StatusCompleted {
		t.Fatalf("status = %s, want completed (error=%q)", rec.Status, rec.Error)
	}
	if rec.Result != "echo: hello world" {
		t.Errorf("result = %q", rec.Result)
	}
	if rec.StartedAt == nil || rec.CompletedAt == nil || rec.ProcessingTime == nil {
		t.Errorf("timestamps not set: %+v", rec)
	}
	if rec.Metadata["tokens_processed"] != 2 {
		t.Errorf("tokens_processed = %v", rec.Metadata["tokens_processed"])
	}

	gen.mu.Lock()
	cfg := gen.configs[0]
	gen.mu.Unlock()
	if cfg.Temperature != 0.3 || cfg.MaxOutputTokens != 100 || cfg.TopK != 40 {
		t.Errorf("generation config = %+v", cfg)
	}
}

func TestSubmit_AdapterFailure(t *testing.T) {
	gen := echoGenerator()
	gen.fn = func(context.Context, string, domain.GenerationConfig) (string, error) {
		return "", errors.New("quota exhausted")
	}
	tr := New(gen, Config{}, testLogger())

	id, _ := tr.Submit(context.Background(), domain.SubmitRequest{Prompt: "x"})
	rec := waitTerminal(t, tr, id)
	if rec.Status != domain.StatusFailed || rec.Error != "quota exhausted" {
		t.Fatalf("got status=%s error=%q", rec.Status, rec.Error)
	}
	if rec.Result != "" {
		t.Errorf("failed record should have no result")
	}
}

func TestSubmit_Timeout(t *testing.T) {
	gen := echoGenerator()
	gen.fn = func(context.Context, string, domain.GenerationConfig) (string, error) {
		return "", domain.ErrGenerationTimeout
	}
	tr := New(gen, Config{}, testLogger())

	id, _ := tr.Submit(context.Background(), domain.SubmitRequest{Prompt: "x", Timeout: 5})
	rec := waitTerminal(t, tr, id)
	if rec.Status != domain.StatusFailed {
		t.Fatalf("status = %s, want failed", rec.Status)
	}
	if rec.Error != "processing timeout after 5 seconds" {
		t.Errorf("error = %q", rec.Error)
	}
}

func TestSubmit_Panic(t *testing.T) {
	gen := echoGenerator()
	gen.fn = func(context.Context, string, domain.GenerationConfig) (string, error) {
		panic("boom")
	}
	tr := New(gen, Config{}, testLogger())

	id, _ := tr.Submit(context.Background(), domain.SubmitRequest{Prompt: "x"})
	rec := waitTerminal(t, tr, id)
	if rec.Status != domain.StatusFailed {
		t.Fatalf("status = %s, want failed", rec.Status)
	}
	if st := tr.ServiceStatus(); st.ActiveRequests != 0 {
		t.Errorf("active = %d after panic", st.ActiveRequests)
	}
}

func TestSubmit_Validation(t *testing.T) {
	tr := New(echoGenerator(), Config{}, testLogger())

	if _, err := tr.Submit(context.Background(), domain.SubmitRequest{Prompt: "   "}); !errors.Is(err, domain.ErrEmptyPrompt) {
		t.Errorf("empty prompt error = %v", err)
	}
	if _, err := tr.Submit(context.Background(), domain.SubmitRequest{Prompt: "x", Priority: 9}); !domain.IsValidation(err) {
		t.Errorf("bad priority error = %v", err)
	}
	if got := len(tr.List(0, "")); got != 0 {
		t.Errorf("rejected submissions created %d records", got)
	}
}

func TestSubmit_Unavailable(t *testing.T) {
	gen := echoGenerator()
	gen.ready = false
	gen.state = domain.ServiceConfigurationError
	tr := New(gen, Config{}, testLogger())

	if _, err := tr.Submit(context.Background(), domain.SubmitRequest{Prompt: "x"}); !errors.Is(err, domain.ErrServiceUnavailable) {
		t.Fatalf("Submit() error = %v, want ErrServiceUnavailable", err)
	}
	st := tr.ServiceStatus()
	if st.APIConfigured || st.Status != domain.ServiceConfigurationError || st.TotalRequests != 0 {
		t.Errorf("status = %+v", st)
	}
}

func TestCancel_Active(t *testing.T) {
	tr := New(blockingGenerator(), Config{}, testLogger())

	id, _ := tr.Submit(context.Background(), domain.SubmitRequest{Prompt: "long task"})
	if !tr.Cancel(id) {
		t.Fatal("Cancel() = false for active request")
	}
	rec := waitTerminal(t, tr, id)
	if rec.Status != domain.StatusCancelled {
		t.Fatalf("status = %s, want cancelled", rec.Status)
	}
	if rec.CompletedAt == nil || rec.Error != "" || rec.Result != "" {
		t.Errorf("unexpected cancelled record: %+v", rec)
	}
	if tr.Cancel(id) {
		t.Error("Cancel() on terminal request should be false")
	}
}

func TestCancel_Pending(t *testing.T) {
	gen := echoGenerator()
	var calls atomic.Int32
	gen.fn = func(context.Context, string, domain.GenerationConfig) (string, error) {
		calls.Add(1)
		return "should not run", nil
	}

	// 创建通知在单元启动前同步发出，此时取消必然落在 pending 状态
	var tr *Tracker
	cancelled := make(chan bool, 1)
	obs := ObserverFunc(func(rec *domain.Record, from domain.Status) {
		if from == "" {
			cancelled <- tr.Cancel(rec.ID)
		}
	})
	tr = New(gen, Config{}, testLogger(), obs)

	id, err := tr.Submit(context.Background(), domain.SubmitRequest{Prompt: "queued"})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if !<-cancelled {
		t.Fatal("Cancel() = false for pending request")
	}

	rec := waitTerminal(t, tr, id)
	if rec.Status != domain.StatusCancelled {
		t.Fatalf("status = %s, want cancelled", rec.Status)
	}
	if rec.StartedAt != nil || rec.CompletedAt == nil {
		t.Errorf("started_at = %v, completed_at = %v", rec.StartedAt, rec.CompletedAt)
	}
	if calls.Load() != 0 {
		t.Errorf("generator called %d times, want 0", calls.Load())
	}
	st := tr.ServiceStatus()
	if st.ActiveRequests != 0 || st.CancelledRequests != 1 {
		t.Errorf("active = %d, cancelled = %d", st.ActiveRequests, st.CancelledRequests)
	}
}

func TestCancel_Unknown(t *testing.T) {
	tr := New(echoGenerator(), Config{}, testLogger())
	if tr.Cancel("does-not-exist") {
		t.Error("Cancel() on unknown id should be false")
	}
}

func TestList_OrderAndFilter(t *testing.T) {
	tr := New(echoGenerator(), Config{}, testLogger())
	base := time.Unix(1_700_000_000, 0)
	var mu sync.Mutex
	tick := 0
	tr.now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}

	var ids []string
	for _, p := range []string{"first", "second", "third"} {
		id, err := tr.Submit(context.Background(), domain.SubmitRequest{Prompt: p})
		if err != nil {
			t.Fatal(err)
		}
		waitTerminal(t, tr, id)
		ids = append(ids, id)
	}

	got := tr.List(1, "")
	if len(got) != 1 || got[0].ID != ids[2] {
		t.Fatalf("List(1) = %v, want newest record", got)
	}
	all := tr.List(0, "")
	if len(all) != 3 || all[0].ID != ids[2] || all[2].ID != ids[0] {
		t.Errorf("List order wrong")
	}
	if n := len(tr.List(10, domain.StatusFailed)); n != 0 {
		t.Errorf("failed filter returned %d", n)
	}
	if n := len(tr.List(10, domain.StatusCompleted)); n != 3 {
		t.Errorf("completed filter returned %d", n)
	}
}

func TestServiceStatus_SuccessRate(t *testing.T) {
	gen := echoGenerator()
	gen.fn = func(_ context.Context, prompt string, _ domain.GenerationConfig) (string, error) {
		if prompt == "bad" {
			return "", errors.New("rejected")
		}
		return "ok", nil
	}
	tr := New(gen, Config{}, testLogger())

	for _, p := range []string{"a", "b", "c", "bad", "bad"} {
		id, _ := tr.Submit(context.Background(), domain.SubmitRequest{Prompt: p})
		waitTerminal(t, tr, id)
	}

	st := tr.ServiceStatus()
	if st.TotalRequests != 5 || st.CompletedRequests != 3 || st.FailedRequests != 2 {
		t.Errorf("counts = %+v", st)
	}
	if st.SuccessRate != 60.0 {
		t.Errorf("success_rate = %v, want 60", st.SuccessRate)
	}
	if st.ActiveRequests != 0 || st.MemoryUsage != 5 || !st.APIConfigured || st.Model != "gemini-test" {
		t.Errorf("status = %+v", st)
	}
}

func TestServiceStatus_Empty(t *testing.T) {
	st := New(echoGenerator(), Config{}, testLogger()).ServiceStatus()
	if st.SuccessRate != 0 || st.TotalRequests != 0 {
		t.Errorf("empty status = %+v", st)
	}
}

func TestObserver_SeesEveryTransition(t *testing.T) {
	var (
		mu    sync.Mutex
		steps []string
	)
	obs := ObserverFunc(func(rec *domain.Record, from domain.Status) {
		mu.Lock()
		steps = append(steps, string(from)+">"+string(rec.Status))
		mu.Unlock()
	})
	tr := New(echoGenerator(), Config{}, testLogger(), obs)

	id, _ := tr.Submit(context.Background(), domain.SubmitRequest{Prompt: "x"})
	waitTerminal(t, tr, id)

	mu.Lock()
	defer mu.Unlock()
	want := []string{">pending", "pending>processing", "processing>completed"}
	if len(steps) != len(want) {
		t.Fatalf("steps = %v, want %v", steps, want)
	}
	for i := range want {
		if steps[i] != want[i] {
			t.Errorf("step %d = %s, want %s", i, steps[i], want[i])
		}
	}
}

func TestPrune_KeepsActive(t *testing.T) {
	gen := echoGenerator()
	gen.fn = func(ctx context.Context, prompt string, _ domain.GenerationConfig) (string, error) {
		if prompt == "running" {
			<-ctx.Done()
			return "", ctx.Err()
		}
		return "ok", nil
	}
	var offset atomic.Int64
	tr := New(gen, Config{}, testLogger())
	tr.now = func() time.Time { return time.Now().Add(time.Duration(offset.Load())) }

	id, _ := tr.Submit(context.Background(), domain.SubmitRequest{Prompt: "done"})
	waitTerminal(t, tr, id)
	activeID, _ := tr.Submit(context.Background(), domain.SubmitRequest{Prompt: "running"})

	offset.Store(int64(2 * time.Hour))
	if removed := tr.Prune(time.Hour); removed != 1 {
		t.Errorf("Prune() removed %d, want 1", removed)
	}
	if _, ok := tr.Get(id); ok {
		t.Error("terminal record should be pruned")
	}
	if _, ok := tr.Get(activeID); !ok {
		t.Error("active record must not be pruned")
	}

	if err := tr.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	if rec, _ := tr.Get(activeID); rec.Status != domain.StatusCancelled {
		t.Errorf("status after shutdown = %s", rec.Status)
	}
}

func TestMaxHistory_EvictsOldestTerminal(t *testing.T) {
	tr := New(echoGenerator(), Config{MaxHistory: 2}, testLogger())

	var ids []string
	for i := 0; i < 3; i++ {
		id, _ := tr.Submit(context.Background(), domain.SubmitRequest{Prompt: "x"})
		waitTerminal(t, tr, id)
		ids = append(ids, id)
	}

	if _, ok := tr.Get(ids[0]); ok {
		t.Error("oldest record should be evicted")
	}
	if _, ok := tr.Get(ids[2]); !ok {
		t.Error("newest record should be kept")
	}
	if st := tr.ServiceStatus(); st.MemoryUsage != 2 || st.TotalRequests != 3 {
		t.Errorf("status = %+v", st)
	}
}
