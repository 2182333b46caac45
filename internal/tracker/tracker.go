// Package tracker 实现生成请求的生命周期追踪。
//
// 每个被接受的请求对应一条 Record 和一个后台执行单元（goroutine）。
// 执行单元负责推进状态机：pending -> processing -> completed | failed | cancelled，
// 取消通过执行单元持有的 context 完成。记录表和活动单元表由同一把读写锁保护，
// 观察者在锁外收到每次状态转换的快照。
package tracker

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oriys/neonspark/internal/domain"
	"github.com/oriys/neonspark/internal/telemetry"
	"github.com/sirupsen/logrus"
)

// DefaultMaxHistory 默认保留的记录上限
const DefaultMaxHistory = 1000

// Generator 是生成适配器需要满足的接口。
type Generator interface {
	// Ready 返回适配器是否可以接受请求
	Ready() bool
	// State 返回适配器的就绪状态
	State() domain.ServiceState
	// Model 返回模型名称
	Model() string
	// Generate 在 timeout 内完成一次生成
	Generate(ctx context.Context, prompt string, cfg domain.GenerationConfig, timeout time.Duration) (string, error)
}

// Observer 接收记录状态转换通知。
// from 为空字符串表示记录刚被创建。rec 是快照，可以安全持有。
type Observer interface {
	OnTransition(rec *domain.Record, from domain.Status)
}

// ObserverFunc 让普通函数实现 Observer
type ObserverFunc func(rec *domain.Record, from domain.Status)

// OnTransition 实现 Observer
func (f ObserverFunc) OnTransition(rec *domain.Record, from domain.Status) {
	f(rec, from)
}

// Config 追踪器配置
type Config struct {
	// MaxHistory 保留记录数上限，超出时淘汰最早的终态记录
	MaxHistory int
	// Generation 默认生成配置，请求参数在其基础上覆盖
	Generation domain.GenerationConfig
}

// task 是一个活动执行单元的句柄
type task struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Tracker 是请求生命周期追踪器。
type Tracker struct {
	mu      sync.RWMutex
	records map[string]*domain.Record
	// order 按创建顺序保存记录 ID
	order  []string
	active map[string]*task

	gen       Generator
	cfg       Config
	observers []Observer
	logger    *logrus.Logger
	now       func() time.Time
	startedAt time.Time

	submitted int64
	completed int64
	failed    int64
	cancelled int64

	wg sync.WaitGroup
}

// New 创建追踪器。
//
// 参数:
//   - gen: 生成适配器
//   - cfg: 追踪器配置
//   - logger: 日志记录器
//   - observers: 状态转换观察者（指标、事件发布等）
func New(gen Generator, cfg Config, logger *logrus.Logger, observers ...Observer) *Tracker {
	if cfg.MaxHistory <= 0 {
		cfg.MaxHistory = DefaultMaxHistory
	}
	if cfg.Generation == (domain.GenerationConfig{}) {
		cfg.Generation = domain.DefaultGenerationConfig()
	}
	return &Tracker{
		records:   make(map[string]*domain.Record),
		active:    make(map[string]*task),
		gen:       gen,
		cfg:       cfg,
		observers: observers,
		logger:    logger,
		now:       time.Now,
		startedAt: time.Now(),
	}
}

// AddObserver 注册观察者，需要在第一次 Submit 之前调用
func (t *Tracker) AddObserver(o Observer) {
	t.mu.Lock()
	t.observers = append(t.observers, o)
	t.mu.Unlock()
}

// Submit 校验并接受一个生成请求，启动后台执行单元后立即返回请求 ID。
//
// 参数:
//   - ctx: 调用方上下文，只用于关联追踪，不影响执行单元的生命周期
//   - req: 提交请求，会被填充默认值
//
// 返回:
//   - string: 新请求的 ID
//   - error: 校验错误（domain.ErrValidation 族）或 domain.ErrServiceUnavailable
func (t *Tracker) Submit(ctx context.Context, req domain.SubmitRequest) (string, error) {
	if err := req.Validate(); err != nil {
		return "", err
	}
	if !t.gen.Ready() {
		return "", domain.ErrServiceUnavailable
	}

	id := uuid.New().String()
	genCfg := t.cfg.Generation.ApplyParameters(req.Parameters)
	unitCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	tk := &task{cancel: cancel, done: make(chan struct{})}

	t.mu.Lock()
	rec := domain.NewRecord(id, req, t.gen.Model(), t.now())
	t.records[id] = rec
	t.order = append(t.order, id)
	t.active[id] = tk
	t.submitted++
	t.evictLocked()
	snapshot := rec.Clone()
	observers := t.observers
	t.mu.Unlock()

	t.notify(observers, snapshot, "")

	t.wg.Add(1)
	go t.run(unitCtx, tk, snapshot, genCfg)

	t.logger.WithFields(logrus.Fields{
		"request_id": id,
		"priority":   req.Priority,
		"timeout":    req.Timeout,
	}).Info("Request submitted")
	return id, nil
}

// run 是执行单元的主体。无论以何种方式退出（包括 panic），
// 活动单元都会从注册表移除，done 通道都会关闭。
func (t *Tracker) run(ctx context.Context, tk *task, rec *domain.Record, genCfg domain.GenerationConfig) {
	defer t.wg.Done()
	defer close(tk.done)
	defer t.release(rec.ID)

	ctx, span := telemetry.StartRequestSpan(ctx, rec.ID, rec.Priority, rec.Timeout)
	final := domain.StatusFailed
	finalErr := ""
	defer func() {
		if p := recover(); p != nil {
			finalErr = fmt.Sprintf("internal error: %v", p)
			t.logger.WithField("request_id", rec.ID).Errorf("Unit panicked: %v", p)
			t.transition(rec.ID, func(r *domain.Record) error {
				if r.Status == domain.StatusPending {
					if err := r.Start(t.now()); err != nil {
						return err
					}
				}
				return r.Fail(finalErr, t.now())
			})
		}
		telemetry.EndWithStatus(span, string(final), finalErr)
	}()

	if ctx.Err() != nil {
		t.transition(rec.ID, func(r *domain.Record) error { return r.Cancel(t.now()) })
		final = domain.StatusCancelled
		return
	}
	if _, ok := t.transition(rec.ID, func(r *domain.Record) error { return r.Start(t.now()) }); !ok {
		final = domain.StatusCancelled
		return
	}

	timeout := time.Duration(rec.Timeout) * time.Second
	result, err := t.gen.Generate(ctx, rec.Prompt, genCfg, timeout)

	switch {
	case ctx.Err() != nil:
		final = domain.StatusCancelled
		t.transition(rec.ID, func(r *domain.Record) error { return r.Cancel(t.now()) })
	case err == nil:
		final = domain.StatusCompleted
		t.transition(rec.ID, func(r *domain.Record) error { return r.Complete(result, t.now()) })
	case errors.Is(err, domain.ErrGenerationTimeout):
		finalErr = fmt.Sprintf("processing timeout after %d seconds", rec.Timeout)
		t.transition(rec.ID, func(r *domain.Record) error { return r.Fail(finalErr, t.now()) })
	default:
		finalErr = err.Error()
		t.transition(rec.ID, func(r *domain.Record) error { return r.Fail(finalErr, t.now()) })
	}
}

// transition 在锁内对记录执行状态转换，成功后在锁外通知观察者。
// 返回转换后的快照以及是否成功。
func (t *Tracker) transition(id string, fn func(*domain.Record) error) (*domain.Record, bool) {
	t.mu.Lock()
	rec, ok := t.records[id]
	if !ok {
		t.mu.Unlock()
		return nil, false
	}
	from := rec.Status
	if err := fn(rec); err != nil {
		t.mu.Unlock()
		t.logger.WithField("request_id", id).WithError(err).Debug("Transition rejected")
		return nil, false
	}
	if rec.Status.IsTerminal() {
		delete(t.active, id)
		switch rec.Status {
		case domain.StatusCompleted:
			t.completed++
		case domain.StatusFailed:
			t.failed++
		case domain.StatusCancelled:
			t.cancelled++
		}
	}
	snapshot := rec.Clone()
	observers := t.observers
	t.mu.Unlock()

	t.notify(observers, snapshot, from)

	entry := t.logger.WithFields(logrus.Fields{
		"request_id": id,
		"from":       from,
		"status":     snapshot.Status,
	})
	if snapshot.Status == domain.StatusFailed {
		entry.WithField("error", snapshot.Error).Warn("Request failed")
	} else if snapshot.Status.IsTerminal() {
		entry.Info("Request finished")
	} else {
		entry.Debug("Request transitioned")
	}
	return snapshot, true
}

// release 无条件移除活动单元
func (t *Tracker) release(id string) {
	t.mu.Lock()
	if tk, ok := t.active[id]; ok {
		tk.cancel()
		delete(t.active, id)
	}
	t.mu.Unlock()
}

func (t *Tracker) notify(observers []Observer, rec *domain.Record, from domain.Status) {
	for _, o := range observers {
		o.OnTransition(rec, from)
	}
}

// evictLocked 在记录数超过上限时淘汰最早的终态记录。调用方持有写锁。
func (t *Tracker) evictLocked() {
	excess := len(t.records) - t.cfg.MaxHistory
	if excess <= 0 {
		return
	}
	kept := t.order[:0]
	for _, id := range t.order {
		if excess > 0 && t.records[id].Status.IsTerminal() {
			delete(t.records, id)
			excess--
			continue
		}
		kept = append(kept, id)
	}
	t.order = kept
}

// Get 返回记录快照
func (t *Tracker) Get(id string) (*domain.Record, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	rec, ok := t.records[id]
	if !ok {
		return nil, false
	}
	return rec.Clone(), true
}

// List 按创建时间倒序返回最多 limit 条记录快照。
// status 为空表示不过滤；limit <= 0 表示不限制。
func (t *Tracker) List(limit int, status domain.Status) []*domain.Record {
	t.mu.RLock()
	out := make([]*domain.Record, 0, len(t.order))
	for i := len(t.order) - 1; i >= 0; i-- {
		rec := t.records[t.order[i]]
		if status != "" && rec.Status != status {
			continue
		}
		out = append(out, rec.Clone())
	}
	t.mu.RUnlock()

	// order 已经是创建顺序，这里只是保证同一时刻创建的记录顺序稳定
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// Cancel 请求取消一个活动中的请求。
// 取消是建议性的：返回 true 只表示已向执行单元发出取消信号，
// 记录稍后由执行单元转为 cancelled（若生成恰好先完成则可能是其他终态）。
// 记录不存在或已经是终态时返回 false。
func (t *Tracker) Cancel(id string) bool {
	t.mu.RLock()
	tk, ok := t.active[id]
	t.mu.RUnlock()
	if !ok {
		return false
	}
	tk.cancel()
	t.logger.WithField("request_id", id).Info("Cancellation requested")
	return true
}

// Done 返回请求执行单元结束时关闭的通道；请求不活动时返回已关闭的通道。
func (t *Tracker) Done(id string) <-chan struct{} {
	t.mu.RLock()
	tk, ok := t.active[id]
	t.mu.RUnlock()
	if ok {
		return tk.done
	}
	ch := make(chan struct{})
	close(ch)
	return ch
}

// ServiceStatus 返回服务状态快照。
// 完成、失败、取消计数是进程生命周期内的累计值，不受记录淘汰影响。
func (t *Tracker) ServiceStatus() domain.ServiceStatus {
	state := t.gen.State()

	t.mu.RLock()
	defer t.mu.RUnlock()

	total := t.submitted
	denom := total
	if denom < 1 {
		denom = 1
	}
	rate := math.Round(float64(t.completed)/float64(denom)*100*100) / 100

	return domain.ServiceStatus{
		Status:            state,
		Model:             t.gen.Model(),
		Uptime:            t.now().Sub(t.startedAt).Round(time.Second).String(),
		TotalRequests:     total,
		ActiveRequests:    len(t.active),
		CompletedRequests: t.completed,
		FailedRequests:    t.failed,
		CancelledRequests: t.cancelled,
		SuccessRate:       rate,
		MemoryUsage:       len(t.records),
		APIConfigured:     state != domain.ServiceConfigurationError,
	}
}

// Prune 删除完成时间早于 maxAge 之前的终态记录，返回删除数量。
// 活动记录永远不会被删除。
func (t *Tracker) Prune(maxAge time.Duration) int {
	cutoff := t.now().Add(-maxAge)

	t.mu.Lock()
	defer t.mu.Unlock()

	removed := 0
	kept := t.order[:0]
	for _, id := range t.order {
		rec := t.records[id]
		if rec.Status.IsTerminal() && rec.CompletedAt != nil && rec.CompletedAt.Before(cutoff) {
			delete(t.records, id)
			removed++
			continue
		}
		kept = append(kept, id)
	}
	t.order = kept
	return removed
}

// Shutdown 取消所有活动单元并等待其退出，ctx 到期时返回 ctx 的错误。
func (t *Tracker) Shutdown(ctx context.Context) error {
	t.mu.RLock()
	for _, tk := range t.active {
		tk.cancel()
	}
	n := len(t.active)
	t.mu.RUnlock()

	t.logger.WithField("active", n).Info("Shutting down tracker")

	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
