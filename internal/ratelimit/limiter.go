// Package ratelimit 实现了按客户端划分的滑动窗口限流。
//
// 每个客户端键维护一组准入时间戳：每次检查时先丢弃窗口之外的时间戳，
// 若剩余数量已达到上限则拒绝（不记录本次请求），否则记录当前时间并放行。
// 时间戳的存储通过 Store 接口抽象，默认使用进程内存，也可以使用 Redis。
package ratelimit

import (
	"context"
	"fmt"
	"time"
)

// 默认限流参数
const (
	// DefaultMaxRequests 每个窗口内允许的最大请求数
	DefaultMaxRequests = 100
	// DefaultWindow 滑动窗口长度
	DefaultWindow = time.Hour
)

// Config 限流配置
type Config struct {
	// MaxRequests 窗口内的请求上限
	MaxRequests int
	// Window 滑动窗口长度
	Window time.Duration
}

// Store 是准入时间戳的存储后端。
// Admit 必须原子地完成 "清理过期 -> 计数 -> 判断 -> 记录" 的过程。
type Store interface {
	// Admit 尝试为 key 记录一次准入，返回是否放行
	Admit(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

// Limiter 是滑动窗口限流器。
type Limiter struct {
	cfg   Config
	store Store
}

// New 创建限流器。store 为 nil 时使用内存存储。
func New(cfg Config, store Store) *Limiter {
	if cfg.MaxRequests <= 0 {
		cfg.MaxRequests = DefaultMaxRequests
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	if store == nil {
		store = NewMemoryStore()
	}
	return &Limiter{cfg: cfg, store: store}
}

// Allow 判断 key 对应的客户端是否可以继续提交请求。
//
// 参数:
//   - ctx: 上下文，Redis 后端使用
//   - key: 客户端标识（通常是客户端 IP）
//
// 返回:
//   - bool: true 表示放行并已记录本次请求
//   - error: 存储后端故障
func (l *Limiter) Allow(ctx context.Context, key string) (bool, error) {
	ok, err := l.store.Admit(ctx, key, l.cfg.MaxRequests, l.cfg.Window)
	if err != nil {
		return false, fmt.Errorf("rate limit check for %q: %w", key, err)
	}
	return ok, nil
}

// Config 返回生效的限流配置
func (l *Limiter) Config() Config {
	return l.cfg
}

// Store 返回底层存储
func (l *Limiter) Store() Store {
	return l.store
}
