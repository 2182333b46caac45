package ratelimit

import (
	"context"
	"sync"
	"time"
)

// MemoryStore 是基于进程内存的时间戳存储。
// 每个 key 对应一个按时间升序排列的时间戳切片，由互斥锁保护。
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string][]time.Time
	window  time.Duration
	now     func() time.Time
}

// NewMemoryStore 创建内存存储
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string][]time.Time),
		now:     time.Now,
	}
}

// WithClock 替换时钟，主要用于测试
func (s *MemoryStore) WithClock(now func() time.Time) *MemoryStore {
	s.now = now
	return s
}

// Admit 实现 Store 接口
func (s *MemoryStore) Admit(_ context.Context, key string, limit int, window time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	s.window = window
	stamps := pruneBefore(s.entries[key], now.Add(-window))

	if len(stamps) >= limit {
		s.entries[key] = stamps
		return false, nil
	}

	s.entries[key] = append(stamps, now)
	return true, nil
}

// Sweep 清理所有 key 的过期时间戳，并删除已经为空的 key。
// 返回被删除的 key 数量。由定时任务周期性调用，防止 key 无限增长。
func (s *MemoryStore) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.window <= 0 {
		return 0
	}

	cutoff := s.now().Add(-s.window)
	removed := 0
	for key, stamps := range s.entries {
		stamps = pruneBefore(stamps, cutoff)
		if len(stamps) == 0 {
			delete(s.entries, key)
			removed++
			continue
		}
		s.entries[key] = stamps
	}
	return removed
}

// Keys 返回当前追踪的 key 数量
func (s *MemoryStore) Keys() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// pruneBefore 丢弃早于等于 cutoff 的时间戳。切片有序，找到第一个保留位置即可。
func pruneBefore(stamps []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(stamps) && !stamps[i].After(cutoff) {
		i++
	}
	if i == 0 {
		return stamps
	}
	return append(stamps[:0:0], stamps[i:]...)
}
