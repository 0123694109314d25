package ratelimit

import (
	"errors"
	"sync"
	"time"
)

// ErrRateLimited 超出滑动窗口内的尝试上限
var ErrRateLimited = errors.New("尝试次数超出限制")

// SlidingWindowLimiter 滑动窗口计数限流器
//
// 按键记录尝试时间戳，窗口滚动为惰性执行：
// 读取时剔除窗口外的旧记录，不依赖后台定时器。
type SlidingWindowLimiter struct {
	window time.Duration
	limit  int

	mu      sync.RWMutex
	entries map[string]*windowEntry

	now func() time.Time
}

type windowEntry struct {
	mu       sync.Mutex
	attempts []time.Time
}

// NewSlidingWindowLimiter 创建滑动窗口限流器
func NewSlidingWindowLimiter(limit int, window time.Duration) *SlidingWindowLimiter {
	return &SlidingWindowLimiter{
		window:  window,
		limit:   limit,
		entries: make(map[string]*windowEntry),
		now:     time.Now,
	}
}

// WithClock 注入时钟（测试用）
func (l *SlidingWindowLimiter) WithClock(now func() time.Time) *SlidingWindowLimiter {
	l.now = now
	return l
}

func (l *SlidingWindowLimiter) entry(key string, create bool) *windowEntry {
	l.mu.RLock()
	e, ok := l.entries[key]
	l.mu.RUnlock()
	if ok || !create {
		return e
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if e, ok = l.entries[key]; ok {
		return e
	}
	e = &windowEntry{}
	l.entries[key] = e
	return e
}

// prune 剔除窗口外的旧尝试，调用方须持有条目锁
func (e *windowEntry) prune(cutoff time.Time) {
	idx := 0
	for idx < len(e.attempts) && !e.attempts[idx].After(cutoff) {
		idx++
	}
	if idx > 0 {
		e.attempts = append(e.attempts[:0], e.attempts[idx:]...)
	}
}

// Allow 检查指定键是否还有尝试余量（不消耗计数）
func (l *SlidingWindowLimiter) Allow(key string) bool {
	return l.Remaining(key) > 0
}

// Record 记录一次尝试
//
// 计数只在调用方确认尝试实际发生后推进，
// 传输失败等未完成的尝试不应调用本方法。
func (l *SlidingWindowLimiter) Record(key string) {
	e := l.entry(key, true)
	now := l.now()

	e.mu.Lock()
	defer e.mu.Unlock()
	e.prune(now.Add(-l.window))
	e.attempts = append(e.attempts, now)
}

// Remaining 返回当前窗口内剩余的尝试次数
func (l *SlidingWindowLimiter) Remaining(key string) int {
	e := l.entry(key, false)
	if e == nil {
		return l.limit
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.prune(l.now().Add(-l.window))

	remaining := l.limit - len(e.attempts)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// WithinLimit 按调用方给定的上限检查余量（不消耗计数）
//
// 供同一窗口内各键上限不同的场景使用，0或负值上限视为不限。
func (l *SlidingWindowLimiter) WithinLimit(key string, limit int) bool {
	if limit <= 0 {
		return true
	}
	e := l.entry(key, false)
	if e == nil {
		return true
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.prune(l.now().Add(-l.window))
	return len(e.attempts) < limit
}

// RetryAfter 返回距离下一次尝试可用的等待时长，0表示立即可用
func (l *SlidingWindowLimiter) RetryAfter(key string) time.Duration {
	e := l.entry(key, false)
	if e == nil {
		return 0
	}

	now := l.now()
	e.mu.Lock()
	defer e.mu.Unlock()
	e.prune(now.Add(-l.window))

	if len(e.attempts) < l.limit {
		return 0
	}
	oldest := e.attempts[len(e.attempts)-l.limit]
	return oldest.Add(l.window).Sub(now)
}

// Reset 清空指定键的尝试记录
func (l *SlidingWindowLimiter) Reset(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.entries, key)
}

// Sweep 回收所有已过期的条目，返回回收数量
func (l *SlidingWindowLimiter) Sweep() int {
	cutoff := l.now().Add(-l.window)

	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for key, e := range l.entries {
		e.mu.Lock()
		e.prune(cutoff)
		empty := len(e.attempts) == 0
		e.mu.Unlock()
		if empty {
			delete(l.entries, key)
			removed++
		}
	}
	return removed
}
