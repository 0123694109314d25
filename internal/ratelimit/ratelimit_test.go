package ratelimit

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSlidingWindowLimiter_LimitEnforced(t *testing.T) {
	limiter := NewSlidingWindowLimiter(5, time.Hour)

	for i := 0; i < 5; i++ {
		assert.True(t, limiter.Allow("+8613800138000"), "第%d次尝试应被允许", i+1)
		limiter.Record("+8613800138000")
	}

	assert.False(t, limiter.Allow("+8613800138000"), "第6次尝试应被拒绝")
	assert.Equal(t, 0, limiter.Remaining("+8613800138000"))
}

func TestSlidingWindowLimiter_KeysIndependent(t *testing.T) {
	limiter := NewSlidingWindowLimiter(2, time.Hour)

	limiter.Record("user-a")
	limiter.Record("user-a")

	assert.False(t, limiter.Allow("user-a"))
	assert.True(t, limiter.Allow("user-b"))
	assert.Equal(t, 2, limiter.Remaining("user-b"))
}

func TestSlidingWindowLimiter_WindowRollsOver(t *testing.T) {
	current := time.Date(2026, 1, 15, 10, 0, 0, 0, time.UTC)
	limiter := NewSlidingWindowLimiter(3, time.Hour).WithClock(func() time.Time { return current })

	for i := 0; i < 3; i++ {
		limiter.Record("ip:10.0.0.1")
	}
	assert.False(t, limiter.Allow("ip:10.0.0.1"))

	// 窗口推进30分钟，旧记录仍在窗口内
	current = current.Add(30 * time.Minute)
	assert.False(t, limiter.Allow("ip:10.0.0.1"))

	// 再推进31分钟后旧记录全部滚出窗口
	current = current.Add(31 * time.Minute)
	assert.True(t, limiter.Allow("ip:10.0.0.1"))
	assert.Equal(t, 3, limiter.Remaining("ip:10.0.0.1"))
}

func TestSlidingWindowLimiter_RetryAfter(t *testing.T) {
	current := time.Date(2026, 1, 15, 10, 0, 0, 0, time.UTC)
	limiter := NewSlidingWindowLimiter(2, time.Hour).WithClock(func() time.Time { return current })

	assert.Equal(t, time.Duration(0), limiter.RetryAfter("k"))

	limiter.Record("k")
	current = current.Add(10 * time.Minute)
	limiter.Record("k")

	// 最早一次记录在50分钟后滚出窗口
	assert.Equal(t, 50*time.Minute, limiter.RetryAfter("k"))

	current = current.Add(50 * time.Minute)
	assert.Equal(t, time.Duration(0), limiter.RetryAfter("k"))
}

func TestSlidingWindowLimiter_Reset(t *testing.T) {
	limiter := NewSlidingWindowLimiter(1, time.Hour)

	limiter.Record("k")
	assert.False(t, limiter.Allow("k"))

	limiter.Reset("k")
	assert.True(t, limiter.Allow("k"))
}

func TestSlidingWindowLimiter_WithinLimit(t *testing.T) {
	limiter := NewSlidingWindowLimiter(0, time.Hour)

	limiter.Record("k")
	limiter.Record("k")

	assert.True(t, limiter.WithinLimit("k", 3))
	assert.False(t, limiter.WithinLimit("k", 2))
	assert.True(t, limiter.WithinLimit("k", 0), "0上限视为不限")
	assert.True(t, limiter.WithinLimit("other", 1))
}

func TestSlidingWindowLimiter_Sweep(t *testing.T) {
	current := time.Date(2026, 1, 15, 10, 0, 0, 0, time.UTC)
	limiter := NewSlidingWindowLimiter(5, time.Hour).WithClock(func() time.Time { return current })

	limiter.Record("old")
	current = current.Add(2 * time.Hour)
	limiter.Record("fresh")

	assert.Equal(t, 1, limiter.Sweep())
	assert.Equal(t, 4, limiter.Remaining("fresh"))
}

func TestSlidingWindowLimiter_ConcurrentRecord(t *testing.T) {
	limiter := NewSlidingWindowLimiter(1000, time.Hour)

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 5; j++ {
				limiter.Record("shared")
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 500, 1000-limiter.Remaining("shared"))
}
