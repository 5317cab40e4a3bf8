package pipesync

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ExecutionLimiter enforces a route's max_executions per
// execution_window_hours as a token bucket per (tenant, route). The bucket
// holds max tokens and refills evenly across the window.
type ExecutionLimiter struct {
	mu      sync.Mutex
	now     func() time.Time
	buckets map[string]*executionBucket
}

type executionBucket struct {
	max     int
	window  time.Duration
	limiter *rate.Limiter
}

func NewExecutionLimiter(now func() time.Time) *ExecutionLimiter {
	if now == nil {
		now = time.Now
	}
	return &ExecutionLimiter{now: now, buckets: map[string]*executionBucket{}}
}

// Allow consumes one execution. Routes without a limit are always allowed.
func (l *ExecutionLimiter) Allow(route WebhookRoute) bool {
	if route.MaxExecutions <= 0 {
		return true
	}
	windowHours := route.ExecutionWindowHours
	if windowHours <= 0 {
		windowHours = 1
	}
	window := time.Duration(windowHours) * time.Hour
	key := route.TenantID + "|" + route.ID

	l.mu.Lock()
	defer l.mu.Unlock()
	bucket, ok := l.buckets[key]
	if !ok || bucket.max != route.MaxExecutions || bucket.window != window {
		bucket = &executionBucket{
			max:     route.MaxExecutions,
			window:  window,
			limiter: rate.NewLimiter(rate.Every(window/time.Duration(route.MaxExecutions)), route.MaxExecutions),
		}
		l.buckets[key] = bucket
	}
	return bucket.limiter.AllowN(l.now(), 1)
}
