package processor

import (
	"context"
	"time"
)

// DefaultMaxAttempts 抽取最多尝试次数。
const DefaultMaxAttempts = 3

// RetryPolicy 描述重试次数与按错误类型的退避时长。
type RetryPolicy struct {
	MaxAttempts int
	Backoff     map[ErrorKind]time.Duration
}

// DefaultRetryPolicy 限流退避 5s，空响应与解析失败 2s，缺少 events 不退避。
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: DefaultMaxAttempts,
		Backoff: map[ErrorKind]time.Duration{
			KindRateLimited:   5 * time.Second,
			KindEmptyResponse: 2 * time.Second,
			KindMalformed:     2 * time.Second,
			KindMissingEvents: 0,
			KindTransient:     2 * time.Second,
		},
	}
}

// Attempts 返回有效的尝试次数。
func (p RetryPolicy) Attempts() int {
	if p.MaxAttempts <= 0 {
		return 1
	}
	return p.MaxAttempts
}

// BackoffFor 返回某类错误之后、下一次尝试之前的等待时长。
func (p RetryPolicy) BackoffFor(kind ErrorKind) time.Duration {
	if p.Backoff == nil {
		return 0
	}
	d, ok := p.Backoff[kind]
	if !ok || d < 0 {
		return 0
	}
	return d
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
