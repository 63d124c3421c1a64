package providers

import (
	"context"
	"log"
	"time"
)

// RetryConfig 重试配置：指数退避 2^attempt 秒，限制总次数
type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultRetryConfig 默认重试配置
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 4,
		BaseDelay:   time.Second,
		MaxDelay:    2 * time.Minute,
	}
}

// WithRetry 执行操作，瞬时错误按指数退避重试；
// 认证错误和协议错误不重试，直接返回
func WithRetry(ctx context.Context, cfg RetryConfig, op string, fn func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 0; attempt < cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			delay := cfg.BaseDelay << uint(attempt-1)
			if delay > cfg.MaxDelay {
				delay = cfg.MaxDelay
			}
			log.Printf("Retrying %s after %v (attempt %d/%d): %v", op, delay, attempt+1, cfg.MaxAttempts, lastErr)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if !IsRetryable(lastErr) {
			return lastErr
		}
	}
	return lastErr
}
