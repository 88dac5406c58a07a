// internal/pkg/retry/retry.go
package retry

import (
	"context"
	"time"

	"fulfillment/internal/pkg/apperrors"
)

// Policy 描述了对不可靠远程调用的重试策略：最大次数、指数退避曲线、单次超时、哪些错误可重试。
// 它与 Saga 状态流转解耦，支付和物流调用统一复用。
type Policy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64
	// AttemptTimeout 是单次调用的超时，超时按失败处理。0 表示不单独限制。
	AttemptTimeout time.Duration
	// Retryable 判断一个错误是否值得再试，为空时使用 apperrors.IsRetryable。
	Retryable func(error) bool

	// sleep 仅供测试替换。
	sleep func(ctx context.Context, d time.Duration) error
}

// Backoff 返回第 attempt 次（从 1 开始）失败之后的等待时长。
func (p Policy) Backoff(attempt int) time.Duration {
	if p.InitialBackoff <= 0 {
		return 0
	}
	mult := p.Multiplier
	if mult < 1 {
		mult = 2
	}
	d := float64(p.InitialBackoff)
	for i := 1; i < attempt; i++ {
		d *= mult
		if p.MaxBackoff > 0 && time.Duration(d) >= p.MaxBackoff {
			return p.MaxBackoff
		}
	}
	return time.Duration(d)
}

// Do 按策略执行 fn，返回实际尝试次数和最后一次的错误。
// 不可重试的错误立即返回；ctx 被取消时停止等待。
func (p Policy) Do(ctx context.Context, fn func(ctx context.Context) error) (int, error) {
	maxAttempts := p.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	retryable := p.Retryable
	if retryable == nil {
		retryable = apperrors.IsRetryable
	}
	sleep := p.sleep
	if sleep == nil {
		sleep = sleepCtx
	}

	var err error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err = p.once(ctx, fn)
		if err == nil {
			return attempt, nil
		}
		if !retryable(err) || attempt == maxAttempts {
			return attempt, err
		}
		if sleepErr := sleep(ctx, p.Backoff(attempt)); sleepErr != nil {
			return attempt, err
		}
	}
	return maxAttempts, err
}

func (p Policy) once(ctx context.Context, fn func(ctx context.Context) error) error {
	if p.AttemptTimeout <= 0 {
		return fn(ctx)
	}
	attemptCtx, cancel := context.WithTimeout(ctx, p.AttemptTimeout)
	defer cancel()
	return fn(attemptCtx)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
