package resilience

import (
	"binance-grid-engine/internal/exchange"
	"context"
	"fmt"
	"time"

	"github.com/jpillora/backoff"
	"go.uber.org/zap"
)

const (
	DefaultRetryBase        = time.Second
	DefaultRetryCap         = 60 * time.Second
	DefaultRetryMaxAttempts = 5
)

// Sleeper 等待 d 或直到 ctx 结束
type Sleeper func(ctx context.Context, d time.Duration) error

// RetryPolicy 对暂时性错误做有上限的指数退避重试, 其余错误立即返回。
type RetryPolicy struct {
	maxAttempts int
	base        time.Duration
	ceiling     time.Duration
	sleep       Sleeper
	logger      *zap.Logger
}

func NewRetryPolicy(maxAttempts int, base, ceiling time.Duration, logger *zap.Logger) *RetryPolicy {
	if maxAttempts <= 0 {
		maxAttempts = DefaultRetryMaxAttempts
	}
	if base <= 0 {
		base = DefaultRetryBase
	}
	if ceiling < base {
		ceiling = DefaultRetryCap
	}
	return &RetryPolicy{
		maxAttempts: maxAttempts,
		base:        base,
		ceiling:     ceiling,
		sleep:       SleepContext,
		logger:      logger,
	}
}

// WithSleeper 替换等待函数, 用于测试
func (p *RetryPolicy) WithSleeper(sleep Sleeper) *RetryPolicy {
	cp := *p
	cp.sleep = sleep
	return &cp
}

// NewBackoff 返回与重试策略相同参数的退避计时器, 供 WebSocket 重连等场景复用
func (p *RetryPolicy) NewBackoff() *backoff.Backoff {
	return &backoff.Backoff{Min: p.base, Max: p.ceiling, Factor: 2, Jitter: true}
}

// Do 执行 fn, 最多尝试 maxAttempts 次
func (p *RetryPolicy) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	b := p.NewBackoff()
	var err error
	for attempt := 1; attempt <= p.maxAttempts; attempt++ {
		err = fn(ctx)
		if err == nil || !exchange.IsTransient(err) {
			return err
		}
		if attempt == p.maxAttempts {
			break
		}
		wait := b.Duration()
		p.logger.Warn("请求失败, 准备重试",
			zap.String("op", op),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(err))
		if sleepErr := p.sleep(ctx, wait); sleepErr != nil {
			return fmt.Errorf("%s 等待重试时被取消: %w", op, sleepErr)
		}
	}
	return fmt.Errorf("%s 重试 %d 次后仍失败: %w", op, p.maxAttempts, err)
}

// SleepContext 是默认的 Sleeper
func SleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
