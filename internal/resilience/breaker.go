// Package resilience 为交易所网关提供断路器与带抖动的指数退避重试。
package resilience

import (
	"binance-grid-engine/internal/exchange"
	"binance-grid-engine/internal/notify"
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrCircuitOpen 表示断路器已打开, 调用被直接拒绝。它同时属于 exchange.ErrExchangeUnavailable。
var ErrCircuitOpen = fmt.Errorf("%w: circuit breaker open", exchange.ErrExchangeUnavailable)

const (
	DefaultFailMax      = 5
	DefaultResetTimeout = 60 * time.Second
)

// State 断路器状态
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreaker 连续失败达到 failMax 后打开; 打开 resetTimeout 之后进入半开,
// 只放行一个探测请求, 成功则关闭, 失败则重新打开。
// 客户端错误(鉴权、参数、余额、订单不存在)说明交易所正常应答, 按成功计。
type CircuitBreaker struct {
	name         string
	failMax      int
	resetTimeout time.Duration
	now          func() time.Time
	notifier     notify.Sink
	logger       *zap.Logger

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
	trialing bool
}

// BreakerOption 断路器可选参数
type BreakerOption func(*CircuitBreaker)

// WithClock 替换时钟, 用于测试
func WithClock(now func() time.Time) BreakerOption {
	return func(cb *CircuitBreaker) { cb.now = now }
}

// WithNotifier 在断路器打开和恢复时发送告警
func WithNotifier(sink notify.Sink) BreakerOption {
	return func(cb *CircuitBreaker) { cb.notifier = sink }
}

func NewCircuitBreaker(name string, failMax int, resetTimeout time.Duration, logger *zap.Logger, opts ...BreakerOption) *CircuitBreaker {
	if failMax <= 0 {
		failMax = DefaultFailMax
	}
	if resetTimeout <= 0 {
		resetTimeout = DefaultResetTimeout
	}
	cb := &CircuitBreaker{
		name:         name,
		failMax:      failMax,
		resetTimeout: resetTimeout,
		now:          time.Now,
		notifier:     notify.Nop{},
		logger:       logger,
	}
	for _, opt := range opts {
		opt(cb)
	}
	return cb
}

// Allow 判断是否放行一次调用。放行后调用方必须用 Record 报告结果。
func (cb *CircuitBreaker) Allow() error {
	_, err := cb.allow()
	return err
}

// allow 额外报告本次放行是否为半开状态下的试探调用
func (cb *CircuitBreaker) allow() (bool, error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateOpen:
		if cb.now().Sub(cb.openedAt) < cb.resetTimeout {
			return false, ErrCircuitOpen
		}
		cb.state = StateHalfOpen
		cb.trialing = true
		cb.logger.Info("断路器进入半开状态, 放行一个探测请求", zap.String("breaker", cb.name))
		return true, nil
	case StateHalfOpen:
		if cb.trialing {
			return false, ErrCircuitOpen
		}
		cb.trialing = true
		return true, nil
	default:
		return false, nil
	}
}

// Record 报告一次已放行调用的结果
func (cb *CircuitBreaker) Record(err error) {
	cb.mu.Lock()
	changed, to, failures := cb.record(err)
	cb.mu.Unlock()
	if changed {
		cb.announce(to, failures)
	}
}

// record 更新计数与状态, 返回状态是否变化。必须在持有锁的情况下调用。
func (cb *CircuitBreaker) record(err error) (bool, State, int) {
	cb.trialing = false
	switch {
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		// 调用方放弃了请求, 不说明交易所的状况
		return false, cb.state, cb.failures
	case err == nil || exchange.IsClientError(err):
		cb.failures = 0
		if cb.state == StateClosed {
			return false, cb.state, 0
		}
		cb.state = StateClosed
		return true, StateClosed, 0
	}

	cb.failures++
	if cb.state == StateHalfOpen || (cb.state == StateClosed && cb.failures >= cb.failMax) {
		cb.state = StateOpen
		cb.openedAt = cb.now()
		return true, StateOpen, cb.failures
	}
	return false, cb.state, cb.failures
}

// Execute 在断路器保护下执行 fn
func (cb *CircuitBreaker) Execute(fn func() error) error {
	if err := cb.Allow(); err != nil {
		return err
	}
	err := fn()
	cb.Record(err)
	return err
}

func (cb *CircuitBreaker) announce(to State, failures int) {
	fields := map[string]string{"breaker": cb.name, "failures": strconv.Itoa(failures)}
	if to == StateOpen {
		cb.logger.Error("断路器打开, 暂停向交易所发送请求",
			zap.String("breaker", cb.name),
			zap.Duration("resetTimeout", cb.resetTimeout))
		cb.notifier.Notify(notify.Critical, "断路器打开, 暂停向交易所发送请求", fields)
		return
	}
	cb.logger.Info("断路器恢复关闭", zap.String("breaker", cb.name))
	cb.notifier.Notify(notify.Info, "断路器恢复关闭", fields)
}

func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Failures 返回当前连续失败次数
func (cb *CircuitBreaker) Failures() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.failures
}
