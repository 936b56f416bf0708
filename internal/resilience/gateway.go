package resilience

import (
	"binance-grid-engine/internal/exchange"
	"binance-grid-engine/internal/models"
	"binance-grid-engine/internal/notify"
	"context"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Gateway 包装一个 exchange.Gateway, 每次调用依次经过 断路器 -> 重试 -> 内层网关。
// 重试耗尽后的暂时性错误才计入断路器。半开状态的探测请求只发一次, 不重试。
type Gateway struct {
	inner   exchange.Gateway
	breaker *CircuitBreaker
	retry   *RetryPolicy
}

func NewGateway(inner exchange.Gateway, breaker *CircuitBreaker, retry *RetryPolicy) *Gateway {
	return &Gateway{inner: inner, breaker: breaker, retry: retry}
}

// NewGatewayFromConfig 按配置创建断路器和重试策略并包装网关
func NewGatewayFromConfig(inner exchange.Gateway, cfg models.ResilienceConfig, sink notify.Sink, logger *zap.Logger) *Gateway {
	breaker := NewCircuitBreaker("exchange", cfg.FailMax, seconds(cfg.ResetTimeoutSec), logger, WithNotifier(sink))
	retry := NewRetryPolicy(cfg.RetryMaxAttempts, seconds(cfg.RetryBaseSec), seconds(cfg.RetryCapSec), logger)
	return NewGateway(inner, breaker, retry)
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

// Breaker 暴露断路器, 用于状态报告
func (g *Gateway) Breaker() *CircuitBreaker { return g.breaker }

// Retry 暴露重试策略, 用于复用退避参数
func (g *Gateway) Retry() *RetryPolicy { return g.retry }

func (g *Gateway) call(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	trial, err := g.breaker.allow()
	if err != nil {
		return err
	}
	if trial {
		err = fn(ctx)
	} else {
		err = g.retry.Do(ctx, op, fn)
	}
	g.breaker.Record(err)
	return err
}

func (g *Gateway) FetchTicker(ctx context.Context, symbol string) (*models.Ticker, error) {
	var ticker *models.Ticker
	err := g.call(ctx, "FetchTicker", func(ctx context.Context) error {
		var err error
		ticker, err = g.inner.FetchTicker(ctx, symbol)
		return err
	})
	return ticker, err
}

func (g *Gateway) FetchBalance(ctx context.Context) (map[string]decimal.Decimal, error) {
	var balances map[string]decimal.Decimal
	err := g.call(ctx, "FetchBalance", func(ctx context.Context) error {
		var err error
		balances, err = g.inner.FetchBalance(ctx)
		return err
	})
	return balances, err
}

// CreateOrder 重试时沿用同一个 ClientOrderID, 交易所会拒绝重复的下单请求
func (g *Gateway) CreateOrder(ctx context.Context, req exchange.OrderRequest) (*models.Order, error) {
	var order *models.Order
	err := g.call(ctx, "CreateOrder", func(ctx context.Context) error {
		var err error
		order, err = g.inner.CreateOrder(ctx, req)
		return err
	})
	return order, err
}

func (g *Gateway) CancelOrder(ctx context.Context, orderID, symbol string) error {
	return g.call(ctx, "CancelOrder", func(ctx context.Context) error {
		return g.inner.CancelOrder(ctx, orderID, symbol)
	})
}

func (g *Gateway) FetchOrder(ctx context.Context, orderID, symbol string) (*models.Order, error) {
	var order *models.Order
	err := g.call(ctx, "FetchOrder", func(ctx context.Context) error {
		var err error
		order, err = g.inner.FetchOrder(ctx, orderID, symbol)
		return err
	})
	return order, err
}

func (g *Gateway) FetchOpenOrders(ctx context.Context, symbol string) ([]models.Order, error) {
	var orders []models.Order
	err := g.call(ctx, "FetchOpenOrders", func(ctx context.Context) error {
		var err error
		orders, err = g.inner.FetchOpenOrders(ctx, symbol)
		return err
	})
	return orders, err
}
