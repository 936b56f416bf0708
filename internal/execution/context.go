// Package execution 为策略提供统一的执行上下文, 实盘、模拟盘与回测三种模式实现同一接口。
package execution

import (
	"binance-grid-engine/internal/models"
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jxskiss/base62"
	"github.com/shopspring/decimal"
)

// Context 是策略与外部世界交互的唯一入口。
// 策略只持有订单ID, 订单的真实状态始终以 Context 背后的交易所(或模拟器)为准。
type Context interface {
	// CurrentPrice 返回最新成交价, 无报价时返回 exchange.ErrMarketDataUnavailable
	CurrentPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
	// PlaceOrder 下单并返回订单ID。price 为 nil 时下市价单, 否则下限价单。
	PlaceOrder(ctx context.Context, symbol string, side models.Side, amount decimal.Decimal, price *decimal.Decimal) (string, error)
	// CancelOrder 撤单。订单已成交或不存在时返回 false 且不报错。
	CancelOrder(ctx context.Context, orderID, symbol string) (bool, error)
	Balance(ctx context.Context, currency string) (decimal.Decimal, error)
	OpenOrders(ctx context.Context, symbol string) ([]models.Order, error)
	FetchOrder(ctx context.Context, orderID, symbol string) (*models.Order, error)
	Timestamp() time.Time
	IsLive() bool
}

// Journal 记录订单生命周期, 由 storage 包的 sqlite 实现提供。可以为 nil。
type Journal interface {
	RecordOrder(order models.Order, mode string) error
	UpdateStatus(orderID string, status models.OrderStatus, filled, avgPrice decimal.Decimal, at time.Time) error
}

const clientOrderPrefix = "grid_"

// NewClientOrderID 生成满足币安 newClientOrderId 规则 (≤36 字符, [A-Za-z0-9_]) 的唯一ID
func NewClientOrderID() string {
	id := uuid.New()
	return clientOrderPrefix + base62.EncodeToString(id[:])
}

// Mode 返回执行上下文对应的运行模式名称, 写入订单日志
func Mode(c Context) string {
	switch c.(type) {
	case *Live:
		return "live"
	case *DryRun:
		return "dryrun"
	case *Backtest:
		return "backtest"
	default:
		return "unknown"
	}
}
