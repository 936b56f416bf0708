package exchange

import (
	"binance-grid-engine/internal/models"
	"context"

	"github.com/shopspring/decimal"
)

// OrderRequest 是下单参数。Price 为零值时表示市价单。
type OrderRequest struct {
	Symbol        string
	Side          models.Side
	Type          models.OrderType
	Amount        decimal.Decimal
	Price         decimal.Decimal
	ClientOrderID string
}

// Gateway 定义了所有交易所实现必须提供的通用方法。
// 订单的真实状态由交易所拥有, 策略只持有订单ID。
type Gateway interface {
	FetchTicker(ctx context.Context, symbol string) (*models.Ticker, error)
	FetchBalance(ctx context.Context) (map[string]decimal.Decimal, error)
	CreateOrder(ctx context.Context, req OrderRequest) (*models.Order, error)
	CancelOrder(ctx context.Context, orderID, symbol string) error
	FetchOrder(ctx context.Context, orderID, symbol string) (*models.Order, error)
	FetchOpenOrders(ctx context.Context, symbol string) ([]models.Order, error)
}
