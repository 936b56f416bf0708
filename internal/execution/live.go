package execution

import (
	"binance-grid-engine/internal/exchange"
	"binance-grid-engine/internal/models"
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Live 把所有调用委托给(通常已被 resilience 包装的)交易所网关。
type Live struct {
	gateway exchange.Gateway
	journal Journal
	logger  *zap.Logger
}

// NewLive 创建实盘执行上下文。journal 可以为 nil。
func NewLive(gateway exchange.Gateway, journal Journal, logger *zap.Logger) *Live {
	return &Live{gateway: gateway, journal: journal, logger: logger}
}

func (l *Live) CurrentPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	ticker, err := l.gateway.FetchTicker(ctx, symbol)
	if err != nil {
		return decimal.Zero, err
	}
	return ticker.Price, nil
}

func (l *Live) PlaceOrder(ctx context.Context, symbol string, side models.Side, amount decimal.Decimal, price *decimal.Decimal) (string, error) {
	req := exchange.OrderRequest{
		Symbol:        symbol,
		Side:          side,
		Type:          models.Market,
		Amount:        amount,
		ClientOrderID: NewClientOrderID(),
	}
	if price != nil {
		req.Type = models.Limit
		req.Price = *price
	}

	order, err := l.gateway.CreateOrder(ctx, req)
	if err != nil {
		return "", err
	}
	l.record(*order)
	return order.ID, nil
}

func (l *Live) CancelOrder(ctx context.Context, orderID, symbol string) (bool, error) {
	err := l.gateway.CancelOrder(ctx, orderID, symbol)
	if errors.Is(err, exchange.ErrOrderNotFound) {
		// 订单已成交或已不存在
		return false, nil
	}
	if err != nil {
		return false, err
	}
	l.updateJournal(orderID, models.StatusCanceled, decimal.Zero, decimal.Zero)
	return true, nil
}

func (l *Live) Balance(ctx context.Context, currency string) (decimal.Decimal, error) {
	balances, err := l.gateway.FetchBalance(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	return balances[currency], nil
}

func (l *Live) OpenOrders(ctx context.Context, symbol string) ([]models.Order, error) {
	return l.gateway.FetchOpenOrders(ctx, symbol)
}

func (l *Live) FetchOrder(ctx context.Context, orderID, symbol string) (*models.Order, error) {
	order, err := l.gateway.FetchOrder(ctx, orderID, symbol)
	if err != nil {
		return nil, err
	}
	if !order.IsOpen() {
		l.updateJournal(order.ID, order.Status, order.Filled, order.AvgPrice)
	}
	return order, nil
}

func (l *Live) Timestamp() time.Time { return time.Now() }

func (l *Live) IsLive() bool { return true }

func (l *Live) record(order models.Order) {
	if l.journal == nil {
		return
	}
	if err := l.journal.RecordOrder(order, "live"); err != nil {
		l.logger.Warn("写入订单日志失败", zap.String("orderID", order.ID), zap.Error(err))
	}
}

func (l *Live) updateJournal(orderID string, status models.OrderStatus, filled, avgPrice decimal.Decimal) {
	if l.journal == nil {
		return
	}
	if err := l.journal.UpdateStatus(orderID, status, filled, avgPrice, time.Now()); err != nil {
		l.logger.Warn("更新订单日志失败", zap.String("orderID", orderID), zap.Error(err))
	}
}
