package execution

import (
	"binance-grid-engine/internal/exchange"
	"binance-grid-engine/internal/models"
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// DryRun 使用交易所的真实价格, 但订单只存在于内存中的模拟账户。
// 每次观察到新价格时检查限价单是否被穿越成交。
type DryRun struct {
	gateway exchange.Gateway
	book    *paperBook
	journal Journal
	logger  *zap.Logger
}

// NewDryRun 创建模拟盘执行上下文。journal 可以为 nil。
func NewDryRun(gateway exchange.Gateway, cfg PaperConfig, journal Journal, logger *zap.Logger) *DryRun {
	return &DryRun{
		gateway: gateway,
		book:    newPaperBook(cfg, func() string { return "paper-" + uuid.NewString() }),
		journal: journal,
		logger:  logger,
	}
}

func (d *DryRun) CurrentPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	ticker, err := d.gateway.FetchTicker(ctx, symbol)
	if err != nil {
		return decimal.Zero, err
	}
	d.observe(ticker.Price)
	return ticker.Price, nil
}

// observe 用最新价格撮合模拟挂单
func (d *DryRun) observe(price decimal.Decimal) {
	for _, order := range d.book.matchAt(price, time.Now()) {
		d.logger.Info("[模拟盘] 订单成交",
			zap.String("orderID", order.ID),
			zap.String("side", string(order.Side)),
			zap.String("price", order.AvgPrice.String()),
			zap.String("amount", order.Amount.String()))
		d.updateJournal(order)
	}
}

func (d *DryRun) PlaceOrder(ctx context.Context, symbol string, side models.Side, amount decimal.Decimal, price *decimal.Decimal) (string, error) {
	if price == nil && !d.book.price().IsPositive() {
		// 市价单需要一个参考价格
		if _, err := d.CurrentPrice(ctx, symbol); err != nil {
			return "", err
		}
	}
	order, err := d.book.place(symbol, side, amount, price, time.Now())
	if err != nil {
		return "", err
	}
	if d.journal != nil {
		if err := d.journal.RecordOrder(*order, "dryrun"); err != nil {
			d.logger.Warn("写入订单日志失败", zap.String("orderID", order.ID), zap.Error(err))
		}
	}
	return order.ID, nil
}

func (d *DryRun) CancelOrder(_ context.Context, orderID, _ string) (bool, error) {
	if !d.book.cancel(orderID, time.Now()) {
		return false, nil
	}
	if order, err := d.book.get(orderID); err == nil {
		d.updateJournal(*order)
	}
	return true, nil
}

func (d *DryRun) Balance(_ context.Context, currency string) (decimal.Decimal, error) {
	return d.book.balance(currency), nil
}

func (d *DryRun) OpenOrders(_ context.Context, symbol string) ([]models.Order, error) {
	if price := d.book.price(); price.IsPositive() {
		d.observe(price)
	}
	return d.book.open(symbol), nil
}

func (d *DryRun) FetchOrder(_ context.Context, orderID, _ string) (*models.Order, error) {
	return d.book.get(orderID)
}

func (d *DryRun) Timestamp() time.Time { return time.Now() }

func (d *DryRun) IsLive() bool { return false }

func (d *DryRun) updateJournal(order models.Order) {
	if d.journal == nil {
		return
	}
	if err := d.journal.UpdateStatus(order.ID, order.Status, order.Filled, order.AvgPrice, order.UpdatedAt); err != nil {
		d.logger.Warn("更新订单日志失败", zap.String("orderID", order.ID), zap.Error(err))
	}
}
