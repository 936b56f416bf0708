package execution

import (
	"binance-grid-engine/internal/exchange"
	"binance-grid-engine/internal/models"
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// Backtest 在历史K线上同步撮合订单。时钟只通过 Advance 前进。
type Backtest struct {
	book *paperBook

	mu        sync.Mutex
	clock     time.Time
	startTime time.Time
	bars      int

	nextID int64 // 只在 paperBook 持锁时访问
}

// BacktestStats 回测结束时的账户概要
type BacktestStats struct {
	Start         time.Time
	End           time.Time
	Bars          int
	InitialQuote  decimal.Decimal
	InitialBase   decimal.Decimal
	FinalQuote    decimal.Decimal
	FinalBase     decimal.Decimal
	FinalPrice    decimal.Decimal
	InitialEquity decimal.Decimal // 以第一根K线开盘价计
	FinalEquity   decimal.Decimal // 以最后收盘价计, 包含挂单冻结部分
	TotalFees     decimal.Decimal
	Buys          int
	Sells         int
}

// NewBacktest 创建一个回测执行上下文
func NewBacktest(cfg PaperConfig) *Backtest {
	bt := &Backtest{nextID: 1}
	bt.book = newPaperBook(cfg, bt.allocateID)
	return bt
}

// allocateID 由 paperBook 在持有自身锁时调用, 不能再获取 b.mu
func (b *Backtest) allocateID() string {
	id := b.nextID
	b.nextID++
	return strconv.FormatInt(id, 10)
}

// Advance 推进到下一根K线。挂单按 O->L->H->C 的顺序逐点检查,
// 比只看高低点更接近K线内部的真实价格路径。返回本根K线内成交的订单。
func (b *Backtest) Advance(timestamp time.Time, bar models.Bar) []models.Order {
	b.mu.Lock()
	if b.bars == 0 {
		b.startTime = timestamp
	}
	b.clock = timestamp
	b.bars++
	b.mu.Unlock()

	var filled []models.Order
	for _, p := range []decimal.Decimal{bar.Open, bar.Low, bar.High, bar.Close} {
		filled = append(filled, b.book.matchAt(p, timestamp)...)
	}
	return filled
}

func (b *Backtest) CurrentPrice(_ context.Context, symbol string) (decimal.Decimal, error) {
	price := b.book.price()
	if !price.IsPositive() {
		return decimal.Zero, exchange.ErrMarketDataUnavailable
	}
	return price, nil
}

func (b *Backtest) PlaceOrder(_ context.Context, symbol string, side models.Side, amount decimal.Decimal, price *decimal.Decimal) (string, error) {
	order, err := b.book.place(symbol, side, amount, price, b.Timestamp())
	if err != nil {
		return "", err
	}
	return order.ID, nil
}

func (b *Backtest) CancelOrder(_ context.Context, orderID, _ string) (bool, error) {
	return b.book.cancel(orderID, b.Timestamp()), nil
}

func (b *Backtest) Balance(_ context.Context, currency string) (decimal.Decimal, error) {
	return b.book.balance(currency), nil
}

func (b *Backtest) OpenOrders(_ context.Context, symbol string) ([]models.Order, error) {
	return b.book.open(symbol), nil
}

func (b *Backtest) FetchOrder(_ context.Context, orderID, _ string) (*models.Order, error) {
	return b.book.get(orderID)
}

func (b *Backtest) Timestamp() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.clock
}

func (b *Backtest) IsLive() bool { return false }

// Fills 返回回测期间的全部成交记录
func (b *Backtest) Fills() []models.Fill {
	_, fills := b.book.stats()
	return fills
}

// Stats 汇总回测结果。firstOpen 为第一根K线的开盘价, 用于计算初始权益。
func (b *Backtest) Stats(firstOpen decimal.Decimal) BacktestStats {
	b.mu.Lock()
	stats := BacktestStats{Start: b.startTime, End: b.clock, Bars: b.bars}
	b.mu.Unlock()

	cfg := b.book.cfg
	stats.InitialQuote = cfg.InitialQuote
	stats.InitialBase = cfg.InitialBase
	stats.FinalQuote, stats.FinalBase = b.book.totals()
	stats.FinalPrice = b.book.price()
	stats.InitialEquity = cfg.InitialQuote.Add(cfg.InitialBase.Mul(firstOpen))
	stats.FinalEquity = stats.FinalQuote.Add(stats.FinalBase.Mul(stats.FinalPrice))

	var fills []models.Fill
	stats.TotalFees, fills = b.book.stats()
	for _, f := range fills {
		if f.Side == models.Buy {
			stats.Buys++
		} else {
			stats.Sells++
		}
	}
	return stats
}
