package execution

import (
	"binance-grid-engine/internal/exchange"
	"binance-grid-engine/internal/models"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// PaperConfig 模拟撮合的账户与费用参数, 模拟盘与回测共用
type PaperConfig struct {
	Symbol       string
	BaseAsset    string
	QuoteAsset   string
	InitialQuote decimal.Decimal
	InitialBase  decimal.Decimal
	FeeRate      decimal.Decimal // 按成交额收取, 计入计价货币
	SlippageRate decimal.Decimal // 买单成交价上浮, 卖单下浮
}

// paperBook 是内存中的模拟订单簿, 撮合逻辑沿用 O->L->H->C 路径上逐点检查挂单的方式。
// 挂单时冻结资金, 撤单时解冻, 成交时结算。
type paperBook struct {
	mu        sync.Mutex
	cfg       PaperConfig
	nextID    func() string
	orders    map[string]*models.Order
	openIDs   []string // 按下单顺序排列, 保证撮合结果确定
	reserved  map[string]decimal.Decimal
	free      map[string]decimal.Decimal
	lastPrice decimal.Decimal
	totalFees decimal.Decimal
	fills     []models.Fill
}

func newPaperBook(cfg PaperConfig, nextID func() string) *paperBook {
	return &paperBook{
		cfg:      cfg,
		nextID:   nextID,
		orders:   make(map[string]*models.Order),
		reserved: make(map[string]decimal.Decimal),
		free: map[string]decimal.Decimal{
			cfg.QuoteAsset: cfg.InitialQuote,
			cfg.BaseAsset:  cfg.InitialBase,
		},
	}
}

// place 创建一个模拟订单。市价单以最近价格加滑点立即成交。
func (b *paperBook) place(symbol string, side models.Side, amount decimal.Decimal, price *decimal.Decimal, at time.Time) (*models.Order, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if symbol != b.cfg.Symbol {
		return nil, fmt.Errorf("%w: 模拟账户只支持 %s, 收到 %s", exchange.ErrInvalidOrderParams, b.cfg.Symbol, symbol)
	}
	if !amount.IsPositive() {
		return nil, fmt.Errorf("%w: 数量必须为正数, 当前为 %s", exchange.ErrInvalidOrderParams, amount)
	}

	order := &models.Order{
		ID:        b.nextID(),
		Symbol:    symbol,
		Side:      side,
		Type:      models.Market,
		Status:    models.StatusOpen,
		Amount:    amount,
		CreatedAt: at,
		UpdatedAt: at,
	}

	refPrice := b.lastPrice
	if price != nil {
		if !price.IsPositive() {
			return nil, fmt.Errorf("%w: 限价必须为正数", exchange.ErrInvalidOrderParams)
		}
		order.Type = models.Limit
		order.Price = *price
		refPrice = *price
	} else if !refPrice.IsPositive() {
		return nil, fmt.Errorf("%w: 市价单缺少参考价格", exchange.ErrMarketDataUnavailable)
	}

	switch side {
	case models.Buy:
		// 冻结的资金包含预估手续费
		cost := refPrice.Mul(amount).Mul(decimal.NewFromInt(1).Add(b.cfg.FeeRate))
		if b.free[b.cfg.QuoteAsset].LessThan(cost) {
			return nil, fmt.Errorf("%w: 需要 %s %s, 可用 %s", exchange.ErrInsufficientFunds, cost.StringFixed(8), b.cfg.QuoteAsset, b.free[b.cfg.QuoteAsset].StringFixed(8))
		}
		b.free[b.cfg.QuoteAsset] = b.free[b.cfg.QuoteAsset].Sub(cost)
		b.reserved[order.ID] = cost
	case models.Sell:
		if b.free[b.cfg.BaseAsset].LessThan(amount) {
			return nil, fmt.Errorf("%w: 需要 %s %s, 可用 %s", exchange.ErrInsufficientFunds, amount, b.cfg.BaseAsset, b.free[b.cfg.BaseAsset])
		}
		b.free[b.cfg.BaseAsset] = b.free[b.cfg.BaseAsset].Sub(amount)
		b.reserved[order.ID] = amount
	default:
		return nil, fmt.Errorf("%w: 未知的方向 %q", exchange.ErrInvalidOrderParams, side)
	}

	b.orders[order.ID] = order
	if order.Type == models.Market {
		b.fill(order, refPrice, at)
	} else {
		b.openIDs = append(b.openIDs, order.ID)
	}
	cp := *order
	return &cp, nil
}

// matchAt 用单一价格点检查所有挂单, 返回本次成交的订单副本。必须在未持有锁时调用。
func (b *paperBook) matchAt(price decimal.Decimal, at time.Time) []models.Order {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.lastPrice = price
	var filled []models.Order
	for _, id := range b.openIDs {
		order := b.orders[id]
		if order.Status != models.StatusOpen || order.Type != models.Limit {
			continue
		}
		shouldFill := (order.Side == models.Buy && price.LessThanOrEqual(order.Price)) ||
			(order.Side == models.Sell && price.GreaterThanOrEqual(order.Price))
		if shouldFill {
			b.fill(order, order.Price, at)
			filled = append(filled, *order)
		}
	}
	if len(filled) > 0 {
		b.compactOpenIDs()
	}
	return filled
}

// fill 结算一笔成交。必须在持有锁的情况下调用。
func (b *paperBook) fill(order *models.Order, basePrice decimal.Decimal, at time.Time) {
	one := decimal.NewFromInt(1)
	execPrice := basePrice.Mul(one.Add(b.cfg.SlippageRate))
	if order.Side == models.Sell {
		execPrice = basePrice.Mul(one.Sub(b.cfg.SlippageRate))
	}
	notional := execPrice.Mul(order.Amount)
	fee := notional.Mul(b.cfg.FeeRate)
	reserved := b.reserved[order.ID]
	delete(b.reserved, order.ID)

	if order.Side == models.Buy {
		b.free[b.cfg.BaseAsset] = b.free[b.cfg.BaseAsset].Add(order.Amount)
		// 退回多冻结的部分, 滑点导致的超额在这里扣除
		b.free[b.cfg.QuoteAsset] = b.free[b.cfg.QuoteAsset].Add(reserved).Sub(notional).Sub(fee)
	} else {
		b.free[b.cfg.QuoteAsset] = b.free[b.cfg.QuoteAsset].Add(notional).Sub(fee)
	}

	order.Status = models.StatusFilled
	order.Filled = order.Amount
	order.AvgPrice = execPrice
	order.Fee = fee
	order.UpdatedAt = at

	b.totalFees = b.totalFees.Add(fee)
	b.fills = append(b.fills, models.Fill{
		OrderID: order.ID,
		Side:    order.Side,
		Price:   execPrice,
		Amount:  order.Amount,
		Fee:     fee,
		Time:    at,
	})
}

// cancel 撤销挂单并解冻资金。订单已成交、已撤销或不存在时返回 false。
func (b *paperBook) cancel(orderID string, at time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	order, ok := b.orders[orderID]
	if !ok || order.Status != models.StatusOpen {
		return false
	}
	reserved := b.reserved[orderID]
	delete(b.reserved, orderID)
	if order.Side == models.Buy {
		b.free[b.cfg.QuoteAsset] = b.free[b.cfg.QuoteAsset].Add(reserved)
	} else {
		b.free[b.cfg.BaseAsset] = b.free[b.cfg.BaseAsset].Add(reserved)
	}
	order.Status = models.StatusCanceled
	order.UpdatedAt = at
	b.compactOpenIDs()
	return true
}

// compactOpenIDs 移除已结束的订单ID。必须在持有锁的情况下调用。
func (b *paperBook) compactOpenIDs() {
	kept := b.openIDs[:0]
	for _, id := range b.openIDs {
		if b.orders[id].Status == models.StatusOpen {
			kept = append(kept, id)
		}
	}
	b.openIDs = kept
}

func (b *paperBook) get(orderID string) (*models.Order, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	order, ok := b.orders[orderID]
	if !ok {
		return nil, fmt.Errorf("%w: 模拟订单 %s", exchange.ErrOrderNotFound, orderID)
	}
	cp := *order
	return &cp, nil
}

func (b *paperBook) open(symbol string) []models.Order {
	b.mu.Lock()
	defer b.mu.Unlock()
	orders := make([]models.Order, 0, len(b.openIDs))
	for _, id := range b.openIDs {
		order := b.orders[id]
		if symbol == "" || order.Symbol == symbol {
			orders = append(orders, *order)
		}
	}
	return orders
}

func (b *paperBook) balance(currency string) decimal.Decimal {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.free[currency]
}

func (b *paperBook) price() decimal.Decimal {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastPrice
}

// totals 返回包含挂单冻结部分在内的计价货币与基础货币总额
func (b *paperBook) totals() (quote, base decimal.Decimal) {
	b.mu.Lock()
	defer b.mu.Unlock()
	quote = b.free[b.cfg.QuoteAsset]
	base = b.free[b.cfg.BaseAsset]
	for id, amount := range b.reserved {
		if b.orders[id].Side == models.Buy {
			quote = quote.Add(amount)
		} else {
			base = base.Add(amount)
		}
	}
	return quote, base
}

func (b *paperBook) stats() (fees decimal.Decimal, fills []models.Fill) {
	b.mu.Lock()
	defer b.mu.Unlock()
	fills = make([]models.Fill, len(b.fills))
	copy(fills, b.fills)
	return b.totalFees, fills
}
