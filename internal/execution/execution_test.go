package execution

import (
	"binance-grid-engine/internal/exchange"
	"binance-grid-engine/internal/models"
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func assertDecimal(t *testing.T, expected string, actual decimal.Decimal, msg ...string) {
	t.Helper()
	assert.Truef(t, dec(expected).Equal(actual), "expected %s, got %s %v", expected, actual, msg)
}

func paperConfig() PaperConfig {
	return PaperConfig{
		Symbol:       "BTCUSDT",
		BaseAsset:    "BTC",
		QuoteAsset:   "USDT",
		InitialQuote: dec("1000"),
		FeeRate:      dec("0.001"),
	}
}

func bar(open, high, low, close string) models.Bar {
	return models.Bar{Open: dec(open), High: dec(high), Low: dec(low), Close: dec(close)}
}

// mockGateway is a hand-written exchange.Gateway for the live and dry-run contexts.
type mockGateway struct {
	sync.Mutex
	price     decimal.Decimal
	created   []exchange.OrderRequest
	cancelErr error
	orders    map[string]*models.Order
}

func newMockGateway(price string) *mockGateway {
	return &mockGateway{price: dec(price), orders: make(map[string]*models.Order)}
}

func (m *mockGateway) setPrice(price string) {
	m.Lock()
	defer m.Unlock()
	m.price = dec(price)
}

func (m *mockGateway) FetchTicker(_ context.Context, symbol string) (*models.Ticker, error) {
	m.Lock()
	defer m.Unlock()
	return &models.Ticker{Symbol: symbol, Price: m.price, Time: time.Now()}, nil
}

func (m *mockGateway) FetchBalance(context.Context) (map[string]decimal.Decimal, error) {
	return map[string]decimal.Decimal{"USDT": dec("500")}, nil
}

func (m *mockGateway) CreateOrder(_ context.Context, req exchange.OrderRequest) (*models.Order, error) {
	m.Lock()
	defer m.Unlock()
	m.created = append(m.created, req)
	order := &models.Order{
		ID:            fmt.Sprintf("%d", len(m.created)),
		ClientOrderID: req.ClientOrderID,
		Symbol:        req.Symbol,
		Side:          req.Side,
		Type:          req.Type,
		Status:        models.StatusOpen,
		Price:         req.Price,
		Amount:        req.Amount,
	}
	m.orders[order.ID] = order
	return order, nil
}

func (m *mockGateway) CancelOrder(context.Context, string, string) error {
	m.Lock()
	defer m.Unlock()
	return m.cancelErr
}

func (m *mockGateway) FetchOrder(_ context.Context, orderID, _ string) (*models.Order, error) {
	m.Lock()
	defer m.Unlock()
	order, ok := m.orders[orderID]
	if !ok {
		return nil, exchange.ErrOrderNotFound
	}
	cp := *order
	return &cp, nil
}

func (m *mockGateway) FetchOpenOrders(context.Context, string) ([]models.Order, error) {
	return nil, nil
}

// mockJournal records journal calls.
type mockJournal struct {
	sync.Mutex
	recorded []models.Order
	updates  map[string]models.OrderStatus
}

func newMockJournal() *mockJournal {
	return &mockJournal{updates: make(map[string]models.OrderStatus)}
}

func (j *mockJournal) RecordOrder(order models.Order, _ string) error {
	j.Lock()
	defer j.Unlock()
	j.recorded = append(j.recorded, order)
	return nil
}

func (j *mockJournal) UpdateStatus(orderID string, status models.OrderStatus, _, _ decimal.Decimal, _ time.Time) error {
	j.Lock()
	defer j.Unlock()
	j.updates[orderID] = status
	return nil
}

func TestBacktest_LimitOrderCycle(t *testing.T) {
	bt := NewBacktest(paperConfig())
	ctx := context.Background()
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	_, err := bt.CurrentPrice(ctx, "BTCUSDT")
	assert.ErrorIs(t, err, exchange.ErrMarketDataUnavailable, "no bar has been seen yet")

	bt.Advance(t0, bar("100000", "100500", "99800", "100200"))
	price, err := bt.CurrentPrice(ctx, "BTCUSDT")
	require.NoError(t, err)
	assertDecimal(t, "100200", price)
	assert.Equal(t, t0, bt.Timestamp())

	buyPrice := dec("99000")
	buyID, err := bt.PlaceOrder(ctx, "BTCUSDT", models.Buy, dec("0.001"), &buyPrice)
	require.NoError(t, err)
	usdt, _ := bt.Balance(ctx, "USDT")
	assertDecimal(t, "900.901", usdt, "cost plus estimated fee is reserved")

	filled := bt.Advance(t0.Add(time.Minute), bar("100000", "100100", "98500", "99500"))
	require.Len(t, filled, 1)
	assert.Equal(t, buyID, filled[0].ID)

	order, err := bt.FetchOrder(ctx, buyID, "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, models.StatusFilled, order.Status)
	assertDecimal(t, "0.099", order.Fee)

	btc, _ := bt.Balance(ctx, "BTC")
	assertDecimal(t, "0.001", btc)
	usdt, _ = bt.Balance(ctx, "USDT")
	assertDecimal(t, "900.901", usdt)

	sellPrice := dec("100000")
	_, err = bt.PlaceOrder(ctx, "BTCUSDT", models.Sell, dec("0.001"), &sellPrice)
	require.NoError(t, err)
	_, err = bt.PlaceOrder(ctx, "BTCUSDT", models.Sell, dec("0.001"), &sellPrice)
	assert.ErrorIs(t, err, exchange.ErrInsufficientFunds, "base is already reserved by the first sell")

	filled = bt.Advance(t0.Add(2*time.Minute), bar("99500", "100100", "99400", "99900"))
	require.Len(t, filled, 1)

	usdt, _ = bt.Balance(ctx, "USDT")
	assertDecimal(t, "1000.801", usdt)

	stats := bt.Stats(dec("100000"))
	assert.Equal(t, 1, stats.Buys)
	assert.Equal(t, 1, stats.Sells)
	assert.Equal(t, 3, stats.Bars)
	assertDecimal(t, "0.199", stats.TotalFees)
	assertDecimal(t, "1000", stats.InitialEquity)
	assertDecimal(t, "1000.801", stats.FinalEquity)
	assert.Len(t, bt.Fills(), 2)
}

func TestBacktest_CancelAndMarketOrders(t *testing.T) {
	bt := NewBacktest(paperConfig())
	ctx := context.Background()
	bt.Advance(time.Now(), bar("100", "100", "100", "100"))

	price := dec("90")
	id, err := bt.PlaceOrder(ctx, "BTCUSDT", models.Buy, dec("1"), &price)
	require.NoError(t, err)

	ok, err := bt.CancelOrder(ctx, id, "BTCUSDT")
	require.NoError(t, err)
	assert.True(t, ok)
	usdt, _ := bt.Balance(ctx, "USDT")
	assertDecimal(t, "1000", usdt, "cancel releases the reservation")

	ok, err = bt.CancelOrder(ctx, id, "BTCUSDT")
	require.NoError(t, err)
	assert.False(t, ok, "already canceled")
	ok, err = bt.CancelOrder(ctx, "999", "BTCUSDT")
	require.NoError(t, err)
	assert.False(t, ok, "unknown order")

	_, err = bt.FetchOrder(ctx, "999", "BTCUSDT")
	assert.ErrorIs(t, err, exchange.ErrOrderNotFound)

	marketID, err := bt.PlaceOrder(ctx, "BTCUSDT", models.Buy, dec("2"), nil)
	require.NoError(t, err)
	order, err := bt.FetchOrder(ctx, marketID, "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, models.StatusFilled, order.Status, "market orders fill immediately")
	assertDecimal(t, "100", order.AvgPrice)

	open, _ := bt.OpenOrders(ctx, "BTCUSDT")
	assert.Empty(t, open)

	_, err = bt.PlaceOrder(ctx, "BTCUSDT", models.Buy, dec("0"), &price)
	assert.ErrorIs(t, err, exchange.ErrInvalidOrderParams)
	_, err = bt.PlaceOrder(ctx, "ETHUSDT", models.Buy, dec("1"), &price)
	assert.ErrorIs(t, err, exchange.ErrInvalidOrderParams)
}

func TestBacktest_Slippage(t *testing.T) {
	cfg := paperConfig()
	cfg.FeeRate = decimal.Zero
	cfg.SlippageRate = dec("0.01")
	bt := NewBacktest(cfg)
	ctx := context.Background()
	bt.Advance(time.Now(), bar("100", "100", "100", "100"))

	price := dec("95")
	id, err := bt.PlaceOrder(ctx, "BTCUSDT", models.Buy, dec("1"), &price)
	require.NoError(t, err)
	bt.Advance(time.Now(), bar("100", "100", "90", "92"))

	order, err := bt.FetchOrder(ctx, id, "BTCUSDT")
	require.NoError(t, err)
	assertDecimal(t, "95.95", order.AvgPrice, "buys fill above the limit by the slippage rate")
}

func TestDryRun_FillsWhenPriceCrosses(t *testing.T) {
	gw := newMockGateway("100")
	journal := newMockJournal()
	dr := NewDryRun(gw, paperConfig(), journal, zap.NewNop())
	ctx := context.Background()

	price := dec("95")
	id, err := dr.PlaceOrder(ctx, "BTCUSDT", models.Buy, dec("1"), &price)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(id, "paper-"))

	_, err = dr.CurrentPrice(ctx, "BTCUSDT")
	require.NoError(t, err)
	open, _ := dr.OpenOrders(ctx, "BTCUSDT")
	require.Len(t, open, 1, "price has not crossed the limit yet")

	gw.setPrice("94.5")
	_, err = dr.CurrentPrice(ctx, "BTCUSDT")
	require.NoError(t, err)

	open, _ = dr.OpenOrders(ctx, "BTCUSDT")
	assert.Empty(t, open)
	order, err := dr.FetchOrder(ctx, id, "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, models.StatusFilled, order.Status)

	journal.Lock()
	defer journal.Unlock()
	assert.Len(t, journal.recorded, 1)
	assert.Equal(t, models.StatusFilled, journal.updates[id])
	assert.False(t, dr.IsLive())
}

func TestLive_DelegatesToGateway(t *testing.T) {
	gw := newMockGateway("100")
	journal := newMockJournal()
	live := NewLive(gw, journal, zap.NewNop())
	ctx := context.Background()

	price := dec("95")
	id, err := live.PlaceOrder(ctx, "BTCUSDT", models.Buy, dec("0.5"), &price)
	require.NoError(t, err)
	assert.Equal(t, "1", id)

	gw.Lock()
	req := gw.created[0]
	gw.Unlock()
	assert.Equal(t, models.Limit, req.Type)
	assert.True(t, strings.HasPrefix(req.ClientOrderID, clientOrderPrefix))
	assert.LessOrEqual(t, len(req.ClientOrderID), 36)

	_, err = live.PlaceOrder(ctx, "BTCUSDT", models.Sell, dec("0.5"), nil)
	require.NoError(t, err)
	gw.Lock()
	assert.Equal(t, models.Market, gw.created[1].Type)
	gw.Unlock()

	ok, err := live.CancelOrder(ctx, id, "BTCUSDT")
	require.NoError(t, err)
	assert.True(t, ok)

	gw.Lock()
	gw.cancelErr = fmt.Errorf("%w: unknown order", exchange.ErrOrderNotFound)
	gw.Unlock()
	ok, err = live.CancelOrder(ctx, id, "BTCUSDT")
	require.NoError(t, err, "an order that no longer exists is not an error")
	assert.False(t, ok)

	gw.Lock()
	gw.cancelErr = exchange.ErrNetwork
	gw.Unlock()
	_, err = live.CancelOrder(ctx, id, "BTCUSDT")
	assert.ErrorIs(t, err, exchange.ErrNetwork)

	balance, err := live.Balance(ctx, "USDT")
	require.NoError(t, err)
	assertDecimal(t, "500", balance)
	missing, err := live.Balance(ctx, "ETH")
	require.NoError(t, err)
	assert.True(t, missing.IsZero())

	assert.True(t, live.IsLive())
	assert.Equal(t, "live", Mode(live))
	assert.Equal(t, "backtest", Mode(NewBacktest(paperConfig())))

	journal.Lock()
	defer journal.Unlock()
	assert.Len(t, journal.recorded, 2)
	assert.Equal(t, models.StatusCanceled, journal.updates[id])
}

func TestNewClientOrderID(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := NewClientOrderID()
		assert.LessOrEqual(t, len(id), 36)
		assert.False(t, seen[id], "ids must be unique")
		seen[id] = true
	}
}
