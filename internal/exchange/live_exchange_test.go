package exchange

import (
	"binance-grid-engine/internal/models"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/adshao/go-binance/v2"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// newMockBinanceServer returns a server that answers the spot endpoints the gateway uses.
func newMockBinanceServer(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var respBody interface{}
		status := http.StatusOK

		switch {
		case r.URL.Path == "/api/v3/ticker/price":
			respBody = []map[string]interface{}{
				{"symbol": "BTCUSDT", "price": "100000.50"},
			}

		case r.URL.Path == "/api/v3/account":
			respBody = map[string]interface{}{
				"balances": []map[string]interface{}{
					{"asset": "USDT", "free": "1500.25", "locked": "0"},
					{"asset": "BTC", "free": "0.01", "locked": "0.002"},
				},
			}

		case r.URL.Path == "/api/v3/order" && r.Method == http.MethodPost:
			// go-binance sends order params in the form body, not the query string
			if r.FormValue("newClientOrderId") == "grid-dup" {
				status = http.StatusBadRequest
				respBody = map[string]interface{}{"code": -2010, "msg": "Duplicate order sent."}
				break
			}
			if r.FormValue("side") == "SELL" {
				status = http.StatusBadRequest
				respBody = map[string]interface{}{
					"code": -2010,
					"msg":  "Account has insufficient balance for requested action.",
				}
				break
			}
			respBody = map[string]interface{}{
				"symbol":              "BTCUSDT",
				"orderId":             12345,
				"clientOrderId":       "grid-abc",
				"transactTime":        1700000000000,
				"price":               "94868.33",
				"origQty":             "0.00100000",
				"executedQty":         "0.00000000",
				"cummulativeQuoteQty": "0.00000000",
				"status":              "NEW",
				"timeInForce":         "GTC",
				"type":                "LIMIT",
				"side":                "BUY",
				"fills":               []interface{}{},
			}

		case r.URL.Path == "/api/v3/order" && r.Method == http.MethodGet && r.FormValue("origClientOrderId") == "grid-dup":
			respBody = map[string]interface{}{
				"symbol":              "BTCUSDT",
				"orderId":             4242,
				"clientOrderId":       "grid-dup",
				"price":               "94868.33",
				"origQty":             "0.00100000",
				"executedQty":         "0.00000000",
				"cummulativeQuoteQty": "0.00000000",
				"status":              "NEW",
				"timeInForce":         "GTC",
				"type":                "LIMIT",
				"side":                "BUY",
				"time":                1700000000000,
				"updateTime":          1700000000000,
			}

		case r.URL.Path == "/api/v3/order" && r.Method == http.MethodGet && r.FormValue("orderId") == "999":
			respBody = map[string]interface{}{
				"symbol":              "BTCUSDT",
				"orderId":             999,
				"price":               "94868.33",
				"origQty":             "0.00100000",
				"executedQty":         "0.00040000",
				"cummulativeQuoteQty": "37.94733200",
				"status":              "CANCELED",
				"timeInForce":         "GTC",
				"type":                "LIMIT",
				"side":                "BUY",
				"time":                1700000000000,
				"updateTime":          1700000060000,
			}

		case r.URL.Path == "/api/v3/order" && r.Method == http.MethodGet:
			respBody = map[string]interface{}{
				"symbol":              "BTCUSDT",
				"orderId":             12345,
				"clientOrderId":       "grid-abc",
				"price":               "94868.33",
				"origQty":             "0.00100000",
				"executedQty":         "0.00100000",
				"cummulativeQuoteQty": "94.86833000",
				"status":              "FILLED",
				"timeInForce":         "GTC",
				"type":                "LIMIT",
				"side":                "BUY",
				"time":                1700000000000,
				"updateTime":          1700000060000,
			}

		case r.URL.Path == "/api/v3/order" && r.Method == http.MethodDelete:
			status = http.StatusBadRequest
			respBody = map[string]interface{}{"code": -2011, "msg": "Unknown order sent."}

		case r.URL.Path == "/api/v3/openOrders":
			respBody = []map[string]interface{}{
				{
					"symbol":      "BTCUSDT",
					"orderId":     777,
					"price":       "105409.00",
					"origQty":     "0.00100000",
					"executedQty": "0.00000000",
					"status":      "PARTIALLY_FILLED",
					"type":        "LIMIT",
					"side":        "SELL",
				},
			}

		default:
			status = http.StatusNotFound
			respBody = map[string]interface{}{"code": -1000, "msg": "unexpected path " + r.URL.Path}
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(respBody)
	}))
}

func newTestLiveExchange(t *testing.T) (*LiveExchange, *httptest.Server) {
	server := newMockBinanceServer(t)
	client := binance.NewClient("test_key", "test_secret")
	client.BaseURL = server.URL
	return newLiveExchangeWithClient(client, zap.NewNop()), server
}

func TestLiveExchange_FetchTickerAndBalance(t *testing.T) {
	ex, server := newTestLiveExchange(t)
	defer server.Close()
	ctx := context.Background()

	ticker, err := ex.FetchTicker(ctx, "BTCUSDT")
	require.NoError(t, err)
	assert.True(t, decimal.RequireFromString("100000.50").Equal(ticker.Price))

	_, err = ex.FetchTicker(ctx, "ETHUSDT")
	assert.ErrorIs(t, err, ErrMarketDataUnavailable)

	balances, err := ex.FetchBalance(ctx)
	require.NoError(t, err)
	assert.True(t, decimal.RequireFromString("1500.25").Equal(balances["USDT"]))
	assert.True(t, decimal.RequireFromString("0.01").Equal(balances["BTC"]))
}

func TestLiveExchange_Orders(t *testing.T) {
	ex, server := newTestLiveExchange(t)
	defer server.Close()
	ctx := context.Background()

	order, err := ex.CreateOrder(ctx, OrderRequest{
		Symbol:        "BTCUSDT",
		Side:          models.Buy,
		Type:          models.Limit,
		Amount:        decimal.RequireFromString("0.001"),
		Price:         decimal.RequireFromString("94868.33"),
		ClientOrderID: "grid-abc",
	})
	require.NoError(t, err)
	assert.Equal(t, "12345", order.ID)
	assert.Equal(t, models.StatusOpen, order.Status)
	assert.Equal(t, models.Buy, order.Side)

	_, err = ex.CreateOrder(ctx, OrderRequest{
		Symbol: "BTCUSDT",
		Side:   models.Sell,
		Type:   models.Limit,
		Amount: decimal.RequireFromString("1"),
		Price:  decimal.RequireFromString("105409"),
	})
	assert.ErrorIs(t, err, ErrInsufficientFunds)

	fetched, err := ex.FetchOrder(ctx, "12345", "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, models.StatusFilled, fetched.Status)
	assert.True(t, decimal.RequireFromString("94868.33").Equal(fetched.FillPrice()))

	err = ex.CancelOrder(ctx, "12345", "BTCUSDT")
	assert.ErrorIs(t, err, ErrOrderNotFound)

	err = ex.CancelOrder(ctx, "not-a-number", "BTCUSDT")
	assert.ErrorIs(t, err, ErrOrderNotFound)

	open, err := ex.FetchOpenOrders(ctx, "BTCUSDT")
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, "777", open[0].ID)
	assert.True(t, open[0].IsOpen(), "partially filled orders are still open")
}

func TestLiveExchange_DuplicateOrderReturnsAcceptedOrder(t *testing.T) {
	ex, server := newTestLiveExchange(t)
	defer server.Close()

	// a retry of a request the exchange already accepted
	order, err := ex.CreateOrder(context.Background(), OrderRequest{
		Symbol:        "BTCUSDT",
		Side:          models.Buy,
		Type:          models.Limit,
		Amount:        decimal.RequireFromString("0.001"),
		Price:         decimal.RequireFromString("94868.33"),
		ClientOrderID: "grid-dup",
	})
	require.NoError(t, err)
	assert.Equal(t, "4242", order.ID)
	assert.Equal(t, "grid-dup", order.ClientOrderID)
	assert.True(t, order.IsOpen())
}

func TestLiveExchange_CanceledOrderKeepsPartialFill(t *testing.T) {
	ex, server := newTestLiveExchange(t)
	defer server.Close()

	order, err := ex.FetchOrder(context.Background(), "999", "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCanceled, order.Status)
	assert.True(t, decimal.RequireFromString("0.0004").Equal(order.Filled))
	assert.True(t, decimal.RequireFromString("94868.33").Equal(order.FillPrice()))
}

func TestLiveExchange_NetworkFailure(t *testing.T) {
	ex, server := newTestLiveExchange(t)
	server.Close()

	_, err := ex.FetchTicker(context.Background(), "BTCUSDT")
	require.Error(t, err)
	assert.True(t, IsTransient(err), "transport failures should be classified as transient")
}
