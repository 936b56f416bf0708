package storage

import (
	"binance-grid-engine/internal/models"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newOrder(id string, side models.Side, price string) models.Order {
	created := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	return models.Order{
		ID:            id,
		ClientOrderID: "grid_" + id,
		Symbol:        "BTCUSDT",
		Side:          side,
		Type:          models.Limit,
		Status:        models.StatusOpen,
		Price:         decimal.RequireFromString(price),
		Amount:        decimal.RequireFromString("0.001"),
		CreatedAt:     created,
		UpdatedAt:     created,
	}
}

func TestJournal_OrderLifecycle(t *testing.T) {
	j, err := OpenJournal(":memory:")
	require.NoError(t, err)
	defer j.Close()

	require.NoError(t, j.RecordOrder(newOrder("1", models.Buy, "95000.5"), "live"))
	require.NoError(t, j.RecordOrder(newOrder("2", models.Buy, "94000"), "live"))
	require.NoError(t, j.RecordOrder(newOrder("3", models.Sell, "100000"), "live"))

	active, err := j.GetActiveOrders("BTCUSDT")
	require.NoError(t, err)
	require.Len(t, active, 3)
	assert.Equal(t, "grid_1", active[0].ClientOrderID)
	assert.True(t, decimal.RequireFromString("95000.5").Equal(active[0].Price), "prices are stored without float loss")

	at := time.Date(2024, 3, 1, 11, 0, 0, 0, time.UTC)
	require.NoError(t, j.UpdateStatus("1", models.StatusFilled, decimal.RequireFromString("0.001"), decimal.RequireFromString("95000.4"), at))
	require.NoError(t, j.UpdateStatus("2", models.StatusCanceled, decimal.Zero, decimal.Zero, at))
	require.NoError(t, j.UpdateStatus("unknown", models.StatusCanceled, decimal.Zero, decimal.Zero, at), "unknown ids are ignored")

	active, err = j.GetActiveOrders("BTCUSDT")
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "3", active[0].ID)
	assert.Equal(t, models.Sell, active[0].Side)

	summary, err := j.Summary("BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, OrderSummary{Open: 1, Filled: 1, Canceled: 1}, summary)

	empty, err := j.Summary("ETHUSDT")
	require.NoError(t, err)
	assert.Equal(t, OrderSummary{}, empty)
}

func TestJournal_RecordOrderIsIdempotent(t *testing.T) {
	j, err := OpenJournal(":memory:")
	require.NoError(t, err)
	defer j.Close()

	order := newOrder("7", models.Buy, "90000")
	require.NoError(t, j.RecordOrder(order, "dryrun"))

	order.Status = models.StatusFilled
	order.Filled = order.Amount
	require.NoError(t, j.RecordOrder(order, "dryrun"))

	summary, err := j.Summary("BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, OrderSummary{Filled: 1}, summary)
}
