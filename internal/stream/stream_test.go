package stream

import (
	"binance-grid-engine/internal/models"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const filledReport = `{"e":"executionReport","E":1700000000100,"s":"BTCUSDT","c":"grid_abc","S":"BUY","o":"LIMIT",` +
	`"f":"GTC","q":"0.00100000","p":"95000.00","P":"0.00","F":"0.00","g":-1,"C":"","x":"TRADE","X":"FILLED",` +
	`"r":"NONE","i":4242,"l":"0.00100000","z":"0.00100000","L":"94990.00","n":"0.00000100","N":"BTC",` +
	`"T":1700000000099,"t":77,"I":123,"w":false,"m":true,"M":true,"O":1699999999000,"Z":"94.99000000","Y":"94.99","Q":"0.00"}`

// mockKeys hands out sequential listen keys and records closes.
type mockKeys struct {
	sync.Mutex
	created int
	closed  []string
}

func (m *mockKeys) CreateListenKey(context.Context) (string, error) {
	m.Lock()
	defer m.Unlock()
	m.created++
	return fmt.Sprintf("key-%d", m.created), nil
}

func (m *mockKeys) KeepAliveListenKey(context.Context, string) error { return nil }

func (m *mockKeys) CloseListenKey(_ context.Context, key string) error {
	m.Lock()
	defer m.Unlock()
	m.closed = append(m.closed, key)
	return nil
}

func nextEvent(t *testing.T, events <-chan Event) Event {
	t.Helper()
	select {
	case ev, ok := <-events:
		require.True(t, ok, "event channel closed early")
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for stream event")
		return Event{}
	}
}

func TestUserStream_DeliversReportsAndResyncsAfterReconnect(t *testing.T) {
	upgrader := websocket.Upgrader{}
	var connections int32
	var paths sync.Map

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&connections, 1)
		paths.Store(n, r.URL.Path)
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		if n == 1 {
			// Deliver one report, then drop the connection.
			_ = conn.WriteMessage(websocket.TextMessage, []byte(filledReport))
			return
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer server.Close()

	keys := &mockKeys{}
	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	s := NewUserStream(wsURL, keys, &backoff.Backoff{Min: time.Millisecond, Max: 10 * time.Millisecond}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	ev := nextEvent(t, s.Events())
	require.Equal(t, OrderUpdate, ev.Type)
	assert.Equal(t, "4242", ev.Order.ID)
	assert.Equal(t, "grid_abc", ev.Order.ClientOrderID, "the empty C key must not clobber c")
	assert.Equal(t, models.Buy, ev.Order.Side)
	assert.Equal(t, models.StatusFilled, ev.Order.Status)
	assert.True(t, decimal.RequireFromString("0.001").Equal(ev.Order.Filled))
	assert.True(t, decimal.RequireFromString("94990").Equal(ev.Order.AvgPrice))
	assert.True(t, decimal.RequireFromString("95000").Equal(ev.Order.Price))
	assert.True(t, decimal.RequireFromString("0.000001").Equal(ev.Order.Fee))
	assert.Equal(t, "BTC", ev.Order.FeeAsset)

	ev = nextEvent(t, s.Events())
	require.Equal(t, Resync, ev.Type)
	assert.GreaterOrEqual(t, ev.Outage, time.Duration(0))

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("stream did not stop after cancel")
	}
	_, open := <-s.Events()
	assert.False(t, open, "events channel is closed when Run returns")

	first, _ := paths.Load(int32(1))
	assert.Equal(t, "/ws/key-1", first)
	keys.Lock()
	defer keys.Unlock()
	assert.Equal(t, 2, keys.created)
	assert.Contains(t, keys.closed, "key-1")
}

func TestUserStream_HandleMessage(t *testing.T) {
	s := NewUserStream("ws://unused", &mockKeys{}, &backoff.Backoff{}, zap.NewNop())
	ctx := context.Background()

	assert.NoError(t, s.handleMessage(ctx, []byte("not json")), "garbage is logged and skipped")
	assert.NoError(t, s.handleMessage(ctx, []byte(`{"e":"outboundAccountPosition","E":1}`)))
	assert.ErrorIs(t, s.handleMessage(ctx, []byte(`{"e":"listenKeyExpired","E":1}`)), errListenKeyExpired)

	cancelled := strings.Replace(filledReport, `"X":"FILLED"`, `"X":"CANCELED"`, 1)
	require.NoError(t, s.handleMessage(ctx, []byte(cancelled)))
	ev := nextEvent(t, s.Events())
	assert.Equal(t, models.StatusCanceled, ev.Order.Status)
}

func TestUserStream_AccumulatesCommissionAcrossTrades(t *testing.T) {
	s := NewUserStream("ws://unused", &mockKeys{}, &backoff.Backoff{}, zap.NewNop())
	ctx := context.Background()

	partial := strings.NewReplacer(`"X":"FILLED"`, `"X":"PARTIALLY_FILLED"`, `"z":"0.00100000"`, `"z":"0.00040000"`,
		`"n":"0.00000100"`, `"n":"0.00000040"`).Replace(filledReport)
	require.NoError(t, s.handleMessage(ctx, []byte(partial)))
	ev := nextEvent(t, s.Events())
	assert.True(t, decimal.RequireFromString("0.0000004").Equal(ev.Order.Fee))

	last := strings.Replace(filledReport, `"n":"0.00000100"`, `"n":"0.00000060"`, 1)
	require.NoError(t, s.handleMessage(ctx, []byte(last)))
	ev = nextEvent(t, s.Events())
	assert.Equal(t, models.StatusFilled, ev.Order.Status)
	assert.True(t, decimal.RequireFromString("0.000001").Equal(ev.Order.Fee))
	assert.Equal(t, "BTC", ev.Order.FeeAsset)
	assert.Empty(t, s.fees, "finished orders are forgotten")
}

// flakyKeys fails the first listen key request.
type flakyKeys struct {
	mockKeys
	failed int32
}

func (f *flakyKeys) CreateListenKey(ctx context.Context) (string, error) {
	if atomic.CompareAndSwapInt32(&f.failed, 0, 1) {
		return "", fmt.Errorf("connection refused")
	}
	return f.mockKeys.CreateListenKey(ctx)
}

func TestUserStream_OutageIncludesFirstBackoff(t *testing.T) {
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer server.Close()

	wait := 50 * time.Millisecond
	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	s := NewUserStream(wsURL, &flakyKeys{}, &backoff.Backoff{Min: wait, Max: wait}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	ev := nextEvent(t, s.Events())
	require.Equal(t, Resync, ev.Type)
	assert.GreaterOrEqual(t, ev.Outage, wait, "the outage starts before the first reconnect wait")

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("stream did not stop after cancel")
	}
}
