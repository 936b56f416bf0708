// Package stream 维护币安用户数据流的 WebSocket 连接, 把订单回报推送给主循环。
package stream

import (
	"binance-grid-engine/internal/exchange"
	"binance-grid-engine/internal/models"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	pongWait          = 60 * time.Second
	pingPeriod        = (pongWait * 9) / 10 // Must be less than pongWait
	writeWait         = 10 * time.Second
	DefaultKeepAlive  = 30 * time.Minute
	DefaultBufferSize = 256
)

var errListenKeyExpired = errors.New("listenKey 已过期")

// EventType 推送事件类型
type EventType int

const (
	// OrderUpdate 订单状态变化 (executionReport)
	OrderUpdate EventType = iota
	// Resync 断线重连成功, Outage 为断线时长, 主循环据此决定是否重新对账
	Resync
)

// Event 由流 goroutine 发送, 主循环在 select 中串行处理
type Event struct {
	Type   EventType
	Order  models.Order
	Outage time.Duration
	Time   time.Time
}

// ListenKeyService 管理用户数据流的 listenKey, 由 exchange.LiveExchange 实现
type ListenKeyService interface {
	CreateListenKey(ctx context.Context) (string, error)
	KeepAliveListenKey(ctx context.Context, listenKey string) error
	CloseListenKey(ctx context.Context, listenKey string) error
}

// UserStream 负责连接、心跳、listenKey 续期与断线重连
type UserStream struct {
	wsBaseURL string
	keys      ListenKeyService
	backoff   *backoff.Backoff
	keepAlive time.Duration
	dialer    *websocket.Dialer
	events    chan Event
	now       func() time.Time
	logger    *zap.Logger

	// 按订单累计的手续费, 回报中的 n 只是单笔成交的手续费
	fees map[int64]orderFee
}

// NewUserStream 创建用户数据流。b 控制重连间隔, 通常来自 RetryPolicy.NewBackoff。
func NewUserStream(wsBaseURL string, keys ListenKeyService, b *backoff.Backoff, logger *zap.Logger) *UserStream {
	return &UserStream{
		wsBaseURL: strings.TrimRight(wsBaseURL, "/"),
		keys:      keys,
		backoff:   b,
		keepAlive: DefaultKeepAlive,
		dialer:    websocket.DefaultDialer,
		events:    make(chan Event, DefaultBufferSize),
		now:       time.Now,
		logger:    logger,
		fees:      make(map[int64]orderFee),
	}
}

// Events 返回事件通道。Run 返回后通道被关闭。
func (s *UserStream) Events() <-chan Event { return s.events }

// Run 阻塞直到 ctx 结束, 连接断开后按退避间隔重连
func (s *UserStream) Run(ctx context.Context) error {
	defer close(s.events)

	var disconnectedAt time.Time
	for {
		if ctx.Err() != nil {
			return nil
		}

		listenKey, conn, err := s.connect(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if disconnectedAt.IsZero() {
				disconnectedAt = s.now()
			}
			wait := s.backoff.Duration()
			s.logger.Warn("用户数据流连接失败, 稍后重试", zap.Duration("wait", wait), zap.Error(err))
			if !s.sleep(ctx, wait) {
				return nil
			}
			continue
		}

		s.backoff.Reset()
		s.logger.Info("用户数据流连接成功")
		if !disconnectedAt.IsZero() {
			outage := s.now().Sub(disconnectedAt)
			s.emit(ctx, Event{Type: Resync, Outage: outage, Time: s.now()})
			disconnectedAt = time.Time{}
		}

		err = s.serve(ctx, conn, listenKey)
		conn.Close()
		s.closeListenKey(listenKey)
		if ctx.Err() != nil {
			s.logger.Info("用户数据流已停止")
			return nil
		}

		disconnectedAt = s.now()
		wait := s.backoff.Duration()
		s.logger.Warn("用户数据流断开, 准备重连", zap.Duration("wait", wait), zap.Error(err))
		if !s.sleep(ctx, wait) {
			return nil
		}
	}
}

func (s *UserStream) connect(ctx context.Context) (string, *websocket.Conn, error) {
	listenKey, err := s.keys.CreateListenKey(ctx)
	if err != nil {
		return "", nil, fmt.Errorf("创建 listenKey 失败: %w", err)
	}
	wsURL := fmt.Sprintf("%s/ws/%s", s.wsBaseURL, listenKey)
	conn, _, err := s.dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		s.closeListenKey(listenKey)
		return "", nil, fmt.Errorf("%w: WebSocket连接失败: %v", exchange.ErrNetwork, err)
	}
	return listenKey, conn, nil
}

// serve 处理一个已建立的连接, 直到连接断开或 ctx 结束
func (s *UserStream) serve(ctx context.Context, conn *websocket.Conn, listenKey string) error {
	// 设置Pong处理器来延长读取超时
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	done := make(chan struct{})
	defer close(done)
	go s.writeLoop(ctx, conn, listenKey, done)

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("读取消息失败: %w", err)
		}
		if err := s.handleMessage(ctx, message); err != nil {
			return err
		}
	}
}

// writeLoop 是连接上唯一的写入方: 定期 Ping, 定期续期 listenKey, ctx 结束时发送关闭帧
func (s *UserStream) writeLoop(ctx context.Context, conn *websocket.Conn, listenKey string, done <-chan struct{}) {
	pingTicker := time.NewTicker(pingPeriod)
	defer pingTicker.Stop()
	keepAliveTicker := time.NewTicker(s.keepAlive)
	defer keepAliveTicker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
			_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
			conn.Close()
			return
		case <-pingTicker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				s.logger.Warn("发送Ping失败", zap.Error(err))
				conn.Close()
				return
			}
		case <-keepAliveTicker.C:
			if err := s.keys.KeepAliveListenKey(ctx, listenKey); err != nil {
				// listenKey 失效后服务端会推送 listenKeyExpired, 由读循环触发重连
				s.logger.Warn("listenKey 续期失败", zap.Error(err))
			}
		}
	}
}

func (s *UserStream) closeListenKey(listenKey string) {
	ctx, cancel := context.WithTimeout(context.Background(), writeWait)
	defer cancel()
	if err := s.keys.CloseListenKey(ctx, listenKey); err != nil {
		s.logger.Debug("关闭 listenKey 失败", zap.Error(err))
	}
}

// executionReport 是币安订单回报的原始格式。
// 大小写不同的同名键必须同时声明, 否则 encoding/json 会按不区分大小写的规则互相覆盖。
type executionReport struct {
	EventType         string `json:"e"`
	EventTime         int64  `json:"E"`
	Symbol            string `json:"s"`
	Side              string `json:"S"`
	ClientOrderID     string `json:"c"`
	OrigClientOrderID string `json:"C"`
	OrderType         string `json:"o"`
	CreateTime        int64  `json:"O"`
	Quantity          string `json:"q"`
	QuoteOrderQty     string `json:"Q"`
	Price             string `json:"p"`
	StopPrice         string `json:"P"`
	ExecutionType     string `json:"x"`
	Status            string `json:"X"`
	OrderID           int64  `json:"i"`
	Ignore            int64  `json:"I"`
	LastQuantity      string `json:"l"`
	LastPrice         string `json:"L"`
	Commission        string `json:"n"`
	CommissionAsset   string `json:"N"`
	CumulativeFilled  string `json:"z"`
	CumulativeQuote   string `json:"Z"`
	TradeID           int64  `json:"t"`
	TransactionTime   int64  `json:"T"`
}

func (s *UserStream) handleMessage(ctx context.Context, message []byte) error {
	var report executionReport
	if err := json.Unmarshal(message, &report); err != nil {
		s.logger.Warn("解析用户数据流消息失败", zap.Error(err))
		return nil
	}
	switch report.EventType {
	case "executionReport":
		order := report.toOrder()
		s.accumulateFee(report, &order)
		s.logger.Debug("收到订单回报",
			zap.String("orderID", order.ID),
			zap.String("execType", report.ExecutionType),
			zap.String("status", report.Status))
		s.emit(ctx, Event{Type: OrderUpdate, Order: order, Time: order.UpdatedAt})
	case "listenKeyExpired":
		return errListenKeyExpired
	}
	return nil
}

func (r executionReport) toOrder() models.Order {
	order := models.Order{
		ID:            strconv.FormatInt(r.OrderID, 10),
		ClientOrderID: r.ClientOrderID,
		Symbol:        r.Symbol,
		Side:          models.Side(r.Side),
		Type:          models.OrderType(r.OrderType),
		Status:        exchange.NormalizeStatus(r.Status),
		Price:         parseDecimal(r.Price),
		Amount:        parseDecimal(r.Quantity),
		Filled:        parseDecimal(r.CumulativeFilled),
		CreatedAt:     time.UnixMilli(r.CreateTime),
		UpdatedAt:     time.UnixMilli(r.TransactionTime),
	}
	if quote := parseDecimal(r.CumulativeQuote); order.Filled.IsPositive() && quote.IsPositive() {
		order.AvgPrice = quote.Div(order.Filled)
	}
	return order
}

type orderFee struct {
	amount decimal.Decimal
	asset  string
}

func (s *UserStream) accumulateFee(r executionReport, order *models.Order) {
	fee := s.fees[r.OrderID]
	if r.ExecutionType == "TRADE" {
		fee.amount = fee.amount.Add(parseDecimal(r.Commission))
		fee.asset = r.CommissionAsset
	}
	order.Fee = fee.amount
	order.FeeAsset = fee.asset
	if order.IsOpen() {
		s.fees[r.OrderID] = fee
	} else {
		delete(s.fees, r.OrderID)
	}
}

// emit 在通道满时阻塞, 以免丢失成交回报; ctx 结束时放弃
func (s *UserStream) emit(ctx context.Context, ev Event) {
	select {
	case s.events <- ev:
	case <-ctx.Done():
	}
}

func (s *UserStream) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func parseDecimal(str string) decimal.Decimal {
	d, err := decimal.NewFromString(str)
	if err != nil {
		return decimal.Zero
	}
	return d
}
