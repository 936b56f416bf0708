package exchange

import (
	"binance-grid-engine/internal/models"
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/adshao/go-binance/v2"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// LiveExchange 实现了 Gateway 接口，用于与真实的币安现货交易所进行交互。
type LiveExchange struct {
	client *binance.Client
	logger *zap.Logger
}

// NewLiveExchange 创建一个新的 LiveExchange 实例。baseURL 为空时使用 go-binance 的默认地址。
func NewLiveExchange(apiKey, secretKey, baseURL string, logger *zap.Logger) *LiveExchange {
	client := binance.NewClient(apiKey, secretKey)
	if baseURL != "" {
		client.BaseURL = baseURL
	}
	return &LiveExchange{
		client: client,
		logger: logger,
	}
}

// newLiveExchangeWithClient 便于测试时注入指向 mock 服务器的客户端
func newLiveExchangeWithClient(client *binance.Client, logger *zap.Logger) *LiveExchange {
	return &LiveExchange{client: client, logger: logger}
}

// SyncTime 与币安服务器同步时间，计算时间偏移并写入客户端。
func (e *LiveExchange) SyncTime(ctx context.Context) (time.Duration, error) {
	offsetMs, err := e.client.NewSetServerTimeService().Do(ctx)
	if err != nil {
		return 0, classifyError(err)
	}
	offset := time.Duration(offsetMs) * time.Millisecond
	e.logger.Info("与币安服务器时间同步完成", zap.Duration("offset", offset))
	return offset, nil
}

// --- Gateway 接口实现 ---

// FetchTicker 获取指定交易对的当前价格。
func (e *LiveExchange) FetchTicker(ctx context.Context, symbol string) (*models.Ticker, error) {
	prices, err := e.client.NewListPricesService().Symbol(symbol).Do(ctx)
	if err != nil {
		return nil, classifyError(err)
	}
	for _, p := range prices {
		if p.Symbol != symbol {
			continue
		}
		price, err := decimal.NewFromString(p.Price)
		if err != nil || !price.IsPositive() {
			return nil, fmt.Errorf("%w: 无法解析价格 %q", ErrMarketDataUnavailable, p.Price)
		}
		return &models.Ticker{Symbol: symbol, Price: price, Time: time.Now()}, nil
	}
	return nil, fmt.Errorf("%w: 未找到交易对 %s 的报价", ErrMarketDataUnavailable, symbol)
}

// FetchBalance 获取账户中所有资产的可用余额
func (e *LiveExchange) FetchBalance(ctx context.Context) (map[string]decimal.Decimal, error) {
	account, err := e.client.NewGetAccountService().Do(ctx)
	if err != nil {
		return nil, classifyError(err)
	}
	balances := make(map[string]decimal.Decimal, len(account.Balances))
	for _, b := range account.Balances {
		free, err := decimal.NewFromString(b.Free)
		if err != nil {
			e.logger.Warn("解析余额失败", zap.String("asset", b.Asset), zap.String("free", b.Free))
			continue
		}
		balances[b.Asset] = free
	}
	return balances, nil
}

// CreateOrder 下单。价格为零时下市价单, 否则下 GTC 限价单。
func (e *LiveExchange) CreateOrder(ctx context.Context, req OrderRequest) (*models.Order, error) {
	svc := e.client.NewCreateOrderService().
		Symbol(req.Symbol).
		Side(binance.SideType(req.Side)).
		Quantity(req.Amount.String())

	if req.Type == models.Limit {
		svc = svc.Type(binance.OrderTypeLimit).
			TimeInForce(binance.TimeInForceTypeGTC).
			Price(req.Price.String())
	} else {
		svc = svc.Type(binance.OrderTypeMarket)
	}
	if req.ClientOrderID != "" {
		svc = svc.NewClientOrderID(req.ClientOrderID)
	}

	resp, err := svc.Do(ctx)
	if err != nil {
		classified := classifyError(err)
		// 重试时上一次请求可能已经被交易所接受, 按 ClientOrderID 取回那一笔订单
		if errors.Is(classified, ErrDuplicateOrder) && req.ClientOrderID != "" {
			return e.fetchByClientOrderID(ctx, req.Symbol, req.ClientOrderID)
		}
		e.logger.Error("下单请求失败，交易所返回错误",
			zap.Error(err),
			zap.String("symbol", req.Symbol),
			zap.String("side", string(req.Side)),
			zap.String("price", req.Price.String()),
			zap.String("amount", req.Amount.String()))
		return nil, classified
	}

	order := &models.Order{
		ID:            strconv.FormatInt(resp.OrderID, 10),
		ClientOrderID: resp.ClientOrderID,
		Symbol:        resp.Symbol,
		Side:          models.Side(resp.Side),
		Type:          models.OrderType(resp.Type),
		Status:        convertStatus(resp.Status),
		Price:         parseDecimal(resp.Price),
		Amount:        parseDecimal(resp.OrigQuantity),
		Filled:        parseDecimal(resp.ExecutedQuantity),
		CreatedAt:     time.UnixMilli(resp.TransactTime),
		UpdatedAt:     time.UnixMilli(resp.TransactTime),
	}
	order.AvgPrice = averagePrice(parseDecimal(resp.CummulativeQuoteQuantity), order.Filled)

	// 市价单的成交明细中带有手续费
	fee := decimal.Zero
	for _, f := range resp.Fills {
		fee = fee.Add(parseDecimal(f.Commission))
		order.FeeAsset = f.CommissionAsset
	}
	order.Fee = fee
	return order, nil
}

func (e *LiveExchange) fetchByClientOrderID(ctx context.Context, symbol, clientOrderID string) (*models.Order, error) {
	resp, err := e.client.NewGetOrderService().Symbol(symbol).OrigClientOrderID(clientOrderID).Do(ctx)
	if err != nil {
		return nil, classifyError(err)
	}
	e.logger.Warn("下单请求重复, 已取回先前被接受的订单",
		zap.String("clientOrderID", clientOrderID),
		zap.Int64("orderID", resp.OrderID))
	order := convertOrder(resp)
	return &order, nil
}

// CancelOrder 取消订单。
func (e *LiveExchange) CancelOrder(ctx context.Context, orderID, symbol string) error {
	id, err := strconv.ParseInt(orderID, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: 非法订单ID %q", ErrOrderNotFound, orderID)
	}
	_, err = e.client.NewCancelOrderService().Symbol(symbol).OrderID(id).Do(ctx)
	return classifyError(err)
}

// FetchOrder 获取订单详情。
func (e *LiveExchange) FetchOrder(ctx context.Context, orderID, symbol string) (*models.Order, error) {
	id, err := strconv.ParseInt(orderID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: 非法订单ID %q", ErrOrderNotFound, orderID)
	}
	o, err := e.client.NewGetOrderService().Symbol(symbol).OrderID(id).Do(ctx)
	if err != nil {
		return nil, classifyError(err)
	}
	order := convertOrder(o)
	return &order, nil
}

// FetchOpenOrders 获取所有挂单
func (e *LiveExchange) FetchOpenOrders(ctx context.Context, symbol string) ([]models.Order, error) {
	svc := e.client.NewListOpenOrdersService()
	if symbol != "" {
		svc = svc.Symbol(symbol)
	}
	list, err := svc.Do(ctx)
	if err != nil {
		return nil, classifyError(err)
	}
	orders := make([]models.Order, 0, len(list))
	for _, o := range list {
		orders = append(orders, convertOrder(o))
	}
	return orders, nil
}

// --- 用户数据流 listenKey 管理 ---

// CreateListenKey 创建一个新的 listenKey 用于 WebSocket 连接。
func (e *LiveExchange) CreateListenKey(ctx context.Context) (string, error) {
	key, err := e.client.NewStartUserStreamService().Do(ctx)
	if err != nil {
		return "", classifyError(err)
	}
	return key, nil
}

// KeepAliveListenKey 延长 listenKey 的有效期。
func (e *LiveExchange) KeepAliveListenKey(ctx context.Context, listenKey string) error {
	return classifyError(e.client.NewKeepaliveUserStreamService().ListenKey(listenKey).Do(ctx))
}

// CloseListenKey 关闭 listenKey
func (e *LiveExchange) CloseListenKey(ctx context.Context, listenKey string) error {
	return classifyError(e.client.NewCloseUserStreamService().ListenKey(listenKey).Do(ctx))
}

func convertOrder(o *binance.Order) models.Order {
	order := models.Order{
		ID:            strconv.FormatInt(o.OrderID, 10),
		ClientOrderID: o.ClientOrderID,
		Symbol:        o.Symbol,
		Side:          models.Side(o.Side),
		Type:          models.OrderType(o.Type),
		Status:        convertStatus(o.Status),
		Price:         parseDecimal(o.Price),
		Amount:        parseDecimal(o.OrigQuantity),
		Filled:        parseDecimal(o.ExecutedQuantity),
		CreatedAt:     time.UnixMilli(o.Time),
		UpdatedAt:     time.UnixMilli(o.UpdateTime),
	}
	order.AvgPrice = averagePrice(parseDecimal(o.CummulativeQuoteQuantity), order.Filled)
	return order
}

func convertStatus(s binance.OrderStatusType) models.OrderStatus {
	return NormalizeStatus(string(s))
}

// NormalizeStatus 将币安订单状态折叠为 open / filled / canceled 三种,
// REST 接口和用户数据流共用
func NormalizeStatus(status string) models.OrderStatus {
	switch binance.OrderStatusType(status) {
	case binance.OrderStatusTypeNew, binance.OrderStatusTypePartiallyFilled:
		return models.StatusOpen
	case binance.OrderStatusTypeFilled:
		return models.StatusFilled
	default:
		return models.StatusCanceled
	}
}

func averagePrice(quote, filled decimal.Decimal) decimal.Decimal {
	if !filled.IsPositive() || !quote.IsPositive() {
		return decimal.Zero
	}
	return quote.Div(filled)
}

func parseDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}
