package strategy

import (
	"binance-grid-engine/internal/exchange"
	"binance-grid-engine/internal/execution"
	"binance-grid-engine/internal/grid"
	"binance-grid-engine/internal/models"
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// GridStrategyName 网格策略在构造函数表中的名称
const GridStrategyName = "grid"

// 停止原因
const (
	StopReasonStopLoss   = "stop_loss"
	StopReasonTakeProfit = "take_profit"
)

// orderRef 活动订单索引的值: 订单所在档位与方向
type orderRef struct {
	level int
	side  models.Side
}

// GridStrategy 在一组固定价格档位上低买高卖。
// 每个档位的状态: EMPTY -> BUY_PENDING -> HOLDING -> SELL_PENDING -> EMPTY。
type GridStrategy struct {
	cfg     models.GridConfig
	exec    execution.Context
	logger  *zap.Logger
	feeRate decimal.Decimal

	runID           string
	levels          []models.GridLevel
	active          map[string]orderRef
	orderSize       decimal.Decimal // 每个买单投入的计价货币
	realizedProfit  decimal.Decimal
	realizedLoss    decimal.Decimal
	completedCycles int
	stopped         bool
	stopReason      string
}

// NewGridStrategy 校验参数并计算网格档位。参数非法时返回 grid.ErrInvalidConfig。
func NewGridStrategy(cfg models.GridConfig, exec execution.Context, logger *zap.Logger) (*GridStrategy, error) {
	levels, err := grid.Calculate(cfg)
	if err != nil {
		return nil, err
	}
	return &GridStrategy{
		cfg:     cfg,
		exec:    exec,
		logger:  logger.With(zap.String("symbol", cfg.Symbol)),
		feeRate: decimal.NewFromFloat(cfg.FeeRate),
		runID:   uuid.NewString(),
		levels:  levels,
		active:  make(map[string]orderRef),
	}, nil
}

func (s *GridStrategy) Name() string   { return GridStrategyName }
func (s *GridStrategy) Symbol() string { return s.cfg.Symbol }
func (s *GridStrategy) Stopped() bool  { return s.stopped }

// Start 在当前价格以下的每个档位挂限价买单
func (s *GridStrategy) Start(ctx context.Context) error {
	price, err := s.exec.CurrentPrice(ctx, s.cfg.Symbol)
	if err != nil {
		return fmt.Errorf("获取当前价格失败: %w", err)
	}
	for _, w := range grid.Validate(s.cfg, price) {
		s.logger.Warn("网格参数提示", zap.String("warning", w))
	}

	s.orderSize = grid.OrderSize(s.cfg, s.levels, price)
	if !s.orderSize.IsPositive() {
		s.logger.Warn("当前价格以下没有网格档位, 暂不挂买单", zap.String("price", price.String()))
		return nil
	}
	s.logger.Info("初始化网格",
		zap.String("price", price.String()),
		zap.Int("levels", len(s.levels)),
		zap.String("orderSize", s.orderSize.String()))

	var errs []error
	for i := range s.levels {
		if !s.levels[i].Price.LessThan(price) {
			continue
		}
		if err := s.placeBuy(ctx, i); err != nil {
			s.levels[i].Rearm = true
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// OnTick 检查止损/止盈, 并为等待中的档位补挂订单
func (s *GridStrategy) OnTick(ctx context.Context, ticker models.Ticker) (bool, error) {
	if s.stopped {
		return true, nil
	}
	price := ticker.Price
	one := decimal.NewFromInt(1)

	stopPrice := decimal.NewFromFloat(s.cfg.LowerPrice).Mul(one.Sub(decimal.NewFromFloat(s.cfg.StopLossFraction)))
	if price.LessThan(stopPrice) {
		s.logger.Warn("价格跌破止损线, 停止策略",
			zap.String("price", price.String()),
			zap.String("stopPrice", stopPrice.String()))
		s.stop(ctx, StopReasonStopLoss)
		return true, nil
	}

	if s.cfg.TakeProfitFraction > 0 {
		takeProfitPrice := decimal.NewFromFloat(s.cfg.UpperPrice).Mul(one.Add(decimal.NewFromFloat(s.cfg.TakeProfitFraction)))
		if price.GreaterThan(takeProfitPrice) {
			s.logger.Info("价格突破止盈线, 停止策略",
				zap.String("price", price.String()),
				zap.String("takeProfitPrice", takeProfitPrice.String()))
			s.stop(ctx, StopReasonTakeProfit)
			return true, nil
		}
	}

	return false, s.replenish(ctx, price)
}

// replenish 为持仓档位补挂卖单, 为标记了 Rearm 的空档位补挂买单。
// 启动时位于价格上方的空档位在价格下穿后标记 Rearm, 价格回到其上方时挂买单。
func (s *GridStrategy) replenish(ctx context.Context, price decimal.Decimal) error {
	if !s.orderSize.IsPositive() {
		// 启动时价格低于所有档位, 价格回到网格内后再开始
		size := grid.OrderSize(s.cfg, s.levels, price)
		if !size.IsPositive() {
			return nil
		}
		s.orderSize = size
		for i := range s.levels {
			if s.levels[i].State == models.LevelEmpty && s.levels[i].Price.LessThan(price) {
				s.levels[i].Rearm = true
			}
		}
	}

	var errs []error
	top := len(s.levels) - 1
	for i := range s.levels {
		level := &s.levels[i]
		switch {
		case level.State == models.LevelHolding && s.findSellTarget(i) != models.NoTarget:
			if err := s.placeSell(ctx, i); err != nil {
				errs = append(errs, err)
			}
		case level.State == models.LevelEmpty && level.Rearm && level.Price.LessThan(price):
			err := s.placeBuy(ctx, i)
			if errors.Is(err, exchange.ErrInsufficientFunds) {
				// 资金被其他档位占用, 等卖单成交释放后再挂
				s.logger.Info("可用资金不足, 暂缓补挂买单", zap.Int("level", i))
				continue
			}
			if err != nil {
				errs = append(errs, err)
			}
		case level.State == models.LevelEmpty && !level.Rearm && i < top &&
			!price.GreaterThan(level.Price) && !s.isSellTarget(i):
			level.Rearm = true
			s.logger.Debug("价格下穿空档位, 加入网格循环", zap.Int("level", i), zap.String("price", price.String()))
		}
	}
	return errors.Join(errs...)
}

// OnOrderFilled 处理成交。未跟踪的订单ID直接忽略, 交易所状态始终是权威。
func (s *GridStrategy) OnOrderFilled(ctx context.Context, order models.Order) error {
	ref, ok := s.active[order.ID]
	if !ok {
		s.logger.Debug("忽略未跟踪订单的成交", zap.String("orderID", order.ID))
		return nil
	}
	delete(s.active, order.ID)
	level := &s.levels[ref.level]

	if ref.side == models.Buy {
		held := order.FilledAmount()
		if s.feeInBase(order) {
			held = held.Sub(order.Fee)
		}
		level.BuyOrderID = ""
		level.FilledBuy = true
		level.State = models.LevelHolding
		level.Held = held
		level.BuyPrice = order.FillPrice()
		level.BuyFee = s.fee(order)
		s.logger.Info("买单成交",
			zap.Int("level", ref.level),
			zap.String("orderID", order.ID),
			zap.String("status", string(order.Status)),
			zap.String("price", level.BuyPrice.String()),
			zap.String("amount", level.Held.String()))
		if s.stopped {
			return nil
		}
		return s.placeSell(ctx, ref.level)
	}

	sellPrice := order.FillPrice()
	amount := order.FilledAmount()
	rest := level.Held.Sub(amount).Truncate(grid.AmountDecimals(s.cfg))
	buyFee := level.BuyFee
	if rest.IsPositive() {
		// 卖单部分成交后被撤销, 买入手续费按比例分摊
		buyFee = level.BuyFee.Mul(amount).Div(level.Held)
	}
	profit := sellPrice.Sub(level.BuyPrice).Mul(amount).Sub(buyFee.Add(s.fee(order)))
	if profit.IsNegative() {
		s.realizedLoss = s.realizedLoss.Add(profit.Neg())
		s.logger.Warn("网格周期亏损, 间距小于双边手续费",
			zap.Int("level", ref.level),
			zap.String("loss", profit.Neg().String()))
	} else {
		s.realizedProfit = s.realizedProfit.Add(profit)
	}

	if rest.IsPositive() {
		level.SellOrderID = ""
		level.SellTarget = models.NoTarget
		level.State = models.LevelHolding
		level.Held = rest
		level.BuyFee = level.BuyFee.Sub(buyFee)
		s.logger.Warn("卖单部分成交后结束, 剩余持仓等待重新挂卖单",
			zap.Int("level", ref.level),
			zap.String("orderID", order.ID),
			zap.String("sold", amount.String()),
			zap.String("remaining", rest.String()))
		return nil
	}
	s.completedCycles++
	s.logger.Info("卖单成交, 完成一个网格周期",
		zap.Int("level", ref.level),
		zap.String("orderID", order.ID),
		zap.String("price", sellPrice.String()),
		zap.String("profit", profit.String()),
		zap.Int("cycles", s.completedCycles))

	level.SellOrderID = ""
	level.FilledSell = true
	level.State = models.LevelEmpty
	level.SellTarget = models.NoTarget
	level.Held = decimal.Zero
	level.BuyPrice = decimal.Zero
	level.BuyFee = decimal.Zero
	level.LastCycleAt = s.exec.Timestamp()

	if s.stopped {
		return nil
	}
	if err := s.placeBuy(ctx, ref.level); err != nil {
		level.Rearm = true
		return err
	}
	return nil
}

func (s *GridStrategy) placeBuy(ctx context.Context, index int) error {
	level := &s.levels[index]
	amount := grid.BaseAmount(s.cfg, s.orderSize, level.Price)
	if !amount.IsPositive() {
		return fmt.Errorf("档位 %d 的买单数量为零 (orderSize=%s)", index, s.orderSize)
	}
	price := level.Price
	id, err := s.exec.PlaceOrder(ctx, s.cfg.Symbol, models.Buy, amount, &price)
	if err != nil {
		return fmt.Errorf("档位 %d 挂买单失败: %w", index, err)
	}

	level.BuyOrderID = id
	level.State = models.LevelBuyPending
	level.FilledBuy = false
	level.FilledSell = false
	level.Rearm = false
	s.active[id] = orderRef{level: index, side: models.Buy}
	s.logger.Info("挂买单",
		zap.Int("level", index),
		zap.String("orderID", id),
		zap.String("price", price.String()),
		zap.String("amount", amount.String()))
	return nil
}

// placeSell 在最近的空闲上方档位价格挂卖单。没有可用档位时保持 HOLDING。
func (s *GridStrategy) placeSell(ctx context.Context, index int) error {
	level := &s.levels[index]
	target := s.findSellTarget(index)
	if target == models.NoTarget {
		s.logger.Warn("上方没有可用的卖出档位, 保持持仓", zap.Int("level", index))
		return nil
	}
	amount, err := s.sellAmount(ctx, index)
	if err != nil {
		return err
	}
	price := s.levels[target].Price
	id, err := s.exec.PlaceOrder(ctx, s.cfg.Symbol, models.Sell, amount, &price)
	if err != nil {
		return fmt.Errorf("档位 %d 挂卖单失败: %w", index, err)
	}

	level.Held = amount
	level.SellOrderID = id
	level.SellTarget = target
	level.State = models.LevelSellPending
	s.active[id] = orderRef{level: index, side: models.Sell}
	s.logger.Info("挂卖单",
		zap.Int("level", index),
		zap.Int("target", target),
		zap.String("orderID", id),
		zap.String("price", price.String()),
		zap.String("amount", amount.String()))
	return nil
}

// sellAmount 按数量精度截断持仓; 可用基础货币少于持仓记录时 (手续费从基础货币中扣除) 只卖可用部分
func (s *GridStrategy) sellAmount(ctx context.Context, index int) (decimal.Decimal, error) {
	decimals := grid.AmountDecimals(s.cfg)
	amount := s.levels[index].Held.Truncate(decimals)
	if s.cfg.BaseAsset != "" {
		free, err := s.exec.Balance(ctx, s.cfg.BaseAsset)
		if err != nil {
			return decimal.Zero, fmt.Errorf("档位 %d 查询 %s 余额失败: %w", index, s.cfg.BaseAsset, err)
		}
		if free.LessThan(amount) {
			s.logger.Warn("可用余额少于持仓记录, 按可用余额卖出",
				zap.Int("level", index),
				zap.String("held", amount.String()),
				zap.String("free", free.String()))
			amount = free.Truncate(decimals)
		}
	}
	if !amount.IsPositive() {
		return decimal.Zero, fmt.Errorf("档位 %d 没有可卖出的数量: %w", index, exchange.ErrInsufficientFunds)
	}
	return amount, nil
}

// findSellTarget 返回价格严格高于 index 的最近档位, 且该档位尚未被其他卖单占用。
// 档位按价格升序排列, 所以索引顺序即价格顺序。
func (s *GridStrategy) findSellTarget(index int) int {
	for j := index + 1; j < len(s.levels); j++ {
		if !s.isSellTarget(j) {
			return j
		}
	}
	return models.NoTarget
}

func (s *GridStrategy) isSellTarget(target int) bool {
	for i := range s.levels {
		if s.levels[i].State == models.LevelSellPending && s.levels[i].SellTarget == target {
			return true
		}
	}
	return false
}

// fee 返回以计价货币计的手续费。以基础货币收取的按成交价折算;
// 交易所未返回或以其他资产 (如 BNB) 收取时按成交额和费率估算。
func (s *GridStrategy) fee(order models.Order) decimal.Decimal {
	switch {
	case !order.Fee.IsPositive():
	case s.feeInBase(order):
		return order.Fee.Mul(order.FillPrice())
	case order.FeeAsset == "" || s.cfg.BaseAsset == "" || order.FeeAsset == strings.TrimPrefix(s.cfg.Symbol, s.cfg.BaseAsset):
		return order.Fee
	}
	return order.FillPrice().Mul(order.FilledAmount()).Mul(s.feeRate)
}

func (s *GridStrategy) feeInBase(order models.Order) bool {
	return s.cfg.BaseAsset != "" && order.FeeAsset == s.cfg.BaseAsset && order.Fee.IsPositive()
}

// stop 撤销全部活动订单(每个只撤一次), 所有档位回到 EMPTY
func (s *GridStrategy) stop(ctx context.Context, reason string) {
	s.stopped = true
	s.stopReason = reason

	for _, id := range s.ActiveOrderIDs() {
		if _, err := s.exec.CancelOrder(ctx, id, s.cfg.Symbol); err != nil {
			s.logger.Error("止损撤单失败", zap.String("orderID", id), zap.Error(err))
		}
	}
	s.active = make(map[string]orderRef)
	for i := range s.levels {
		s.levels[i] = models.GridLevel{
			Index:       s.levels[i].Index,
			Price:       s.levels[i].Price,
			State:       models.LevelEmpty,
			SellTarget:  models.NoTarget,
			LastCycleAt: s.levels[i].LastCycleAt,
		}
	}
}

// Shutdown 撤销所有挂单。撤销成功的买单档位回到 EMPTY 并等待重启后补挂,
// 撤销成功的卖单档位回到 HOLDING; 已成交或查询不到的订单保留在索引中交给下次对账。
func (s *GridStrategy) Shutdown(ctx context.Context) error {
	var errs []error
	for _, id := range s.ActiveOrderIDs() {
		canceled, err := s.exec.CancelOrder(ctx, id, s.cfg.Symbol)
		if err != nil {
			s.logger.Error("关闭时撤单失败", zap.String("orderID", id), zap.Error(err))
			errs = append(errs, err)
			continue
		}
		if canceled {
			s.release(id)
		}
	}
	s.logger.Info("策略已关闭", zap.Int("remainingOrders", len(s.active)))
	return errors.Join(errs...)
}

// DropOrders 移除交易所已不存在的订单
func (s *GridStrategy) DropOrders(ids []string) {
	for _, id := range ids {
		if _, ok := s.active[id]; !ok {
			continue
		}
		s.logger.Warn("从本地状态移除订单", zap.String("orderID", id))
		s.release(id)
	}
}

// release 订单结束但未成交: 买单档位回到 EMPTY 并标记补挂, 卖单档位回到 HOLDING
func (s *GridStrategy) release(id string) {
	ref, ok := s.active[id]
	if !ok {
		return
	}
	delete(s.active, id)
	level := &s.levels[ref.level]
	if ref.side == models.Buy {
		level.BuyOrderID = ""
		level.State = models.LevelEmpty
		level.Rearm = true
		return
	}
	level.SellOrderID = ""
	level.SellTarget = models.NoTarget
	level.State = models.LevelHolding
}

// ActiveOrderIDs 返回所有活动订单ID, 已排序
func (s *GridStrategy) ActiveOrderIDs() []string {
	ids := make([]string, 0, len(s.active))
	for id := range s.active {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Snapshot 返回策略状态的完整副本
func (s *GridStrategy) Snapshot() models.StrategySnapshot {
	levels := make([]models.GridLevel, len(s.levels))
	copy(levels, s.levels)
	return models.StrategySnapshot{
		Version:         models.SnapshotVersion,
		RunID:           s.runID,
		Config:          s.cfg,
		Levels:          levels,
		ActiveOrderIDs:  s.ActiveOrderIDs(),
		OrderSize:       s.orderSize,
		RealizedProfit:  s.realizedProfit,
		RealizedLoss:    s.realizedLoss,
		CompletedCycles: s.completedCycles,
		Stopped:         s.stopped,
		StopReason:      s.stopReason,
		SavedAt:         s.exec.Timestamp(),
	}
}

// Restore 从快照恢复, 并根据档位列表重建活动订单索引
func (s *GridStrategy) Restore(snapshot models.StrategySnapshot) error {
	if snapshot.Config.Symbol != s.cfg.Symbol {
		return fmt.Errorf("%w: 快照交易对 %s, 当前 %s", ErrSnapshotMismatch, snapshot.Config.Symbol, s.cfg.Symbol)
	}
	if len(snapshot.Levels) == 0 {
		return fmt.Errorf("%w: 快照中没有网格档位", ErrSnapshotMismatch)
	}

	active := make(map[string]orderRef)
	for i, level := range snapshot.Levels {
		if level.Index != i {
			return fmt.Errorf("%w: 档位 %d 的索引为 %d", ErrSnapshotMismatch, i, level.Index)
		}
		if level.BuyOrderID != "" && level.SellOrderID != "" {
			return fmt.Errorf("%w: 档位 %d 同时有买单和卖单", ErrSnapshotMismatch, i)
		}
		if level.BuyOrderID != "" {
			active[level.BuyOrderID] = orderRef{level: i, side: models.Buy}
		}
		if level.SellOrderID != "" {
			active[level.SellOrderID] = orderRef{level: i, side: models.Sell}
		}
	}

	if snapshot.Config != s.cfg {
		s.logger.Warn("配置与快照中的网格参数不同, 以快照为准继续运行")
	}
	levels := make([]models.GridLevel, len(snapshot.Levels))
	copy(levels, snapshot.Levels)

	s.cfg = snapshot.Config
	s.feeRate = decimal.NewFromFloat(snapshot.Config.FeeRate)
	s.runID = snapshot.RunID
	s.levels = levels
	s.active = active
	s.orderSize = snapshot.OrderSize
	s.realizedProfit = snapshot.RealizedProfit
	s.realizedLoss = snapshot.RealizedLoss
	s.completedCycles = snapshot.CompletedCycles
	s.stopped = snapshot.Stopped
	s.stopReason = snapshot.StopReason
	s.logger.Info("已从快照恢复策略状态",
		zap.String("runID", s.runID),
		zap.Int("activeOrders", len(active)),
		zap.Int("cycles", s.completedCycles))
	return nil
}
