// Package bot 是交易主循环: 启动对账, 定时驱动策略, 检测成交, 持久化快照, 有序关闭。
package bot

import (
	"binance-grid-engine/internal/exchange"
	"binance-grid-engine/internal/execution"
	"binance-grid-engine/internal/models"
	"binance-grid-engine/internal/notify"
	"binance-grid-engine/internal/reconcile"
	"binance-grid-engine/internal/reporter"
	"binance-grid-engine/internal/resilience"
	"binance-grid-engine/internal/strategy"
	"binance-grid-engine/internal/stream"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"go.uber.org/zap"
)

// SnapshotStore 保存和加载策略快照, 由 statemanager.Manager 实现
type SnapshotStore interface {
	Save(snapshot models.StrategySnapshot) error
	Load() (*models.StrategySnapshot, error)
}

// EventStream 推送订单更新和重连事件, 由 stream.UserStream 实现
type EventStream interface {
	Run(ctx context.Context) error
	Events() <-chan stream.Event
}

type namedCloser struct {
	name   string
	closer io.Closer
}

// Bot 拥有策略实例。策略的所有方法只在 Run/RunBacktest 所在的 goroutine 中调用。
type Bot struct {
	cfg       *models.Config
	exec      execution.Context
	strategy  strategy.Strategy
	snapshots SnapshotStore
	reconcile *reconcile.Reconciler
	events    EventStream
	notifier  notify.Sink
	breaker   *resilience.CircuitBreaker
	closers   []namedCloser
	logger    *zap.Logger

	tickInterval   time.Duration
	errorBackoff   time.Duration
	stepTimeout    time.Duration
	statusInterval time.Duration
	outageLimit    time.Duration

	startedAt time.Time
	lastPrice models.Ticker
}

// Option 配置 Bot 的可选组件
type Option func(*Bot)

// WithReconciler 使用指定的对账器, 默认根据快照存储和配置构造
func WithReconciler(r *reconcile.Reconciler) Option {
	return func(b *Bot) { b.reconcile = r }
}

// WithStream 接入用户数据流, 成交推送比轮询更快到达
func WithStream(s EventStream) Option {
	return func(b *Bot) { b.events = s }
}

func WithNotifier(sink notify.Sink) Option {
	return func(b *Bot) { b.notifier = sink }
}

// WithBreaker 状态报告中显示断路器状态
func WithBreaker(cb *resilience.CircuitBreaker) Option {
	return func(b *Bot) { b.breaker = cb }
}

// WithCloser 注册关闭时需要释放的资源, 按注册顺序关闭
func WithCloser(name string, c io.Closer) Option {
	return func(b *Bot) { b.closers = append(b.closers, namedCloser{name: name, closer: c}) }
}

// New 按配置中的策略名称构造策略并创建主循环。snapshots 为 nil 时不持久化 (回测)。
func New(cfg *models.Config, exec execution.Context, registry strategy.Registry, snapshots SnapshotStore, logger *zap.Logger, opts ...Option) (*Bot, error) {
	strat, err := registry.Build(cfg.Strategy, cfg.Grid, exec, logger)
	if err != nil {
		return nil, fmt.Errorf("创建策略失败: %w", err)
	}

	b := &Bot{
		cfg:            cfg,
		exec:           exec,
		strategy:       strat,
		snapshots:      snapshots,
		notifier:       notify.Nop{},
		logger:         logger.With(zap.String("bot", cfg.BotID)),
		tickInterval:   time.Duration(cfg.Loop.TickIntervalMs) * time.Millisecond,
		errorBackoff:   time.Duration(cfg.Loop.ErrorBackoffSec * float64(time.Second)),
		stepTimeout:    time.Duration(cfg.Loop.ShutdownStepTimeoutSec) * time.Second,
		statusInterval: time.Duration(cfg.Loop.StatusIntervalSec) * time.Second,
		outageLimit:    time.Duration(cfg.Reconcile.OutageThresholdSec) * time.Second,
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.reconcile == nil && snapshots != nil {
		b.reconcile = reconcile.NewReconciler(snapshots, exec, cfg.Reconcile.Policy, b.notifier, logger)
	}
	return b, nil
}

// Strategy 返回主循环驱动的策略
func (b *Bot) Strategy() strategy.Strategy { return b.strategy }

// Run 启动对账后进入主循环, 直到 ctx 取消或策略停止。返回前执行有序关闭。
// 只有启动对账失败会返回错误。
func (b *Bot) Run(ctx context.Context) error {
	b.startedAt = time.Now()
	symbol := b.strategy.Symbol()

	restored := false
	if b.reconcile != nil {
		res, err := b.reconcile.Run(ctx, b.strategy)
		if err != nil {
			b.notifier.Notify(notify.Critical, "启动对账失败", map[string]string{"symbol": symbol, "error": err.Error()})
			b.closeResources()
			return fmt.Errorf("启动对账失败: %w", err)
		}
		restored = res.Restored
	}
	if !restored {
		if err := b.strategy.Start(ctx); err != nil {
			// 部分档位挂单失败, 下一个 tick 会补挂
			b.logger.Error("策略启动时部分挂单失败", zap.Error(err))
		}
	}
	b.persist()

	var events <-chan stream.Event
	streamCtx, stopStream := context.WithCancel(context.Background())
	streamDone := make(chan struct{})
	if b.events != nil {
		events = b.events.Events()
		go func() {
			defer close(streamDone)
			if err := b.events.Run(streamCtx); err != nil && !errors.Is(err, context.Canceled) {
				b.logger.Error("用户数据流退出", zap.Error(err))
			}
		}()
	} else {
		close(streamDone)
	}
	defer b.shutdown(stopStream, streamDone)

	b.notifier.Notify(notify.Info, "机器人已启动", map[string]string{
		"symbol":   symbol,
		"mode":     execution.Mode(b.exec),
		"restored": strconv.FormatBool(restored),
	})
	b.logger.Info("主循环开始", zap.String("symbol", symbol), zap.Bool("restored", restored))

	var status <-chan time.Time
	if b.statusInterval > 0 {
		ticker := time.NewTicker(b.statusInterval)
		defer ticker.Stop()
		status = ticker.C
	}

	for {
		stopped, err := b.iterate(ctx)
		if stopped {
			return nil
		}
		wait := b.tickInterval
		if err != nil {
			b.logger.Warn("本轮循环出错, 等待后重试", zap.Error(err), zap.Duration("backoff", b.errorBackoff))
			wait = b.errorBackoff
		}

		timer := time.NewTimer(wait)
	waiting:
		for {
			select {
			case <-ctx.Done():
				timer.Stop()
				b.logger.Info("收到停止信号")
				return nil
			case <-timer.C:
				break waiting
			case ev, ok := <-events:
				if !ok {
					events = nil
					continue
				}
				b.handleEvent(ctx, ev)
				if b.strategy.Stopped() {
					timer.Stop()
					return nil
				}
			case <-status:
				reporter.LogStatus(b.logger, b.status())
			}
		}
	}
}

// iterate 执行一轮循环: 报价 -> 策略 -> 成交检测 -> 持久化。返回策略是否已停止。
func (b *Bot) iterate(ctx context.Context) (bool, error) {
	symbol := b.strategy.Symbol()
	price, err := b.exec.CurrentPrice(ctx, symbol)
	if err != nil {
		return false, fmt.Errorf("获取价格失败: %w", err)
	}
	b.lastPrice = models.Ticker{Symbol: symbol, Price: price, Time: b.exec.Timestamp()}

	stopped, tickErr := b.strategy.OnTick(ctx, b.lastPrice)
	if tickErr != nil {
		b.logger.Warn("策略处理报价时出错", zap.Error(tickErr))
	}
	if stopped {
		b.persist()
		snap := b.strategy.Snapshot()
		b.logger.Warn("策略已停止", zap.String("reason", snap.StopReason), zap.String("price", price.String()))
		b.notifier.Notify(notify.Critical, "策略已停止", map[string]string{
			"symbol": symbol,
			"reason": snap.StopReason,
			"price":  price.String(),
		})
		return true, nil
	}

	fillErr := b.detectFills(ctx)
	b.persist()
	return false, errors.Join(tickErr, fillErr)
}

// detectFills 找出本地活动但已不在交易所挂单列表中的订单, 查询最终状态
func (b *Bot) detectFills(ctx context.Context) error {
	active := b.strategy.ActiveOrderIDs()
	if len(active) == 0 {
		return nil
	}
	symbol := b.strategy.Symbol()
	open, err := b.exec.OpenOrders(ctx, symbol)
	if err != nil {
		return fmt.Errorf("获取挂单失败: %w", err)
	}
	openIDs := make(map[string]struct{}, len(open))
	for _, o := range open {
		openIDs[o.ID] = struct{}{}
	}

	var errs []error
	var gone []string
	for _, id := range active {
		if _, ok := openIDs[id]; ok {
			continue
		}
		order, err := b.exec.FetchOrder(ctx, id, symbol)
		switch {
		case errors.Is(err, exchange.ErrOrderNotFound):
			gone = append(gone, id)
		case err != nil:
			b.logger.Warn("查询订单状态失败", zap.String("orderID", id), zap.Error(err))
			errs = append(errs, err)
		case order.Status == models.StatusFilled || isPartiallyFilled(*order):
			if err := b.strategy.OnOrderFilled(ctx, *order); err != nil {
				errs = append(errs, err)
			}
		case order.Status == models.StatusCanceled:
			gone = append(gone, id)
		}
	}
	if len(gone) > 0 {
		b.strategy.DropOrders(gone)
	}
	return errors.Join(errs...)
}

// handleEvent 处理推送事件, 与 tick 在同一 goroutine 中串行执行
func (b *Bot) handleEvent(ctx context.Context, ev stream.Event) {
	switch ev.Type {
	case stream.OrderUpdate:
		switch ev.Order.Status {
		case models.StatusFilled:
			if err := b.strategy.OnOrderFilled(ctx, ev.Order); err != nil {
				b.logger.Warn("处理推送成交失败", zap.String("orderID", ev.Order.ID), zap.Error(err))
			}
		case models.StatusCanceled:
			switch {
			case !b.isActive(ev.Order.ID):
			case isPartiallyFilled(ev.Order):
				if err := b.strategy.OnOrderFilled(ctx, ev.Order); err != nil {
					b.logger.Warn("处理部分成交的撤单失败", zap.String("orderID", ev.Order.ID), zap.Error(err))
				}
			default:
				b.strategy.DropOrders([]string{ev.Order.ID})
			}
		default:
			return
		}
		b.persist()
	case stream.Resync:
		if ev.Outage < b.outageLimit || b.reconcile == nil {
			b.logger.Info("用户数据流已重连", zap.Duration("outage", ev.Outage))
			return
		}
		b.logger.Warn("断线时间过长, 重新对账", zap.Duration("outage", ev.Outage))
		// 先按订单查询补记断线期间的成交, 剩下的差异再交给对账策略
		if err := b.detectFills(ctx); err != nil {
			b.logger.Warn("重连后检测成交失败", zap.Error(err))
		}
		if _, err := b.reconcile.Check(ctx, b.strategy); err != nil {
			b.notifier.Notify(notify.Critical, "重连后对账失败", map[string]string{
				"symbol": b.strategy.Symbol(),
				"error":  err.Error(),
			})
		}
		b.persist()
	}
}

// isPartiallyFilled 订单已结束 (撤销或过期) 但有部分成交, 成交部分按成交处理
func isPartiallyFilled(order models.Order) bool {
	return order.Status == models.StatusCanceled && order.Filled.IsPositive()
}

func (b *Bot) isActive(id string) bool {
	for _, active := range b.strategy.ActiveOrderIDs() {
		if active == id {
			return true
		}
	}
	return false
}

// persist 保存快照, 失败只记录日志, 下一轮会再次尝试
func (b *Bot) persist() {
	if b.snapshots == nil {
		return
	}
	if err := b.snapshots.Save(b.strategy.Snapshot()); err != nil {
		b.logger.Error("保存快照失败", zap.Error(err))
	}
}

// shutdown 有序关闭: 撤单 -> 最终快照 -> 停止数据流 -> 通知 -> 释放资源。撤单和等待数据流都有超时。
func (b *Bot) shutdown(stopStream context.CancelFunc, streamDone <-chan struct{}) {
	b.logger.Info("开始关闭")

	ctx, cancel := context.WithTimeout(context.Background(), b.stepTimeout)
	if err := b.strategy.Shutdown(ctx); err != nil {
		b.logger.Warn("关闭策略时部分撤单失败, 将在下次启动时对账", zap.Error(err))
	}
	cancel()

	b.persist()

	stopStream()
	select {
	case <-streamDone:
	case <-time.After(b.stepTimeout):
		b.logger.Warn("等待用户数据流退出超时")
	}

	snap := b.strategy.Snapshot()
	b.notifier.Notify(notify.Info, "机器人已停止", map[string]string{
		"symbol":  b.strategy.Symbol(),
		"cycles":  strconv.Itoa(snap.CompletedCycles),
		"profit":  snap.RealizedProfit.StringFixed(4),
		"pending": strconv.Itoa(len(snap.ActiveOrderIDs)),
	})

	// 通知渠道也在 closers 中, 必须最后关闭
	b.closeResources()
	b.logger.Info("已关闭", zap.Int("remainingOrders", len(snap.ActiveOrderIDs)))
}

func (b *Bot) closeResources() {
	for _, c := range b.closers {
		if err := c.closer.Close(); err != nil {
			b.logger.Error("关闭资源失败", zap.String("resource", c.name), zap.Error(err))
		}
	}
	b.closers = nil
}

func (b *Bot) status() reporter.Status {
	st := reporter.Status{
		Symbol:   b.strategy.Symbol(),
		Mode:     execution.Mode(b.exec),
		Price:    b.lastPrice.Price,
		Snapshot: b.strategy.Snapshot(),
		Uptime:   time.Since(b.startedAt),
	}
	if b.breaker != nil {
		st.BreakerState = b.breaker.State().String()
	}
	return st
}

// BacktestResult 回测结果
type BacktestResult struct {
	Stats    execution.BacktestStats
	Snapshot models.StrategySnapshot
	Fills    []models.Fill
}

// ErrNotBacktest 执行上下文不是回测模式
var ErrNotBacktest = errors.New("execution context is not a backtest")

// RunBacktest 逐根K线推进回测时钟, 每根K线执行一轮循环。
// 第一根K线只用于确定初始价格并启动策略。
func (b *Bot) RunBacktest(ctx context.Context, bars []models.Bar) (*BacktestResult, error) {
	bt, ok := b.exec.(*execution.Backtest)
	if !ok {
		return nil, ErrNotBacktest
	}
	if len(bars) == 0 {
		return nil, errors.New("没有可用的K线数据")
	}

	bt.Advance(bars[0].Time, bars[0])
	if err := b.strategy.Start(ctx); err != nil {
		b.logger.Warn("回测策略启动时部分挂单失败", zap.Error(err))
	}

	for i, bar := range bars[1:] {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		bt.Advance(bar.Time, bar)
		stopped, err := b.iterate(ctx)
		if err != nil {
			b.logger.Debug("回测循环出错", zap.Int("bar", i+1), zap.Error(err))
		}
		if stopped {
			b.logger.Info("策略停止, 提前结束回测", zap.Int("bar", i+1), zap.Time("time", bar.Time))
			break
		}
	}

	return &BacktestResult{
		Stats:    bt.Stats(bars[0].Open),
		Snapshot: b.strategy.Snapshot(),
		Fills:    bt.Fills(),
	}, nil
}
