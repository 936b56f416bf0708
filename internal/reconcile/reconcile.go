// Package reconcile 在启动和长时间断线后对比本地快照与交易所挂单。
package reconcile

import (
	"binance-grid-engine/internal/exchange"
	"binance-grid-engine/internal/execution"
	"binance-grid-engine/internal/models"
	"binance-grid-engine/internal/notify"
	"binance-grid-engine/internal/strategy"
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

// ErrReconciliationMismatch 在 abort 策略下, 本地状态与交易所不一致
var ErrReconciliationMismatch = errors.New("reconciliation mismatch")

// SnapshotLoader 读取已保存的快照, 没有时返回 (nil, nil)
type SnapshotLoader interface {
	Load() (*models.StrategySnapshot, error)
}

// Result 一次对账的结果
type Result struct {
	models.ReconciliationResult
	Restored  bool     // 是否从快照恢复
	Cancelled []string // auto_fix 撤销的孤儿单
	Filled    []string // auto_fix_replay 下确认已成交并补记的幽灵单
	Dropped   []string // 结果未知而丢弃的幽灵单
}

// Reconciler 负责恢复快照并处理孤儿单与幽灵单
type Reconciler struct {
	loader   SnapshotLoader
	exec     execution.Context
	policy   models.ReconcilePolicy
	notifier notify.Sink
	logger   *zap.Logger
}

func NewReconciler(loader SnapshotLoader, exec execution.Context, policy models.ReconcilePolicy, notifier notify.Sink, logger *zap.Logger) *Reconciler {
	if policy == "" {
		policy = models.ReconcileAutoFix
	}
	if notifier == nil {
		notifier = notify.Nop{}
	}
	return &Reconciler{
		loader:   loader,
		exec:     exec,
		policy:   policy,
		notifier: notifier,
		logger:   logger,
	}
}

// Run 在主循环开始前执行一次: 加载快照并恢复策略, 然后与交易所挂单对账。
// 没有快照时视为全新启动, 直接返回, 由调用方调用 strategy.Start。
func (r *Reconciler) Run(ctx context.Context, strat strategy.Strategy) (Result, error) {
	snapshot, err := r.loader.Load()
	if err != nil {
		return Result{}, fmt.Errorf("加载快照失败: %w", err)
	}
	if snapshot == nil {
		r.logger.Info("没有找到策略快照, 全新启动")
		return Result{}, nil
	}
	if err := strat.Restore(*snapshot); err != nil {
		return Result{}, fmt.Errorf("恢复策略状态失败: %w", err)
	}

	res, err := r.Check(ctx, strat)
	res.Restored = true
	return res, err
}

// Check 对比策略的活动订单与交易所挂单, 并按策略处理差异。
// 断线恢复后直接调用, 不重新加载快照。
func (r *Reconciler) Check(ctx context.Context, strat strategy.Strategy) (Result, error) {
	open, err := r.exec.OpenOrders(ctx, strat.Symbol())
	if err != nil {
		return Result{}, fmt.Errorf("获取交易所挂单失败: %w", err)
	}
	openIDs := make([]string, 0, len(open))
	for _, o := range open {
		openIDs = append(openIDs, o.ID)
	}

	res := Result{ReconciliationResult: Diff(strat.ActiveOrderIDs(), openIDs)}
	if res.Clean() {
		r.logger.Info("对账完成, 本地状态与交易所一致", zap.Int("activeOrders", len(openIDs)))
		return res, nil
	}

	r.logger.Warn("对账发现不一致",
		zap.String("policy", string(r.policy)),
		zap.Strings("orphans", res.OrphanIDs),
		zap.Strings("phantoms", res.PhantomIDs))
	r.notifier.Notify(notify.Warning, "对账发现不一致", map[string]string{
		"symbol":   strat.Symbol(),
		"policy":   string(r.policy),
		"orphans":  strings.Join(res.OrphanIDs, ","),
		"phantoms": strings.Join(res.PhantomIDs, ","),
	})

	switch r.policy {
	case models.ReconcileAbort:
		return res, fmt.Errorf("%w: 孤儿单 %d 个, 幽灵单 %d 个", ErrReconciliationMismatch, len(res.OrphanIDs), len(res.PhantomIDs))
	case models.ReconcileManual:
		r.logger.Warn("对账策略为 manual, 不做任何处理, 请人工确认")
		return res, nil
	}

	r.cancelOrphans(ctx, strat.Symbol(), &res)
	if r.policy == models.ReconcileAutoFixReplay {
		if err := r.replayPhantoms(ctx, strat, &res); err != nil {
			return res, err
		}
	} else {
		r.dropPhantoms(strat, res.PhantomIDs, &res)
	}
	r.notifier.Notify(notify.Info, "对账已自动修复", map[string]string{
		"symbol":    strat.Symbol(),
		"cancelled": strconv.Itoa(len(res.Cancelled)),
		"filled":    strconv.Itoa(len(res.Filled)),
		"dropped":   strconv.Itoa(len(res.Dropped)),
	})
	return res, nil
}

// cancelOrphans 撤销交易所上存在但本地不认识的订单, 失败只记录日志
func (r *Reconciler) cancelOrphans(ctx context.Context, symbol string, res *Result) {
	for _, id := range res.OrphanIDs {
		cancelled, err := r.exec.CancelOrder(ctx, id, symbol)
		if err != nil {
			r.logger.Error("撤销孤儿单失败", zap.String("orderID", id), zap.Error(err))
			continue
		}
		if cancelled {
			res.Cancelled = append(res.Cancelled, id)
			r.logger.Info("已撤销孤儿单", zap.String("orderID", id))
		}
	}
}

// dropPhantoms 幽灵单在离线期间已经结束, 结果未知: 既不计成交也不算错误, 只记录日志
func (r *Reconciler) dropPhantoms(strat strategy.Strategy, ids []string, res *Result) {
	for _, id := range ids {
		r.logger.Warn("幽灵单结果未知, 已从本地状态移除", zap.String("orderID", id))
	}
	if len(ids) == 0 {
		return
	}
	strat.DropOrders(ids)
	res.Dropped = append(res.Dropped, ids...)
}

// replayPhantoms 逐个查询本地有但交易所挂单中没有的订单。
// 已成交 (含部分成交后撤销) 的补记成交; 查询时仍为挂单的保留; 其余按结果未知丢弃。
func (r *Reconciler) replayPhantoms(ctx context.Context, strat strategy.Strategy, res *Result) error {
	for _, id := range res.PhantomIDs {
		order, err := r.exec.FetchOrder(ctx, id, strat.Symbol())
		switch {
		case err == nil && (order.Status == models.StatusFilled || order.Filled.IsPositive()) && !order.IsOpen():
			if err := strat.OnOrderFilled(ctx, *order); err != nil {
				return fmt.Errorf("补记幽灵单 %s 的成交失败: %w", id, err)
			}
			res.Filled = append(res.Filled, id)
			r.logger.Info("幽灵单已成交, 已补记", zap.String("orderID", id), zap.String("filled", order.Filled.String()))
		case err == nil && order.IsOpen():
			r.logger.Info("幽灵单查询时仍在挂单中, 保留", zap.String("orderID", id))
		case err == nil || errors.Is(err, exchange.ErrOrderNotFound):
			r.dropPhantoms(strat, []string{id}, res)
		default:
			// 查询失败时无法判断, 留到下次对账
			r.logger.Error("查询幽灵单失败", zap.String("orderID", id), zap.Error(err))
		}
	}
	return nil
}

// Diff 计算孤儿单 (交易所有、本地无) 与幽灵单 (本地有、交易所无), 结果排序
func Diff(snapshotIDs, openIDs []string) models.ReconciliationResult {
	local := make(map[string]struct{}, len(snapshotIDs))
	for _, id := range snapshotIDs {
		local[id] = struct{}{}
	}
	remote := make(map[string]struct{}, len(openIDs))
	for _, id := range openIDs {
		remote[id] = struct{}{}
	}

	var res models.ReconciliationResult
	for id := range remote {
		if _, ok := local[id]; !ok {
			res.OrphanIDs = append(res.OrphanIDs, id)
		}
	}
	for id := range local {
		if _, ok := remote[id]; !ok {
			res.PhantomIDs = append(res.PhantomIDs, id)
		}
	}
	sort.Strings(res.OrphanIDs)
	sort.Strings(res.PhantomIDs)
	return res
}
