// Package strategy 定义策略接口与构造函数表, 并实现网格交易策略。
package strategy

import (
	"binance-grid-engine/internal/execution"
	"binance-grid-engine/internal/models"
	"context"
	"errors"
	"fmt"
	"sort"

	"go.uber.org/zap"
)

var (
	// ErrUnknownStrategy 构造函数表中没有该名称
	ErrUnknownStrategy = errors.New("unknown strategy")
	// ErrSnapshotMismatch 快照与当前策略不匹配, 无法恢复
	ErrSnapshotMismatch = errors.New("snapshot does not match strategy")
)

// Strategy 由交易主循环驱动。所有方法都只在主循环的 goroutine 中调用, 实现无需加锁。
type Strategy interface {
	Name() string
	Symbol() string
	// Start 全新启动时调用, 从快照恢复后不再调用
	Start(ctx context.Context) error
	// OnTick 处理最新报价, 返回 true 表示策略已停止, 主循环应进入关闭流程
	OnTick(ctx context.Context, ticker models.Ticker) (bool, error)
	// OnOrderFilled 处理成交, 对同一订单ID只生效一次
	OnOrderFilled(ctx context.Context, order models.Order) error
	Snapshot() models.StrategySnapshot
	Restore(snapshot models.StrategySnapshot) error
	// Shutdown 尽力撤销所有挂单, 失败只记录日志
	Shutdown(ctx context.Context) error
	ActiveOrderIDs() []string
	// DropOrders 将订单从本地状态中移除, 用于交易所已不存在的订单
	DropOrders(ids []string)
	Stopped() bool
}

// Constructor 根据网格参数和执行上下文构造一个策略
type Constructor func(cfg models.GridConfig, exec execution.Context, logger *zap.Logger) (Strategy, error)

// Registry 策略名称到构造函数的映射, 启动时显式传给 bot, 不使用全局注册表
type Registry map[string]Constructor

// DefaultRegistry 返回内置策略的构造函数表
func DefaultRegistry() Registry {
	return Registry{
		GridStrategyName: func(cfg models.GridConfig, exec execution.Context, logger *zap.Logger) (Strategy, error) {
			return NewGridStrategy(cfg, exec, logger)
		},
	}
}

// Build 按名称构造策略
func (r Registry) Build(name string, cfg models.GridConfig, exec execution.Context, logger *zap.Logger) (Strategy, error) {
	ctor, ok := r[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q (可用: %v)", ErrUnknownStrategy, name, r.Names())
	}
	return ctor(cfg, exec, logger)
}

// Names 返回已注册的策略名称, 按字母排序
func (r Registry) Names() []string {
	names := make([]string, 0, len(r))
	for name := range r {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
