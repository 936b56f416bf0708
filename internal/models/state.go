package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// LevelState 网格线在一个买卖周期中的状态
type LevelState string

const (
	LevelEmpty       LevelState = "EMPTY"
	LevelBuyPending  LevelState = "BUY_PENDING"
	LevelHolding     LevelState = "HOLDING"
	LevelSellPending LevelState = "SELL_PENDING"
)

// NoTarget 表示网格线当前没有卖出目标档位
const NoTarget = -1

// GridLevel 代表网格中的一个价格档位。
// 买单成交后挂出的卖单记录在买入的这一档上, 卖出价取自 SellTarget 档位。
type GridLevel struct {
	Index       int             `json:"index"`
	Price       decimal.Decimal `json:"price"`
	State       LevelState      `json:"state"`
	BuyOrderID  string          `json:"buy_order_id,omitempty"`
	SellOrderID string          `json:"sell_order_id,omitempty"`
	FilledBuy   bool            `json:"filled_buy"`
	FilledSell  bool            `json:"filled_sell"`
	SellTarget  int             `json:"sell_target"`             // 卖单所在档位索引, NoTarget 表示无
	Held        decimal.Decimal `json:"held"`                    // 买入成交后持有的数量
	BuyPrice    decimal.Decimal `json:"buy_price"`               // 买入成交均价
	BuyFee      decimal.Decimal `json:"buy_fee"`                 // 买入手续费 (计价货币)
	LastCycleAt time.Time       `json:"last_cycle_at,omitempty"` // 最近一次完成周期的时间
	Rearm       bool            `json:"rearm,omitempty"`         // 空档位等待在下一个 tick 重新挂买单
}

// ActiveOrderID 返回当前挂在此档位上的订单ID, 同一时刻最多一个
func (l *GridLevel) ActiveOrderID() string {
	if l.BuyOrderID != "" {
		return l.BuyOrderID
	}
	return l.SellOrderID
}

// SnapshotVersion 当前快照结构的版本号
const SnapshotVersion = 2

// StrategySnapshot 策略状态的可序列化投影, 每次变更后生成并持久化, 启动时只加载一次
type StrategySnapshot struct {
	Version         int             `json:"version"`
	RunID           string          `json:"run_id"`
	Config          GridConfig      `json:"config"`
	Levels          []GridLevel     `json:"levels"`
	ActiveOrderIDs  []string        `json:"active_order_ids"`
	OrderSize       decimal.Decimal `json:"order_size"`       // 每档买单投入的计价货币
	RealizedProfit  decimal.Decimal `json:"realized_profit"`  // 累计已实现利润, 单调不减
	RealizedLoss    decimal.Decimal `json:"realized_loss"`    // 手续费大于价差导致的周期亏损累计
	CompletedCycles int             `json:"completed_cycles"` // 完成的买卖周期数
	Stopped         bool            `json:"stopped"`
	StopReason      string          `json:"stop_reason,omitempty"`
	SavedAt         time.Time       `json:"saved_at"`
}

// ReconciliationResult 对账结果: 孤儿单(交易所有, 本地无) 与 幽灵单(本地有, 交易所无)
type ReconciliationResult struct {
	OrphanIDs  []string `json:"orphan_ids"`
	PhantomIDs []string `json:"phantom_ids"`
}

// Clean 没有任何不一致
func (r ReconciliationResult) Clean() bool {
	return len(r.OrphanIDs) == 0 && len(r.PhantomIDs) == 0
}
