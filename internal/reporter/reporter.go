// Package reporter 把运行状态和回测结果渲染成文本表格。
package reporter

import (
	"binance-grid-engine/internal/execution"
	"binance-grid-engine/internal/models"
	"fmt"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Status 主循环定期输出的运行状态
type Status struct {
	Symbol       string
	Mode         string
	Price        decimal.Decimal
	Snapshot     models.StrategySnapshot
	BreakerState string
	Uptime       time.Duration
}

// BacktestReport 回测结果报告所需的数据
type BacktestReport struct {
	DataPath string
	Symbol   string
	Stats    execution.BacktestStats
	Snapshot models.StrategySnapshot
	Skipped  int // 无法解析而跳过的K线数
}

// StatusTable 渲染运行状态与每个网格档位
func StatusTable(s Status) string {
	var b strings.Builder

	summary := table.NewWriter()
	summary.SetOutputMirror(&b)
	summary.SetStyle(table.StyleLight)
	summary.SetTitle("机器人状态 " + s.Symbol)
	summary.AppendRows([]table.Row{
		{"模式", s.Mode},
		{"运行时长", s.Uptime.Truncate(time.Second).String()},
		{"当前价格", s.Price.String()},
		{"断路器", s.BreakerState},
		{"活动订单", len(s.Snapshot.ActiveOrderIDs)},
		{"完成周期", s.Snapshot.CompletedCycles},
		{"已实现利润", s.Snapshot.RealizedProfit.StringFixed(4)},
		{"周期亏损", s.Snapshot.RealizedLoss.StringFixed(4)},
		{"状态", runState(s.Snapshot)},
	})
	summary.Render()

	if len(s.Snapshot.Levels) == 0 {
		return b.String()
	}

	levels := table.NewWriter()
	levels.SetOutputMirror(&b)
	levels.SetStyle(table.StyleLight)
	levels.AppendHeader(table.Row{"#", "价格", "状态", "订单", "持仓", "买入价", "卖出档"})
	// 价格从高到低, 与盘口方向一致
	for i := len(s.Snapshot.Levels) - 1; i >= 0; i-- {
		l := s.Snapshot.Levels[i]
		target := "-"
		if l.SellTarget != models.NoTarget {
			target = fmt.Sprintf("%d", l.SellTarget)
		}
		levels.AppendRow(table.Row{
			l.Index,
			l.Price.String(),
			string(l.State),
			orDash(l.ActiveOrderID()),
			orDash(nonZero(l.Held)),
			orDash(nonZero(l.BuyPrice)),
			target,
		})
	}
	levels.Render()
	return b.String()
}

// LogStatus 把状态表逐行写入日志
func LogStatus(logger *zap.Logger, s Status) {
	for _, line := range strings.Split(strings.TrimRight(StatusTable(s), "\n"), "\n") {
		logger.Info(line)
	}
}

// BacktestTable 渲染回测结果报告
func BacktestTable(r BacktestReport) string {
	st := r.Stats
	pnl := st.FinalEquity.Sub(st.InitialEquity)
	pct := decimal.Zero
	if st.InitialEquity.IsPositive() {
		pct = pnl.Div(st.InitialEquity).Mul(decimal.NewFromInt(100))
	}

	var b strings.Builder
	t := table.NewWriter()
	t.SetOutputMirror(&b)
	t.SetStyle(table.StyleLight)
	t.SetTitle("回测结果报告")
	t.AppendRows([]table.Row{
		{"数据文件", r.DataPath},
		{"交易对", r.Symbol},
		{"回测周期", fmt.Sprintf("%s 到 %s", st.Start.Format("2006-01-02 15:04"), st.End.Format("2006-01-02 15:04"))},
		{"K线数量", st.Bars},
	})
	if r.Skipped > 0 {
		t.AppendRow(table.Row{"跳过的K线", r.Skipped})
	}
	t.AppendSeparator()
	t.AppendRows([]table.Row{
		{"初始权益", st.InitialEquity.StringFixed(2)},
		{"最终权益", st.FinalEquity.StringFixed(2)},
		{"总盈亏", pnl.StringFixed(2)},
		{"收益率", pct.StringFixed(2) + "%"},
		{"网格已实现利润", r.Snapshot.RealizedProfit.StringFixed(4)},
		{"网格周期亏损", r.Snapshot.RealizedLoss.StringFixed(4)},
		{"手续费合计", st.TotalFees.StringFixed(4)},
	})
	t.AppendSeparator()
	t.AppendRows([]table.Row{
		{"买入成交", st.Buys},
		{"卖出成交", st.Sells},
		{"完成周期", r.Snapshot.CompletedCycles},
		{"期末计价货币", st.FinalQuote.StringFixed(4)},
		{"期末基础货币", st.FinalBase.String()},
		{"期末价格", st.FinalPrice.String()},
		{"策略状态", runState(r.Snapshot)},
	})
	t.Render()
	return b.String()
}

func runState(s models.StrategySnapshot) string {
	if !s.Stopped {
		return "运行中"
	}
	if s.StopReason == "" {
		return "已停止"
	}
	return "已停止 (" + s.StopReason + ")"
}

func nonZero(d decimal.Decimal) string {
	if d.IsZero() {
		return ""
	}
	return d.String()
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
