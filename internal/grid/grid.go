// Package grid 计算网格价格档位与每档资金分配, 不涉及任何 I/O。
package grid

import (
	"binance-grid-engine/internal/models"
	"errors"
	"fmt"
	"math"

	"github.com/shopspring/decimal"
)

const (
	// DefaultDecimals 未配置精度时价格/数量保留的小数位
	DefaultDecimals int32 = 8
	MinGrids              = 3
	MaxGrids              = 100
)

// ErrInvalidConfig 网格参数非法, 属于致命的配置错误
var ErrInvalidConfig = errors.New("invalid grid config")

// 只有 80% 的总投资用于初始买单, 其余作为手续费与价格波动的缓冲
var capitalUtilization = decimal.NewFromFloat(0.8)

// ValidateConfig 检查网格参数, 返回的错误会阻止策略构造。
func ValidateConfig(cfg models.GridConfig) error {
	if cfg.Symbol == "" {
		return fmt.Errorf("%w: symbol 不能为空", ErrInvalidConfig)
	}
	if cfg.LowerPrice <= 0 || cfg.UpperPrice <= 0 {
		return fmt.Errorf("%w: 价格边界必须为正数 (lower=%v, upper=%v)", ErrInvalidConfig, cfg.LowerPrice, cfg.UpperPrice)
	}
	if cfg.LowerPrice >= cfg.UpperPrice {
		return fmt.Errorf("%w: lower_price (%v) 必须小于 upper_price (%v)", ErrInvalidConfig, cfg.LowerPrice, cfg.UpperPrice)
	}
	if cfg.NumGrids < MinGrids || cfg.NumGrids > MaxGrids {
		return fmt.Errorf("%w: num_grids 必须在 %d 到 %d 之间, 当前为 %d", ErrInvalidConfig, MinGrids, MaxGrids, cfg.NumGrids)
	}
	if cfg.TotalInvestment <= 0 {
		return fmt.Errorf("%w: total_investment 必须大于 0", ErrInvalidConfig)
	}
	if cfg.StopLossFraction < 0 || cfg.StopLossFraction >= 1 {
		return fmt.Errorf("%w: stop_loss_fraction 必须在 [0, 1) 区间内, 当前为 %v", ErrInvalidConfig, cfg.StopLossFraction)
	}
	if cfg.TakeProfitFraction < 0 {
		return fmt.Errorf("%w: take_profit_fraction 不能为负数", ErrInvalidConfig)
	}
	if cfg.FeeRate < 0 || cfg.FeeRate >= 1 {
		return fmt.Errorf("%w: fee_rate 必须在 [0, 1) 区间内", ErrInvalidConfig)
	}
	switch cfg.Spacing {
	case "", models.SpacingArithmetic, models.SpacingGeometric:
	default:
		return fmt.Errorf("%w: 未知的间距模式 %q", ErrInvalidConfig, cfg.Spacing)
	}
	return nil
}

// Validate 返回建议性的警告, 从不阻止策略构造。
func Validate(cfg models.GridConfig, currentPrice decimal.Decimal) []string {
	var warnings []string
	lower := decimal.NewFromFloat(cfg.LowerPrice)
	upper := decimal.NewFromFloat(cfg.UpperPrice)

	if currentPrice.IsPositive() && (currentPrice.LessThan(lower) || currentPrice.GreaterThan(upper)) {
		warnings = append(warnings, fmt.Sprintf("当前价格 %s 不在网格区间 [%s, %s] 内", currentPrice, lower, upper))
	}
	if lower.IsPositive() {
		rangePct := upper.Sub(lower).Div(lower)
		if rangePct.GreaterThan(decimal.NewFromFloat(0.5)) {
			warnings = append(warnings, fmt.Sprintf("网格区间过宽: %s%%, 建议不超过 50%%", rangePct.Mul(decimal.NewFromInt(100)).StringFixed(2)))
		}
	}
	if cfg.NumGrids < 10 {
		warnings = append(warnings, fmt.Sprintf("网格数量较少 (%d), 资金利用率可能偏低", cfg.NumGrids))
	}
	return warnings
}

// Calculate 根据配置计算全部网格档位, 档位按价格从低到高排列。
// 等差: lower + i*(upper-lower)/(n-1); 等比: lower*ratio^i, ratio = (upper/lower)^(1/(n-1))。
// 最后一档固定为 upper, 避免累积的舍入误差。
func Calculate(cfg models.GridConfig) ([]models.GridLevel, error) {
	if err := ValidateConfig(cfg); err != nil {
		return nil, err
	}

	n := cfg.NumGrids
	places := PriceDecimals(cfg)
	lower := decimal.NewFromFloat(cfg.LowerPrice)
	upper := decimal.NewFromFloat(cfg.UpperPrice)

	levels := make([]models.GridLevel, n)
	switch cfg.Spacing {
	case models.SpacingGeometric:
		ratio := math.Pow(cfg.UpperPrice/cfg.LowerPrice, 1/float64(n-1))
		for i := 0; i < n; i++ {
			factor := decimal.NewFromFloat(math.Pow(ratio, float64(i)))
			levels[i] = newLevel(i, lower.Mul(factor).Round(places))
		}
	default:
		step := upper.Sub(lower).Div(decimal.NewFromInt(int64(n - 1)))
		for i := 0; i < n; i++ {
			levels[i] = newLevel(i, lower.Add(step.Mul(decimal.NewFromInt(int64(i)))).Round(places))
		}
	}
	levels[0].Price = lower
	levels[n-1].Price = upper
	return levels, nil
}

func newLevel(index int, price decimal.Decimal) models.GridLevel {
	return models.GridLevel{
		Index:      index,
		Price:      price,
		State:      models.LevelEmpty,
		SellTarget: models.NoTarget,
	}
}

// OrderSize 计算每个买单投入的计价货币数量:
// (总投资 × 0.8) / 当前价格以下的档位数。没有档位低于当前价时返回 0。
func OrderSize(cfg models.GridConfig, levels []models.GridLevel, currentPrice decimal.Decimal) decimal.Decimal {
	below := CountBelow(levels, currentPrice)
	if below == 0 {
		return decimal.Zero
	}
	total := decimal.NewFromFloat(cfg.TotalInvestment).Mul(capitalUtilization)
	return total.Div(decimal.NewFromInt(int64(below)))
}

// CountBelow 返回价格严格低于 price 的档位数
func CountBelow(levels []models.GridLevel, price decimal.Decimal) int {
	count := 0
	for _, l := range levels {
		if l.Price.LessThan(price) {
			count++
		}
	}
	return count
}

// PriceDecimals 返回价格精度, 未配置时为 DefaultDecimals
func PriceDecimals(cfg models.GridConfig) int32 {
	if cfg.PriceDecimals > 0 {
		return cfg.PriceDecimals
	}
	return DefaultDecimals
}

// AmountDecimals 返回数量精度, 未配置时为 DefaultDecimals
func AmountDecimals(cfg models.GridConfig) int32 {
	if cfg.AmountDecimals > 0 {
		return cfg.AmountDecimals
	}
	return DefaultDecimals
}

// BaseAmount 将计价货币金额换算为基础货币数量, 按数量精度向下截断以免超出可用余额
func BaseAmount(cfg models.GridConfig, quote, price decimal.Decimal) decimal.Decimal {
	if !price.IsPositive() {
		return decimal.Zero
	}
	return quote.Div(price).Truncate(AmountDecimals(cfg))
}
