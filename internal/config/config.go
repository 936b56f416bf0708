package config

import (
	"binance-grid-engine/internal/grid"
	"binance-grid-engine/internal/models"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// 默认值
const (
	DefaultFeeRate                = 0.001
	DefaultTickIntervalMs         = 1000
	DefaultErrorBackoffSec        = 5.0
	DefaultShutdownStepTimeoutSec = 10
	DefaultStatusIntervalSec      = 60
	DefaultOutageThresholdSec     = 60
	DefaultNotifyQueueSize        = 64
	DefaultLiveAPIURL             = "https://api.binance.com"
	DefaultLiveWSURL              = "wss://stream.binance.com:9443"
	DefaultTestnetAPIURL          = "https://testnet.binance.vision"
	DefaultTestnetWSURL           = "wss://testnet.binance.vision"
)

// ErrInvalidConfig 配置无法通过校验
var ErrInvalidConfig = errors.New("invalid config")

// LoadConfig 从指定路径加载配置文件, 按扩展名选择 YAML 或 JSON, 并填充默认值
func LoadConfig(path string) (*models.Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// fee_rate 在解析前预置默认值, 配置中显式写 0 时才会被覆盖为 0
	config := &models.Config{Grid: models.GridConfig{FeeRate: DefaultFeeRate}}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, config)
	default:
		err = json.Unmarshal(data, config)
	}
	if err != nil {
		return nil, fmt.Errorf("解析配置文件 %s 失败: %w", path, err)
	}

	ApplyDefaults(config)
	return config, nil
}

// ApplyDefaults 为未设置的字段填充默认值
func ApplyDefaults(c *models.Config) {
	if c.Mode == "" {
		c.Mode = "live"
	}
	if c.Strategy == "" {
		c.Strategy = "grid"
	}
	if c.Grid.Spacing == "" {
		c.Grid.Spacing = models.SpacingArithmetic
	}
	if c.BotID == "" {
		c.BotID = c.Grid.Symbol
	}
	if c.QuoteAsset == "" && strings.HasSuffix(c.Grid.Symbol, "USDT") {
		c.QuoteAsset = "USDT"
	}
	if c.BaseAsset == "" && c.QuoteAsset != "" {
		c.BaseAsset = strings.TrimSuffix(c.Grid.Symbol, c.QuoteAsset)
	}
	if c.Grid.BaseAsset == "" {
		c.Grid.BaseAsset = c.BaseAsset
	}
	if c.LiveAPIURL == "" {
		c.LiveAPIURL = DefaultLiveAPIURL
	}
	if c.LiveWSURL == "" {
		c.LiveWSURL = DefaultLiveWSURL
	}
	if c.TestnetAPIURL == "" {
		c.TestnetAPIURL = DefaultTestnetAPIURL
	}
	if c.TestnetWSURL == "" {
		c.TestnetWSURL = DefaultTestnetWSURL
	}

	if c.Loop.TickIntervalMs <= 0 {
		c.Loop.TickIntervalMs = DefaultTickIntervalMs
	}
	if c.Loop.ErrorBackoffSec <= 0 {
		c.Loop.ErrorBackoffSec = DefaultErrorBackoffSec
	}
	if c.Loop.ShutdownStepTimeoutSec <= 0 {
		c.Loop.ShutdownStepTimeoutSec = DefaultShutdownStepTimeoutSec
	}
	if c.Loop.StatusIntervalSec <= 0 {
		c.Loop.StatusIntervalSec = DefaultStatusIntervalSec
	}
	if c.Reconcile.Policy == "" {
		c.Reconcile.Policy = models.ReconcileAutoFix
	}
	if c.Reconcile.OutageThresholdSec <= 0 {
		c.Reconcile.OutageThresholdSec = DefaultOutageThresholdSec
	}
	if c.Notify.QueueSize <= 0 {
		c.Notify.QueueSize = DefaultNotifyQueueSize
	}
	if c.Backtest.FeeRate == nil {
		rate := c.Grid.FeeRate
		c.Backtest.FeeRate = &rate
	}
	if c.LogConfig.Level == "" {
		c.LogConfig.Level = "info"
	}
	if c.LogConfig.Output == "" {
		c.LogConfig.Output = "console"
	}
}

// SelectEndpoints 根据是否使用测试网设置 BaseURL 与 WSBaseURL
func SelectEndpoints(c *models.Config) {
	if c.IsTestnet {
		c.BaseURL = c.TestnetAPIURL
		c.WSBaseURL = c.TestnetWSURL
		return
	}
	c.BaseURL = c.LiveAPIURL
	c.WSBaseURL = c.LiveWSURL
}

// Validate 返回致命的配置错误。网格参数的建议性警告由 grid.Validate 给出。
func Validate(c *models.Config) error {
	var problems []string
	switch c.Mode {
	case "live", "dryrun", "backtest":
	default:
		problems = append(problems, fmt.Sprintf("未知的运行模式 %q", c.Mode))
	}
	if err := grid.ValidateConfig(c.Grid); err != nil {
		problems = append(problems, err.Error())
	}
	switch c.Reconcile.Policy {
	case models.ReconcileAutoFix, models.ReconcileAutoFixReplay, models.ReconcileAbort, models.ReconcileManual:
	default:
		problems = append(problems, fmt.Sprintf("未知的对账策略 %q", c.Reconcile.Policy))
	}
	if c.Resilience.FailMax < 0 || c.Resilience.RetryMaxAttempts < 0 {
		problems = append(problems, "断路器与重试参数不能为负数")
	}
	if c.Mode != "live" {
		if c.QuoteAsset == "" || c.BaseAsset == "" {
			problems = append(problems, "模拟盘和回测需要 quote_asset 与 base_asset")
		}
		if c.Backtest.InitialQuote < 0 || c.Backtest.InitialBase < 0 || c.Backtest.SlippageRate < 0 {
			problems = append(problems, "回测初始余额与滑点不能为负数")
		}
		if c.Backtest.FeeRate != nil && (*c.Backtest.FeeRate < 0 || *c.Backtest.FeeRate >= 1) {
			problems = append(problems, fmt.Sprintf("回测手续费率 %v 超出 [0, 1)", *c.Backtest.FeeRate))
		}
	}
	if c.Notify.TelegramEnabled && c.Notify.TelegramChatID == 0 {
		problems = append(problems, "启用 Telegram 通知时必须设置 telegram_chat_id")
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(problems, "; "))
	}
	return nil
}
