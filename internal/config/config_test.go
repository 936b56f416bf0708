package config

import (
	"binance-grid-engine/internal/models"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const jsonConfig = `{
	"mode": "dryrun",
	"is_testnet": true,
	"grid": {
		"symbol": "BTCUSDT",
		"lower_price": 90000,
		"upper_price": 110000,
		"num_grids": 5,
		"total_investment": 1000,
		"spacing": "geometric",
		"stop_loss_fraction": 0.05
	},
	"backtest": {"initial_quote": 1000}
}`

const yamlConfig = `
mode: backtest
bot_id: btc-grid-1
quote_asset: USDT
base_asset: BTC
strategy: grid
grid:
  symbol: BTCUSDT
  lower_price: 90000
  upper_price: 110000
  num_grids: 10
  total_investment: 5000
  fee_rate: 0.00075
reconcile:
  policy: abort
loop:
  tick_interval_ms: 250
backtest:
  initial_quote: 5000
  slippage_rate: 0.0005
log:
  level: debug
`

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadConfig_JSONWithDefaults(t *testing.T) {
	cfg, err := LoadConfig(writeFile(t, "config.json", jsonConfig))
	require.NoError(t, err)

	assert.Equal(t, "dryrun", cfg.Mode)
	assert.Equal(t, models.SpacingGeometric, cfg.Grid.Spacing)
	assert.Equal(t, DefaultFeeRate, cfg.Grid.FeeRate)
	require.NotNil(t, cfg.Backtest.FeeRate)
	assert.Equal(t, DefaultFeeRate, *cfg.Backtest.FeeRate, "backtest fee follows the grid fee by default")
	assert.Equal(t, "grid", cfg.Strategy)
	assert.Equal(t, "BTCUSDT", cfg.BotID)
	assert.Equal(t, "USDT", cfg.QuoteAsset)
	assert.Equal(t, "BTC", cfg.BaseAsset)
	assert.Equal(t, "BTC", cfg.Grid.BaseAsset, "the strategy learns the base asset from the top level")
	assert.Equal(t, DefaultTickIntervalMs, cfg.Loop.TickIntervalMs)
	assert.Equal(t, DefaultErrorBackoffSec, cfg.Loop.ErrorBackoffSec)
	assert.Equal(t, models.ReconcileAutoFix, cfg.Reconcile.Policy)
	assert.Equal(t, "info", cfg.LogConfig.Level)
	require.NoError(t, Validate(cfg))

	SelectEndpoints(cfg)
	assert.Equal(t, DefaultTestnetAPIURL, cfg.BaseURL)
	assert.Equal(t, DefaultTestnetWSURL, cfg.WSBaseURL)
}

func TestLoadConfig_YAML(t *testing.T) {
	cfg, err := LoadConfig(writeFile(t, "config.yaml", yamlConfig))
	require.NoError(t, err)

	assert.Equal(t, "backtest", cfg.Mode)
	assert.Equal(t, "btc-grid-1", cfg.BotID)
	assert.Equal(t, 10, cfg.Grid.NumGrids)
	assert.Equal(t, 0.00075, cfg.Grid.FeeRate)
	assert.Equal(t, models.SpacingArithmetic, cfg.Grid.Spacing)
	assert.Equal(t, models.ReconcileAbort, cfg.Reconcile.Policy)
	assert.Equal(t, 250, cfg.Loop.TickIntervalMs)
	assert.Equal(t, 0.0005, cfg.Backtest.SlippageRate)
	assert.Equal(t, "debug", cfg.LogConfig.Level)
	require.NoError(t, Validate(cfg))

	SelectEndpoints(cfg)
	assert.Equal(t, DefaultLiveAPIURL, cfg.BaseURL)
}

func TestLoadConfig_ExplicitZeroFeeRate(t *testing.T) {
	const zeroFees = `
mode: backtest
grid:
  symbol: BTCUSDT
  lower_price: 90000
  upper_price: 110000
  num_grids: 5
  total_investment: 1000
  fee_rate: 0
backtest:
  initial_quote: 1000
  fee_rate: 0
`
	cfg, err := LoadConfig(writeFile(t, "zero.yaml", zeroFees))
	require.NoError(t, err)
	assert.Zero(t, cfg.Grid.FeeRate, "an explicit zero fee rate is kept")
	require.NotNil(t, cfg.Backtest.FeeRate)
	assert.Zero(t, *cfg.Backtest.FeeRate)
	require.NoError(t, Validate(cfg))

	// Only the backtest fee is given: the grid still gets the default.
	cfg, err = LoadConfig(writeFile(t, "config.json", `{"grid": {"symbol": "BTCUSDT"}, "backtest": {"fee_rate": 0}}`))
	require.NoError(t, err)
	assert.Equal(t, DefaultFeeRate, cfg.Grid.FeeRate)
	assert.Zero(t, *cfg.Backtest.FeeRate)
}

func TestLoadConfig_Errors(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)

	_, err = LoadConfig(writeFile(t, "broken.json", "{not json"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	valid := func() *models.Config {
		cfg, err := LoadConfig(writeFile(t, "config.json", jsonConfig))
		require.NoError(t, err)
		return cfg
	}

	cases := map[string]func(c *models.Config){
		"unknown mode":       func(c *models.Config) { c.Mode = "paper" },
		"inverted range":     func(c *models.Config) { c.Grid.LowerPrice = 120000 },
		"too few grids":      func(c *models.Config) { c.Grid.NumGrids = 2 },
		"unknown policy":     func(c *models.Config) { c.Reconcile.Policy = "ignore" },
		"missing assets":     func(c *models.Config) { c.QuoteAsset = "" },
		"telegram no chat":   func(c *models.Config) { c.Notify.TelegramEnabled = true },
		"negative slippage":  func(c *models.Config) { c.Backtest.SlippageRate = -0.1 },
		"backtest fee >= 1":  func(c *models.Config) { rate := 1.0; c.Backtest.FeeRate = &rate },
		"stop loss too high": func(c *models.Config) { c.Grid.StopLossFraction = 1 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := valid()
			mutate(cfg)
			assert.ErrorIs(t, Validate(cfg), ErrInvalidConfig)
		})
	}
}
