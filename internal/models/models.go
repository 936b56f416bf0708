package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Config 结构体定义了引擎的所有配置参数
type Config struct {
	Mode          string `json:"mode" yaml:"mode"`             // 运行模式: live, dryrun, backtest
	BotID         string `json:"bot_id" yaml:"bot_id"`         // 状态存储使用的键前缀
	IsTestnet     bool   `json:"is_testnet" yaml:"is_testnet"` // 是否使用测试网
	LiveAPIURL    string `json:"live_api_url" yaml:"live_api_url"`
	LiveWSURL     string `json:"live_ws_url" yaml:"live_ws_url"`
	TestnetAPIURL string `json:"testnet_api_url" yaml:"testnet_api_url"`
	TestnetWSURL  string `json:"testnet_ws_url" yaml:"testnet_ws_url"`
	DBPath        string `json:"db_path" yaml:"db_path"`           // badger 状态库目录, 为空则使用内存
	JournalPath   string `json:"journal_path" yaml:"journal_path"` // sqlite 订单日志路径, 为空则不记录
	QuoteAsset    string `json:"quote_asset" yaml:"quote_asset"`   // 计价货币, 例如 USDT
	BaseAsset     string `json:"base_asset" yaml:"base_asset"`     // 基础货币, 例如 BTC
	UseUserStream bool   `json:"use_user_stream" yaml:"use_user_stream"`

	Strategy   string           `json:"strategy" yaml:"strategy"` // 策略名称, 在构造函数表中查找
	Grid       GridConfig       `json:"grid" yaml:"grid"`
	Resilience ResilienceConfig `json:"resilience" yaml:"resilience"`
	Loop       LoopConfig       `json:"loop" yaml:"loop"`
	Reconcile  ReconcileConfig  `json:"reconcile" yaml:"reconcile"`
	Notify     NotifyConfig     `json:"notify" yaml:"notify"`
	Backtest   BacktestConfig   `json:"backtest" yaml:"backtest"`
	LogConfig  LogConfig        `json:"log" yaml:"log"`

	BaseURL   string `json:"base_url" yaml:"base_url"`       // REST API基础地址 (将由程序动态设置)
	WSBaseURL string `json:"ws_base_url" yaml:"ws_base_url"` // WebSocket基础地址 (将由程序动态设置)
}

// SpacingMode 网格间距模式
type SpacingMode string

const (
	SpacingArithmetic SpacingMode = "arithmetic"
	SpacingGeometric  SpacingMode = "geometric"
)

// GridConfig 网格策略参数, 在策略构造时一次性给定
type GridConfig struct {
	Symbol             string      `json:"symbol" yaml:"symbol"`                                       // 交易对，如 "BTCUSDT"
	BaseAsset          string      `json:"base_asset,omitempty" yaml:"base_asset"`                     // 基础货币, 用于识别以基础货币收取的手续费; 为空时取顶层 base_asset
	LowerPrice         float64     `json:"lower_price" yaml:"lower_price"`                             // 网格下边界
	UpperPrice         float64     `json:"upper_price" yaml:"upper_price"`                             // 网格上边界
	NumGrids           int         `json:"num_grids" yaml:"num_grids"`                                 // 网格线数量 (3-100)
	TotalInvestment    float64     `json:"total_investment" yaml:"total_investment"`                   // 总投资额 (计价货币)
	Spacing            SpacingMode `json:"spacing" yaml:"spacing"`                                     // arithmetic 或 geometric
	StopLossFraction   float64     `json:"stop_loss_fraction" yaml:"stop_loss_fraction"`               // 止损比例, 相对下边界
	TakeProfitFraction float64     `json:"take_profit_fraction,omitempty" yaml:"take_profit_fraction"` // 可选止盈比例, 相对上边界, 0 表示关闭
	FeeRate            float64     `json:"fee_rate" yaml:"fee_rate"`                                   // 单边手续费率, 交易所未返回手续费时使用; 未设置时取默认值, 可显式设为 0
	PriceDecimals      int32       `json:"price_decimals" yaml:"price_decimals"`                       // 价格精度 (小数位)
	AmountDecimals     int32       `json:"amount_decimals" yaml:"amount_decimals"`                     // 数量精度 (小数位)
}

// ResilienceConfig 断路器与重试参数
type ResilienceConfig struct {
	FailMax          int     `json:"fail_max" yaml:"fail_max"`                     // 连续失败多少次后断开
	ResetTimeoutSec  float64 `json:"reset_timeout_sec" yaml:"reset_timeout_sec"`   // 断开后多久进入半开
	RetryBaseSec     float64 `json:"retry_base_sec" yaml:"retry_base_sec"`         // 退避基准
	RetryCapSec      float64 `json:"retry_cap_sec" yaml:"retry_cap_sec"`           // 退避上限
	RetryMaxAttempts int     `json:"retry_max_attempts" yaml:"retry_max_attempts"` // 最大尝试次数(含首次)
}

// LoopConfig 主循环节奏
type LoopConfig struct {
	TickIntervalMs         int     `json:"tick_interval_ms" yaml:"tick_interval_ms"`
	ErrorBackoffSec        float64 `json:"error_backoff_sec" yaml:"error_backoff_sec"`
	ShutdownStepTimeoutSec int     `json:"shutdown_step_timeout_sec" yaml:"shutdown_step_timeout_sec"`
	StatusIntervalSec      int     `json:"status_interval_sec" yaml:"status_interval_sec"`
}

// ReconcilePolicy 对账策略
type ReconcilePolicy string

const (
	ReconcileAutoFix ReconcilePolicy = "auto_fix" // 撤销孤儿单, 丢弃幽灵单
	ReconcileAbort   ReconcilePolicy = "abort"
	ReconcileManual  ReconcilePolicy = "manual"
	// ReconcileAutoFixReplay 与 auto_fix 相同, 但先查询幽灵单, 已成交的按成交补记
	ReconcileAutoFixReplay ReconcilePolicy = "auto_fix_replay"
)

// ReconcileConfig 对账配置
type ReconcileConfig struct {
	Policy             ReconcilePolicy `json:"policy" yaml:"policy"`
	OutageThresholdSec int             `json:"outage_threshold_sec" yaml:"outage_threshold_sec"` // 断线超过该时长后重新对账
}

// NotifyConfig 通知配置, token 从环境变量读取
type NotifyConfig struct {
	TelegramEnabled bool  `json:"telegram_enabled" yaml:"telegram_enabled"`
	TelegramChatID  int64 `json:"telegram_chat_id" yaml:"telegram_chat_id"`
	QueueSize       int   `json:"queue_size" yaml:"queue_size"`
}

// BacktestConfig 回测引擎特定配置
type BacktestConfig struct {
	InitialQuote float64  `json:"initial_quote" yaml:"initial_quote"` // 初始计价货币余额
	InitialBase  float64  `json:"initial_base" yaml:"initial_base"`   // 初始基础货币余额
	FeeRate      *float64 `json:"fee_rate,omitempty" yaml:"fee_rate"` // 模拟手续费率, 未设置时沿用 grid.fee_rate
	SlippageRate float64  `json:"slippage_rate" yaml:"slippage_rate"` // 滑点率
}

// LogConfig 定义了日志相关的配置
type LogConfig struct {
	Level      string `json:"level" yaml:"level"`             // 日志级别, e.g., "debug", "info", "warn", "error"
	Output     string `json:"output" yaml:"output"`           // 输出模式: "console", "file", "both"
	File       string `json:"file" yaml:"file"`               // 日志文件路径
	MaxSize    int    `json:"max_size" yaml:"max_size"`       // 单个日志文件的最大大小 (MB)
	MaxBackups int    `json:"max_backups" yaml:"max_backups"` // 保留的旧日志文件最大数量
	MaxAge     int    `json:"max_age" yaml:"max_age"`         // 旧日志文件的最大保留天数
	Compress   bool   `json:"compress" yaml:"compress"`       // 是否压缩旧日志文件
}

// Side 定义了交易方向的类型
type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

// OrderType 订单类型
type OrderType string

const (
	Limit  OrderType = "LIMIT"
	Market OrderType = "MARKET"
)

// OrderStatus 统一后的订单状态
type OrderStatus string

const (
	StatusOpen     OrderStatus = "open"
	StatusFilled   OrderStatus = "filled"
	StatusCanceled OrderStatus = "canceled"
)

// Order 定义了订单信息 (交易所视角, 由网关拥有)
type Order struct {
	ID            string          `json:"id"`
	ClientOrderID string          `json:"client_order_id,omitempty"`
	Symbol        string          `json:"symbol"`
	Side          Side            `json:"side"`
	Type          OrderType       `json:"type"`
	Status        OrderStatus     `json:"status"`
	Price         decimal.Decimal `json:"price"`
	Amount        decimal.Decimal `json:"amount"`
	Filled        decimal.Decimal `json:"filled"`
	AvgPrice      decimal.Decimal `json:"avg_price"`
	Fee           decimal.Decimal `json:"fee"`
	FeeAsset      string          `json:"fee_asset,omitempty"` // 为空表示以计价资产计
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// IsOpen 订单仍在挂单中
func (o *Order) IsOpen() bool { return o.Status == StatusOpen }

// FillPrice 返回成交均价, 交易所未返回时退回挂单价
func (o *Order) FillPrice() decimal.Decimal {
	if o.AvgPrice.IsPositive() {
		return o.AvgPrice
	}
	return o.Price
}

// FilledAmount 返回成交数量, 交易所未返回时退回下单数量
func (o *Order) FilledAmount() decimal.Decimal {
	if o.Filled.IsPositive() {
		return o.Filled
	}
	return o.Amount
}

// Ticker 最新报价
type Ticker struct {
	Symbol string          `json:"symbol"`
	Price  decimal.Decimal `json:"price"`
	Time   time.Time       `json:"time"`
}

// Bar 一根K线, 回测驱动使用
type Bar struct {
	Time  time.Time
	Open  decimal.Decimal
	High  decimal.Decimal
	Low   decimal.Decimal
	Close decimal.Decimal
}

// Fill 回测/模拟盘中记录的一笔成交
type Fill struct {
	OrderID string
	Side    Side
	Price   decimal.Decimal
	Amount  decimal.Decimal
	Fee     decimal.Decimal
	Time    time.Time
}
