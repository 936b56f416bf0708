package main

import (
	"binance-grid-engine/internal/bot"
	"binance-grid-engine/internal/config"
	"binance-grid-engine/internal/downloader"
	"binance-grid-engine/internal/exchange"
	"binance-grid-engine/internal/execution"
	"binance-grid-engine/internal/logger"
	"binance-grid-engine/internal/models"
	"binance-grid-engine/internal/notify"
	"binance-grid-engine/internal/persistence"
	"binance-grid-engine/internal/reporter"
	"binance-grid-engine/internal/resilience"
	"binance-grid-engine/internal/statemanager"
	"binance-grid-engine/internal/storage"
	"binance-grid-engine/internal/strategy"
	"binance-grid-engine/internal/stream"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// extractSymbolFromPath 从数据文件路径中提取交易对名称
// 例如: "data/BNBUSDT-1m-2025-03-15-2025-06-15.csv" -> "BNBUSDT"
func extractSymbolFromPath(path string) string {
	name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	return strings.Split(name, "-")[0]
}

func main() {
	// --- 命令行参数定义 ---
	configPath := flag.String("config", "config.yaml", "path to the config file (.yaml/.yml or .json)")
	mode := flag.String("mode", "", "override running mode: live, dryrun or backtest")
	dataPath := flag.String("data", "", "path to historical data file for backtesting")
	symbol := flag.String("symbol", "", "symbol to download for backtesting (e.g., BNBUSDT)")
	interval := flag.String("interval", "1m", "kline interval for downloaded backtest data")
	startDate := flag.String("start", "", "start date for backtesting (YYYY-MM-DD)")
	endDate := flag.String("end", "", "end date for backtesting (YYYY-MM-DD)")
	resetState := flag.Bool("reset-state", false, "delete the saved strategy snapshot before starting")
	flag.Parse()

	// 先用默认配置初始化日志, 加载 .env 和配置文件时就能记录
	logger.InitLogger(models.LogConfig{Level: "info", Output: "console"})

	if err := godotenv.Load(); err != nil {
		logger.S().Info("未找到 .env 文件，将从系统环境变量中读取。")
	} else {
		logger.S().Info("成功从 .env 文件加载配置。")
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		logger.S().Fatalf("无法加载配置文件: %v", err)
	}
	if *mode != "" {
		cfg.Mode = *mode
	}
	if cfg.Mode == "backtest" && *dataPath != "" && cfg.Grid.Symbol == "" {
		cfg.Grid.Symbol = extractSymbolFromPath(*dataPath)
		config.ApplyDefaults(cfg)
	}
	if err := config.Validate(cfg); err != nil {
		logger.S().Fatalf("配置校验失败: %v", err)
	}
	config.SelectEndpoints(cfg)

	// 使用文件中的配置重新初始化日志
	logger.InitLogger(cfg.LogConfig)
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch cfg.Mode {
	case "live", "dryrun":
		err = runTrading(ctx, cfg, *resetState)
	case "backtest":
		var path string
		path, err = prepareBacktestData(ctx, cfg, *symbol, *interval, *startDate, *endDate, *dataPath)
		if err == nil {
			err = runBacktest(ctx, cfg, path)
		}
	}
	if err != nil {
		logger.S().Errorf("运行失败: %v", err)
		logger.Sync()
		os.Exit(1)
	}
}

// prepareBacktestData 处理回测数据来源: 指定了交易对和日期时先下载 (有缓存则跳过), 否则使用 --data
func prepareBacktestData(ctx context.Context, cfg *models.Config, symbol, interval, startDate, endDate, dataPath string) (string, error) {
	if symbol == "" || startDate == "" || endDate == "" {
		if dataPath == "" {
			return "", fmt.Errorf("回测模式需要通过 --data 或 --symbol/start/end 参数指定数据源")
		}
		return dataPath, nil
	}

	startTime, err1 := time.Parse("2006-01-02", startDate)
	endTime, err2 := time.Parse("2006-01-02", endDate)
	if err1 != nil || err2 != nil {
		return "", fmt.Errorf("日期格式错误，请使用 YYYY-MM-DD 格式。start: %v, end: %v", err1, err2)
	}
	if !endTime.After(startTime) {
		return "", fmt.Errorf("结束日期必须晚于开始日期")
	}

	fileName := filepath.Join("data", fmt.Sprintf("%s-%s-%s-%s.csv", symbol, interval, startDate, endDate))
	d := downloader.NewKlineDownloader(cfg.LiveAPIURL, logger.L())
	if err := d.DownloadKlines(ctx, symbol, interval, fileName, startTime, endTime); err != nil {
		return "", fmt.Errorf("下载数据失败: %w", err)
	}
	return fileName, nil
}

// runTrading 运行实盘或模拟盘。两种模式都从交易所读取行情, 只有实盘会真正下单。
func runTrading(ctx context.Context, cfg *models.Config, resetState bool) error {
	log := logger.L()
	logger.S().Infof("--- 启动%s模式 (%s) ---", cfg.Mode, cfg.Grid.Symbol)
	if cfg.IsTestnet {
		logger.S().Info("正在使用币安测试网...")
	} else {
		logger.S().Info("正在使用币安生产网...")
	}

	apiKey := os.Getenv("BINANCE_API_KEY")
	secretKey := os.Getenv("BINANCE_SECRET_KEY")
	if cfg.Mode == "live" && (apiKey == "" || secretKey == "") {
		return fmt.Errorf("实盘模式必须设置 BINANCE_API_KEY 和 BINANCE_SECRET_KEY 环境变量")
	}

	// --- 通知 ---
	var opts []bot.Option
	sinks := notify.Multi{notify.NewLogSink(log)}
	if cfg.Notify.TelegramEnabled {
		tg, err := notify.NewTelegramSink(os.Getenv("TELEGRAM_BOT_TOKEN"), cfg.Notify.TelegramChatID, cfg.Notify.QueueSize,
			time.Duration(cfg.Loop.ShutdownStepTimeoutSec)*time.Second, log)
		if err != nil {
			return fmt.Errorf("初始化 Telegram 通知失败: %w", err)
		}
		sinks = append(sinks, tg)
		defer tg.Close()
	}

	// --- 交易所网关: 断路器 -> 重试 -> go-binance ---
	live := exchange.NewLiveExchange(apiKey, secretKey, cfg.BaseURL, log)
	if _, err := live.SyncTime(ctx); err != nil {
		log.Warn("与服务器时间同步失败, 使用本地时间", zap.Error(err))
	}
	gateway := resilience.NewGatewayFromConfig(live, cfg.Resilience, sinks, log)
	opts = append(opts, bot.WithNotifier(sinks), bot.WithBreaker(gateway.Breaker()))

	// --- 状态存储 ---
	store, err := persistence.NewBadgerStore(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("打开状态库失败: %w", err)
	}
	manager := statemanager.NewManager(store, cfg.BotID, log)
	if resetState {
		if err := manager.Clear(); err != nil {
			store.Close()
			return fmt.Errorf("清除策略快照失败: %w", err)
		}
		log.Warn("已清除保存的策略快照, 将以全新状态启动", zap.String("botID", cfg.BotID))
	}

	// --- 订单日志, 可选 ---
	var journal execution.Journal
	if cfg.JournalPath != "" {
		j, err := storage.OpenJournal(cfg.JournalPath)
		if err != nil {
			store.Close()
			return fmt.Errorf("打开订单日志失败: %w", err)
		}
		journal = j
		opts = append(opts, bot.WithCloser("journal", j))
	}
	opts = append(opts, bot.WithCloser("store", store))

	// --- 执行上下文 ---
	var exec execution.Context
	if cfg.Mode == "live" {
		exec = execution.NewLive(gateway, journal, log)
		if cfg.UseUserStream {
			us := stream.NewUserStream(cfg.WSBaseURL, live, gateway.Retry().NewBackoff(), log)
			opts = append(opts, bot.WithStream(us))
		}
	} else {
		exec = execution.NewDryRun(gateway, paperConfig(cfg), journal, log)
	}

	b, err := bot.New(cfg, exec, strategy.DefaultRegistry(), manager, log, opts...)
	if err != nil {
		store.Close()
		return err
	}
	if err := b.Run(ctx); err != nil {
		return err
	}
	logger.S().Info("机器人已成功停止，状态已保存。")
	return nil
}

// runBacktest 在历史K线上运行策略并打印报告
func runBacktest(ctx context.Context, cfg *models.Config, dataPath string) error {
	logger.S().Info("--- 启动回测模式 ---")

	if symbol := extractSymbolFromPath(dataPath); symbol != "" && symbol != cfg.Grid.Symbol {
		logger.S().Warnf("数据文件 %s 的交易对与配置中的 %s 不同, 以配置为准", dataPath, cfg.Grid.Symbol)
	}

	bars, skipped, err := downloader.LoadBars(dataPath)
	if err != nil {
		return err
	}
	if skipped > 0 {
		logger.S().Warnf("跳过了 %d 条无法解析的K线", skipped)
	}
	logger.S().Infof("加载了 %d 根K线, 从 %s 到 %s", len(bars), bars[0].Time.Format(time.RFC3339), bars[len(bars)-1].Time.Format(time.RFC3339))

	bt := execution.NewBacktest(paperConfig(cfg))
	b, err := bot.New(cfg, bt, strategy.DefaultRegistry(), nil, logger.L())
	if err != nil {
		return err
	}

	result, err := b.RunBacktest(ctx, bars)
	if err != nil {
		return err
	}
	logger.S().Info("回测结束。")

	fmt.Print(reporter.BacktestTable(reporter.BacktestReport{
		DataPath: dataPath,
		Symbol:   cfg.Grid.Symbol,
		Stats:    result.Stats,
		Snapshot: result.Snapshot,
		Skipped:  skipped,
	}))
	return nil
}

func paperConfig(cfg *models.Config) execution.PaperConfig {
	feeRate := cfg.Grid.FeeRate
	if cfg.Backtest.FeeRate != nil {
		feeRate = *cfg.Backtest.FeeRate
	}
	return execution.PaperConfig{
		Symbol:       cfg.Grid.Symbol,
		BaseAsset:    cfg.BaseAsset,
		QuoteAsset:   cfg.QuoteAsset,
		InitialQuote: decimal.NewFromFloat(cfg.Backtest.InitialQuote),
		InitialBase:  decimal.NewFromFloat(cfg.Backtest.InitialBase),
		FeeRate:      decimal.NewFromFloat(feeRate),
		SlippageRate: decimal.NewFromFloat(cfg.Backtest.SlippageRate),
	}
}
