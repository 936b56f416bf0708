// Package downloader 下载并读取回测使用的历史K线数据。
package downloader

import (
	"binance-grid-engine/internal/models"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/adshao/go-binance/v2"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// csvHeader K线CSV文件的表头, 与币安原始字段一一对应
var csvHeader = []string{"open_time", "open", "high", "low", "close", "volume", "close_time", "quote_asset_volume", "number_of_trades", "taker_buy_base_asset_volume", "taker_buy_quote_asset_volume"}

// KlineDownloader 用于从币安下载K线数据
type KlineDownloader struct {
	client *binance.Client
	pause  time.Duration
	logger *zap.Logger
}

// NewKlineDownloader 创建一个新的下载器实例。baseURL 为空时使用币安生产环境。
func NewKlineDownloader(baseURL string, logger *zap.Logger) *KlineDownloader {
	client := binance.NewClient("", "") // 公共接口不需要API Key
	if baseURL != "" {
		client.BaseURL = baseURL
	}
	return &KlineDownloader{
		client: client,
		pause:  200 * time.Millisecond, // 避免过于频繁的请求
		logger: logger,
	}
}

// DownloadKlines 下载指定交易对和时间范围内的K线数据，并保存到CSV文件
// 如果文件已存在，则会跳过下载，直接使用缓存。
func (d *KlineDownloader) DownloadKlines(ctx context.Context, symbol, interval, filePath string, startTime, endTime time.Time) error {
	if _, err := os.Stat(filePath); err == nil {
		d.logger.Info("从缓存加载数据", zap.String("file", filePath))
		return nil
	}
	if interval == "" {
		interval = "1m"
	}

	d.logger.Info("开始下载K线数据",
		zap.String("symbol", symbol),
		zap.String("interval", interval),
		zap.Time("start", startTime),
		zap.Time("end", endTime))

	dir := filepath.Dir(filePath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("无法创建目录 %s: %w", dir, err)
	}

	// 先写临时文件, 下载完整后再改名, 中途失败不会留下半截缓存
	tmpPath := filePath + ".part"
	file, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("无法创建文件 %s: %w", tmpPath, err)
	}
	count, err := d.writeKlines(ctx, file, symbol, interval, startTime, endTime)
	if closeErr := file.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, filePath); err != nil {
		return fmt.Errorf("保存K线文件失败: %w", err)
	}

	d.logger.Info("成功下载K线数据", zap.String("file", filePath), zap.Int("bars", count))
	return nil
}

func (d *KlineDownloader) writeKlines(ctx context.Context, w io.Writer, symbol, interval string, startTime, endTime time.Time) (int, error) {
	writer := csv.NewWriter(w)
	if err := writer.Write(csvHeader); err != nil {
		return 0, fmt.Errorf("写入CSV表头失败: %w", err)
	}

	count := 0
	for t := startTime; t.Before(endTime); {
		klines, err := d.client.NewKlinesService().
			Symbol(symbol).
			Interval(interval).
			StartTime(t.UnixMilli()).
			EndTime(endTime.UnixMilli()).
			Limit(1000). // 币安单次请求最多1000条
			Do(ctx)
		if err != nil {
			return count, fmt.Errorf("下载K线数据失败: %w", err)
		}
		if len(klines) == 0 {
			break
		}

		for _, k := range klines {
			if k.OpenTime >= endTime.UnixMilli() {
				continue
			}
			record := []string{
				strconv.FormatInt(k.OpenTime, 10),
				k.Open,
				k.High,
				k.Low,
				k.Close,
				k.Volume,
				strconv.FormatInt(k.CloseTime, 10),
				k.QuoteAssetVolume,
				strconv.FormatInt(k.TradeNum, 10),
				k.TakerBuyBaseAssetVolume,
				k.TakerBuyQuoteAssetVolume,
			}
			if err := writer.Write(record); err != nil {
				return count, fmt.Errorf("写入CSV记录失败: %w", err)
			}
			count++
		}

		// 更新下一次请求的开始时间
		t = time.UnixMilli(klines[len(klines)-1].CloseTime + 1)
		d.logger.Debug("已下载数据", zap.Time("until", t))
		if d.pause > 0 {
			select {
			case <-ctx.Done():
				return count, ctx.Err()
			case <-time.After(d.pause):
			}
		}
	}

	writer.Flush()
	return count, writer.Error()
}

// LoadBars 读取 DownloadKlines 生成的CSV文件。无法解析的行会被跳过并计数。
func LoadBars(path string) ([]models.Bar, int, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, 0, fmt.Errorf("无法打开历史数据文件: %w", err)
	}
	defer file.Close()

	reader := csv.NewReader(file)
	reader.FieldsPerRecord = -1
	records, err := reader.ReadAll()
	if err != nil {
		return nil, 0, fmt.Errorf("无法读取CSV记录: %w", err)
	}
	if len(records) <= 1 { // 至少需要表头和一行数据
		return nil, 0, errors.New("历史数据文件为空或只有表头")
	}

	bars := make([]models.Bar, 0, len(records)-1)
	skipped := 0
	for _, record := range records[1:] {
		bar, err := parseBar(record)
		if err != nil {
			skipped++
			continue
		}
		bars = append(bars, bar)
	}
	if len(bars) == 0 {
		return nil, skipped, errors.New("历史数据文件中没有可用的K线")
	}
	return bars, skipped, nil
}

func parseBar(record []string) (models.Bar, error) {
	if len(record) < 5 {
		return models.Bar{}, fmt.Errorf("字段数不足: %d", len(record))
	}
	ts, err := strconv.ParseInt(record[0], 10, 64)
	if err != nil {
		return models.Bar{}, err
	}
	values := make([]decimal.Decimal, 4)
	for i := range values {
		v, err := decimal.NewFromString(record[i+1])
		if err != nil {
			return models.Bar{}, err
		}
		if !v.IsPositive() {
			return models.Bar{}, fmt.Errorf("价格必须为正数: %s", record[i+1])
		}
		values[i] = v
	}
	return models.Bar{
		Time:  time.UnixMilli(ts),
		Open:  values[0],
		High:  values[1],
		Low:   values[2],
		Close: values[3],
	}, nil
}
