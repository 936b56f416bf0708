package logger

import (
	"binance-grid-engine/internal/models"
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	mu            sync.RWMutex
	baseLogger    *zap.Logger
	sugaredLogger *zap.SugaredLogger
)

// InitLogger 初始化zap日志记录器
func InitLogger(cfg models.LogConfig) {
	// 配置日志级别
	logLevel := zap.NewAtomicLevel()
	if err := logLevel.UnmarshalText([]byte(cfg.Level)); err != nil {
		logLevel.SetLevel(zap.InfoLevel) // 默认为Info级别
	}

	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	consoleEncoder := zapcore.NewConsoleEncoder(encoderConfig)

	var cores []zapcore.Core

	output := strings.ToLower(cfg.Output)
	if output == "file" || output == "both" {
		// 文件输出不需要颜色控制符
		fileEncoderConfig := encoderConfig
		fileEncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
		lumberjackLogger := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSize,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAge,
			Compress:   cfg.Compress,
		}
		cores = append(cores, zapcore.NewCore(zapcore.NewConsoleEncoder(fileEncoderConfig), zapcore.AddSync(lumberjackLogger), logLevel))
	}

	if output == "console" || output == "both" || len(cores) == 0 {
		// 未配置有效输出时也回退到控制台
		cores = append(cores, zapcore.NewCore(consoleEncoder, zapcore.AddSync(os.Stdout), logLevel))
	}

	l := zap.New(zapcore.NewTee(cores...), zap.AddCaller())

	mu.Lock()
	baseLogger = l
	sugaredLogger = l.Sugar()
	mu.Unlock()
}

// L 返回全局的结构化 logger, 用于注入到各个组件
func L() *zap.Logger {
	mu.RLock()
	l := baseLogger
	mu.RUnlock()
	if l == nil {
		// 如果logger未初始化，则提供一个默认的应急logger
		l, _ = zap.NewDevelopment()
	}
	return l
}

// S 返回全局的sugared logger实例
func S() *zap.SugaredLogger {
	mu.RLock()
	s := sugaredLogger
	mu.RUnlock()
	if s == nil {
		return L().Sugar()
	}
	return s
}

// Sync 刷新缓冲的日志
func Sync() {
	_ = S().Sync()
}
