// Package notify 负责把运行中的告警发送给操作者。
package notify

import (
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"
)

// Severity 告警级别
type Severity string

const (
	Info     Severity = "INFO"
	Warning  Severity = "WARNING"
	Critical Severity = "CRITICAL"
)

// Sink 接收告警。实现不能阻塞调用方。
type Sink interface {
	Notify(severity Severity, message string, fields map[string]string)
}

// LogSink 把告警写入日志
type LogSink struct {
	logger *zap.Logger
}

func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Notify(severity Severity, message string, fields map[string]string) {
	zapFields := make([]zap.Field, 0, len(fields))
	for _, k := range sortedKeys(fields) {
		zapFields = append(zapFields, zap.String(k, fields[k]))
	}
	switch severity {
	case Critical:
		s.logger.Error("[告警] "+message, zapFields...)
	case Warning:
		s.logger.Warn("[告警] "+message, zapFields...)
	default:
		s.logger.Info("[通知] "+message, zapFields...)
	}
}

// Multi 把同一条告警分发给多个 Sink
type Multi []Sink

func (m Multi) Notify(severity Severity, message string, fields map[string]string) {
	for _, s := range m {
		if s != nil {
			s.Notify(severity, message, fields)
		}
	}
}

// Nop 丢弃所有告警
type Nop struct{}

func (Nop) Notify(Severity, string, map[string]string) {}

// Format 把告警渲染为纯文本, 字段按键名排序
func Format(severity Severity, message string, fields map[string]string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s", severity, message)
	for _, k := range sortedKeys(fields) {
		fmt.Fprintf(&b, "\n%s: %s", k, fields[k])
	}
	return b.String()
}

func sortedKeys(fields map[string]string) []string {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
