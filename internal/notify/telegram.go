package notify

import (
	"net/http"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"
)

const (
	defaultQueueSize    = 64
	defaultCloseTimeout = 10 * time.Second
	sendTimeout         = 10 * time.Second
)

// sender 是 tgbotapi.BotAPI 中用到的部分, 便于测试替换
type sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// TelegramSink 异步发送 Telegram 消息。队列满时丢弃新消息, 不阻塞交易主循环。
type TelegramSink struct {
	bot          sender
	chatID       int64
	closeTimeout time.Duration
	logger       *zap.Logger

	mu     sync.Mutex
	queue  chan string
	closed bool
	wg     sync.WaitGroup
}

// NewTelegramSink 使用 bot token 连接 Telegram 并启动发送 goroutine。
// closeTimeout 限制 Close 等待队列发送完毕的时间。
func NewTelegramSink(token string, chatID int64, queueSize int, closeTimeout time.Duration, logger *zap.Logger) (*TelegramSink, error) {
	bot, err := tgbotapi.NewBotAPIWithClient(token, tgbotapi.APIEndpoint, &http.Client{Timeout: sendTimeout})
	if err != nil {
		return nil, err
	}
	logger.Info("Telegram 通知已启用", zap.String("bot", bot.Self.UserName))
	return newTelegramSink(bot, chatID, queueSize, closeTimeout, logger), nil
}

func newTelegramSink(bot sender, chatID int64, queueSize int, closeTimeout time.Duration, logger *zap.Logger) *TelegramSink {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	if closeTimeout <= 0 {
		closeTimeout = defaultCloseTimeout
	}
	s := &TelegramSink{
		bot:          bot,
		chatID:       chatID,
		closeTimeout: closeTimeout,
		logger:       logger,
		queue:        make(chan string, queueSize),
	}
	s.wg.Add(1)
	go s.run()
	return s
}

func (s *TelegramSink) Notify(severity Severity, message string, fields map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.queue <- Format(severity, message, fields):
	default:
		s.logger.Warn("Telegram 通知队列已满, 丢弃消息", zap.String("message", message))
	}
}

func (s *TelegramSink) run() {
	defer s.wg.Done()
	for text := range s.queue {
		if _, err := s.bot.Send(tgbotapi.NewMessage(s.chatID, text)); err != nil {
			s.logger.Warn("发送 Telegram 消息失败", zap.Error(err))
		}
	}
}

// Close 停止接收新消息, 并在 closeTimeout 内等待队列中已有的消息发送完毕
func (s *TelegramSink) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.queue)
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(s.closeTimeout):
		s.logger.Warn("等待 Telegram 消息发送超时, 放弃剩余消息", zap.Duration("timeout", s.closeTimeout))
	}
}
