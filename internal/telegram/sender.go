package telegram

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/maine/trend_radar/internal/news"
	"github.com/maine/trend_radar/internal/notify"
)

const (
	// telegramRateLimit - лимит Telegram Bot API: 30 сообщений в секунду
	telegramRateLimitPerSecond = 30
	// rateLimitDelay - минимальная задержка между сообщениями для соблюдения rate limit
	rateLimitDelay = time.Second / telegramRateLimitPerSecond // ~33ms между сообщениями
)

// Sender реализует notify.Sender для каналов типа telegram. Endpoint канала: chat_id.
// Повторы выполняет диспетчер; здесь только rate limit и классификация ошибок.
type Sender struct {
	client TelegramClient

	mu           sync.Mutex
	lastSentTime time.Time
}

var _ notify.Sender = (*Sender)(nil)

// NewSender создаёт новый экземпляр отправителя.
func NewSender(client TelegramClient) *Sender {
	return &Sender{
		client: client,
	}
}

// Send реализует notify.Sender.
func (s *Sender) Send(ctx context.Context, ch news.ChannelConfig, chunk news.Chunk) error {
	if strings.TrimSpace(ch.Endpoint) == "" {
		return notify.Permanent(fmt.Errorf("channel %s: chat_id is empty", ch.Name))
	}

	if err := s.waitRateLimit(ctx); err != nil {
		return err
	}

	err := s.client.SendMessage(ctx, ch.Endpoint, string(chunk.Payload), parseMode(ch.EffectiveFormat()))
	if err != nil && !isRetryableError(err) {
		return notify.Permanent(err)
	}
	return err
}

// waitRateLimit выдерживает минимальный интервал между сообщениями бота.
func (s *Sender) waitRateLimit(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if elapsed := time.Since(s.lastSentTime); elapsed < rateLimitDelay {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(rateLimitDelay - elapsed):
		}
	}
	s.lastSentTime = time.Now()
	return nil
}

func parseMode(f news.Format) string {
	switch f {
	case news.FormatHTML:
		return "HTML"
	case news.FormatMarkdown:
		return "Markdown"
	default:
		return ""
	}
}

// isRetryableError определяет, можно ли повторить отправку при данной ошибке.
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		// 429 и 5xx временные; прочие 4xx повтор не исправит.
		if apiErr.StatusCode == http.StatusTooManyRequests || apiErr.StatusCode >= 500 {
			return true
		}
		if apiErr.StatusCode >= 400 {
			return false
		}
	}

	errStr := err.Error()

	// Ошибки, при которых повтор не поможет
	nonRetryableErrors := []string{
		"chat not found",
		"bot was blocked",
		"user is deactivated",
		"chat_id is empty",
		"message is too long",
		"bad request",
	}

	for _, nonRetryable := range nonRetryableErrors {
		if containsIgnoreCase(errStr, nonRetryable) {
			return false
		}
	}

	// По умолчанию считаем ошибку повторяемой (сетевые ошибки, временные проблемы API)
	return true
}

// containsIgnoreCase проверяет, содержит ли строка подстроку (без учёта регистра).
func containsIgnoreCase(s, substr string) bool {
	s = strings.ToLower(s)
	substr = strings.ToLower(substr)
	return strings.Contains(s, substr)
}
