// Package webhook отправляет части отчёта в чат-боты через входящие вебхуки
// (Feishu, DingTalk, WeWork, Slack и обычный JSON-вебхук).
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/maine/trend_radar/internal/news"
	"github.com/maine/trend_radar/internal/notify"
)

// Sender реализует notify.Sender для вебхуков. Endpoint канала: URL вебхука.
type Sender struct {
	client *http.Client
}

var _ notify.Sender = (*Sender)(nil)

// NewSender создаёт отправителя; nil client заменяется клиентом с таймаутом 15с.
func NewSender(client *http.Client) *Sender {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &Sender{client: client}
}

// Body строит тело запроса под тип канала.
func Body(ch news.ChannelConfig, chunk news.Chunk) any {
	text := string(chunk.Payload)
	switch ch.Type {
	case news.ChannelFeishu:
		return map[string]any{
			"msg_type": "text",
			"content":  map[string]any{"text": text},
		}
	case news.ChannelDingTalk:
		title := "TrendRadar"
		if chunk.Total > 1 {
			title = fmt.Sprintf("TrendRadar (%d/%d)", chunk.Index+1, chunk.Total)
		}
		return map[string]any{
			"msgtype":  "markdown",
			"markdown": map[string]any{"title": title, "text": text},
		}
	case news.ChannelWeWork:
		return map[string]any{
			"msgtype":  "markdown",
			"markdown": map[string]any{"content": text},
		}
	default:
		return map[string]any{"text": text}
	}
}

// Send реализует notify.Sender.
func (s *Sender) Send(ctx context.Context, ch news.ChannelConfig, chunk news.Chunk) error {
	if strings.TrimSpace(ch.Endpoint) == "" {
		return notify.Permanent(fmt.Errorf("channel %s: webhook url is empty", ch.Name))
	}

	data, err := json.Marshal(Body(ch, chunk))
	if err != nil {
		return notify.Permanent(fmt.Errorf("marshal webhook body: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ch.Endpoint, bytes.NewReader(data))
	if err != nil {
		return notify.Permanent(fmt.Errorf("build webhook request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))

	if resp.StatusCode >= 400 {
		err := fmt.Errorf("webhook status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
		if resp.StatusCode != http.StatusTooManyRequests && resp.StatusCode < 500 {
			return notify.Permanent(err)
		}
		return err
	}

	return checkResult(ch.Type, raw)
}

// checkResult разбирает ответ платформ, которые сообщают об ошибке кодом в теле при статусе 200.
func checkResult(channelType string, raw []byte) error {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	var parsed struct {
		Code    *int   `json:"code"`
		Msg     string `json:"msg"`
		ErrCode *int   `json:"errcode"`
		ErrMsg  string `json:"errmsg"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		// Slack и обычные вебхуки отвечают "ok" или произвольным текстом.
		return nil
	}

	switch channelType {
	case news.ChannelFeishu:
		if parsed.Code != nil && *parsed.Code != 0 {
			return fmt.Errorf("feishu error %d: %s", *parsed.Code, parsed.Msg)
		}
	case news.ChannelDingTalk, news.ChannelWeWork:
		if parsed.ErrCode != nil && *parsed.ErrCode != 0 {
			return fmt.Errorf("%s error %d: %s", channelType, *parsed.ErrCode, parsed.ErrMsg)
		}
	}
	return nil
}
