package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// TelegramClient определяет интерфейс для работы с Telegram Bot API.
// Это позволяет легко создавать моки для тестирования.
type TelegramClient interface {
	SendMessage(ctx context.Context, chatID string, text string, parseMode string) error
}

// APIError: ответ Bot API с ok=false или статусом >= 400.
type APIError struct {
	StatusCode  int
	Description string
}

func (e *APIError) Error() string {
	if e.Description != "" {
		return fmt.Sprintf("telegram api status %d: %s", e.StatusCode, e.Description)
	}
	return fmt.Sprintf("telegram api status %d", e.StatusCode)
}

// Client инкапсулирует работу с Telegram Bot API.
type Client struct {
	token  string
	client *http.Client
	apiURL string
}

// Убеждаемся, что Client реализует интерфейс TelegramClient.
var _ TelegramClient = (*Client)(nil)

// NewClient создаёт клиента. token обязателен.
func NewClient(token string) *Client {
	return NewClientWithURL(token, "https://api.telegram.org")
}

// NewClientWithURL создаёт клиента для другого адреса Bot API (локальный сервер, тесты).
func NewClientWithURL(token, baseURL string) *Client {
	return &Client{
		token: token,
		client: &http.Client{
			Timeout: 15 * time.Second,
		},
		apiURL: fmt.Sprintf("%s/bot%s", strings.TrimRight(baseURL, "/"), token),
	}
}

// SendMessage отправляет текстовое сообщение.
func (c *Client) SendMessage(ctx context.Context, chatID string, text string, parseMode string) error {
	payload := map[string]any{
		"chat_id":                  chatID,
		"text":                     text,
		"disable_web_page_preview": true,
	}
	if parseMode != "" {
		payload["parse_mode"] = parseMode
	}

	return c.post(ctx, "sendMessage", payload)
}

type apiResponse struct {
	OK          bool   `json:"ok"`
	ErrorCode   int    `json:"error_code"`
	Description string `json:"description"`
}

func (c *Client) post(ctx context.Context, method string, body any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL+"/"+method, bytes.NewReader(data))
	if err != nil {
		return err
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	var parsed apiResponse
	_ = json.Unmarshal(raw, &parsed)

	if resp.StatusCode >= 400 || (len(raw) > 0 && !parsed.OK && parsed.Description != "") {
		return &APIError{StatusCode: resp.StatusCode, Description: parsed.Description}
	}
	return nil
}
