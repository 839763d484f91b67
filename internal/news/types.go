package news

import (
	"fmt"
	"strings"
	"time"
)

// NewsItem описывает одну позицию рейтинга платформы сразу после получения из фида.
type NewsItem struct {
	PlatformID   string    `json:"platform_id"`
	PlatformName string    `json:"platform_name,omitempty"`
	ItemID       string    `json:"item_id"`
	Title        string    `json:"title"`
	URL          string    `json:"url"`
	MobileURL    string    `json:"mobile_url,omitempty"`
	RankPosition int       `json:"rank_position"`
	Hotness      float64   `json:"hotness,omitempty"` // Популярность на платформе (например, upvotes); 0 значит нет данных
	FetchedAt    time.Time `json:"fetch_timestamp"`
}

// Key возвращает уникальный в рамках цикла выборки ключ (platform_id, item_id).
func (n NewsItem) Key() string {
	return n.PlatformID + "|" + n.ItemID
}

// KeywordGroup: независимая единица фильтрации и отчёта (блок правил между пустыми строками).
type KeywordGroup struct {
	Index         int            `json:"index"`
	Name          string         `json:"name"`
	BaseKeywords  []string       `json:"base_keywords"`
	RequiredTerms []string       `json:"required_terms,omitempty"`
	ExcludedTerms []string       `json:"excluded_terms,omitempty"`
	KeywordLimits map[string]int `json:"keyword_limits,omitempty"` // ключ: нормализованное базовое слово
}

// Limit возвращает лимит для базового слова и признак его наличия.
func (g KeywordGroup) Limit(keyword string) (int, bool) {
	if g.KeywordLimits == nil {
		return 0, false
	}
	n, ok := g.KeywordLimits[keyword]
	return n, ok
}

// ScoreBreakdown хранит составляющие итоговой оценки.
type ScoreBreakdown struct {
	Rank      float64 `json:"rank"`
	Frequency float64 `json:"frequency"`
	Hotness   float64 `json:"hotness"`
	Total     float64 `json:"total"`
}

// MatchResult: совпадение одной новости с одной группой.
type MatchResult struct {
	Item           NewsItem       `json:"item"`
	Group          KeywordGroup   `json:"group"`
	MatchedKeyword string         `json:"matched_keyword"`
	Score          float64        `json:"score"`
	Breakdown      ScoreBreakdown `json:"breakdown"`
}

// Snapshot: набор id, совпавших за один запуск на одной платформе. Только добавляется.
type Snapshot struct {
	RunID        string    `json:"run_id,omitempty"`
	RunTimestamp time.Time `json:"run_timestamp"`
	PlatformID   string    `json:"platform_id"`
	ItemIDs      []string  `json:"item_ids"`
}

// Contains сообщает, есть ли id в снимке.
func (s Snapshot) Contains(itemID string) bool {
	for _, id := range s.ItemIDs {
		if id == itemID {
			return true
		}
	}
	return false
}

// RunMode определяет, какие совпадения попадают в рассылку.
type RunMode string

const (
	ModeDaily       RunMode = "daily"
	ModeCurrent     RunMode = "current"
	ModeIncremental RunMode = "incremental"
)

// ParseRunMode проверяет строковое значение режима.
func ParseRunMode(raw string) (RunMode, error) {
	switch mode := RunMode(strings.ToLower(strings.TrimSpace(raw))); mode {
	case ModeDaily, ModeCurrent, ModeIncremental:
		return mode, nil
	default:
		return "", fmt.Errorf("unknown run mode %q (want daily, current or incremental)", raw)
	}
}

// Format: формат разметки сообщения канала.
type Format string

const (
	FormatText     Format = "text"
	FormatMarkdown Format = "markdown"
	FormatHTML     Format = "html"
)

// ChannelConfig описывает канал уведомлений.
type ChannelConfig struct {
	Name      string `yaml:"name" json:"name"`
	Type      string `yaml:"type" json:"type"` // telegram, feishu, dingtalk, wework, slack, webhook, kafka
	Format    Format `yaml:"format" json:"format"`
	ByteLimit int    `yaml:"byte_limit" json:"byte_limit"`
	Endpoint  string `yaml:"endpoint" json:"endpoint"`
	Multipart *bool  `yaml:"multipart,omitempty" json:"multipart,omitempty"`
}

// SupportsMultipart сообщает, нумеруются ли части сообщения. По умолчанию да.
func (c ChannelConfig) SupportsMultipart() bool {
	return c.Multipart == nil || *c.Multipart
}

// MinByteLimit: минимально допустимый лимит канала.
const MinByteLimit = 256

// Типы каналов.
const (
	ChannelTelegram = "telegram"
	ChannelFeishu   = "feishu"
	ChannelDingTalk = "dingtalk"
	ChannelWeWork   = "wework"
	ChannelSlack    = "slack"
	ChannelWebhook  = "webhook"
	ChannelKafka    = "kafka"
)

var defaultByteLimits = map[string]int{
	ChannelTelegram: 4000,
	ChannelFeishu:   29000,
	ChannelDingTalk: 20000,
	ChannelWeWork:   4000,
	ChannelSlack:    4000,
	ChannelWebhook:  4000,
	ChannelKafka:    1000000,
}

var defaultFormats = map[string]Format{
	ChannelTelegram: FormatHTML,
	ChannelFeishu:   FormatText,
	ChannelDingTalk: FormatMarkdown,
	ChannelWeWork:   FormatMarkdown,
	ChannelSlack:    FormatText,
	ChannelWebhook:  FormatText,
	ChannelKafka:    FormatMarkdown,
}

// KnownChannelType сообщает, поддерживается ли тип канала.
func KnownChannelType(t string) bool {
	_, ok := defaultByteLimits[t]
	return ok
}

// Limit возвращает лимит канала в байтах; 0 в конфиге означает значение по умолчанию для типа.
func (c ChannelConfig) Limit() int {
	if c.ByteLimit > 0 {
		return c.ByteLimit
	}
	if l, ok := defaultByteLimits[c.Type]; ok {
		return l
	}
	return 4000
}

// EffectiveFormat возвращает формат канала с учётом значения по умолчанию для типа.
func (c ChannelConfig) EffectiveFormat() Format {
	if c.Format != "" {
		return c.Format
	}
	if f, ok := defaultFormats[c.Type]; ok {
		return f
	}
	return FormatText
}

// GroupReport: совпадения одной группы после ранжирования.
type GroupReport struct {
	Group   KeywordGroup  `json:"group"`
	Matches []MatchResult `json:"matches"`
	Brief   string        `json:"brief,omitempty"`
}

// Report: всё, что уходит в рассылку за один запуск.
type Report struct {
	RunID       string        `json:"run_id"`
	Mode        RunMode       `json:"mode"`
	GeneratedAt time.Time     `json:"generated_at"`
	Groups      []GroupReport `json:"groups"`
}

// Empty сообщает, что в отчёте нет ни одного совпадения.
func (r Report) Empty() bool {
	for _, g := range r.Groups {
		if len(g.Matches) > 0 {
			return false
		}
	}
	return true
}

// Chunk: одна часть сообщения, ограниченная по размеру.
type Chunk struct {
	Index   int    `json:"index"` // с нуля
	Total   int    `json:"total"`
	Payload []byte `json:"payload"`
}

// NotificationBatch: упорядоченные части для одного канала.
type NotificationBatch struct {
	Channel ChannelConfig `json:"channel"`
	Chunks  []Chunk       `json:"chunks"`
}

// ChunkFailure описывает часть, которую не удалось доставить.
type ChunkFailure struct {
	Index    int    `json:"index"`
	Attempts int    `json:"attempts"`
	Error    string `json:"error"`
}

// DeliveryResult: итог доставки в один канал.
type DeliveryResult struct {
	Channel     string         `json:"channel"`
	ChunksTotal int            `json:"chunks_total"`
	ChunksSent  int            `json:"chunks_sent"`
	Failures    []ChunkFailure `json:"failures,omitempty"`
	Warnings    []string       `json:"warnings,omitempty"`
}

// Delivered сообщает, что все части канала доставлены.
func (d DeliveryResult) Delivered() bool {
	return len(d.Failures) == 0 && d.ChunksSent == d.ChunksTotal
}
