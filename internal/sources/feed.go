package sources

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/maine/trend_radar/internal/news"
)

// ItemPayload: позиция рейтинга в том виде, в каком её отдаёт сборщик.
type ItemPayload struct {
	ID        string  `json:"id"`
	Title     string  `json:"title"`
	URL       string  `json:"url"`
	MobileURL string  `json:"mobile_url"`
	Rank      int     `json:"rank"`
	Hotness   float64 `json:"hotness"`
}

// Batch: один цикл выборки одной платформы.
type Batch struct {
	PlatformID   string        `json:"platform_id"`
	PlatformName string        `json:"platform_name"`
	FetchedAt    string        `json:"fetched_at"`
	Items        []ItemPayload `json:"items"`
}

// Feed: нормализованный вход запуска.
type Feed struct {
	Items []news.NewsItem
	// Platforms: все платформы фида, по алфавиту.
	Platforms []string
	// LatestFetch: время последнего цикла выборки каждой платформы.
	LatestFetch map[string]time.Time
	// Skipped: число отброшенных позиций без id и заголовка.
	Skipped int
}

// Collector поставляет фид для запуска.
type Collector interface {
	Collect(ctx context.Context) (Feed, error)
}

// Acker подтверждает, что фид обработан и его не нужно отдавать повторно.
type Acker interface {
	Ack(ctx context.Context) error
}

// BuildFeed превращает пачки в фид: пропускает пустые позиции, а при повторе
// (платформа, id) оставляет самое позднее появление.
func BuildFeed(batches []Batch, now time.Time, log *slog.Logger) Feed {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	feed := Feed{LatestFetch: make(map[string]time.Time)}
	index := make(map[string]int)

	for _, b := range batches {
		platform := strings.TrimSpace(b.PlatformID)
		if platform == "" {
			log.Warn("feed batch without platform_id skipped", "items", len(b.Items))
			feed.Skipped += len(b.Items)
			continue
		}
		fetched := parseTime(b.FetchedAt, now).UTC()
		if prev, ok := feed.LatestFetch[platform]; !ok || fetched.After(prev) {
			feed.LatestFetch[platform] = fetched
		}

		for _, p := range b.Items {
			title := strings.TrimSpace(p.Title)
			if title == "" {
				feed.Skipped++
				continue
			}
			id := strings.TrimSpace(p.ID)
			if id == "" {
				id = buildItemID(p.URL, title)
			}

			item := news.NewsItem{
				PlatformID:   platform,
				PlatformName: b.PlatformName,
				ItemID:       id,
				Title:        title,
				URL:          strings.TrimSpace(p.URL),
				MobileURL:    strings.TrimSpace(p.MobileURL),
				RankPosition: p.Rank,
				Hotness:      p.Hotness,
				FetchedAt:    fetched,
			}

			key := item.Key()
			if i, ok := index[key]; ok {
				if !item.FetchedAt.Before(feed.Items[i].FetchedAt) {
					feed.Items[i] = item
				}
				continue
			}
			index[key] = len(feed.Items)
			feed.Items = append(feed.Items, item)
		}
	}

	for p := range feed.LatestFetch {
		feed.Platforms = append(feed.Platforms, p)
	}
	sort.Strings(feed.Platforms)

	if feed.Skipped > 0 {
		log.Warn("feed items skipped", "count", feed.Skipped)
	}
	return feed
}

// DecodeBatches разбирает JSON: массив пачек или одну пачку.
func DecodeBatches(data []byte) ([]Batch, error) {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "" {
		return nil, nil
	}
	if strings.HasPrefix(trimmed, "{") {
		var b Batch
		if err := json.Unmarshal([]byte(trimmed), &b); err != nil {
			return nil, fmt.Errorf("decode feed batch: %w", err)
		}
		return []Batch{b}, nil
	}
	var batches []Batch
	if err := json.Unmarshal([]byte(trimmed), &batches); err != nil {
		return nil, fmt.Errorf("decode feed batches: %w", err)
	}
	return batches, nil
}

// FileCollector читает фид из JSON-файла.
type FileCollector struct {
	path  string
	clock func() time.Time
	log   *slog.Logger
}

var _ Collector = (*FileCollector)(nil)

// NewFileCollector создаёт новый экземпляр.
func NewFileCollector(path string, clock func() time.Time, log *slog.Logger) *FileCollector {
	if clock == nil {
		clock = time.Now
	}
	return &FileCollector{path: path, clock: clock, log: log}
}

// Collect реализует Collector.
func (c *FileCollector) Collect(ctx context.Context) (Feed, error) {
	if err := ctx.Err(); err != nil {
		return Feed{}, err
	}
	data, err := os.ReadFile(c.path)
	if err != nil {
		return Feed{}, fmt.Errorf("read feed file: %w", err)
	}
	batches, err := DecodeBatches(data)
	if err != nil {
		return Feed{}, fmt.Errorf("%s: %w", c.path, err)
	}
	return BuildFeed(batches, c.clock(), c.log), nil
}

func buildItemID(url, title string) string {
	key := strings.TrimSpace(url)
	if key == "" {
		key = title
	}
	h := sha1.Sum([]byte(key))
	return hex.EncodeToString(h[:8])
}

func parseTime(value string, fallback time.Time) time.Time {
	value = strings.TrimSpace(value)
	if value == "" {
		return fallback
	}

	formats := []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02 15:04:05",
		"2006-01-02 15:04",
		time.RFC1123Z,
		time.RFC1123,
	}

	for _, f := range formats {
		if t, err := time.Parse(f, value); err == nil {
			return t
		}
	}

	return fallback
}
