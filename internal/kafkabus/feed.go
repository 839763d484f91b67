// Package kafkabus связывает пайплайн с Kafka: чтение фида из топика
// и публикация частей отчёта как канал уведомлений.
package kafkabus

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/maine/trend_radar/internal/sources"
)

// MessageReader: часть kafka.Reader, нужная для чтения фида.
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// ReaderConfig: параметры консьюмера фида.
type ReaderConfig struct {
	Brokers     []string
	Topic       string
	GroupID     string
	MaxMessages int
	IdleTimeout time.Duration
}

// FeedReader собирает фид из сообщений топика: одно сообщение на пачку платформы.
// Оффсеты коммитятся только через Ack, после того как запуск зафиксирован.
type FeedReader struct {
	reader      MessageReader
	maxMessages int
	idle        time.Duration
	clock       func() time.Time
	log         *slog.Logger

	pending []kafka.Message
}

var (
	_ sources.Collector = (*FeedReader)(nil)
	_ sources.Acker     = (*FeedReader)(nil)
)

// NewFeedReader создаёт читателя поверх kafka.Reader с ручным коммитом.
func NewFeedReader(cfg ReaderConfig, log *slog.Logger) *FeedReader {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        cfg.Brokers,
		Topic:          cfg.Topic,
		GroupID:        cfg.GroupID,
		MinBytes:       1e3,
		MaxBytes:       10e6,
		CommitInterval: 0, // только ручной коммит
	})
	return NewFeedReaderFrom(reader, cfg.MaxMessages, cfg.IdleTimeout, log)
}

// NewFeedReaderFrom оборачивает готового читателя.
func NewFeedReaderFrom(reader MessageReader, maxMessages int, idle time.Duration, log *slog.Logger) *FeedReader {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if maxMessages <= 0 {
		maxMessages = 500
	}
	if idle <= 0 {
		idle = 5 * time.Second
	}
	return &FeedReader{reader: reader, maxMessages: maxMessages, idle: idle, clock: time.Now, log: log}
}

// Collect читает сообщения, пока не наберётся maxMessages или топик не замолчит на idle.
// Неразборчивые сообщения пропускаются, но тоже будут подтверждены.
func (r *FeedReader) Collect(ctx context.Context) (sources.Feed, error) {
	var batches []sources.Batch
	r.pending = r.pending[:0]

	for len(r.pending) < r.maxMessages {
		fetchCtx, cancel := context.WithTimeout(ctx, r.idle)
		msg, err := r.reader.FetchMessage(fetchCtx)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return sources.Feed{}, ctx.Err()
			}
			if errors.Is(err, context.DeadlineExceeded) {
				break
			}
			return sources.Feed{}, fmt.Errorf("fetch feed message: %w", err)
		}
		r.pending = append(r.pending, msg)

		decoded, err := sources.DecodeBatches(msg.Value)
		if err != nil {
			r.log.Warn("feed message skipped",
				slog.Any("err", err),
				slog.Int("partition", msg.Partition),
				slog.Int64("offset", msg.Offset),
			)
			continue
		}
		batches = append(batches, decoded...)
	}

	r.log.Info("feed consumed", "messages", len(r.pending), "batches", len(batches))
	return sources.BuildFeed(batches, r.clock(), r.log), nil
}

// Ack коммитит оффсеты сообщений последнего Collect.
func (r *FeedReader) Ack(ctx context.Context) error {
	if len(r.pending) == 0 {
		return nil
	}
	if err := r.reader.CommitMessages(ctx, r.pending...); err != nil {
		return fmt.Errorf("commit feed offsets: %w", err)
	}
	r.pending = r.pending[:0]
	return nil
}

// Close закрывает консьюмер.
func (r *FeedReader) Close() error {
	return r.reader.Close()
}
