// Package notify доставляет отчёт во все каналы: по задаче на канал,
// части канала уходят по порядку с повторами и экспоненциальной задержкой.
package notify

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/maine/trend_radar/internal/formatter"
	"github.com/maine/trend_radar/internal/news"
)

// Sender: транспорт одного типа каналов.
type Sender interface {
	Send(ctx context.Context, ch news.ChannelConfig, chunk news.Chunk) error
}

// SenderFunc позволяет использовать функцию как Sender.
type SenderFunc func(ctx context.Context, ch news.ChannelConfig, chunk news.Chunk) error

func (f SenderFunc) Send(ctx context.Context, ch news.ChannelConfig, chunk news.Chunk) error {
	return f(ctx, ch, chunk)
}

// RetryPolicy: повторы одной части.
type RetryPolicy struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseBackoff time.Duration `yaml:"base_backoff"`
	MaxBackoff  time.Duration `yaml:"max_backoff"`
}

// DefaultRetryPolicy: 3 попытки, 2с, не больше 10с.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, BaseBackoff: 2 * time.Second, MaxBackoff: 10 * time.Second}
}

// Backoff возвращает паузу перед попыткой attempt+1: base * 2^(attempt-1), не больше MaxBackoff.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 1 || p.BaseBackoff <= 0 {
		return 0
	}
	d := p.BaseBackoff
	for i := 1; i < attempt; i++ {
		d *= 2
		if p.MaxBackoff > 0 && d >= p.MaxBackoff {
			return p.MaxBackoff
		}
	}
	if p.MaxBackoff > 0 && d > p.MaxBackoff {
		return p.MaxBackoff
	}
	return d
}

// Config: параметры диспетчера.
type Config struct {
	Concurrency int
	Retry       RetryPolicy
}

// Dispatcher рендерит отчёт под каждый канал и доставляет части.
type Dispatcher struct {
	formatter *formatter.Formatter
	senders   map[string]Sender
	cfg       Config
	log       *slog.Logger
	sleep     func(ctx context.Context, d time.Duration) error
}

// NewDispatcher создаёт диспетчер. senders: транспорт по типу канала.
func NewDispatcher(f *formatter.Formatter, senders map[string]Sender, cfg Config, log *slog.Logger) *Dispatcher {
	if f == nil {
		f = formatter.NewFormatter()
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if cfg.Retry.MaxAttempts < 1 {
		cfg.Retry.MaxAttempts = 1
	}
	return &Dispatcher{
		formatter: f,
		senders:   senders,
		cfg:       cfg,
		log:       log,
		sleep:     sleepContext,
	}
}

// Dispatch доставляет отчёт во все каналы и возвращает результаты в порядке channels.
// Сбой одного канала или части не останавливает остальные. При отмене контекста
// недоставленные части помечаются как неудачные; отправленные не отзываются.
func (d *Dispatcher) Dispatch(ctx context.Context, report news.Report, channels []news.ChannelConfig) []news.DeliveryResult {
	results := make([]news.DeliveryResult, len(channels))

	semaphore := make(chan struct{}, d.cfg.Concurrency)
	var wg sync.WaitGroup

	for i, ch := range channels {
		wg.Add(1)
		go func(i int, ch news.ChannelConfig) {
			defer wg.Done()

			select {
			case semaphore <- struct{}{}:
				defer func() { <-semaphore }()
			case <-ctx.Done():
			}
			results[i] = d.deliverChannel(ctx, report, ch)
		}(i, ch)
	}
	wg.Wait()

	return results
}

func (d *Dispatcher) deliverChannel(ctx context.Context, report news.Report, ch news.ChannelConfig) news.DeliveryResult {
	batch, oversize, err := d.formatter.Build(report, ch)
	if err != nil {
		d.log.Error("channel skipped", "channel", ch.Name, "error", err)
		return news.DeliveryResult{
			Channel:  ch.Name,
			Failures: []news.ChunkFailure{{Error: err.Error()}},
		}
	}
	result := news.DeliveryResult{
		Channel:     ch.Name,
		ChunksTotal: len(batch.Chunks),
	}
	for _, w := range oversize {
		d.log.Warn("item truncated to fit channel limit", "channel", ch.Name, "item", w.Item, "size", w.Size, "limit", w.Limit)
		result.Warnings = append(result.Warnings, w.Error())
	}
	if len(batch.Chunks) == 0 {
		return result
	}

	sender, ok := d.senders[ch.Type]
	if !ok {
		err := fmt.Errorf("%w %q", ErrNoSender, ch.Type)
		for _, chunk := range batch.Chunks {
			result.Failures = append(result.Failures, news.ChunkFailure{Index: chunk.Index, Error: err.Error()})
		}
		d.log.Error("channel skipped", "channel", ch.Name, "error", err)
		return result
	}

	for _, chunk := range batch.Chunks {
		if err := ctx.Err(); err != nil {
			result.Failures = append(result.Failures, news.ChunkFailure{Index: chunk.Index, Error: err.Error()})
			continue
		}
		if err := d.sendWithRetry(ctx, sender, ch, chunk); err != nil {
			var de *ChannelDeliveryError
			attempts := 0
			if errors.As(err, &de) {
				attempts = de.Attempts
			}
			d.log.Warn("chunk delivery failed", "channel", ch.Name, "chunk", chunk.Index+1, "total", chunk.Total, "error", err)
			result.Failures = append(result.Failures, news.ChunkFailure{Index: chunk.Index, Attempts: attempts, Error: err.Error()})
			continue
		}
		result.ChunksSent++
	}

	d.log.Info("channel delivered",
		"channel", ch.Name,
		"type", ch.Type,
		"sent", result.ChunksSent,
		"total", result.ChunksTotal,
	)
	return result
}

// sendWithRetry отправляет часть с повторами. Неповторяемые ошибки прерывают цикл сразу.
func (d *Dispatcher) sendWithRetry(ctx context.Context, sender Sender, ch news.ChannelConfig, chunk news.Chunk) error {
	var lastErr error
	attempts := 0

	for attempt := 1; attempt <= d.cfg.Retry.MaxAttempts; attempt++ {
		if attempt > 1 {
			if err := d.sleep(ctx, d.cfg.Retry.Backoff(attempt-1)); err != nil {
				lastErr = err
				break
			}
		}

		attempts = attempt
		err := sender.Send(ctx, ch, chunk)
		if err == nil {
			return nil
		}
		lastErr = err

		if IsPermanent(err) || ctx.Err() != nil {
			break
		}
		d.log.Debug("chunk send retry", "channel", ch.Name, "chunk", chunk.Index+1, "attempt", attempt, "error", err)
	}

	return &ChannelDeliveryError{Channel: ch.Name, Chunk: chunk.Index, Attempts: attempts, Err: lastErr}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
