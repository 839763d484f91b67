package kafkabus

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/maine/trend_radar/internal/news"
	"github.com/maine/trend_radar/internal/notify"
)

// MessageWriter: часть kafka.Writer, нужная для публикации.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Sender публикует части отчёта в топик; Endpoint канала: имя топика.
// Ключ сообщения: имя канала, так что части одного канала попадают в одну партицию по порядку.
type Sender struct {
	newWriter func(topic string) MessageWriter

	mu      sync.Mutex
	writers map[string]MessageWriter
}

var _ notify.Sender = (*Sender)(nil)

// NewSender создаёт отправителя для брокеров brokers.
func NewSender(brokers []string) *Sender {
	return NewSenderWith(func(topic string) MessageWriter {
		return &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
			MaxAttempts:  1, // повторами управляет диспетчер
			WriteTimeout: 10 * time.Second,
		}
	})
}

// NewSenderWith создаёт отправителя с собственной фабрикой писателей.
func NewSenderWith(newWriter func(topic string) MessageWriter) *Sender {
	return &Sender{newWriter: newWriter, writers: make(map[string]MessageWriter)}
}

// Send реализует notify.Sender.
func (s *Sender) Send(ctx context.Context, ch news.ChannelConfig, chunk news.Chunk) error {
	topic := strings.TrimSpace(ch.Endpoint)
	if topic == "" {
		return notify.Permanent(fmt.Errorf("channel %s: kafka topic is empty", ch.Name))
	}

	msg := kafka.Message{
		Key:   []byte(ch.Name),
		Value: chunk.Payload,
		Headers: []kafka.Header{
			{Key: "channel", Value: []byte(ch.Name)},
			{Key: "format", Value: []byte(ch.EffectiveFormat())},
			{Key: "part", Value: []byte(strconv.Itoa(chunk.Index + 1))},
			{Key: "parts", Value: []byte(strconv.Itoa(chunk.Total))},
		},
	}
	if err := s.writer(topic).WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("publish to %s: %w", topic, err)
	}
	return nil
}

func (s *Sender) writer(topic string) MessageWriter {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.writers[topic]
	if !ok {
		w = s.newWriter(topic)
		s.writers[topic] = w
	}
	return w
}

// Close закрывает все писатели.
func (s *Sender) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var firstErr error
	for topic, w := range s.writers {
		if err := w.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(s.writers, topic)
	}
	return firstErr
}
