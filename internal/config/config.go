package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/maine/trend_radar/internal/news"
	"github.com/maine/trend_radar/internal/notify"
	"github.com/maine/trend_radar/internal/ranking"
)

// DefaultGeminiModel используется, если модель в конфиге не указана.
const DefaultGeminiModel = "models/gemini-2.5-flash"

// Политики фиксации запуска.
const (
	CommitAny = "any" // хотя бы один канал доставлен полностью
	CommitAll = "all" // все каналы доставлены полностью
)

// Виды хранилища снимков.
const (
	StorageFile          = "file"
	StorageSQLite        = "sqlite"
	StorageMySQL         = "mysql"
	StorageElasticsearch = "elasticsearch"
)

// Источники фида.
const (
	FeedFile  = "file"
	FeedKafka = "kafka"
)

type (
	// Root объединяет все конфигурационные блоки.
	Root struct {
		Pipeline Pipeline `yaml:"pipeline"`
		Feed     Feed     `yaml:"feed"`
		Storage  Storage  `yaml:"storage"`
		Notify   Notify   `yaml:"notify"`
		Gemini   Gemini   `yaml:"gemini"`
		Log      Log      `yaml:"log"`
	}

	// Pipeline описывает параметры одного запуска.
	Pipeline struct {
		Mode            string          `yaml:"mode"`
		RulesPath       string          `yaml:"rules_path"`
		Weights         ranking.Weights `yaml:"weights"`
		LookbackRuns    int             `yaml:"lookback_runs"`
		FrequencyWindow int             `yaml:"frequency_window"`
		RetentionRuns   int             `yaml:"retention_runs"` // 0: хранить всё
		CommitPolicy    string          `yaml:"commit_policy"`
		RunTimeout      time.Duration   `yaml:"run_timeout"`
	}

	// Feed: откуда брать рейтинги платформ.
	Feed struct {
		Kind  string    `yaml:"kind"`
		Path  string    `yaml:"path"`
		Kafka KafkaFeed `yaml:"kafka"`
	}

	// KafkaFeed: консьюмер фида.
	KafkaFeed struct {
		Brokers     []string      `yaml:"brokers"`
		Topic       string        `yaml:"topic"`
		GroupID     string        `yaml:"group_id"`
		MaxMessages int           `yaml:"max_messages"`
		IdleTimeout time.Duration `yaml:"idle_timeout"`
	}

	// Storage: хранилище снимков и блокировки платформ.
	Storage struct {
		Kind           string        `yaml:"kind"`
		Dir            string        `yaml:"dir"`   // для file
		DSN            string        `yaml:"dsn"`   // для sqlite и mysql
		URL            string        `yaml:"url"`   // для elasticsearch
		Index          string        `yaml:"index"` // для elasticsearch
		LockDir        string        `yaml:"lock_dir"`
		LockStaleAfter time.Duration `yaml:"lock_stale_after"`
	}

	// Notify: каналы и параметры доставки.
	Notify struct {
		Concurrency   int                  `yaml:"concurrency"`
		Retry         notify.RetryPolicy   `yaml:"retry"`
		KafkaBrokers  []string             `yaml:"kafka_brokers"`
		HTTPTimeout   time.Duration        `yaml:"http_timeout"`
		Channels      []news.ChannelConfig `yaml:"channels"`
		TelegramToken string               `yaml:"-"`
	}

	// Gemini: необязательные сводки по группам.
	Gemini struct {
		Enabled   bool          `yaml:"enabled"`
		Model     string        `yaml:"model"`
		MaxTitles int           `yaml:"max_titles"`
		Timeout   time.Duration `yaml:"timeout"`
		APIKey    string        `yaml:"-"`
	}

	// Log: уровень и формат логов.
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	}
)

// Default возвращает конфигурацию со значениями по умолчанию.
func Default() Root {
	return Root{
		Pipeline: Pipeline{
			Mode:            string(news.ModeDaily),
			RulesPath:       "configs/frequency_words.txt",
			Weights:         ranking.DefaultWeights(),
			LookbackRuns:    1,
			FrequencyWindow: 10,
			CommitPolicy:    CommitAny,
			RunTimeout:      5 * time.Minute,
		},
		Feed: Feed{
			Kind: FeedFile,
			Path: "data/feed.json",
			Kafka: KafkaFeed{
				GroupID:     "trendradar",
				MaxMessages: 500,
				IdleTimeout: 5 * time.Second,
			},
		},
		Storage: Storage{
			Kind:           StorageFile,
			Dir:            "data/snapshots",
			Index:          "trendradar-snapshots",
			LockStaleAfter: 10 * time.Minute,
		},
		Notify: Notify{
			Concurrency: 4,
			Retry:       notify.DefaultRetryPolicy(),
			HTTPTimeout: 15 * time.Second,
		},
		Gemini: Gemini{
			Model:     DefaultGeminiModel,
			MaxTitles: 5,
			Timeout:   time.Minute,
		},
		Log: Log{Level: "info", Format: "text"},
	}
}

// LoadRoot читает основной файл конфигурации поверх значений по умолчанию.
func LoadRoot(path string) (Root, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Root{}, fmt.Errorf("read config: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Root{}, fmt.Errorf("unmarshal config: %w", err)
	}
	return cfg, nil
}

// Load читает файл, применяет .env, переменные окружения и режим из флага (если задан)
// и проверяет результат.
func Load(path, mode string) (Root, error) {
	cfg, err := LoadRoot(path)
	if err != nil {
		return Root{}, err
	}
	LoadDotEnv()
	ApplyEnv(&cfg, os.LookupEnv)
	if mode != "" {
		cfg.Pipeline.Mode = mode
	}
	if err := cfg.Validate(); err != nil {
		return Root{}, err
	}
	return cfg, nil
}

// ValidationError перечисляет все найденные проблемы конфигурации.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "invalid config: " + strings.Join(e.Problems, "; ")
}

// Validate проверяет конфигурацию до любых побочных эффектов.
func (r Root) Validate() error {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if _, err := news.ParseRunMode(r.Pipeline.Mode); err != nil {
		add("pipeline.mode: %v", err)
	}
	if strings.TrimSpace(r.Pipeline.RulesPath) == "" {
		add("pipeline.rules_path is required")
	}
	if err := r.Pipeline.Weights.Validate(); err != nil {
		add("pipeline.weights: %v", err)
	}
	if r.Pipeline.LookbackRuns < 1 {
		add("pipeline.lookback_runs must be >= 1")
	}
	if r.Pipeline.FrequencyWindow < 1 {
		add("pipeline.frequency_window must be >= 1")
	}
	if r.Pipeline.RetentionRuns < 0 {
		add("pipeline.retention_runs must not be negative")
	}
	if r.Pipeline.RetentionRuns > 0 && r.Pipeline.RetentionRuns < max(r.Pipeline.LookbackRuns, r.Pipeline.FrequencyWindow) {
		add("pipeline.retention_runs must cover lookback_runs and frequency_window")
	}
	switch r.Pipeline.CommitPolicy {
	case CommitAny, CommitAll:
	default:
		add("pipeline.commit_policy must be %q or %q", CommitAny, CommitAll)
	}

	switch r.Feed.Kind {
	case FeedFile:
		if r.Feed.Path == "" {
			add("feed.path is required for file feed")
		}
	case FeedKafka:
		if len(r.Feed.Kafka.Brokers) == 0 || r.Feed.Kafka.Topic == "" {
			add("feed.kafka.brokers and feed.kafka.topic are required for kafka feed")
		}
	default:
		add("feed.kind %q is not supported", r.Feed.Kind)
	}

	if err := r.Storage.Validate(); err != nil {
		add("%v", err)
	}

	if r.Notify.Concurrency < 1 {
		add("notify.concurrency must be >= 1")
	}
	if r.Notify.Retry.MaxAttempts < 1 {
		add("notify.retry.max_attempts must be >= 1")
	}
	if r.Notify.Retry.BaseBackoff < 0 || r.Notify.Retry.MaxBackoff < r.Notify.Retry.BaseBackoff {
		add("notify.retry backoff must satisfy 0 <= base_backoff <= max_backoff")
	}
	names := make(map[string]bool, len(r.Notify.Channels))
	for i, ch := range r.Notify.Channels {
		if err := validateChannel(ch); err != nil {
			add("notify.channels[%d]: %v", i, err)
		}
		if names[ch.Name] {
			add("notify.channels[%d]: duplicate name %q", i, ch.Name)
		}
		names[ch.Name] = true
		if ch.Type == news.ChannelTelegram && r.Notify.TelegramToken == "" {
			add("notify.channels[%d]: telegram channel requires TELEGRAM_BOT_TOKEN", i)
		}
		if ch.Type == news.ChannelKafka && len(r.Notify.KafkaBrokers) == 0 {
			add("notify.channels[%d]: kafka channel requires notify.kafka_brokers", i)
		}
	}

	if r.Gemini.Enabled && r.Gemini.APIKey == "" {
		add("gemini.enabled requires GEMINI_API_KEY")
	}

	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}

// Validate проверяет только блок хранилища; нужен командам, которым не нужны каналы.
func (s Storage) Validate() error {
	switch s.Kind {
	case StorageFile:
		if s.Dir == "" {
			return errors.New("storage.dir is required for file storage")
		}
	case StorageSQLite, StorageMySQL:
		if s.DSN == "" {
			return fmt.Errorf("storage.dsn is required for %s storage", s.Kind)
		}
	case StorageElasticsearch:
		if s.URL == "" || s.Index == "" {
			return errors.New("storage.url and storage.index are required for elasticsearch storage")
		}
	default:
		return fmt.Errorf("storage.kind %q is not supported", s.Kind)
	}
	return nil
}

// ErrInvalidChannel: базовая ошибка описания канала.
var ErrInvalidChannel = errors.New("invalid channel")

func validateChannel(ch news.ChannelConfig) error {
	if strings.TrimSpace(ch.Name) == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidChannel)
	}
	if !news.KnownChannelType(ch.Type) {
		return fmt.Errorf("%w: unknown type %q", ErrInvalidChannel, ch.Type)
	}
	switch ch.Format {
	case "", news.FormatText, news.FormatMarkdown, news.FormatHTML:
	default:
		return fmt.Errorf("%w: unknown format %q", ErrInvalidChannel, ch.Format)
	}
	if ch.ByteLimit != 0 && ch.ByteLimit < news.MinByteLimit {
		return fmt.Errorf("%w: byte_limit must be >= %d", ErrInvalidChannel, news.MinByteLimit)
	}
	if strings.TrimSpace(ch.Endpoint) == "" {
		return fmt.Errorf("%w: endpoint is required", ErrInvalidChannel)
	}
	return nil
}
