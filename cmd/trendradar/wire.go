package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"

	_ "github.com/go-sql-driver/mysql"
	_ "modernc.org/sqlite"

	"github.com/maine/trend_radar/internal/app"
	"github.com/maine/trend_radar/internal/config"
	"github.com/maine/trend_radar/internal/filter"
	"github.com/maine/trend_radar/internal/formatter"
	"github.com/maine/trend_radar/internal/gemini"
	"github.com/maine/trend_radar/internal/kafkabus"
	"github.com/maine/trend_radar/internal/news"
	"github.com/maine/trend_radar/internal/notify"
	"github.com/maine/trend_radar/internal/sources"
	"github.com/maine/trend_radar/internal/state"
	"github.com/maine/trend_radar/internal/telegram"
	"github.com/maine/trend_radar/internal/tracker"
	"github.com/maine/trend_radar/internal/webhook"
)

// runEnv: собранный пайплайн и то, что нужно закрыть после запуска.
type runEnv struct {
	pipeline *app.Pipeline
	closers  []func() error
	log      *slog.Logger
}

// Close закрывает ресурсы в обратном порядке.
func (e *runEnv) Close() {
	for i := len(e.closers) - 1; i >= 0; i-- {
		if err := e.closers[i](); err != nil {
			e.log.Warn("close resource", "error", err)
		}
	}
}

// build собирает зависимости пайплайна по конфигурации.
func build(ctx context.Context, cfg config.Root, groups []news.KeywordGroup, log *slog.Logger) (*runEnv, error) {
	env := &runEnv{log: log}

	store, closeStore, err := openStore(ctx, cfg.Storage)
	if err != nil {
		return nil, err
	}
	env.closers = append(env.closers, closeStore)

	var locker state.Locker
	if cfg.Storage.LockDir != "" {
		locker = state.NewFileLocker(cfg.Storage.LockDir, cfg.Storage.LockStaleAfter)
	}
	trk := tracker.New(store, locker, tracker.Config{
		LookbackRuns:    cfg.Pipeline.LookbackRuns,
		FrequencyWindow: cfg.Pipeline.FrequencyWindow,
		RetentionRuns:   cfg.Pipeline.RetentionRuns,
	}, log.With("component", "tracker"))
	if cfg.Storage.LockDir != "" {
		trk.UseClaims(state.NewFileClaims(cfg.Storage.LockDir, cfg.Storage.LockStaleAfter))
	}

	var feed app.FeedSource
	switch cfg.Feed.Kind {
	case config.FeedKafka:
		reader := kafkabus.NewFeedReader(kafkabus.ReaderConfig{
			Brokers:     cfg.Feed.Kafka.Brokers,
			Topic:       cfg.Feed.Kafka.Topic,
			GroupID:     cfg.Feed.Kafka.GroupID,
			MaxMessages: cfg.Feed.Kafka.MaxMessages,
			IdleTimeout: cfg.Feed.Kafka.IdleTimeout,
		}, log.With("component", "feed"))
		env.closers = append(env.closers, reader.Close)
		feed = reader
	default:
		feed = sources.NewFileCollector(cfg.Feed.Path, nil, log.With("component", "feed"))
	}

	senders := map[string]notify.Sender{}
	httpClient := &http.Client{Timeout: cfg.Notify.HTTPTimeout}
	hook := webhook.NewSender(httpClient)
	for _, t := range []string{news.ChannelFeishu, news.ChannelDingTalk, news.ChannelWeWork, news.ChannelSlack, news.ChannelWebhook} {
		senders[t] = hook
	}
	if cfg.Notify.TelegramToken != "" {
		senders[news.ChannelTelegram] = telegram.NewSender(telegram.NewClient(cfg.Notify.TelegramToken))
	}
	if len(cfg.Notify.KafkaBrokers) > 0 {
		bus := kafkabus.NewSender(cfg.Notify.KafkaBrokers)
		env.closers = append(env.closers, bus.Close)
		senders[news.ChannelKafka] = bus
	}
	dispatcher := notify.NewDispatcher(formatter.NewFormatter(), senders, notify.Config{
		Concurrency: cfg.Notify.Concurrency,
		Retry:       cfg.Notify.Retry,
	}, log.With("component", "notify"))

	deps := app.PipelineDeps{
		Feed:            feed,
		Groups:          groups,
		Filter:          filter.New(log.With("component", "filter")),
		Tracker:         trk,
		Dispatcher:      dispatcher,
		Channels:        cfg.Notify.Channels,
		Weights:         cfg.Pipeline.Weights,
		FrequencyWindow: cfg.Pipeline.FrequencyWindow,
		CommitPolicy:    cfg.Pipeline.CommitPolicy,
		RunTimeout:      cfg.Pipeline.RunTimeout,
		BriefTimeout:    cfg.Gemini.Timeout,
		Logger:          log,
	}

	if cfg.Gemini.Enabled {
		client, err := gemini.NewClient(ctx, cfg.Gemini.APIKey, log.With("component", "gemini"))
		if err != nil {
			env.Close()
			return nil, fmt.Errorf("create gemini client: %w", err)
		}
		deps.Briefer = gemini.NewBriefer(client, cfg.Gemini, log.With("component", "briefer"))
	}

	env.pipeline = app.NewPipeline(deps)
	return env, nil
}

// openStore открывает хранилище снимков нужного вида.
func openStore(ctx context.Context, cfg config.Storage) (state.Store, func() error, error) {
	noop := func() error { return nil }

	switch cfg.Kind {
	case config.StorageSQLite, config.StorageMySQL:
		store, err := state.OpenSQL(ctx, cfg.Kind, cfg.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("open snapshot store: %w", err)
		}
		return store, store.Close, nil
	case config.StorageElasticsearch:
		store, err := state.OpenElastic(ctx, cfg.URL, cfg.Index)
		if err != nil {
			return nil, nil, fmt.Errorf("open snapshot store: %w", err)
		}
		return store, noop, nil
	case config.StorageFile:
		return state.NewFileStore(filepath.Clean(cfg.Dir)), noop, nil
	default:
		return nil, nil, fmt.Errorf("storage kind %q is not supported", cfg.Kind)
	}
}
