// Package app связывает этапы одного запуска: фид, фильтр, трекер, ранжирование,
// сводки, рассылка и фиксация снимков.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/maine/trend_radar/internal/config"
	"github.com/maine/trend_radar/internal/filter"
	"github.com/maine/trend_radar/internal/news"
	"github.com/maine/trend_radar/internal/notify"
	"github.com/maine/trend_radar/internal/ranking"
	"github.com/maine/trend_radar/internal/sources"
	"github.com/maine/trend_radar/internal/state"
	"github.com/maine/trend_radar/internal/tracker"
)

// ErrNotConfigured возвращается, когда пайплайн запущен без обязательных зависимостей.
var ErrNotConfigured = errors.New("pipeline dependencies not configured")

// Clock определяет источник времени (удобно подменять в тестах).
type Clock func() time.Time

// FeedSource отдаёт нормализованный фид платформ.
type FeedSource interface {
	Collect(ctx context.Context) (sources.Feed, error)
}

// Filter отбирает совпадения новостей с группами ключевых слов.
type Filter interface {
	Apply(ctx context.Context, items []news.NewsItem, groups []news.KeywordGroup) ([]news.MatchResult, error)
}

// Tracker решает, что из совпадений пойдёт в рассылку, и записывает снимки.
type Tracker interface {
	Classify(ctx context.Context, in tracker.Input) (*tracker.Classification, error)
	Commit(ctx context.Context, cls *tracker.Classification, runTS time.Time) []error
	Release(cls *tracker.Classification)
}

// Briefer пишет однострочные сводки по группам отчёта.
type Briefer interface {
	Brief(ctx context.Context, groups []news.GroupReport) (map[int]string, error)
}

// Dispatcher доставляет отчёт во все каналы.
type Dispatcher interface {
	Dispatch(ctx context.Context, report news.Report, channels []news.ChannelConfig) []news.DeliveryResult
}

// PipelineDeps перечисляет зависимости пайплайна.
type PipelineDeps struct {
	Feed       FeedSource
	Groups     []news.KeywordGroup
	Filter     Filter
	Tracker    Tracker
	Briefer    Briefer // необязателен
	Dispatcher Dispatcher
	Channels   []news.ChannelConfig

	Weights         ranking.Weights
	FrequencyWindow int
	CommitPolicy    string
	RunTimeout      time.Duration
	BriefTimeout    time.Duration

	Clock    Clock
	NewRunID func() string
	Logger   *slog.Logger
}

// Pipeline инкапсулирует один запуск.
type Pipeline struct {
	feed       FeedSource
	groups     []news.KeywordGroup
	filter     Filter
	tracker    Tracker
	briefer    Briefer
	dispatcher Dispatcher
	channels   []news.ChannelConfig

	weights         ranking.Weights
	frequencyWindow int
	commitPolicy    string
	runTimeout      time.Duration
	briefTimeout    time.Duration

	clock    Clock
	newRunID func() string
	log      *slog.Logger
}

// NewPipeline создаёт новый экземпляр пайплайна.
func NewPipeline(deps PipelineDeps) *Pipeline {
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	newRunID := deps.NewRunID
	if newRunID == nil {
		newRunID = uuid.NewString
	}
	log := deps.Logger
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	weights := deps.Weights
	if weights == (ranking.Weights{}) {
		weights = ranking.DefaultWeights()
	}
	window := deps.FrequencyWindow
	if window < 1 {
		window = 1
	}
	policy := deps.CommitPolicy
	if policy == "" {
		policy = config.CommitAny
	}

	return &Pipeline{
		feed:            deps.Feed,
		groups:          deps.Groups,
		filter:          deps.Filter,
		tracker:         deps.Tracker,
		briefer:         deps.Briefer,
		dispatcher:      deps.Dispatcher,
		channels:        deps.Channels,
		weights:         weights,
		frequencyWindow: window,
		commitPolicy:    policy,
		runTimeout:      deps.RunTimeout,
		briefTimeout:    deps.BriefTimeout,
		clock:           clock,
		newRunID:        newRunID,
		log:             log,
	}
}

// Run исполняет полный цикл. Ошибка возвращается только до побочных эффектов
// (фид, фильтр, классификация); сбои записи и доставки попадают в RunSummary.Warnings.
func (p *Pipeline) Run(ctx context.Context, mode news.RunMode) (*RunSummary, error) {
	if err := p.validateDeps(); err != nil {
		return nil, err
	}
	mode, err := news.ParseRunMode(string(mode))
	if err != nil {
		return nil, err
	}

	if p.runTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.runTimeout)
		defer cancel()
	}

	summary := &RunSummary{
		RunID:     p.newRunID(),
		Mode:      mode,
		StartedAt: p.clock(),
	}
	log := p.log.With("run_id", summary.RunID, "mode", string(mode))

	log.Info("step 1: collecting feed")
	feed, err := p.feed.Collect(ctx)
	if err != nil {
		return nil, fmt.Errorf("collect feed: %w", err)
	}
	summary.Items = len(feed.Items)
	log.Info("feed collected", "items", len(feed.Items), "platforms", len(feed.Platforms), "skipped", feed.Skipped)

	log.Info("step 2: filtering", "groups", len(p.groups))
	matches, err := p.filter.Apply(ctx, feed.Items, p.groups)
	if err != nil {
		return nil, fmt.Errorf("filter items: %w", err)
	}
	summary.Matches = len(matches)

	log.Info("step 3: classifying against history", "matches", len(matches))
	cls, err := p.tracker.Classify(ctx, tracker.Input{
		RunID:       summary.RunID,
		Mode:        mode,
		Matches:     matches,
		Platforms:   feed.Platforms,
		LatestFetch: feed.LatestFetch,
	})
	if err != nil {
		return nil, fmt.Errorf("classify matches: %w", err)
	}
	for _, w := range cls.Warnings {
		summary.addError(log, w)
	}
	summary.Emitted = len(cls.Emit)

	log.Info("step 4: ranking", "emit", len(cls.Emit))
	ranked := ranking.NewRanker(p.weights, p.frequencyWindow, feed.Items).Rank(cls.Emit, cls.History)
	report := BuildReport(summary.RunID, mode, p.clock(), p.groups, ranked)

	if p.briefer != nil && !report.Empty() {
		p.attachBriefs(ctx, log, &report, summary)
	}

	delivered := true
	if report.Empty() {
		log.Info("step 5: nothing to deliver")
	} else {
		log.Info("step 5: dispatching", "channels", len(p.channels))
		summary.Deliveries = p.dispatcher.Dispatch(ctx, report, p.channels)
		for _, d := range summary.Deliveries {
			summary.addDelivery(d)
		}
		delivered = p.deliveredByPolicy(summary.Deliveries)
	}

	if !delivered {
		p.tracker.Release(cls)
		log.Warn("delivery did not satisfy commit policy, run not committed", "policy", p.commitPolicy)
		return summary, nil
	}

	log.Info("step 6: committing snapshots", "platforms", len(cls.Seen))
	writeErrs := p.tracker.Commit(ctx, cls, summary.StartedAt)
	for _, err := range writeErrs {
		summary.addError(log, err)
	}
	summary.Committed = len(writeErrs) == 0

	if acker, ok := p.feed.(sources.Acker); ok && summary.Committed {
		if err := acker.Ack(ctx); err != nil {
			summary.Warnings = append(summary.Warnings, Warning{Kind: WarningFeedAck, Message: err.Error()})
			log.Warn("feed ack failed", "error", err)
		}
	}

	log.Info("run finished",
		"items", summary.Items,
		"matches", summary.Matches,
		"emitted", summary.Emitted,
		"committed", summary.Committed,
		"warnings", len(summary.Warnings),
	)
	return summary, nil
}

func (p *Pipeline) attachBriefs(ctx context.Context, log *slog.Logger, report *news.Report, summary *RunSummary) {
	briefCtx := ctx
	if p.briefTimeout > 0 {
		var cancel context.CancelFunc
		briefCtx, cancel = context.WithTimeout(ctx, p.briefTimeout)
		defer cancel()
	}

	briefs, err := p.briefer.Brief(briefCtx, report.Groups)
	if err != nil {
		log.Warn("group briefs unavailable, continuing without them", "error", err)
		summary.Warnings = append(summary.Warnings, Warning{Kind: WarningBrief, Message: err.Error()})
		return
	}
	for i := range report.Groups {
		if text, ok := briefs[i]; ok {
			report.Groups[i].Brief = text
		}
	}
}

// deliveredByPolicy: any требует хотя бы один полностью доставленный канал, all требует все.
// Без каналов доставки нет.
func (p *Pipeline) deliveredByPolicy(results []news.DeliveryResult) bool {
	if len(results) == 0 {
		return false
	}
	ok := 0
	for _, r := range results {
		if r.Delivered() {
			ok++
		}
	}
	if p.commitPolicy == config.CommitAll {
		return ok == len(results)
	}
	return ok > 0
}

func (p *Pipeline) validateDeps() error {
	// briefer опционален
	switch {
	case p.feed == nil,
		p.filter == nil,
		p.tracker == nil,
		p.dispatcher == nil,
		p.clock == nil:
		return ErrNotConfigured
	default:
		return nil
	}
}

// BuildReport раскладывает ранжированные совпадения по группам в порядке правил.
// Порядок совпадений внутри группы сохраняется.
func BuildReport(runID string, mode news.RunMode, at time.Time, groups []news.KeywordGroup, ranked []news.MatchResult) news.Report {
	report := news.Report{
		RunID:       runID,
		Mode:        mode,
		GeneratedAt: at,
		Groups:      make([]news.GroupReport, len(groups)),
	}
	pos := make(map[int]int, len(groups))
	for i, g := range groups {
		report.Groups[i].Group = g
		pos[g.Index] = i
	}
	for _, m := range ranked {
		i, ok := pos[m.Group.Index]
		if !ok {
			continue
		}
		report.Groups[i].Matches = append(report.Groups[i].Matches, m)
	}
	return report
}

// Виды предупреждений запуска.
const (
	WarningSnapshotRead  = "snapshot_read"
	WarningSnapshotWrite = "snapshot_write"
	WarningOversizeItem  = "oversize_item"
	WarningDelivery      = "delivery"
	WarningBrief         = "brief"
	WarningFeedAck       = "feed_ack"
)

// Warning: нефатальная проблема запуска.
type Warning struct {
	Kind     string `json:"kind"`
	Platform string `json:"platform,omitempty"`
	Channel  string `json:"channel,omitempty"`
	Message  string `json:"message"`
}

// RunSummary: итог запуска.
type RunSummary struct {
	RunID      string                `json:"run_id"`
	Mode       news.RunMode          `json:"mode"`
	StartedAt  time.Time             `json:"started_at"`
	Items      int                   `json:"items"`
	Matches    int                   `json:"matches"`
	Emitted    int                   `json:"emitted"`
	Deliveries []news.DeliveryResult `json:"deliveries"`
	Warnings   []Warning             `json:"warnings"`
	Committed  bool                  `json:"committed"`
}

func (s *RunSummary) addError(log *slog.Logger, err error) {
	var (
		readErr  *state.SnapshotReadError
		writeErr *state.SnapshotWriteError
	)
	switch {
	case errors.As(err, &readErr):
		log.Warn("snapshot history unreadable, platform degraded to daily", "platform", readErr.Platform, "error", readErr.Err)
		s.Warnings = append(s.Warnings, Warning{Kind: WarningSnapshotRead, Platform: readErr.Platform, Message: err.Error()})
	case errors.As(err, &writeErr):
		log.Warn("snapshot write failed", "platform", writeErr.Platform, "error", writeErr.Err)
		s.Warnings = append(s.Warnings, Warning{Kind: WarningSnapshotWrite, Platform: writeErr.Platform, Message: err.Error()})
	default:
		log.Warn("run warning", "error", err)
		s.Warnings = append(s.Warnings, Warning{Kind: "other", Message: err.Error()})
	}
}

func (s *RunSummary) addDelivery(d news.DeliveryResult) {
	for _, w := range d.Warnings {
		s.Warnings = append(s.Warnings, Warning{Kind: WarningOversizeItem, Channel: d.Channel, Message: w})
	}
	for _, f := range d.Failures {
		s.Warnings = append(s.Warnings, Warning{Kind: WarningDelivery, Channel: d.Channel, Message: f.Error})
	}
}

var (
	_ FeedSource = (*sources.FileCollector)(nil)
	_ Filter     = (*filter.Filter)(nil)
	_ Tracker    = (*tracker.Tracker)(nil)
	_ Dispatcher = (*notify.Dispatcher)(nil)
)
