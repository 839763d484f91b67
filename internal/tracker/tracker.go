// Package tracker отбирает совпадения в зависимости от режима запуска
// и фиксирует снимки после успешной рассылки.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/maine/trend_radar/internal/news"
	"github.com/maine/trend_radar/internal/state"
)

// Config: параметры трекера.
type Config struct {
	// LookbackRuns: сколько последних снимков платформы считаются «уже виденными».
	LookbackRuns int
	// FrequencyWindow: сколько снимков нужно ранкеру для частоты.
	FrequencyWindow int
	// RetentionRuns: после записи у платформы остаётся не больше стольких снимков (0: без обрезки).
	RetentionRuns int
}

// ClaimStore делит заявки запусков между процессами.
type ClaimStore interface {
	// Claimed возвращает id платформы, закреплённые за другими запусками.
	Claimed(platformID, runID string) (map[string]bool, error)
	// Put записывает заявку запуска на платформе.
	Put(platformID, runID string, ids []string) error
	// Drop снимает все заявки запуска.
	Drop(runID string) error
}

// Tracker хранит заявки запусков, которые уже отобрали новости, но ещё не записали снимок.
type Tracker struct {
	store  state.Store
	locker state.Locker
	shared ClaimStore
	cfg    Config
	log    *slog.Logger

	mu     sync.Mutex
	claims map[string]map[string]string // платформа -> id новости -> run id
}

// New создаёт трекер.
func New(store state.Store, locker state.Locker, cfg Config, log *slog.Logger) *Tracker {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if locker == nil {
		locker = state.NewMemoryLocker()
	}
	if cfg.LookbackRuns < 1 {
		cfg.LookbackRuns = 1
	}
	return &Tracker{
		store:  store,
		locker: locker,
		cfg:    cfg,
		log:    log,
		claims: make(map[string]map[string]string),
	}
}

// UseClaims подключает общие заявки, чтобы запуски в разных процессах
// не отдавали одну и ту же новость как новую.
func (t *Tracker) UseClaims(c ClaimStore) {
	t.shared = c
}

// Input: данные одного запуска для классификации.
type Input struct {
	RunID   string
	Mode    news.RunMode
	Matches []news.MatchResult
	// Platforms: все платформы запуска, включая платформы без совпадений.
	Platforms []string
	// LatestFetch: время последнего цикла выборки каждой платформы.
	LatestFetch map[string]time.Time
}

// Classification: результат классификации, нужен для Commit и Release.
type Classification struct {
	RunID string
	Mode  news.RunMode
	// Emit: совпадения, которые пойдут в рассылку.
	Emit []news.MatchResult
	// History: прочитанные снимки платформ, от новых к старым.
	History map[string][]news.Snapshot
	// Seen: все совпавшие id по платформам; попадут в снимок запуска.
	Seen map[string][]string
	// Degraded: платформы, чью историю прочитать не удалось.
	Degraded []string
	// Warnings: SnapshotReadError по деградировавшим платформам.
	Warnings []error
}

// Classify читает историю каждой платформы под её блокировкой и отбирает совпадения по режиму.
// В режиме incremental отобранные id закрепляются за запуском до Release.
func (t *Tracker) Classify(ctx context.Context, in Input) (*Classification, error) {
	mode, err := news.ParseRunMode(string(in.Mode))
	if err != nil {
		return nil, err
	}
	in.Mode = mode

	cls := &Classification{
		RunID:   in.RunID,
		Mode:    in.Mode,
		History: make(map[string][]news.Snapshot),
		Seen:    seenIDs(in.Platforms, in.Matches),
	}

	byPlatform := make(map[string][]news.MatchResult)
	for _, m := range in.Matches {
		byPlatform[m.Item.PlatformID] = append(byPlatform[m.Item.PlatformID], m)
	}

	readLimit := t.cfg.FrequencyWindow
	if in.Mode == news.ModeIncremental && t.cfg.LookbackRuns > readLimit {
		readLimit = t.cfg.LookbackRuns
	}

	keep := make(map[string]map[string]bool) // платформа -> id, прошедшие отбор
	for _, platform := range sortedKeys(cls.Seen) {
		if err := ctx.Err(); err != nil {
			t.releaseRun(in.RunID)
			return nil, err
		}
		allowed, err := t.classifyPlatform(ctx, cls, platform, byPlatform[platform], readLimit, in)
		if err != nil {
			t.releaseRun(in.RunID)
			return nil, err
		}
		keep[platform] = allowed
	}

	for _, m := range in.Matches {
		if keep[m.Item.PlatformID][m.Item.ItemID] {
			cls.Emit = append(cls.Emit, m)
		}
	}

	t.log.Info("matches classified",
		"run_id", in.RunID,
		"mode", in.Mode,
		"matches", len(in.Matches),
		"emit", len(cls.Emit),
		"degraded", len(cls.Degraded),
	)
	return cls, nil
}

func (t *Tracker) classifyPlatform(ctx context.Context, cls *Classification, platform string, matches []news.MatchResult, readLimit int, in Input) (map[string]bool, error) {
	unlock, err := t.locker.Lock(ctx, platform)
	if err != nil {
		return nil, fmt.Errorf("lock platform %s: %w", platform, err)
	}
	defer unlock()

	var history []news.Snapshot
	degraded := false
	if readLimit > 0 {
		history, err = t.store.Recent(ctx, platform, readLimit)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			readErr := &state.SnapshotReadError{Platform: platform, Err: err}
			t.log.Warn("snapshot history unavailable, falling back to daily", "platform", platform, "error", err)
			cls.Degraded = append(cls.Degraded, platform)
			cls.Warnings = append(cls.Warnings, readErr)
			history = nil
			degraded = true
		}
	}
	cls.History[platform] = history

	mode := in.Mode
	if degraded && mode == news.ModeIncremental {
		mode = news.ModeDaily
	}

	allowed := make(map[string]bool, len(matches))
	switch mode {
	case news.ModeDaily:
		for _, m := range matches {
			allowed[m.Item.ItemID] = true
		}
	case news.ModeCurrent:
		latest, ok := in.LatestFetch[platform]
		for _, m := range matches {
			if !ok || m.Item.FetchedAt.Equal(latest) {
				allowed[m.Item.ItemID] = true
			}
		}
	case news.ModeIncremental:
		lookback := history
		if len(lookback) > t.cfg.LookbackRuns {
			lookback = lookback[:t.cfg.LookbackRuns]
		}
		seen := make(map[string]bool)
		for _, snap := range lookback {
			for _, id := range snap.ItemIDs {
				seen[id] = true
			}
		}

		var foreign map[string]bool
		if t.shared != nil {
			if foreign, err = t.shared.Claimed(platform, in.RunID); err != nil {
				t.log.Warn("shared claims unavailable", "platform", platform, "error", err)
			}
		}

		t.mu.Lock()
		claimed := t.claims[platform]
		if claimed == nil {
			claimed = make(map[string]string)
			t.claims[platform] = claimed
		}
		for _, m := range matches {
			id := m.Item.ItemID
			if seen[id] || foreign[id] {
				continue
			}
			if owner, ok := claimed[id]; ok && owner != in.RunID {
				continue
			}
			claimed[id] = in.RunID
			allowed[id] = true
		}
		t.mu.Unlock()

		if t.shared != nil && len(allowed) > 0 {
			if err := t.shared.Put(platform, in.RunID, sortedKeys(allowed)); err != nil {
				t.log.Warn("claim not shared", "platform", platform, "run_id", in.RunID, "error", err)
			}
		}
	}
	return allowed, nil
}

// Commit записывает по снимку на каждую платформу запуска и снимает заявки.
// Ошибки записи возвращаются как предупреждения SnapshotWriteError.
func (t *Tracker) Commit(ctx context.Context, cls *Classification, runTS time.Time) []error {
	defer t.releaseRun(cls.RunID)

	var warnings []error
	for _, platform := range sortedKeys(cls.Seen) {
		if err := t.commitPlatform(ctx, cls, platform, runTS); err != nil {
			t.log.Warn("snapshot write failed", "platform", platform, "run_id", cls.RunID, "error", err)
			warnings = append(warnings, &state.SnapshotWriteError{Platform: platform, Err: err})
		}
	}
	return warnings
}

func (t *Tracker) commitPlatform(ctx context.Context, cls *Classification, platform string, runTS time.Time) error {
	unlock, err := t.locker.Lock(ctx, platform)
	if err != nil {
		return fmt.Errorf("lock platform: %w", err)
	}
	defer unlock()

	snap := news.Snapshot{
		RunID:        cls.RunID,
		RunTimestamp: runTS.UTC(),
		PlatformID:   platform,
		ItemIDs:      cls.Seen[platform],
	}
	if err := t.store.Append(ctx, snap); err != nil {
		if errors.Is(err, state.ErrSnapshotExists) {
			t.log.Debug("snapshot already committed", "platform", platform, "run_id", cls.RunID)
			return nil
		}
		return err
	}

	if t.cfg.RetentionRuns > 0 {
		removed, err := t.store.Prune(ctx, platform, t.cfg.RetentionRuns)
		if err != nil {
			t.log.Warn("snapshot prune failed", "platform", platform, "error", err)
		} else if removed > 0 {
			t.log.Debug("snapshots pruned", "platform", platform, "removed", removed)
		}
	}
	return nil
}

// Release снимает заявки запуска без записи снимков (рассылка не удалась).
func (t *Tracker) Release(cls *Classification) {
	if cls == nil {
		return
	}
	t.releaseRun(cls.RunID)
}

func (t *Tracker) releaseRun(runID string) {
	t.mu.Lock()
	for platform, claimed := range t.claims {
		for id, owner := range claimed {
			if owner == runID {
				delete(claimed, id)
			}
		}
		if len(claimed) == 0 {
			delete(t.claims, platform)
		}
	}
	t.mu.Unlock()

	if t.shared != nil {
		if err := t.shared.Drop(runID); err != nil {
			t.log.Warn("shared claims not dropped", "run_id", runID, "error", err)
		}
	}
}

// seenIDs собирает уникальные совпавшие id по платформам в порядке id.
func seenIDs(platforms []string, matches []news.MatchResult) map[string][]string {
	sets := make(map[string]map[string]bool, len(platforms))
	for _, p := range platforms {
		sets[p] = make(map[string]bool)
	}
	for _, m := range matches {
		set := sets[m.Item.PlatformID]
		if set == nil {
			set = make(map[string]bool)
			sets[m.Item.PlatformID] = set
		}
		set[m.Item.ItemID] = true
	}

	out := make(map[string][]string, len(sets))
	for p, set := range sets {
		ids := make([]string, 0, len(set))
		for id := range set {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		out[p] = ids
	}
	return out
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
