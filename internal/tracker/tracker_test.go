package tracker

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/maine/trend_radar/internal/news"
	"github.com/maine/trend_radar/internal/state"
)

var (
	earlyFetch = time.Date(2025, 3, 1, 7, 0, 0, 0, time.UTC)
	lateFetch  = time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)
)

func matches(platform string, fetched time.Time, ids ...string) []news.MatchResult {
	out := make([]news.MatchResult, 0, len(ids))
	for i, id := range ids {
		out = append(out, news.MatchResult{
			Item: news.NewsItem{PlatformID: platform, ItemID: id, RankPosition: i + 1, FetchedAt: fetched},
		})
	}
	return out
}

func emittedIDs(cls *Classification) []string {
	out := make([]string, 0, len(cls.Emit))
	for _, m := range cls.Emit {
		out = append(out, m.Item.ItemID)
	}
	return out
}

// failingStore: стор с управляемыми ошибками.
type failingStore struct {
	state.Store
	RecentErr error
	AppendErr error
	appended  []news.Snapshot
}

func (s *failingStore) Recent(ctx context.Context, platformID string, limit int) ([]news.Snapshot, error) {
	if s.RecentErr != nil {
		return nil, s.RecentErr
	}
	return s.Store.Recent(ctx, platformID, limit)
}

func (s *failingStore) Append(ctx context.Context, snap news.Snapshot) error {
	if s.AppendErr != nil {
		return s.AppendErr
	}
	s.appended = append(s.appended, snap)
	return s.Store.Append(ctx, snap)
}

func newTracker(t *testing.T, cfg Config) (*Tracker, state.Store) {
	store := state.NewFileStore(t.TempDir())
	return New(store, state.NewMemoryLocker(), cfg, nil), store
}

func TestIncrementalEmitsOnlyNewIDs(t *testing.T) {
	ctx := context.Background()
	tr, store := newTracker(t, Config{LookbackRuns: 3, FrequencyWindow: 2})

	require.NoError(t, store.Append(ctx, news.Snapshot{
		RunTimestamp: earlyFetch,
		PlatformID:   "weibo",
		ItemIDs:      []string{"1", "2", "3"},
	}))

	cls, err := tr.Classify(ctx, Input{
		RunID:     "run-2",
		Mode:      news.ModeIncremental,
		Matches:   matches("weibo", lateFetch, "2", "3", "4"),
		Platforms: []string{"weibo"},
	})
	require.NoError(t, err)
	require.Equal(t, []string{"4"}, emittedIDs(cls))
	require.Len(t, cls.History["weibo"], 1)
	require.Empty(t, cls.Warnings)

	require.Empty(t, tr.Commit(ctx, cls, lateFetch))

	recent, err := store.Recent(ctx, "weibo", 1)
	require.NoError(t, err)
	require.Equal(t, []string{"2", "3", "4"}, recent[0].ItemIDs)
	require.Equal(t, "run-2", recent[0].RunID)
}

func TestIncrementalIsIdempotent(t *testing.T) {
	ctx := context.Background()
	tr, _ := newTracker(t, Config{LookbackRuns: 5})
	in := Input{
		RunID:     "first",
		Mode:      news.ModeIncremental,
		Matches:   matches("hn", lateFetch, "a", "b"),
		Platforms: []string{"hn"},
	}

	first, err := tr.Classify(ctx, in)
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b"}, emittedIDs(first))
	require.Empty(t, tr.Commit(ctx, first, lateFetch))

	in.RunID = "second"
	second, err := tr.Classify(ctx, in)
	require.NoError(t, err)
	require.Empty(t, second.Emit)
	require.Empty(t, tr.Commit(ctx, second, lateFetch.Add(time.Minute)))
}

func TestFailedDeliveryKeepsNewness(t *testing.T) {
	ctx := context.Background()
	tr, store := newTracker(t, Config{LookbackRuns: 5})
	in := Input{
		RunID:     "attempt-1",
		Mode:      news.ModeIncremental,
		Matches:   matches("hn", lateFetch, "a"),
		Platforms: []string{"hn"},
	}

	cls, err := tr.Classify(ctx, in)
	require.NoError(t, err)
	require.Len(t, cls.Emit, 1)
	tr.Release(cls)

	history, err := store.Recent(ctx, "hn", -1)
	require.NoError(t, err)
	require.Empty(t, history)

	in.RunID = "attempt-2"
	retry, err := tr.Classify(ctx, in)
	require.NoError(t, err)
	require.Equal(t, []string{"a"}, emittedIDs(retry))
}

func TestConcurrentRunsDoNotShareNewItems(t *testing.T) {
	ctx := context.Background()
	tr, _ := newTracker(t, Config{LookbackRuns: 5})
	input := func(runID string) Input {
		return Input{
			RunID:     runID,
			Mode:      news.ModeIncremental,
			Matches:   matches("hn", lateFetch, "a", "b"),
			Platforms: []string{"hn"},
		}
	}

	first, err := tr.Classify(ctx, input("run-a"))
	require.NoError(t, err)
	require.Len(t, first.Emit, 2)

	// Первый запуск ещё рассылает: второй не должен считать те же новости новыми.
	second, err := tr.Classify(ctx, input("run-b"))
	require.NoError(t, err)
	require.Empty(t, second.Emit)

	require.Empty(t, tr.Commit(ctx, first, lateFetch))
	tr.Release(second)

	third, err := tr.Classify(ctx, input("run-c"))
	require.NoError(t, err)
	require.Empty(t, third.Emit)
}

func TestSharedClaimsAcrossTrackers(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	store := state.NewFileStore(filepath.Join(dir, "snapshots"))
	cfg := Config{LookbackRuns: 1}

	// Два трекера с общим каталогом ведут себя как два процесса.
	a := New(store, state.NewFileLocker(dir, time.Minute), cfg, nil)
	a.UseClaims(state.NewFileClaims(dir, time.Minute))
	b := New(store, state.NewFileLocker(dir, time.Minute), cfg, nil)
	b.UseClaims(state.NewFileClaims(dir, time.Minute))

	input := func(runID string) Input {
		return Input{
			RunID:     runID,
			Mode:      news.ModeIncremental,
			Matches:   matches("weibo", lateFetch, "1", "2"),
			Platforms: []string{"weibo"},
		}
	}

	first, err := a.Classify(ctx, input("run-a"))
	require.NoError(t, err)
	require.Equal(t, []string{"1", "2"}, emittedIDs(first))

	second, err := b.Classify(ctx, input("run-b"))
	require.NoError(t, err)
	require.Empty(t, second.Emit)
	b.Release(second)

	// Рассылка первого запуска не удалась: новости снова свободны.
	a.Release(first)
	third, err := b.Classify(ctx, input("run-c"))
	require.NoError(t, err)
	require.Equal(t, []string{"1", "2"}, emittedIDs(third))
	require.Empty(t, b.Commit(ctx, third, lateFetch))

	fourth, err := a.Classify(ctx, input("run-d"))
	require.NoError(t, err)
	require.Empty(t, fourth.Emit)
}

func TestDailyAndCurrentModes(t *testing.T) {
	ctx := context.Background()
	tr, store := newTracker(t, Config{LookbackRuns: 5})
	require.NoError(t, store.Append(ctx, news.Snapshot{
		RunTimestamp: earlyFetch,
		PlatformID:   "weibo",
		ItemIDs:      []string{"old"},
	}))

	ms := append(matches("weibo", earlyFetch, "old"), matches("weibo", lateFetch, "new")...)
	latest := map[string]time.Time{"weibo": lateFetch}

	daily, err := tr.Classify(ctx, Input{RunID: "d", Mode: news.ModeDaily, Matches: ms, Platforms: []string{"weibo"}, LatestFetch: latest})
	require.NoError(t, err)
	require.Equal(t, []string{"old", "new"}, emittedIDs(daily))
	tr.Release(daily)

	current, err := tr.Classify(ctx, Input{RunID: "c", Mode: "CURRENT", Matches: ms, Platforms: []string{"weibo"}, LatestFetch: latest})
	require.NoError(t, err)
	require.Equal(t, []string{"new"}, emittedIDs(current))
	require.Equal(t, news.ModeCurrent, current.Mode)
}

func TestUnknownModeRejected(t *testing.T) {
	tr, _ := newTracker(t, Config{})
	_, err := tr.Classify(context.Background(), Input{Mode: "weekly"})
	require.Error(t, err)
}

func TestReadFailureDegradesToDaily(t *testing.T) {
	ctx := context.Background()
	store := &failingStore{Store: state.NewFileStore(t.TempDir()), RecentErr: errors.New("disk on fire")}
	tr := New(store, nil, Config{LookbackRuns: 3}, nil)

	cls, err := tr.Classify(ctx, Input{
		RunID:     "r",
		Mode:      news.ModeIncremental,
		Matches:   matches("weibo", lateFetch, "1", "2"),
		Platforms: []string{"weibo"},
	})
	require.NoError(t, err)
	require.Equal(t, []string{"1", "2"}, emittedIDs(cls))
	require.Equal(t, []string{"weibo"}, cls.Degraded)
	require.Len(t, cls.Warnings, 1)

	var readErr *state.SnapshotReadError
	require.ErrorAs(t, cls.Warnings[0], &readErr)
	require.Equal(t, "weibo", readErr.Platform)
}

func TestCorruptHistoryDegradesOnlyOneRun(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	store := state.NewFileStore(dir)
	tr := New(store, nil, Config{LookbackRuns: 3}, nil)

	require.NoError(t, store.Append(ctx, news.Snapshot{RunTimestamp: earlyFetch, PlatformID: "weibo", ItemIDs: []string{"1"}}))
	f, err := os.OpenFile(filepath.Join(dir, "weibo.jsonl"), os.O_WRONLY|os.O_APPEND, 0644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"platform_id":"weibo","item_i`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	in := Input{
		Mode:      news.ModeIncremental,
		Matches:   matches("weibo", lateFetch, "1", "2"),
		Platforms: []string{"weibo"},
	}

	in.RunID = "r1"
	first, err := tr.Classify(ctx, in)
	require.NoError(t, err)
	require.Equal(t, []string{"weibo"}, first.Degraded)
	require.Equal(t, []string{"1", "2"}, emittedIDs(first))
	require.Empty(t, tr.Commit(ctx, first, lateFetch))

	for i, runID := range []string{"r2", "r3"} {
		in.RunID = runID
		next, err := tr.Classify(ctx, in)
		require.NoError(t, err)
		require.Empty(t, next.Degraded)
		require.Empty(t, next.Emit)
		require.Empty(t, tr.Commit(ctx, next, lateFetch.Add(time.Duration(i+1)*time.Minute)))
	}
}

func TestCommitWritesEveryPlatform(t *testing.T) {
	ctx := context.Background()
	store := &failingStore{Store: state.NewFileStore(t.TempDir())}
	tr := New(store, nil, Config{LookbackRuns: 1}, nil)

	cls, err := tr.Classify(ctx, Input{
		RunID:     "r",
		Mode:      news.ModeDaily,
		Matches:   matches("weibo", lateFetch, "b", "a", "b"),
		Platforms: []string{"weibo", "zhihu"},
	})
	require.NoError(t, err)
	require.Empty(t, tr.Commit(ctx, cls, lateFetch))

	require.Len(t, store.appended, 2)
	require.Equal(t, "weibo", store.appended[0].PlatformID)
	require.Equal(t, []string{"a", "b"}, store.appended[0].ItemIDs)
	require.Equal(t, "zhihu", store.appended[1].PlatformID)
	require.Empty(t, store.appended[1].ItemIDs)

	// Повторная фиксация того же запуска не считается ошибкой.
	require.Empty(t, tr.Commit(ctx, cls, lateFetch))
}

func TestCommitReportsWriteErrors(t *testing.T) {
	ctx := context.Background()
	store := &failingStore{Store: state.NewFileStore(t.TempDir()), AppendErr: errors.New("read-only")}
	tr := New(store, nil, Config{LookbackRuns: 1}, nil)

	cls, err := tr.Classify(ctx, Input{
		RunID:     "r",
		Mode:      news.ModeIncremental,
		Matches:   matches("weibo", lateFetch, "1"),
		Platforms: []string{"weibo"},
	})
	require.NoError(t, err)

	warnings := tr.Commit(ctx, cls, lateFetch)
	require.Len(t, warnings, 1)
	var writeErr *state.SnapshotWriteError
	require.ErrorAs(t, warnings[0], &writeErr)
	require.Equal(t, "weibo", writeErr.Platform)

	// Заявки сняты: следующий запуск снова видит новость новой.
	next, err := tr.Classify(ctx, Input{
		RunID:     "r2",
		Mode:      news.ModeIncremental,
		Matches:   matches("weibo", lateFetch, "1"),
		Platforms: []string{"weibo"},
	})
	require.NoError(t, err)
	require.Len(t, next.Emit, 1)
}

func TestCommitAppliesRetention(t *testing.T) {
	ctx := context.Background()
	tr, store := newTracker(t, Config{LookbackRuns: 1, RetentionRuns: 2})

	for i := 0; i < 4; i++ {
		cls, err := tr.Classify(ctx, Input{
			RunID:     "r",
			Mode:      news.ModeDaily,
			Matches:   matches("hn", lateFetch, "x"),
			Platforms: []string{"hn"},
		})
		require.NoError(t, err)
		require.Empty(t, tr.Commit(ctx, cls, lateFetch.Add(time.Duration(i)*time.Minute)))
	}

	all, err := store.Recent(ctx, "hn", -1)
	require.NoError(t, err)
	require.Len(t, all, 2)
}

func TestClassifyHonoursCancellation(t *testing.T) {
	tr, _ := newTracker(t, Config{LookbackRuns: 1})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := tr.Classify(ctx, Input{
		RunID:     "r",
		Mode:      news.ModeIncremental,
		Matches:   matches("hn", lateFetch, "x"),
		Platforms: []string{"hn"},
	})
	require.ErrorIs(t, err, context.Canceled)
}
