package ranking

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/maine/trend_radar/internal/news"
)

func match(group int, platform, id string, rank int, fetched time.Time) news.MatchResult {
	return news.MatchResult{
		Item:  news.NewsItem{PlatformID: platform, ItemID: id, RankPosition: rank, FetchedAt: fetched},
		Group: news.KeywordGroup{Index: group},
	}
}

func TestRankScoreMonotonic(t *testing.T) {
	for _, size := range []int{1, 5, 30, 100} {
		prev := 2.0
		for pos := 1; pos <= size+10; pos++ {
			got := RankScore(pos, size)
			require.GreaterOrEqual(t, got, 0.0)
			require.LessOrEqual(t, got, 1.0)
			require.LessOrEqual(t, got, prev, "size=%d pos=%d", size, pos)
			prev = got
		}
	}
	require.Equal(t, 1.0, RankScore(1, 50))
	require.Equal(t, 0.0, RankScore(0, 50))
	require.Equal(t, 0.0, RankScore(-3, 50))
}

func TestFrequencyScore(t *testing.T) {
	window := []news.Snapshot{
		{ItemIDs: []string{"a", "b"}},
		{ItemIDs: []string{"a"}},
		{ItemIDs: []string{"c"}},
		{ItemIDs: []string{"a"}},
	}

	require.InDelta(t, 2.0/3.0, FrequencyScore("a", window, 3), 1e-9)
	require.InDelta(t, 0.5, FrequencyScore("a", window[:1], 2), 1e-9)
	require.Equal(t, 0.0, FrequencyScore("z", window, 3))
	require.Equal(t, 0.0, FrequencyScore("a", window, 0))
	require.Equal(t, 1.0, FrequencyScore("a", []news.Snapshot{{ItemIDs: []string{"a"}}}, 1))
}

func TestHotnessScore(t *testing.T) {
	require.Equal(t, 0.0, HotnessScore(0, 100))
	require.Equal(t, 0.0, HotnessScore(10, 0))
	require.Equal(t, 0.5, HotnessScore(50, 100))
	require.Equal(t, 1.0, HotnessScore(100, 100))
}

func TestWeightsValidate(t *testing.T) {
	require.NoError(t, DefaultWeights().Validate())
	require.Error(t, Weights{Rank: 0.5, Frequency: 0.3, Hotness: 0.1}.Validate())
	require.Error(t, Weights{Rank: 1.2, Frequency: -0.2}.Validate())
	require.NoError(t, Weights{Rank: 1}.Validate())
}

func TestRankerScoreBounds(t *testing.T) {
	items := []news.NewsItem{
		{PlatformID: "reddit", ItemID: "1", RankPosition: 1, Hotness: 900},
		{PlatformID: "reddit", ItemID: "2", RankPosition: 2, Hotness: 100},
		{PlatformID: "reddit", ItemID: "3", RankPosition: 3},
	}
	r := NewRanker(DefaultWeights(), 2, items)
	window := []news.Snapshot{{ItemIDs: []string{"1"}}, {ItemIDs: []string{"1", "2"}}}

	top := r.Score(news.MatchResult{Item: items[0]}, window)
	require.InDelta(t, 1.0, top.Total, 1e-9)
	require.Equal(t, 1.0, top.Rank)
	require.Equal(t, 1.0, top.Frequency)
	require.Equal(t, 1.0, top.Hotness)

	second := r.Score(news.MatchResult{Item: items[1]}, window)
	require.InDelta(t, 0.6*(2.0/3.0)+0.3*0.5+0.1*(100.0/900.0), second.Total, 1e-9)

	last := r.Score(news.MatchResult{Item: items[2]}, nil)
	require.InDelta(t, 0.6*(1.0/3.0), last.Total, 1e-9)
	require.Equal(t, 0.0, last.Hotness)

	for _, b := range []news.ScoreBreakdown{top, second, last} {
		require.GreaterOrEqual(t, b.Total, 0.0)
		require.LessOrEqual(t, b.Total, 1.0)
	}
}

func TestRankOrdersWithinGroups(t *testing.T) {
	now := time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)
	items := []news.NewsItem{
		{PlatformID: "weibo", ItemID: "w1", RankPosition: 1},
		{PlatformID: "weibo", ItemID: "w2", RankPosition: 2},
		{PlatformID: "weibo", ItemID: "w3", RankPosition: 3},
	}
	r := NewRanker(DefaultWeights(), 3, items)

	matches := []news.MatchResult{
		match(1, "weibo", "w1", 1, now),
		match(0, "weibo", "w3", 3, now),
		match(0, "weibo", "w1", 1, now),
		match(0, "weibo", "w2", 2, now),
	}
	ranked := r.Rank(matches, nil)

	got := make([]string, 0, len(ranked))
	for _, m := range ranked {
		got = append(got, m.Item.ItemID)
		require.Equal(t, m.Breakdown.Total, m.Score)
	}
	require.Equal(t, []string{"w1", "w2", "w3", "w1"}, got)
	require.Equal(t, 1, ranked[3].Group.Index)
}

func TestSortTieBreakers(t *testing.T) {
	early := time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)
	late := early.Add(time.Hour)

	withFreq := match(0, "a", "x", 1, late)
	withFreq.Score = 0.5
	withFreq.Breakdown.Frequency = 0.6

	earlier := match(0, "a", "y", 1, early)
	earlier.Score = 0.5
	earlier.Breakdown.Frequency = 0.2

	laterB := match(0, "a", "b", 1, late)
	laterB.Score = 0.5
	laterB.Breakdown.Frequency = 0.2

	laterA := match(0, "a", "a", 1, late)
	laterA.Score = 0.5
	laterA.Breakdown.Frequency = 0.2

	best := match(0, "a", "z", 1, late)
	best.Score = 0.9

	matches := []news.MatchResult{laterB, earlier, laterA, withFreq, best}
	Sort(matches)

	got := make([]string, 0, len(matches))
	for _, m := range matches {
		got = append(got, m.Item.ItemID)
	}
	require.Equal(t, []string{"z", "x", "y", "a", "b"}, got)
}
