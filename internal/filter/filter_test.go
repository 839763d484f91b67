package filter

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/maine/trend_radar/internal/keywords"
	"github.com/maine/trend_radar/internal/news"
)

func item(platform, id, title string, rank int) news.NewsItem {
	return news.NewsItem{PlatformID: platform, ItemID: id, Title: title, RankPosition: rank}
}

func mustGroups(t *testing.T, src string) []news.KeywordGroup {
	t.Helper()
	groups, err := keywords.Parse(strings.NewReader(src))
	require.NoError(t, err)
	return groups
}

func ids(results []news.MatchResult) []string {
	out := make([]string, 0, len(results))
	for _, r := range results {
		out = append(out, r.Item.ItemID)
	}
	return out
}

func TestFilter_Apply(t *testing.T) {
	f := New(nil)
	ctx := context.Background()

	tests := []struct {
		name  string
		rules string
		items []news.NewsItem
		want  []string
	}{
		{
			name:  "empty input",
			rules: "AI\n",
			items: nil,
			want:  []string{},
		},
		{
			name:  "pure OR over base keywords",
			rules: "苹果\n华为\n",
			items: []news.NewsItem{
				item("weibo", "1", "苹果发布会", 1),
				item("weibo", "2", "华为新机", 2),
				item("weibo", "3", "小米汽车", 3),
			},
			want: []string{"1", "2"},
		},
		{
			name:  "required terms need all of them",
			rules: "AI\n+alpha\n+beta\n",
			items: []news.NewsItem{
				item("hn", "1", "AI alpha and Beta", 1),
				item("hn", "2", "AI alpha only", 2),
				item("hn", "3", "AI beta only", 3),
			},
			want: []string{"1"},
		},
		{
			name:  "excluded term overrides everything",
			rules: "AI\n+芯片\n!广告\n",
			items: []news.NewsItem{
				item("weibo", "1", "AI芯片广告", 1),
				item("weibo", "2", "AI芯片突破", 2),
			},
			want: []string{"2"},
		},
		{
			name:  "case insensitive and full width",
			rules: "openai\n",
			items: []news.NewsItem{
				item("hn", "1", "OpenAI ships", 1),
				item("hn", "2", "ＯＰＥＮＡＩ 发布", 2),
			},
			want: []string{"1", "2"},
		},
		{
			name:  "limit zero suppresses keyword",
			rules: "spam@0\n",
			items: []news.NewsItem{
				item("hn", "1", "spam spam", 1),
			},
			want: []string{},
		},
		{
			name:  "limit keeps lowest rank positions",
			rules: "AI@2\n",
			items: []news.NewsItem{
				item("hn", "c", "AI three", 3),
				item("hn", "a", "AI one", 1),
				item("hn", "d", "AI four", 4),
				item("hn", "b", "AI two", 2),
			},
			want: []string{"a", "b"},
		},
		{
			name:  "overflow item credited to another keyword",
			rules: "AI@1\n芯片\n",
			items: []news.NewsItem{
				item("weibo", "1", "AI芯片突破", 1),
				item("weibo", "2", "AI芯片量产", 2),
				item("weibo", "3", "AI助手发布", 3),
			},
			want: []string{"1", "2"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := f.Apply(ctx, tt.items, mustGroups(t, tt.rules))
			require.NoError(t, err)
			require.Equal(t, tt.want, ids(got))
		})
	}
}

func TestFilter_ScenarioRequiredTermWithLimit(t *testing.T) {
	groups := mustGroups(t, "AI@2\n+芯片\n")
	items := []news.NewsItem{
		item("weibo", "1", "AI芯片突破", 1),
		item("weibo", "2", "AI芯片量产", 2),
		item("weibo", "3", "AI助手发布", 3),
	}

	got, err := New(nil).Apply(context.Background(), items, groups)
	require.NoError(t, err)
	require.Equal(t, []string{"1", "2"}, ids(got))
	for _, m := range got {
		require.Equal(t, "ai", m.MatchedKeyword)
		require.Equal(t, "AI", m.Group.Name)
	}
}

func TestFilter_OverflowMatchedKeyword(t *testing.T) {
	groups := mustGroups(t, "AI@1\n芯片\n")
	items := []news.NewsItem{
		item("weibo", "1", "AI芯片突破", 1),
		item("weibo", "2", "AI芯片量产", 2),
	}

	got, err := New(nil).Apply(context.Background(), items, groups)
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, "ai", got[0].MatchedKeyword)
	require.Equal(t, "芯片", got[1].MatchedKeyword)
}

func TestFilter_GroupsAreIndependent(t *testing.T) {
	groups := mustGroups(t, "AI\n\n芯片\n")
	items := []news.NewsItem{item("weibo", "1", "AI芯片突破", 1)}

	got, err := New(nil).Apply(context.Background(), items, groups)
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, 0, got[0].Group.Index)
	require.Equal(t, 1, got[1].Group.Index)
}

func TestFilter_LimitAcrossPlatformsIsDeterministic(t *testing.T) {
	groups := mustGroups(t, "AI@3\n")
	items := []news.NewsItem{
		item("zhihu", "z1", "AI 1", 1),
		item("weibo", "w2", "AI 2", 2),
		item("weibo", "w1", "AI 1", 1),
		item("zhihu", "z2", "AI 2", 2),
		item("baidu", "b1", "AI 1", 1),
	}

	for i := 0; i < 20; i++ {
		got, err := New(nil).Apply(context.Background(), items, groups)
		require.NoError(t, err)
		require.Equal(t, []string{"b1", "w1", "z1"}, ids(got))
	}
}

func TestFilter_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := New(nil).Apply(ctx, []news.NewsItem{item("hn", "1", "AI", 1)}, mustGroups(t, "AI\n"))
	require.ErrorIs(t, err, context.Canceled)
}

func TestRankLess(t *testing.T) {
	require.True(t, RankLess(item("a", "1", "", 1), item("a", "2", "", 2)))
	require.True(t, RankLess(item("a", "9", "", 1), item("b", "1", "", 1)))
	require.True(t, RankLess(item("a", "1", "", 1), item("a", "2", "", 1)))
	require.True(t, RankLess(item("a", "1", "", 50), item("a", "2", "", 0)))
}
