package filter

import (
	"context"
	"io"
	"log/slog"
	"math"
	"sort"
	"sync"

	"github.com/maine/trend_radar/internal/keywords"
	"github.com/maine/trend_radar/internal/news"
)

// Filter сопоставляет новости с группами ключевых слов.
type Filter struct {
	log *slog.Logger
}

// New создаёт экземпляр фильтра.
func New(log *slog.Logger) *Filter {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Filter{log: log}
}

type candidate struct {
	item     news.NewsItem
	keywords []string // совпавшие базовые слова в порядке объявления
}

// Apply реализует app.Filter.
// Результат упорядочен по индексу группы, внутри группы по позиции в рейтинге.
func (f *Filter) Apply(ctx context.Context, items []news.NewsItem, groups []news.KeywordGroup) ([]news.MatchResult, error) {
	if len(items) == 0 || len(groups) == 0 {
		return nil, nil
	}

	byPlatform, order := splitByPlatform(items)

	// Поиск кандидатов не трогает общее состояние, поэтому платформы обрабатываются параллельно.
	perPlatform := make([][][]candidate, len(order))
	var wg sync.WaitGroup
	for i, platform := range order {
		wg.Add(1)
		go func(i int, platformItems []news.NewsItem) {
			defer wg.Done()
			perPlatform[i] = findCandidates(platformItems, groups)
		}(i, byPlatform[platform])
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var results []news.MatchResult
	for gi, group := range groups {
		var merged []candidate
		for _, platformCandidates := range perPlatform {
			merged = append(merged, platformCandidates[gi]...)
		}
		matched := applyLimits(group, merged)
		if len(merged) != len(matched) {
			f.log.Debug("keyword limits dropped items",
				slog.String("group", group.Name),
				slog.Int("candidates", len(merged)),
				slog.Int("kept", len(matched)),
			)
		}
		results = append(results, matched...)
	}

	return results, nil
}

// Match проверяет одну новость против одной группы (шаги OR / AND / исключения)
// и возвращает совпавшие базовые слова.
func Match(group news.KeywordGroup, normalizedTitle string) []string {
	for _, term := range group.ExcludedTerms {
		if keywords.Contains(normalizedTitle, term) {
			return nil
		}
	}
	for _, term := range group.RequiredTerms {
		if !keywords.Contains(normalizedTitle, term) {
			return nil
		}
	}

	var matched []string
	for _, kw := range group.BaseKeywords {
		if keywords.Contains(normalizedTitle, kw) {
			matched = append(matched, kw)
		}
	}
	return matched
}

func findCandidates(items []news.NewsItem, groups []news.KeywordGroup) [][]candidate {
	out := make([][]candidate, len(groups))
	for _, item := range items {
		text := keywords.Normalize(item.Title)
		if text == "" {
			continue
		}
		for gi, group := range groups {
			if matched := Match(group, text); len(matched) > 0 {
				out[gi] = append(out[gi], candidate{item: item, keywords: matched})
			}
		}
	}
	return out
}

// applyLimits распределяет новости по базовым словам в порядке рейтинга.
// Новость засчитывается первому совпавшему слову, у которого остался лимит.
func applyLimits(group news.KeywordGroup, candidates []candidate) []news.MatchResult {
	sort.SliceStable(candidates, func(i, j int) bool {
		return RankLess(candidates[i].item, candidates[j].item)
	})

	credited := make(map[string]int, len(group.BaseKeywords))
	results := make([]news.MatchResult, 0, len(candidates))
	for _, c := range candidates {
		for _, kw := range c.keywords {
			if limit, ok := group.Limit(kw); ok && credited[kw] >= limit {
				continue
			}
			credited[kw]++
			results = append(results, news.MatchResult{
				Item:           c.item,
				Group:          group,
				MatchedKeyword: kw,
			})
			break
		}
	}
	return results
}

// RankLess задаёт детерминированный порядок по рейтингу: позиция, платформа, id.
// Позиции меньше 1 считаются некорректными и уходят в конец.
func RankLess(a, b news.NewsItem) bool {
	ra, rb := effectiveRank(a.RankPosition), effectiveRank(b.RankPosition)
	if ra != rb {
		return ra < rb
	}
	if a.PlatformID != b.PlatformID {
		return a.PlatformID < b.PlatformID
	}
	return a.ItemID < b.ItemID
}

func effectiveRank(r int) int {
	if r < 1 {
		return math.MaxInt
	}
	return r
}

func splitByPlatform(items []news.NewsItem) (map[string][]news.NewsItem, []string) {
	byPlatform := make(map[string][]news.NewsItem)
	var order []string
	for _, item := range items {
		if _, ok := byPlatform[item.PlatformID]; !ok {
			order = append(order, item.PlatformID)
		}
		byPlatform[item.PlatformID] = append(byPlatform[item.PlatformID], item)
	}
	return byPlatform, order
}
