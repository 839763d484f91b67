package ranking

import (
	"fmt"
	"math"
	"sort"

	"github.com/maine/trend_radar/internal/news"
)

// Weights задаёт вклад составляющих оценки. Сумма должна быть равна 1.
type Weights struct {
	Rank      float64 `yaml:"rank"`
	Frequency float64 `yaml:"frequency"`
	Hotness   float64 `yaml:"hotness"`
}

// DefaultWeights: 0.6 позиция, 0.3 частота, 0.1 популярность.
func DefaultWeights() Weights {
	return Weights{Rank: 0.6, Frequency: 0.3, Hotness: 0.1}
}

// Validate проверяет, что итоговая оценка останется в [0,1].
func (w Weights) Validate() error {
	if w.Rank < 0 || w.Frequency < 0 || w.Hotness < 0 {
		return fmt.Errorf("score weights must not be negative")
	}
	if sum := w.Rank + w.Frequency + w.Hotness; math.Abs(sum-1) > 1e-9 {
		return fmt.Errorf("score weights must sum to 1, got %.4f", sum)
	}
	return nil
}

// platformStats: сведения о текущей выборке платформы.
type platformStats struct {
	size       int
	maxHotness float64
}

// Ranker вычисляет оценку совпадений и упорядочивает их.
type Ranker struct {
	weights         Weights
	frequencyWindow int
	platforms       map[string]platformStats
}

// NewRanker создаёт ранкер для текущей выборки. items: все новости запуска,
// по ним считаются размер рейтинга и максимум популярности каждой платформы.
func NewRanker(weights Weights, frequencyWindow int, items []news.NewsItem) *Ranker {
	stats := make(map[string]platformStats)
	for _, item := range items {
		s := stats[item.PlatformID]
		s.size++
		if item.Hotness > s.maxHotness {
			s.maxHotness = item.Hotness
		}
		stats[item.PlatformID] = s
	}
	return &Ranker{
		weights:         weights,
		frequencyWindow: frequencyWindow,
		platforms:       stats,
	}
}

// Score вычисляет оценку одного совпадения. window: последние снимки платформы
// (от новых к старым); учитываются первые frequencyWindow.
func (r *Ranker) Score(match news.MatchResult, window []news.Snapshot) news.ScoreBreakdown {
	stats := r.platforms[match.Item.PlatformID]

	b := news.ScoreBreakdown{
		Rank:      RankScore(match.Item.RankPosition, stats.size),
		Frequency: FrequencyScore(match.Item.ItemID, window, r.frequencyWindow),
		Hotness:   HotnessScore(match.Item.Hotness, stats.maxHotness),
	}
	b.Total = clamp01(r.weights.Rank*b.Rank + r.weights.Frequency*b.Frequency + r.weights.Hotness*b.Hotness)
	return b
}

// Rank проставляет оценки и сортирует совпадения внутри каждой группы.
// history: снимки по платформам, от новых к старым.
func (r *Ranker) Rank(matches []news.MatchResult, history map[string][]news.Snapshot) []news.MatchResult {
	out := make([]news.MatchResult, len(matches))
	for i, m := range matches {
		m.Breakdown = r.Score(m, history[m.Item.PlatformID])
		m.Score = m.Breakdown.Total
		out[i] = m
	}
	Sort(out)
	return out
}

// Sort упорядочивает совпадения: группа, оценка по убыванию, частота по убыванию,
// более ранняя выборка, id новости, платформа.
func Sort(matches []news.MatchResult) {
	sort.SliceStable(matches, func(i, j int) bool {
		a, b := matches[i], matches[j]
		if a.Group.Index != b.Group.Index {
			return a.Group.Index < b.Group.Index
		}
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.Breakdown.Frequency != b.Breakdown.Frequency {
			return a.Breakdown.Frequency > b.Breakdown.Frequency
		}
		if !a.Item.FetchedAt.Equal(b.Item.FetchedAt) {
			return a.Item.FetchedAt.Before(b.Item.FetchedAt)
		}
		if a.Item.ItemID != b.Item.ItemID {
			return a.Item.ItemID < b.Item.ItemID
		}
		return a.Item.PlatformID < b.Item.PlatformID
	})
}

// RankScore: (N - r + 1) / N, где N: размер рейтинга (не меньше r).
// Первая позиция получает 1, значение не растёт с увеличением позиции.
func RankScore(position, size int) float64 {
	if position < 1 {
		return 0
	}
	n := size
	if n < position {
		n = position
	}
	return float64(n-position+1) / float64(n)
}

// FrequencyScore: доля снимков окна, в которых встречалась новость, не больше 1.
func FrequencyScore(itemID string, window []news.Snapshot, size int) float64 {
	if size <= 0 {
		return 0
	}
	if len(window) > size {
		window = window[:size]
	}
	count := 0
	for _, snap := range window {
		if snap.Contains(itemID) {
			count++
		}
	}
	return clamp01(float64(count) / float64(size))
}

// HotnessScore нормирует популярность на максимум платформы.
func HotnessScore(hotness, max float64) float64 {
	if hotness <= 0 || max <= 0 {
		return 0
	}
	return clamp01(hotness / max)
}

func clamp01(v float64) float64 {
	switch {
	case math.IsNaN(v), v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
