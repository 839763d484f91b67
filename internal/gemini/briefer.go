package gemini

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/maine/trend_radar/internal/config"
	"github.com/maine/trend_radar/internal/news"
)

// maxBriefRunes: предел длины одной сводки, длиннее обрезаем.
const maxBriefRunes = 200

// Briefer пишет однострочную сводку для каждой группы ключевых слов одним запросом к Gemini.
type Briefer struct {
	client GeminiClient
	cfg    config.Gemini
	log    *slog.Logger
}

// NewBriefer создаёт новый экземпляр.
func NewBriefer(client GeminiClient, cfg config.Gemini, log *slog.Logger) *Briefer {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if cfg.MaxTitles <= 0 {
		cfg.MaxTitles = 5
	}
	if cfg.Model == "" {
		cfg.Model = config.DefaultGeminiModel
	}
	return &Briefer{client: client, cfg: cfg, log: log}
}

type groupInput struct {
	Group  int      `json:"group"`
	Name   string   `json:"name"`
	Titles []string `json:"titles"`
}

type briefResponse struct {
	Group int    `json:"group"`
	Brief string `json:"brief"`
}

// Brief возвращает сводки по позиции группы в groups. Группы без совпадений пропускаются.
// Ошибка означает, что сводок нет совсем; вызывающий продолжает без них.
func (b *Briefer) Brief(ctx context.Context, groups []news.GroupReport) (map[int]string, error) {
	input := make([]groupInput, 0, len(groups))
	for i, g := range groups {
		if len(g.Matches) == 0 {
			continue
		}
		titles := make([]string, 0, b.cfg.MaxTitles)
		for _, m := range g.Matches {
			if len(titles) == b.cfg.MaxTitles {
				break
			}
			titles = append(titles, m.Item.Title)
		}
		input = append(input, groupInput{Group: i, Name: groupName(g.Group), Titles: titles})
	}
	if len(input) == 0 {
		return nil, nil
	}

	inputJSON, err := json.Marshal(input)
	if err != nil {
		return nil, fmt.Errorf("marshal input: %w", err)
	}

	b.log.Info("requesting group briefs", "groups", len(input), "model", b.cfg.Model)
	responseText, err := b.client.GenerateText(ctx, b.cfg.Model, buildBriefPrompt(string(inputJSON)))
	if err != nil {
		return nil, fmt.Errorf("generate text: %w", err)
	}

	var briefs []briefResponse
	if err := json.Unmarshal([]byte(responseText), &briefs); err != nil {
		// Модель могла обернуть ответ в текст или code block.
		cleaned := extractJSON(responseText)
		if cleaned == "" {
			return nil, fmt.Errorf("unmarshal response: %w (raw: %s)", err, responseText)
		}
		if err := json.Unmarshal([]byte(cleaned), &briefs); err != nil {
			return nil, fmt.Errorf("unmarshal cleaned response: %w (raw: %s)", err, responseText)
		}
	}

	requested := make(map[int]bool, len(input))
	for _, in := range input {
		requested[in.Group] = true
	}

	result := make(map[int]string, len(briefs))
	for _, br := range briefs {
		if !requested[br.Group] {
			b.log.Warn("brief for unknown group ignored", "group", br.Group)
			continue
		}
		text := oneLine(br.Brief)
		if text == "" {
			continue
		}
		result[br.Group] = text
	}
	b.log.Info("group briefs received", "requested", len(input), "received", len(result))
	return result, nil
}

func groupName(g news.KeywordGroup) string {
	if g.Name != "" {
		return g.Name
	}
	return strings.Join(g.BaseKeywords, " ")
}

// oneLine схлопывает пробелы и переносы и ограничивает длину.
func oneLine(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	if utf8.RuneCountInString(s) <= maxBriefRunes {
		return s
	}
	runes := []rune(s)
	return strings.TrimSpace(string(runes[:maxBriefRunes])) + "…"
}

func buildBriefPrompt(inputJSON string) string {
	return fmt.Sprintf(`You are an editor of a trending news digest.

For every keyword group below you get its name and the titles of its top trending items.
Write ONE short sentence (at most 25 words) describing what is trending in that group.
Write in the language the titles are written in. Do not invent facts that are not in the titles.

Return ONLY a JSON array without any extra text or markdown, in the form:
[{"group": <group number from input>, "brief": "<one sentence>"}]

Input:
%s`, inputJSON)
}

// extractJSON пытается извлечь JSON-массив из текста ответа модели.
func extractJSON(text string) string {
	original := text

	// Удаляем markdown code block (```json ... ``` или ``` ... ```).
	if start := strings.Index(text, "```"); start != -1 {
		contentStart := start + 3
		if strings.HasPrefix(text[contentStart:], "json") {
			contentStart += 4
		}
		remaining := strings.TrimLeft(text[contentStart:], " \t\r\n")
		if end := strings.Index(remaining, "```"); end != -1 {
			text = strings.TrimSpace(remaining[:end])
		}
	}
	if text == "" {
		text = original
	}

	start := strings.Index(text, "[")
	if start == -1 {
		return ""
	}

	depth := 0
	for i := start; i < len(text); i++ {
		switch text[i] {
		case '[':
			depth++
		case ']':
			depth--
			if depth == 0 {
				return strings.TrimSpace(text[start : i+1])
			}
		}
	}
	return ""
}
