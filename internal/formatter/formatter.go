package formatter

import (
	"fmt"
	"html"
	"strings"

	"github.com/microcosm-cc/bluemonday"

	"github.com/maine/trend_radar/internal/news"
)

// BlockKind: вид блока документа.
type BlockKind int

const (
	BlockTitle BlockKind = iota
	BlockHeader
	BlockItem
)

// Block описывает неделимую часть сообщения: заголовок отчёта, заголовок группы или одна новость.
// Исходные поля нужны, чтобы пересобрать блок с укороченным текстом.
type Block struct {
	Kind    BlockKind
	Group   int
	Text    string // заканчивается переводом строки
	ItemKey string // для BlockItem

	match     news.MatchResult
	pos       int
	name      string // текст заголовка отчёта или имя группы
	count     int
	brief     string
	continued bool
}

// Document: отчёт, отрендеренный в формате канала, до разбиения на части.
type Document struct {
	Format news.Format
	Blocks []Block
	// Continued: заголовок группы для части, которая начинается с середины группы.
	Continued map[int]Block
}

// String возвращает документ целиком, без разбиения.
func (d Document) String() string {
	var sb strings.Builder
	for i, b := range d.Blocks {
		text := b.Text
		if i == 0 {
			text = strings.TrimPrefix(text, "\n")
		}
		sb.WriteString(text)
	}
	return sb.String()
}

// Formatter рендерит отчёт и режет его на части по лимиту канала.
type Formatter struct {
	policy *bluemonday.Policy
}

// NewFormatter создаёт форматтер.
func NewFormatter() *Formatter {
	return &Formatter{policy: bluemonday.StrictPolicy()}
}

// Render строит документ: секция на каждую группу в порядке правил, новости в порядке оценки.
// Группы без совпадений пропускаются; пустой отчёт даёт пустой документ.
func (f *Formatter) Render(report news.Report, format news.Format) Document {
	doc := Document{Format: format, Continued: make(map[int]Block)}
	if report.Empty() {
		return doc
	}

	ts := report.GeneratedAt.Format("2006-01-02 15:04")
	title := fmt.Sprintf("TrendRadar %s report, %s", report.Mode, ts)
	doc.Blocks = append(doc.Blocks, Block{Kind: BlockTitle, Group: -1, Text: f.title(title, format), name: title})

	for _, g := range report.Groups {
		if len(g.Matches) == 0 {
			continue
		}
		idx := g.Group.Index
		name, count := g.Group.Name, len(g.Matches)
		doc.Blocks = append(doc.Blocks, Block{
			Kind:  BlockHeader,
			Group: idx,
			Text:  "\n" + f.headerWithBrief(name, count, g.Brief, format, false),
			name:  name,
			count: count,
			brief: g.Brief,
		})
		doc.Continued[idx] = Block{
			Kind:      BlockHeader,
			Group:     idx,
			Text:      f.header(name, count, format, true),
			name:      name,
			count:     count,
			continued: true,
		}

		for i, m := range g.Matches {
			doc.Blocks = append(doc.Blocks, Block{
				Kind:    BlockItem,
				Group:   idx,
				Text:    f.item(i+1, m, format),
				ItemKey: m.Item.Key(),
				match:   m,
				pos:     i + 1,
			})
		}
	}
	return doc
}

func (f *Formatter) title(text string, format news.Format) string {
	switch format {
	case news.FormatMarkdown:
		return "**" + escapeMarkdown(text) + "**\n"
	case news.FormatHTML:
		return "<b>" + html.EscapeString(text) + "</b>\n"
	default:
		return text + "\n"
	}
}

func (f *Formatter) header(name string, count int, format news.Format, continued bool) string {
	suffix := ""
	if continued {
		suffix = " (cont.)"
	}
	switch format {
	case news.FormatMarkdown:
		return fmt.Sprintf("**%s** (%d)%s\n", escapeMarkdown(name), count, suffix)
	case news.FormatHTML:
		return fmt.Sprintf("<b>%s</b> (%d)%s\n", f.policy.Sanitize(name), count, suffix)
	default:
		return fmt.Sprintf("== %s (%d)%s ==\n", name, count, suffix)
	}
}

func (f *Formatter) headerWithBrief(name string, count int, brief string, format news.Format, continued bool) string {
	header := f.header(name, count, format, continued)
	if brief != "" {
		header += f.brief(brief, format)
	}
	return header
}

func (f *Formatter) brief(text string, format news.Format) string {
	text = strings.Join(strings.Fields(text), " ")
	switch format {
	case news.FormatMarkdown:
		return "_" + escapeMarkdown(text) + "_\n"
	case news.FormatHTML:
		return "<i>" + f.policy.Sanitize(text) + "</i>\n"
	default:
		return "» " + text + "\n"
	}
}

func (f *Formatter) item(n int, m news.MatchResult, format news.Format) string {
	it := m.Item
	platform := it.PlatformName
	if platform == "" {
		platform = it.PlatformID
	}
	title := strings.Join(strings.Fields(it.Title), " ")
	url := it.URL
	if url == "" {
		url = it.MobileURL
	}

	switch format {
	case news.FormatMarkdown:
		line := fmt.Sprintf("%d. [%s] ", n, escapeMarkdown(platform))
		if url != "" {
			line += fmt.Sprintf("[%s](%s)", escapeMarkdown(title), url)
		} else {
			line += escapeMarkdown(title)
		}
		return line + fmt.Sprintf(" #%d\n", it.RankPosition)
	case news.FormatHTML:
		line := fmt.Sprintf("%d. [%s] ", n, html.EscapeString(platform))
		safeTitle := f.policy.Sanitize(title)
		if url != "" {
			line += fmt.Sprintf(`<a href="%s">%s</a>`, html.EscapeString(url), safeTitle)
		} else {
			line += safeTitle
		}
		return line + fmt.Sprintf(" #%d\n", it.RankPosition)
	default:
		line := fmt.Sprintf("%d. [%s] %s #%d", n, platform, title, it.RankPosition)
		if url != "" {
			line += " " + url
		}
		return line + "\n"
	}
}

var markdownEscaper = strings.NewReplacer(`[`, `\[`, `]`, `\]`, `*`, `\*`, `_`, `\_`, "`", "\\`")

func escapeMarkdown(s string) string {
	return markdownEscaper.Replace(s)
}
