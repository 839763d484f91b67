package formatter

import (
	"errors"
	"fmt"
	"strings"

	"github.com/maine/trend_radar/internal/news"
)

// TruncationMarker дописывается к блоку, обрезанному под лимит канала.
const TruncationMarker = "…[truncated]"

// ErrLimitTooSmall: лимит канала меньше news.MinByteLimit.
var ErrLimitTooSmall = errors.New("channel byte limit is too small")

// OversizeItemWarning: блок не поместился в одну часть даже в одиночку и был обрезан.
type OversizeItemWarning struct {
	Channel string
	Item    string
	Size    int
	Limit   int
}

func (w *OversizeItemWarning) Error() string {
	return fmt.Sprintf("channel %s: item %s is %d bytes, truncated to fit %d", w.Channel, w.Item, w.Size, w.Limit)
}

// Split режет документ на части не длиннее лимита канала. Разрезы идут только между блоками;
// часть, начинающаяся с середины группы, повторяет её заголовок с пометкой продолжения.
// Если канал поддерживает составные сообщения и частей больше одной, каждая получает метку (i/n).
// Блок, который не помещается в часть целиком, пересобирается с укороченным текстом.
func (f *Formatter) Split(doc Document, ch news.ChannelConfig) ([]news.Chunk, []*OversizeItemWarning, error) {
	if len(doc.Blocks) == 0 {
		return nil, nil, nil
	}

	limit := ch.Limit()
	if limit < news.MinByteLimit {
		return nil, nil, fmt.Errorf("%w: channel %s has %d, minimum is %d", ErrLimitTooSmall, ch.Name, limit, news.MinByteLimit)
	}
	multipart := ch.SupportsMultipart()

	capacity := limit
	if multipart {
		// Частей не больше, чем блоков плюс один.
		upper := len(doc.Blocks) + 1
		capacity -= len(partLabel(upper, upper))
	}

	var (
		bodies   []string
		warnings []*OversizeItemWarning
		cur      strings.Builder
	)
	flush := func() {
		if cur.Len() > 0 {
			bodies = append(bodies, cur.String())
			cur.Reset()
		}
	}

	for i, b := range doc.Blocks {
		text := b.Text
		need := len(text)
		// Заголовок группы не отрывается от первой новости.
		if b.Kind == BlockHeader && i+1 < len(doc.Blocks) && doc.Blocks[i+1].Kind == BlockItem {
			if together := len(text) + len(doc.Blocks[i+1].Text); together <= capacity {
				need = together
			}
		}

		if cur.Len() > 0 && cur.Len()+need > capacity {
			flush()
		}

		if cur.Len() == 0 {
			text = strings.TrimPrefix(text, "\n")
			if b.Kind == BlockItem {
				if hdr, ok := doc.Continued[b.Group]; ok {
					prefix := hdr.Text
					if len(prefix) > capacity/2 {
						prefix = f.fit(doc.Format, hdr, capacity/2)
					}
					cur.WriteString(prefix)
				}
			}
		}

		if room := capacity - cur.Len(); len(text) > room {
			warnings = append(warnings, &OversizeItemWarning{
				Channel: ch.Name,
				Item:    blockName(b),
				Size:    len(text),
				Limit:   limit,
			})
			text = f.fit(doc.Format, b, room)
		}
		cur.WriteString(text)
	}
	flush()

	total := len(bodies)
	chunks := make([]news.Chunk, 0, total)
	for i, body := range bodies {
		payload := body
		if multipart && total > 1 {
			payload = partLabel(i+1, total) + body
		}
		chunks = append(chunks, news.Chunk{
			Index:   i,
			Total:   total,
			Payload: []byte(strings.TrimRight(payload, "\n")),
		})
	}
	return chunks, warnings, nil
}

// Build рендерит отчёт в формате канала и режет его на части.
func (f *Formatter) Build(report news.Report, ch news.ChannelConfig) (news.NotificationBatch, []*OversizeItemWarning, error) {
	doc := f.Render(report, ch.EffectiveFormat())
	chunks, warnings, err := f.Split(doc, ch)
	if err != nil {
		return news.NotificationBatch{}, nil, err
	}
	return news.NotificationBatch{Channel: ch, Chunks: chunks}, warnings, nil
}

func partLabel(i, n int) string {
	return fmt.Sprintf("(%d/%d)\n", i, n)
}

func blockName(b Block) string {
	switch b.Kind {
	case BlockItem:
		return b.ItemKey
	case BlockHeader:
		return fmt.Sprintf("group #%d header", b.Group)
	default:
		return "report title"
	}
}

// fit пересобирает блок не длиннее max байт. Укорачивается исходный текст, а разметка
// строится заново, так что теги, ссылки и экранирование остаются целыми.
func (f *Formatter) fit(format news.Format, b Block, max int) string {
	switch b.Kind {
	case BlockItem:
		m := b.match
		render := func(title string) string {
			m.Item.Title = title
			return f.item(b.pos, m, format)
		}
		title := strings.Join(strings.Fields(m.Item.Title), " ")
		if s, ok := shrink(title, max, render); ok {
			return s
		}
		// Не влезает даже ссылка: отдаём заголовок без неё.
		m.Item.URL, m.Item.MobileURL = "", ""
		if s, ok := shrink(title, max, render); ok {
			return s
		}
	case BlockHeader:
		if b.brief != "" {
			withBrief := func(brief string) string {
				return f.headerWithBrief(b.name, b.count, brief, format, b.continued)
			}
			if s, ok := shrink(b.brief, max, withBrief); ok {
				return s
			}
		}
		bare := func(name string) string { return f.header(name, b.count, format, b.continued) }
		if s, ok := shrink(b.name, max, bare); ok {
			return s
		}
	case BlockTitle:
		if s, ok := shrink(b.name, max, func(text string) string { return f.title(text, format) }); ok {
			return s
		}
	}

	marker := TruncationMarker
	if format == news.FormatMarkdown {
		marker = escapeMarkdown(marker)
	}
	if len(marker)+1 > max {
		return ""
	}
	return marker + "\n"
}

// shrink ищет самый длинный префикс s (по рунам), при котором render(префикс + маркер)
// укладывается в max байт.
func shrink(s string, max int, render func(string) string) (string, bool) {
	runes := []rune(s)
	best := -1
	lo, hi := 0, len(runes)
	for lo <= hi {
		mid := (lo + hi) / 2
		if len(render(string(runes[:mid])+TruncationMarker)) <= max {
			best = mid
			lo = mid + 1
		} else {
			hi = mid - 1
		}
	}
	if best < 0 {
		return "", false
	}
	return render(string(runes[:best]) + TruncationMarker), true
}
