// Package keywords разбирает файл ключевых слов в типизированные группы.
//
// Формат строк:
//
//	слово        базовое слово (достаточно любого из группы)
//	слово@N      базовое слово с лимитом N новостей за запуск
//	+термин      обязательный термин (нужны все)
//	!термин      исключающий термин (любой отменяет совпадение)
//	# ...        комментарий
//
// Пустая строка завершает группу.
package keywords

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/maine/trend_radar/internal/news"
)

// LoadFile читает и проверяет файл правил.
func LoadFile(path string) ([]news.KeywordGroup, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open keyword rules: %w", err)
	}
	defer f.Close()

	return Parse(f)
}

type groupBuilder struct {
	startLine int
	names     []string
	group     news.KeywordGroup
	seen      map[string]struct{}
}

func newGroupBuilder(line int) *groupBuilder {
	return &groupBuilder{
		startLine: line,
		seen:      make(map[string]struct{}),
		group:     news.KeywordGroup{KeywordLimits: make(map[string]int)},
	}
}

// Parse разбирает правила. Любая ошибка формата возвращается как *RuleParseError.
func Parse(r io.Reader) ([]news.KeywordGroup, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var (
		groups  []news.KeywordGroup
		current *groupBuilder
		lineNo  int
	)

	flush := func() error {
		if current == nil {
			return nil
		}
		if len(current.group.BaseKeywords) == 0 {
			return &RuleParseError{Line: current.startLine, Msg: "group has modifiers but no base keyword"}
		}
		current.group.Index = len(groups)
		current.group.Name = strings.Join(current.names, " ")
		if len(current.group.KeywordLimits) == 0 {
			current.group.KeywordLimits = nil
		}
		groups = append(groups, current.group)
		current = nil
		return nil
	}

	for scanner.Scan() {
		lineNo++
		raw := scanner.Text()
		if lineNo == 1 {
			raw = strings.TrimPrefix(raw, "\ufeff")
		}
		line := strings.TrimSpace(raw)

		if line == "" {
			if err := flush(); err != nil {
				return nil, err
			}
			continue
		}
		if strings.HasPrefix(line, "#") {
			continue
		}
		if current == nil {
			current = newGroupBuilder(lineNo)
		}
		if err := current.add(lineNo, line); err != nil {
			return nil, err
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read keyword rules: %w", err)
	}
	if err := flush(); err != nil {
		return nil, err
	}

	return groups, nil
}

func (b *groupBuilder) add(lineNo int, line string) error {
	fail := func(msg string) error {
		return &RuleParseError{Line: lineNo, Text: line, Msg: msg}
	}

	switch line[0] {
	case '+', '!':
		body := strings.TrimSpace(line[1:])
		if _, _, hasLimit, err := splitLimit(body); err != nil {
			return fail(err.Error())
		} else if hasLimit {
			return fail("limit suffix is only allowed on base keywords")
		}
		term := Normalize(body)
		if term == "" {
			return fail("empty modifier term")
		}
		if line[0] == '+' {
			b.group.RequiredTerms = appendUnique(b.group.RequiredTerms, term)
		} else {
			b.group.ExcludedTerms = appendUnique(b.group.ExcludedTerms, term)
		}
		return nil
	}

	word, limit, hasLimit, err := splitLimit(line)
	if err != nil {
		return fail(err.Error())
	}
	keyword := Normalize(word)
	if keyword == "" {
		return fail("empty base keyword")
	}

	if _, dup := b.seen[keyword]; dup {
		prev, prevHas := b.group.KeywordLimits[keyword]
		if hasLimit && (!prevHas || prev != limit) {
			return fail("conflicting limit for repeated keyword")
		}
		return nil
	}

	b.seen[keyword] = struct{}{}
	b.names = append(b.names, strings.TrimSpace(word))
	b.group.BaseKeywords = append(b.group.BaseKeywords, keyword)
	if hasLimit {
		b.group.KeywordLimits[keyword] = limit
	}
	return nil
}

// splitLimit отделяет суффикс @N. Суффикс из не-цифр считается частью слова.
func splitLimit(s string) (word string, limit int, ok bool, err error) {
	at := strings.LastIndexByte(s, '@')
	if at < 0 {
		return s, 0, false, nil
	}

	suffix := strings.TrimSpace(s[at+1:])
	word = strings.TrimSpace(s[:at])
	switch {
	case suffix == "":
		return "", 0, false, fmt.Errorf("unterminated limit: expected a number after '@'")
	case strings.HasPrefix(suffix, "-") && isDigits(suffix[1:]):
		return "", 0, false, fmt.Errorf("limit must not be negative")
	case !isDigits(suffix):
		return s, 0, false, nil
	}

	n, convErr := strconv.Atoi(suffix)
	if convErr != nil {
		return "", 0, false, fmt.Errorf("invalid limit %q", suffix)
	}
	if word == "" {
		return "", 0, false, fmt.Errorf("limit without keyword")
	}
	return word, n, true, nil
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return s != ""
}

func appendUnique(list []string, v string) []string {
	for _, existing := range list {
		if existing == v {
			return list
		}
	}
	return append(list, v)
}
