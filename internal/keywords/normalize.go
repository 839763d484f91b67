package keywords

import (
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

var folder = cases.Fold()

// Normalize приводит текст к форме, в которой сравниваются ключевые слова и заголовки:
// NFKC, полный case folding, схлопывание пробельных последовательностей в один пробел.
// Пунктуация не удаляется; сравнение идёт по вхождению подстроки для любой письменности.
func Normalize(s string) string {
	if s == "" {
		return ""
	}
	s = folder.String(norm.NFKC.String(s))

	var b strings.Builder
	b.Grow(len(s))
	space := false
	for _, r := range s {
		if unicode.IsSpace(r) {
			space = true
			continue
		}
		if space && b.Len() > 0 {
			b.WriteByte(' ')
		}
		space = false
		b.WriteRune(r)
	}
	return b.String()
}

// Contains проверяет вхождение уже нормализованного термина в нормализованный текст.
func Contains(text, term string) bool {
	return term != "" && strings.Contains(text, term)
}
