package keywords

import "fmt"

// RuleParseError: ошибка в файле правил. Загрузка правил прерывается.
type RuleParseError struct {
	Line int
	Text string
	Msg  string
}

func (e *RuleParseError) Error() string {
	if e.Line <= 0 {
		return fmt.Sprintf("keyword rules: %s", e.Msg)
	}
	return fmt.Sprintf("keyword rules line %d (%q): %s", e.Line, e.Text, e.Msg)
}
