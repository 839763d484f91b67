package keywords_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/maine/trend_radar/internal/keywords"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{name: "empty", input: "", want: ""},
		{name: "latin case", input: "OpenAI GPT", want: "openai gpt"},
		{name: "full width latin", input: "ＡＩ芯片", want: "ai芯片"},
		{name: "collapse whitespace", input: "  Apple\t\n  Vision   Pro ", want: "apple vision pro"},
		{name: "ideographic space", input: "华为　发布", want: "华为 发布"},
		{name: "punctuation kept", input: "C++ / Rust!", want: "c++ / rust!"},
		{name: "cyrillic", input: "Горящий ТУР", want: "горящий тур"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, keywords.Normalize(tt.input))
		})
	}
}

func TestNormalizeIsIdempotent(t *testing.T) {
	for _, s := range []string{"ＡＩ 芯片", "Ｈｅｌｌｏ  World", "ﬁle"} {
		once := keywords.Normalize(s)
		require.Equal(t, once, keywords.Normalize(once))
	}
}

func TestContains(t *testing.T) {
	require.True(t, keywords.Contains("ai芯片突破", "芯片"))
	require.False(t, keywords.Contains("ai助手发布", "芯片"))
	require.False(t, keywords.Contains("anything", ""))
}
