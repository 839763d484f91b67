package gemini

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/maine/trend_radar/internal/config"
	"github.com/maine/trend_radar/internal/news"
)

// mockGeminiClient - мок для тестирования Briefer
type mockGeminiClient struct {
	generateTextFunc func(ctx context.Context, model string, prompt string) (string, error)
	calls            int
}

func (m *mockGeminiClient) GenerateText(ctx context.Context, model string, prompt string) (string, error) {
	m.calls++
	if m.generateTextFunc != nil {
		return m.generateTextFunc(ctx, model, prompt)
	}
	return "", errors.New("not implemented")
}

func sampleGroups() []news.GroupReport {
	item := func(title string) news.MatchResult {
		return news.MatchResult{Item: news.NewsItem{PlatformID: "weibo", ItemID: title, Title: title}}
	}
	return []news.GroupReport{
		{Group: news.KeywordGroup{Index: 0, Name: "AI", BaseKeywords: []string{"ai"}}, Matches: []news.MatchResult{item("AI chip launch"), item("New AI model")}},
		{Group: news.KeywordGroup{Index: 1, BaseKeywords: []string{"芯片", "半导体"}}},
		{Group: news.KeywordGroup{Index: 2, BaseKeywords: []string{"ev"}}, Matches: []news.MatchResult{item("EV sales up")}},
	}
}

func TestBriefer_Brief(t *testing.T) {
	tests := []struct {
		name     string
		response string
		err      error
		want     map[int]string
		wantErr  string
	}{
		{
			name:     "plain json",
			response: `[{"group":0,"brief":"New AI hardware and models."},{"group":2,"brief":"  EV sales\n grow. "}]`,
			want:     map[int]string{0: "New AI hardware and models.", 2: "EV sales grow."},
		},
		{
			name:     "json in code block",
			response: "Here you go:\n```json\n[{\"group\":2,\"brief\":\"EV sales grow.\"}]\n```",
			want:     map[int]string{2: "EV sales grow."},
		},
		{
			name:     "unknown and empty groups dropped",
			response: `[{"group":1,"brief":"not requested"},{"group":7,"brief":"x"},{"group":0,"brief":"  "}]`,
			want:     map[int]string{},
		},
		{
			name:     "garbage",
			response: "I cannot help with that",
			wantErr:  "unmarshal response",
		},
		{
			name:    "client error",
			err:     errors.New("gemini API quota exceeded"),
			wantErr: "quota exceeded",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var prompt, model string
			client := &mockGeminiClient{generateTextFunc: func(ctx context.Context, m, p string) (string, error) {
				model, prompt = m, p
				return tt.response, tt.err
			}}
			b := NewBriefer(client, config.Gemini{Model: "models/test"}, nil)

			got, err := b.Brief(context.Background(), sampleGroups())
			if tt.wantErr != "" {
				require.ErrorContains(t, err, tt.wantErr)
				require.Nil(t, got)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
			require.Equal(t, 1, client.calls)
			require.Equal(t, "models/test", model)
			require.Contains(t, prompt, `"name":"AI"`)
			require.Contains(t, prompt, `"group":2`)
			require.NotContains(t, prompt, "半导体", "groups without matches are not sent")
		})
	}
}

func TestBriefer_NoMatchesSkipsRequest(t *testing.T) {
	client := &mockGeminiClient{}
	b := NewBriefer(client, config.Gemini{}, nil)

	got, err := b.Brief(context.Background(), []news.GroupReport{{Group: news.KeywordGroup{Name: "empty"}}})
	require.NoError(t, err)
	require.Nil(t, got)
	require.Zero(t, client.calls)
}

func TestBriefer_MaxTitles(t *testing.T) {
	var prompt string
	client := &mockGeminiClient{generateTextFunc: func(ctx context.Context, m, p string) (string, error) {
		prompt = p
		return "[]", nil
	}}
	b := NewBriefer(client, config.Gemini{MaxTitles: 1}, nil)

	_, err := b.Brief(context.Background(), sampleGroups())
	require.NoError(t, err)
	require.Contains(t, prompt, "AI chip launch")
	require.NotContains(t, prompt, "New AI model")
}

func TestOneLine(t *testing.T) {
	require.Equal(t, "a b c", oneLine(" a \n b\tc "))
	long := oneLine(strings.Repeat("ы", maxBriefRunes+10))
	require.Equal(t, maxBriefRunes+1, len([]rune(long)))
	require.True(t, strings.HasSuffix(long, "…"))
}

func TestExtractJSON(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{in: `[{"a":1}]`, want: `[{"a":1}]`},
		{in: "```json\n[{\"a\":[1,2]}]\n```", want: `[{"a":[1,2]}]`},
		{in: "```\n[1]\n```", want: `[1]`},
		{in: `Sure! [1, [2]] trailing`, want: `[1, [2]]`},
		{in: `no array`, want: ``},
		{in: `[unclosed`, want: ``},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, extractJSON(tt.in), tt.in)
	}
}
