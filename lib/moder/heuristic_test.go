package moder

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeuristic_Score(t *testing.T) {
	h := defaultHeuristic()

	tests := []struct {
		name string
		text string
		want float64
	}{
		{"empty", "", 0},
		{"benign", "добрый день, как дела", 0},
		{"one danger word", "я тебя убить готов", 0.1},
		{"danger word inside another token not counted", "убитьграмм не слово", 0},
		{"aggressive word", "ну ты и мудак", 0.05},
		{"danger plus aggressive", "убить тебя мало, тварь", 0.15},
		{"prefix term inflected", "обвинение в терроризме", 0.1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, h.score(tt.text), 1e-9)
		})
	}
}

func TestHeuristic_LongMessageAmplification(t *testing.T) {
	h := defaultHeuristic()

	base := "убить уничтожить смерть" // three danger words, score 0.3
	assert.InDelta(t, 0.3, h.score(base), 1e-9)

	long := base + strings.Repeat(" слово", 25)
	assert.InDelta(t, 0.39, h.score(long), 1e-9, "long suspicious message amplified by 1.3")
}

func TestHeuristic_Clamped(t *testing.T) {
	h := defaultHeuristic()
	text := "убить уничтожить смерть ненавижу терроризм взорвать стрелять война ублюдок мудак тварь сволочь сука" +
		strings.Repeat(" еще слова для длины", 10)
	assert.InDelta(t, 1.0, h.score(text), 1e-9)
}

func TestExtractLinks(t *testing.T) {
	links := extractLinks("смотри https://example.com/page и http://other.org тут")
	require.Len(t, links, 2)
	assert.Equal(t, "https://example.com/page", links[0])

	assert.Empty(t, extractLinks("нет ссылок"))
}

func TestExtractDomains(t *testing.T) {
	domains := extractDomains("заходите на example.com или example[.]com и sub.other.org")
	assert.Contains(t, domains, "example.com")
	assert.Contains(t, domains, "sub.other.org")

	// de-obfuscated form folds into the same domain, no duplicates
	count := 0
	for _, d := range domains {
		if d == "example.com" {
			count++
		}
	}
	assert.Equal(t, 1, count)
}

func TestLoadWords(t *testing.T) {
	words, err := loadWords(strings.NewReader("# комментарий\nУгроза\n\nвтороеслово\n"))
	require.NoError(t, err)
	assert.Equal(t, []string{"угроза", "второеслово"}, words)
}
