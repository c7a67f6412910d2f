package moder

import (
	"bufio"
	"fmt"
	"io"
	"regexp"
	"strings"

	"github.com/verchik/tg-moder/lib/textnorm"
)

// heuristic is the cheap first-pass risk scorer. Stateless between calls,
// term lists replaceable at runtime via the Load* methods on Detector.
type heuristic struct {
	dangerTerms     []dangerTerm
	aggressiveWords []string
}

// dangerTerm is either a whole-word match or a prefix match, mirroring how
// violent vocabulary inflects: "терроризм" catches "терроризма" too.
type dangerTerm struct {
	word   string
	prefix bool
}

func defaultHeuristic() *heuristic {
	return &heuristic{
		dangerTerms: []dangerTerm{
			{word: "убить"}, {word: "уничтожить"}, {word: "смерть"}, {word: "ненавижу"},
			{word: "терроризм", prefix: true}, {word: "взорвать"}, {word: "стрелять"}, {word: "война"},
		},
		aggressiveWords: []string{"ублюдок", "мудак", "тварь", "сволочь", "сука"},
	}
}

// score sums fixed increments per hit and amplifies long already-suspicious
// messages. Always in [0,1].
func (h *heuristic) score(text string) float64 {
	low := strings.ToLower(text)
	tokens := textnorm.Tokens(low)

	score := 0.0
	for _, term := range h.dangerTerms {
		if term.prefix {
			if strings.Contains(low, term.word) {
				score += 0.1
			}
			continue
		}
		for _, t := range tokens {
			if t == term.word {
				score += 0.1
				break
			}
		}
	}

	for _, w := range h.aggressiveWords {
		if strings.Contains(low, w) {
			score += 0.05
		}
	}

	// sustained aggression in a long message reads worse than a single word
	if len(strings.Fields(text)) > 20 && score > 0.2 {
		score *= 1.3
	}

	if score > 1.0 {
		score = 1.0
	}
	return score
}

var (
	linkRe   = regexp.MustCompile(`https?://\S+`)
	domainRe = regexp.MustCompile(`[a-zA-Z0-9](?:[a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?(?:\.[a-zA-Z0-9](?:[a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?)+`)
	// evasive spellings like "example[.]com"
	obfuscatedRe = regexp.MustCompile(`[a-zA-Z0-9-]+\[\.\][a-zA-Z0-9-]+(?:\.[a-zA-Z]+)?`)
)

// extractLinks returns explicit http(s) URLs in order of appearance.
func extractLinks(text string) []string {
	return linkRe.FindAllString(text, -1)
}

// extractDomains finds bare domain names, de-obfuscating "[.]" forms.
// Duplicates removed, first-seen order kept.
func extractDomains(text string) []string {
	var res []string
	seen := map[string]struct{}{}
	add := func(d string) {
		if _, ok := seen[d]; !ok {
			seen[d] = struct{}{}
			res = append(res, d)
		}
	}
	for _, d := range domainRe.FindAllString(text, -1) {
		add(d)
	}
	for _, d := range obfuscatedRe.FindAllString(text, -1) {
		add(strings.ReplaceAll(d, "[.]", "."))
	}
	return res
}

// loadWords reads one term per line, skipping blanks and "#" comments.
func loadWords(reader io.Reader) ([]string, error) {
	var res []string
	scanner := bufio.NewScanner(reader)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		res = append(res, strings.ToLower(line))
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read word list: %w", err)
	}
	return res, nil
}
