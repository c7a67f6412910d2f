package registry

import (
	"regexp"
	"strings"

	"github.com/verchik/tg-moder/lib/similarity"
	"github.com/verchik/tg-moder/lib/textnorm"
)

// DefaultFuzzyThreshold is the minimal similarity ratio for the fuzzy
// transliterated alias pass. Picked empirically: lower values produce too
// many false positives on short common words.
const DefaultFuzzyThreshold = 0.80

// Match is a registry hit: the canonical entry and the alias that produced
// it, empty for direct name matches.
type Match struct {
	Entry Entry
	Alias string // matched alias, empty if the full name matched directly
	Pass  string // which pass produced the hit: "direct", "alias", "fuzzy" or "name-pair"
}

// Matcher finds registry mentions in message text. Read-only over the store,
// safe for concurrent use.
type Matcher struct {
	store          *Store
	fuzzyThreshold float64
}

// single short tokens too generic to be treated as pseudonym mentions
var tokenStopList = map[string]struct{}{
	"агент": {}, "мат": {}, "чел": {}, "тут": {}, "здесь": {}, "кто": {},
	"что": {}, "новости": {}, "иноагент": {},
}

// words that never form a part of a person name
var pronouns = map[string]struct{}{
	"ты": {}, "вы": {}, "он": {}, "она": {}, "они": {}, "кто": {},
	"что": {}, "это": {}, "здесь": {}, "там": {},
}

// phrases indicating the name is discussed abstractly, not asserted
var frequencyContext = []string{"встреча", "встречается", "часто", "упоминается"}

// NewMatcher makes a matcher over the given store. Zero threshold means
// DefaultFuzzyThreshold.
func NewMatcher(store *Store, fuzzyThreshold float64) *Matcher {
	if fuzzyThreshold <= 0 {
		fuzzyThreshold = DefaultFuzzyThreshold
	}
	return &Matcher{store: store, fuzzyThreshold: fuzzyThreshold}
}

// Match runs all passes in order and returns the first hit. No match is a
// normal outcome, not an error.
func (m *Matcher) Match(text string) (Match, bool) {
	norm := textnorm.Normalize(textnorm.CleanEmoji(text))
	tokens := textnorm.Tokens(text)

	if hit, ok := m.matchDirect(tokens); ok {
		return hit, true
	}
	if hit, ok := m.matchAlias(tokens); ok {
		return hit, true
	}
	if hit, ok := m.matchFuzzy(tokens); ok {
		return hit, true
	}
	if hit, ok := m.matchNamePair(norm, tokens); ok {
		return hit, true
	}
	return Match{}, false
}

// matchDirect requires at least two of the entry tokens to appear as whole
// words, and the first two entry tokens to appear in that order in the token
// stream. Plain set membership is not enough: a common given name showing up
// near an unrelated surname must not trigger.
func (m *Matcher) matchDirect(tokens []string) (Match, bool) {
	tokenSet := make(map[string]struct{}, len(tokens))
	for _, t := range tokens {
		tokenSet[t] = struct{}{}
	}

	for _, e := range m.store.entries {
		matched := 0
		for _, nt := range e.Tokens {
			if _, ok := tokenSet[nt]; ok {
				matched++
			}
		}
		if matched < 2 {
			continue
		}
		if tokensInOrder(tokens, e.Tokens[0], e.Tokens[1]) {
			return Match{Entry: e, Pass: "direct"}, true
		}
	}
	return Match{}, false
}

// tokensInOrder reports whether first appears before second in the token stream.
func tokensInOrder(tokens []string, first, second string) bool {
	firstAt := -1
	for i, t := range tokens {
		if t == first && firstAt == -1 {
			firstAt = i
			continue
		}
		if t == second && firstAt != -1 && i > firstAt {
			return true
		}
	}
	return false
}

// matchAlias looks up each token against the alias mapping, exact match only.
func (m *Matcher) matchAlias(tokens []string) (Match, bool) {
	for _, t := range tokens {
		if len([]rune(t)) < 3 {
			continue
		}
		if _, stop := tokenStopList[t]; stop {
			continue
		}
		if e, ok := m.store.Alias(t); ok {
			return Match{Entry: e, Alias: t, Pass: "alias"}, true
		}
	}
	return Match{}, false
}

// matchFuzzy transliterates longer tokens to latin and compares them against
// the latin projections of the aliases. Both sides must be at least 4
// characters, short strings make the ratio meaningless.
func (m *Matcher) matchFuzzy(tokens []string) (Match, bool) {
	for _, t := range tokens {
		if len([]rune(t)) < 4 {
			continue
		}
		if _, stop := tokenStopList[t]; stop {
			continue
		}
		lat := textnorm.ToLatin(t)
		if len(lat) < 4 {
			continue
		}
		for _, alias := range m.store.aliasOrder {
			target := m.store.aliases[alias]
			if len(target.latin) < 4 {
				continue
			}
			if similarity.Ratio(lat, target.latin) >= m.fuzzyThreshold {
				return Match{Entry: m.store.entries[target.entry], Alias: alias, Pass: "fuzzy"}, true
			}
		}
	}
	return Match{}, false
}

// matchNamePair scans consecutive token pairs looking like "name surname" and
// accepts a pair whose token set intersects an entry's tokens in two or more
// positions. Suppressed when the message reads like meta-discussion about how
// often the name comes up.
func (m *Matcher) matchNamePair(norm string, tokens []string) (Match, bool) {
	for _, ctx := range frequencyContext {
		if strings.Contains(norm, ctx) {
			return Match{}, false
		}
	}

	for i := 0; i+1 < len(tokens); i++ {
		if !validNamePart(tokens[i]) || !validNamePart(tokens[i+1]) {
			continue
		}
		pair := map[string]struct{}{tokens[i]: {}, tokens[i+1]: {}}
		for _, e := range m.store.entries {
			common := 0
			for _, nt := range e.Tokens {
				if _, ok := pair[nt]; ok {
					common++
				}
			}
			if common >= 2 {
				return Match{Entry: e, Pass: "name-pair"}, true
			}
		}
	}
	return Match{}, false
}

func validNamePart(token string) bool {
	if _, ok := pronouns[token]; ok {
		return false
	}
	if _, ok := tokenStopList[token]; ok {
		return false
	}
	return token != ""
}

// capitalized adjacent word pair, the shape a person name takes in running text
var capPairRe = regexp.MustCompile(`[А-ЯЁ][а-яё]+\s+[А-ЯЁ][а-яё]+`)

// HasNameEvidence reports whether the text carries any local name-like
// evidence: a known alias token, or a capitalized pair of words that could
// be a person name. Used to corroborate registry verdicts coming from the
// language model, which is not authoritative on registry membership.
func (m *Matcher) HasNameEvidence(text string) bool {
	for _, t := range textnorm.Tokens(text) {
		if len([]rune(t)) < 3 {
			continue
		}
		if _, ok := m.store.aliases[t]; ok {
			return true
		}
	}
	for _, pair := range capPairRe.FindAllString(text, -1) {
		parts := strings.Fields(textnorm.Normalize(pair))
		if len(parts) == 2 && validNamePart(parts[0]) && validNamePart(parts[1]) {
			return true
		}
	}
	return false
}

// ResolveName checks a normalized full name, e.g. one returned by an external
// alias resolver, against the registry by token intersection: two or more
// common tokens count as a hit.
func (m *Matcher) ResolveName(name string) (Entry, bool) {
	tokens := strings.Fields(textnorm.Normalize(name))
	if len(tokens) < 2 {
		return Entry{}, false
	}
	set := make(map[string]struct{}, len(tokens))
	for _, t := range tokens {
		set[t] = struct{}{}
	}
	for _, e := range m.store.entries {
		common := 0
		for _, nt := range e.Tokens {
			if _, ok := set[nt]; ok {
				common++
			}
		}
		if common >= 2 {
			return e, true
		}
	}
	return Entry{}, false
}
