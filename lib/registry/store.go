// Package registry keeps the list of canonical names of persons subject to
// special mention handling, plus their known aliases and pseudonyms, and
// matches message text against it. The store is built once at startup from a
// line-oriented text source and is read-only afterwards, so lookups need no
// synchronization.
package registry

import (
	"bufio"
	"fmt"
	"io"
	"log"
	"regexp"
	"sort"
	"strings"

	"github.com/verchik/tg-moder/lib/textnorm"
)

// Entry is a canonical full name, normalized, at least two tokens.
type Entry struct {
	Name   string   // normalized full name, e.g. "иванов иван иванович"
	Tokens []string // name split into tokens
}

// Store holds registry entries and alias mappings, immutable after Load.
type Store struct {
	entries    []Entry
	aliases    map[string]aliasTarget // normalized alias -> target entry
	aliasOrder []string               // alias keys sorted, fuzzy scans need a stable order
}

type aliasTarget struct {
	entry int    // index into entries
	latin string // latin-only projection of the alias, for fuzzy matching
}

// LoadResult reports what the loader took and what it dropped.
type LoadResult struct {
	Entries int // number of canonical entries loaded
	Aliases int // number of alias mappings, including derived ones
	Skipped int // number of lines with no usable data
}

var (
	// capitalized two or three word sequence, the way full names appear in the source
	fullNameRe = regexp.MustCompile(`[А-ЯЁ][а-яё]+\s+[А-ЯЁ][а-яё]+(?:\s+[А-ЯЁ][а-яё]+)?`)
	// pseudonym declared with the marker keyword, optionally quoted
	pseudonymRe = regexp.MustCompile(`(?i)псевдоним(?:ом|а)?\s*[«"“]?([^»"”()\n]+)`)
	// short quoted string with no marker keyword
	quotedRe     = regexp.MustCompile(`[«"“]([^»"”]+)[»"”]`)
	latinAliasRe = regexp.MustCompile(`[a-zA-Z]`)
	nonLatinRe   = regexp.MustCompile(`[^a-z0-9]`)
)

// generic words never admitted as aliases, they match far too much
var aliasDenyList = map[string]struct{}{
	"проект": {}, "ресурс": {}, "команда": {}, "издание": {}, "газета": {},
	"телеграм": {}, "канал": {}, "организация": {}, "платформа": {}, "фонд": {},
	"агент": {}, "мат": {}, "медиа": {}, "радио": {}, "сайт": {}, "новости": {},
	"открытых": {}, "важных": {}, "иноагент": {},
}

// Load builds a Store from a line-oriented source. Full names are picked as
// capitalized two/three-word sequences; a pseudonym on the same line is bound
// to the first name found there. Entries with fewer than two tokens, short
// aliases and deny-listed aliases are discarded. Malformed lines are skipped
// with a warning and never fail the load.
func Load(reader io.Reader) (*Store, LoadResult, error) {
	s := &Store{aliases: map[string]aliasTarget{}}
	res := LoadResult{}
	seen := map[string]int{} // normalized name -> entry index

	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 1024*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, "№") ||
			strings.HasPrefix(line, "Список") || strings.HasPrefix(line, "Материал") {
			continue
		}

		names := fullNameRe.FindAllString(line, -1)
		lineEntries := []int{}
		for _, name := range names {
			norm := textnorm.Normalize(name)
			tokens := strings.Fields(norm)
			if len(tokens) < 2 {
				log.Printf("[WARN] registry entry %q has fewer than two tokens, skipped", name)
				continue
			}
			idx, ok := seen[norm]
			if !ok {
				idx = len(s.entries)
				s.entries = append(s.entries, Entry{Name: norm, Tokens: tokens})
				seen[norm] = idx
				res.Entries++
			}
			lineEntries = append(lineEntries, idx)
		}

		if len(lineEntries) == 0 {
			res.Skipped++
			continue
		}

		alias := extractAlias(line)
		if alias == "" {
			continue
		}
		added := s.addAlias(alias, lineEntries[0])
		res.Aliases += added
	}

	if err := scanner.Err(); err != nil {
		return nil, res, fmt.Errorf("failed to read registry source: %w", err)
	}

	s.aliasOrder = make([]string, 0, len(s.aliases))
	for alias := range s.aliases {
		s.aliasOrder = append(s.aliasOrder, alias)
	}
	sort.Strings(s.aliasOrder)
	return s, res, nil
}

// extractAlias pulls a pseudonym from the line: either declared with the
// marker keyword, or a short quoted string of up to three words.
func extractAlias(line string) string {
	if m := pseudonymRe.FindStringSubmatch(line); m != nil {
		return strings.TrimSpace(m[1])
	}
	if m := quotedRe.FindStringSubmatch(line); m != nil {
		maybe := strings.TrimSpace(m[1])
		if len(strings.Fields(maybe)) <= 3 {
			return maybe
		}
	}
	return ""
}

// addAlias admits an alias for the given entry, plus a derived approximate
// Cyrillic form for Latin-spelled aliases. Returns the number of mappings added.
func (s *Store) addAlias(alias string, entry int) int {
	norm := textnorm.Normalize(alias)
	if len([]rune(norm)) < 3 {
		return 0
	}
	if _, denied := aliasDenyList[norm]; denied {
		return 0
	}

	added := 0
	if _, exists := s.aliases[norm]; !exists {
		s.aliases[norm] = aliasTarget{entry: entry, latin: latinProjection(norm)}
		added++
	}

	// latin-spelled aliases get a derived approximate cyrillic form so that
	// users writing the pseudonym in cyrillic still resolve
	if latinAliasRe.MatchString(norm) {
		if alt := textnorm.ApproxCyrillic(norm); alt != "" {
			if _, exists := s.aliases[alt]; !exists {
				s.aliases[alt] = aliasTarget{entry: entry, latin: latinProjection(alt)}
				added++
			}
		}
	}
	return added
}

// latinProjection reduces an alias to its latin-letters-only form used for
// fuzzy comparison. Cyrillic-only aliases project to an empty string and are
// excluded from the fuzzy pass.
func latinProjection(alias string) string {
	return nonLatinRe.ReplaceAllString(strings.ToLower(alias), "")
}

// Entries returns all canonical entries.
func (s *Store) Entries() []Entry {
	return s.entries
}

// Alias resolves an exact normalized alias to its canonical entry.
func (s *Store) Alias(alias string) (Entry, bool) {
	t, ok := s.aliases[alias]
	if !ok {
		return Entry{}, false
	}
	return s.entries[t.entry], true
}

// Len returns the number of canonical entries.
func (s *Store) Len() int {
	return len(s.entries)
}
