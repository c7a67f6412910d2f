// Package textnorm normalizes message text for matching: lowercasing,
// folding "ё" to "е", whitespace collapsing and tokenization. It also
// provides lossy Cyrillic/Latin transliteration used by the fuzzy alias
// matching. The transliteration is best-effort and not invertible - it must
// never be used for anything requiring correctness, e.g. storage keys.
package textnorm

import (
	"regexp"
	"strings"
	"unicode"

	"github.com/forPelevin/gomoji"
)

var tokenRe = regexp.MustCompile(`[А-Яа-яёЁA-Za-z0-9\-]+`)

// Normalize strips invisible characters, lowercases the text, folds "ё" to
// "е", trims it and collapses internal whitespace runs to a single space.
func Normalize(s string) string {
	s = CleanInvisible(s)
	s = strings.ToLower(s)
	s = strings.ReplaceAll(s, "ё", "е")
	return strings.Join(strings.Fields(s), " ")
}

// Tokens splits text into word tokens, normalized. Invisible characters are
// stripped first, a zero-width joiner inside a word must not split it in two.
func Tokens(s string) []string {
	raw := tokenRe.FindAllString(CleanInvisible(s), -1)
	res := make([]string, 0, len(raw))
	for _, t := range raw {
		res = append(res, Normalize(t))
	}
	return res
}

// CleanEmoji removes emojis from the text.
func CleanEmoji(s string) string {
	return gomoji.RemoveEmojis(s)
}

// CleanInvisible removes control, format and invisible characters often used
// to disguise messages.
func CleanInvisible(text string) string {
	var result strings.Builder
	result.Grow(len(text))
	for _, r := range text {
		// skip control and format characters
		if unicode.Is(unicode.Cc, r) && r != '\n' && r != '\t' || unicode.Is(unicode.Cf, r) {
			continue
		}
		// skip specific ranges of invisible characters
		if (r >= 0x200B && r <= 0x200F) || (r >= 0x2060 && r <= 0x206F) {
			continue
		}
		result.WriteRune(r)
	}
	return result.String()
}

// cyrillic to latin, fixed digraph table
var ruToLat = map[rune]string{
	'а': "a", 'б': "b", 'в': "v", 'г': "g", 'д': "d", 'е': "e", 'ё': "e",
	'ж': "zh", 'з': "z", 'и': "i", 'й': "i", 'к': "k", 'л': "l", 'м': "m",
	'н': "n", 'о': "o", 'п': "p", 'р': "r", 'с': "s", 'т': "t", 'у': "u",
	'ф': "f", 'х': "h", 'ц': "c", 'ч': "ch", 'ш': "sh", 'щ': "sh",
	'ъ': "", 'ы': "y", 'ь': "", 'э': "e", 'ю': "yu", 'я': "ya",
}

// latin to approximate cyrillic, single letters only
var latToRu = map[rune]string{
	'a': "а", 'b': "б", 'c': "ц", 'd': "д", 'e': "е", 'f': "ф", 'g': "г",
	'h': "х", 'i': "и", 'j': "й", 'k': "к", 'l': "л", 'm': "м", 'n': "н",
	'o': "о", 'p': "п", 'q': "к", 'r': "р", 's': "с", 't': "т", 'u': "у",
	'v': "в", 'w': "в", 'x': "кс", 'y': "и", 'z': "з",
}

// ToLatin maps each Cyrillic letter to a fixed Latin digraph or letter,
// keeps Latin letters and digits as is and drops everything else.
func ToLatin(s string) string {
	s = strings.ToLower(s)
	var out strings.Builder
	out.Grow(len(s))
	for _, r := range s {
		if lat, ok := ruToLat[r]; ok {
			out.WriteString(lat)
			continue
		}
		if r >= 'a' && r <= 'z' || r >= '0' && r <= '9' {
			out.WriteRune(r)
		}
	}
	return out.String()
}

var ksRunRe = regexp.MustCompile(`(кс){2,}`)

// collapseRuns shrinks runs of three or more identical runes to a single one,
// keeping shorter runs as is. Go regexp has no backreferences, so this is a
// plain scan over the rune runs.
func collapseRuns(s string) string {
	runes := []rune(s)
	var out strings.Builder
	out.Grow(len(s))
	for i := 0; i < len(runes); {
		j := i
		for j < len(runes) && runes[j] == runes[i] {
			j++
		}
		if j-i >= 3 {
			out.WriteRune(runes[i])
		} else {
			for k := i; k < j; k++ {
				out.WriteRune(runes[k])
			}
		}
		i = j
	}
	return out.String()
}

// ApproxCyrillic maps Latin letters to an approximate Cyrillic form,
// collapsing repeated "кс" sequences and runs of three or more identical
// letters. This is a heuristic de-stylization of stage names, e.g.
// "oxxxymiron" comes out as "оксимирон".
func ApproxCyrillic(s string) string {
	s = strings.ToLower(s)
	var out strings.Builder
	out.Grow(len(s))
	for _, r := range s {
		if ru, ok := latToRu[r]; ok {
			out.WriteString(ru)
			continue
		}
		if r >= '0' && r <= '9' {
			out.WriteRune(r)
		}
	}
	res := ksRunRe.ReplaceAllString(out.String(), "кс")
	return collapseRuns(res)
}
