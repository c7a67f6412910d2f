// Package similarity provides a normalized string likeness measure used by
// the fuzzy registry matching and the near-duplicate spam detection.
package similarity

// Ratio returns a similarity measure of two strings in [0, 1], based on the
// longest common subsequence: 2*LCS(a,b) / (len(a)+len(b)) over runes.
// Symmetric, and 1.0 only for identical strings.
func Ratio(a, b string) float64 {
	ra, rb := []rune(a), []rune(b)
	if len(ra) == 0 && len(rb) == 0 {
		return 1.0
	}
	if len(ra) == 0 || len(rb) == 0 {
		return 0.0
	}
	return 2.0 * float64(lcs(ra, rb)) / float64(len(ra)+len(rb))
}

// lcs computes the longest common subsequence length with a rolling
// single-row table. Inputs here are short (tokens, chat messages), so the
// quadratic scan is fine.
func lcs(a, b []rune) int {
	if len(b) > len(a) {
		a, b = b, a // keep the row on the shorter side
	}
	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)
	for i := 1; i <= len(a); i++ {
		for j := 1; j <= len(b); j++ {
			if a[i-1] == b[j-1] {
				curr[j] = prev[j-1] + 1
				continue
			}
			if prev[j] >= curr[j-1] {
				curr[j] = prev[j]
			} else {
				curr[j] = curr[j-1]
			}
		}
		prev, curr = curr, prev
		for j := range curr {
			curr[j] = 0
		}
	}
	return prev[len(b)]
}
