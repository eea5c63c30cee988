package summarize

import (
	"sort"
	"strings"
	"unicode"

	"github.com/HamiltonHausTech/ai-context-manager/internal/tokens"
)

// DefaultEllipsis marks truncated text.
const DefaultEllipsis = " …"

// Truncate returns the longest rune prefix of text that, with the ellipsis
// marker appended, estimates to at most target tokens. When the marker
// itself does not leave room for any content the prefix is returned bare.
// The result always estimates to at most target; target < 1 yields "".
func Truncate(est tokens.Estimator, text string, target int, ellipsis string) string {
	if target < 1 {
		return ""
	}
	if est.Estimate(text) <= target {
		return text
	}

	runes := []rune(text)
	withMarker := longestPrefix(runes, func(prefix string) bool {
		return est.Estimate(prefix+ellipsis) <= target
	})
	if withMarker > 0 {
		out := strings.TrimRightFunc(string(runes[:withMarker]), unicode.IsSpace) + ellipsis
		if est.Estimate(out) <= target {
			return out
		}
	}

	bare := longestPrefix(runes, func(prefix string) bool {
		return est.Estimate(prefix) <= target
	})
	out := string(runes[:bare])
	if est.Estimate(out) > target {
		return ""
	}
	return out
}

// longestPrefix finds the largest n < len(runes) for which fits holds on
// runes[:n], assuming fits is monotone. Returns 0 when only the empty prefix
// fits.
func longestPrefix(runes []rune, fits func(string) bool) int {
	// sort.Search finds the first n that does not fit
	n := sort.Search(len(runes), func(n int) bool {
		return !fits(string(runes[:n+1]))
	})
	return n
}
