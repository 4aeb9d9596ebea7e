package crawler

import (
	"math"
	"strconv"
	"strings"
	"unicode"
)

// NormalizeISSN strips separators and whitespace and upper-cases the check digit.
func NormalizeISSN(raw string) string {
	var b strings.Builder
	for _, r := range raw {
		if r == '-' || unicode.IsSpace(r) {
			continue
		}
		b.WriteRune(unicode.ToUpper(r))
	}
	return b.String()
}

// NumericOrZero parses the trimmed value as a whole number. Integral floats
// such as "4.0" are accepted; anything else, "4/5" included, yields 0.
func NumericOrZero(s string) int {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0
	}
	if n, err := strconv.Atoi(s); err == nil {
		return n
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) || f != math.Trunc(f) {
		return 0
	}
	if f > math.MaxInt32 || f < math.MinInt32 {
		return 0
	}
	return int(f)
}
