package reconcile

import (
	"strings"
)

// CompareVersions orders version strings, comparing runs of digits
// numerically and everything else lexically, so "1.9" < "1.10".
// When one version is a prefix of the other, a remainder starting with '-'
// marks a pre-release ("1.0-rc1" < "1.0"); any other remainder sorts higher.
func CompareVersions(a, b string) int {
	for a != "" && b != "" {
		ra, restA := nextRun(a)
		rb, restB := nextRun(b)
		if c := compareRun(ra, rb); c != 0 {
			return c
		}
		a, b = restA, restB
	}
	switch {
	case a == "" && b == "":
		return 0
	case a == "":
		if isPrereleaseTail(b) {
			return 1
		}
		return -1
	default:
		if isPrereleaseTail(a) {
			return -1
		}
		return 1
	}
}

func isPrereleaseTail(s string) bool {
	return strings.HasPrefix(s, "-") || strings.HasPrefix(s, "~")
}

func isDigit(b byte) bool { return b >= '0' && b <= '9' }

// nextRun splits off the leading run of digits or non-digits.
func nextRun(s string) (string, string) {
	digits := isDigit(s[0])
	i := 1
	for i < len(s) && isDigit(s[i]) == digits {
		i++
	}
	return s[:i], s[i:]
}

func compareRun(a, b string) int {
	da, db := isDigit(a[0]), isDigit(b[0])
	switch {
	case da && db:
		a = strings.TrimLeft(a, "0")
		b = strings.TrimLeft(b, "0")
		if len(a) != len(b) {
			if len(a) < len(b) {
				return -1
			}
			return 1
		}
		return strings.Compare(a, b)
	case da:
		return 1
	case db:
		return -1
	}
	return strings.Compare(a, b)
}
