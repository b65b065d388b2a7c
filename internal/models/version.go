package models

import (
	"strconv"
	"strings"
)

// MatchesVersion reports whether version satisfies any of the given
// patterns. A pattern is an exact version, a prefix glob like "10.*", or
// the wildcard "*". An empty pattern list matches nothing.
func MatchesVersion(version string, patterns []string) bool {
	for _, p := range patterns {
		if p == "*" {
			return true
		}
		if strings.HasSuffix(p, ".*") {
			prefix := p[:len(p)-1]
			if strings.HasPrefix(version, prefix) {
				return true
			}
			continue
		}
		if p == version {
			return true
		}
	}
	return false
}

// CompareVersions orders two dotted version strings, returning -1, 0 or 1.
// Segments compare numerically when both parse as integers, lexically
// otherwise; missing segments count as zero.
func CompareVersions(a, b string) int {
	as := strings.Split(a, ".")
	bs := strings.Split(b, ".")
	n := len(as)
	if len(bs) > n {
		n = len(bs)
	}
	for i := 0; i < n; i++ {
		var sa, sb string
		if i < len(as) {
			sa = as[i]
		}
		if i < len(bs) {
			sb = bs[i]
		}
		if c := compareSegment(sa, sb); c != 0 {
			return c
		}
	}
	return 0
}

func compareSegment(a, b string) int {
	na, errA := strconv.Atoi(a)
	nb, errB := strconv.Atoi(b)
	if errA == nil && errB == nil {
		switch {
		case na < nb:
			return -1
		case na > nb:
			return 1
		default:
			return 0
		}
	}
	if a == b {
		return 0
	}
	// Empty segments count as "0".
	if a == "" {
		a = "0"
	}
	if b == "" {
		b = "0"
	}
	if a < b {
		return -1
	}
	if a > b {
		return 1
	}
	return 0
}
