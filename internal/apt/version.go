package apt

import (
	"fmt"
	"strings"
)

// CompareVersions compares two Debian version strings.
// Returns -1 if a < b, 0 if a == b, 1 if a > b.
func CompareVersions(a, b string) int {
	splitEpoch := func(ver string) (epoch int, rest string) {
		parts := strings.SplitN(ver, ":", 2)
		if len(parts) == 2 {
			if _, err := fmt.Sscanf(parts[0], "%d", &epoch); err != nil {
				epoch = 0
			}
			rest = parts[1]
		} else {
			rest = ver
		}
		return
	}

	// Next segment is either a run of digits or a run of non-digits.
	nextSegment := func(s string) (seg string, rest string, numeric bool) {
		if s == "" {
			return "", "", false
		}
		if s[0] >= '0' && s[0] <= '9' {
			i := 0
			for i < len(s) && s[i] >= '0' && s[i] <= '9' {
				i++
			}
			return s[:i], s[i:], true
		}
		i := 0
		for i < len(s) && (s[i] < '0' || s[i] > '9') {
			i++
		}
		return s[:i], s[i:], false
	}

	epochA, restA := splitEpoch(a)
	epochB, restB := splitEpoch(b)
	if epochA != epochB {
		if epochA < epochB {
			return -1
		}
		return 1
	}

	sa, sb := restA, restB
	for sa != "" || sb != "" {
		// Tilde sorts before everything, the empty string included.
		if strings.HasPrefix(sa, "~") {
			if !strings.HasPrefix(sb, "~") {
				return -1
			}
			sa, sb = sa[1:], sb[1:]
			continue
		}
		if strings.HasPrefix(sb, "~") {
			return 1
		}

		segA, tailA, numA := nextSegment(sa)
		segB, tailB, numB := nextSegment(sb)

		switch {
		case segA == "" && segB == "":
			sa, sb = tailA, tailB
			continue
		case numA && numB:
			segA = strings.TrimLeft(segA, "0")
			segB = strings.TrimLeft(segB, "0")
			if len(segA) != len(segB) {
				if len(segA) < len(segB) {
					return -1
				}
				return 1
			}
			if segA != segB {
				if segA < segB {
					return -1
				}
				return 1
			}
		case !numA && !numB:
			if segA != segB {
				if segA < segB {
					return -1
				}
				return 1
			}
		case numA:
			// A numeric segment sorts below a non-numeric one.
			return -1
		default:
			return 1
		}
		sa, sb = tailA, tailB
	}
	return 0
}
