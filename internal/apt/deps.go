package apt

import "strings"

// parseDepField splits a Depends-style control field into alternative
// groups: the outer list is conjunctive, each inner list disjunctive.
// Version constraints and architecture qualifiers are stripped; the
// resolver installs candidate versions only.
//
//	"libc6 (>= 2.15), awk | mawk, python3:any"
//	  -> [["libc6"], ["awk", "mawk"], ["python3"]]
func parseDepField(v string) [][]string {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil
	}

	var groups [][]string
	for _, clause := range strings.Split(v, ",") {
		var alts []string
		for _, alt := range strings.Split(clause, "|") {
			if name := depName(alt); name != "" {
				alts = append(alts, name)
			}
		}
		if len(alts) > 0 {
			groups = append(groups, alts)
		}
	}
	return groups
}

// depName reduces one dependency term to its bare package name.
func depName(s string) string {
	s = strings.TrimSpace(s)
	if idx := strings.Index(s, "("); idx >= 0 {
		s = s[:idx]
	}
	if idx := strings.Index(s, "["); idx >= 0 {
		s = s[:idx]
	}
	if idx := strings.Index(s, ":"); idx > 0 {
		s = s[:idx]
	}
	if idx := strings.Index(s, " "); idx > 0 {
		s = s[:idx]
	}
	return strings.TrimSpace(s)
}

// parseProvides strips version annotations from a Provides field.
//
//	"awk, time-daemon (= 1.0)" -> ["awk", "time-daemon"]
func parseProvides(v string) []string {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil
	}
	var names []string
	for _, p := range strings.Split(v, ",") {
		if name := depName(p); name != "" {
			names = append(names, name)
		}
	}
	return names
}
