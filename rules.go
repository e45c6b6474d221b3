package aluvia

import (
	"strings"
)

// AutoPlaceholder is the rule token the control service uses as a slot
// for hostnames added by auto-unblock. It never matches anything itself
// and is dropped during normalization.
const AutoPlaceholder = "AUTO"

// RuleSet is a hostname rule list pre-normalized for fast matching.
// It is computed once per configuration snapshot and read on every
// proxied request, so all the string cleanup happens up front.
//
// Rule forms:
//
//	*              match every hostname
//	example.com    exact match, case-insensitive
//	*.example.com  any subdomain of example.com (not example.com itself)
//	google.*       any TLD under the given prefix
//	-example.com   exclusion; a leading dash negates any of the above
type RuleSet struct {
	positives []string
	negatives []string
	catchAll  bool
	empty     bool
}

// NormalizeRules builds a RuleSet from raw rule strings. Rules are
// lowercased and trimmed, the AUTO placeholder is dropped, and rules
// with a leading "-" are split off as exclusions.
func NormalizeRules(rules []string) *RuleSet {
	rs := &RuleSet{}

	for _, raw := range rules {
		rule := strings.ToLower(strings.TrimSpace(raw))
		if rule == "" || rule == strings.ToLower(AutoPlaceholder) {
			continue
		}

		if neg, ok := strings.CutPrefix(rule, "-"); ok {
			if neg != "" {
				rs.negatives = append(rs.negatives, neg)
			}
			continue
		}

		if rule == "*" {
			rs.catchAll = true
		}
		rs.positives = append(rs.positives, rule)
	}

	rs.empty = len(rs.positives) == 0 && len(rs.negatives) == 0
	return rs
}

// Empty reports whether normalization left no usable rules.
func (rs *RuleSet) Empty() bool {
	return rs.empty
}

// HasCatchAll reports whether "*" is among the positive rules.
func (rs *RuleSet) HasCatchAll() bool {
	return rs.catchAll
}

// Len returns the number of normalized rules, exclusions included.
func (rs *RuleSet) Len() int {
	return len(rs.positives) + len(rs.negatives)
}

// ShouldProxy decides whether traffic for hostname goes through the
// gateway. Exclusions always win and are checked first; a catch-all
// proxies everything that survives them; otherwise at least one
// positive rule must match. An empty set routes everything direct.
func (rs *RuleSet) ShouldProxy(hostname string) bool {
	if rs == nil || rs.empty {
		return false
	}

	hostname = strings.ToLower(strings.TrimSpace(hostname))

	for _, rule := range rs.negatives {
		if matchHostname(hostname, rule) {
			return false
		}
	}

	if rs.catchAll {
		return true
	}

	for _, rule := range rs.positives {
		if matchHostname(hostname, rule) {
			return true
		}
	}

	return false
}

// matchHostname matches one hostname against one normalized pattern.
func matchHostname(hostname, pattern string) bool {
	switch {
	case pattern == "*":
		return true

	case strings.HasPrefix(pattern, "*."):
		// Any subdomain depth, but never the bare suffix itself.
		suffix := pattern[1:] // keep the leading dot
		return strings.HasSuffix(hostname, suffix) && len(hostname) > len(suffix)

	case strings.HasSuffix(pattern, ".*"):
		prefix := pattern[:len(pattern)-1] // keep the trailing dot
		return strings.HasPrefix(hostname, prefix)

	default:
		return hostname == pattern
	}
}
