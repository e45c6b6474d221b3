package aluvia

import (
	"testing"
)

func TestShouldProxy(t *testing.T) {
	tests := []struct {
		name     string
		rules    []string
		hostname string
		want     bool
	}{
		{"empty rules route direct", nil, "example.com", false},
		{"catch-all matches anything", []string{"*"}, "anything.example.net", true},
		{"exact match", []string{"example.com"}, "example.com", true},
		{"exact mismatch", []string{"example.com"}, "other.com", false},
		{"exact does not match subdomain", []string{"example.com"}, "www.example.com", false},
		{"case-insensitive hostname", []string{"example.com"}, "EXAMPLE.COM", true},
		{"case-insensitive rule", []string{"ExAmPlE.CoM"}, "example.com", true},
		{"suffix wildcard matches subdomain", []string{"*.example.com"}, "foo.example.com", true},
		{"suffix wildcard matches deep subdomain", []string{"*.example.com"}, "a.b.example.com", true},
		{"suffix wildcard excludes bare domain", []string{"*.example.com"}, "example.com", false},
		{"suffix wildcard no partial suffix", []string{"*.example.com"}, "notexample.com", false},
		{"prefix wildcard matches any tld", []string{"google.*"}, "google.de", true},
		{"prefix wildcard matches compound tld", []string{"google.*"}, "google.co.uk", true},
		{"prefix wildcard needs the dot", []string{"google.*"}, "googleother.com", false},
		{"auto placeholder matches nothing", []string{"AUTO"}, "auto", false},
		{"auto placeholder alongside rules", []string{"AUTO", "example.com"}, "example.com", true},
		{"exclusion beats exact", []string{"example.com", "-example.com"}, "example.com", false},
		{"exclusion beats catch-all", []string{"*", "-internal.example.com"}, "internal.example.com", false},
		{"catch-all survives unrelated exclusion", []string{"*", "-internal.example.com"}, "example.com", true},
		{"wildcard exclusion", []string{"*", "-*.example.com"}, "api.example.com", false},
		{"wildcard exclusion spares bare domain", []string{"*", "-*.example.com"}, "example.com", true},
		{"exclusions without positives route direct", []string{"-example.com"}, "other.com", false},
		{"whitespace trimmed from rules", []string{"  example.com  "}, "example.com", true},
		{"whitespace trimmed from hostname", []string{"example.com"}, " example.com ", true},
		{"blank rules ignored", []string{"", "   "}, "example.com", false},
		{"lone dash ignored", []string{"-"}, "example.com", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rs := NormalizeRules(tt.rules)
			if got := rs.ShouldProxy(tt.hostname); got != tt.want {
				t.Errorf("ShouldProxy(%q) with rules %v = %v, want %v",
					tt.hostname, tt.rules, got, tt.want)
			}
		})
	}
}

func TestNormalizeRules(t *testing.T) {
	rs := NormalizeRules([]string{"AUTO", "", "example.com", "-blocked.com", "*"})

	if rs.Empty() {
		t.Error("expected non-empty rule set")
	}
	if !rs.HasCatchAll() {
		t.Error("expected catch-all to be detected")
	}
	if got := rs.Len(); got != 3 {
		t.Errorf("Len() = %d, want 3", got)
	}

	empty := NormalizeRules([]string{"AUTO", "", "  "})
	if !empty.Empty() {
		t.Error("placeholder-only rules should normalize to empty")
	}
	if empty.ShouldProxy("example.com") {
		t.Error("empty set must route direct")
	}
}

func TestShouldProxyNilRuleSet(t *testing.T) {
	var rs *RuleSet
	if rs.ShouldProxy("example.com") {
		t.Error("nil rule set must route direct")
	}
}

func BenchmarkShouldProxy(b *testing.B) {
	rs := NormalizeRules([]string{
		"*.example.com", "google.*", "site-one.com", "site-two.com",
		"site-three.com", "-cdn.example.com",
	})

	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		rs.ShouldProxy("deep.sub.example.com")
	}
}
