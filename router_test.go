package aluvia

import (
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"testing"
	"time"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testSnapshot(rules ...string) *Snapshot {
	return newSnapshot("conn-1", Gateway{
		Protocol: "http",
		Host:     "gw.aluvia.io",
		Port:     8080,
		Username: "user",
		Password: "pass",
	}, rules, "", "", "")
}

func testRouter(snap *Snapshot) *Router {
	cp := NewControlPlane("token")
	cp.Logger = quietLogger()
	if snap != nil {
		cp.current.Store(snap)
	}
	rt := NewRouter(cp)
	rt.Logger = quietLogger()
	return rt
}

func TestRouterUpstream(t *testing.T) {
	rt := testRouter(testSnapshot("*.example.com", "-cdn.example.com"))

	tests := []struct {
		name    string
		info    RequestInfo
		gateway bool
	}{
		{
			"connect target matches",
			RequestInfo{ConnectHost: "api.example.com:443"},
			true,
		},
		{
			"connect target excluded",
			RequestInfo{ConnectHost: "cdn.example.com:443"},
			false,
		},
		{
			"plain request matches",
			RequestInfo{URL: mustParse(t, "http://www.example.com/path"), Host: "www.example.com"},
			true,
		},
		{
			"plain request no match",
			RequestInfo{URL: mustParse(t, "http://other.com/"), Host: "other.com"},
			false,
		},
		{
			"host header fallback",
			RequestInfo{URL: &url.URL{Path: "/relative"}, Host: "api.example.com:8080"},
			true,
		},
		{
			"no hostname at all",
			RequestInfo{URL: &url.URL{Path: "/relative"}},
			false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			up := rt.Upstream(tt.info)
			if tt.gateway && up == nil {
				t.Fatal("expected gateway upstream, got direct")
			}
			if !tt.gateway && up != nil {
				t.Fatalf("expected direct, got upstream %v", up)
			}
			if up != nil && up.Host != "gw.aluvia.io:8080" {
				t.Errorf("upstream host = %q", up.Host)
			}
		})
	}
}

func TestRouterFailsOpenWithoutSnapshot(t *testing.T) {
	rt := testRouter(nil)

	if up := rt.Upstream(RequestInfo{ConnectHost: "example.com:443"}); up != nil {
		t.Fatalf("expected direct with no snapshot, got %v", up)
	}
}

func TestRouterWarnRateLimit(t *testing.T) {
	rt := testRouter(nil)
	rt.WarnWindow = time.Hour

	// First call records a warning timestamp; subsequent calls within
	// the window must not reset it.
	rt.Upstream(RequestInfo{ConnectHost: "example.com:443"})
	first := rt.lastWarn.Load()
	if first == 0 {
		t.Fatal("expected a warning timestamp after first miss")
	}

	rt.Upstream(RequestInfo{ConnectHost: "example.com:443"})
	if rt.lastWarn.Load() != first {
		t.Error("warning timestamp moved inside the rate-limit window")
	}
}

func TestHostname(t *testing.T) {
	tests := []struct {
		name string
		info RequestInfo
		want string
		ok   bool
	}{
		{"connect with port", RequestInfo{ConnectHost: "Example.COM:443"}, "example.com", true},
		{"connect ipv6", RequestInfo{ConnectHost: "[::1]:443"}, "::1", true},
		{"url host wins over header", RequestInfo{URL: mustParse(t, "http://a.com/"), Host: "b.com"}, "a.com", true},
		{"connect wins over url", RequestInfo{ConnectHost: "c.com:443", URL: mustParse(t, "http://a.com/")}, "c.com", true},
		{"header only", RequestInfo{Host: "header.com:8080"}, "header.com", true},
		{"nothing", RequestInfo{}, "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := Hostname(tt.info)
			if got != tt.want || ok != tt.ok {
				t.Errorf("Hostname() = %q, %v; want %q, %v", got, ok, tt.want, tt.ok)
			}
		})
	}
}

func TestRequestInfoFromHTTP(t *testing.T) {
	connect, _ := http.NewRequest(http.MethodConnect, "//example.com:443", nil)
	connect.Host = "example.com:443"
	info := RequestInfoFromHTTP(connect)
	if info.ConnectHost != "example.com:443" {
		t.Errorf("ConnectHost = %q", info.ConnectHost)
	}

	plain, _ := http.NewRequest(http.MethodGet, "http://example.com/", nil)
	info = RequestInfoFromHTTP(plain)
	if info.ConnectHost != "" {
		t.Errorf("ConnectHost = %q for plain request, want empty", info.ConnectHost)
	}
	if info.Host != "example.com" {
		t.Errorf("Host = %q", info.Host)
	}
}

func mustParse(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parse %q: %v", raw, err)
	}
	return u
}
