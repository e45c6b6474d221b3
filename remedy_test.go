package aluvia

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
)

// remediationServer records PATCHed rule lists and serves them back.
type remediationServer struct {
	mu      sync.Mutex
	rules   []string
	patches int
}

func (s *remediationServer) handler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		if r.Method == http.MethodPatch {
			var patch struct {
				Rules *[]string `json:"rules"`
			}
			if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
				t.Errorf("decode patch: %v", err)
			}
			if patch.Rules != nil {
				s.rules = *patch.Rules
			}
			s.patches++
		}
		payload := testPayload("conn-7")
		payload["rules"] = s.rules
		s.mu.Unlock()
		_ = json.NewEncoder(w).Encode(payload)
	}
}

func (s *remediationServer) patchCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.patches
}

func (s *remediationServer) currentRules() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.rules...)
}

func newTestRemediator(t *testing.T, srv *remediationServer) (*Remediator, *httptest.Server) {
	t.Helper()
	ts := httptest.NewServer(srv.handler(t))
	t.Cleanup(ts.Close)

	cp := newTestControlPlane(ts)
	cp.ConnectionID = "conn-7"
	if err := cp.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}

	r := NewRemediator(cp)
	r.AutoUnblock = true
	r.Logger = quietLogger()
	return r, ts
}

func blockedResult(url, hostname string) *Result {
	return &Result{URL: url, Hostname: hostname, Tier: TierBlocked, Score: 0.9}
}

func TestRemediatorFirstBlockAddsRuleAndReloads(t *testing.T) {
	srv := &remediationServer{rules: []string{"AUTO"}}
	r, _ := newTestRemediator(t, srv)
	page := cleanPage("https://blocked.example.com/page")

	err := r.Handle(context.Background(), page, blockedResult("https://blocked.example.com/page", "blocked.example.com"))
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}

	rules := srv.currentRules()
	if len(rules) != 2 || rules[1] != "blocked.example.com" {
		t.Errorf("pushed rules = %v, want hostname appended", rules)
	}
	if page.reloadCount() != 1 {
		t.Errorf("reloads = %d, want 1", page.reloadCount())
	}

	// The successful PATCH response becomes the active snapshot.
	if !r.ControlPlane.Snapshot().ShouldProxy("blocked.example.com") {
		t.Error("new rule not active in the published snapshot")
	}
}

func TestRemediatorEscalatesToPersistent(t *testing.T) {
	srv := &remediationServer{rules: []string{}}
	r, _ := newTestRemediator(t, srv)
	page := cleanPage("https://blocked.example.com/page")
	res := blockedResult("https://blocked.example.com/page", "blocked.example.com")

	// First block: one remediation attempt.
	if err := r.Handle(context.Background(), page, res); err != nil {
		t.Fatalf("first Handle: %v", err)
	}
	if srv.patchCount() != 1 {
		t.Fatalf("patches = %d, want 1", srv.patchCount())
	}

	// Second block on the same URL: the proxy route did not help, the
	// hostname goes persistent and no further PATCH or reload happens.
	res2 := blockedResult("https://blocked.example.com/page", "blocked.example.com")
	if err := r.Handle(context.Background(), page, res2); err != nil {
		t.Fatalf("second Handle: %v", err)
	}
	if !res2.Persistent {
		t.Error("second result not marked persistent")
	}
	if srv.patchCount() != 1 {
		t.Errorf("patches = %d after escalation, want still 1", srv.patchCount())
	}
	if page.reloadCount() != 1 {
		t.Errorf("reloads = %d after escalation, want still 1", page.reloadCount())
	}

	// Third block, different URL on the same hostname: still persistent.
	res3 := blockedResult("https://blocked.example.com/other", "blocked.example.com")
	if err := r.Handle(context.Background(), page, res3); err != nil {
		t.Fatalf("third Handle: %v", err)
	}
	if !res3.Persistent {
		t.Error("persistent hostname not flagged on a new URL")
	}
	if srv.patchCount() != 1 {
		t.Errorf("patches = %d, persistent hostname was retried", srv.patchCount())
	}

	if got := r.PersistentCount(); got != 1 {
		t.Errorf("PersistentCount = %d, want 1", got)
	}
	hosts := r.PersistentHostnames()
	if len(hosts) != 1 || hosts[0] != "blocked.example.com" {
		t.Errorf("PersistentHostnames = %v", hosts)
	}
}

func TestRemediatorOneAttemptPerURL(t *testing.T) {
	srv := &remediationServer{rules: []string{}}
	r, _ := newTestRemediator(t, srv)
	page := cleanPage("https://host.example.com/a")

	// Distinct URLs each get their own single attempt.
	_ = r.Handle(context.Background(), page, blockedResult("https://host.example.com/a", "host.example.com"))
	_ = r.Handle(context.Background(), page, blockedResult("https://host.example.com/b", "host.example.com"))

	if srv.patchCount() != 2 {
		t.Errorf("patches = %d, want one per distinct URL", srv.patchCount())
	}
	if r.PersistentCount() != 0 {
		t.Error("distinct URLs must not escalate to persistent")
	}
}

func TestRemediatorReset(t *testing.T) {
	srv := &remediationServer{rules: []string{}}
	r, _ := newTestRemediator(t, srv)
	page := cleanPage("https://host.example.com/a")
	url := "https://host.example.com/a"

	_ = r.Handle(context.Background(), page, blockedResult(url, "host.example.com"))
	_ = r.Handle(context.Background(), page, blockedResult(url, "host.example.com"))
	if r.PersistentCount() != 1 {
		t.Fatal("setup: hostname should be persistent")
	}

	r.Reset()
	if r.PersistentCount() != 0 {
		t.Error("Reset did not clear persistent hostnames")
	}

	// Remediation is live again.
	_ = r.Handle(context.Background(), page, blockedResult(url, "host.example.com"))
	if srv.patchCount() != 2 {
		t.Errorf("patches = %d after reset, want 2", srv.patchCount())
	}
}

func TestRemediatorTierGating(t *testing.T) {
	srv := &remediationServer{rules: []string{}}
	r, _ := newTestRemediator(t, srv)
	page := cleanPage("https://host.example.com/")

	clear := &Result{URL: "https://host.example.com/", Hostname: "host.example.com", Tier: TierClear}
	suspected := &Result{URL: "https://host.example.com/s", Hostname: "host.example.com", Tier: TierSuspected}

	_ = r.Handle(context.Background(), page, clear)
	_ = r.Handle(context.Background(), page, suspected)
	if srv.patchCount() != 0 {
		t.Errorf("patches = %d, clear/suspected must not remediate by default", srv.patchCount())
	}

	r.IncludeSuspected = true
	_ = r.Handle(context.Background(), page, suspected)
	if srv.patchCount() != 1 {
		t.Errorf("patches = %d, suspected should remediate when opted in", srv.patchCount())
	}
}

func TestRemediatorDisabledStillObserves(t *testing.T) {
	srv := &remediationServer{rules: []string{}}
	r, _ := newTestRemediator(t, srv)
	r.AutoUnblock = false

	var seen []*Result
	r.Observer = func(res *Result) { seen = append(seen, res) }

	page := cleanPage("https://host.example.com/")
	_ = r.Handle(context.Background(), page, blockedResult("https://host.example.com/", "host.example.com"))
	_ = r.Handle(context.Background(), page, &Result{URL: "https://host.example.com/", Hostname: "host.example.com", Tier: TierClear})

	if srv.patchCount() != 0 {
		t.Error("disabled remediator must not patch")
	}
	if len(seen) != 2 {
		t.Errorf("observer saw %d results, want 2 (clear included)", len(seen))
	}
}

func TestRemediatorObserverSeesResultBeforeEscalation(t *testing.T) {
	srv := &remediationServer{rules: []string{}}
	r, _ := newTestRemediator(t, srv)
	page := cleanPage("https://host.example.com/a")
	url := "https://host.example.com/a"

	var persistentAtObserve []bool
	r.Observer = func(res *Result) {
		persistentAtObserve = append(persistentAtObserve, res.Persistent)
	}

	// Second block on the same URL escalates to persistent, but the
	// observer runs first and must see the result as detected.
	_ = r.Handle(context.Background(), page, blockedResult(url, "host.example.com"))
	res2 := blockedResult(url, "host.example.com")
	_ = r.Handle(context.Background(), page, res2)

	if !res2.Persistent {
		t.Fatal("setup: second block should escalate to persistent")
	}
	if len(persistentAtObserve) != 2 {
		t.Fatalf("observer saw %d results, want 2", len(persistentAtObserve))
	}
	if persistentAtObserve[1] {
		t.Error("observer saw the persistent flag the escalation sets afterwards")
	}
}

func TestRemediatorSkipsResultsWithoutURL(t *testing.T) {
	srv := &remediationServer{rules: []string{}}
	r, _ := newTestRemediator(t, srv)

	res := &Result{Tier: TierBlocked, Score: 0.9}
	if err := r.Handle(context.Background(), nil, res); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if srv.patchCount() != 0 {
		t.Error("result without URL must not remediate")
	}
}

func TestRemediatorDeduplicatesRule(t *testing.T) {
	srv := &remediationServer{rules: []string{"host.example.com"}}
	r, _ := newTestRemediator(t, srv)
	page := cleanPage("https://host.example.com/")

	_ = r.Handle(context.Background(), page, blockedResult("https://host.example.com/", "host.example.com"))

	rules := srv.currentRules()
	if len(rules) != 1 {
		t.Errorf("rules = %v, hostname duplicated", rules)
	}
}
