package aluvia

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// ResultObserver receives every detection result, including clear ones,
// before any remediation logic runs. Use it to feed dashboards or
// custom handling.
type ResultObserver func(*Result)

// Remediator applies the auto-unblock escalation policy to detection
// results. For the first blocked detection of a URL it appends the
// hostname to the rule list via the control plane and reloads the page;
// a second blocked detection of the same URL marks the hostname
// persistently blocked, after which remediation never runs again for
// that hostname within this instance. At most one reload is ever
// attempted per distinct URL, which bounds the reload recursion.
type Remediator struct {
	// ControlPlane is used to read and patch the rule list.
	ControlPlane *ControlPlane

	// AutoUnblock enables remediation. Without it results are only
	// observed.
	AutoUnblock bool

	// IncludeSuspected extends remediation to TierSuspected results.
	IncludeSuspected bool

	// Observer, when set, is invoked unconditionally for every result.
	Observer ResultObserver

	// Logger for remediation events.
	Logger *slog.Logger

	// Metrics records remediation counters (optional).
	Metrics *Metrics

	mu sync.Mutex

	// retriedURLs holds URLs that have triggered exactly one
	// remediation attempt.
	retriedURLs map[string]bool

	// persistentHosts holds hostnames whose remediation is exhausted.
	persistentHosts map[string]bool
}

// NewRemediator creates a Remediator bound to the control plane.
func NewRemediator(cp *ControlPlane) *Remediator {
	return &Remediator{
		ControlPlane:    cp,
		Logger:          slog.Default(),
		retriedURLs:     make(map[string]bool),
		persistentHosts: make(map[string]bool),
	}
}

// Handle processes one detection result. The observer always sees the
// result first; escalation only runs for qualifying tiers with
// auto-unblock enabled.
func (r *Remediator) Handle(ctx context.Context, page Page, res *Result) error {
	// Observers see the result as detected, before escalation mutates
	// it (Persistent in particular).
	if r.Observer != nil {
		r.Observer(res)
	}

	if !r.AutoUnblock {
		return nil
	}
	switch res.Tier {
	case TierBlocked:
	case TierSuspected:
		if !r.IncludeSuspected {
			return nil
		}
	default:
		return nil
	}
	if res.URL == "" || res.Hostname == "" {
		r.Logger.Debug("block detected but no usable URL, skipping remediation")
		return nil
	}

	r.mu.Lock()
	switch {
	case r.persistentHosts[res.Hostname]:
		res.Persistent = true
		r.mu.Unlock()
		r.Logger.Info("hostname persistently blocked, not retrying",
			"host", res.Hostname, "url", res.URL)
		return nil

	case r.retriedURLs[res.URL]:
		// Second failure for the same URL: the proxy route did not
		// help, stop touching this hostname for the life of the
		// instance.
		r.persistentHosts[res.Hostname] = true
		res.Persistent = true
		r.mu.Unlock()
		if r.Metrics != nil {
			r.Metrics.SetPersistentHosts(r.PersistentCount())
		}
		r.Logger.Warn("remediation exhausted, marking hostname persistent",
			"host", res.Hostname, "url", res.URL)
		return nil

	default:
		r.retriedURLs[res.URL] = true
		r.mu.Unlock()
	}

	return r.remediate(ctx, page, res)
}

// remediate appends the hostname to the rule list, pushes the update,
// and reloads the page so the next request rides the new rules.
func (r *Remediator) remediate(ctx context.Context, page Page, res *Result) error {
	snap := r.ControlPlane.Snapshot()
	if snap == nil {
		return fmt.Errorf("no configuration snapshot to update")
	}

	rules := append([]string(nil), snap.Rules...)
	if !containsRule(rules, res.Hostname) {
		rules = append(rules, res.Hostname)
	}

	r.Logger.Info("auto-unblock: routing hostname through gateway",
		"host", res.Hostname, "url", res.URL, "tier", res.Tier)

	if err := r.ControlPlane.SetConfig(ctx, ConfigPatch{Rules: &rules}); err != nil {
		return fmt.Errorf("push updated rules: %w", err)
	}
	if r.Metrics != nil {
		r.Metrics.RecordRemediation()
	}

	if page != nil {
		if err := page.Reload(ctx); err != nil {
			return fmt.Errorf("reload page: %w", err)
		}
	}
	return nil
}

// Reset clears the escalation state, re-enabling remediation for every
// URL and hostname.
func (r *Remediator) Reset() {
	r.mu.Lock()
	r.retriedURLs = make(map[string]bool)
	r.persistentHosts = make(map[string]bool)
	r.mu.Unlock()

	if r.Metrics != nil {
		r.Metrics.SetPersistentHosts(0)
	}
	r.Logger.Debug("remediation state reset")
}

// PersistentCount returns how many hostnames are persistently blocked.
func (r *Remediator) PersistentCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.persistentHosts)
}

// PersistentHostnames returns the hostnames whose remediation is
// exhausted.
func (r *Remediator) PersistentHostnames() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	hosts := make([]string, 0, len(r.persistentHosts))
	for h := range r.persistentHosts {
		hosts = append(hosts, h)
	}
	return hosts
}

func containsRule(rules []string, hostname string) bool {
	for _, rule := range rules {
		if rule == hostname {
			return true
		}
	}
	return false
}
