package aluvia

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Monitor sequences the analysis passes over one page's navigation
// lifecycle and hands every result to the remediator. Wire its hooks to
// the page's lifecycle events: DOMReady when the DOM becomes
// parseable, Loaded when the page reaches load/idle, and
// InPageNavigation for client-side route changes.
//
// Monitors for different pages under one session are independent and
// may run concurrently.
type Monitor struct {
	// Analyzer scores navigation outcomes.
	Analyzer *Analyzer

	// Remediator receives every result. Optional; without it the
	// monitor only analyzes.
	Remediator *Remediator

	// Page is the browser surface being watched.
	Page Page

	// Logger for lifecycle events.
	Logger *slog.Logger

	mu            sync.Mutex
	lastAnalysis  time.Time
	fastTriggered bool
	lastNavSeen   time.Time
	loadTimer     *time.Timer
	fullDone      bool
}

// NewMonitor creates a monitor for one page.
func NewMonitor(page Page, analyzer *Analyzer, remediator *Remediator) *Monitor {
	return &Monitor{
		Analyzer:   analyzer,
		Remediator: remediator,
		Page:       page,
		Logger:     slog.Default(),
	}
}

// DOMReady runs the fast pass. If the fast-pass score reaches the
// trigger threshold the full pass is skipped for this navigation and
// remediation fires immediately; latency matters most exactly when the
// verdict is unambiguous. Otherwise a fallback timer is armed so pages
// that stall before the load event still get their full pass after
// FullPassTimeout.
func (m *Monitor) DOMReady(ctx context.Context) *Result {
	m.noteNavigation()

	res := m.Analyzer.FastPass(ctx, m.Page)

	m.mu.Lock()
	m.lastAnalysis = time.Now()
	m.fastTriggered = res.Score >= m.Analyzer.Config.FastPassTrigger
	triggered := m.fastTriggered
	if !triggered {
		fastSignals := res.Signals
		m.loadTimer = time.AfterFunc(m.Analyzer.Config.FullPassTimeout, func() {
			m.Loaded(ctx, fastSignals)
		})
	}
	m.mu.Unlock()

	if triggered {
		m.Logger.Debug("fast pass triggered, skipping full pass",
			"url", res.URL, "score", res.Score)
		m.handle(ctx, res)
	}
	return res
}

// Loaded runs the full pass once the page reaches idle, unless the fast
// pass already triggered remediation for this navigation or a full pass
// already ran (either via the load event or the fallback timer; each
// navigation gets at most one). The fast-pass signals are carried into
// the full pass. Callers should pass a context already bounded by the
// idle wait; the pass adds the configured FullPassTimeout cap on top as
// a safety net for pages that never go quiet.
func (m *Monitor) Loaded(ctx context.Context, fastSignals []Signal) *Result {
	m.mu.Lock()
	if m.fastTriggered || m.fullDone {
		m.mu.Unlock()
		return nil
	}
	m.fullDone = true
	if m.loadTimer != nil {
		m.loadTimer.Stop()
		m.loadTimer = nil
	}
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, m.Analyzer.Config.FullPassTimeout)
	defer cancel()

	res := m.Analyzer.FullPass(ctx, m.Page, fastSignals)

	m.mu.Lock()
	m.lastAnalysis = time.Now()
	m.mu.Unlock()

	m.handle(ctx, res)
	return res
}

// InPageNavigation runs the SPA pass for a client-side route change.
// It debounces rapid route changes and defers to the fast/full flow
// when the "in-page" navigation turns out to be a disguised full
// navigation (a new navigation response arrives within the settle
// window). Returns nil when the pass was skipped or deferred.
func (m *Monitor) InPageNavigation(ctx context.Context) *Result {
	cfg := &m.Analyzer.Config

	m.mu.Lock()
	if time.Since(m.lastAnalysis) < cfg.SPADebounce {
		m.mu.Unlock()
		m.Logger.Debug("in-page analysis debounced")
		return nil
	}
	m.lastAnalysis = time.Now()
	navBefore := m.lastNavSeen
	m.mu.Unlock()

	// Give a disguised full navigation a moment to produce its
	// response, then defer to the fast/full flow if one showed up.
	select {
	case <-ctx.Done():
		return nil
	case <-time.After(cfg.SPASettle):
	}

	if resp := m.Page.NavigationResponse(); resp != nil && resp.ReceivedAt.After(navBefore) {
		m.Logger.Debug("navigation response arrived, deferring to full pass")
		return nil
	}

	res := m.Analyzer.SPAPass(ctx, m.Page)
	m.handle(ctx, res)
	return res
}

// noteNavigation records the latest navigation response timestamp so
// the SPA pass can tell whether a new one arrived during its settle
// window.
func (m *Monitor) noteNavigation() {
	resp := m.Page.NavigationResponse()
	m.mu.Lock()
	m.fastTriggered = false
	m.fullDone = false
	if m.loadTimer != nil {
		m.loadTimer.Stop()
		m.loadTimer = nil
	}
	if resp != nil && resp.ReceivedAt.After(m.lastNavSeen) {
		m.lastNavSeen = resp.ReceivedAt
	}
	m.mu.Unlock()
}

func (m *Monitor) handle(ctx context.Context, res *Result) {
	if m.Remediator == nil {
		return
	}
	if err := m.Remediator.Handle(ctx, m.Page, res); err != nil {
		m.Logger.Error("remediation failed", "url", res.URL, "error", err)
	}
}
