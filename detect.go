package aluvia

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Tier classifies a detection result.
type Tier string

// Detection tiers, from worst to best.
const (
	TierBlocked   Tier = "blocked"
	TierSuspected Tier = "suspected"
	TierClear     Tier = "clear"
)

// PassKind identifies which analysis pass produced a result.
type PassKind string

// Analysis passes over a page navigation lifecycle.
const (
	PassFast PassKind = "fast"
	PassFull PassKind = "full"
	PassSPA  PassKind = "spa"
)

// Signal is a single piece of evidence that a page is blocked.
type Signal struct {
	// Name identifies the detector that fired.
	Name string

	// Weight is the detector's confidence in [0,1].
	Weight float64

	// Detail is a human-readable description of what matched.
	Detail string

	// Origin is the pass the signal was produced in.
	Origin PassKind
}

// Result is the outcome of one analysis pass.
type Result struct {
	// URL of the analyzed page.
	URL string

	// Hostname extracted from the URL.
	Hostname string

	// Tier classification.
	Tier Tier

	// Score in [0,1], combined from all fired signals.
	Score float64

	// Signals that fired.
	Signals []Signal

	// Pass that produced the result.
	Pass PassKind

	// Persistent is set by the remediator once auto-unblock has been
	// exhausted for this hostname.
	Persistent bool

	// RedirectChain holds the navigation's redirect hops, if any.
	RedirectChain []string
}

// DetectorWeights are the per-signal confidence values. These are
// product-tuning values; override them through DetectorConfig rather
// than editing the defaults.
type DetectorWeights struct {
	StatusForbidden  float64 // 403, 429
	StatusThrottled  float64 // 503
	ChallengeHeader  float64 // active WAF mitigation header
	VendorHeader     float64 // Server header names a WAF vendor
	Title            float64 // block keyword in the title
	Selector         float64 // known challenge/CAPTCHA element present
	ShortText        float64 // very little visible text
	KeywordShortPage float64 // strong keyword on a short page
	KeywordLongPage  float64 // strong keyword on a long page
	WeakKeyword      float64 // word-boundary keyword match
	TextRatio        float64 // text-to-HTML ratio below the floor
	RedirectHop      float64 // redirect through a challenge platform
	MetaRefresh      float64 // meta refresh to a challenge platform
}

// DetectorConfig tunes the detection engine. Zero values fall back to
// the defaults from DefaultDetectorConfig.
type DetectorConfig struct {
	// BlockedThreshold is the minimum score for TierBlocked.
	BlockedThreshold float64

	// SuspectedThreshold is the minimum score for TierSuspected.
	SuspectedThreshold float64

	// FastPassTrigger is the fast-pass score at which the full pass is
	// skipped and remediation fires immediately.
	FastPassTrigger float64

	// ReevaluateLow and ReevaluateHigh bound the ambiguous score band
	// in which the text detector is re-run on rendered text.
	ReevaluateLow  float64
	ReevaluateHigh float64

	// ShortTextLimit is the visible-text length below which a page is
	// suspiciously empty.
	ShortTextLimit int

	// ShortPageLimit is the visible-text length below which a page
	// counts as "short" for keyword weighting.
	ShortPageLimit int

	// RatioMinHTML is the minimum markup size before the text-to-HTML
	// ratio detector is evaluated at all.
	RatioMinHTML int

	// RatioFloor is the text-to-HTML ratio below which pages look like
	// challenge shells.
	RatioFloor float64

	// SPADebounce skips an in-page analysis that would fire within
	// this window of the previous analysis on the same page.
	SPADebounce time.Duration

	// SPASettle is the fixed delay used to tell a genuine in-page
	// navigation from a disguised full navigation.
	SPASettle time.Duration

	// FullPassTimeout caps waiting for page idle before the full pass.
	FullPassTimeout time.Duration

	// Weights are the per-signal confidences.
	Weights DetectorWeights
}

// DefaultDetectorConfig returns the tuned defaults.
func DefaultDetectorConfig() DetectorConfig {
	return DetectorConfig{
		BlockedThreshold:   0.7,
		SuspectedThreshold: 0.4,
		FastPassTrigger:    0.9,
		ReevaluateLow:      0.4,
		ReevaluateHigh:     0.7,
		ShortTextLimit:     160,
		ShortPageLimit:     1000,
		RatioMinHTML:       1024,
		RatioFloor:         0.03,
		SPADebounce:        200 * time.Millisecond,
		SPASettle:          150 * time.Millisecond,
		FullPassTimeout:    10 * time.Second,
		Weights: DetectorWeights{
			StatusForbidden:  0.85,
			StatusThrottled:  0.6,
			ChallengeHeader:  0.9,
			VendorHeader:     0.1,
			Title:            0.8,
			Selector:         0.8,
			ShortText:        0.2,
			KeywordShortPage: 0.6,
			KeywordLongPage:  0.3,
			WeakKeyword:      0.3,
			TextRatio:        0.2,
			RedirectHop:      0.7,
			MetaRefresh:      0.65,
		},
	}
}

func (c *DetectorConfig) applyDefaults() {
	def := DefaultDetectorConfig()
	if c.BlockedThreshold == 0 {
		c.BlockedThreshold = def.BlockedThreshold
	}
	if c.SuspectedThreshold == 0 {
		c.SuspectedThreshold = def.SuspectedThreshold
	}
	if c.FastPassTrigger == 0 {
		c.FastPassTrigger = def.FastPassTrigger
	}
	if c.ReevaluateLow == 0 {
		c.ReevaluateLow = def.ReevaluateLow
	}
	if c.ReevaluateHigh == 0 {
		c.ReevaluateHigh = def.ReevaluateHigh
	}
	if c.ShortTextLimit == 0 {
		c.ShortTextLimit = def.ShortTextLimit
	}
	if c.ShortPageLimit == 0 {
		c.ShortPageLimit = def.ShortPageLimit
	}
	if c.RatioMinHTML == 0 {
		c.RatioMinHTML = def.RatioMinHTML
	}
	if c.RatioFloor == 0 {
		c.RatioFloor = def.RatioFloor
	}
	if c.SPADebounce == 0 {
		c.SPADebounce = def.SPADebounce
	}
	if c.SPASettle == 0 {
		c.SPASettle = def.SPASettle
	}
	if c.FullPassTimeout == 0 {
		c.FullPassTimeout = def.FullPassTimeout
	}
	if c.Weights == (DetectorWeights{}) {
		c.Weights = def.Weights
	}
}

// CombineScore folds signal weights into a single score using a
// probabilistic "at least one true cause" combination:
//
//	score = 1 − Π(1 − weight)
//
// Several independently weak signals can add up to a confident verdict
// without any single weak signal dominating on its own.
func CombineScore(signals []Signal) float64 {
	clean := 1.0
	for _, s := range signals {
		clean *= 1 - s.Weight
	}
	return 1 - clean
}

// Known block/challenge vocabulary. Lowercase; matched against
// lowercased page content.
var (
	titleKeywords = []string{
		"access denied",
		"attention required",
		"just a moment",
		"security check",
		"verify you are human",
		"one more step",
		"captcha",
		"blocked",
		"forbidden",
	}

	challengeSelectors = []string{
		"#challenge-form",
		"#challenge-running",
		"#cf-wrapper",
		".cf-challenge",
		"#captcha",
		".g-recaptcha",
		".h-captcha",
		"#px-captcha",
		"iframe[src*=\"captcha\"]",
	}

	strongTextKeywords = []string{
		"access denied",
		"verify you are human",
		"unusual traffic",
		"enable javascript and cookies",
		"request has been blocked",
		"security check to access",
	}

	// Weak keywords fire only on whole words so a substring like
	// "blocked" inside an unrelated word does not count.
	weakTextKeywords = regexp.MustCompile(`\b(blocked|denied|captcha|robot|forbidden)\b`)

	challengeHostPatterns = []*regexp.Regexp{
		regexp.MustCompile(`challenges\.cloudflare\.com`),
		regexp.MustCompile(`/cdn-cgi/challenge-platform/`),
		regexp.MustCompile(`captcha-delivery\.com`),
		regexp.MustCompile(`validate\.perfdrive\.com`),
		regexp.MustCompile(`px-cdn\.net`),
	}

	wafVendors = []string{
		"cloudflare",
		"akamai",
		"imperva",
		"incapsula",
		"sucuri",
		"datadome",
		"ddos-guard",
	}

	metaRefreshPattern = regexp.MustCompile(`(?is)<meta[^>]+http-equiv\s*=\s*["']?refresh["']?[^>]*content\s*=\s*["'][^"']*url\s*=\s*([^"'>\s]+)`)
)

// Analyzer runs the block-detection passes over a page.
type Analyzer struct {
	// Config tunes thresholds and weights. Zero fields take defaults.
	Config DetectorConfig

	// Logger for detection events.
	Logger *slog.Logger

	// Metrics records per-tier detection counts (optional).
	Metrics *Metrics
}

// NewAnalyzer creates an Analyzer with the default configuration.
func NewAnalyzer() *Analyzer {
	return &Analyzer{
		Config: DefaultDetectorConfig(),
		Logger: slog.Default(),
	}
}

// FastPass analyzes only the latest navigation response: HTTP status
// and response headers. It fires as soon as the DOM is parseable, so
// unambiguous blocks are caught before the page finishes loading.
func (a *Analyzer) FastPass(ctx context.Context, page Page) *Result {
	a.Config.applyDefaults()

	resp := page.NavigationResponse()
	var signals []Signal
	if resp != nil {
		signals = append(signals, statusSignals(resp, &a.Config)...)
		signals = append(signals, headerSignals(resp, &a.Config)...)
	}

	return a.finish(ctx, page, PassFast, signals, resp)
}

// FullPass analyzes page content after load, starting from any
// fast-pass signals. Content detectors run in parallel since each only
// reads page state; a detector failure degrades to "no signal".
func (a *Analyzer) FullPass(ctx context.Context, page Page, prior []Signal) *Result {
	a.Config.applyDefaults()

	signals := append([]Signal(nil), prior...)
	signals = append(signals, a.contentSignals(ctx, page, true)...)

	resp := page.NavigationResponse()
	if resp != nil {
		signals = append(signals, redirectSignals(resp, &a.Config)...)
	}

	// Ambiguous middle band: re-run the text analysis on rendered
	// layout text so hidden script/style text cannot tip the verdict,
	// and let its signals replace the raw-text ones.
	score := CombineScore(signals)
	if score >= a.Config.ReevaluateLow && score < a.Config.ReevaluateHigh {
		signals = a.reevaluateText(ctx, page, signals)
	}

	return a.finish(ctx, page, PassFull, signals, resp)
}

// SPAPass analyzes an in-page navigation. Only content detectors run;
// there is no navigation response for a client-side route change.
func (a *Analyzer) SPAPass(ctx context.Context, page Page) *Result {
	a.Config.applyDefaults()

	signals := a.contentSignals(ctx, page, false)
	return a.finish(ctx, page, PassSPA, signals, nil)
}

// contentSignals runs the content-based detectors concurrently.
// includeRendered selects raw DOM text (full pass, re-evaluated later
// if ambiguous) versus rendered text (SPA pass reads rendered
// directly, there is no raw/rendered distinction worth keeping there).
func (a *Analyzer) contentSignals(ctx context.Context, page Page, rawText bool) []Signal {
	type job func(context.Context) []Signal

	jobs := []job{
		func(ctx context.Context) []Signal { return a.titleSignals(ctx, page) },
		func(ctx context.Context) []Signal { return a.selectorSignals(ctx, page) },
		func(ctx context.Context) []Signal { return a.textSignals(ctx, page, rawText) },
		func(ctx context.Context) []Signal { return a.ratioSignals(ctx, page) },
		func(ctx context.Context) []Signal { return a.metaRefreshSignals(ctx, page) },
	}

	results := make([][]Signal, len(jobs))
	var wg sync.WaitGroup
	for i, j := range jobs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() {
				// One failing detector never aborts the pass.
				if r := recover(); r != nil {
					a.Logger.Debug("detector panic", "panic", r)
				}
			}()
			results[i] = j(ctx)
		}()
	}
	wg.Wait()

	var signals []Signal
	for _, r := range results {
		signals = append(signals, r...)
	}
	return signals
}

func (a *Analyzer) finish(ctx context.Context, page Page, pass PassKind, signals []Signal, resp *NavigationResponse) *Result {
	res := &Result{
		Pass:    pass,
		Signals: signals,
		Score:   CombineScore(signals),
	}
	if resp != nil {
		res.RedirectChain = resp.RedirectChain
	}

	switch {
	case res.Score >= a.Config.BlockedThreshold:
		res.Tier = TierBlocked
	case res.Score >= a.Config.SuspectedThreshold:
		res.Tier = TierSuspected
	default:
		res.Tier = TierClear
	}

	if u, err := page.URL(ctx); err == nil {
		res.URL = u
		if parsed, err := url.Parse(u); err == nil {
			res.Hostname = strings.ToLower(parsed.Hostname())
		}
	} else {
		a.Logger.Debug("page URL read failed", "error", err)
	}

	if a.Metrics != nil {
		a.Metrics.RecordDetection(string(res.Tier))
	}
	if res.Tier != TierClear {
		a.Logger.Info("page analysis",
			"url", res.URL,
			"tier", res.Tier,
			"score", res.Score,
			"pass", res.Pass,
			"signals", len(res.Signals))
	}
	return res
}

// reevaluateText drops the signals the text detector produced and
// replaces them with signals computed from the rendered text. Only the
// text detector's own signals are replaced; evidence from other
// detectors (ratio, selectors, redirects) stays.
func (a *Analyzer) reevaluateText(ctx context.Context, page Page, signals []Signal) []Signal {
	kept := signals[:0:0]
	for _, s := range signals {
		switch s.Name {
		case "text_short", "text_keyword", "text_weak_keyword":
		default:
			kept = append(kept, s)
		}
	}
	return append(kept, a.textSignals(ctx, page, false)...)
}

func statusSignals(resp *NavigationResponse, cfg *DetectorConfig) []Signal {
	switch resp.StatusCode {
	case http.StatusForbidden, http.StatusTooManyRequests:
		return []Signal{{
			Name:   "http_status",
			Weight: cfg.Weights.StatusForbidden,
			Detail: http.StatusText(resp.StatusCode),
			Origin: PassFast,
		}}
	case http.StatusServiceUnavailable:
		return []Signal{{
			Name:   "http_status",
			Weight: cfg.Weights.StatusThrottled,
			Detail: http.StatusText(resp.StatusCode),
			Origin: PassFast,
		}}
	}
	return nil
}

func headerSignals(resp *NavigationResponse, cfg *DetectorConfig) []Signal {
	var signals []Signal

	if v := resp.Headers.Get("Cf-Mitigated"); strings.EqualFold(v, "challenge") {
		signals = append(signals, Signal{
			Name:   "waf_mitigation_header",
			Weight: cfg.Weights.ChallengeHeader,
			Detail: "cf-mitigated: " + v,
			Origin: PassFast,
		})
	}

	server := strings.ToLower(resp.Headers.Get("Server"))
	for _, vendor := range wafVendors {
		if strings.Contains(server, vendor) {
			// Weak corroborating signal only; plenty of unblocked
			// sites sit behind these vendors.
			signals = append(signals, Signal{
				Name:   "waf_vendor_header",
				Weight: cfg.Weights.VendorHeader,
				Detail: "server: " + server,
				Origin: PassFast,
			})
			break
		}
	}

	return signals
}

func (a *Analyzer) titleSignals(ctx context.Context, page Page) []Signal {
	title, err := page.Title(ctx)
	if err != nil {
		a.Logger.Debug("title read failed", "error", err)
		return nil
	}

	lower := strings.ToLower(title)
	for _, kw := range titleKeywords {
		if strings.Contains(lower, kw) {
			return []Signal{{
				Name:   "title_keyword",
				Weight: a.Config.Weights.Title,
				Detail: "title contains " + strconv.Quote(kw),
				Origin: PassFull,
			}}
		}
	}
	return nil
}

func (a *Analyzer) selectorSignals(ctx context.Context, page Page) []Signal {
	for _, sel := range challengeSelectors {
		found, err := page.HasSelector(ctx, sel)
		if err != nil {
			a.Logger.Debug("selector probe failed", "selector", sel, "error", err)
			continue
		}
		if found {
			return []Signal{{
				Name:   "challenge_selector",
				Weight: a.Config.Weights.Selector,
				Detail: "matched " + sel,
				Origin: PassFull,
			}}
		}
	}
	return nil
}

// textSignals inspects the page text. With rawText true the raw DOM
// text content is used; otherwise the rendered layout text.
func (a *Analyzer) textSignals(ctx context.Context, page Page, rawText bool) []Signal {
	var (
		text string
		err  error
	)
	if rawText {
		text, err = page.TextContent(ctx)
	} else {
		text, err = page.VisibleText(ctx)
	}
	if err != nil {
		a.Logger.Debug("text read failed", "error", err)
		return nil
	}

	text = strings.TrimSpace(text)
	lower := strings.ToLower(text)
	short := len(text) < a.Config.ShortPageLimit

	var signals []Signal
	if len(text) < a.Config.ShortTextLimit {
		signals = append(signals, Signal{
			Name:   "text_short",
			Weight: a.Config.Weights.ShortText,
			Detail: "very little visible text",
			Origin: PassFull,
		})
	}

	for _, kw := range strongTextKeywords {
		if strings.Contains(lower, kw) {
			weight := a.Config.Weights.KeywordLongPage
			if short {
				weight = a.Config.Weights.KeywordShortPage
			}
			signals = append(signals, Signal{
				Name:   "text_keyword",
				Weight: weight,
				Detail: "text contains " + strconv.Quote(kw),
				Origin: PassFull,
			})
			break
		}
	}

	if m := weakTextKeywords.FindString(lower); m != "" {
		signals = append(signals, Signal{
			Name:   "text_weak_keyword",
			Weight: a.Config.Weights.WeakKeyword,
			Detail: "word match " + strconv.Quote(m),
			Origin: PassFull,
		})
	}

	return signals
}

// ratioSignals flags documents that are nearly all markup. Only
// evaluated once the document is big enough to make the ratio
// meaningful.
func (a *Analyzer) ratioSignals(ctx context.Context, page Page) []Signal {
	html, err := page.HTML(ctx)
	if err != nil {
		a.Logger.Debug("html read failed", "error", err)
		return nil
	}
	if len(html) < a.Config.RatioMinHTML {
		return nil
	}

	text, err := page.TextContent(ctx)
	if err != nil {
		a.Logger.Debug("text read failed", "error", err)
		return nil
	}

	ratio := float64(len(strings.TrimSpace(text))) / float64(len(html))
	if ratio < a.Config.RatioFloor {
		return []Signal{{
			Name:   "text_html_ratio",
			Weight: a.Config.Weights.TextRatio,
			Detail: "text/html ratio below floor",
			Origin: PassFull,
		}}
	}
	return nil
}

func redirectSignals(resp *NavigationResponse, cfg *DetectorConfig) []Signal {
	for _, hop := range resp.RedirectChain {
		if matchesChallengeHost(hop) {
			return []Signal{{
				Name:   "redirect_challenge",
				Weight: cfg.Weights.RedirectHop,
				Detail: "redirect via " + hop,
				Origin: PassFull,
			}}
		}
	}
	return nil
}

func (a *Analyzer) metaRefreshSignals(ctx context.Context, page Page) []Signal {
	html, err := page.HTML(ctx)
	if err != nil {
		a.Logger.Debug("html read failed", "error", err)
		return nil
	}

	m := metaRefreshPattern.FindStringSubmatch(html)
	if m == nil {
		return nil
	}
	if !matchesChallengeHost(m[1]) {
		return nil
	}
	return []Signal{{
		Name:   "meta_refresh_challenge",
		Weight: a.Config.Weights.MetaRefresh,
		Detail: "meta refresh to " + m[1],
		Origin: PassFull,
	}}
}

func matchesChallengeHost(rawURL string) bool {
	for _, p := range challengeHostPatterns {
		if p.MatchString(rawURL) {
			return true
		}
	}
	return false
}
