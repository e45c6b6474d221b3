package aluvia

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
)

// CDPPage backs the Page interface with a chromedp browser context. It
// listens for network events to keep the latest main-frame navigation
// response (status, headers, redirect chain) available to the
// detection engine.
//
// Create one per chromedp tab context before navigating:
//
//	ctx, cancel := chromedp.NewContext(context.Background())
//	defer cancel()
//	page := aluvia.NewCDPPage(ctx)
//	aluvia.WatchPage(ctx, conn.Monitor(page))
//	_ = chromedp.Run(ctx, chromedp.Navigate("https://example.com"))
type CDPPage struct {
	ctx context.Context

	mu    sync.Mutex
	resp  *NavigationResponse
	chain []string
}

// NewCDPPage wraps a chromedp tab context and starts tracking its
// main-frame navigation responses.
func NewCDPPage(ctx context.Context) *CDPPage {
	p := &CDPPage{ctx: ctx}

	chromedp.ListenTarget(ctx, func(ev interface{}) {
		switch e := ev.(type) {
		case *network.EventRequestWillBeSent:
			if e.Type != network.ResourceTypeDocument {
				return
			}
			p.mu.Lock()
			if e.RedirectResponse != nil {
				p.chain = append(p.chain, e.RedirectResponse.URL)
			} else {
				p.chain = nil
			}
			p.mu.Unlock()

		case *network.EventResponseReceived:
			if e.Type != network.ResourceTypeDocument {
				return
			}
			p.mu.Lock()
			p.resp = &NavigationResponse{
				URL:           e.Response.URL,
				StatusCode:    int(e.Response.Status),
				Headers:       cdpHeaders(e.Response.Headers),
				RedirectChain: append([]string(nil), p.chain...),
				ReceivedAt:    time.Now(),
			}
			p.mu.Unlock()
		}
	})

	return p
}

// URL implements Page.
func (p *CDPPage) URL(ctx context.Context) (string, error) {
	var loc string
	err := chromedp.Run(p.run(ctx), chromedp.Location(&loc))
	return loc, err
}

// Title implements Page.
func (p *CDPPage) Title(ctx context.Context) (string, error) {
	var title string
	err := chromedp.Run(p.run(ctx), chromedp.Title(&title))
	return title, err
}

// HTML implements Page.
func (p *CDPPage) HTML(ctx context.Context) (string, error) {
	var html string
	err := chromedp.Run(p.run(ctx), chromedp.OuterHTML("html", &html, chromedp.ByQuery))
	return html, err
}

// TextContent implements Page with the raw DOM text, hidden nodes
// included.
func (p *CDPPage) TextContent(ctx context.Context) (string, error) {
	var text string
	err := chromedp.Run(p.run(ctx), chromedp.Evaluate(
		`document.documentElement ? document.documentElement.textContent : ""`, &text))
	return text, err
}

// VisibleText implements Page with the rendered layout text only.
func (p *CDPPage) VisibleText(ctx context.Context) (string, error) {
	var text string
	err := chromedp.Run(p.run(ctx), chromedp.Evaluate(
		`document.body ? document.body.innerText : ""`, &text))
	return text, err
}

// HasSelector implements Page.
func (p *CDPPage) HasSelector(ctx context.Context, selector string) (bool, error) {
	var found bool
	expr := fmt.Sprintf(`document.querySelector(%q) !== null`, selector)
	err := chromedp.Run(p.run(ctx), chromedp.Evaluate(expr, &found))
	return found, err
}

// NavigationResponse implements Page.
func (p *CDPPage) NavigationResponse() *NavigationResponse {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.resp
}

// Reload implements Page.
func (p *CDPPage) Reload(ctx context.Context) error {
	return chromedp.Run(p.run(ctx), chromedp.Reload())
}

// run bounds chromedp calls with the caller's deadline while keeping
// the tab's own context chain.
func (p *CDPPage) run(ctx context.Context) context.Context {
	if deadline, ok := ctx.Deadline(); ok {
		// chromedp actions must run on the tab context; carry the
		// caller's deadline over.
		bounded, cancel := context.WithDeadline(p.ctx, deadline)
		go func() {
			<-bounded.Done()
			cancel()
		}()
		return bounded
	}
	return p.ctx
}

// WatchPage wires a monitor to a CDPPage's tab lifecycle: the fast
// pass on DOMContentLoaded, the full pass on load (or, for pages that
// stall before the load event, after the monitor's fallback timeout),
// and the SPA pass on in-page navigations. Passes run off the event loop; the escalation
// policy in the remediator bounds reload recursion.
func WatchPage(ctx context.Context, m *Monitor) {
	var mu sync.Mutex
	var fastSignals []Signal

	chromedp.ListenTarget(ctx, func(ev interface{}) {
		switch ev.(type) {
		case *page.EventDomContentEventFired:
			go func() {
				res := m.DOMReady(ctx)
				mu.Lock()
				fastSignals = append([]Signal(nil), res.Signals...)
				mu.Unlock()
			}()

		case *page.EventLoadEventFired:
			go func() {
				mu.Lock()
				prior := fastSignals
				mu.Unlock()
				m.Loaded(ctx, prior)
			}()

		case *page.EventNavigatedWithinDocument:
			go m.InPageNavigation(ctx)
		}
	})
}

// EnableNetworkEvents turns on the CDP network domain for a tab so
// navigation responses are observable. Call it once before the first
// navigation.
func EnableNetworkEvents(ctx context.Context) error {
	return chromedp.Run(ctx, network.Enable())
}

func cdpHeaders(h network.Headers) http.Header {
	out := make(http.Header, len(h))
	for k, v := range h {
		out.Set(k, fmt.Sprint(v))
	}
	return out
}
