package aluvia

import (
	"context"
	"net/http"
	"time"
)

// Page is the narrow browser capability surface the detection engine
// depends on. Production code backs it with a real automation session
// (see CDPPage for the chromedp adapter); tests supply a fake.
//
// Every read can fail: detectors treat a failing read as "no signal"
// rather than aborting a pass.
type Page interface {
	// URL returns the page's current URL.
	URL(ctx context.Context) (string, error)

	// Title returns the document title.
	Title(ctx context.Context) (string, error)

	// HTML returns the document markup.
	HTML(ctx context.Context) (string, error)

	// TextContent returns the raw DOM text, including text that is
	// not rendered (scripts, hidden nodes).
	TextContent(ctx context.Context) (string, error)

	// VisibleText returns the rendered, layout-visible text only.
	VisibleText(ctx context.Context) (string, error)

	// HasSelector reports whether any element matches the CSS
	// selector.
	HasSelector(ctx context.Context, selector string) (bool, error)

	// NavigationResponse returns the most recent main-frame navigation
	// response, or nil if none has been observed.
	NavigationResponse() *NavigationResponse

	// Reload forces a full page reload.
	Reload(ctx context.Context) error
}

// NavigationResponse captures a main-frame navigation outcome: the
// final response plus the redirect hops that led to it.
type NavigationResponse struct {
	// URL is the final response URL.
	URL string

	// StatusCode is the HTTP status of the final response.
	StatusCode int

	// Headers are the final response headers.
	Headers http.Header

	// RedirectChain holds the URLs of every hop before the final
	// response, oldest first.
	RedirectChain []string

	// ReceivedAt is when the response was observed.
	ReceivedAt time.Time
}
