package aluvia

import (
	"testing"

	"github.com/chromedp/cdproto/network"
)

func TestCDPHeaders(t *testing.T) {
	h := cdpHeaders(network.Headers{
		"Server":       "cloudflare",
		"cf-mitigated": "challenge",
		"Retry-After":  120,
	})

	if got := h.Get("Server"); got != "cloudflare" {
		t.Errorf("Server = %q", got)
	}
	// Canonicalized lookup regardless of CDP casing.
	if got := h.Get("Cf-Mitigated"); got != "challenge" {
		t.Errorf("Cf-Mitigated = %q", got)
	}
	// Non-string CDP values are stringified.
	if got := h.Get("Retry-After"); got != "120" {
		t.Errorf("Retry-After = %q", got)
	}
}
