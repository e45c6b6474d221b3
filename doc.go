// Package aluvia provides a local smart-routing forward proxy for the
// Aluvia gateway network.
//
// The proxy listens on loopback and decides per request whether traffic
// goes direct to the origin or through a remote Aluvia gateway. The
// decision is driven by a hostname rule list that is kept synchronized
// with the Aluvia control service while the proxy runs, so rules can be
// changed remotely without restarting anything.
//
// On top of the proxy sits a page-load detector for browser automation
// sessions: it scores how likely a navigation ended on a block or
// challenge page and, when auto-unblock is enabled, adds the blocked
// hostname to the rule list and reloads the page.
//
// Basic usage:
//
//	client, err := aluvia.NewClient(aluvia.Options{Token: "api-token"})
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	conn, err := client.Start(context.Background())
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Stop(context.Background())
//
//	// Point an HTTP client or browser at conn.ProxyURL().
package aluvia
