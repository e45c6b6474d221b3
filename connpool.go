package aluvia

import (
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"
)

// TransportPool builds and caches the HTTP transports the data plane
// forwards plain requests through: one for direct traffic and one per
// gateway descriptor. Caching per upstream keeps connection pools warm
// while guaranteeing that a snapshot change (new credentials or a new
// gateway) takes effect on the very next request instead of riding an
// old keep-alive connection.
type TransportPool struct {
	// MaxIdleConns is the total maximum number of idle connections
	// across all hosts. Zero means 100.
	MaxIdleConns int

	// MaxIdleConnsPerHost is the maximum number of idle connections
	// per host. Zero means 2.
	MaxIdleConnsPerHost int

	// IdleConnTimeout is how long an idle connection remains pooled.
	// Zero means 90 seconds.
	IdleConnTimeout time.Duration

	// DialTimeout is the maximum time for a TCP dial. Zero means 30
	// seconds.
	DialTimeout time.Duration

	mu         sync.Mutex
	direct     *http.Transport
	byUpstream map[string]*http.Transport
}

// NewTransportPool creates a pool with forward-proxy defaults.
func NewTransportPool() *TransportPool {
	return &TransportPool{
		MaxIdleConns:        200,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		DialTimeout:         30 * time.Second,
	}
}

// For returns the transport for the given upstream, building it on
// first use. A nil upstream returns the direct transport.
func (tp *TransportPool) For(upstream *url.URL) http.RoundTripper {
	tp.mu.Lock()
	defer tp.mu.Unlock()

	if upstream == nil {
		if tp.direct == nil {
			tp.direct = tp.build(nil)
		}
		return tp.direct
	}

	key := upstream.String()
	if tp.byUpstream == nil {
		tp.byUpstream = make(map[string]*http.Transport)
	}
	t, ok := tp.byUpstream[key]
	if !ok {
		t = tp.build(upstream)
		tp.byUpstream[key] = t
	}
	return t
}

// CloseIdle drops all pooled idle connections.
func (tp *TransportPool) CloseIdle() {
	tp.mu.Lock()
	defer tp.mu.Unlock()

	if tp.direct != nil {
		tp.direct.CloseIdleConnections()
	}
	for _, t := range tp.byUpstream {
		t.CloseIdleConnections()
	}
}

func (tp *TransportPool) build(upstream *url.URL) *http.Transport {
	dialTimeout := tp.DialTimeout
	if dialTimeout == 0 {
		dialTimeout = 30 * time.Second
	}

	t := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   dialTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:        tp.MaxIdleConns,
		MaxIdleConnsPerHost: tp.MaxIdleConnsPerHost,
		IdleConnTimeout:     tp.IdleConnTimeout,
	}
	if t.MaxIdleConns == 0 {
		t.MaxIdleConns = 100
	}
	if upstream != nil {
		t.Proxy = http.ProxyURL(upstream)
	}
	return t
}
