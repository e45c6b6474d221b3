package aluvia

import (
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"
)

// RequestInfo is the per-request metadata the proxy engine hands to the
// router: the CONNECT target (for tunnel requests), the request's own
// URL, and its headers.
type RequestInfo struct {
	// ConnectHost is the explicit "host:port" target of a CONNECT
	// request, empty for plain requests.
	ConnectHost string

	// URL is the request URL, absolute for proxied plain requests.
	URL *url.URL

	// Host is the request's Host header value.
	Host string
}

// RequestInfoFromHTTP extracts routing metadata from an incoming proxy
// request.
func RequestInfoFromHTTP(r *http.Request) RequestInfo {
	info := RequestInfo{URL: r.URL, Host: r.Host}
	if r.Method == http.MethodConnect {
		info.ConnectHost = r.Host
	}
	return info
}

// Router is the per-request decision point. It reads the current
// snapshot from the control plane and decides whether a request goes
// direct or through the gateway. It does no I/O and no locking on the
// hot path; the snapshot read is a single atomic pointer load.
type Router struct {
	// ControlPlane supplies the active snapshot.
	ControlPlane *ControlPlane

	// Logger for routing events.
	Logger *slog.Logger

	// WarnWindow rate-limits "no snapshot" warnings so a sustained
	// control-plane outage produces one line per window instead of one
	// per request. Defaults to one minute.
	WarnWindow time.Duration

	// Metrics records routing decisions (optional).
	Metrics *Metrics

	lastWarn atomic.Int64
}

// NewRouter creates a Router backed by the given control plane.
func NewRouter(cp *ControlPlane) *Router {
	return &Router{
		ControlPlane: cp,
		Logger:       slog.Default(),
		WarnWindow:   time.Minute,
	}
}

// Upstream decides routing for one request. It returns the gateway
// proxy URL when the request should be proxied, or nil for direct.
//
// The decision fails open: with no snapshot published yet, or a request
// whose hostname cannot be determined, traffic goes direct. Refusing to
// forward would be a worse outcome than missing a proxy opportunity,
// since an absent snapshot is indistinguishable from "user configured
// nothing".
func (rt *Router) Upstream(info RequestInfo) *url.URL {
	snap := rt.ControlPlane.Snapshot()
	if snap == nil {
		rt.warnNoSnapshot()
		rt.record("direct")
		return nil
	}

	hostname, ok := Hostname(info)
	if !ok {
		rt.Logger.Debug("no hostname in request, routing direct")
		rt.record("direct")
		return nil
	}

	if !snap.ShouldProxy(hostname) {
		rt.record("direct")
		return nil
	}

	rt.record("gateway")
	return snap.UpstreamURL()
}

// Hostname extracts the decision hostname from request metadata.
// Precedence: CONNECT target, then the request URL's host, then the
// Host header. Ports and IPv6 brackets are stripped.
func Hostname(info RequestInfo) (string, bool) {
	if h := cleanHost(info.ConnectHost); h != "" {
		return h, true
	}
	if info.URL != nil {
		if h := info.URL.Hostname(); h != "" {
			return strings.ToLower(h), true
		}
	}
	if h := cleanHost(info.Host); h != "" {
		return h, true
	}
	return "", false
}

// cleanHost strips an optional port and IPv6 brackets from a host
// header value.
func cleanHost(host string) string {
	host = strings.TrimSpace(host)
	if host == "" {
		return ""
	}
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	return strings.ToLower(host)
}

func (rt *Router) warnNoSnapshot() {
	window := rt.WarnWindow
	if window <= 0 {
		window = time.Minute
	}

	now := time.Now().UnixNano()
	last := rt.lastWarn.Load()
	if now-last < int64(window) {
		return
	}
	if rt.lastWarn.CompareAndSwap(last, now) {
		rt.Logger.Warn("no configuration snapshot, routing direct")
	}
}

func (rt *Router) record(route string) {
	if rt.Metrics != nil {
		rt.Metrics.RecordRequest(route)
	}
}
