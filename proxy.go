package aluvia

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
)

// Proxy is the local forward-proxy engine. It serves plain HTTP
// forwarding and CONNECT tunneling, asking the Router once per request
// whether traffic goes direct or through the gateway. It binds to
// loopback only; this is a per-machine client, not a shared proxy.
type Proxy struct {
	// Addr is the loopback address to listen on (e.g. "127.0.0.1:8488").
	// A port of 0 picks a free port.
	Addr string

	// Router makes the per-request routing decision.
	Router *Router

	// Logger for proxy events.
	Logger *slog.Logger

	// Metrics collects Prometheus metrics (optional). When set, the
	// proxy serves them at /metrics on local (non-proxy) requests.
	Metrics *Metrics

	// HealthChecker provides /healthz and /readyz endpoints (optional).
	HealthChecker *HealthChecker

	// AccessLog writes a structured entry per request (optional).
	AccessLog *AccessLogger

	// Admin provides REST endpoints for rule management (optional).
	// Requests matching the AdminAPI.PathPrefix are routed to it.
	Admin *AdminAPI

	// TransportPool supplies pooled transports for plain forwarding.
	// Defaults to NewTransportPool().
	TransportPool *TransportPool

	// TunnelDialTimeout bounds dialing a CONNECT tunnel. Defaults to
	// 10 seconds.
	TunnelDialTimeout time.Duration

	listener net.Listener
	srv      *http.Server
}

// NewProxy creates a proxy bound to the given loopback address.
func NewProxy(addr string, router *Router) *Proxy {
	return &Proxy{
		Addr:          addr,
		Router:        router,
		Logger:        slog.Default(),
		TransportPool: NewTransportPool(),
	}
}

// Listen binds the listener without serving. The address must resolve
// to a loopback interface.
func (p *Proxy) Listen() (net.Addr, error) {
	host, _, err := net.SplitHostPort(p.Addr)
	if err != nil {
		return nil, fmt.Errorf("listen address %q: %w", p.Addr, err)
	}
	if !isLoopbackHost(host) {
		return nil, fmt.Errorf("refusing to bind non-loopback address %q", p.Addr)
	}

	listener, err := net.Listen("tcp", p.Addr)
	if err != nil {
		return nil, fmt.Errorf("listen: %w", err)
	}
	p.listener = listener
	// Built here, not in Serve, so a Shutdown racing a Serve goroutine
	// always sees the server it has to stop.
	p.srv = &http.Server{Handler: p}
	return listener.Addr(), nil
}

// Serve runs the proxy on the bound listener until Shutdown.
func (p *Proxy) Serve() error {
	if p.listener == nil {
		if _, err := p.Listen(); err != nil {
			return err
		}
	}

	p.Logger.Info("proxy listening", "addr", p.listener.Addr().String())

	err := p.srv.Serve(p.listener)
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown gracefully stops the proxy and drops pooled connections.
func (p *Proxy) Shutdown(ctx context.Context) error {
	var err error
	if p.srv != nil {
		err = p.srv.Shutdown(ctx)
	}
	if p.listener != nil {
		// Releases a listener that was bound but never served; after a
		// Serve this is a no-op double close.
		if cerr := p.listener.Close(); err == nil && !errors.Is(cerr, net.ErrClosed) {
			err = cerr
		}
	}
	if p.TransportPool != nil {
		p.TransportPool.CloseIdle()
	}
	return err
}

// ListenerAddr returns the bound listener address, or nil before Listen.
func (p *Proxy) ListenerAddr() net.Addr {
	if p.listener == nil {
		return nil
	}
	return p.listener.Addr()
}

// ServeHTTP handles incoming proxy requests. Local paths (metrics,
// health, admin) are served directly; everything else is proxied.
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodConnect && r.URL.Host == "" {
		// Origin-form request addressed to the proxy itself.
		if p.Metrics != nil && r.URL.Path == "/metrics" {
			p.Metrics.Handler().ServeHTTP(w, r)
			return
		}
		if p.HealthChecker != nil {
			switch r.URL.Path {
			case "/healthz":
				p.HealthChecker.HandleHealthz(w, r)
				return
			case "/readyz":
				p.HealthChecker.HandleReadyz(w, r)
				return
			}
		}
		if p.Admin != nil && strings.HasPrefix(r.URL.Path, p.Admin.PathPrefix) {
			p.Admin.ServeHTTP(w, r)
			return
		}
		http.NotFound(w, r)
		return
	}

	if r.Method == http.MethodConnect {
		p.handleConnect(w, r)
	} else {
		p.handleHTTP(w, r)
	}
}

// handleConnect tunnels an HTTPS connection, either direct to the
// target or through the gateway via an upstream CONNECT.
func (p *Proxy) handleConnect(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	upstream := p.Router.Upstream(RequestInfoFromHTTP(r))
	route := routeName(upstream != nil)

	p.Logger.Debug("CONNECT", "host", r.Host, "route", route)
	if p.Metrics != nil {
		p.Metrics.IncActiveConns()
		defer p.Metrics.DecActiveConns()
	}

	addr := r.Host
	if _, _, err := net.SplitHostPort(addr); err != nil {
		addr = net.JoinHostPort(addr, "443")
	}

	targetConn, err := dialTunnel(r.Context(), upstream, addr, p.TunnelDialTimeout)
	if err != nil {
		p.Logger.Error("tunnel dial failed", "host", r.Host, "route", route, "error", err)
		if p.Metrics != nil {
			p.Metrics.RecordUpstreamError(route)
		}
		http.Error(w, err.Error(), http.StatusBadGateway)
		p.logAccess(r, route, http.StatusBadGateway, 0, time.Since(start), err)
		return
	}
	defer func() { _ = targetConn.Close() }()

	hijacker, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, "hijacking not supported", http.StatusInternalServerError)
		return
	}
	clientConn, _, err := hijacker.Hijack()
	if err != nil {
		p.Logger.Error("hijack failed", "error", err)
		return
	}
	defer func() { _ = clientConn.Close() }()

	if _, err := clientConn.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n")); err != nil {
		p.Logger.Debug("write connect response", "error", err)
		return
	}

	written := tunnel(clientConn, targetConn)
	p.logAccess(r, route, http.StatusOK, written, time.Since(start), nil)
}

// tunnel copies bytes in both directions until either side closes and
// returns the byte count sent toward the client.
func tunnel(client, target net.Conn) int64 {
	var wg sync.WaitGroup
	var toClient int64

	wg.Add(2)
	go func() {
		defer wg.Done()
		_, _ = io.Copy(target, client)
		closeWrite(target)
	}()
	go func() {
		defer wg.Done()
		toClient, _ = io.Copy(client, target)
		closeWrite(client)
	}()
	wg.Wait()

	return toClient
}

func closeWrite(conn net.Conn) {
	type closeWriter interface{ CloseWrite() error }
	if cw, ok := conn.(closeWriter); ok {
		_ = cw.CloseWrite()
	} else {
		_ = conn.Close()
	}
}

// handleHTTP forwards a plain HTTP request through the pooled transport
// for whichever upstream the router picked.
func (p *Proxy) handleHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	upstream := p.Router.Upstream(RequestInfoFromHTTP(r))
	route := routeName(upstream != nil)

	p.Logger.Debug("HTTP", "method", r.Method, "url", r.URL, "route", route)

	outReq := r.Clone(r.Context())
	outReq.RequestURI = ""
	removeHopByHopHeaders(outReq.Header)

	pool := p.TransportPool
	if pool == nil {
		pool = NewTransportPool()
		p.TransportPool = pool
	}

	resp, err := pool.For(upstream).RoundTrip(outReq)
	if err != nil {
		p.Logger.Error("forward request", "url", r.URL, "route", route, "error", err)
		if p.Metrics != nil {
			p.Metrics.RecordUpstreamError(route)
		}
		http.Error(w, err.Error(), http.StatusBadGateway)
		p.logAccess(r, route, http.StatusBadGateway, 0, time.Since(start), err)
		return
	}
	defer func() { _ = resp.Body.Close() }()

	for k, vv := range resp.Header {
		for _, v := range vv {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	written, _ := io.Copy(w, resp.Body)

	if p.Metrics != nil {
		p.Metrics.RecordRequestDuration(route, resp.StatusCode, time.Since(start))
	}
	p.logAccess(r, route, resp.StatusCode, written, time.Since(start), nil)
}

func (p *Proxy) logAccess(r *http.Request, route string, status int, written int64, d time.Duration, err error) {
	if p.AccessLog == nil {
		return
	}
	e := AccessLogEntry{
		Timestamp:    time.Now(),
		Method:       r.Method,
		Host:         r.Host,
		Route:        route,
		StatusCode:   status,
		Duration:     d,
		BytesWritten: written,
		ClientAddr:   r.RemoteAddr,
	}
	if r.URL != nil {
		e.Path = r.URL.Path
	}
	if err != nil {
		e.Error = err.Error()
	}
	p.AccessLog.Log(e)
}

func routeName(proxied bool) string {
	if proxied {
		return "gateway"
	}
	return "direct"
}

func isLoopbackHost(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// Hop-by-hop headers that must not be forwarded.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailers",
	"Transfer-Encoding",
	"Upgrade",
}

func removeHopByHopHeaders(h http.Header) {
	// RFC 7230 §6.1: headers named in Connection are hop-by-hop too.
	for _, value := range h.Values("Connection") {
		for _, token := range strings.Split(value, ",") {
			if token = strings.TrimSpace(token); token != "" {
				h.Del(token)
			}
		}
	}
	for _, header := range hopByHopHeaders {
		h.Del(header)
	}
}
