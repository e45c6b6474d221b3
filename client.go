package aluvia

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"
)

// Options configures a Client.
type Options struct {
	// Token is the API bearer credential. Required.
	Token string

	// BaseURL of the control service. Defaults to DefaultBaseURL.
	BaseURL string

	// ConnectionID reuses an existing connection; empty
	// auto-provisions one on start.
	ConnectionID string

	// Strict makes any initial configuration load failure fatal.
	Strict bool

	// Addr is the loopback listen address. Defaults to
	// "127.0.0.1:8488"; a port of 0 picks a free port.
	Addr string

	// PollInterval between configuration re-fetches. Defaults to
	// DefaultPollInterval.
	PollInterval time.Duration

	// AutoUnblock enables auto-remediation of blocked pages.
	AutoUnblock bool

	// IncludeSuspected extends auto-remediation to suspected results.
	IncludeSuspected bool

	// Detection tunes the analysis engine. Zero fields take defaults.
	Detection DetectorConfig

	// OnResult observes every detection result, including clear ones.
	OnResult ResultObserver

	// Logger for all components. Defaults to slog.Default().
	Logger *slog.Logger

	// EnableMetrics serves Prometheus metrics at /metrics.
	EnableMetrics bool

	// EnableAccessLog writes a structured entry per proxied request.
	EnableAccessLog bool

	// EnableAdmin serves the admin API under /api.
	EnableAdmin bool
}

// Client ties the pieces together: control-plane sync, the routing
// decision point, the loopback proxy engine, and the detection and
// remediation layer for browser sessions.
type Client struct {
	opts   Options
	logger *slog.Logger

	controlPlane *ControlPlane
	router       *Router
	proxy        *Proxy
	analyzer     *Analyzer
	remediator   *Remediator
	metrics      *Metrics
	health       *HealthChecker

	mu      sync.Mutex
	started bool
	conn    *Conn
}

// Conn is the handle returned by Start: the bound proxy address plus
// accessors for per-session wiring. All concurrent Start calls on one
// client receive the same Conn.
type Conn struct {
	client *Client
	addr   string
}

// Addr returns the bound "host:port" of the local proxy.
func (c *Conn) Addr() string {
	return c.addr
}

// ProxyURL returns the local proxy endpoint as a URL, the shape HTTP
// clients and browsers expect.
func (c *Conn) ProxyURL() *url.URL {
	return &url.URL{Scheme: "http", Host: c.addr}
}

// Monitor creates a detection monitor for one page of a browser
// session attached to this connection.
func (c *Conn) Monitor(page Page) *Monitor {
	m := NewMonitor(page, c.client.analyzer, c.client.remediator)
	m.Logger = c.client.logger
	return m
}

// NewClient creates a Client from options. The token is required up
// front; everything else has defaults.
func NewClient(opts Options) (*Client, error) {
	if opts.Token == "" {
		return nil, ErrMissingToken
	}
	if opts.Addr == "" {
		opts.Addr = "127.0.0.1:8488"
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	c := &Client{opts: opts, logger: opts.Logger}

	cp := NewControlPlane(opts.Token)
	if opts.BaseURL != "" {
		cp.BaseURL = opts.BaseURL
	}
	cp.ConnectionID = opts.ConnectionID
	cp.Strict = opts.Strict
	cp.Logger = c.logger
	c.controlPlane = cp

	if opts.EnableMetrics {
		c.metrics = NewMetrics()
		cp.Metrics = c.metrics
	}

	c.router = NewRouter(cp)
	c.router.Logger = c.logger
	c.router.Metrics = c.metrics

	c.health = NewHealthChecker()
	c.health.ReadinessChecks = []ReadinessCheck{func() error {
		if cp.Snapshot() == nil {
			return fmt.Errorf("no configuration snapshot")
		}
		return nil
	}}

	c.proxy = NewProxy(opts.Addr, c.router)
	c.proxy.Logger = c.logger
	c.proxy.Metrics = c.metrics
	c.proxy.HealthChecker = c.health
	if opts.EnableAccessLog {
		c.proxy.AccessLog = NewAccessLogger(c.logger)
	}

	c.analyzer = NewAnalyzer()
	c.analyzer.Config = opts.Detection
	c.analyzer.Config.applyDefaults()
	c.analyzer.Logger = c.logger
	c.analyzer.Metrics = c.metrics

	c.remediator = NewRemediator(cp)
	c.remediator.AutoUnblock = opts.AutoUnblock
	c.remediator.IncludeSuspected = opts.IncludeSuspected
	c.remediator.Observer = opts.OnResult
	c.remediator.Logger = c.logger
	c.remediator.Metrics = c.metrics

	if opts.EnableAdmin {
		admin := NewAdminAPI(cp)
		admin.Remediator = c.remediator
		admin.Logger = c.logger
		c.proxy.Admin = admin
	}

	return c, nil
}

// NewClientFromConfig creates a Client from a loaded Config.
func NewClientFromConfig(cfg *Config) (*Client, error) {
	return NewClient(Options{
		Token:            cfg.API.Token,
		BaseURL:          cfg.API.BaseURL,
		ConnectionID:     cfg.API.ConnectionID,
		Strict:           cfg.API.Strict,
		Addr:             cfg.Proxy.Addr,
		PollInterval:     cfg.API.PollInterval,
		AutoUnblock:      cfg.Unblock.Auto,
		IncludeSuspected: cfg.Unblock.IncludeSuspected,
		Detection: DetectorConfig{
			BlockedThreshold:   cfg.Unblock.BlockedThreshold,
			SuspectedThreshold: cfg.Unblock.SuspectedThreshold,
			FullPassTimeout:    cfg.Unblock.FullPassTimeout,
		},
		Logger:          cfg.BuildLogger(),
		EnableMetrics:   cfg.Proxy.Metrics,
		EnableAccessLog: cfg.Proxy.AccessLog,
		EnableAdmin:     cfg.Proxy.Admin,
	})
}

// Start loads the initial configuration, binds the loopback listener,
// and begins background polling. It is idempotent and safe for
// concurrent use: simultaneous calls collapse into a single
// initialization and all callers receive the same Conn. A Stop issued
// while a Start is in flight waits for it to settle.
func (c *Client) Start(ctx context.Context) (*Conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.started {
		return c.conn, nil
	}

	if err := c.controlPlane.Init(ctx); err != nil {
		return nil, err
	}

	addr, err := c.proxy.Listen()
	if err != nil {
		return nil, err
	}

	go func() {
		if err := c.proxy.Serve(); err != nil {
			c.logger.Error("proxy serve", "error", err)
		}
	}()

	c.controlPlane.StartPolling(c.opts.PollInterval)
	c.health.SetAlive(true)
	c.health.SetReady(true)

	c.conn = &Conn{client: c, addr: addr.String()}
	c.started = true
	c.logger.Info("client started", "proxy", c.conn.addr)
	return c.conn, nil
}

// Stop cancels polling and shuts the proxy down. The last configuration
// snapshot stays in memory, so a subsequent Start reuses the connection
// id. Stop is idempotent.
func (c *Client) Stop(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.started {
		return nil
	}

	c.health.SetReady(false)
	c.controlPlane.StopPolling()
	err := c.proxy.Shutdown(ctx)

	c.health.SetAlive(false)
	c.started = false
	c.conn = nil
	c.logger.Info("client stopped")
	return err
}

// Snapshot returns the active configuration snapshot, or nil before
// the first successful load.
func (c *Client) Snapshot() *Snapshot {
	return c.controlPlane.Snapshot()
}

// SetRules replaces the hostname rule list via the control service.
func (c *Client) SetRules(ctx context.Context, rules []string) error {
	return c.controlPlane.SetConfig(ctx, ConfigPatch{Rules: &rules})
}

// SetSession pins or clears the gateway session id.
func (c *Client) SetSession(ctx context.Context, sessionID string) error {
	return c.controlPlane.SetConfig(ctx, ConfigPatch{SessionID: &sessionID})
}

// SetCountry sets the gateway egress geo target.
func (c *Client) SetCountry(ctx context.Context, country string) error {
	return c.controlPlane.SetConfig(ctx, ConfigPatch{Country: &country})
}

// ResetUnblock clears auto-unblock escalation state.
func (c *Client) ResetUnblock() {
	c.remediator.Reset()
}
