package aluvia

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
)

func newTestClient(t *testing.T, srv *httptest.Server, mutate func(*Options)) *Client {
	t.Helper()
	opts := Options{
		Token:        "test-token",
		BaseURL:      srv.URL,
		ConnectionID: "conn-7",
		Addr:         "127.0.0.1:0",
		Logger:       quietLogger(),
	}
	if mutate != nil {
		mutate(&opts)
	}
	c, err := NewClient(opts)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return c
}

func controlService(t *testing.T) *httptest.Server {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writePayload(t, w, "conn-7", "")
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestNewClientRequiresToken(t *testing.T) {
	if _, err := NewClient(Options{}); !errors.Is(err, ErrMissingToken) {
		t.Fatalf("error = %v, want ErrMissingToken", err)
	}
}

func TestClientStartStop(t *testing.T) {
	c := newTestClient(t, controlService(t), nil)

	conn, err := c.Start(context.Background())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if conn.Addr() == "" {
		t.Error("empty proxy address")
	}
	if got := conn.ProxyURL().Scheme; got != "http" {
		t.Errorf("ProxyURL scheme = %q", got)
	}
	if c.Snapshot() == nil {
		t.Error("no snapshot after Start")
	}

	if err := c.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	// Idempotent.
	if err := c.Stop(context.Background()); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
}

func TestClientConcurrentStartCollapses(t *testing.T) {
	var inits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		inits.Add(1)
		writePayload(t, w, "conn-7", "")
	}))
	t.Cleanup(srv.Close)

	c := newTestClient(t, srv, nil)
	defer func() { _ = c.Stop(context.Background()) }()

	const n = 8
	conns := make([]*Conn, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			conn, err := c.Start(context.Background())
			if err != nil {
				t.Errorf("Start: %v", err)
				return
			}
			conns[i] = conn
		}()
	}
	wg.Wait()

	if got := inits.Load(); got != 1 {
		t.Errorf("control service saw %d initial loads, want 1", got)
	}
	for i := 1; i < n; i++ {
		if conns[i] != conns[0] {
			t.Fatal("concurrent Start calls returned different Conns")
		}
	}
}

func TestClientStartAuthFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	t.Cleanup(srv.Close)

	c := newTestClient(t, srv, nil)
	if _, err := c.Start(context.Background()); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("Start error = %v, want ErrInvalidCredentials", err)
	}
}

func TestClientNonStrictStartSurvivesOutage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	t.Cleanup(srv.Close)

	c := newTestClient(t, srv, nil)
	defer func() { _ = c.Stop(context.Background()) }()

	conn, err := c.Start(context.Background())
	if err != nil {
		t.Fatalf("non-strict Start should survive a control-plane outage: %v", err)
	}
	if conn == nil {
		t.Fatal("nil Conn")
	}
	if c.Snapshot() != nil {
		t.Error("snapshot published despite failed load")
	}
}

func TestClientStrictStartFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	t.Cleanup(srv.Close)

	c := newTestClient(t, srv, func(o *Options) { o.Strict = true })
	if _, err := c.Start(context.Background()); err == nil {
		t.Fatal("strict Start should fail on a control-plane outage")
	}
}

func TestClientSetRules(t *testing.T) {
	srv := &remediationServer{rules: []string{}}
	ts := httptest.NewServer(srv.handler(t))
	t.Cleanup(ts.Close)

	c := newTestClient(t, ts, nil)
	defer func() { _ = c.Stop(context.Background()) }()
	if _, err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if err := c.SetRules(context.Background(), []string{"example.com"}); err != nil {
		t.Fatalf("SetRules: %v", err)
	}
	if !c.Snapshot().ShouldProxy("example.com") {
		t.Error("updated rules not active")
	}

	if err := c.SetSession(context.Background(), "sess-9"); err != nil {
		t.Fatalf("SetSession: %v", err)
	}
	if err := c.SetCountry(context.Background(), "us"); err != nil {
		t.Fatalf("SetCountry: %v", err)
	}
}

func TestConnMonitorWiring(t *testing.T) {
	c := newTestClient(t, controlService(t), func(o *Options) { o.AutoUnblock = true })
	defer func() { _ = c.Stop(context.Background()) }()

	conn, err := c.Start(context.Background())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	m := conn.Monitor(cleanPage("https://example.com/"))
	if m.Analyzer != c.analyzer {
		t.Error("monitor not wired to the client analyzer")
	}
	if m.Remediator != c.remediator {
		t.Error("monitor not wired to the client remediator")
	}
}

func TestClientObserverReceivesResults(t *testing.T) {
	var seen atomic.Int32
	c := newTestClient(t, controlService(t), func(o *Options) {
		o.OnResult = func(*Result) { seen.Add(1) }
	})
	defer func() { _ = c.Stop(context.Background()) }()

	conn, err := c.Start(context.Background())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	m := conn.Monitor(cleanPage("https://example.com/"))
	fast := m.DOMReady(context.Background())
	m.Loaded(context.Background(), fast.Signals)

	if seen.Load() == 0 {
		t.Error("observer never saw a result")
	}
}
