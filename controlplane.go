package aluvia

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/klauspost/compress/gzip"
)

// DefaultBaseURL is the production control service endpoint.
const DefaultBaseURL = "https://api.aluvia.io/v1"

// DefaultPollInterval is how often the control plane re-checks the
// connection for remote changes.
const DefaultPollInterval = 30 * time.Second

// ControlPlane owns the active configuration snapshot. It fetches or
// auto-provisions a connection from the control service, polls it for
// remote changes, and applies explicit updates. The snapshot is
// published by copy-on-write: a new immutable Snapshot is built off to
// the side and swapped in with a single atomic store, so the data plane
// reads it without locking.
type ControlPlane struct {
	// BaseURL of the control service. Defaults to [DefaultBaseURL].
	BaseURL string

	// Token is the bearer credential sent on every call.
	Token string

	// ConnectionID selects an existing connection. Empty means
	// auto-provision a new one on Init.
	ConnectionID string

	// Strict makes any Init failure fatal. Without it, only
	// authentication failures abort Init; other errors are logged and
	// the data plane fails open until a later poll succeeds.
	Strict bool

	// HTTPClient for control service calls. Defaults to a client with
	// a 30 second timeout.
	HTTPClient *http.Client

	// Logger for sync events.
	Logger *slog.Logger

	// Metrics collects poll and publish counters (optional).
	Metrics *Metrics

	current atomic.Pointer[Snapshot]

	// polling is the reentrancy guard: a tick is skipped while the
	// previous poll is still outstanding.
	polling atomic.Bool

	mu         sync.Mutex
	pollCancel context.CancelFunc
	pollDone   chan struct{}
}

// NewControlPlane creates a ControlPlane for the given token.
func NewControlPlane(token string) *ControlPlane {
	return &ControlPlane{
		BaseURL:    DefaultBaseURL,
		Token:      token,
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
		Logger:     slog.Default(),
	}
}

// Snapshot returns the currently published snapshot, or nil if no fetch
// has succeeded yet. The read is a single atomic load.
func (cp *ControlPlane) Snapshot() *Snapshot {
	return cp.current.Load()
}

// connectionPayload is the control service representation of a
// connection.
type connectionPayload struct {
	ID        string   `json:"id"`
	Proxy     Gateway  `json:"proxy"`
	Rules     []string `json:"rules"`
	SessionID *string  `json:"session_id"`
	Country   *string  `json:"country"`
}

// errorEnvelope is the structured error body the control service
// returns on non-success responses.
type errorEnvelope struct {
	Error struct {
		Code    string              `json:"code"`
		Message string              `json:"message"`
		Fields  map[string][]string `json:"fields"`
	} `json:"error"`
}

// ConfigPatch is a partial connection update. Nil fields are left
// unchanged on the control service.
type ConfigPatch struct {
	Rules     *[]string `json:"rules,omitempty"`
	SessionID *string   `json:"session_id,omitempty"`
	Country   *string   `json:"country,omitempty"`
}

// Init obtains the initial configuration: a fetch when a connection id
// was supplied, otherwise a create with an empty body to auto-provision
// one. Authentication failures are always fatal. Any other failure is
// fatal in strict mode, otherwise logged and swallowed, leaving no
// snapshot published.
func (cp *ControlPlane) Init(ctx context.Context) error {
	var err error
	if cp.ConnectionID != "" {
		_, err = cp.fetch(ctx, "")
	} else {
		err = cp.provision(ctx)
	}
	if err == nil {
		return nil
	}

	if errors.Is(err, ErrInvalidCredentials) {
		return err
	}
	if cp.Strict {
		return fmt.Errorf("load connection: %w", err)
	}

	cp.Logger.Warn("initial connection load failed, routing direct until a poll succeeds", "error", err)
	return nil
}

// StartPolling begins conditional re-fetches of the connection at the
// given interval. Calling it again restarts polling with the new
// interval. Polling failures never erase the last good snapshot.
func (cp *ControlPlane) StartPolling(interval time.Duration) {
	if interval <= 0 {
		interval = DefaultPollInterval
	}

	cp.mu.Lock()
	defer cp.mu.Unlock()

	cp.stopPollingLocked()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	cp.pollCancel = cancel
	cp.pollDone = done

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				cp.pollOnce(ctx)
			}
		}
	}()
}

// StopPolling cancels the poll timer. The last snapshot stays published.
func (cp *ControlPlane) StopPolling() {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	cp.stopPollingLocked()
}

func (cp *ControlPlane) stopPollingLocked() {
	if cp.pollCancel != nil {
		cp.pollCancel()
		<-cp.pollDone
		cp.pollCancel = nil
		cp.pollDone = nil
	}
}

// pollOnce runs a single conditional fetch. Skipped when the previous
// poll is still in flight so slow responses delay rather than stack.
func (cp *ControlPlane) pollOnce(ctx context.Context) {
	if !cp.polling.CompareAndSwap(false, true) {
		cp.Logger.Debug("poll still in flight, skipping tick")
		return
	}
	defer cp.polling.Store(false)

	etag := ""
	if snap := cp.current.Load(); snap != nil {
		etag = snap.ETag
	}

	modified, err := cp.fetch(ctx, etag)
	switch {
	case err != nil:
		// Keep the previous snapshot; a transient failure must never
		// destroy good configuration.
		cp.Logger.Warn("poll failed, keeping last snapshot", "error", err)
		if cp.Metrics != nil {
			cp.Metrics.RecordPoll("error")
		}
	case modified:
		cp.Logger.Debug("poll applied new configuration")
		if cp.Metrics != nil {
			cp.Metrics.RecordPoll("updated")
		}
	default:
		if cp.Metrics != nil {
			cp.Metrics.RecordPoll("unchanged")
		}
	}
}

// SetConfig applies an explicit update in a single round trip. Unlike
// polling, failures here always raise: authentication errors, field
// validation errors (with detail), and any other non-success status.
// On success the snapshot is replaced exactly like a poll would.
func (cp *ControlPlane) SetConfig(ctx context.Context, patch ConfigPatch) error {
	id := cp.connectionID()
	if id == "" {
		return ErrNotStarted
	}

	body, err := json.Marshal(patch)
	if err != nil {
		return fmt.Errorf("encode patch: %w", err)
	}

	resp, err := cp.do(ctx, http.MethodPatch, "/connections/"+id, bytes.NewReader(body), "")
	if err != nil {
		return fmt.Errorf("update connection: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return cp.decodeError(resp)
	}

	return cp.publishResponse(resp)
}

// fetch GETs the connection, conditionally when etag is non-empty.
// Returns whether a new snapshot was published.
func (cp *ControlPlane) fetch(ctx context.Context, etag string) (bool, error) {
	id := cp.connectionID()
	if id == "" {
		return false, ErrNotStarted
	}

	resp, err := cp.do(ctx, http.MethodGet, "/connections/"+id, nil, etag)
	if err != nil {
		return false, fmt.Errorf("fetch connection: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch resp.StatusCode {
	case http.StatusNotModified:
		return false, nil
	case http.StatusOK:
		if err := cp.publishResponse(resp); err != nil {
			return false, err
		}
		return true, nil
	default:
		return false, cp.decodeError(resp)
	}
}

// provision POSTs an empty create request and publishes the resulting
// connection.
func (cp *ControlPlane) provision(ctx context.Context) error {
	resp, err := cp.do(ctx, http.MethodPost, "/connections", strings.NewReader("{}"), "")
	if err != nil {
		return fmt.Errorf("create connection: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return cp.decodeError(resp)
	}

	return cp.publishResponse(resp)
}

// publishResponse decodes a connection payload and atomically swaps in
// a freshly built snapshot, rules re-normalized.
func (cp *ControlPlane) publishResponse(resp *http.Response) error {
	var payload connectionPayload
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return fmt.Errorf("decode connection: %w", err)
	}

	if !payload.Proxy.Complete() {
		return &APIError{
			StatusCode: resp.StatusCode,
			Code:       "incomplete_configuration",
			Message:    "connection payload is missing gateway credentials",
		}
	}

	sessionID := ""
	if payload.SessionID != nil {
		sessionID = *payload.SessionID
	}
	country := ""
	if payload.Country != nil {
		country = *payload.Country
	}

	snap := newSnapshot(payload.ID, payload.Proxy, payload.Rules,
		sessionID, country, resp.Header.Get("ETag"))
	cp.current.Store(snap)

	cp.mu.Lock()
	cp.ConnectionID = payload.ID
	cp.mu.Unlock()

	if cp.Metrics != nil {
		cp.Metrics.RecordSnapshotPublished(snap.RuleSet().Len())
	}
	cp.Logger.Info("configuration published",
		"connection", payload.ID,
		"rules", len(payload.Rules),
		"session", sessionID != "",
		"country", country)
	return nil
}

func (cp *ControlPlane) connectionID() string {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	return cp.ConnectionID
}

// do sends one authenticated request. gzip is requested explicitly so
// large rule lists come back compressed, and decoded here since the
// standard transport leaves decoding to us once we set the header.
func (cp *ControlPlane) do(ctx context.Context, method, path string, body io.Reader, etag string) (*http.Response, error) {
	base := cp.BaseURL
	if base == "" {
		base = DefaultBaseURL
	}

	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(base, "/")+path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+cp.Token)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Accept-Encoding", "gzip")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if etag != "" {
		req.Header.Set("If-None-Match", etag)
	}

	client := cp.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}

	if strings.EqualFold(resp.Header.Get("Content-Encoding"), "gzip") {
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			_ = resp.Body.Close()
			return nil, fmt.Errorf("gzip response: %w", err)
		}
		resp.Body = &gzipBody{Reader: gz, underlying: resp.Body}
		resp.Header.Del("Content-Encoding")
	}

	return resp, nil
}

// gzipBody closes both the gzip reader and the wrapped body.
type gzipBody struct {
	*gzip.Reader
	underlying io.ReadCloser
}

func (b *gzipBody) Close() error {
	err := b.Reader.Close()
	if cerr := b.underlying.Close(); err == nil {
		err = cerr
	}
	return err
}

// decodeError turns a non-success response into the matching typed
// error. 401/403 map to ErrInvalidCredentials regardless of body.
func (cp *ControlPlane) decodeError(resp *http.Response) error {
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return fmt.Errorf("%w (status %d)", ErrInvalidCredentials, resp.StatusCode)
	}

	var envelope errorEnvelope
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	_ = json.Unmarshal(data, &envelope)

	apiErr := APIError{
		StatusCode: resp.StatusCode,
		Code:       envelope.Error.Code,
		Message:    envelope.Error.Message,
	}
	if apiErr.Message == "" {
		apiErr.Message = http.StatusText(resp.StatusCode)
	}

	if len(envelope.Error.Fields) > 0 {
		return &ValidationError{APIError: apiErr, Fields: envelope.Error.Fields}
	}
	return &apiErr
}
