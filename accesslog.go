package aluvia

import (
	"context"
	"log/slog"
	"time"
)

// AccessLogger writes structured access log entries for each proxied
// request. It uses slog.LogAttrs for low-allocation logging on the hot
// path.
type AccessLogger struct {
	logger *slog.Logger
}

// AccessLogEntry contains all fields for a single access log record.
type AccessLogEntry struct {
	// Timestamp when the request was received.
	Timestamp time.Time

	// Method is the HTTP method (GET, CONNECT, etc.).
	Method string

	// Host is the target hostname.
	Host string

	// Path is the request URL path. Empty for CONNECT tunnels.
	Path string

	// Route is the routing decision, "direct" or "gateway".
	Route string

	// StatusCode is the response status code.
	StatusCode int

	// Duration is the time to process the request.
	Duration time.Duration

	// BytesWritten is the response body size, or bytes sent toward
	// the client for a tunnel.
	BytesWritten int64

	// ClientAddr is the client's remote address.
	ClientAddr string

	// Error describes any error that occurred.
	Error string
}

// NewAccessLogger creates an AccessLogger writing to the given logger.
// For best performance, pass a logger configured with
// slog.NewJSONHandler.
func NewAccessLogger(logger *slog.Logger) *AccessLogger {
	return &AccessLogger{logger: logger}
}

// Log writes an access log entry.
func (al *AccessLogger) Log(e AccessLogEntry) {
	attrs := make([]slog.Attr, 0, 10)

	attrs = append(attrs,
		slog.Time("timestamp", e.Timestamp),
		slog.String("method", e.Method),
		slog.String("host", e.Host),
		slog.String("route", e.Route),
		slog.Int("status", e.StatusCode),
		slog.Duration("duration", e.Duration),
		slog.Int64("bytes", e.BytesWritten),
		slog.String("client", e.ClientAddr),
	)
	if e.Path != "" {
		attrs = append(attrs, slog.String("path", e.Path))
	}
	if e.Error != "" {
		attrs = append(attrs, slog.String("error", e.Error))
	}

	al.logger.LogAttrs(context.Background(), slog.LevelInfo, "access", attrs...)
}
