package aluvia

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"
	"time"
)

func TestAccessLoggerFields(t *testing.T) {
	var buf bytes.Buffer
	al := NewAccessLogger(slog.New(slog.NewJSONHandler(&buf, nil)))

	al.Log(AccessLogEntry{
		Timestamp:    time.Now(),
		Method:       "GET",
		Host:         "example.com",
		Path:         "/page",
		Route:        "gateway",
		StatusCode:   200,
		Duration:     15 * time.Millisecond,
		BytesWritten: 1234,
		ClientAddr:   "127.0.0.1:50000",
	})

	var record map[string]any
	if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
		t.Fatalf("log line is not JSON: %v\n%s", err, buf.String())
	}

	if record["msg"] != "access" {
		t.Errorf("msg = %v", record["msg"])
	}
	if record["route"] != "gateway" {
		t.Errorf("route = %v", record["route"])
	}
	if record["host"] != "example.com" {
		t.Errorf("host = %v", record["host"])
	}
	if record["status"] != float64(200) {
		t.Errorf("status = %v", record["status"])
	}
	if record["bytes"] != float64(1234) {
		t.Errorf("bytes = %v", record["bytes"])
	}
	if _, ok := record["error"]; ok {
		t.Error("error field present on a successful request")
	}
}

func TestAccessLoggerTunnelEntry(t *testing.T) {
	var buf bytes.Buffer
	al := NewAccessLogger(slog.New(slog.NewJSONHandler(&buf, nil)))

	al.Log(AccessLogEntry{
		Method: "CONNECT",
		Host:   "example.com:443",
		Route:  "direct",
		Error:  "dial timeout",
	})

	var record map[string]any
	if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
		t.Fatalf("log line is not JSON: %v", err)
	}
	if _, ok := record["path"]; ok {
		t.Error("path field present for a CONNECT entry")
	}
	if record["error"] != "dial timeout" {
		t.Errorf("error = %v", record["error"])
	}
}
