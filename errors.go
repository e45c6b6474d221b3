package aluvia

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrInvalidCredentials is returned when the control service rejects
// the API token. Authentication failures are never retried; an
// unauthenticated client cannot proceed regardless of strict mode.
var ErrInvalidCredentials = errors.New("aluvia: invalid API credentials")

// ErrMissingToken is returned by NewClient when no API token was given.
var ErrMissingToken = errors.New("aluvia: API token is required")

// ErrNotStarted is returned by operations that need a running client.
var ErrNotStarted = errors.New("aluvia: client is not started")

// APIError is a non-success response from the control service carrying
// the machine-readable code and message from its error envelope.
type APIError struct {
	// StatusCode is the HTTP status of the response.
	StatusCode int

	// Code is the machine-readable error code, if the service sent one.
	Code string

	// Message is the human-readable error description.
	Message string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("aluvia: API error %d (%s): %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("aluvia: API error %d: %s", e.StatusCode, e.Message)
}

// ValidationError is an APIError for a rejected update, carrying the
// per-field detail from the control service. Explicit updates surface
// this verbatim to the caller.
type ValidationError struct {
	APIError

	// Fields maps field names to their validation failures.
	Fields map[string][]string
}

func (e *ValidationError) Error() string {
	if len(e.Fields) == 0 {
		return e.APIError.Error()
	}

	names := make([]string, 0, len(e.Fields))
	for name := range e.Fields {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	b.WriteString(e.APIError.Error())
	for _, name := range names {
		fmt.Fprintf(&b, "; %s: %s", name, strings.Join(e.Fields[name], ", "))
	}
	return b.String()
}

// Unwrap lets errors.As find the embedded APIError.
func (e *ValidationError) Unwrap() error {
	return &e.APIError
}
