package aluvia

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// AdminAPI provides REST endpoints for inspecting and updating the
// running client: connection status, the live rule list, session and
// country targeting, and the auto-unblock escalation state.
//
// The API is mounted at a configurable path prefix (default "/api") on
// the proxy's local request surface and uses [chi] for routing. Rule
// and session updates go through the control plane's explicit update
// path, so validation failures come back with field detail.
type AdminAPI struct {
	// ControlPlane to read and update configuration through.
	ControlPlane *ControlPlane

	// Remediator exposes and resets escalation state (optional).
	Remediator *Remediator

	// Logger for admin API events.
	Logger *slog.Logger

	// PathPrefix is the URL path prefix for admin routes (default
	// "/api").
	PathPrefix string

	router chi.Router
}

// NewAdminAPI creates an AdminAPI wired to the given control plane.
func NewAdminAPI(cp *ControlPlane) *AdminAPI {
	a := &AdminAPI{
		ControlPlane: cp,
		Logger:       slog.Default(),
		PathPrefix:   "/api",
	}
	a.buildRouter()
	return a
}

func (a *AdminAPI) buildRouter() {
	r := chi.NewRouter()
	r.Use(middleware.SetHeader("Content-Type", "application/json"))

	r.Get("/status", a.handleStatus)
	r.Get("/rules", a.handleGetRules)
	r.Put("/rules", a.handlePutRules)
	r.Post("/session", a.handleSession)
	r.Post("/reset", a.handleReset)

	a.router = r
}

// ServeHTTP implements http.Handler by delegating to the internal chi
// router after stripping the path prefix.
func (a *AdminAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	http.StripPrefix(a.PathPrefix, a.router).ServeHTTP(w, r)
}

// StatusResponse is returned by GET /api/status.
type StatusResponse struct {
	Connected       bool     `json:"connected"`
	ConnectionID    string   `json:"connection_id,omitempty"`
	RuleCount       int      `json:"rule_count"`
	SessionID       string   `json:"session_id,omitempty"`
	Country         string   `json:"country,omitempty"`
	PersistentHosts []string `json:"persistent_hostnames,omitempty"`
}

// RulesResponse is returned by GET /api/rules.
type RulesResponse struct {
	Rules []string `json:"rules"`
}

// RulesRequest is the body for PUT /api/rules.
type RulesRequest struct {
	Rules []string `json:"rules"`
}

// SessionRequest is the body for POST /api/session.
type SessionRequest struct {
	SessionID *string `json:"session_id,omitempty"`
	Country   *string `json:"country,omitempty"`
}

func (a *AdminAPI) handleStatus(w http.ResponseWriter, _ *http.Request) {
	resp := StatusResponse{}
	if snap := a.ControlPlane.Snapshot(); snap != nil {
		resp.Connected = true
		resp.ConnectionID = snap.ConnectionID
		resp.RuleCount = snap.RuleSet().Len()
		resp.SessionID = snap.SessionID
		resp.Country = snap.Country
	}
	if a.Remediator != nil {
		resp.PersistentHosts = a.Remediator.PersistentHostnames()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *AdminAPI) handleGetRules(w http.ResponseWriter, _ *http.Request) {
	snap := a.ControlPlane.Snapshot()
	if snap == nil {
		writeError(w, http.StatusServiceUnavailable, "no configuration loaded")
		return
	}
	writeJSON(w, http.StatusOK, RulesResponse{Rules: snap.Rules})
}

func (a *AdminAPI) handlePutRules(w http.ResponseWriter, r *http.Request) {
	var req RulesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if err := a.ControlPlane.SetConfig(r.Context(), ConfigPatch{Rules: &req.Rules}); err != nil {
		a.writeUpdateError(w, err)
		return
	}

	a.Logger.Info("rules updated via admin API", "count", len(req.Rules))
	writeJSON(w, http.StatusOK, RulesResponse{Rules: req.Rules})
}

func (a *AdminAPI) handleSession(w http.ResponseWriter, r *http.Request) {
	var req SessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.SessionID == nil && req.Country == nil {
		writeError(w, http.StatusBadRequest, "nothing to update")
		return
	}

	patch := ConfigPatch{SessionID: req.SessionID, Country: req.Country}
	if err := a.ControlPlane.SetConfig(r.Context(), patch); err != nil {
		a.writeUpdateError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *AdminAPI) handleReset(w http.ResponseWriter, _ *http.Request) {
	if a.Remediator == nil {
		writeError(w, http.StatusNotImplemented, "auto-unblock not configured")
		return
	}
	a.Remediator.Reset()
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// writeUpdateError maps control-plane errors onto admin responses,
// preserving validation detail.
func (a *AdminAPI) writeUpdateError(w http.ResponseWriter, err error) {
	var verr *ValidationError
	if errors.As(err, &verr) {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"error":  verr.Message,
			"fields": verr.Fields,
		})
		return
	}
	if errors.Is(err, ErrInvalidCredentials) {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	writeError(w, http.StatusBadGateway, err.Error())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
