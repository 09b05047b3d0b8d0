// Package healthcheck implements the /health/live and /health/ready
// contract shared by all four services (spec.md §6.5).
package healthcheck

import (
	"context"
	"encoding/json"
	"net/http"
)

// Pinger is satisfied by *tagsql.DB and any other dependency whose
// liveness can be checked with a context-bound ping.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// Checker reports readiness, returning a human-readable reason on
// failure. Required checks (e.g. DB reachable, tables present) must
// return an error for /health/ready to fail; optional checks (e.g. cache)
// should be wrapped in Optional so a failure only downgrades to a warning.
type Checker func(ctx context.Context) error

// Optional marks check as non-fatal: its error is reported in the JSON
// body as a warning but never causes a non-200 response.
type Optional struct {
	Name  string
	Check Checker
}

// Handler serves /health/live unconditionally 200, and /health/ready by
// running every required check plus every optional check.
type Handler struct {
	Required map[string]Checker
	Optional []Optional
}

// Live always answers 200: the process is up.
func (h *Handler) Live(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"live"}`))
}

type readyResponse struct {
	Status   string            `json:"status"`
	Failures map[string]string `json:"failures,omitempty"`
	Warnings map[string]string `json:"warnings,omitempty"`
}

// Ready runs all required and optional checks. A required-check failure
// yields 503; an optional-check failure is surfaced as a warning with 200.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	resp := readyResponse{Status: "ready"}

	for name, check := range h.Required {
		if err := check(ctx); err != nil {
			if resp.Failures == nil {
				resp.Failures = map[string]string{}
			}
			resp.Failures[name] = err.Error()
		}
	}
	for _, opt := range h.Optional {
		if err := opt.Check(ctx); err != nil {
			if resp.Warnings == nil {
				resp.Warnings = map[string]string{}
			}
			resp.Warnings[opt.Name] = err.Error()
		}
	}

	status := http.StatusOK
	if len(resp.Failures) > 0 {
		resp.Status = "not ready"
		status = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}
