package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"

	"thunderstorm.io/auth/internal/audit"
	"thunderstorm.io/auth/internal/auth"
	"thunderstorm.io/auth/internal/obs"
)

// ReadinessCheck pings the database when one is set.
type ReadinessCheck struct {
	DB *sql.DB
}

func (rp ReadinessCheck) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

// Ops serves health, readiness and metrics for long running commands.
type Ops struct {
	mux       *http.ServeMux
	readiness ReadinessCheck
	service   string
	version   string
}

func NewOps(rp ReadinessCheck, service, version string) *Ops {
	o := &Ops{
		mux:       http.NewServeMux(),
		readiness: rp,
		service:   service,
		version:   version,
	}
	o.mux.HandleFunc("GET /healthz", o.Healthz)
	o.mux.HandleFunc("GET /readyz", o.Ready)
	o.mux.Handle("GET /metrics", obs.Handler())
	return o
}

// Handler returns the ops mux wrapped in the shared middleware chain.
func (o *Ops) Handler() http.Handler {
	return RequestID(Logging(obs.Component("http"))(SecurityHeaders(o.mux)))
}

func (o *Ops) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": o.service,
		"version": o.version,
	})
}

func (o *Ops) Ready(w http.ResponseWriter, r *http.Request) {
	if err := o.readiness.Check(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// writeAuthError answers with the status for err and a body carrying only
// the safe message and the error kind.
func writeAuthError(w http.ResponseWriter, r *http.Request, err error) {
	code := auth.HTTPStatus(err)
	reason := string(auth.KindOf(err))
	if reason == "" {
		reason = "internal"
	}
	payload := map[string]any{
		"error":  auth.SafeMessage(err),
		"reason": reason,
	}
	if code == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", `Token realm="thunderstorm"`)
		payload["error"] = "Invalid authentication token provided"
	}
	if code == http.StatusForbidden {
		payload["error"] = "You do not have the required permission to carry out the requested action"
	}
	if code >= http.StatusInternalServerError {
		payload["error"] = "internal error"
	}
	if rid := audit.RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}
