// Package health implements the liveness and readiness probes of the
// retrieval service.
//
//   - /healthz answers 200 as long as the process serves HTTP.
//   - /readyz answers 200 only while every registered dependency check
//     passes; a failing dependency turns it into 503.
//
// Both endpoints return a JSON object with a "status" field and, for
// readiness, a "checks" map naming each dependency's result. Orchestrators
// route traffic on /readyz and restart on /healthz.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// defaultCheckTimeout bounds a single dependency probe.
const defaultCheckTimeout = 5 * time.Second

// Checker probes one dependency. Check returns nil while the dependency is
// usable and must honour context cancellation.
type Checker struct {
	// Name labels the dependency in the readiness response, e.g. "database".
	Name string

	Check func(ctx context.Context) error
}

// Handler serves the probe endpoints. The checker set is fixed at
// construction; the handler itself is stateless and safe for concurrent use.
type Handler struct {
	checkers []Checker
	timeout  time.Duration
}

// New creates a Handler that evaluates checkers on every readiness request,
// in the order given.
func New(checkers ...Checker) *Handler {
	return &Handler{
		checkers: append([]Checker(nil), checkers...),
		timeout:  defaultCheckTimeout,
	}
}

// Register mounts the probe routes on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

// Healthz reports process liveness. It never fails.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	respond(w, http.StatusOK, probeResult{Status: "ok"})
}

// Readyz runs every dependency check and reports 200 only when all pass.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	checks, healthy := h.evaluate(r.Context())

	res := probeResult{Status: "ok", Checks: checks}
	code := http.StatusOK
	if !healthy {
		res.Status = "fail"
		code = http.StatusServiceUnavailable
	}
	respond(w, code, res)
}

// evaluate runs the checks sequentially, each under its own deadline derived
// from the request context.
func (h *Handler) evaluate(ctx context.Context) (map[string]string, bool) {
	checks := make(map[string]string, len(h.checkers))
	healthy := true
	for _, c := range h.checkers {
		cctx, cancel := context.WithTimeout(ctx, h.timeout)
		err := c.Check(cctx)
		cancel()
		if err != nil {
			checks[c.Name] = "fail: " + err.Error()
			healthy = false
			continue
		}
		checks[c.Name] = "ok"
	}
	return checks, healthy
}

// probeResult is the response body of both endpoints.
type probeResult struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

func respond(w http.ResponseWriter, code int, res probeResult) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(res); err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
	}
}
