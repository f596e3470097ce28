package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// checkTimeout is the maximum time a single readiness check may take before
// the context is cancelled.
const checkTimeout = 5 * time.Second

// Checker is a named readiness check beyond backend health (snapshot
// directory writable, config registry populated). Check must return nil when
// the dependency is healthy and respect context cancellation.
type Checker struct {
	// Name is a short label appearing as a key in the JSON response.
	Name string

	// Check probes the dependency.
	Check func(ctx context.Context) error
}

// result is the JSON response body for health endpoints.
type result struct {
	Status   string            `json:"status"`
	Checks   map[string]string `json:"checks,omitempty"`
	Backends map[string]string `json:"backends,omitempty"`
}

// Handler serves /healthz and /readyz on the debug listener. Readiness
// combines the extra checkers with the backend probe cache: the process is
// ready when every checker passes and, if any backend has been probed, at
// least one is healthy.
type Handler struct {
	cache    *Cache
	checkers []Checker
}

// NewHandler creates a Handler reading backend state from cache. cache may
// be nil when no backends are registered (degraded CLI modes).
func NewHandler(cache *Cache, checkers ...Checker) *Handler {
	c := make([]Checker, len(checkers))
	copy(c, checkers)
	return &Handler{cache: cache, checkers: c}
}

// Healthz is a liveness probe that always returns 200 OK. A running process
// that can serve HTTP is considered alive.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, result{Status: "ok"})
}

// Readyz evaluates all checkers and the backend cache snapshot.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	res := result{Status: "ok", Checks: make(map[string]string, len(h.checkers))}
	ok := true

	for _, c := range h.checkers {
		ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
		err := c.Check(ctx)
		cancel()

		if err != nil {
			res.Checks[c.Name] = "fail: " + err.Error()
			ok = false
		} else {
			res.Checks[c.Name] = "ok"
		}
	}

	if h.cache != nil {
		snapshot := h.cache.Snapshot()
		if len(snapshot) > 0 {
			res.Backends = make(map[string]string, len(snapshot))
			anyHealthy := false
			for name, e := range snapshot {
				if e.Healthy {
					res.Backends[name] = "ok"
					anyHealthy = true
				} else {
					res.Backends[name] = "fail"
				}
			}
			if !anyHealthy {
				ok = false
			}
		}
	}

	status := http.StatusOK
	if !ok {
		res.Status = "fail"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, res)
}

// Register adds the /healthz and /readyz routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

// writeJSON encodes v as JSON and writes it with the given status code. On
// encoding failure it falls back to a plain-text 500 response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
	}
}
