// Package health serves the liveness and readiness endpoints.
//
//   - /healthz always returns 200 while the process can serve HTTP.
//   - /readyz runs every registered [Checker] concurrently and returns 200
//     only when all required checks pass. Optional checks that fail report
//     "degraded" without failing readiness.
//
// Responses are JSON objects with a top-level "status" field and a "checks"
// map holding each checker's result.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// checkTimeout bounds a single readiness check.
const checkTimeout = 5 * time.Second

// Checker is a named dependency probe.
type Checker struct {
	// Name appears as a key in the JSON response ("postgres", "redis").
	Name string

	// Check returns nil when the dependency is healthy. It must respect
	// context cancellation.
	Check func(ctx context.Context) error

	// Optional checks never fail readiness on their own.
	Optional bool
}

// Pinger is satisfied by the postgres store, the redis session store and
// anything else with a context-aware Ping.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Ping returns a required [Checker] that calls p.Ping.
func Ping(name string, p Pinger) Checker {
	return Checker{Name: name, Check: p.Ping}
}

// Report is the JSON body of both endpoints.
type Report struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Handler serves /healthz and /readyz. The checker list is fixed at
// construction time.
type Handler struct {
	checkers []Checker
}

// New creates a [Handler] evaluating checkers on each /readyz request.
func New(checkers ...Checker) *Handler {
	c := make([]Checker, len(checkers))
	copy(c, checkers)
	return &Handler{checkers: c}
}

// Healthz is the liveness probe.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, Report{Status: "ok"})
}

// Readyz is the readiness probe.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	res, ok := h.Evaluate(r.Context())
	status := http.StatusOK
	if !ok {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, res)
}

// Evaluate runs all checkers concurrently and reports whether the service is
// ready. It is exported for the CLI's startup check.
func (h *Handler) Evaluate(ctx context.Context) (Report, bool) {
	var (
		mu       sync.Mutex
		checks   = make(map[string]string, len(h.checkers))
		ready    = true
		degraded = false
	)

	// Checks never return errors to the group; one failure must not cancel
	// the others.
	g, gctx := errgroup.WithContext(ctx)
	for _, c := range h.checkers {
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(gctx, checkTimeout)
			defer cancel()
			err := c.Check(cctx)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				checks[c.Name] = "ok"
			case c.Optional:
				checks[c.Name] = "degraded: " + err.Error()
				degraded = true
			default:
				checks[c.Name] = "fail: " + err.Error()
				ready = false
			}
			return nil
		})
	}
	_ = g.Wait()

	res := Report{Status: "ok", Checks: checks}
	switch {
	case !ready:
		res.Status = "fail"
	case degraded:
		res.Status = "degraded"
	}
	return res, ready
}

// Register adds the /healthz and /readyz routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
	}
}
