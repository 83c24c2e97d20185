// Package health serves the server's reachability and probe endpoints.
//
//   - GET /         banner, always {"status":"GhostType Server Running"}
//   - GET /healthz  liveness, always 200
//   - GET /readyz   readiness, 200 only while not draining and every
//     [Checker] passes
//
// Probe bodies carry "status" ("ok" or "fail") and, for /readyz, a "checks"
// map keyed by checker name.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

// Banner is the status reported by the root endpoint.
const Banner = "GhostType Server Running"

const (
	statusOK   = "ok"
	statusFail = "fail"

	// checkTimeout bounds each readiness check.
	checkTimeout = 5 * time.Second
)

var errDraining = errors.New("server is shutting down")

// Checker is a named readiness check. Check returns nil while the dependency
// is usable and must honour ctx.
type Checker struct {
	Name  string
	Check func(ctx context.Context) error
}

type result struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Handler serves the probe endpoints. Its checker list is fixed at
// construction.
type Handler struct {
	checkers []Checker
	draining atomic.Bool
}

// New returns a Handler evaluating checkers on every /readyz request.
func New(checkers ...Checker) *Handler {
	return &Handler{checkers: append([]Checker(nil), checkers...)}
}

// SetDraining makes /readyz fail from now on.
func (h *Handler) SetDraining() {
	h.draining.Store(true)
}

// Register adds the probe routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /{$}", h.Root)
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

// Root answers the banner request clients use as a reachability check.
func (h *Handler) Root(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, result{Status: Banner})
}

// Healthz reports liveness.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, result{Status: statusOK})
}

// Readyz runs every checker concurrently, each bounded by [checkTimeout].
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	errs := make([]error, len(h.checkers))
	var g errgroup.Group
	for i, c := range h.checkers {
		g.Go(func() error {
			ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
			defer cancel()
			errs[i] = c.Check(ctx)
			return nil
		})
	}
	_ = g.Wait()

	res := result{Status: statusOK, Checks: make(map[string]string, len(h.checkers)+1)}
	if h.draining.Load() {
		errs = append(errs, errDraining)
		res.Checks["server"] = statusFail + ": " + errDraining.Error()
	}
	for i, c := range h.checkers {
		res.Checks[c.Name] = statusOK
		if errs[i] != nil {
			res.Checks[c.Name] = statusFail + ": " + errs[i].Error()
		}
	}

	code := http.StatusOK
	if errors.Join(errs...) != nil {
		res.Status = statusFail
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, res)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write(append(body, '\n'))
}
