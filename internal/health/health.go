// Package health serves the liveness and readiness probes.
//
// GET /healthz always answers {"status":"ok"} while the process can serve
// HTTP. GET /readyz probes every registered dependency concurrently and
// answers 503 with per-dependency detail when any probe fails.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// DefaultTimeout bounds a single readiness probe.
const DefaultTimeout = 5 * time.Second

// Checker probes one dependency (database, blob, redis).
type Checker struct {
	Name  string
	Check func(ctx context.Context) error
}

// Pinger is satisfied by the store, blob and redis clients.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingChecker adapts a [Pinger] into a named [Checker].
func PingChecker(name string, p Pinger) Checker {
	return Checker{Name: name, Check: p.Ping}
}

type result struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Handler serves /healthz and /readyz. The checker list is fixed at
// construction.
type Handler struct {
	checkers []Checker
	timeout  time.Duration
}

// Option configures a [Handler].
type Option func(*Handler)

// WithTimeout overrides [DefaultTimeout].
func WithTimeout(d time.Duration) Option {
	return func(h *Handler) {
		if d > 0 {
			h.timeout = d
		}
	}
}

// New creates a Handler. Checkers with a nil Check func are skipped.
func New(checkers []Checker, opts ...Option) *Handler {
	h := &Handler{timeout: DefaultTimeout}
	for _, c := range checkers {
		if c.Check != nil {
			h.checkers = append(h.checkers, c)
		}
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Names lists the registered checks in sorted order.
func (h *Handler) Names() []string {
	names := make([]string, 0, len(h.checkers))
	for _, c := range h.checkers {
		names = append(names, c.Name)
	}
	sort.Strings(names)
	return names
}

// Healthz is the liveness probe.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, result{Status: "ok"})
}

// Readyz is the readiness probe.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	checks, ok := h.Check(r.Context())
	res := result{Status: "ok", Checks: checks}
	status := http.StatusOK
	if !ok {
		res.Status = "fail"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, res)
}

// Check runs every checker concurrently and reports each outcome. Failures
// do not cancel sibling probes, so the report is always complete.
func (h *Handler) Check(ctx context.Context) (map[string]string, bool) {
	var (
		mu     sync.Mutex
		checks = make(map[string]string, len(h.checkers))
		allOK  = true
	)
	var g errgroup.Group
	for _, c := range h.checkers {
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(ctx, h.timeout)
			defer cancel()
			err := c.Check(cctx)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				checks[c.Name] = "fail: " + err.Error()
				allOK = false
				return nil
			}
			checks[c.Name] = "ok"
			return nil
		})
	}
	_ = g.Wait()
	return checks, allOK
}

// Register adds the probe routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
