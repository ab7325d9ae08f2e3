// Package health serves the operations endpoints: /healthz for dependency checks and
// /metrics for Prometheus.
package health

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	namespace = "telemetry_core"
	// DefaultCheckTimeout bounds each dependency check.
	DefaultCheckTimeout = 2 * time.Second
)

// Check reports whether a dependency is usable.
type Check func(ctx context.Context) error

type namedCheck struct {
	name  string
	check Check
}

// Health holds the dependency checks and the metrics registry.
type Health struct {
	mu       sync.RWMutex
	checks   []namedCheck
	registry *prometheus.Registry
	timeout  time.Duration
}

// New creates a Health with Go runtime and process collectors registered.
func New() *Health {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return &Health{registry: reg, timeout: DefaultCheckTimeout}
}

// Registry returns the metrics registry.
func (h *Health) Registry() *prometheus.Registry { return h.registry }

// AddCheck registers a dependency check reported under name.
func (h *Health) AddCheck(name string, c Check) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks = append(h.checks, namedCheck{name: name, check: c})
}

// RegisterQueue exports the depth, capacity and overflow count of a hand-off queue.
func (h *Health) RegisterQueue(name string, depth func() int, capacity int, dropped func() uint64) {
	labels := prometheus.Labels{"queue": name}
	h.registry.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "queue_depth",
			Help:        "Items waiting in a hand-off queue.",
			ConstLabels: labels,
		}, func() float64 { return float64(depth()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "queue_capacity",
			Help:        "Capacity of a hand-off queue.",
			ConstLabels: labels,
		}, func() float64 { return float64(capacity) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "queue_dropped_total",
			Help:        "Items discarded from a full hand-off queue.",
			ConstLabels: labels,
		}, func() float64 { return float64(dropped()) }),
	)
}

// RegisterGauge exports fn as a gauge.
func (h *Health) RegisterGauge(name, help string, fn func() float64) {
	h.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	}, fn))
}

// RegisterCounter exports fn as a counter. fn must never decrease.
func (h *Health) RegisterCounter(name, help string, fn func() float64) {
	h.registry.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	}, fn))
}

// Status is the /healthz response body.
type Status struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}

// Run executes every check concurrently.
func (h *Health) Run(ctx context.Context) Status {
	h.mu.RLock()
	checks := append([]namedCheck(nil), h.checks...)
	h.mu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	results := make([]string, len(checks))
	var wg sync.WaitGroup
	for i, c := range checks {
		wg.Add(1)
		go func(i int, c namedCheck) {
			defer wg.Done()
			if err := c.check(ctx); err != nil {
				results[i] = err.Error()
				return
			}
			results[i] = "ok"
		}(i, c)
	}
	wg.Wait()

	st := Status{Status: "ok", Checks: make(map[string]string, len(checks))}
	for i, c := range checks {
		st.Checks[c.name] = results[i]
		if results[i] != "ok" {
			st.Status = "degraded"
		}
	}
	return st
}

// Handler returns the HTTP handler for /healthz and /metrics.
func (h *Health) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		st := h.Run(req.Context())
		code := http.StatusOK
		if st.Status != "ok" {
			code = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		if err := json.NewEncoder(w).Encode(st); err != nil {
			slog.Error("Failed to encode health response", "error", err)
		}
	})
	mux.Handle("/metrics", promhttp.HandlerFor(h.registry, promhttp.HandlerOpts{}))
	return mux
}

// NewServer creates the operations HTTP server.
func NewServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}
