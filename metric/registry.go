// Package metric provides the Prometheus metrics registry for the coldchain engine.
package metric

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry manages metric registration for all engine components.
// Each component registers its collectors under a unique prefix so
// duplicate registrations surface at startup rather than at scrape time.
type Registry struct {
	prometheusRegistry *prometheus.Registry

	mu         sync.RWMutex
	registered map[string][]prometheus.Collector
}

// NewRegistry creates a registry pre-loaded with Go runtime and process collectors
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return &Registry{
		prometheusRegistry: reg,
		registered:         make(map[string][]prometheus.Collector),
	}
}

// PrometheusRegistry returns the underlying Prometheus registry
func (r *Registry) PrometheusRegistry() *prometheus.Registry {
	return r.prometheusRegistry
}

// Register registers collectors under the given prefix. Registering the same
// prefix twice, or a collector Prometheus already knows, is an error.
func (r *Registry) Register(prefix string, cs ...prometheus.Collector) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.registered[prefix]; exists {
		return fmt.Errorf("metrics already registered for prefix %q", prefix)
	}

	for i, c := range cs {
		if err := r.prometheusRegistry.Register(c); err != nil {
			// Roll back collectors registered so far for this prefix
			for _, prev := range cs[:i] {
				r.prometheusRegistry.Unregister(prev)
			}
			var dup prometheus.AlreadyRegisteredError
			if stderrors.As(err, &dup) {
				return fmt.Errorf("prometheus conflict under prefix %q: %w", prefix, err)
			}
			return fmt.Errorf("register collector under prefix %q: %w", prefix, err)
		}
	}

	r.registered[prefix] = cs
	return nil
}

// MustRegister is Register that panics on error. Intended for startup wiring
// where a registration conflict is a programming error.
func (r *Registry) MustRegister(prefix string, cs ...prometheus.Collector) {
	if err := r.Register(prefix, cs...); err != nil {
		panic(err)
	}
}

// Unregister removes all collectors registered under a prefix
func (r *Registry) Unregister(prefix string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	cs, exists := r.registered[prefix]
	if !exists {
		return false
	}
	for _, c := range cs {
		r.prometheusRegistry.Unregister(c)
	}
	delete(r.registered, prefix)
	return true
}

// Handler returns the HTTP handler serving the /metrics endpoint
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.prometheusRegistry, promhttp.HandlerOpts{})
}
