package metrics

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRegistry creates a private Prometheus registry holding the Go runtime
// collectors and the counters of c.
func NewRegistry(c *Collector) (*prometheus.Registry, error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	if err := c.Register(reg); err != nil {
		return nil, fmt.Errorf("failed to register collector: %w", err)
	}
	return reg, nil
}

// Handler serves reg in the Prometheus exposition format.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// HealthHandler reports the last snapshot of serviceName. It answers 503 when
// there is no snapshot yet or the snapshot is stale.
func HealthHandler(reader *Reader, serviceName string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		m, err := reader.Snapshot(r.Context(), serviceName)
		if err != nil {
			slog.Debug("Health check failed", "service", serviceName, "error", err)
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}

		status := http.StatusOK
		if m.Status != StatusHealthy {
			status = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(m)
	}
}
