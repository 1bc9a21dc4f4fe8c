// Package app wires the ops HTTP surface shared by the pipeline processes.
package app

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// BuildOpsRouter constructs the operational endpoints: liveness, readiness
// and Prometheus metrics. The pipeline has no request-serving API; this is
// the only HTTP surface a process exposes.
func BuildOpsRouter(checks ...ReadinessCheck) http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	r.Get("/readyz", func(w http.ResponseWriter, req *http.Request) {
		ctx, cancel := context.WithTimeout(req.Context(), 5*time.Second)
		defer cancel()
		for _, check := range checks {
			if err := check.Fn(ctx); err != nil {
				w.WriteHeader(http.StatusServiceUnavailable)
				_, _ = w.Write([]byte(check.Name + ": " + err.Error()))
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	return r
}
