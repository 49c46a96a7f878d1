package core

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

const (
	healthPath  = "/healthz"
	metricsPath = "/metrics"
)

// Handler returns the admin http.Handler: health and Prometheus metrics.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET "+healthPath, func(w http.ResponseWriter, r *http.Request) {
		s.handleHealth(w, r)
	})
	mux.Handle("GET "+metricsPath, promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))

	// Add middleware
	handler := LogRequest(mux)
	handler = Recoverer(handler)
	return handler
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp, err := s.health.Check(r.Context(), &healthpb.HealthCheckRequest{})
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}

	status := http.StatusOK
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		status = http.StatusServiceUnavailable
	}

	_ = writeJSONResponse(w, status, HealthResponse{
		Status: resp.GetStatus().String(),
		Engine: s.engineName(),
	})
}
