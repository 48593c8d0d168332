package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type statusResponse struct {
	State          string   `json:"state"`
	Slot           string   `json:"slot"`
	Publication    string   `json:"publication"`
	Table          string   `json:"table"`
	Position       string   `json:"position"`
	Discriminators []string `json:"discriminators"`
}

func (s *subscriber) routes(registry *prometheus.Registry) http.Handler {
	r := chi.NewRouter()
	r.Get("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}).ServeHTTP)
	r.Get("/status", s.handleStatus)
	return r
}

func (s *subscriber) handleStatus(w http.ResponseWriter, _ *http.Request) {
	response := statusResponse{
		State:          s.State().String(),
		Slot:           s.sub.slot.Name,
		Publication:    s.sub.publication.Name,
		Table:          s.sub.table.QualifiedName(),
		Position:       s.Position().String(),
		Discriminators: s.sub.Discriminators(),
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(response); err != nil {
		s.log.Error("encode status response", "error", err)
	}
}

// serve exposes /metrics and /status until ctx is done.
func (s *subscriber) serve(ctx context.Context, port int) error {
	registry := prometheus.NewRegistry()
	collectors := append(s.metric.PrometheusCollectors(), s.collectors...)
	for _, c := range collectors {
		if err := registry.Register(c); err != nil {
			return fmt.Errorf("register metric collector: %w", err)
		}
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           s.routes(registry),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.log.Warn("metric server shutdown", "error", err)
		}
	}()

	s.log.Info("metric server started", "port", port)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metric server: %w", err)
	}
	return nil
}
