// Package api exposes the control surface of nimbusd over HTTP.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nexusquantum/nimbus/internal/boot"
	"github.com/nexusquantum/nimbus/internal/db/models"
	"github.com/nexusquantum/nimbus/internal/events"
	"github.com/nexusquantum/nimbus/internal/guest"
	"github.com/nexusquantum/nimbus/internal/snapshot"
)

type Server struct {
	images       *models.ImageStore
	snapshots    *models.SnapshotStore
	containers   *models.ContainerStore
	builder      *snapshot.Builder
	orchestrator *boot.Orchestrator
	reports      *guest.ReportRegistry
	events       *events.Publisher
	logger       *slog.Logger
}

func NewServer(
	images *models.ImageStore,
	snapshots *models.SnapshotStore,
	containers *models.ContainerStore,
	builder *snapshot.Builder,
	orchestrator *boot.Orchestrator,
	reports *guest.ReportRegistry,
	publisher *events.Publisher,
	logger *slog.Logger,
) *Server {
	return &Server{
		images:       images,
		snapshots:    snapshots,
		containers:   containers,
		builder:      builder,
		orchestrator: orchestrator,
		reports:      reports,
		events:       publisher,
		logger:       logger,
	}
}

func (s *Server) Router(registry *prometheus.Registry) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	r.Route("/v1", func(r chi.Router) {
		r.Post("/runtime-images", s.handleCreateImage)
		r.Get("/runtime-images", s.handleListImages)

		r.Post("/runtime-snapshots", s.handleCreateSnapshot)
		r.Get("/runtime-snapshots", s.handleListSnapshots)
		r.Get("/runtime-snapshots/{id}", s.handleGetSnapshot)
		r.Delete("/runtime-snapshots/{id}", s.handleDeleteSnapshot)
		r.Post("/runtime-snapshots/{id}/rebuild", s.handleRebuildSnapshot)

		r.Post("/containers", s.handleCreateContainer)
		r.Get("/containers/{id}", s.handleGetContainer)

		r.Post("/guest-reports", s.handleGuestReport)
	})

	return r
}

type apiError struct {
	Error string `json:"error"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("could not encode response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, apiError{Error: msg})
}

func decodeBody(r *http.Request, v any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
