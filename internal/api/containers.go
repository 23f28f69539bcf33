package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nexusquantum/nimbus/internal/boot"
	"github.com/nexusquantum/nimbus/internal/db/models"
)

type containerResponse struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	ImageRef   string    `json:"image_ref"`
	VMID       string    `json:"vm_id"`
	BootMethod string    `json:"boot_method"`
	CreatedAt  time.Time `json:"created_at"`
}

func toContainerResponse(c *models.Container) containerResponse {
	return containerResponse{
		ID:         c.ID,
		Name:       c.Name,
		ImageRef:   c.ImageRef,
		VMID:       c.VMID,
		BootMethod: string(c.BootMethod),
		CreatedAt:  c.CreatedAt,
	}
}

func (s *Server) handleCreateContainer(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name           string `json:"name"`
		RuntimeImageID string `json:"runtime_image_id"`
		ColdOnly       bool   `json:"cold_only"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Name == "" || req.RuntimeImageID == "" {
		s.writeError(w, http.StatusBadRequest, "name and runtime_image_id are required")
		return
	}

	container, err := s.orchestrator.BootContainer(r.Context(), boot.BootRequest{
		Name:     req.Name,
		ImageID:  req.RuntimeImageID,
		ColdOnly: req.ColdOnly,
	})
	if errors.Is(err, models.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "runtime image not found")
		return
	}
	if err != nil {
		s.internalError(w, r, "boot container", err)
		return
	}

	s.writeJSON(w, http.StatusCreated, toContainerResponse(container))
}

func (s *Server) handleGetContainer(w http.ResponseWriter, r *http.Request) {
	container, err := s.containers.Get(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, models.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "container not found")
		return
	}
	if err != nil {
		s.internalError(w, r, "get container", err)
		return
	}
	s.writeJSON(w, http.StatusOK, toContainerResponse(container))
}
