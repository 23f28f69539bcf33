package api

import (
	"net/http"
	"time"

	"github.com/opencontainers/go-digest"

	"github.com/nexusquantum/nimbus/internal/db/models"
	"github.com/nexusquantum/nimbus/internal/guest"
	"github.com/nexusquantum/nimbus/pkg/utils"
)

type imageResponse struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	KernelPath string    `json:"kernel_path"`
	RootfsPath string    `json:"rootfs_path"`
	Digest     string    `json:"digest"`
	CreatedAt  time.Time `json:"created_at"`
}

func toImageResponse(img *models.RuntimeImage) imageResponse {
	return imageResponse{
		ID:         img.ID,
		Name:       img.Name,
		KernelPath: img.KernelPath,
		RootfsPath: img.RootfsPath,
		Digest:     img.Digest,
		CreatedAt:  img.CreatedAt,
	}
}

func (s *Server) handleCreateImage(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name       string `json:"name"`
		KernelPath string `json:"kernel_path"`
		RootfsPath string `json:"rootfs_path"`
		Digest     string `json:"digest"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Name == "" || req.KernelPath == "" || req.RootfsPath == "" {
		s.writeError(w, http.StatusBadRequest, "name, kernel_path and rootfs_path are required")
		return
	}
	if _, err := digest.Parse(req.Digest); err != nil {
		s.writeError(w, http.StatusBadRequest, "digest must be a valid content digest")
		return
	}

	id, err := utils.NewUUID7()
	if err != nil {
		s.internalError(w, r, "generate id", err)
		return
	}

	image := &models.RuntimeImage{
		ID:         id,
		Name:       req.Name,
		KernelPath: req.KernelPath,
		RootfsPath: req.RootfsPath,
		Digest:     req.Digest,
	}
	if err := s.images.Insert(r.Context(), image); err != nil {
		s.internalError(w, r, "insert image", err)
		return
	}

	s.writeJSON(w, http.StatusCreated, toImageResponse(image))
}

func (s *Server) handleListImages(w http.ResponseWriter, r *http.Request) {
	images, err := s.images.List(r.Context())
	if err != nil {
		s.internalError(w, r, "list images", err)
		return
	}

	out := make([]imageResponse, 0, len(images))
	for _, img := range images {
		out = append(out, toImageResponse(img))
	}
	s.writeJSON(w, http.StatusOK, out)
}

// handleGuestReport ingests identity announcements from guest agents. The
// restore path blocks on these, so the handler does nothing but validate
// and record.
func (s *Server) handleGuestReport(w http.ResponseWriter, r *http.Request) {
	var report guest.Report
	if err := decodeBody(r, &report); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := s.reports.Record(report); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
