package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nexusquantum/nimbus/internal/db/models"
	"github.com/nexusquantum/nimbus/internal/events"
	"github.com/nexusquantum/nimbus/internal/snapshot"
)

type snapshotResponse struct {
	ID                string     `json:"id"`
	RuntimeImageID    string     `json:"runtime_image_id"`
	State             string     `json:"state"`
	HypervisorVersion string     `json:"hypervisor_version"`
	CreatedAt         time.Time  `json:"created_at"`
	SuccessCount      int64      `json:"success_count"`
	FailureCount      int64      `json:"failure_count"`
	LastUsedAt        *time.Time `json:"last_used_at,omitempty"`
	SizeBytes         int64      `json:"size_bytes,omitempty"`
	BuildDurationMS   int64      `json:"build_duration_ms,omitempty"`
}

func toSnapshotResponse(snap *models.RuntimeSnapshot) snapshotResponse {
	return snapshotResponse{
		ID:                snap.ID,
		RuntimeImageID:    snap.RuntimeImageID,
		State:             string(snap.State),
		HypervisorVersion: snap.HypervisorVersion,
		CreatedAt:         snap.CreatedAt,
		SuccessCount:      snap.SuccessCount,
		FailureCount:      snap.FailureCount,
		LastUsedAt:        snap.LastUsedAt,
		SizeBytes:         snap.Meta.SizeBytes,
		BuildDurationMS:   snap.Meta.BuildDuration.Milliseconds(),
	}
}

func (s *Server) handleCreateSnapshot(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RuntimeImageID string `json:"runtime_image_id"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.RuntimeImageID == "" {
		s.writeError(w, http.StatusBadRequest, "runtime_image_id is required")
		return
	}

	image, err := s.images.Get(r.Context(), req.RuntimeImageID)
	if errors.Is(err, models.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "runtime image not found")
		return
	}
	if err != nil {
		s.internalError(w, r, "load image", err)
		return
	}

	snap, err := s.builder.StartBuild(r.Context(), image)
	if errors.Is(err, snapshot.ErrBuildInProgress) {
		s.writeError(w, http.StatusConflict, "a build for this image is already in progress")
		return
	}
	if err != nil {
		s.internalError(w, r, "start build", err)
		return
	}

	s.writeJSON(w, http.StatusAccepted, toSnapshotResponse(snap))
}

func (s *Server) handleListSnapshots(w http.ResponseWriter, r *http.Request) {
	snaps, err := s.snapshots.List(r.Context())
	if err != nil {
		s.internalError(w, r, "list snapshots", err)
		return
	}

	out := make([]snapshotResponse, 0, len(snaps))
	for _, snap := range snaps {
		out = append(out, toSnapshotResponse(snap))
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetSnapshot(w http.ResponseWriter, r *http.Request) {
	snap, err := s.snapshots.Get(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, models.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "snapshot not found")
		return
	}
	if err != nil {
		s.internalError(w, r, "get snapshot", err)
		return
	}
	s.writeJSON(w, http.StatusOK, toSnapshotResponse(snap))
}

// handleDeleteSnapshot marks the row deleted; the artifacts stay on disk
// until the garbage collector reclaims them. Deleting twice is a no-op.
func (s *Server) handleDeleteSnapshot(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	snap, err := s.snapshots.Get(r.Context(), id)
	if errors.Is(err, models.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "snapshot not found")
		return
	}
	if err != nil {
		s.internalError(w, r, "get snapshot", err)
		return
	}

	deleted, err := s.snapshots.SoftDelete(r.Context(), id)
	if err != nil {
		s.internalError(w, r, "delete snapshot", err)
		return
	}
	if deleted {
		s.events.Publish(events.Event{
			Type:           events.TypeSnapshotDeleted,
			SnapshotID:     id,
			RuntimeImageID: snap.RuntimeImageID,
		})
	}

	w.WriteHeader(http.StatusNoContent)
}

// handleRebuildSnapshot retires the snapshot and starts a replacement build
// for its image.
func (s *Server) handleRebuildSnapshot(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	snap, err := s.snapshots.Get(r.Context(), id)
	if errors.Is(err, models.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "snapshot not found")
		return
	}
	if err != nil {
		s.internalError(w, r, "get snapshot", err)
		return
	}

	image, err := s.images.Get(r.Context(), snap.RuntimeImageID)
	if err != nil {
		s.internalError(w, r, "load image", err)
		return
	}

	if _, err := s.snapshots.SoftDelete(r.Context(), id); err != nil {
		s.internalError(w, r, "retire snapshot", err)
		return
	}
	s.events.Publish(events.Event{
		Type:           events.TypeRebuildRequested,
		SnapshotID:     id,
		RuntimeImageID: image.ID,
	})

	replacement, err := s.builder.StartBuild(r.Context(), image)
	if errors.Is(err, snapshot.ErrBuildInProgress) {
		s.writeError(w, http.StatusConflict, "a build for this image is already in progress")
		return
	}
	if err != nil {
		s.internalError(w, r, "start replacement build", err)
		return
	}

	s.writeJSON(w, http.StatusAccepted, toSnapshotResponse(replacement))
}

func (s *Server) internalError(w http.ResponseWriter, r *http.Request, op string, err error) {
	s.logger.ErrorContext(r.Context(), "request failed",
		"op", op,
		"path", r.URL.Path,
		"error", err)
	s.writeError(w, http.StatusInternalServerError, "internal error")
}
