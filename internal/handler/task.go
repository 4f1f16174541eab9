package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/lupamo/realtime-collab/internal/model"
	"github.com/lupamo/realtime-collab/internal/presence"
	"github.com/lupamo/realtime-collab/internal/repo"
	"github.com/lupamo/realtime-collab/internal/room"
	"github.com/lupamo/realtime-collab/internal/service"
	"github.com/lupamo/realtime-collab/pkg/respond"
)

// TaskHandler is the store-facing mutation path. Mutations land here over
// HTTP, go through the optimistic concurrency protocol, and come back to the
// sockets as broadcast events.
type TaskHandler struct {
	service *service.SyncService
	reg     *room.Registry
	tracker *presence.Tracker
	logger  *zap.Logger
}

func NewTaskHandler(srv *service.SyncService, reg *room.Registry, tracker *presence.Tracker, logger *zap.Logger) *TaskHandler {
	return &TaskHandler{
		service: srv,
		reg:     reg,
		tracker: tracker,
		logger:  logger,
	}
}

func (h *TaskHandler) Routes(r chi.Router) {
	r.Post("/api/tasks", h.Create)
	r.Get("/api/tasks/{id}", h.Get)
	r.Patch("/api/tasks/{id}", h.Update)
	r.Delete("/api/tasks/{id}", h.Delete)
	r.Get("/api/stats", h.Stats)
}

func (h *TaskHandler) Create(w http.ResponseWriter, r *http.Request) {
	if r.ContentLength == 0 {
		respond.Error(w, r, http.StatusBadRequest, "empty request body")
		return
	}

	var req service.CreateTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.logger.Error("failed to decode json", zap.Error(err))
		respond.Error(w, r, http.StatusBadRequest, fmt.Sprintf("invalid json: %v", err))
		return
	}

	idempKey := r.Header.Get("Idempotency-Key")
	task, err := h.service.Create(r.Context(), "", req, idempKey)
	if err != nil {
		h.handleErrors(w, r, err)
		return
	}

	w.Header().Set("Location", fmt.Sprintf("/api/tasks/%d", task.ID))
	respond.JSON(w, r, http.StatusCreated, task)
}

func (h *TaskHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, _ := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)

	task, err := h.service.Get(r.Context(), id)
	if err != nil {
		h.handleErrors(w, r, err)
		return
	}
	respond.JSON(w, r, http.StatusOK, task)
}

// updateRequest carries the patch plus the client's last-known version. The
// version precondition is mandatory: every update races against every other
// connected client.
type updateRequest struct {
	model.TaskPatch
	Version int `json:"version"`
}

func (h *TaskHandler) Update(w http.ResponseWriter, r *http.Request) {
	id, _ := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)

	var req updateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respond.Error(w, r, http.StatusBadRequest, "invalid json")
		return
	}
	if req.Version < 1 {
		respond.Error(w, r, http.StatusBadRequest, "version is required")
		return
	}

	task, err := h.service.Apply(r.Context(), "", id, req.TaskPatch, req.Version)
	if err != nil {
		h.handleErrors(w, r, err)
		return
	}

	respond.JSON(w, r, http.StatusOK, task)
}

func (h *TaskHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, _ := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)

	if err := h.service.Delete(r.Context(), "", id); err != nil {
		h.handleErrors(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// Stats reports the live sync state of this process: rooms, members and
// presence records.
func (h *TaskHandler) Stats(w http.ResponseWriter, r *http.Request) {
	stats := h.reg.Stats()
	stats.Presence = h.tracker.Count()
	respond.JSON(w, r, http.StatusOK, stats)
}

func (h *TaskHandler) handleErrors(w http.ResponseWriter, r *http.Request, err error) {
	var conflict *repo.ConflictError
	switch {
	case errors.Is(err, repo.ErrNotFound):
		respond.Error(w, r, http.StatusNotFound, "not found")
	case errors.As(err, &conflict):
		// The caller rebases on the authoritative state and retries.
		respond.Conflict(w, r, conflict.Current)
	case errors.Is(err, service.ErrValidation):
		respond.Error(w, r, http.StatusBadRequest, "validation error")
	case errors.Is(err, service.ErrStoreTimeout):
		respond.Error(w, r, http.StatusServiceUnavailable, "store timeout, retry")
	default:
		h.logger.Error("internal error", zap.Error(err))
		respond.Error(w, r, http.StatusInternalServerError, "internal error")
	}
}
