package handlers

import (
	"net/http"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/supercomp/internal/interfaces"
)

// SchedulerHandler handles scheduler-related endpoints
type SchedulerHandler struct {
	schedulerService interfaces.SchedulerService
	logger           arbor.ILogger
}

// NewSchedulerHandler creates a new scheduler handler
func NewSchedulerHandler(schedulerService interfaces.SchedulerService, logger arbor.ILogger) *SchedulerHandler {
	return &SchedulerHandler{
		schedulerService: schedulerService,
		logger:           logger,
	}
}

// ListTasksHandler returns the status of every registered task
// GET /api/scheduler/tasks
func (h *SchedulerHandler) ListTasksHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"running": h.schedulerService.IsRunning(),
		"tasks":   h.schedulerService.GetAllTaskStatuses(),
	})
}

// TriggerTaskHandler runs a task immediately
// POST /api/scheduler/tasks/{name}/trigger
func (h *SchedulerHandler) TriggerTaskHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}

	name := PathSegment(r.URL.Path, "/api/scheduler/tasks/")
	if _, err := h.schedulerService.GetTaskStatus(name); err != nil {
		WriteError(w, http.StatusNotFound, err.Error())
		return
	}

	if err := h.schedulerService.TriggerTask(name); err != nil {
		h.logger.Error().Err(err).Str("task", name).Msg("Triggered task failed")
		WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"message": "Task triggered successfully",
		"task":    name,
	})
}
