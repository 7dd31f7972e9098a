// -----------------------------------------------------------------------
// Job Handler - job-keyed polling protocol over /api/jobs
// -----------------------------------------------------------------------

package handlers

import (
	"net/http"
	"path"
	"strconv"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/supercomp/internal/models"
	"github.com/ternarybob/supercomp/internal/services/lookup"
)

// JobHandler handles job-related API requests
type JobHandler struct {
	lookupService *lookup.Service
	logger        arbor.ILogger
}

// NewJobHandler creates a new job handler
func NewJobHandler(lookupService *lookup.Service, logger arbor.ILogger) *JobHandler {
	return &JobHandler{
		lookupService: lookupService,
		logger:        logger,
	}
}

// CreateJobHandler starts or attaches to the lookup for an identifier
// POST /api/jobs {identifier, year?}
func (h *JobHandler) CreateJobHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}

	var req lookup.CreateRequest
	if err := DecodeJSON(r, &req); err != nil {
		WriteServiceError(w, err)
		return
	}

	result, err := h.lookupService.Create(r.Context(), req)
	if err != nil {
		h.logger.Warn().Err(err).Str("identifier", req.Identifier).Msg("Failed to create lookup job")
		WriteServiceError(w, err)
		return
	}

	status := http.StatusCreated
	if result.Attached {
		status = http.StatusOK
	}
	WriteJSON(w, status, map[string]interface{}{
		"success":  true,
		"jobId":    result.Job.ID,
		"status":   result.Job.State,
		"attached": result.Attached,
	})
}

// StartAutomationHandler starts a lookup and answers before the browser is up
// POST /api/automation {identifier}
func (h *JobHandler) StartAutomationHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}

	var req lookup.CreateRequest
	if err := DecodeJSON(r, &req); err != nil {
		WriteServiceError(w, err)
		return
	}

	result, err := h.lookupService.Create(r.Context(), req)
	if err != nil {
		WriteServiceError(w, err)
		return
	}

	WriteJSON(w, http.StatusAccepted, map[string]interface{}{
		"success":  true,
		"jobId":    result.Job.ID,
		"attached": result.Attached,
	})
}

// ListJobsHandler returns finished jobs, most recent first
// GET /api/jobs?limit=50
func (h *JobHandler) ListJobsHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	jobs, err := h.lookupService.List(r.Context())
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to list jobs")
		WriteServiceError(w, err)
		return
	}

	limit := GetLimitParam(r, len(jobs), 0)
	if limit < len(jobs) {
		jobs = jobs[:limit]
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"jobs":    jobs,
		"count":   len(jobs),
	})
}

// GetJobHandler returns a single job by ID
// GET /api/jobs/{id}
func (h *JobHandler) GetJobHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	job, err := h.lookupService.Get(r.Context(), PathSegment(r.URL.Path, "/api/jobs/"))
	if err != nil {
		WriteServiceError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, job)
}

// StatusHandler is the polling endpoint
// GET /api/jobs/{id}/status
func (h *JobHandler) StatusHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	view, err := h.lookupService.Status(r.Context(), PathSegment(r.URL.Path, "/api/jobs/"))
	if err != nil {
		WriteServiceError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, view)
}

// CaptchaHandler serves the challenge image (GET) or accepts a solution (POST)
// GET|POST /api/jobs/{id}/captcha
func (h *JobHandler) CaptchaHandler(w http.ResponseWriter, r *http.Request) {
	jobID := PathSegment(r.URL.Path, "/api/jobs/")

	switch r.Method {
	case http.MethodGet:
		image, err := h.lookupService.Challenge(r.Context(), jobID)
		if err != nil {
			WriteServiceError(w, err)
			return
		}
		WritePNG(w, image)

	case http.MethodPost:
		var req lookup.SolutionRequest
		if err := DecodeJSON(r, &req); err != nil {
			WriteServiceError(w, err)
			return
		}
		if err := h.lookupService.Submit(r.Context(), jobID, req.Text); err != nil {
			h.logger.Debug().Err(err).Str("job_id", jobID).Msg("Solution refused")
			WriteServiceError(w, err)
			return
		}
		WriteSuccess(w, "Solution received, processing")

	default:
		WriteError(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}

// EvidenceHandler serves the before/after screenshots and the PDF report
// GET /api/jobs/{id}/evidence/{before|after|report.pdf}
func (h *JobHandler) EvidenceHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	jobID := PathSegment(r.URL.Path, "/api/jobs/")
	name := path.Base(r.URL.Path)

	if name == "report.pdf" {
		report, err := h.lookupService.Report(r.Context(), jobID)
		if err != nil {
			WriteServiceError(w, err)
			return
		}
		w.Header().Set("Content-Type", "application/pdf")
		w.Header().Set("Content-Disposition", "inline; filename=\""+jobID+"-evidence.pdf\"")
		w.Header().Set("Content-Length", strconv.Itoa(len(report)))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(report)
		return
	}

	image, err := h.lookupService.Evidence(r.Context(), jobID, models.CaptureKind(name))
	if err != nil {
		WriteServiceError(w, err)
		return
	}
	WritePNG(w, image)
}
