// -----------------------------------------------------------------------
// Legacy Handler - identifier-keyed routes kept for existing operator pages
// -----------------------------------------------------------------------

package handlers

import (
	"errors"
	"net/http"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/supercomp/internal/models"
	"github.com/ternarybob/supercomp/internal/services/lookup"
)

// LegacyHandler answers the RUC-keyed routes. Each call resolves the active
// (or most recent) job for the RUC and delegates to the lookup service.
type LegacyHandler struct {
	lookupService *lookup.Service
	logger        arbor.ILogger
}

// NewLegacyHandler creates a new legacy handler
func NewLegacyHandler(lookupService *lookup.Service, logger arbor.ILogger) *LegacyHandler {
	return &LegacyHandler{
		lookupService: lookupService,
		logger:        logger,
	}
}

type legacyStartRequest struct {
	RUC string `json:"ruc"`
}

type legacySubmitRequest struct {
	RUC     string `json:"ruc"`
	Captcha string `json:"captcha"`
}

// StartHandler starts automation for a RUC
// POST /consultar-supercias {ruc}
func (h *LegacyHandler) StartHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}

	var req legacyStartRequest
	if err := DecodeJSON(r, &req); err != nil {
		WriteServiceError(w, err)
		return
	}

	result, err := h.lookupService.Create(r.Context(), lookup.CreateRequest{Identifier: req.RUC})
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

// StatusHandler reports whether a challenge is waiting for a RUC.
// An unknown RUC is reported as not ready rather than missing.
// GET /captcha-status/{ruc}
func (h *LegacyHandler) StatusHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	view, err := h.lookupService.StatusFor(r.Context(), PathSegment(r.URL.Path, "/captcha-status/"))
	if errors.Is(err, models.ErrNotFound) {
		WriteJSON(w, http.StatusOK, map[string]interface{}{"ready": false})
		return
	}
	if err != nil {
		WriteServiceError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, view)
}

// ImageHandler serves the current challenge image for a RUC
// GET /captcha-image/{ruc}
func (h *LegacyHandler) ImageHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	image, err := h.lookupService.ChallengeFor(r.Context(), PathSegment(r.URL.Path, "/captcha-image/"))
	if err != nil {
		WriteServiceError(w, err)
		return
	}
	WritePNG(w, image)
}

// SubmitHandler accepts an operator solution for a RUC
// POST /submit-captcha {ruc, captcha}
func (h *LegacyHandler) SubmitHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}

	var req legacySubmitRequest
	if err := DecodeJSON(r, &req); err != nil {
		WriteServiceError(w, err)
		return
	}

	job, err := h.lookupService.SubmitFor(r.Context(), req.RUC, req.Captcha)
	if err != nil {
		h.logger.Debug().Err(err).Str("identifier", req.RUC).Msg("Solution refused")
		WriteServiceError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"message": "Solution received, processing",
		"jobId":   job.ID,
	})
}
