package handlers

import (
	"net/http"
	"strings"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/supercomp/internal/models"
	"github.com/ternarybob/supercomp/internal/services/lookup"
)

// HistoryHandler serves lookup history and the manual record endpoint
type HistoryHandler struct {
	lookupService *lookup.Service
	logger        arbor.ILogger
}

// NewHistoryHandler creates a new history handler
func NewHistoryHandler(lookupService *lookup.Service, logger arbor.ILogger) *HistoryHandler {
	return &HistoryHandler{
		lookupService: lookupService,
		logger:        logger,
	}
}

// ListHistoryHandler returns history record names, most recent first
// GET /api/history
func (h *HistoryHandler) ListHistoryHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	files, err := h.lookupService.History(r.Context())
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to list history")
		WriteServiceError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"files":   files,
	})
}

// ListRecordsHandler returns full history records, most recent first,
// optionally for a single RUC
// GET /api/history/records?limit=100&ruc=1790012345001
func (h *HistoryHandler) ListRecordsHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	limit := GetLimitParam(r, 100, 1000)

	var records []*models.HistoryRecord
	var err error
	if ruc := strings.TrimSpace(r.URL.Query().Get("ruc")); ruc != "" {
		records, err = h.lookupService.HistoryRecordsFor(r.Context(), ruc)
		if len(records) > limit {
			records = records[:limit]
		}
	} else {
		records, err = h.lookupService.HistoryRecords(r.Context(), limit)
	}
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to list history records")
		WriteServiceError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"records": records,
		"count":   len(records),
	})
}

// RecordLookupHandler writes a history record without running automation
// POST /api/lookups {ruc, year}
func (h *HistoryHandler) RecordLookupHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}

	var req lookup.RecordRequest
	if err := DecodeJSON(r, &req); err != nil {
		WriteServiceError(w, err)
		return
	}

	record, err := h.lookupService.RecordLookup(r.Context(), req)
	if err != nil {
		WriteServiceError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"message": "Saved.",
		"name":    record.Name,
	})
}

// YearsHandler returns the years a lookup can be recorded for
// GET /api/years
func (h *HistoryHandler) YearsHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"years": h.lookupService.Years(),
	})
}
