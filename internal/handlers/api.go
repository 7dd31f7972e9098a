package handlers

import (
	"context"
	"net/http"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/supercomp/internal/browser"
	"github.com/ternarybob/supercomp/internal/common"
	"github.com/ternarybob/supercomp/internal/interfaces"
)

// StatsProvider reports job counts by state
type StatsProvider interface {
	Stats() interfaces.JobStoreStats
}

// WorkerCounter reports live lookup workers
type WorkerCounter interface {
	Running() int
}

// BrowserStats reports browser slot usage
type BrowserStats interface {
	Stats() browser.Stats
}

// RecordCounter reports the size of the lookup history
type RecordCounter interface {
	HistoryCount(ctx context.Context) (int, error)
}

// ClientCounter reports connected WebSocket operators
type ClientCounter interface {
	ClientCount() int
	ServerInstanceID() string
}

// HealthSources feeds the health report. Nil sources are left out.
type HealthSources struct {
	Jobs     StatsProvider
	Workers  WorkerCounter
	Browsers BrowserStats
	History  RecordCounter
	Clients  ClientCounter
}

type APIHandler struct {
	sources HealthSources
	logger  arbor.ILogger
}

// NewAPIHandler creates the version/health handler
func NewAPIHandler(sources HealthSources, logger arbor.ILogger) *APIHandler {
	return &APIHandler{
		sources: sources,
		logger:  logger,
	}
}

// VersionHandler returns version information
func (h *APIHandler) VersionHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	WriteJSON(w, http.StatusOK, common.GetVersionInfo())
}

// HealthHandler returns health check status with job, browser and history counts
func (h *APIHandler) HealthHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	response := map[string]interface{}{
		"status": "ok",
	}
	if h.sources.Jobs != nil {
		response["jobs"] = h.sources.Jobs.Stats()
	}
	if h.sources.Workers != nil {
		response["workers"] = h.sources.Workers.Running()
	}
	if h.sources.Browsers != nil {
		response["browsers"] = h.sources.Browsers.Stats()
	}
	if h.sources.History != nil {
		count, err := h.sources.History.HistoryCount(r.Context())
		if err != nil {
			// storage trouble degrades the report, the server still answers
			h.logger.Warn().Err(err).Msg("Failed to count history records")
			response["status"] = "degraded"
		} else {
			response["history_records"] = count
		}
	}
	if h.sources.Clients != nil {
		response["websocket_clients"] = h.sources.Clients.ClientCount()
		response["server_instance_id"] = h.sources.Clients.ServerInstanceID()
	}
	WriteJSON(w, http.StatusOK, response)
}

// NotFoundHandler handles 404 errors with JSON response
func (h *APIHandler) NotFoundHandler(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusNotFound, map[string]interface{}{
		"success": false,
		"error":   "Not Found",
		"path":    r.URL.Path,
		"message": "The requested endpoint does not exist",
	})
}
