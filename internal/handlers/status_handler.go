package handlers

import (
	"context"
	"net/http"
	"runtime"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/kbchat/internal/common"
	"github.com/ternarybob/kbchat/internal/interfaces"
	"github.com/ternarybob/kbchat/internal/services/scheduler"
)

// StatusHandler serves health, version and maintenance job endpoints
type StatusHandler struct {
	tenants   interfaces.TenantStorage
	scheduler *scheduler.Scheduler // nil when maintenance is disabled
	mode      interfaces.LLMMode
	embedding string
	startedAt time.Time
	logger    arbor.ILogger
}

// NewStatusHandler creates a new StatusHandler
func NewStatusHandler(
	tenants interfaces.TenantStorage,
	sched *scheduler.Scheduler,
	mode interfaces.LLMMode,
	embeddingModel string,
	logger arbor.ILogger,
) *StatusHandler {
	return &StatusHandler{
		tenants:   tenants,
		scheduler: sched,
		mode:      mode,
		embedding: embeddingModel,
		startedAt: time.Now(),
		logger:    logger,
	}
}

// HealthHandler handles GET /api/health
func (h *StatusHandler) HealthHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if _, err := h.tenants.ListTenants(ctx); err != nil {
		h.logger.Warn().Err(err).Msg("Health check failed: storage unavailable")
		WriteJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"healthy": false,
			"error":   "storage unavailable",
		})
		return
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"healthy":         true,
		"mode":            h.mode,
		"mock":            h.mode == interfaces.LLMModeMock,
		"embedding_model": h.embedding,
		"uptime":          time.Since(h.startedAt).Round(time.Second).String(),
	})
}

// VersionHandler handles GET /api/version
func (h *StatusHandler) VersionHandler(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]string{
		"version":    common.GetVersion(),
		"build":      common.Build,
		"git_commit": common.GitCommit,
		"go":         runtime.Version(),
	})
}

// JobsHandler handles GET /api/maintenance/jobs
func (h *StatusHandler) JobsHandler(w http.ResponseWriter, r *http.Request) {
	jobs := []scheduler.JobStatus{}
	if h.scheduler != nil {
		jobs = h.scheduler.Jobs()
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"enabled": h.scheduler != nil,
		"jobs":    jobs,
	})
}

// RunJobHandler handles POST /api/maintenance/jobs/{name}/run
func (h *StatusHandler) RunJobHandler(w http.ResponseWriter, r *http.Request) {
	if h.scheduler == nil {
		WriteError(w, http.StatusServiceUnavailable, "maintenance scheduler is disabled")
		return
	}
	name := r.PathValue("name")
	if !h.hasJob(name) {
		WriteError(w, http.StatusNotFound, "job "+name+" not found")
		return
	}

	ran, err := h.scheduler.Trigger(r.Context(), name)
	if err != nil {
		h.logger.Warn().Err(err).Str("job_name", name).Msg("Manual job run failed")
		WriteError(w, http.StatusInternalServerError, "job "+name+" failed")
		return
	}

	status := "completed"
	if !ran {
		status = "already_running"
	}
	WriteJSON(w, http.StatusOK, map[string]string{
		"status": status,
		"job":    name,
	})
}

func (h *StatusHandler) hasJob(name string) bool {
	for _, job := range h.scheduler.Jobs() {
		if job.Name == name {
			return true
		}
	}
	return false
}
