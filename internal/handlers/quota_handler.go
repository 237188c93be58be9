package handlers

import (
	"net/http"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/kbchat/internal/interfaces"
	"github.com/ternarybob/kbchat/internal/models"
)

// QuotaHandler reports a tenant's usage window
type QuotaHandler struct {
	gate   interfaces.QuotaGate
	usage  interfaces.UsageStorage
	logger arbor.ILogger
}

// NewQuotaHandler creates a new quota handler
func NewQuotaHandler(gate interfaces.QuotaGate, usage interfaces.UsageStorage, logger arbor.ILogger) *QuotaHandler {
	return &QuotaHandler{
		gate:   gate,
		usage:  usage,
		logger: logger,
	}
}

// StatusHandler handles GET /api/quota
func (h *QuotaHandler) StatusHandler(w http.ResponseWriter, r *http.Request) {
	identity, err := IdentityFromRequest(r)
	if err != nil {
		WriteServiceError(w, h.logger, err)
		return
	}

	status, err := h.gate.Status(r.Context(), identity.TenantID)
	if err != nil {
		WriteServiceError(w, h.logger, err)
		return
	}

	SetQuotaHeaders(w, status)
	WriteJSON(w, http.StatusOK, status)
}

// UsageHandler handles GET /api/quota/usage?limit=N, newest records first
func (h *QuotaHandler) UsageHandler(w http.ResponseWriter, r *http.Request) {
	identity, err := IdentityFromRequest(r)
	if err != nil {
		WriteServiceError(w, h.logger, err)
		return
	}
	limit, err := queryInt(r, "limit", 50)
	if err != nil {
		WriteServiceError(w, h.logger, err)
		return
	}

	records, err := h.usage.ListUsageRecords(r.Context(), identity.TenantID, limit)
	if err != nil {
		WriteServiceError(w, h.logger, models.WrapError(models.KindInternal, err, "list usage records"))
		return
	}
	if records == nil {
		records = []*models.UsageRecord{}
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"records": records,
		"count":   len(records),
	})
}
