package models

import "time"

// UsageWindow is the per-tenant rolling usage counter. Exactly one window is
// active per tenant; it is rolled over, never reset in place.
type UsageWindow struct {
	TenantID    string    `json:"tenant_id"`
	PeriodStart time.Time `json:"period_start"`
	PeriodEnd   time.Time `json:"period_end"`
	Count       int       `json:"count"`
	InFlight    int       `json:"in_flight"`
	Limit       int       `json:"limit"`
	Version     int64     `json:"version"`
}

// Used returns committed plus reserved usage
func (w *UsageWindow) Used() int {
	return w.Count + w.InFlight
}

// Expired reports whether the window must be rolled over at now
func (w *UsageWindow) Expired(now time.Time) bool {
	return !now.Before(w.PeriodEnd)
}

// UsageRecord is the audit entry written for every recorded provider call
type UsageRecord struct {
	ID               string    `json:"id"`
	TenantID         string    `json:"tenant_id"`
	ConversationID   string    `json:"conversation_id,omitempty"`
	PeriodStart      time.Time `json:"period_start"`
	Provider         string    `json:"provider"`
	Model            string    `json:"model"`
	PromptTokens     int       `json:"prompt_tokens"`
	CompletionTokens int       `json:"completion_tokens"`
	Success          bool      `json:"success"`
	Mock             bool      `json:"mock"`
	Counted          bool      `json:"counted"` // false when the reservation's window had already rolled over
	CreatedAt        time.Time `json:"created_at"`
}

// QuotaStatus is the admission snapshot returned by the quota gate
type QuotaStatus struct {
	Allowed       bool      `json:"allowed"`
	CurrentUsage  int       `json:"current_usage"`
	Limit         int       `json:"limit"`
	Remaining     int       `json:"remaining"` // -1 when the limit is unlimited
	WindowResetAt time.Time `json:"window_reset_at"`
}

// Unlimited reports whether the status belongs to an uncapped tenant
func (s *QuotaStatus) Unlimited() bool {
	return s.Limit == UnlimitedQuota
}
