package models

import "time"

// UnlimitedQuota is the QuotaLimit sentinel for tenants without a usage cap
const UnlimitedQuota = -1

// Tenant scopes every other entity. Tenants are provisioned out-of-band and
// never deleted by the engine.
type Tenant struct {
	ID          string    `json:"id" yaml:"id" validate:"required"`
	Name        string    `json:"name" yaml:"name"`
	QuotaLimit  int       `json:"quota_limit" yaml:"quota_limit" validate:"gte=-1"` // -1 unlimited, 0 uses the configured default
	QuotaPeriod string    `json:"quota_period,omitempty" yaml:"quota_period"`       // duration string, empty uses the configured default
	CreatedAt   time.Time `json:"created_at" yaml:"-"`
}

// Identity is the (tenant, user) pair handed to the engine by the upstream
// session provider. The engine trusts it and never re-derives it.
type Identity struct {
	TenantID string `json:"tenant_id"`
	UserID   string `json:"user_id,omitempty"`
}
