// Package quota admits or rejects provider calls against a per-tenant
// rolling usage window.
package quota

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/kbchat/internal/common"
	"github.com/ternarybob/kbchat/internal/interfaces"
	"github.com/ternarybob/kbchat/internal/models"
)

// Gate implements interfaces.QuotaGate with reserve-then-commit admission.
// CheckAndReserve increments the window's in-flight counter in the same
// versioned write as the admission check, and RecordUsage or Release settles
// it. Count plus InFlight therefore never exceeds the limit while a window
// is active.
type Gate struct {
	usage         interfaces.UsageStorage
	tenants       interfaces.TenantStorage
	events        interfaces.EventService
	defaultLimit  int
	defaultPeriod time.Duration
	thresholds    []int
	maxRetries    int
	now           func() time.Time
	locks         sync.Map // tenantID -> *sync.Mutex
	logger        arbor.ILogger
}

// NewGate creates a quota gate. events may be nil.
func NewGate(usage interfaces.UsageStorage, tenants interfaces.TenantStorage, events interfaces.EventService, config *common.QuotaConfig, logger arbor.ILogger) *Gate {
	maxRetries := config.MaxCASRetries
	if maxRetries <= 0 {
		maxRetries = 5
	}
	return &Gate{
		usage:         usage,
		tenants:       tenants,
		events:        events,
		defaultLimit:  config.DefaultLimit,
		defaultPeriod: common.ParseDuration(config.Period, 30*24*time.Hour),
		thresholds:    config.ThresholdPercents,
		maxRetries:    maxRetries,
		now:           time.Now,
		logger:        logger,
	}
}

// SetClock replaces the time source
func (g *Gate) SetClock(now func() time.Time) {
	g.now = now
}

// CheckAndReserve admits one provider call for tenantID or returns a
// QuotaExceeded error carrying the current status. An expired window is
// archived and replaced within the same call. Storage errors reject the call.
func (g *Gate) CheckAndReserve(ctx context.Context, tenantID string) (*interfaces.Reservation, error) {
	limit, period, err := g.policy(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	unlock := g.lock(tenantID)
	defer unlock()

	for attempt := 0; attempt < g.maxRetries; attempt++ {
		now := g.now()
		window, expected, archived, err := g.current(ctx, tenantID, limit, period, now)
		if err != nil {
			return nil, err
		}

		if limit != models.UnlimitedQuota && window.Used() >= limit {
			if archived != nil {
				// Persist the rollover even though the call is rejected
				if err := g.usage.SaveWindow(ctx, window, expected, archived); err != nil {
					if errors.Is(err, interfaces.ErrVersionConflict) {
						continue
					}
					return nil, g.storageError(tenantID, err)
				}
			}
			status := statusOf(window, false)
			g.logger.Warn().
				Str("tenant_id", tenantID).
				Int("current_usage", status.CurrentUsage).
				Int("limit", limit).
				Msg("Quota exceeded")
			return nil, models.QuotaExceededError(&status, now)
		}

		window.InFlight++
		if err := g.usage.SaveWindow(ctx, window, expected, archived); err != nil {
			if errors.Is(err, interfaces.ErrVersionConflict) {
				continue
			}
			return nil, g.storageError(tenantID, err)
		}

		return &interfaces.Reservation{
			ID:          common.NewReservationID(),
			TenantID:    tenantID,
			PeriodStart: window.PeriodStart.UnixNano(),
			Status:      statusOf(window, true),
		}, nil
	}

	return nil, models.NewError(models.KindInternal, "quota window for tenant %s is contended, gave up after %d attempts", tenantID, g.maxRetries)
}

// RecordUsage commits a reservation and appends the audit record. When the
// reservation's window has already rolled over the call is audited but not
// counted against the new window.
func (g *Gate) RecordUsage(ctx context.Context, reservation *interfaces.Reservation, usage interfaces.UsageMetadata) (*models.QuotaStatus, error) {
	unlock := g.lock(reservation.TenantID)

	var (
		status  models.QuotaStatus
		counted bool
		before  int
		period  time.Time
	)
	err := g.settle(ctx, reservation, func(w *models.UsageWindow) {
		before = w.Count
		w.Count++
		counted = true
	}, func(w *models.UsageWindow) {
		status = statusOf(w, true)
		period = w.PeriodStart
	})
	unlock()
	if err != nil {
		return nil, err
	}
	if !counted {
		period = time.Unix(0, reservation.PeriodStart)
	}

	record := &models.UsageRecord{
		ID:               common.NewUsageRecordID(),
		TenantID:         reservation.TenantID,
		ConversationID:   usage.ConversationID,
		PeriodStart:      period,
		Provider:         usage.Provider,
		Model:            usage.Model,
		PromptTokens:     usage.PromptTokens,
		CompletionTokens: usage.CompletionTokens,
		Success:          usage.Success,
		Mock:             usage.Mock,
		Counted:          counted,
		CreatedAt:        g.now(),
	}
	if err := g.usage.AppendUsageRecord(ctx, record); err != nil {
		g.logger.Error().Err(err).Str("tenant_id", reservation.TenantID).Msg("Failed to append usage record")
		return nil, g.storageError(reservation.TenantID, err)
	}

	if counted {
		g.notifyThresholds(ctx, reservation.TenantID, before, status)
	}
	return &status, nil
}

// Release returns an unused reservation to the window
func (g *Gate) Release(ctx context.Context, reservation *interfaces.Reservation) error {
	unlock := g.lock(reservation.TenantID)
	defer unlock()
	return g.settle(ctx, reservation, nil, nil)
}

// Status reports the tenant's current window without reserving
func (g *Gate) Status(ctx context.Context, tenantID string) (*models.QuotaStatus, error) {
	limit, period, err := g.policy(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	now := g.now()
	window, _, _, err := g.current(ctx, tenantID, limit, period, now)
	if err != nil {
		return nil, err
	}
	status := statusOf(window, limit == models.UnlimitedQuota || window.Used() < limit)
	return &status, nil
}

// settle decrements the in-flight counter of the reservation's window and
// applies commit to it. Nothing changes when the window has rolled over.
func (g *Gate) settle(ctx context.Context, reservation *interfaces.Reservation, commit, done func(w *models.UsageWindow)) error {
	for attempt := 0; attempt < g.maxRetries; attempt++ {
		window, err := g.usage.GetWindow(ctx, reservation.TenantID)
		if errors.Is(err, interfaces.ErrNotFound) {
			return nil
		}
		if err != nil {
			return g.storageError(reservation.TenantID, err)
		}
		if window.PeriodStart.UnixNano() != reservation.PeriodStart {
			g.logger.Debug().
				Str("tenant_id", reservation.TenantID).
				Str("reservation_id", reservation.ID).
				Msg("Reservation window rolled over, not counted")
			if done != nil {
				done(window)
			}
			return nil
		}

		expected := window.Version
		if window.InFlight > 0 {
			window.InFlight--
		}
		if commit != nil {
			commit(window)
		}

		err = g.usage.SaveWindow(ctx, window, expected, nil)
		if errors.Is(err, interfaces.ErrVersionConflict) {
			continue
		}
		if err != nil {
			return g.storageError(reservation.TenantID, err)
		}
		if done != nil {
			done(window)
		}
		return nil
	}
	return models.NewError(models.KindInternal, "quota window for tenant %s is contended", reservation.TenantID)
}

// current loads the tenant's window, opening or rolling it over as needed.
// It returns the window to write, the version it was read at and the expired
// window to archive, if any.
func (g *Gate) current(ctx context.Context, tenantID string, limit int, period time.Duration, now time.Time) (*models.UsageWindow, int64, *models.UsageWindow, error) {
	window, err := g.usage.GetWindow(ctx, tenantID)
	if errors.Is(err, interfaces.ErrNotFound) {
		return newWindow(tenantID, limit, period, now), 0, nil, nil
	}
	if err != nil {
		return nil, 0, nil, g.storageError(tenantID, err)
	}

	expected := window.Version
	if window.Expired(now) {
		archived := *window
		next := newWindow(tenantID, limit, period, now)
		g.logger.Info().
			Str("tenant_id", tenantID).
			Int("count", archived.Count).
			Str("period_end", archived.PeriodEnd.Format(time.RFC3339)).
			Msg("Usage window rolled over")
		return next, expected, &archived, nil
	}

	window.Limit = limit
	return window, expected, nil, nil
}

func newWindow(tenantID string, limit int, period time.Duration, now time.Time) *models.UsageWindow {
	return &models.UsageWindow{
		TenantID:    tenantID,
		PeriodStart: now,
		PeriodEnd:   now.Add(period),
		Limit:       limit,
	}
}

// policy resolves the effective limit and window length of a tenant
func (g *Gate) policy(ctx context.Context, tenantID string) (int, time.Duration, error) {
	tenant, err := g.tenants.GetTenant(ctx, tenantID)
	if errors.Is(err, interfaces.ErrNotFound) {
		return 0, 0, models.NewError(models.KindTenantNotFound, "tenant %s not found", tenantID)
	}
	if err != nil {
		return 0, 0, g.storageError(tenantID, err)
	}

	limit := tenant.QuotaLimit
	if limit == 0 {
		limit = g.defaultLimit
	}
	return limit, common.ParseDuration(tenant.QuotaPeriod, g.defaultPeriod), nil
}

func (g *Gate) storageError(tenantID string, err error) error {
	g.logger.Error().Err(err).Str("tenant_id", tenantID).Msg("Quota storage failure, rejecting call")
	return models.WrapError(models.KindInternal, err, "quota check failed for tenant %s", tenantID)
}

// lock serializes quota writes of one tenant within this process
func (g *Gate) lock(tenantID string) func() {
	value, _ := g.locks.LoadOrStore(tenantID, &sync.Mutex{})
	mu := value.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

func (g *Gate) notifyThresholds(ctx context.Context, tenantID string, before int, status models.QuotaStatus) {
	if g.events == nil || status.Unlimited() || status.Limit <= 0 {
		return
	}
	after := before + 1
	for _, pct := range g.thresholds {
		if before*100 < pct*status.Limit && after*100 >= pct*status.Limit {
			event := interfaces.Event{
				Type: interfaces.EventUsageThreshold,
				Payload: map[string]interface{}{
					"tenant_id":     tenantID,
					"percent":       pct,
					"current_usage": after,
					"limit":         status.Limit,
					"reset_at":      status.WindowResetAt,
				},
			}
			if err := g.events.Publish(ctx, event); err != nil {
				g.logger.Warn().Err(err).Str("tenant_id", tenantID).Msg("Failed to publish usage threshold event")
			}
		}
	}
}

func statusOf(window *models.UsageWindow, allowed bool) models.QuotaStatus {
	status := models.QuotaStatus{
		Allowed:       allowed,
		CurrentUsage:  window.Used(),
		Limit:         window.Limit,
		WindowResetAt: window.PeriodEnd,
	}
	if window.Limit == models.UnlimitedQuota {
		status.Remaining = -1
		return status
	}
	status.Remaining = window.Limit - window.Used()
	if status.Remaining < 0 {
		status.Remaining = 0
	}
	return status
}
