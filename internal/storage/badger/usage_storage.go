package badger

import (
	"context"
	"fmt"
	"sort"

	"github.com/dgraph-io/badger/v4"
	"github.com/ternarybob/arbor"
	"github.com/timshannon/badgerhold/v4"

	"github.com/ternarybob/kbchat/internal/interfaces"
	"github.com/ternarybob/kbchat/internal/models"
)

// WindowHistory is an archived usage window
type WindowHistory struct {
	Key      string
	TenantID string
	Window   models.UsageWindow
}

// UsageStorage implements the UsageStorage interface for Badger. The active
// window of a tenant is keyed by tenant ID and written with version checks.
type UsageStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewUsageStorage creates a new UsageStorage instance
func NewUsageStorage(db *BadgerDB, logger arbor.ILogger) interfaces.UsageStorage {
	return &UsageStorage{db: db, logger: logger}
}

func (s *UsageStorage) GetWindow(ctx context.Context, tenantID string) (*models.UsageWindow, error) {
	var window models.UsageWindow
	if err := s.db.Store().Get(tenantID, &window); err != nil {
		if notFound(err) {
			return nil, interfaces.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get usage window: %w", err)
	}
	return &window, nil
}

func (s *UsageStorage) SaveWindow(ctx context.Context, window *models.UsageWindow, expectedVersion int64, archived *models.UsageWindow) error {
	next := *window
	next.Version = expectedVersion + 1

	err := s.db.Update(func(tx *badger.Txn) error {
		var stored models.UsageWindow
		err := s.db.Store().TxGet(tx, window.TenantID, &stored)
		switch {
		case notFound(err):
			if expectedVersion != 0 {
				return interfaces.ErrVersionConflict
			}
		case err != nil:
			return fmt.Errorf("failed to load usage window: %w", err)
		case stored.Version != expectedVersion:
			return interfaces.ErrVersionConflict
		}

		if archived != nil {
			history := &WindowHistory{
				Key:      fmt.Sprintf("%s/%020d", archived.TenantID, archived.PeriodStart.UnixNano()),
				TenantID: archived.TenantID,
				Window:   *archived,
			}
			if err := s.db.Store().TxUpsert(tx, history.Key, history); err != nil {
				return fmt.Errorf("failed to archive usage window: %w", err)
			}
		}
		return s.db.Store().TxUpsert(tx, next.TenantID, &next)
	})
	if err != nil {
		return err
	}

	window.Version = next.Version
	return nil
}

func (s *UsageStorage) ListWindowHistory(ctx context.Context, tenantID string) ([]*models.UsageWindow, error) {
	var history []WindowHistory
	if err := s.db.Store().Find(&history, badgerhold.Where("TenantID").Eq(tenantID)); err != nil {
		return nil, fmt.Errorf("failed to list window history: %w", err)
	}
	sort.Slice(history, func(i, j int) bool { return history[i].Key < history[j].Key })

	result := make([]*models.UsageWindow, len(history))
	for i := range history {
		result[i] = &history[i].Window
	}
	return result, nil
}

func (s *UsageStorage) AppendUsageRecord(ctx context.Context, record *models.UsageRecord) error {
	if record.ID == "" {
		return fmt.Errorf("usage record ID is required")
	}
	if err := s.db.Store().Insert(record.ID, record); err != nil {
		return fmt.Errorf("failed to append usage record: %w", err)
	}
	return nil
}

func (s *UsageStorage) ListUsageRecords(ctx context.Context, tenantID string, limit int) ([]*models.UsageRecord, error) {
	var records []models.UsageRecord
	if err := s.db.Store().Find(&records, badgerhold.Where("TenantID").Eq(tenantID)); err != nil {
		return nil, fmt.Errorf("failed to list usage records: %w", err)
	}

	sort.Slice(records, func(i, j int) bool {
		return records[i].CreatedAt.After(records[j].CreatedAt)
	})
	if limit > 0 && len(records) > limit {
		records = records[:limit]
	}

	result := make([]*models.UsageRecord, len(records))
	for i := range records {
		result[i] = &records[i]
	}
	return result, nil
}
