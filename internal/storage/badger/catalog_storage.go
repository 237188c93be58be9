package badger

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/timshannon/badgerhold/v4"

	"github.com/ternarybob/kbchat/internal/interfaces"
	"github.com/ternarybob/kbchat/internal/models"
)

// TenantStorage implements the TenantStorage interface for Badger
type TenantStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewTenantStorage creates a new TenantStorage instance
func NewTenantStorage(db *BadgerDB, logger arbor.ILogger) interfaces.TenantStorage {
	return &TenantStorage{db: db, logger: logger}
}

func (s *TenantStorage) SaveTenant(ctx context.Context, tenant *models.Tenant) error {
	if tenant.ID == "" {
		return fmt.Errorf("tenant ID is required")
	}
	if tenant.CreatedAt.IsZero() {
		tenant.CreatedAt = time.Now()
	}
	if err := s.db.Store().Upsert(tenant.ID, tenant); err != nil {
		return fmt.Errorf("failed to save tenant: %w", err)
	}
	return nil
}

func (s *TenantStorage) GetTenant(ctx context.Context, id string) (*models.Tenant, error) {
	var tenant models.Tenant
	if err := s.db.Store().Get(id, &tenant); err != nil {
		if notFound(err) {
			return nil, interfaces.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get tenant: %w", err)
	}
	return &tenant, nil
}

func (s *TenantStorage) ListTenants(ctx context.Context) ([]*models.Tenant, error) {
	var tenants []models.Tenant
	if err := s.db.Store().Find(&tenants, nil); err != nil {
		return nil, fmt.Errorf("failed to list tenants: %w", err)
	}
	result := make([]*models.Tenant, len(tenants))
	for i := range tenants {
		result[i] = &tenants[i]
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

// BotStorage implements the BotStorage interface for Badger
type BotStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewBotStorage creates a new BotStorage instance
func NewBotStorage(db *BadgerDB, logger arbor.ILogger) interfaces.BotStorage {
	return &BotStorage{db: db, logger: logger}
}

func (s *BotStorage) SaveBot(ctx context.Context, bot *models.Bot) error {
	if bot.ID == "" || bot.TenantID == "" {
		return fmt.Errorf("bot ID and tenant ID are required")
	}
	if err := s.db.Store().Upsert(tenantKey(bot.TenantID, bot.ID), bot); err != nil {
		return fmt.Errorf("failed to save bot: %w", err)
	}
	return nil
}

func (s *BotStorage) GetBot(ctx context.Context, tenantID, id string) (*models.Bot, error) {
	var bot models.Bot
	if err := s.db.Store().Get(tenantKey(tenantID, id), &bot); err != nil {
		if notFound(err) {
			return nil, interfaces.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get bot: %w", err)
	}
	return &bot, nil
}

func (s *BotStorage) ListBots(ctx context.Context, tenantID string) ([]*models.Bot, error) {
	var bots []models.Bot
	if err := s.db.Store().Find(&bots, badgerhold.Where("TenantID").Eq(tenantID)); err != nil {
		return nil, fmt.Errorf("failed to list bots: %w", err)
	}
	result := make([]*models.Bot, len(bots))
	for i := range bots {
		result[i] = &bots[i]
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

// KnowledgeBaseStorage implements the KnowledgeBaseStorage interface for Badger
type KnowledgeBaseStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewKnowledgeBaseStorage creates a new KnowledgeBaseStorage instance
func NewKnowledgeBaseStorage(db *BadgerDB, logger arbor.ILogger) interfaces.KnowledgeBaseStorage {
	return &KnowledgeBaseStorage{db: db, logger: logger}
}

func (s *KnowledgeBaseStorage) SaveKnowledgeBase(ctx context.Context, kb *models.KnowledgeBase) error {
	if kb.ID == "" || kb.TenantID == "" {
		return fmt.Errorf("knowledge base ID and tenant ID are required")
	}
	now := time.Now()
	if kb.CreatedAt.IsZero() {
		kb.CreatedAt = now
	}
	if kb.UpdatedAt.IsZero() {
		kb.UpdatedAt = now
	}
	if err := s.db.Store().Upsert(tenantKey(kb.TenantID, kb.ID), kb); err != nil {
		return fmt.Errorf("failed to save knowledge base: %w", err)
	}
	return nil
}

func (s *KnowledgeBaseStorage) GetKnowledgeBase(ctx context.Context, tenantID, id string) (*models.KnowledgeBase, error) {
	var kb models.KnowledgeBase
	if err := s.db.Store().Get(tenantKey(tenantID, id), &kb); err != nil {
		if notFound(err) {
			return nil, interfaces.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get knowledge base: %w", err)
	}
	return &kb, nil
}

func (s *KnowledgeBaseStorage) ListKnowledgeBases(ctx context.Context, tenantID string) ([]*models.KnowledgeBase, error) {
	return s.find(badgerhold.Where("TenantID").Eq(tenantID))
}

func (s *KnowledgeBaseStorage) ListAllKnowledgeBases(ctx context.Context) ([]*models.KnowledgeBase, error) {
	return s.find(nil)
}

func (s *KnowledgeBaseStorage) find(query *badgerhold.Query) ([]*models.KnowledgeBase, error) {
	var kbs []models.KnowledgeBase
	if err := s.db.Store().Find(&kbs, query); err != nil {
		return nil, fmt.Errorf("failed to list knowledge bases: %w", err)
	}
	result := make([]*models.KnowledgeBase, len(kbs))
	for i := range kbs {
		result[i] = &kbs[i]
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}
