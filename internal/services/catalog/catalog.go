// Package catalog loads the provisioned tenants, bots and knowledge bases
// from YAML and seeds them into storage.
package catalog

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/ternarybob/arbor"
	"gopkg.in/yaml.v3"

	"github.com/ternarybob/kbchat/internal/common"
	"github.com/ternarybob/kbchat/internal/interfaces"
	"github.com/ternarybob/kbchat/internal/models"
	"github.com/ternarybob/kbchat/internal/services/chunker"
)

// KnowledgeBase is a catalog-declared knowledge base. Zero chunking values
// use the configured defaults.
type KnowledgeBase struct {
	ID           string `yaml:"id" validate:"required"`
	TenantID     string `yaml:"tenant_id" validate:"required"`
	BotID        string `yaml:"bot_id"`
	Name         string `yaml:"name" validate:"required"`
	ChunkSize    int    `yaml:"chunk_size" validate:"gte=0"`
	ChunkOverlap int    `yaml:"chunk_overlap" validate:"gte=0"`
}

// Catalog is the provisioned configuration of every tenant
type Catalog struct {
	Tenants        []models.Tenant `yaml:"tenants" validate:"dive"`
	Bots           []models.Bot    `yaml:"bots" validate:"dive"`
	KnowledgeBases []KnowledgeBase `yaml:"knowledge_bases" validate:"dive"`
}

var validate = validator.New()

// LoadFile reads and validates a catalog file
func LoadFile(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog %s: %w", path, err)
	}
	catalog, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("catalog %s: %w", path, err)
	}
	return catalog, nil
}

// Parse decodes a catalog, rejecting unknown keys, and validates it
func Parse(data []byte) (*Catalog, error) {
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)

	var catalog Catalog
	if err := decoder.Decode(&catalog); err != nil && !errors.Is(err, io.EOF) {
		return nil, models.WrapError(models.KindInvalidConfig, err, "invalid catalog")
	}
	if err := catalog.Validate(); err != nil {
		return nil, err
	}
	return &catalog, nil
}

// Validate checks field constraints and references between entries
func (c *Catalog) Validate() error {
	if err := validate.Struct(c); err != nil {
		return models.WrapError(models.KindInvalidConfig, err, "invalid catalog")
	}

	tenants := make(map[string]bool, len(c.Tenants))
	for _, tenant := range c.Tenants {
		if tenants[tenant.ID] {
			return models.NewError(models.KindInvalidConfig, "duplicate tenant %s", tenant.ID)
		}
		if tenant.QuotaPeriod != "" {
			if d, err := time.ParseDuration(tenant.QuotaPeriod); err != nil || d <= 0 {
				return models.NewError(models.KindInvalidConfig, "tenant %s: quota_period must be a positive duration, got %q", tenant.ID, tenant.QuotaPeriod)
			}
		}
		tenants[tenant.ID] = true
	}

	bots := make(map[string]bool, len(c.Bots))
	for _, bot := range c.Bots {
		if !tenants[bot.TenantID] {
			return models.NewError(models.KindInvalidConfig, "bot %s references unknown tenant %s", bot.ID, bot.TenantID)
		}
		key := bot.TenantID + "/" + bot.ID
		if bots[key] {
			return models.NewError(models.KindInvalidConfig, "duplicate bot %s for tenant %s", bot.ID, bot.TenantID)
		}
		bots[key] = true
	}

	kbs := make(map[string]bool, len(c.KnowledgeBases))
	for _, kb := range c.KnowledgeBases {
		if !tenants[kb.TenantID] {
			return models.NewError(models.KindInvalidConfig, "knowledge base %s references unknown tenant %s", kb.ID, kb.TenantID)
		}
		if kb.BotID != "" && !bots[kb.TenantID+"/"+kb.BotID] {
			return models.NewError(models.KindInvalidConfig, "knowledge base %s references unknown bot %s", kb.ID, kb.BotID)
		}
		if kbs[kb.ID] {
			return models.NewError(models.KindInvalidConfig, "duplicate knowledge base %s", kb.ID)
		}
		if kb.ChunkSize > 0 {
			if err := chunker.Validate(kb.ChunkSize, kb.ChunkOverlap); err != nil {
				return fmt.Errorf("knowledge base %s: %w", kb.ID, err)
			}
		}
		kbs[kb.ID] = true
	}

	return nil
}

// Seed writes the catalog into storage. Tenants and bots are upserted.
// Knowledge bases are created when missing; an existing knowledge base keeps
// its chunking and index state so seeding never invalidates embeddings.
func Seed(ctx context.Context, catalog *Catalog, storage interfaces.StorageManager, defaults common.ChunkingConfig, logger arbor.ILogger) error {
	now := time.Now()

	for i := range catalog.Tenants {
		tenant := catalog.Tenants[i]
		tenant.CreatedAt = now
		if existing, err := storage.TenantStorage().GetTenant(ctx, tenant.ID); err == nil {
			tenant.CreatedAt = existing.CreatedAt
		} else if !errors.Is(err, interfaces.ErrNotFound) {
			return fmt.Errorf("load tenant %s: %w", tenant.ID, err)
		}
		if err := storage.TenantStorage().SaveTenant(ctx, &tenant); err != nil {
			return fmt.Errorf("save tenant %s: %w", tenant.ID, err)
		}
	}

	// Links from catalog knowledge bases are merged into their bots before saving
	links := make(map[string][]string)
	for _, kb := range catalog.KnowledgeBases {
		if kb.BotID != "" {
			key := kb.TenantID + "/" + kb.BotID
			links[key] = append(links[key], kb.ID)
		}
	}

	for i := range catalog.Bots {
		bot := catalog.Bots[i]
		bot.KnowledgeBaseIDs = append([]string(nil), bot.KnowledgeBaseIDs...)
		merge := links[bot.TenantID+"/"+bot.ID]
		// Links added at runtime through the API survive a reseed
		if existing, err := storage.BotStorage().GetBot(ctx, bot.TenantID, bot.ID); err == nil {
			merge = append(merge, existing.KnowledgeBaseIDs...)
		} else if !errors.Is(err, interfaces.ErrNotFound) {
			return fmt.Errorf("load bot %s: %w", bot.ID, err)
		}
		for _, kbID := range merge {
			if !bot.HasKnowledgeBase(kbID) {
				bot.KnowledgeBaseIDs = append(bot.KnowledgeBaseIDs, kbID)
			}
		}
		if err := storage.BotStorage().SaveBot(ctx, &bot); err != nil {
			return fmt.Errorf("save bot %s: %w", bot.ID, err)
		}
	}

	created := 0
	for _, entry := range catalog.KnowledgeBases {
		existing, err := storage.KnowledgeBaseStorage().GetKnowledgeBase(ctx, entry.TenantID, entry.ID)
		if err == nil {
			if entry.ChunkSize > 0 && (existing.ChunkSize != entry.ChunkSize || existing.ChunkOverlap != entry.ChunkOverlap) {
				logger.Warn().
					Str("tenant_id", entry.TenantID).
					Str("knowledge_base_id", entry.ID).
					Int("stored_chunk_size", existing.ChunkSize).
					Int("catalog_chunk_size", entry.ChunkSize).
					Msg("Catalog chunking differs from stored knowledge base, keeping stored values")
			}
			continue
		}
		if !errors.Is(err, interfaces.ErrNotFound) {
			return fmt.Errorf("load knowledge base %s: %w", entry.ID, err)
		}

		size, overlap := entry.ChunkSize, entry.ChunkOverlap
		if size == 0 {
			size, overlap = defaults.ChunkSize, defaults.Overlap
		}
		kb := &models.KnowledgeBase{
			ID:           entry.ID,
			TenantID:     entry.TenantID,
			BotID:        entry.BotID,
			Name:         entry.Name,
			ChunkSize:    size,
			ChunkOverlap: overlap,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		if err := storage.KnowledgeBaseStorage().SaveKnowledgeBase(ctx, kb); err != nil {
			return fmt.Errorf("save knowledge base %s: %w", kb.ID, err)
		}
		created++
	}

	logger.Info().
		Int("tenants", len(catalog.Tenants)).
		Int("bots", len(catalog.Bots)).
		Int("knowledge_bases_created", created).
		Msg("Catalog seeded")

	return nil
}
