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

// ChunkRecord is the persisted form of a chunk and its embedding
type ChunkRecord struct {
	Key             string
	TenantID        string
	KnowledgeBaseID string
	DocumentID      string
	ChunkIndex      int
	Item            models.IndexedChunk
}

func chunkKey(tenantID, kbID, docID string, index int) string {
	return fmt.Sprintf("%s/%s/%s/%08d", tenantID, kbID, docID, index)
}

// documentChunksQuery builds a fresh query per call since badgerhold queries carry execution state
func documentChunksQuery(tenantID, kbID, docID string) *badgerhold.Query {
	return badgerhold.Where("TenantID").Eq(tenantID).
		And("KnowledgeBaseID").Eq(kbID).
		And("DocumentID").Eq(docID)
}

// ChunkStorage implements the ChunkStorage interface for Badger. Replace
// operations run in a single Badger transaction.
type ChunkStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewChunkStorage creates a new ChunkStorage instance
func NewChunkStorage(db *BadgerDB, logger arbor.ILogger) interfaces.ChunkStorage {
	return &ChunkStorage{db: db, logger: logger}
}

func (s *ChunkStorage) ReplaceDocumentChunks(ctx context.Context, tenantID, kbID, docID string, items []models.IndexedChunk) error {
	query := documentChunksQuery(tenantID, kbID, docID)

	return s.db.Update(func(tx *badger.Txn) error {
		if err := s.db.Store().TxDeleteMatching(tx, &ChunkRecord{}, query); err != nil {
			return fmt.Errorf("failed to delete document chunks: %w", err)
		}
		return s.insert(tx, tenantID, kbID, items)
	})
}

func (s *ChunkStorage) ReplaceKnowledgeBaseChunks(ctx context.Context, tenantID, kbID string, items []models.IndexedChunk) error {
	query := badgerhold.Where("TenantID").Eq(tenantID).And("KnowledgeBaseID").Eq(kbID)

	return s.db.Update(func(tx *badger.Txn) error {
		if err := s.db.Store().TxDeleteMatching(tx, &ChunkRecord{}, query); err != nil {
			return fmt.Errorf("failed to delete knowledge base chunks: %w", err)
		}
		return s.insert(tx, tenantID, kbID, items)
	})
}

func (s *ChunkStorage) insert(tx *badger.Txn, tenantID, kbID string, items []models.IndexedChunk) error {
	for _, item := range items {
		record := &ChunkRecord{
			Key:             chunkKey(tenantID, kbID, item.Chunk.DocumentID, item.Chunk.ChunkIndex),
			TenantID:        tenantID,
			KnowledgeBaseID: kbID,
			DocumentID:      item.Chunk.DocumentID,
			ChunkIndex:      item.Chunk.ChunkIndex,
			Item:            item,
		}
		if err := s.db.Store().TxUpsert(tx, record.Key, record); err != nil {
			return fmt.Errorf("failed to save chunk %s: %w", item.Chunk.ID, err)
		}
	}
	return nil
}

func (s *ChunkStorage) ListKnowledgeBaseChunks(ctx context.Context, tenantID, kbID string) ([]models.IndexedChunk, error) {
	var records []ChunkRecord
	query := badgerhold.Where("TenantID").Eq(tenantID).And("KnowledgeBaseID").Eq(kbID)
	if err := s.db.Store().Find(&records, query); err != nil {
		return nil, fmt.Errorf("failed to list chunks: %w", err)
	}

	sort.Slice(records, func(i, j int) bool {
		if records[i].DocumentID != records[j].DocumentID {
			return records[i].DocumentID < records[j].DocumentID
		}
		return records[i].ChunkIndex < records[j].ChunkIndex
	})

	items := make([]models.IndexedChunk, len(records))
	for i := range records {
		items[i] = records[i].Item
	}
	return items, nil
}

func (s *ChunkStorage) DeleteDocumentChunks(ctx context.Context, tenantID, kbID, docID string) (int, error) {
	count, err := s.db.Store().Count(&ChunkRecord{}, documentChunksQuery(tenantID, kbID, docID))
	if err != nil {
		return 0, fmt.Errorf("failed to count document chunks: %w", err)
	}
	if count == 0 {
		return 0, nil
	}
	if err := s.db.Store().DeleteMatching(&ChunkRecord{}, documentChunksQuery(tenantID, kbID, docID)); err != nil {
		return 0, fmt.Errorf("failed to delete document chunks: %w", err)
	}
	return int(count), nil
}

func (s *ChunkStorage) CountChunks(ctx context.Context, tenantID, kbID string) (int, error) {
	query := badgerhold.Where("TenantID").Eq(tenantID).And("KnowledgeBaseID").Eq(kbID)
	count, err := s.db.Store().Count(&ChunkRecord{}, query)
	if err != nil {
		return 0, fmt.Errorf("failed to count chunks: %w", err)
	}
	return int(count), nil
}
