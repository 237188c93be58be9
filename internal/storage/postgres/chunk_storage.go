package postgres

import (
	"context"
	"fmt"
	"math"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/kbchat/internal/interfaces"
	"github.com/ternarybob/kbchat/internal/models"
)

var (
	_ interfaces.ChunkStorage   = (*ChunkStorage)(nil)
	_ interfaces.VectorSearcher = (*ChunkStorage)(nil)
)

// ChunkStorage keeps chunk and embedding pairs in Postgres using the pgvector
// extension. Replace operations run in one SQL transaction.
type ChunkStorage struct {
	pool      *pgxpool.Pool
	dimension int
	logger    arbor.ILogger
}

// NewChunkStorage connects to dsn and ensures the schema exists
func NewChunkStorage(ctx context.Context, dsn string, dimension int, logger arbor.ILogger) (*ChunkStorage, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to reach postgres: %w", err)
	}

	s := &ChunkStorage{pool: pool, dimension: dimension, logger: logger}
	if err := s.init(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	logger.Info().Int("dimension", dimension).Msg("pgvector chunk storage initialized")
	return s, nil
}

func (s *ChunkStorage) init(ctx context.Context) error {
	query := fmt.Sprintf(`
	CREATE EXTENSION IF NOT EXISTS vector;

	CREATE TABLE IF NOT EXISTS kbchat_chunks (
		tenant_id TEXT NOT NULL,
		knowledge_base_id TEXT NOT NULL,
		document_id TEXT NOT NULL,
		chunk_index INT NOT NULL,
		id TEXT NOT NULL,
		content TEXT NOT NULL,
		start_index INT NOT NULL,
		end_index INT NOT NULL,
		total_chunks INT NOT NULL,
		metadata JSONB,
		model_id TEXT NOT NULL,
		embedding vector(%d) NOT NULL,
		PRIMARY KEY (tenant_id, knowledge_base_id, document_id, chunk_index)
	);

	CREATE INDEX IF NOT EXISTS idx_kbchat_chunks_kb ON kbchat_chunks(tenant_id, knowledge_base_id);
	`, s.dimension)

	if _, err := s.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("failed to create chunk schema: %w", err)
	}
	return nil
}

func (s *ChunkStorage) ReplaceDocumentChunks(ctx context.Context, tenantID, kbID, docID string, items []models.IndexedChunk) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx,
			`DELETE FROM kbchat_chunks WHERE tenant_id = $1 AND knowledge_base_id = $2 AND document_id = $3`,
			tenantID, kbID, docID)
		if err != nil {
			return fmt.Errorf("failed to delete document chunks: %w", err)
		}
		return s.insert(ctx, tx, tenantID, kbID, items)
	})
}

func (s *ChunkStorage) ReplaceKnowledgeBaseChunks(ctx context.Context, tenantID, kbID string, items []models.IndexedChunk) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx,
			`DELETE FROM kbchat_chunks WHERE tenant_id = $1 AND knowledge_base_id = $2`,
			tenantID, kbID)
		if err != nil {
			return fmt.Errorf("failed to delete knowledge base chunks: %w", err)
		}
		return s.insert(ctx, tx, tenantID, kbID, items)
	})
}

func (s *ChunkStorage) insert(ctx context.Context, tx pgx.Tx, tenantID, kbID string, items []models.IndexedChunk) error {
	if len(items) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, item := range items {
		c := item.Chunk
		batch.Queue(`
			INSERT INTO kbchat_chunks (tenant_id, knowledge_base_id, document_id, chunk_index, id, content,
				start_index, end_index, total_chunks, metadata, model_id, embedding)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
			tenantID, kbID, c.DocumentID, c.ChunkIndex, c.ID, c.Content,
			c.StartIndex, c.EndIndex, c.TotalChunks, c.Metadata, item.Embedding.ModelID,
			pgvector.NewVector(item.Embedding.Vector))
	}

	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("failed to insert chunks: %w", err)
	}
	return nil
}

func (s *ChunkStorage) ListKnowledgeBaseChunks(ctx context.Context, tenantID, kbID string) ([]models.IndexedChunk, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT document_id, chunk_index, id, content, start_index, end_index, total_chunks,
			metadata, model_id, embedding
		FROM kbchat_chunks
		WHERE tenant_id = $1 AND knowledge_base_id = $2
		ORDER BY document_id, chunk_index`, tenantID, kbID)
	if err != nil {
		return nil, fmt.Errorf("failed to list chunks: %w", err)
	}
	defer rows.Close()

	var items []models.IndexedChunk
	for rows.Next() {
		var item models.IndexedChunk
		var embedding pgvector.Vector
		c := &item.Chunk
		if err := rows.Scan(&c.DocumentID, &c.ChunkIndex, &c.ID, &c.Content, &c.StartIndex, &c.EndIndex,
			&c.TotalChunks, &c.Metadata, &item.Embedding.ModelID, &embedding); err != nil {
			return nil, fmt.Errorf("failed to scan chunk: %w", err)
		}
		c.TenantID = tenantID
		c.KnowledgeBaseID = kbID
		item.Embedding.ChunkID = c.ID
		item.Embedding.Vector = embedding.Slice()
		item.Embedding.Dimension = len(item.Embedding.Vector)
		items = append(items, item)
	}
	return items, rows.Err()
}

// SearchChunks returns the limit chunks of a knowledge base closest to query
// by cosine distance
func (s *ChunkStorage) SearchChunks(ctx context.Context, tenantID, kbID string, query []float32, limit int) ([]models.ScoredChunk, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT document_id, chunk_index, id, content, start_index, end_index, total_chunks,
			metadata, 1 - (embedding <=> $3) AS similarity
		FROM kbchat_chunks
		WHERE tenant_id = $1 AND knowledge_base_id = $2
		ORDER BY embedding <=> $3, chunk_index, document_id
		LIMIT $4`, tenantID, kbID, pgvector.NewVector(query), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to search chunks: %w", err)
	}
	defer rows.Close()

	var results []models.ScoredChunk
	for rows.Next() {
		var result models.ScoredChunk
		c := &result.Chunk
		if err := rows.Scan(&c.DocumentID, &c.ChunkIndex, &c.ID, &c.Content, &c.StartIndex, &c.EndIndex,
			&c.TotalChunks, &c.Metadata, &result.Score); err != nil {
			return nil, fmt.Errorf("failed to scan chunk: %w", err)
		}
		// Cosine distance to a zero vector is NaN
		if math.IsNaN(result.Score) {
			result.Score = 0
		}
		c.TenantID = tenantID
		c.KnowledgeBaseID = kbID
		results = append(results, result)
	}
	return results, rows.Err()
}

func (s *ChunkStorage) DeleteDocumentChunks(ctx context.Context, tenantID, kbID, docID string) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM kbchat_chunks WHERE tenant_id = $1 AND knowledge_base_id = $2 AND document_id = $3`,
		tenantID, kbID, docID)
	if err != nil {
		return 0, fmt.Errorf("failed to delete document chunks: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *ChunkStorage) CountChunks(ctx context.Context, tenantID, kbID string) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx,
		`SELECT count(*) FROM kbchat_chunks WHERE tenant_id = $1 AND knowledge_base_id = $2`,
		tenantID, kbID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count chunks: %w", err)
	}
	return count, nil
}

// Close closes the connection pool
func (s *ChunkStorage) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}
