package storage

import (
	"context"
	"fmt"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/kbchat/internal/common"
	"github.com/ternarybob/kbchat/internal/interfaces"
	"github.com/ternarybob/kbchat/internal/storage/badger"
	"github.com/ternarybob/kbchat/internal/storage/postgres"
)

// manager closes the external chunk backend together with Badger
type manager struct {
	*badger.Manager
	chunks *postgres.ChunkStorage
}

func (m *manager) Close() error {
	chunkErr := m.chunks.Close()
	if err := m.Manager.Close(); err != nil {
		return err
	}
	return chunkErr
}

// NewStorageManager creates a new storage manager based on config. Entities
// always live in Badger; chunk and embedding pairs optionally live in pgvector.
func NewStorageManager(ctx context.Context, logger arbor.ILogger, config *common.Config) (interfaces.StorageManager, error) {
	base, err := badger.NewManager(logger, &config.Storage.Badger)
	if err != nil {
		return nil, err
	}

	switch config.Storage.ChunkBackend {
	case "", "badger":
		return base, nil
	case "pgvector":
		dimension := config.Storage.Postgres.Dimension
		if dimension == 0 {
			dimension = config.Embedding.Dimension
		}
		chunks, err := postgres.NewChunkStorage(ctx, config.Storage.Postgres.DSN, dimension, logger)
		if err != nil {
			base.Close()
			return nil, err
		}
		return &manager{Manager: base.WithChunkStorage(chunks), chunks: chunks}, nil
	default:
		base.Close()
		return nil, fmt.Errorf("unsupported chunk backend: %s", config.Storage.ChunkBackend)
	}
}
