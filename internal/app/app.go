package app

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/kbchat/internal/common"
	"github.com/ternarybob/kbchat/internal/handlers"
	"github.com/ternarybob/kbchat/internal/interfaces"
	"github.com/ternarybob/kbchat/internal/services/catalog"
	"github.com/ternarybob/kbchat/internal/services/chat"
	"github.com/ternarybob/kbchat/internal/services/documents"
	"github.com/ternarybob/kbchat/internal/services/embeddings"
	"github.com/ternarybob/kbchat/internal/services/events"
	"github.com/ternarybob/kbchat/internal/services/llm"
	"github.com/ternarybob/kbchat/internal/services/quota"
	"github.com/ternarybob/kbchat/internal/services/retrieval"
	"github.com/ternarybob/kbchat/internal/services/scheduler"
	"github.com/ternarybob/kbchat/internal/storage"
)

// App holds all application components and dependencies
type App struct {
	Config         *common.Config
	Logger         arbor.ILogger
	StorageManager interfaces.StorageManager
	EventService   interfaces.EventService

	// Engine components
	Indexer         *embeddings.Indexer
	Retriever       *retrieval.Retriever
	QuotaGate       *quota.Gate
	DocumentService *documents.Service
	ChatService     *chat.Service
	Scheduler       *scheduler.Scheduler // nil when maintenance is disabled

	// HTTP handlers
	ChatHandler          *handlers.ChatHandler
	KnowledgeBaseHandler *handlers.KnowledgeBaseHandler
	QuotaHandler         *handlers.QuotaHandler
	StatusHandler        *handlers.StatusHandler
}

// New initializes the application with all dependencies. cfg must already
// be finalized.
func New(ctx context.Context, cfg *common.Config, logger arbor.ILogger) (*App, error) {
	app := &App{
		Config: cfg,
		Logger: logger,
	}

	if err := app.initDatabase(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	app.EventService = events.NewService(app.Logger)
	if err := events.SubscribeLoggerToAllEvents(app.EventService, app.Logger); err != nil {
		app.Close()
		return nil, fmt.Errorf("failed to subscribe event logger: %w", err)
	}

	if err := app.loadCatalog(ctx); err != nil {
		app.Close()
		return nil, fmt.Errorf("failed to load catalog: %w", err)
	}

	if err := app.initServices(ctx); err != nil {
		app.Close()
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	app.initHandlers()

	if app.Scheduler != nil {
		if err := app.Scheduler.Start(); err != nil {
			app.Close()
			return nil, fmt.Errorf("failed to start scheduler: %w", err)
		}
	}

	logger.Info().
		Str("generation_mode", string(cfg.LLM.Mode)).
		Str("generation_provider", string(cfg.LLM.DefaultProvider)).
		Str("embedding_model", app.Indexer.ModelID()).
		Str("chunk_backend", cfg.Storage.ChunkBackend).
		Bool("scheduler_enabled", app.Scheduler != nil).
		Msg("Application initialization complete")

	return app, nil
}

// initDatabase initializes the storage layer
func (a *App) initDatabase(ctx context.Context) error {
	storageManager, err := storage.NewStorageManager(ctx, a.Logger, a.Config)
	if err != nil {
		return fmt.Errorf("failed to create storage manager: %w", err)
	}

	a.StorageManager = storageManager
	a.Logger.Debug().
		Str("storage", "badger").
		Str("path", a.Config.Storage.Badger.Path).
		Str("chunk_backend", a.Config.Storage.ChunkBackend).
		Msg("Storage layer initialized")

	return nil
}

// loadCatalog seeds tenants, bots and knowledge bases. A missing catalog
// file is allowed; an invalid one stops startup.
func (a *App) loadCatalog(ctx context.Context) error {
	path := a.Config.Catalog.Path
	if path == "" {
		return nil
	}

	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		a.Logger.Warn().Str("path", path).Msg("Catalog file not found, starting without provisioned tenants")
		return nil
	}

	cat, err := catalog.LoadFile(path)
	if err != nil {
		return err
	}
	return catalog.Seed(ctx, cat, a.StorageManager, a.Config.Chunking, a.Logger)
}

// initServices initializes all engine services in dependency order
func (a *App) initServices(ctx context.Context) error {
	// 1. Embedding provider and indexer. Snapshots are rebuilt from storage.
	embedder, err := embeddings.NewProvider(ctx, a.Config, a.Logger)
	if err != nil {
		return fmt.Errorf("failed to create embedding provider: %w", err)
	}
	a.Indexer = embeddings.NewIndexer(
		embedder,
		a.StorageManager,
		embeddings.NewRegistry(),
		a.EventService,
		&a.Config.Embedding,
		a.Logger,
	)
	if err := a.Indexer.Warm(ctx); err != nil {
		return fmt.Errorf("failed to warm embedding index: %w", err)
	}

	// 2. Retriever reads the published snapshots
	a.Retriever = retrieval.NewRetriever(
		a.StorageManager.KnowledgeBaseStorage(),
		a.Indexer,
		a.Indexer.Registry(),
		a.Logger,
	)
	if searcher, ok := a.StorageManager.ChunkStorage().(interfaces.VectorSearcher); ok {
		a.Retriever.WithSearcher(searcher)
		a.Logger.Info().Msg("Retrieval ranks through chunk backend vector search")
	}

	// 3. Quota gate
	a.QuotaGate = quota.NewGate(
		a.StorageManager.UsageStorage(),
		a.StorageManager.TenantStorage(),
		a.EventService,
		&a.Config.Quota,
		a.Logger,
	)

	// 4. Document lifecycle
	a.DocumentService = documents.NewService(
		a.StorageManager,
		documents.NewNormalizer(a.Logger),
		a.Indexer,
		a.EventService,
		a.Config.Chunking,
		a.Logger,
	)

	// 5. Generation provider (live or mock, decided at config load) and chat
	provider, err := llm.NewGenerationProvider(ctx, a.Config, a.Logger)
	if err != nil {
		return fmt.Errorf("failed to create generation provider: %w", err)
	}
	a.ChatService = chat.NewService(
		a.StorageManager,
		a.QuotaGate,
		a.Retriever,
		provider,
		llm.NewTokenCounter(a.Config.Chat.BudgetUnit, a.Logger),
		a.EventService,
		a.Config,
		a.Logger,
	)

	// 6. Maintenance jobs
	if a.Config.Scheduler.Enabled {
		a.Scheduler = scheduler.NewScheduler(a.Logger)
		if err := scheduler.RegisterMaintenance(
			a.Scheduler,
			&a.Config.Scheduler,
			a.DocumentService,
			a.StorageManager.ConversationStorage(),
			a.Logger,
		); err != nil {
			return fmt.Errorf("failed to register maintenance jobs: %w", err)
		}
	}

	return nil
}

// initHandlers initializes all HTTP handlers
func (a *App) initHandlers() {
	a.ChatHandler = handlers.NewChatHandler(a.ChatService, a.Logger)
	a.KnowledgeBaseHandler = handlers.NewKnowledgeBaseHandler(
		a.DocumentService,
		a.Indexer,
		a.Retriever,
		a.Config.Retrieval.TopK,
		a.Logger,
	)
	a.QuotaHandler = handlers.NewQuotaHandler(a.QuotaGate, a.StorageManager.UsageStorage(), a.Logger)
	a.StatusHandler = handlers.NewStatusHandler(
		a.StorageManager.TenantStorage(),
		a.Scheduler,
		a.ChatService.Mode(),
		a.Indexer.ModelID(),
		a.Logger,
	)
}

// Close closes all application resources
func (a *App) Close() error {
	// Stop scheduler first so no job touches storage during shutdown
	if a.Scheduler != nil {
		ctx, cancel := context.WithTimeout(context.Background(), common.ParseDuration(a.Config.Server.ShutdownTimeout, 30*time.Second))
		if err := a.Scheduler.Stop(ctx); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to stop scheduler")
		}
		cancel()
	}

	// Close event service, waiting for in-flight handlers
	if a.EventService != nil {
		if err := a.EventService.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to close event service")
		}
	}

	// Close storage
	if a.StorageManager != nil {
		if err := a.StorageManager.Close(); err != nil {
			return fmt.Errorf("failed to close storage: %w", err)
		}
		a.Logger.Info().Msg("Storage closed")
	}

	return nil
}
