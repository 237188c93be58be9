package badger

import (
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/kbchat/internal/common"
	"github.com/ternarybob/kbchat/internal/interfaces"
)

// Manager implements the StorageManager interface for Badger
type Manager struct {
	db            *BadgerDB
	tenant        interfaces.TenantStorage
	bot           interfaces.BotStorage
	knowledgeBase interfaces.KnowledgeBaseStorage
	document      interfaces.DocumentStorage
	chunk         interfaces.ChunkStorage
	conversation  interfaces.ConversationStorage
	usage         interfaces.UsageStorage
	logger        arbor.ILogger
}

// NewManager creates a new Badger storage manager
func NewManager(logger arbor.ILogger, config *common.BadgerConfig) (*Manager, error) {
	db, err := NewBadgerDB(logger, config)
	if err != nil {
		return nil, err
	}

	manager := NewManagerWithDB(db, logger)
	logger.Info().Msg("Badger storage manager initialized")
	return manager, nil
}

// NewManagerWithDB wraps an open database
func NewManagerWithDB(db *BadgerDB, logger arbor.ILogger) *Manager {
	return &Manager{
		db:            db,
		tenant:        NewTenantStorage(db, logger),
		bot:           NewBotStorage(db, logger),
		knowledgeBase: NewKnowledgeBaseStorage(db, logger),
		document:      NewDocumentStorage(db, logger),
		chunk:         NewChunkStorage(db, logger),
		conversation:  NewConversationStorage(db, logger),
		usage:         NewUsageStorage(db, logger),
		logger:        logger,
	}
}

// WithChunkStorage returns a manager that keeps chunk and embedding pairs in
// another backend while every other entity stays in Badger
func (m *Manager) WithChunkStorage(chunks interfaces.ChunkStorage) *Manager {
	clone := *m
	clone.chunk = chunks
	return &clone
}

// TenantStorage returns the Tenant storage interface
func (m *Manager) TenantStorage() interfaces.TenantStorage {
	return m.tenant
}

// BotStorage returns the Bot storage interface
func (m *Manager) BotStorage() interfaces.BotStorage {
	return m.bot
}

// KnowledgeBaseStorage returns the KnowledgeBase storage interface
func (m *Manager) KnowledgeBaseStorage() interfaces.KnowledgeBaseStorage {
	return m.knowledgeBase
}

// DocumentStorage returns the Document storage interface
func (m *Manager) DocumentStorage() interfaces.DocumentStorage {
	return m.document
}

// ChunkStorage returns the Chunk storage interface
func (m *Manager) ChunkStorage() interfaces.ChunkStorage {
	return m.chunk
}

// ConversationStorage returns the Conversation storage interface
func (m *Manager) ConversationStorage() interfaces.ConversationStorage {
	return m.conversation
}

// UsageStorage returns the Usage storage interface
func (m *Manager) UsageStorage() interfaces.UsageStorage {
	return m.usage
}

// DB returns the underlying database connection
func (m *Manager) DB() *BadgerDB {
	return m.db
}

// Close closes the database connection
func (m *Manager) Close() error {
	if m.db != nil {
		return m.db.Close()
	}
	return nil
}
