package badger

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/kbchat/internal/common"
	"github.com/ternarybob/kbchat/internal/interfaces"
	"github.com/ternarybob/kbchat/internal/models"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	manager, err := NewManager(arbor.NewLogger(), &common.BadgerConfig{Path: t.TempDir() + "/db"})
	require.NoError(t, err)
	t.Cleanup(func() { manager.Close() })
	return manager
}

func indexedChunk(tenantID, kbID, docID string, index int, content string) models.IndexedChunk {
	id := common.ChunkID(tenantID, docID, index)
	return models.IndexedChunk{
		Chunk: models.Chunk{
			ID: id, DocumentID: docID, KnowledgeBaseID: kbID, TenantID: tenantID,
			Content: content, StartIndex: index * 10, EndIndex: index*10 + len(content),
			ChunkIndex: index,
		},
		Embedding: models.Embedding{ChunkID: id, ModelID: "m", Dimension: 2, Vector: []float32{1, float32(index)}},
	}
}

func TestTenantScopedLookups(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)

	require.NoError(t, m.KnowledgeBaseStorage().SaveKnowledgeBase(ctx, &models.KnowledgeBase{ID: "kb-1", TenantID: "acme"}))
	require.NoError(t, m.BotStorage().SaveBot(ctx, &models.Bot{ID: "support", TenantID: "acme"}))
	require.NoError(t, m.BotStorage().SaveBot(ctx, &models.Bot{ID: "support", TenantID: "globex", Name: "other"}))

	_, err := m.KnowledgeBaseStorage().GetKnowledgeBase(ctx, "globex", "kb-1")
	assert.ErrorIs(t, err, interfaces.ErrNotFound)

	kb, err := m.KnowledgeBaseStorage().GetKnowledgeBase(ctx, "acme", "kb-1")
	require.NoError(t, err)
	assert.Equal(t, "acme", kb.TenantID)

	bot, err := m.BotStorage().GetBot(ctx, "globex", "support")
	require.NoError(t, err)
	assert.Equal(t, "other", bot.Name)

	bots, err := m.BotStorage().ListBots(ctx, "acme")
	require.NoError(t, err)
	assert.Len(t, bots, 1)
}

func TestEqualIDsInTwoTenantsAreSeparateRecords(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)

	require.NoError(t, m.KnowledgeBaseStorage().SaveKnowledgeBase(ctx, &models.KnowledgeBase{ID: "shared", TenantID: "acme", Name: "Acme"}))
	require.NoError(t, m.KnowledgeBaseStorage().SaveKnowledgeBase(ctx, &models.KnowledgeBase{ID: "shared", TenantID: "globex", Name: "Globex"}))
	require.NoError(t, m.DocumentStorage().SaveDocument(ctx, &models.Document{ID: "doc1", TenantID: "acme", KnowledgeBaseID: "shared", Title: "acme"}))
	require.NoError(t, m.DocumentStorage().SaveDocument(ctx, &models.Document{ID: "doc1", TenantID: "globex", KnowledgeBaseID: "shared", Title: "globex"}))

	kb, err := m.KnowledgeBaseStorage().GetKnowledgeBase(ctx, "acme", "shared")
	require.NoError(t, err)
	assert.Equal(t, "Acme", kb.Name)
	kb, err = m.KnowledgeBaseStorage().GetKnowledgeBase(ctx, "globex", "shared")
	require.NoError(t, err)
	assert.Equal(t, "Globex", kb.Name)

	doc, err := m.DocumentStorage().GetDocument(ctx, "acme", "doc1")
	require.NoError(t, err)
	assert.Equal(t, "acme", doc.Title)
	doc, err = m.DocumentStorage().GetDocument(ctx, "globex", "doc1")
	require.NoError(t, err)
	assert.Equal(t, "globex", doc.Title)

	docs, err := m.DocumentStorage().ListDocuments(ctx, "acme", "shared", "")
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "acme", docs[0].TenantID)

	assert.Error(t, m.DocumentStorage().SaveDocument(ctx, &models.Document{ID: "doc2"}))
}

func TestChunkReplaceIsScopedToDocument(t *testing.T) {
	ctx := context.Background()
	chunks := newTestManager(t).ChunkStorage()

	require.NoError(t, chunks.ReplaceDocumentChunks(ctx, "acme", "kb", "doc-a", []models.IndexedChunk{
		indexedChunk("acme", "kb", "doc-a", 0, "a0"),
		indexedChunk("acme", "kb", "doc-a", 1, "a1"),
	}))
	require.NoError(t, chunks.ReplaceDocumentChunks(ctx, "acme", "kb", "doc-b", []models.IndexedChunk{
		indexedChunk("acme", "kb", "doc-b", 0, "b0"),
	}))

	// Re-index doc-a with fewer chunks
	require.NoError(t, chunks.ReplaceDocumentChunks(ctx, "acme", "kb", "doc-a", []models.IndexedChunk{
		indexedChunk("acme", "kb", "doc-a", 0, "a0-new"),
	}))

	items, err := chunks.ListKnowledgeBaseChunks(ctx, "acme", "kb")
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "a0-new", items[0].Chunk.Content)
	assert.Equal(t, "b0", items[1].Chunk.Content)
	assert.Equal(t, []float32{1, 0}, items[0].Embedding.Vector)

	other, err := chunks.ListKnowledgeBaseChunks(ctx, "globex", "kb")
	require.NoError(t, err)
	assert.Empty(t, other)

	removed, err := chunks.DeleteDocumentChunks(ctx, "acme", "kb", "doc-b")
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	count, err := chunks.CountChunks(ctx, "acme", "kb")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestReplaceKnowledgeBaseChunks(t *testing.T) {
	ctx := context.Background()
	chunks := newTestManager(t).ChunkStorage()

	require.NoError(t, chunks.ReplaceDocumentChunks(ctx, "acme", "kb", "doc-a", []models.IndexedChunk{
		indexedChunk("acme", "kb", "doc-a", 0, "a0"),
	}))
	require.NoError(t, chunks.ReplaceKnowledgeBaseChunks(ctx, "acme", "kb", []models.IndexedChunk{
		indexedChunk("acme", "kb", "doc-c", 0, "c0"),
		indexedChunk("acme", "kb", "doc-c", 1, "c1"),
	}))

	items, err := chunks.ListKnowledgeBaseChunks(ctx, "acme", "kb")
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "doc-c", items[0].Chunk.DocumentID)
	assert.Equal(t, 1, items[1].Chunk.ChunkIndex)
}

func TestAppendMessagesVersionCheck(t *testing.T) {
	ctx := context.Background()
	convs := newTestManager(t).ConversationStorage()

	now := time.Now()
	conv := &models.Conversation{ID: "conv-1", TenantID: "acme", BotID: "bot", Status: models.ConversationActive, StartedAt: now}
	require.NoError(t, convs.CreateConversation(ctx, conv))
	assert.Equal(t, int64(1), conv.Version)

	user := &models.Message{ID: "m1", ConversationID: "conv-1", TenantID: "acme", Role: models.RoleUser, CreatedAt: now, Sequence: 1}
	assistant := &models.Message{ID: "m2", ConversationID: "conv-1", TenantID: "acme", Role: models.RoleAssistant, CreatedAt: now.Add(time.Nanosecond), Sequence: 2}

	conv.MessageCount = 2
	require.NoError(t, convs.AppendMessages(ctx, conv, 1, user, assistant))
	assert.Equal(t, int64(2), conv.Version)

	stale := &models.Message{ID: "m3", ConversationID: "conv-1", TenantID: "acme", Role: models.RoleUser, CreatedAt: now, Sequence: 3}
	err := convs.AppendMessages(ctx, conv, 1, stale)
	assert.ErrorIs(t, err, interfaces.ErrVersionConflict)

	messages, err := convs.ListMessages(ctx, "acme", "conv-1")
	require.NoError(t, err)
	require.Len(t, messages, 2)
	assert.Equal(t, "m1", messages[0].ID)
	assert.Equal(t, "m2", messages[1].ID)

	_, err = convs.GetConversation(ctx, "globex", "conv-1")
	assert.ErrorIs(t, err, interfaces.ErrNotFound)
}

func TestConcurrentAppendsNeverLoseMessages(t *testing.T) {
	ctx := context.Background()
	convs := newTestManager(t).ConversationStorage()
	require.NoError(t, convs.CreateConversation(ctx, &models.Conversation{ID: "conv-1", TenantID: "acme", Status: models.ConversationActive}))

	const writers = 8
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for {
				conv, err := convs.GetConversation(ctx, "acme", "conv-1")
				if !assert.NoError(t, err) {
					return
				}
				msg := &models.Message{
					ID:             common.NewMessageID(),
					ConversationID: "conv-1",
					TenantID:       "acme",
					CreatedAt:      time.Now(),
					Sequence:       int64(w),
				}
				conv.MessageCount++
				err = convs.AppendMessages(ctx, conv, conv.Version, msg)
				if err == interfaces.ErrVersionConflict {
					continue
				}
				assert.NoError(t, err)
				return
			}
		}(w)
	}
	wg.Wait()

	conv, err := convs.GetConversation(ctx, "acme", "conv-1")
	require.NoError(t, err)
	assert.Equal(t, int64(writers), conv.MessageCount)

	messages, err := convs.ListMessages(ctx, "acme", "conv-1")
	require.NoError(t, err)
	assert.Len(t, messages, writers)
}

func TestSaveWindowCompareAndSwap(t *testing.T) {
	ctx := context.Background()
	usage := newTestManager(t).UsageStorage()

	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	window := &models.UsageWindow{TenantID: "acme", PeriodStart: start, PeriodEnd: start.Add(time.Hour), Limit: 10}
	require.NoError(t, usage.SaveWindow(ctx, window, 0, nil))
	assert.Equal(t, int64(1), window.Version)

	// A second creator loses
	dup := &models.UsageWindow{TenantID: "acme", PeriodStart: start, PeriodEnd: start.Add(time.Hour), Limit: 10}
	assert.ErrorIs(t, usage.SaveWindow(ctx, dup, 0, nil), interfaces.ErrVersionConflict)

	window.Count = 3
	require.NoError(t, usage.SaveWindow(ctx, window, 1, nil))

	rolled := &models.UsageWindow{TenantID: "acme", PeriodStart: start.Add(time.Hour), PeriodEnd: start.Add(2 * time.Hour), Limit: 10}
	require.NoError(t, usage.SaveWindow(ctx, rolled, 2, window))

	current, err := usage.GetWindow(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, 0, current.Count)
	assert.Equal(t, int64(3), current.Version)

	history, err := usage.ListWindowHistory(ctx, "acme")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, 3, history[0].Count)
}

func TestDeletedUnreclaimedDocuments(t *testing.T) {
	ctx := context.Background()
	docs := newTestManager(t).DocumentStorage()

	require.NoError(t, docs.SaveDocument(ctx, &models.Document{ID: "d1", TenantID: "acme", KnowledgeBaseID: "kb", Status: models.DocumentStatusActive}))
	require.NoError(t, docs.SaveDocument(ctx, &models.Document{ID: "d2", TenantID: "acme", KnowledgeBaseID: "kb", Status: models.DocumentStatusDeleted}))
	require.NoError(t, docs.SaveDocument(ctx, &models.Document{ID: "d3", TenantID: "acme", KnowledgeBaseID: "kb", Status: models.DocumentStatusDeleted, Reclaimed: true}))

	deleted, err := docs.ListDeletedUnreclaimed(ctx, 10)
	require.NoError(t, err)
	require.Len(t, deleted, 1)
	assert.Equal(t, "d2", deleted[0].ID)

	active, err := docs.ListDocuments(ctx, "acme", "kb", models.DocumentStatusActive)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "d1", active[0].ID)
}
