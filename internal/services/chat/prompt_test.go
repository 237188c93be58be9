package chat

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ternarybob/kbchat/internal/models"
	"github.com/ternarybob/kbchat/internal/services/llm"
)

func TestTrimHistoryDropsOldestFirst(t *testing.T) {
	history := []*models.Message{
		{Role: models.RoleUser, Content: strings.Repeat("a", 40)},
		{Role: models.RoleAssistant, Content: strings.Repeat("b", 40)},
		{Role: models.RoleSystem, Content: "ignored"},
		{Role: models.RoleUser, Content: strings.Repeat("c", 30)},
		{Role: models.RoleAssistant, Content: strings.Repeat("d", 30)},
	}

	kept := trimHistory(history, 90, llm.CharCounter{})
	if assert.Len(t, kept, 2) {
		assert.Equal(t, "user", kept[0].Role)
		assert.Equal(t, strings.Repeat("c", 30), kept[0].Content)
		assert.Equal(t, "assistant", kept[1].Role)
	}

	assert.Len(t, trimHistory(history, 140, llm.CharCounter{}), 4)
	assert.Empty(t, trimHistory(history, 10, llm.CharCounter{}))
}

func TestBuildSystemInstruction(t *testing.T) {
	chunks := []models.ScoredChunk{
		{Chunk: models.Chunk{DocumentID: "doc-1", Content: "The office opens at nine.", Metadata: map[string]string{models.ChunkMetaTitle: "Hours"}}},
		{Chunk: models.Chunk{DocumentID: "doc-2", Content: strings.Repeat("x", 50)}},
	}

	got := buildSystemInstruction("Be brief.", chunks, 20)
	assert.True(t, strings.HasPrefix(got, "Be brief.\n\nKnowledge base excerpts:"))
	assert.Contains(t, got, "[1] Hours (document doc-1)\nThe office opens at ...")
	assert.Contains(t, got, "[2] document doc-2\n"+strings.Repeat("x", 20)+"...")

	assert.Equal(t, "Be brief.", buildSystemInstruction(" Be brief. ", nil, 20))
}

func TestTruncateContentCountsRunes(t *testing.T) {
	assert.Equal(t, "héllo", truncateContent("héllo", 5))
	assert.Equal(t, "hé...", truncateContent("héllo", 2))
	assert.Equal(t, "abc", truncateContent("abc", 0))
}
