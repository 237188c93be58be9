package common

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestChunkIDIsStable(t *testing.T) {
	a := ChunkID("acme", "doc_1", 0)
	b := ChunkID("acme", "doc_1", 0)

	assert.Equal(t, a, b)
	assert.True(t, strings.HasPrefix(a, "chk_"))
	assert.NotEqual(t, a, ChunkID("acme", "doc_1", 1))
	assert.NotEqual(t, a, ChunkID("acme", "doc_2", 0))
	assert.NotEqual(t, a, ChunkID("globex", "doc_1", 0))
}

func TestNewIDsArePrefixed(t *testing.T) {
	assert.True(t, strings.HasPrefix(NewDocumentID(), "doc_"))
	assert.True(t, strings.HasPrefix(NewConversationID(), "conv_"))
	assert.True(t, strings.HasPrefix(NewMessageID(), "msg_"))
	assert.NotEqual(t, NewKnowledgeBaseID(), NewKnowledgeBaseID())
}
