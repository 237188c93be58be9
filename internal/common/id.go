package common

import (
	"fmt"

	"github.com/google/uuid"
)

// chunkNamespace seeds deterministic chunk IDs
var chunkNamespace = uuid.MustParse("6f1c0c7e-2b9a-4e0e-9d7c-3c1a8f5b2e41")

// NewDocumentID generates a unique document ID. Format: doc_<uuid>
func NewDocumentID() string {
	return "doc_" + uuid.New().String()
}

// NewKnowledgeBaseID generates a unique knowledge base ID. Format: kb_<uuid>
func NewKnowledgeBaseID() string {
	return "kb_" + uuid.New().String()
}

// NewConversationID generates a unique conversation ID. Format: conv_<uuid>
func NewConversationID() string {
	return "conv_" + uuid.New().String()
}

// NewMessageID generates a unique message ID. Format: msg_<uuid>
func NewMessageID() string {
	return "msg_" + uuid.New().String()
}

// NewUsageRecordID generates a unique usage record ID. Format: use_<uuid>
func NewUsageRecordID() string {
	return "use_" + uuid.New().String()
}

// NewReservationID generates a unique quota reservation ID. Format: rsv_<uuid>
func NewReservationID() string {
	return "rsv_" + uuid.New().String()
}

// NewCorrelationID generates a request correlation ID
func NewCorrelationID() string {
	return uuid.New().String()
}

// ChunkID returns the stable ID of a document's chunk at index. The same
// (tenant, document, index) triple always maps to the same ID so re-indexing
// replaces records instead of appending them.
func ChunkID(tenantID, documentID string, index int) string {
	return "chk_" + uuid.NewSHA1(chunkNamespace, []byte(fmt.Sprintf("%s/%s:%d", tenantID, documentID, index))).String()
}
