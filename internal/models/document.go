package models

import "time"

// DocumentType tags the format of a document's raw content
type DocumentType string

const (
	DocumentTypeText       DocumentType = "text"
	DocumentTypeHTML       DocumentType = "html"
	DocumentTypeMarkdown   DocumentType = "markdown"
	DocumentTypeStructured DocumentType = "structured"
	DocumentTypeRichText   DocumentType = "rich_text"
)

// Valid reports whether t is a supported document type
func (t DocumentType) Valid() bool {
	switch t {
	case DocumentTypeText, DocumentTypeHTML, DocumentTypeMarkdown, DocumentTypeStructured, DocumentTypeRichText:
		return true
	}
	return false
}

// DocumentStatus is the lifecycle flag of a document
type DocumentStatus string

const (
	DocumentStatusActive  DocumentStatus = "ACTIVE"
	DocumentStatusDeleted DocumentStatus = "DELETED"
	DocumentStatusFailed  DocumentStatus = "FAILED"
)

// Document is raw content owned by one knowledge base
type Document struct {
	ID              string         `json:"id"` // doc_{uuid}
	TenantID        string         `json:"tenant_id"`
	KnowledgeBaseID string         `json:"knowledge_base_id"`
	Title           string         `json:"title"`
	Type            DocumentType   `json:"type"`
	Content         string         `json:"content"`
	Status          DocumentStatus `json:"status"`
	Version         int            `json:"version"`
	ChunkCount      int            `json:"chunk_count"`
	Reclaimed       bool           `json:"reclaimed,omitempty"` // chunks of a deleted document were physically removed

	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	DeletedAt *time.Time `json:"deleted_at,omitempty"`
}
