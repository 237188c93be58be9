package handlers

import (
	"net/http"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/kbchat/internal/interfaces"
	"github.com/ternarybob/kbchat/internal/models"
	"github.com/ternarybob/kbchat/internal/services/documents"
	"github.com/ternarybob/kbchat/internal/services/embeddings"
)

// SearchRequest is a retrieval query against one knowledge base
type SearchRequest struct {
	Query string `json:"query" validate:"required,max=4000"`
	K     int    `json:"k" validate:"gte=0,lte=50"`
}

// KnowledgeBaseHandler handles knowledge base and document ingestion requests
type KnowledgeBaseHandler struct {
	documentService *documents.Service
	indexer         *embeddings.Indexer
	retriever       interfaces.Retriever
	defaultK        int
	logger          arbor.ILogger
}

// NewKnowledgeBaseHandler creates a new knowledge base handler
func NewKnowledgeBaseHandler(
	documentService *documents.Service,
	indexer *embeddings.Indexer,
	retriever interfaces.Retriever,
	defaultK int,
	logger arbor.ILogger,
) *KnowledgeBaseHandler {
	return &KnowledgeBaseHandler{
		documentService: documentService,
		indexer:         indexer,
		retriever:       retriever,
		defaultK:        defaultK,
		logger:          logger,
	}
}

// CreateHandler handles POST /api/knowledge-bases
func (h *KnowledgeBaseHandler) CreateHandler(w http.ResponseWriter, r *http.Request) {
	identity, err := IdentityFromRequest(r)
	if err != nil {
		WriteServiceError(w, h.logger, err)
		return
	}

	var req documents.CreateKnowledgeBaseRequest
	if err := DecodeJSON(w, r, &req); err != nil {
		WriteServiceError(w, h.logger, err)
		return
	}

	kb, err := h.documentService.CreateKnowledgeBase(r.Context(), identity.TenantID, &req)
	if err != nil {
		WriteServiceError(w, h.logger, err)
		return
	}
	WriteJSON(w, http.StatusCreated, kb)
}

// GetHandler handles GET /api/knowledge-bases/{id}
func (h *KnowledgeBaseHandler) GetHandler(w http.ResponseWriter, r *http.Request) {
	identity, kbID, ok := h.scope(w, r)
	if !ok {
		return
	}

	kb, err := h.documentService.GetKnowledgeBase(r.Context(), identity.TenantID, kbID)
	if err != nil {
		WriteServiceError(w, h.logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, kb)
}

// IngestHandler handles POST /api/knowledge-bases/{id}/documents
func (h *KnowledgeBaseHandler) IngestHandler(w http.ResponseWriter, r *http.Request) {
	identity, kbID, ok := h.scope(w, r)
	if !ok {
		return
	}

	var req documents.IngestRequest
	if err := DecodeJSON(w, r, &req); err != nil {
		WriteServiceError(w, h.logger, err)
		return
	}

	doc, err := h.documentService.Ingest(r.Context(), identity.TenantID, kbID, &req)
	if err != nil {
		WriteServiceError(w, h.logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, documentView(doc))
}

// ListDocumentsHandler handles GET /api/knowledge-bases/{id}/documents
func (h *KnowledgeBaseHandler) ListDocumentsHandler(w http.ResponseWriter, r *http.Request) {
	identity, kbID, ok := h.scope(w, r)
	if !ok {
		return
	}

	docs, err := h.documentService.ListDocuments(r.Context(), identity.TenantID, kbID)
	if err != nil {
		WriteServiceError(w, h.logger, err)
		return
	}

	views := make([]map[string]interface{}, 0, len(docs))
	for _, doc := range docs {
		views = append(views, documentView(doc))
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"documents": views,
		"count":     len(views),
	})
}

// DeleteDocumentHandler handles DELETE /api/knowledge-bases/{id}/documents/{docId}
func (h *KnowledgeBaseHandler) DeleteDocumentHandler(w http.ResponseWriter, r *http.Request) {
	identity, kbID, ok := h.scope(w, r)
	if !ok {
		return
	}
	docID, err := requirePathValue(r, "docId")
	if err != nil {
		WriteServiceError(w, h.logger, err)
		return
	}

	// The document must live in the addressed knowledge base
	doc, err := h.documentService.GetDocument(r.Context(), identity.TenantID, docID)
	if err == nil && doc.KnowledgeBaseID != kbID {
		err = models.NewError(models.KindDocumentNotFound, "document %s not found", docID)
	}
	if err == nil {
		err = h.documentService.Delete(r.Context(), identity.TenantID, docID)
	}
	if err != nil {
		WriteServiceError(w, h.logger, err)
		return
	}

	WriteJSON(w, http.StatusOK, map[string]string{
		"status":     "deleted",
		"documentId": docID,
	})
}

// ReindexHandler handles POST /api/knowledge-bases/{id}/reindex
func (h *KnowledgeBaseHandler) ReindexHandler(w http.ResponseWriter, r *http.Request) {
	identity, kbID, ok := h.scope(w, r)
	if !ok {
		return
	}

	h.logger.Info().
		Str("tenant_id", identity.TenantID).
		Str("knowledge_base_id", kbID).
		Msg("Reindex requested")

	count, err := h.indexer.Reindex(r.Context(), identity.TenantID, kbID)
	if err != nil {
		WriteServiceError(w, h.logger, err)
		return
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"status":          "reindexed",
		"knowledgeBaseId": kbID,
		"chunks":          count,
		"model":           h.indexer.ModelID(),
	})
}

// SearchHandler handles POST /api/knowledge-bases/{id}/search
func (h *KnowledgeBaseHandler) SearchHandler(w http.ResponseWriter, r *http.Request) {
	identity, kbID, ok := h.scope(w, r)
	if !ok {
		return
	}

	var req SearchRequest
	if err := DecodeJSON(w, r, &req); err != nil {
		WriteServiceError(w, h.logger, err)
		return
	}
	k := req.K
	if k == 0 {
		k = h.defaultK
	}

	results, err := h.retriever.Retrieve(r.Context(), identity.TenantID, kbID, req.Query, k)
	if err != nil {
		WriteServiceError(w, h.logger, err)
		return
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"results": results,
		"count":   len(results),
	})
}

// scope resolves the caller identity and the knowledge base path parameter
func (h *KnowledgeBaseHandler) scope(w http.ResponseWriter, r *http.Request) (models.Identity, string, bool) {
	identity, err := IdentityFromRequest(r)
	if err != nil {
		WriteServiceError(w, h.logger, err)
		return identity, "", false
	}
	kbID, err := requirePathValue(r, "id")
	if err != nil {
		WriteServiceError(w, h.logger, err)
		return identity, "", false
	}
	return identity, kbID, true
}

// documentView omits the raw content from document responses
func documentView(doc *models.Document) map[string]interface{} {
	return map[string]interface{}{
		"id":              doc.ID,
		"knowledgeBaseId": doc.KnowledgeBaseID,
		"title":           doc.Title,
		"type":            doc.Type,
		"status":          doc.Status,
		"version":         doc.Version,
		"chunkCount":      doc.ChunkCount,
		"createdAt":       doc.CreatedAt,
		"updatedAt":       doc.UpdatedAt,
	}
}
