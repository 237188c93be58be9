package server

import (
	"net/http"
)

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()

	// API routes - Chat
	mux.HandleFunc("POST /api/chat", s.app.ChatHandler.ChatHandler)
	mux.HandleFunc("GET /api/chat", s.app.ChatHandler.GetConversationHandler)
	mux.HandleFunc("POST /api/conversations/{id}/close", s.app.ChatHandler.CloseConversationHandler)

	// API routes - Knowledge bases and ingestion
	mux.HandleFunc("POST /api/knowledge-bases", s.app.KnowledgeBaseHandler.CreateHandler)
	mux.HandleFunc("GET /api/knowledge-bases/{id}", s.app.KnowledgeBaseHandler.GetHandler)
	mux.HandleFunc("GET /api/knowledge-bases/{id}/documents", s.app.KnowledgeBaseHandler.ListDocumentsHandler)
	mux.HandleFunc("POST /api/knowledge-bases/{id}/documents", s.app.KnowledgeBaseHandler.IngestHandler)
	mux.HandleFunc("DELETE /api/knowledge-bases/{id}/documents/{docId}", s.app.KnowledgeBaseHandler.DeleteDocumentHandler)
	mux.HandleFunc("POST /api/knowledge-bases/{id}/reindex", s.app.KnowledgeBaseHandler.ReindexHandler)
	mux.HandleFunc("POST /api/knowledge-bases/{id}/search", s.app.KnowledgeBaseHandler.SearchHandler)

	// API routes - Quota
	mux.HandleFunc("GET /api/quota", s.app.QuotaHandler.StatusHandler)
	mux.HandleFunc("GET /api/quota/usage", s.app.QuotaHandler.UsageHandler)

	// API routes - System
	mux.HandleFunc("GET /api/health", s.app.StatusHandler.HealthHandler)
	mux.HandleFunc("GET /api/version", s.app.StatusHandler.VersionHandler)
	mux.HandleFunc("GET /api/maintenance/jobs", s.app.StatusHandler.JobsHandler)
	mux.HandleFunc("POST /api/maintenance/jobs/{name}/run", s.app.StatusHandler.RunJobHandler)

	return mux
}
