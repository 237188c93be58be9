package handlers

import (
	"net/http"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/kbchat/internal/interfaces"
)

// ChatHandler handles chat-related HTTP requests
type ChatHandler struct {
	chatService interfaces.ChatService
	logger      arbor.ILogger
}

// NewChatHandler creates a new chat handler
func NewChatHandler(chatService interfaces.ChatService, logger arbor.ILogger) *ChatHandler {
	return &ChatHandler{
		chatService: chatService,
		logger:      logger,
	}
}

// ChatHandler handles POST /api/chat requests
func (h *ChatHandler) ChatHandler(w http.ResponseWriter, r *http.Request) {
	identity, err := IdentityFromRequest(r)
	if err != nil {
		WriteServiceError(w, h.logger, err)
		return
	}

	var req interfaces.ChatRequest
	if err := DecodeJSON(w, r, &req); err != nil {
		WriteServiceError(w, h.logger, err)
		return
	}

	h.logger.Debug().
		Str("tenant_id", identity.TenantID).
		Str("bot_id", req.BotID).
		Str("conversation_id", req.ConversationID).
		Int("message_length", len(req.Message)).
		Msg("Processing chat request")

	result, err := h.chatService.Chat(r.Context(), identity, &req)
	if err != nil {
		WriteServiceError(w, h.logger, err)
		return
	}

	SetQuotaHeaders(w, result.Metadata.Quota)
	WriteJSON(w, http.StatusOK, result)
}

// GetConversationHandler handles GET /api/chat?conversationId=...
func (h *ChatHandler) GetConversationHandler(w http.ResponseWriter, r *http.Request) {
	identity, err := IdentityFromRequest(r)
	if err != nil {
		WriteServiceError(w, h.logger, err)
		return
	}

	conversationID, err := requireQuery(r, "conversationId")
	if err != nil {
		WriteServiceError(w, h.logger, err)
		return
	}

	view, err := h.chatService.GetConversation(r.Context(), identity, conversationID)
	if err != nil {
		WriteServiceError(w, h.logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, view)
}

// CloseConversationHandler handles POST /api/conversations/{id}/close
func (h *ChatHandler) CloseConversationHandler(w http.ResponseWriter, r *http.Request) {
	identity, err := IdentityFromRequest(r)
	if err != nil {
		WriteServiceError(w, h.logger, err)
		return
	}

	conversationID, err := requirePathValue(r, "id")
	if err != nil {
		WriteServiceError(w, h.logger, err)
		return
	}

	if err := h.chatService.CloseConversation(r.Context(), identity, conversationID); err != nil {
		WriteServiceError(w, h.logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]string{
		"status":         "closed",
		"conversationId": conversationID,
	})
}
