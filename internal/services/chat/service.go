package chat

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/kbchat/internal/common"
	"github.com/ternarybob/kbchat/internal/interfaces"
	"github.com/ternarybob/kbchat/internal/models"
	"github.com/ternarybob/kbchat/internal/services/llm"
)

// maxAppendAttempts bounds the versioned append retry loop
const maxAppendAttempts = 5

// Service runs chat turns: resolve tenant, check quota, resolve conversation,
// retrieve context, generate, persist, respond.
type Service struct {
	storage   interfaces.StorageManager
	gate      interfaces.QuotaGate
	retriever interfaces.Retriever
	provider  interfaces.GenerationProvider
	counter   llm.TokenCounter
	events    interfaces.EventService
	logger    arbor.ILogger

	retry           *llm.RetryConfig
	providerTimeout time.Duration
	historyBudget   int
	topK            int
	snippetChars    int
	systemPrompt    string
	temperature     float32
	maxTokens       int

	convLocks sync.Map // conversation ID -> *sync.Mutex
	now       func() time.Time
}

var _ interfaces.ChatService = (*Service)(nil)

// NewService creates a chat service. events may be nil.
func NewService(
	storage interfaces.StorageManager,
	gate interfaces.QuotaGate,
	retriever interfaces.Retriever,
	provider interfaces.GenerationProvider,
	counter llm.TokenCounter,
	events interfaces.EventService,
	config *common.Config,
	logger arbor.ILogger,
) *Service {
	systemPrompt := config.Chat.SystemPrompt
	if strings.TrimSpace(systemPrompt) == "" {
		systemPrompt = defaultSystemPrompt
	}

	return &Service{
		storage:   storage,
		gate:      gate,
		retriever: retriever,
		provider:  provider,
		counter:   counter,
		events:    events,
		logger:    logger,
		retry: llm.NewRetryConfig(
			config.Chat.MaxRetries,
			common.ParseDuration(config.Chat.InitialBackoff, llm.DefaultInitialBackoff),
			common.ParseDuration(config.Chat.MaxBackoff, llm.DefaultMaxBackoff),
		),
		providerTimeout: common.ParseDuration(config.Chat.ProviderTimeout, 60*time.Second),
		historyBudget:   config.Chat.HistoryBudget,
		topK:            config.Retrieval.TopK,
		snippetChars:    config.Retrieval.SnippetChars,
		systemPrompt:    systemPrompt,
		temperature:     config.LLM.Temperature,
		maxTokens:       config.LLM.MaxTokens,
		now:             time.Now,
	}
}

// Mode returns whether turns are answered by a live provider or the mock
func (s *Service) Mode() interfaces.LLMMode {
	return s.provider.Mode()
}

// turn carries the state of one chat request through the pipeline
type turn struct {
	identity     models.Identity
	req          *interfaces.ChatRequest
	bot          *models.Bot
	reservation  *interfaces.Reservation
	conversation *models.Conversation
	chunks       []models.ScoredChunk
	history      []interfaces.Message
	response     *interfaces.GenerationResponse
	attempts     int
	startedAt    time.Time
	logger       arbor.ILogger
}

// Chat answers one user message. Failures before GENERATE release the quota
// reservation; a provider call that was dispatched always records usage.
func (s *Service) Chat(ctx context.Context, identity models.Identity, req *interfaces.ChatRequest) (*interfaces.ChatResult, error) {
	t := &turn{
		identity:  identity,
		req:       req,
		startedAt: s.now(),
		logger:    s.logger.WithCorrelationId(common.NewCorrelationID()),
	}

	result, err := s.run(ctx, t)
	if err != nil {
		s.logFailure(t, err)
		return nil, err
	}
	return result, nil
}

func (s *Service) run(ctx context.Context, t *turn) (*interfaces.ChatResult, error) {
	if strings.TrimSpace(t.req.Message) == "" {
		return nil, models.NewError(models.KindInvalidArgument, "message is required")
	}
	if t.req.BotID == "" {
		return nil, models.NewError(models.KindInvalidArgument, "botId is required")
	}

	// RESOLVE_TENANT
	if err := s.resolveTenant(ctx, t); err != nil {
		return nil, err
	}

	// CHECK_QUOTA
	reservation, err := s.gate.CheckAndReserve(ctx, t.identity.TenantID)
	if err != nil {
		return nil, err
	}
	t.reservation = reservation

	released := false
	release := func() {
		if released {
			return
		}
		released = true
		if err := s.gate.Release(context.WithoutCancel(ctx), t.reservation); err != nil {
			t.logger.Warn().
				Err(err).
				Str("tenant_id", t.identity.TenantID).
				Str("reservation_id", t.reservation.ID).
				Msg("Failed to release quota reservation")
		}
	}

	// RESOLVE_CONVERSATION
	if err := s.resolveConversation(ctx, t); err != nil {
		release()
		return nil, err
	}

	// RETRIEVE_CONTEXT
	if err := s.retrieveContext(ctx, t); err != nil {
		release()
		return nil, err
	}

	if err := s.loadHistory(ctx, t); err != nil {
		release()
		return nil, err
	}

	if err := ctx.Err(); err != nil {
		release()
		return nil, models.WrapError(models.KindCancelled, err, "chat turn cancelled before generation")
	}

	// GENERATE runs to completion once dispatched so a finished provider
	// call is always persisted and accounted for
	genCtx := context.WithoutCancel(ctx)
	if err := s.generate(genCtx, t); err != nil {
		s.recordUsage(genCtx, t, false)
		return nil, err
	}

	// PERSIST
	assistant, err := s.persist(genCtx, t)
	if err != nil {
		s.recordUsage(genCtx, t, true)
		return nil, err
	}
	status := s.recordUsage(genCtx, t, true)

	// RESPOND
	result := &interfaces.ChatResult{
		ConversationID: t.conversation.ID,
		Message:        assistant,
		Sources:        assistant.Sources,
		Metadata: interfaces.ChatMetadata{
			Provider:         t.response.Provider,
			Model:            t.response.Model,
			Mode:             s.provider.Mode(),
			Mock:             t.response.Mock,
			TokensUsed:       t.response.TotalTokens(),
			PromptTokens:     t.response.PromptTokens,
			CompletionTokens: t.response.CompletionTokens,
			Attempts:         t.attempts,
			ContextChunks:    len(t.chunks),
			HistoryMessages:  len(t.history),
			Quota:            status,
		},
	}

	t.logger.Info().
		Str("tenant_id", t.identity.TenantID).
		Str("bot_id", t.bot.ID).
		Str("conversation_id", t.conversation.ID).
		Str("provider", t.response.Provider).
		Int("context_chunks", len(t.chunks)).
		Int("history_messages", len(t.history)).
		Int("tokens", t.response.TotalTokens()).
		Int("attempts", t.attempts).
		Str("duration", s.now().Sub(t.startedAt).String()).
		Msg("Chat turn completed")

	return result, nil
}

func (s *Service) resolveTenant(ctx context.Context, t *turn) error {
	if t.identity.TenantID == "" {
		return models.NewError(models.KindTenantNotFound, "no tenant in session context")
	}
	if _, err := s.storage.TenantStorage().GetTenant(ctx, t.identity.TenantID); err != nil {
		if errors.Is(err, interfaces.ErrNotFound) {
			return models.NewError(models.KindTenantNotFound, "tenant %s not found", t.identity.TenantID)
		}
		return models.WrapError(models.KindInternal, err, "load tenant %s", t.identity.TenantID)
	}

	bot, err := s.storage.BotStorage().GetBot(ctx, t.identity.TenantID, t.req.BotID)
	if err != nil {
		if errors.Is(err, interfaces.ErrNotFound) {
			return models.NewError(models.KindBotNotFound, "bot %s not found", t.req.BotID)
		}
		return models.WrapError(models.KindInternal, err, "load bot %s", t.req.BotID)
	}
	t.bot = bot
	return nil
}

func (s *Service) resolveConversation(ctx context.Context, t *turn) error {
	if t.req.ConversationID != "" {
		conv, err := s.storage.ConversationStorage().GetConversation(ctx, t.identity.TenantID, t.req.ConversationID)
		if err != nil {
			if errors.Is(err, interfaces.ErrNotFound) {
				return models.NewError(models.KindConversationNotFound, "conversation %s not found", t.req.ConversationID)
			}
			return models.WrapError(models.KindInternal, err, "load conversation %s", t.req.ConversationID)
		}
		if conv.BotID != t.bot.ID {
			return models.NewError(models.KindInvalidArgument, "conversation %s belongs to another bot", conv.ID)
		}
		if conv.Status != models.ConversationActive {
			return models.NewError(models.KindInvalidArgument, "conversation %s is %s", conv.ID, strings.ToLower(string(conv.Status)))
		}
		t.conversation = conv
		return nil
	}

	now := s.now()
	conv := &models.Conversation{
		ID:            common.NewConversationID(),
		TenantID:      t.identity.TenantID,
		BotID:         t.bot.ID,
		UserID:        t.identity.UserID,
		Status:        models.ConversationActive,
		StartedAt:     now,
		LastMessageAt: now,
	}
	if err := s.storage.ConversationStorage().CreateConversation(ctx, conv); err != nil {
		return models.WrapError(models.KindInternal, err, "create conversation")
	}
	t.conversation = conv

	s.publishConversationStarted(ctx, t)
	return nil
}

// publishConversationStarted notifies subscribers. A failure is logged and
// never fails the turn.
func (s *Service) publishConversationStarted(ctx context.Context, t *turn) {
	if s.events == nil {
		return
	}
	event := interfaces.Event{
		Type: interfaces.EventConversationStarted,
		Payload: map[string]interface{}{
			"tenant_id":       t.conversation.TenantID,
			"conversation_id": t.conversation.ID,
			"bot_id":          t.conversation.BotID,
			"user_id":         t.conversation.UserID,
		},
	}
	if err := s.events.Publish(ctx, event); err != nil {
		t.logger.Warn().
			Err(err).
			Str("tenant_id", t.conversation.TenantID).
			Str("conversation_id", t.conversation.ID).
			Msg("Failed to publish conversation started event")
	}
}

func (s *Service) retrieveContext(ctx context.Context, t *turn) error {
	if len(t.bot.KnowledgeBaseIDs) == 0 {
		t.logger.Debug().
			Str("tenant_id", t.identity.TenantID).
			Str("bot_id", t.bot.ID).
			Msg("Bot has no knowledge base, answering without context")
		return nil
	}

	k := t.bot.TopK
	if k <= 0 {
		k = s.topK
	}

	chunks, err := s.retriever.RetrieveAll(ctx, t.identity.TenantID, t.bot.KnowledgeBaseIDs, t.req.Message, k)
	if err != nil {
		return err
	}
	t.chunks = chunks
	return nil
}

func (s *Service) loadHistory(ctx context.Context, t *turn) error {
	if t.conversation.MessageCount == 0 {
		return nil
	}
	messages, err := s.storage.ConversationStorage().ListMessages(ctx, t.identity.TenantID, t.conversation.ID)
	if err != nil {
		return models.WrapError(models.KindInternal, err, "load conversation history")
	}

	budget := s.historyBudget - s.counter.Count(t.req.Message)
	if budget < 0 {
		budget = 0
	}
	t.history = trimHistory(messages, budget, s.counter)
	return nil
}

// generate calls the provider, retrying transient failures with backoff
func (s *Service) generate(ctx context.Context, t *turn) error {
	preamble := t.bot.Persona
	if strings.TrimSpace(preamble) == "" {
		preamble = s.systemPrompt
	}

	messages := make([]interfaces.Message, 0, len(t.history)+1)
	messages = append(messages, t.history...)
	messages = append(messages, interfaces.Message{Role: "user", Content: t.req.Message})

	temperature := s.temperature
	if t.bot.Temperature > 0 {
		temperature = t.bot.Temperature
	}
	maxTokens := s.maxTokens
	if t.bot.MaxTokens > 0 {
		maxTokens = t.bot.MaxTokens
	}

	req := &interfaces.GenerationRequest{
		SystemInstruction: buildSystemInstruction(preamble, t.chunks, s.snippetChars),
		Messages:          messages,
		Model:             t.bot.Model,
		Temperature:       temperature,
		MaxTokens:         maxTokens,
	}

	var lastErr error
	for attempt := 0; attempt <= s.retry.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := s.retry.CalculateBackoff(attempt-1, llm.RetryAfterHint(lastErr))
			t.logger.Warn().
				Err(lastErr).
				Str("tenant_id", t.identity.TenantID).
				Str("conversation_id", t.conversation.ID).
				Int("attempt", attempt+1).
				Str("backoff", backoff.String()).
				Msg("Generation failed with a transient error, retrying")
			if err := llm.Wait(ctx, backoff); err != nil {
				return models.WrapError(models.KindCancelled, err, "generation cancelled")
			}
		}

		t.attempts = attempt + 1
		callCtx, cancel := context.WithTimeout(ctx, s.providerTimeout)
		resp, err := s.provider.Generate(callCtx, req)
		cancel()
		if err == nil {
			t.response = resp
			return nil
		}

		lastErr = llm.ClassifyError(s.provider.Name(), err)
		if !llm.IsRetryable(lastErr) {
			break
		}
	}

	return &models.Error{
		Kind:       models.KindProviderUnavailable,
		Message:    "generation provider " + s.provider.Name() + " is unavailable",
		Err:        lastErr,
		RetryAfter: llm.RetryAfterHint(lastErr),
	}
}

// persist appends the user and assistant messages under the conversation
// lock, retrying the versioned append when another writer got there first
func (s *Service) persist(ctx context.Context, t *turn) (*models.Message, error) {
	unlock := s.lockConversation(t.conversation.ID)
	defer unlock()

	sources := sourcesOf(t.chunks)

	var lastErr error
	for attempt := 0; attempt < maxAppendAttempts; attempt++ {
		conv, err := s.storage.ConversationStorage().GetConversation(ctx, t.identity.TenantID, t.conversation.ID)
		if err != nil {
			return nil, models.WrapError(models.KindInternal, err, "reload conversation %s", t.conversation.ID)
		}

		userAt := t.startedAt
		if !userAt.After(conv.LastMessageAt) && conv.MessageCount > 0 {
			userAt = conv.LastMessageAt.Add(time.Nanosecond)
		}
		assistantAt := s.now()
		if !assistantAt.After(userAt) {
			assistantAt = userAt.Add(time.Nanosecond)
		}

		user := &models.Message{
			ID:             common.NewMessageID(),
			ConversationID: conv.ID,
			TenantID:       conv.TenantID,
			Role:           models.RoleUser,
			Content:        t.req.Message,
			CreatedAt:      userAt,
			Sequence:       conv.MessageCount + 1,
		}
		assistant := &models.Message{
			ID:             common.NewMessageID(),
			ConversationID: conv.ID,
			TenantID:       conv.TenantID,
			Role:           models.RoleAssistant,
			Content:        t.response.Text,
			CreatedAt:      assistantAt,
			Sequence:       conv.MessageCount + 2,
			TokensUsed:     t.response.TotalTokens(),
			Sources:        sources,
			Mock:           t.response.Mock,
		}

		expected := conv.Version
		conv.MessageCount += 2
		conv.LastMessageAt = assistantAt

		lastErr = s.storage.ConversationStorage().AppendMessages(ctx, conv, expected, user, assistant)
		if lastErr == nil {
			t.conversation = conv
			return assistant, nil
		}
		if !errors.Is(lastErr, interfaces.ErrVersionConflict) {
			break
		}
		t.logger.Debug().
			Str("conversation_id", conv.ID).
			Int("attempt", attempt+1).
			Msg("Conversation append conflicted, retrying")
	}

	return nil, models.WrapError(models.KindInternal, lastErr, "persist messages for conversation %s", t.conversation.ID)
}

// recordUsage reconciles the reservation. Mock responses record zero tokens.
// A gate failure here is logged: the provider call already happened.
func (s *Service) recordUsage(ctx context.Context, t *turn, success bool) *models.QuotaStatus {
	usage := interfaces.UsageMetadata{
		ConversationID: t.conversation.ID,
		Provider:       s.provider.Name(),
		Success:        success,
		Mock:           s.provider.Mode() == interfaces.LLMModeMock,
	}
	if t.response != nil {
		usage.Provider = t.response.Provider
		usage.Model = t.response.Model
		usage.Mock = t.response.Mock
		if !t.response.Mock {
			usage.PromptTokens = t.response.PromptTokens
			usage.CompletionTokens = t.response.CompletionTokens
		}
	}

	status, err := s.gate.RecordUsage(ctx, t.reservation, usage)
	if err != nil {
		t.logger.Error().
			Err(err).
			Str("tenant_id", t.identity.TenantID).
			Str("conversation_id", t.conversation.ID).
			Str("reservation_id", t.reservation.ID).
			Msg("Failed to record usage")
		fallback := t.reservation.Status
		return &fallback
	}
	return status
}

// GetConversation returns a conversation of the caller's tenant with its messages
func (s *Service) GetConversation(ctx context.Context, identity models.Identity, conversationID string) (*interfaces.ConversationView, error) {
	conv, err := s.storage.ConversationStorage().GetConversation(ctx, identity.TenantID, conversationID)
	if err != nil {
		if errors.Is(err, interfaces.ErrNotFound) {
			return nil, models.NewError(models.KindConversationNotFound, "conversation %s not found", conversationID)
		}
		return nil, models.WrapError(models.KindInternal, err, "load conversation %s", conversationID)
	}

	messages, err := s.storage.ConversationStorage().ListMessages(ctx, identity.TenantID, conversationID)
	if err != nil {
		return nil, models.WrapError(models.KindInternal, err, "list messages of conversation %s", conversationID)
	}

	return &interfaces.ConversationView{Conversation: conv, Messages: messages}, nil
}

// CloseConversation marks an active conversation closed. Closing a
// conversation that is not active is a no-op.
func (s *Service) CloseConversation(ctx context.Context, identity models.Identity, conversationID string) error {
	unlock := s.lockConversation(conversationID)
	defer unlock()

	conv, err := s.storage.ConversationStorage().GetConversation(ctx, identity.TenantID, conversationID)
	if err != nil {
		if errors.Is(err, interfaces.ErrNotFound) {
			return models.NewError(models.KindConversationNotFound, "conversation %s not found", conversationID)
		}
		return models.WrapError(models.KindInternal, err, "load conversation %s", conversationID)
	}
	if conv.Status != models.ConversationActive {
		return nil
	}

	if err := s.storage.ConversationStorage().UpdateConversationStatus(ctx, identity.TenantID, conversationID, models.ConversationClosed); err != nil {
		return models.WrapError(models.KindInternal, err, "close conversation %s", conversationID)
	}

	s.logger.Info().
		Str("tenant_id", identity.TenantID).
		Str("conversation_id", conversationID).
		Msg("Conversation closed")
	return nil
}

func (s *Service) lockConversation(id string) func() {
	value, _ := s.convLocks.LoadOrStore(id, &sync.Mutex{})
	mu := value.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

func (s *Service) logFailure(t *turn, err error) {
	kind := models.KindOf(err)
	event := t.logger.Warn()
	if kind == models.KindInternal {
		event = t.logger.Error()
	}
	conversationID := t.req.ConversationID
	if t.conversation != nil {
		conversationID = t.conversation.ID
	}
	event.
		Err(err).
		Str("kind", string(kind)).
		Str("tenant_id", t.identity.TenantID).
		Str("conversation_id", conversationID).
		Str("bot_id", t.req.BotID).
		Msg("Chat turn failed")
}
