package models

// Bot is a named generation configuration owned by a tenant
type Bot struct {
	ID               string   `json:"id" yaml:"id" validate:"required"`
	TenantID         string   `json:"tenant_id" yaml:"tenant_id" validate:"required"`
	Name             string   `json:"name" yaml:"name" validate:"required"`
	Model            string   `json:"model,omitempty" yaml:"model"` // empty uses the provider default
	Temperature      float32  `json:"temperature" yaml:"temperature" validate:"gte=0,lte=2"`
	MaxTokens        int      `json:"max_tokens,omitempty" yaml:"max_tokens" validate:"gte=0"`
	Persona          string   `json:"persona,omitempty" yaml:"persona"`
	TopK             int      `json:"top_k,omitempty" yaml:"top_k" validate:"gte=0,lte=50"`
	KnowledgeBaseIDs []string `json:"knowledge_base_ids,omitempty" yaml:"knowledge_base_ids"`
}

// HasKnowledgeBase reports whether kbID is linked to the bot
func (b *Bot) HasKnowledgeBase(kbID string) bool {
	for _, id := range b.KnowledgeBaseIDs {
		if id == kbID {
			return true
		}
	}
	return false
}
