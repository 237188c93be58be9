package chat

import (
	"fmt"
	"strings"

	"github.com/ternarybob/kbchat/internal/interfaces"
	"github.com/ternarybob/kbchat/internal/models"
	"github.com/ternarybob/kbchat/internal/services/llm"
)

// defaultSystemPrompt is used when neither the bot nor the config supplies one
const defaultSystemPrompt = `You are a helpful assistant that answers questions using the provided knowledge base excerpts.

Guidelines:
- Answer from the excerpts when they are relevant and cite them by their [number]
- If the excerpts do not contain the answer, say so plainly instead of guessing
- Keep answers concise and factual`

// buildSystemInstruction combines the persona preamble with the labeled
// context snippets. Each snippet is truncated to snippetChars runes.
func buildSystemInstruction(preamble string, chunks []models.ScoredChunk, snippetChars int) string {
	var b strings.Builder
	b.WriteString(strings.TrimSpace(preamble))

	if len(chunks) == 0 {
		return b.String()
	}

	b.WriteString("\n\nKnowledge base excerpts:\n")
	for i, hit := range chunks {
		b.WriteString("\n")
		b.WriteString(snippetLabel(i, &hit.Chunk))
		b.WriteString("\n")
		b.WriteString(truncateContent(hit.Chunk.Content, snippetChars))
		b.WriteString("\n")
	}

	return b.String()
}

// snippetLabel renders the citation header of the i-th snippet:
// "[n] Title (document doc_x)" or "[n] document doc_x" when untitled
func snippetLabel(i int, chunk *models.Chunk) string {
	if title := chunk.Title(); title != "" {
		return fmt.Sprintf("[%d] %s (document %s)", i+1, title, chunk.DocumentID)
	}
	return fmt.Sprintf("[%d] document %s", i+1, chunk.DocumentID)
}

// trimHistory keeps the most recent messages whose combined size fits
// budget, dropping the oldest first. The result is in chronological order.
func trimHistory(history []*models.Message, budget int, counter llm.TokenCounter) []interfaces.Message {
	kept := make([]interfaces.Message, 0, len(history))
	used := 0
	for i := len(history) - 1; i >= 0; i-- {
		msg := history[i]
		role := providerRole(msg.Role)
		if role == "" {
			continue
		}
		size := counter.Count(msg.Content)
		if used+size > budget {
			break
		}
		used += size
		kept = append(kept, interfaces.Message{Role: role, Content: msg.Content})
	}

	for i, j := 0, len(kept)-1; i < j; i, j = i+1, j-1 {
		kept[i], kept[j] = kept[j], kept[i]
	}
	return kept
}

func providerRole(role models.MessageRole) string {
	switch role {
	case models.RoleUser:
		return "user"
	case models.RoleAssistant:
		return "assistant"
	default:
		return ""
	}
}

// truncateContent truncates content to maxRunes runes, marking the cut
func truncateContent(content string, maxRunes int) string {
	runes := []rune(strings.TrimSpace(content))
	if maxRunes <= 0 || len(runes) <= maxRunes {
		return string(runes)
	}
	return string(runes[:maxRunes]) + "..."
}

// sourcesOf converts retrieval hits into message citations
func sourcesOf(chunks []models.ScoredChunk) []models.Source {
	sources := make([]models.Source, 0, len(chunks))
	for _, hit := range chunks {
		sources = append(sources, models.Source{
			DocumentID:      hit.Chunk.DocumentID,
			KnowledgeBaseID: hit.Chunk.KnowledgeBaseID,
			ChunkID:         hit.Chunk.ID,
			ChunkIndex:      hit.Chunk.ChunkIndex,
			Title:           hit.Chunk.Title(),
			Score:           hit.Score,
			StartIndex:      hit.Chunk.StartIndex,
			EndIndex:        hit.Chunk.EndIndex,
		})
	}
	return sources
}
