package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/kbchat/internal/common"
	"github.com/ternarybob/kbchat/internal/interfaces"
	"github.com/ternarybob/kbchat/internal/models"
)

// Job names
const (
	JobReclaimChunks        = "reclaim_chunks"
	JobArchiveConversations = "archive_conversations"
)

// Reclaimer physically removes the chunks of soft-deleted documents
type Reclaimer interface {
	Reclaim(ctx context.Context, limit int) (int, error)
}

// NewReclaimJob returns a job that reclaims up to batch deleted documents per run
func NewReclaimJob(reclaimer Reclaimer, batch int, logger arbor.ILogger) JobFunc {
	return func(ctx context.Context) error {
		reclaimed, err := reclaimer.Reclaim(ctx, batch)
		if err != nil {
			return fmt.Errorf("reclaim deleted documents: %w", err)
		}
		if reclaimed > 0 {
			logger.Info().Int("documents", reclaimed).Msg("Reclaimed chunks of deleted documents")
		}
		return nil
	}
}

// NewArchiveJob returns a job that archives conversations idle for longer
// than after. now is the clock, time.Now when nil.
func NewArchiveJob(conversations interfaces.ConversationStorage, after time.Duration, batch int, now func() time.Time, logger arbor.ILogger) JobFunc {
	if now == nil {
		now = time.Now
	}
	return func(ctx context.Context) error {
		idle, err := conversations.ListIdleConversations(ctx, now().Add(-after), batch)
		if err != nil {
			return fmt.Errorf("list idle conversations: %w", err)
		}

		archived := 0
		for _, conv := range idle {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := conversations.UpdateConversationStatus(ctx, conv.TenantID, conv.ID, models.ConversationArchived); err != nil {
				logger.Warn().
					Err(err).
					Str("tenant_id", conv.TenantID).
					Str("conversation_id", conv.ID).
					Msg("Failed to archive conversation")
				continue
			}
			archived++
		}

		if archived > 0 {
			logger.Info().Int("conversations", archived).Msg("Archived idle conversations")
		}
		return nil
	}
}

// RegisterMaintenance registers the reclaim and archive jobs from config
func RegisterMaintenance(s *Scheduler, cfg *common.SchedulerConfig, reclaimer Reclaimer, conversations interfaces.ConversationStorage, logger arbor.ILogger) error {
	if err := s.RegisterJob(JobReclaimChunks, cfg.ReclaimSchedule,
		"Remove chunks of soft-deleted documents",
		NewReclaimJob(reclaimer, cfg.ReclaimBatch, logger)); err != nil {
		return err
	}

	after := common.ParseDuration(cfg.ArchiveAfter, 30*24*time.Hour)
	return s.RegisterJob(JobArchiveConversations, cfg.ArchiveSchedule,
		"Archive conversations without recent messages",
		NewArchiveJob(conversations, after, cfg.ArchiveBatchSize, nil, logger))
}
