package pipeline

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/agenticwork/awchat/internal/observability"
	"github.com/agenticwork/awchat/internal/retrieval"
	"github.com/agenticwork/awchat/pkg/models"
)

// UsageRecorder persists per-turn usage rows.
type UsageRecorder interface {
	Record(ctx context.Context, rec *models.UsageRecord) error
}

// usageStage writes one usage record per assistant turn. Recording is
// best-effort: failures are logged and the turn still succeeds.
type usageStage struct {
	noRollback
	recorder UsageRecorder
	logger   *observability.Logger
}

func newUsageStage(recorder UsageRecorder, logger *observability.Logger) *usageStage {
	return &usageStage{recorder: recorder, logger: logger}
}

func (s *usageStage) Name() string  { return "usage-record" }
func (s *usageStage) Priority() int { return PriorityUsageRecord }

func (s *usageStage) Run(ctx context.Context, tc *TurnContext) error {
	messageID := tc.lastAssistantID()
	if s.recorder == nil || messageID == "" {
		return nil
	}

	rec := &models.UsageRecord{
		ID:        uuid.NewString(),
		UserID:    tc.User.ID,
		SessionID: tc.Session.ID,
		MessageID: messageID,
		Sources:   sourceCounts(tc),
		Metadata: map[string]any{
			"model":         tc.Model.Name,
			"tool_rounds":   tc.Round,
			"tool_calls":    tc.ToolCallsTotal,
			"turn_duration": time.Since(tc.StartedAt).Milliseconds(),
		},
		CreatedAt: time.Now().UTC(),
	}
	if tc.Template != nil {
		rec.BaseTemplate = tc.Template.Name
		if tc.Template.Category != "" {
			rec.Techniques = []string{tc.Template.Category}
		}
	}
	if tc.Usage != nil {
		rec.PromptTokens = tc.Usage.PromptTokens
		rec.CompletionTokens = tc.Usage.CompletionTokens
		rec.TotalTokens = tc.Usage.TotalTokens
	}
	if tc.CapNotice != "" {
		rec.Metadata["cap_notice"] = tc.CapNotice
	}

	if err := s.recorder.Record(ctx, rec); err != nil {
		s.logger.Warn(ctx, "usage record failed", "session_id", tc.Session.ID, "error", err)
	}
	return nil
}

func sourceCounts(tc *TurnContext) map[string]int {
	counts := map[string]int{}
	if tc.Template != nil {
		counts[models.SourceFormatting] = 1
	}
	if n := tc.ToolCallsTotal; n > 0 {
		counts[models.SourceToolContext] = n
	}
	if n := len(tc.Tiers.Summaries) + len(tc.Tiers.LongTerm); n > 0 {
		counts[models.SourceMemory] = n
	}
	var docs, other int
	for _, res := range tc.Retrieved {
		if res.Type == retrieval.ResultDocument {
			docs++
		} else {
			other++
		}
	}
	if other > 0 {
		counts[models.SourceRetrieval] = other
	}
	if docs > 0 {
		counts[models.SourceDomainDocs] = docs
	}
	return counts
}
