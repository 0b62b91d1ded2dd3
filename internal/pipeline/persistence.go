package pipeline

import (
	"context"
	"fmt"

	"github.com/agenticwork/awchat/internal/observability"
	"github.com/agenticwork/awchat/internal/sessions"
)

// persistenceStage appends the turn's assistant and tool messages in one
// transaction. The inbound user message was already written by the
// session stage; everything else a turn produced lands here or not at
// all.
type persistenceStage struct {
	store  sessions.Store
	logger *observability.Logger
}

func newPersistenceStage(store sessions.Store, logger *observability.Logger) *persistenceStage {
	return &persistenceStage{store: store, logger: logger}
}

func (s *persistenceStage) Name() string  { return "persistence" }
func (s *persistenceStage) Priority() int { return PriorityPersistence }

func (s *persistenceStage) Run(ctx context.Context, tc *TurnContext) error {
	if len(tc.NewMessages) == 0 {
		return nil
	}
	if err := s.store.AppendMessages(ctx, tc.Session.ID, tc.NewMessages...); err != nil {
		return fmt.Errorf("persist turn: %w", err)
	}
	for _, msg := range tc.NewMessages {
		tc.PersistedIDs = append(tc.PersistedIDs, msg.ID)
		tc.emit(Event{Type: EventMessagePersisted, MessageID: msg.ID, Role: msg.Role})
	}
	return nil
}

// Rollback removes the messages this turn appended. The user message
// stays; only a later stage failing lands here, and losing the user's
// input over it would be worse than an odd-looking history.
func (s *persistenceStage) Rollback(ctx context.Context, tc *TurnContext) {
	if len(tc.PersistedIDs) == 0 {
		return
	}
	if err := s.store.DeleteMessages(ctx, tc.Session.ID, tc.PersistedIDs...); err != nil {
		s.logger.Error(ctx, "rollback of persisted turn failed",
			"session_id", tc.Session.ID,
			"messages", len(tc.PersistedIDs),
			"error", err,
		)
		return
	}
	tc.PersistedIDs = nil
}
