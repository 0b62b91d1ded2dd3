package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/agenticwork/awchat/internal/observability"
	"github.com/agenticwork/awchat/internal/sessions"
	"github.com/agenticwork/awchat/internal/storage"
	"github.com/agenticwork/awchat/pkg/models"
)

// sessionStage resolves or creates the session, loads its history, and
// persists the inbound user message. The user message is written before
// anything else runs so it survives a later abort; retried turns are
// reconciled by the preparation stage, not by deferring the write.
type sessionStage struct {
	noRollback
	store  sessions.Store
	logger *observability.Logger
}

func newSessionStage(store sessions.Store, logger *observability.Logger) *sessionStage {
	return &sessionStage{store: store, logger: logger}
}

func (s *sessionStage) Name() string  { return "session-load" }
func (s *sessionStage) Priority() int { return PrioritySessionLoad }

func (s *sessionStage) Run(ctx context.Context, tc *TurnContext) error {
	if tc.Request.SessionID == "" {
		session := &models.Session{
			UserID: tc.User.ID,
			Title:  sessions.DeriveTitle(tc.Request.Message),
		}
		if err := s.store.Create(ctx, session); err != nil {
			return fmt.Errorf("create session: %w", err)
		}
		tc.Session = session
	} else {
		session, err := s.store.Get(ctx, tc.Request.SessionID)
		if err != nil {
			return fmt.Errorf("load session: %w", err)
		}
		// Report foreign sessions as missing rather than forbidden.
		if session.UserID != tc.User.ID {
			return fmt.Errorf("load session %s: %w", tc.Request.SessionID, storage.ErrNotFound)
		}
		tc.Session = session

		history, err := s.store.Messages(ctx, session.ID, sessions.DefaultHistoryLimit)
		if err != nil {
			return fmt.Errorf("load history: %w", err)
		}
		tc.History = history
	}

	tc.Current = &models.Message{
		ID:          uuid.NewString(),
		SessionID:   tc.Session.ID,
		Role:        models.RoleUser,
		Content:     tc.Request.Message,
		Attachments: tc.Request.Attachments,
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.store.AppendMessages(ctx, tc.Session.ID, tc.Current); err != nil {
		return fmt.Errorf("persist user message: %w", err)
	}
	tc.emit(Event{Type: EventMessagePersisted, MessageID: tc.Current.ID, Role: models.RoleUser})

	tc.Working = append(tc.Working, tc.History...)
	s.logger.Debug(ctx, "session loaded",
		"session_id", tc.Session.ID,
		"history", len(tc.History),
		"new_session", tc.Request.SessionID == "",
	)
	return nil
}
