package pipeline

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/agenticwork/awchat/internal/memory"
	"github.com/agenticwork/awchat/internal/observability"
	"github.com/agenticwork/awchat/internal/retrieval"
)

// retrievalStage gathers the turn's context: tiered memories for the
// budget stage and cross-collection retrieval results for the system
// prompt. Both lookups run concurrently; either failing degrades the
// turn to less context instead of aborting it.
type retrievalStage struct {
	noRollback
	memories  *memory.Service
	retriever *retrieval.Service
	limit     int
	threshold float64
	logger    *observability.Logger
}

func newRetrievalStage(memories *memory.Service, retriever *retrieval.Service, limit int, threshold float64, logger *observability.Logger) *retrievalStage {
	return &retrievalStage{
		memories:  memories,
		retriever: retriever,
		limit:     limit,
		threshold: threshold,
		logger:    logger,
	}
}

func (s *retrievalStage) Name() string  { return "retrieval" }
func (s *retrievalStage) Priority() int { return PriorityRetrieval }

func (s *retrievalStage) Run(ctx context.Context, tc *TurnContext) error {
	if tc.Request.Options.DisableRetrieval {
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)

	if s.memories != nil {
		g.Go(func() error {
			mems, err := s.memories.Search(gctx, tc.User.ID, tc.Request.Message, memory.Filters{}, s.limit)
			if err != nil {
				s.logger.Warn(gctx, "memory search failed, continuing without memories", "error", err)
				return nil
			}
			tc.Memories = mems
			return nil
		})
	}

	if s.retriever != nil {
		g.Go(func() error {
			// Memories arrive through the tier service above; asking the
			// unified search for them as well would inject them twice.
			results, err := s.retriever.Search(gctx, tc.User.ID, tc.Request.Message, retrieval.Options{
				IncludeArtifacts: true,
				IncludeDocuments: true,
				Limit:            s.limit,
				Threshold:        s.threshold,
			})
			if err != nil {
				s.logger.Warn(gctx, "retrieval failed, continuing without documents", "error", err)
				return nil
			}
			tc.Retrieved = results
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}
