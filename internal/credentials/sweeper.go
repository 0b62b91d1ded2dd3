package credentials

import (
	"context"
	"time"

	"github.com/agenticwork/awchat/internal/cron"
	"github.com/agenticwork/awchat/internal/observability"
)

// SweepJob builds the daily cron job that removes long-expired credential
// records. olderThan controls how long past expiry a record survives.
func SweepJob(manager *Manager, schedule cron.Schedule, olderThan time.Duration, logger *observability.Logger) cron.Job {
	return cron.Job{
		Name:     "credential-sweep",
		Schedule: schedule,
		Run: func(ctx context.Context) {
			sweepCtx, cancel := context.WithTimeout(ctx, time.Minute)
			defer cancel()
			if _, err := manager.SweepExpired(sweepCtx, olderThan); err != nil {
				logger.Error(sweepCtx, "credential sweep failed", "error", err)
			}
		},
	}
}
