package refresh

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// RunJanitor deletes expired records every interval until ctx is done.
func RunJanitor(ctx context.Context, repo Repo, interval time.Duration, logger *zap.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Debug("refresh token janitor stopped")
			return
		case now := <-ticker.C:
			n, err := repo.DeleteExpired(ctx, now.UTC())
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				logger.Warn("failed to purge expired refresh tokens", zap.Error(err))
				continue
			}
			if n > 0 {
				logger.Info("purged expired refresh tokens", zap.Int64("count", n))
			}
		}
	}
}
