package db

import (
	"context"
	"time"

	"quickpaste/metrics"
	"quickpaste/svc/util"
)

// ExpirySweeper is implemented by stores that have no native TTL eviction.
type ExpirySweeper interface {
	DeleteExpired(ctx context.Context, before time.Time) (int, error)
}

// StartCleaner evicts expired records every interval until ctx is done.
// Reads never rely on it: expiry is enforced again on every lookup.
func StartCleaner(ctx context.Context, sweeper ExpirySweeper, interval time.Duration) {
	requestID := util.NewRequestID()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	util.Info().
		Str("request_id", requestID).
		Dur("interval", interval).
		Msg("cleanup worker started")
	for {
		select {
		case <-ctx.Done():
			util.Info().Str("request_id", requestID).Msg("cleanup worker shutting down")
			return
		case <-ticker.C:
			sweepOnce(ctx, sweeper, requestID)
		}
	}
}

func sweepOnce(ctx context.Context, sweeper ExpirySweeper, requestID string) int {
	metrics.PruneCycles.Inc()
	deleted, err := sweeper.DeleteExpired(ctx, time.Now())
	if err != nil {
		util.Error().Err(err).Str("request_id", requestID).Msg("cleanup failed")
		return deleted
	}
	if deleted > 0 {
		util.Info().Int("deleted", deleted).Str("request_id", requestID).Msg("cleanup completed")
	}
	return deleted
}
