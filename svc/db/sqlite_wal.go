package db

import (
	"context"
	"fmt"
	"time"

	"quickpaste/svc/util"
)

const (
	checkpointInterval  = 5 * time.Minute
	truncateLogPages    = 1000
	integrityCheckLimit = 30 * time.Second
)

// StartWALMaintenance checkpoints the write-ahead log until quit is closed,
// with a final checkpoint on the way out.
func (s *SQLite) StartWALMaintenance(quit <-chan struct{}) {
	ticker := time.NewTicker(checkpointInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := s.checkpoint(context.Background()); err != nil {
				util.Error().Err(err).Msg("WAL checkpoint failed")
			}
		case <-quit:
			if err := s.checkpoint(context.Background()); err != nil {
				util.Error().Err(err).Msg("final WAL checkpoint failed")
			}
			return
		}
	}
}

// checkpoint runs a PASSIVE checkpoint and escalates to TRUNCATE when the
// log has grown large or readers blocked part of it.
func (s *SQLite) checkpoint(ctx context.Context) error {
	start := time.Now()
	busy, logPages, done, err := s.walCheckpoint(ctx, "PASSIVE")
	if err != nil {
		return err
	}
	util.Debug().Int("busy", busy).Int("log", logPages).Int("checkpointed", done).Msg("PASSIVE checkpoint result")
	if logPages > truncateLogPages || busy > 0 {
		util.Info().Int("log", logPages).Msg("escalating to TRUNCATE checkpoint")
		if _, _, _, err := s.walCheckpoint(ctx, "TRUNCATE"); err != nil {
			return err
		}
	}
	if err := s.verifyIntegrity(ctx); err != nil {
		util.Error().Err(err).Msg("database integrity check failed after checkpoint")
		return err
	}
	util.Debug().Dur("duration", time.Since(start)).Msg("WAL checkpoint completed")
	return nil
}

func (s *SQLite) walCheckpoint(ctx context.Context, mode string) (busy, logPages, done int, err error) {
	row := s.db.QueryRowContext(ctx, "PRAGMA wal_checkpoint("+mode+")")
	if err = row.Scan(&busy, &logPages, &done); err != nil {
		return 0, 0, 0, fmt.Errorf("%s checkpoint failed: %w", mode, err)
	}
	return busy, logPages, done, nil
}

func (s *SQLite) verifyIntegrity(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, integrityCheckLimit)
	defer cancel()
	var result string
	if err := s.db.QueryRowContext(ctx, "PRAGMA quick_check").Scan(&result); err != nil {
		return fmt.Errorf("quick_check query failed: %w", err)
	}
	if result != "ok" {
		return fmt.Errorf("quick_check returned: %s", result)
	}
	return nil
}
