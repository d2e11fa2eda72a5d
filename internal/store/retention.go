package store

import (
	"context"
	"fmt"
	"time"
)

// Retention configures how long finished records are kept.
type Retention struct {
	Commands time.Duration
	Ops      time.Duration
	Events   time.Duration
}

// DefaultRetention keeps commands and ops for 30 days and events for 7.
func DefaultRetention() Retention {
	return Retention{
		Commands: 30 * 24 * time.Hour,
		Ops:      30 * 24 * time.Hour,
		Events:   7 * 24 * time.Hour,
	}
}

// StartRetentionCleanup runs periodic cleanup of old records until ctx is
// done.
func (s *Store) StartRetentionCleanup(ctx context.Context, interval time.Duration, r Retention) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.log.Info().Dur("interval", interval).Msg("starting retention cleanup loop")

	for {
		select {
		case <-ctx.Done():
			s.log.Info().Msg("retention cleanup loop stopped")
			return
		case <-ticker.C:
			s.RunCleanup(ctx, r)
		}
	}
}

// RunCleanup deletes expired records once.
func (s *Store) RunCleanup(ctx context.Context, r Retention) {
	now := s.now()

	cleanups := []struct {
		name  string
		query string
		keep  time.Duration
	}{
		{"commands", `DELETE FROM commands WHERE state IN ('done', 'error') AND updated_at < ?`, r.Commands},
		{"ops", `DELETE FROM ops WHERE status IN ('succeeded', 'failed', 'canceled') AND updated_at < ?`, r.Ops},
		{"events", `DELETE FROM event_log WHERE timestamp < ?`, r.Events},
		{"sessions", `DELETE FROM sessions WHERE expires_at < ?`, 0},
		{"pairing_tokens", `DELETE FROM pairing_tokens WHERE expires < ?`, 0},
	}

	counts := make(map[string]any, len(cleanups))
	var total int64
	for _, c := range cleanups {
		n, err := s.deleteBefore(ctx, c.query, now.Add(-c.keep))
		if err != nil {
			s.log.Error().Err(err).Str("table", c.name).Msg("retention cleanup failed")
			continue
		}
		counts[c.name] = n
		total += n
	}
	if total > 0 {
		s.log.Info().Fields(counts).Msg("retention cleanup complete")
	}
}

func (s *Store) deleteBefore(ctx context.Context, query string, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, query, ms(cutoff))
	if err != nil {
		return 0, fmt.Errorf("cleanup: %w", err)
	}
	return res.RowsAffected()
}
