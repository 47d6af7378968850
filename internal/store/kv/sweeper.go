package kv

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/maatini/unistore/internal/tenant"
)

// Sweeper periodically hard-deletes TTL-expired entries. Reads already
// filter expired rows, so the sweep only reclaims space; history queries
// see expired rows until the sweep runs.
type Sweeper struct {
	pool     *pgxpool.Pool
	interval time.Duration
}

// NewSweeper creates a sweeper with the given interval.
func NewSweeper(pool *pgxpool.Pool, interval time.Duration) *Sweeper {
	return &Sweeper{pool: pool, interval: interval}
}

// Run sweeps on a fixed interval until ctx is canceled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	log.Info().Dur("interval", s.interval).Msg("expiry sweeper started")
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("expiry sweeper stopped")
			return
		case <-ticker.C:
			if n, err := s.SweepOnce(ctx); err != nil {
				log.Error().Err(err).Msg("expiry sweep failed")
			} else if n > 0 {
				log.Info().Int64("deleted", n).Msg("expired kv entries swept")
			}
		}
	}
}

// SweepOnce deletes every expired entry across all tenants in one pass,
// under the maintenance policy.
func (s *Sweeper) SweepOnce(ctx context.Context) (int64, error) {
	tx, err := tenant.BeginMaintenance(ctx, s.pool)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx)

	ct, err := tx.Exec(ctx,
		`DELETE FROM kv_entries WHERE expires_at IS NOT NULL AND expires_at < now()`)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return ct.RowsAffected(), nil
}
