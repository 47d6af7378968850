package kv

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog/log"

	"github.com/maatini/unistore/internal/store"
	"github.com/maatini/unistore/internal/tenant"
)

const bucketColumns = `id, tenant, name, description, max_value_size, max_history_per_key, ttl_seconds, created_at, updated_at`

func scanBucket(row pgx.Row) (*Bucket, error) {
	var b Bucket
	err := row.Scan(&b.ID, &b.Tenant, &b.Name, &b.Description, &b.MaxValueSize,
		&b.MaxHistoryPerKey, &b.TTLSeconds, &b.CreatedAt, &b.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &b, nil
}

// CreateBucket creates a new KV bucket in the caller's tenant namespace.
func (s *Store) CreateBucket(ctx context.Context, req CreateBucketRequest) (*Bucket, error) {
	maxValueSize := s.defaultMaxValueSize
	if req.MaxValueSize != nil {
		maxValueSize = *req.MaxValueSize
	}
	maxHistory := s.defaultMaxHistory
	if req.MaxHistoryPerKey != nil {
		maxHistory = *req.MaxHistoryPerKey
	}

	var b *Bucket
	err := tenant.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		var err error
		b, err = scanBucket(tx.QueryRow(ctx, `
			INSERT INTO kv_buckets (name, description, max_value_size, max_history_per_key, ttl_seconds)
			VALUES ($1, $2, $3, $4, $5)
			RETURNING `+bucketColumns,
			req.Name, req.Description, maxValueSize, maxHistory, req.TTLSeconds))
		if err != nil {
			if store.IsUniqueViolation(err) {
				return store.Conflict("bucket already exists: %s", req.Name)
			}
			return err
		}
		return store.Audit(ctx, tx, "create", "kv_bucket", req.Name)
	})
	if err != nil {
		return nil, err
	}

	log.Ctx(ctx).Info().Str("bucket", b.Name).Stringer("id", b.ID).Msg("created kv bucket")
	return b, nil
}

// GetBucket returns the bucket visible to the caller's tenant.
func (s *Store) GetBucket(ctx context.Context, name string) (*Bucket, error) {
	var b *Bucket
	err := tenant.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		var err error
		b, err = getBucketTx(ctx, tx, name)
		return err
	})
	if err != nil {
		return nil, err
	}
	return b, nil
}

func getBucketTx(ctx context.Context, tx pgx.Tx, name string) (*Bucket, error) {
	b, err := scanBucket(tx.QueryRow(ctx,
		`SELECT `+bucketColumns+` FROM kv_buckets WHERE name = $1`, name))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.NotFound("bucket not found: %s", name)
	}
	return b, err
}

// ListBuckets returns every bucket visible to the caller's tenant.
func (s *Store) ListBuckets(ctx context.Context) ([]Bucket, error) {
	var buckets []Bucket
	err := tenant.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx,
			`SELECT `+bucketColumns+` FROM kv_buckets ORDER BY name`)
		if err != nil {
			return err
		}
		defer rows.Close()

		buckets = make([]Bucket, 0)
		for rows.Next() {
			b, err := scanBucket(rows)
			if err != nil {
				return err
			}
			buckets = append(buckets, *b)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return buckets, nil
}

// UpdateBucket applies a partial update to bucket settings.
func (s *Store) UpdateBucket(ctx context.Context, name string, req UpdateBucketRequest) (*Bucket, error) {
	var b *Bucket
	err := tenant.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		var err error
		b, err = scanBucket(tx.QueryRow(ctx, `
			UPDATE kv_buckets SET
				description         = COALESCE($2, description),
				max_value_size      = COALESCE($3, max_value_size),
				max_history_per_key = COALESCE($4, max_history_per_key),
				ttl_seconds         = COALESCE($5, ttl_seconds),
				updated_at          = now()
			WHERE name = $1
			RETURNING `+bucketColumns,
			name, req.Description, req.MaxValueSize, req.MaxHistoryPerKey, req.TTLSeconds))
		if errors.Is(err, pgx.ErrNoRows) {
			return store.NotFound("bucket not found: %s", name)
		}
		return err
	})
	if err != nil {
		return nil, err
	}

	log.Ctx(ctx).Info().Str("bucket", name).Msg("updated kv bucket")
	return b, nil
}

// DeleteBucket removes the bucket; entries and revision counters cascade.
func (s *Store) DeleteBucket(ctx context.Context, name string) error {
	err := tenant.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		ct, err := tx.Exec(ctx, `DELETE FROM kv_buckets WHERE name = $1`, name)
		if err != nil {
			return err
		}
		if ct.RowsAffected() == 0 {
			return store.NotFound("bucket not found: %s", name)
		}
		return store.Audit(ctx, tx, "delete", "kv_bucket", name)
	})
	if err != nil {
		return err
	}

	log.Ctx(ctx).Info().Str("bucket", name).Msg("deleted kv bucket")
	return nil
}

// PurgeBucket hard-deletes every entry in the bucket, keeping the bucket
// and its revision counters, and returns the number of rows removed.
func (s *Store) PurgeBucket(ctx context.Context, name string) (int64, error) {
	var count int64
	err := tenant.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		b, err := getBucketTx(ctx, tx, name)
		if err != nil {
			return err
		}
		ct, err := tx.Exec(ctx, `DELETE FROM kv_entries WHERE bucket_id = $1`, b.ID)
		if err != nil {
			return err
		}
		count = ct.RowsAffected()
		return nil
	})
	if err != nil {
		return 0, err
	}

	log.Ctx(ctx).Info().Str("bucket", name).Int64("deleted", count).Msg("purged kv bucket")
	return count, nil
}

