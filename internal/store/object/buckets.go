package object

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog/log"

	"github.com/maatini/unistore/internal/store"
	"github.com/maatini/unistore/internal/tenant"
)

const bucketColumns = `id, tenant, name, description, chunk_size, max_object_size, created_at, updated_at`

func scanBucket(row pgx.Row) (*Bucket, error) {
	var b Bucket
	err := row.Scan(&b.ID, &b.Tenant, &b.Name, &b.Description, &b.ChunkSize,
		&b.MaxObjectSize, &b.CreatedAt, &b.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &b, nil
}

// CreateBucket creates a new object bucket in the caller's tenant namespace.
func (s *Store) CreateBucket(ctx context.Context, req CreateBucketRequest) (*Bucket, error) {
	chunkSize := s.defaultChunkSize
	if req.ChunkSize != nil {
		chunkSize = *req.ChunkSize
	}
	maxObjectSize := s.defaultMaxObjectSize
	if req.MaxObjectSize != nil {
		maxObjectSize = *req.MaxObjectSize
	}
	if chunkSize <= 0 {
		return nil, store.Validation("chunk size must be positive, got %d", chunkSize)
	}

	var b *Bucket
	err := tenant.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		var err error
		b, err = scanBucket(tx.QueryRow(ctx, `
			INSERT INTO obj_buckets (name, description, chunk_size, max_object_size)
			VALUES ($1, $2, $3, $4)
			RETURNING `+bucketColumns,
			req.Name, req.Description, chunkSize, maxObjectSize))
		if err != nil {
			if store.IsUniqueViolation(err) {
				return store.Conflict("object bucket already exists: %s", req.Name)
			}
			return err
		}
		return store.Audit(ctx, tx, "create", "obj_bucket", req.Name)
	})
	if err != nil {
		return nil, err
	}

	log.Ctx(ctx).Info().Str("bucket", b.Name).Stringer("id", b.ID).Msg("created object bucket")
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
		`SELECT `+bucketColumns+` FROM obj_buckets WHERE name = $1`, name))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.NotFound("object bucket not found: %s", name)
	}
	return b, err
}

// ListBuckets returns every object bucket visible to the caller's tenant.
func (s *Store) ListBuckets(ctx context.Context) ([]Bucket, error) {
	var buckets []Bucket
	err := tenant.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx,
			`SELECT `+bucketColumns+` FROM obj_buckets ORDER BY name`)
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

// UpdateBucket applies a partial update to bucket settings. Changing the
// chunk size only affects future uploads; stored objects keep the layout
// they were written with and remain readable through their link rows.
func (s *Store) UpdateBucket(ctx context.Context, name string, req UpdateBucketRequest) (*Bucket, error) {
	var b *Bucket
	err := tenant.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		var err error
		b, err = scanBucket(tx.QueryRow(ctx, `
			UPDATE obj_buckets SET
				description     = COALESCE($2, description),
				chunk_size      = COALESCE($3, chunk_size),
				max_object_size = COALESCE($4, max_object_size),
				updated_at      = now()
			WHERE name = $1
			RETURNING `+bucketColumns,
			name, req.Description, req.ChunkSize, req.MaxObjectSize))
		if errors.Is(err, pgx.ErrNoRows) {
			return store.NotFound("object bucket not found: %s", name)
		}
		return err
	})
	if err != nil {
		return nil, err
	}

	log.Ctx(ctx).Info().Str("bucket", name).Msg("updated object bucket")
	return b, nil
}

// DeleteBucket removes the bucket; metadata and chunk links cascade.
// Shared chunks stay for other referents.
func (s *Store) DeleteBucket(ctx context.Context, name string) error {
	err := tenant.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		ct, err := tx.Exec(ctx, `DELETE FROM obj_buckets WHERE name = $1`, name)
		if err != nil {
			return err
		}
		if ct.RowsAffected() == 0 {
			return store.NotFound("object bucket not found: %s", name)
		}
		return store.Audit(ctx, tx, "delete", "obj_bucket", name)
	})
	if err != nil {
		return err
	}

	log.Ctx(ctx).Info().Str("bucket", name).Msg("deleted object bucket")
	return nil
}
