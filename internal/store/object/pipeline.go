package object

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog/log"

	"github.com/maatini/unistore/internal/store"
	"github.com/maatini/unistore/internal/tenant"
)

const metadataColumns = `id, bucket_id, name, size, chunk_count, digest, digest_algorithm, content_type, description, headers, status, created_at, updated_at`

func scanMetadata(row pgx.Row) (*Metadata, error) {
	var m Metadata
	var headers []byte
	err := row.Scan(&m.ID, &m.BucketID, &m.Name, &m.Size, &m.ChunkCount, &m.Digest,
		&m.DigestAlgorithm, &m.ContentType, &m.Description, &headers, &m.Status,
		&m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if len(headers) > 0 {
		if err := json.Unmarshal(headers, &m.Headers); err != nil {
			return nil, fmt.Errorf("decode object headers: %w", err)
		}
	}
	return &m, nil
}

// Put streams an object into the store. The pipeline runs in three phases:
// a metadata row is installed with status UPLOADING (replacing any prior
// object of the same name), the stream is split into chunk-size pieces each
// written in its own transaction with content-addressed dedup, and a final
// transaction records size, chunk count and digest and flips the status to
// COMPLETED. Memory use is bounded at one chunk regardless of object size.
func (s *Store) Put(ctx context.Context, bucketName, objectName string, r io.Reader, opts PutOptions) (*Metadata, error) {
	bucket, meta, err := s.begin(ctx, bucketName, objectName, opts)
	if err != nil {
		return nil, err
	}

	result, err := s.stream(ctx, bucket, meta, r)
	if err != nil {
		s.fail(ctx, meta.ID)
		return nil, err
	}

	final, err := s.finalize(ctx, meta.ID, result)
	if err != nil {
		s.fail(ctx, meta.ID)
		return nil, err
	}

	log.Ctx(ctx).Info().
		Str("bucket", bucketName).Str("object", objectName).
		Int64("size", final.Size).Int("chunks", final.ChunkCount).
		Str("digest", *final.Digest).
		Msg("stored object")
	return final, nil
}

// begin replaces any prior object of the same name and installs the
// UPLOADING metadata row. Shared chunks of the replaced object are left in
// place for dedup.
func (s *Store) begin(ctx context.Context, bucketName, objectName string, opts PutOptions) (*Bucket, *Metadata, error) {
	var bucket *Bucket
	var meta *Metadata
	err := tenant.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		var err error
		bucket, err = getBucketTx(ctx, tx, bucketName)
		if err != nil {
			return err
		}

		if _, err := tx.Exec(ctx,
			`DELETE FROM obj_metadata WHERE bucket_id = $1 AND name = $2`,
			bucket.ID, objectName); err != nil {
			return err
		}

		var headers []byte
		if len(opts.Headers) > 0 {
			headers, err = json.Marshal(opts.Headers)
			if err != nil {
				return err
			}
		}

		meta, err = scanMetadata(tx.QueryRow(ctx, `
			INSERT INTO obj_metadata (bucket_id, name, digest_algorithm, content_type, description, headers)
			VALUES ($1, $2, $3, NULLIF($4, ''), NULLIF($5, ''), $6)
			RETURNING `+metadataColumns,
			bucket.ID, objectName, DigestAlgorithm, opts.ContentType, opts.Description, headers))
		if err != nil {
			// Two uploads raced on the same name; the loser sees the
			// winner's row through the (bucket_id, name) constraint.
			if store.IsUniqueViolation(err) {
				return store.Conflict("concurrent upload in progress: %s/%s", bucketName, objectName)
			}
			return err
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return bucket, meta, nil
}

type streamResult struct {
	size       int64
	chunkCount int
	digest     string
}

// stream consumes the reader, emitting one full chunk per iteration. The
// rolling digest covers the raw bytes in stream order.
func (s *Store) stream(ctx context.Context, bucket *Bucket, meta *Metadata, r io.Reader) (*streamResult, error) {
	hash := sha256.New()
	buf := make([]byte, bucket.ChunkSize)
	var total int64
	var index int

	for {
		n, err := io.ReadFull(r, buf)
		if n > 0 {
			total += int64(n)
			if total > bucket.MaxObjectSize {
				return nil, store.Validation("object size exceeds maximum (%d bytes)", bucket.MaxObjectSize)
			}
			hash.Write(buf[:n])
			if cerr := s.storeChunk(ctx, meta.ID, index, buf[:n]); cerr != nil {
				return nil, cerr
			}
			index++
		}
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read upload stream: %w", err)
		}
	}

	return &streamResult{
		size:       total,
		chunkCount: index,
		digest:     hex.EncodeToString(hash.Sum(nil)),
	}, nil
}

// storeChunk writes one chunk in its own transaction: the shared row is
// inserted only when its digest is new, then the index link is appended.
// Contention on a popular digest resolves through the insert's conflict
// clause; the loser just links the existing row.
func (s *Store) storeChunk(ctx context.Context, metadataID uuid.UUID, index int, data []byte) error {
	sum := sha256.Sum256(data)
	digest := hex.EncodeToString(sum[:])

	return tenant.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			INSERT INTO obj_shared_chunks (digest, data, size)
			VALUES ($1, $2, $3)
			ON CONFLICT (digest) DO NOTHING`,
			digest, data, len(data)); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, `
			INSERT INTO obj_metadata_chunks (metadata_id, chunk_index, chunk_digest)
			VALUES ($1, $2, $3)`,
			metadataID, index, digest)
		return err
	})
}

func (s *Store) finalize(ctx context.Context, metadataID uuid.UUID, result *streamResult) (*Metadata, error) {
	var meta *Metadata
	err := tenant.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		var err error
		meta, err = scanMetadata(tx.QueryRow(ctx, `
			UPDATE obj_metadata
			SET size = $2, chunk_count = $3, digest = $4, status = 'COMPLETED', updated_at = now()
			WHERE id = $1
			RETURNING `+metadataColumns,
			metadataID, result.size, result.chunkCount, result.digest))
		return err
	})
	if err != nil {
		return nil, err
	}
	return meta, nil
}

// fail is the compensating transition after a mid-upload error. Chunks
// already linked stay behind for a later link-scoped reap.
func (s *Store) fail(ctx context.Context, metadataID uuid.UUID) {
	err := tenant.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx,
			`UPDATE obj_metadata SET status = 'FAILED', updated_at = now() WHERE id = $1`,
			metadataID)
		return err
	})
	if err != nil {
		log.Ctx(ctx).Error().Err(err).Stringer("metadata_id", metadataID).
			Msg("failed to mark upload as FAILED")
	}
}

// Delete removes the object's metadata; chunk links cascade and shared
// chunks stay for other referents.
func (s *Store) Delete(ctx context.Context, bucketName, objectName string) error {
	err := tenant.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		b, err := getBucketTx(ctx, tx, bucketName)
		if err != nil {
			return err
		}
		ct, err := tx.Exec(ctx,
			`DELETE FROM obj_metadata WHERE bucket_id = $1 AND name = $2`,
			b.ID, objectName)
		if err != nil {
			return err
		}
		if ct.RowsAffected() == 0 {
			return store.NotFound("object not found: %s/%s", bucketName, objectName)
		}
		return nil
	})
	if err != nil {
		return err
	}

	log.Ctx(ctx).Info().Str("bucket", bucketName).Str("object", objectName).Msg("deleted object")
	return nil
}
