package kv

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog/log"

	"github.com/maatini/unistore/internal/store"
	"github.com/maatini/unistore/internal/tenant"
)

// NotifyChannel is the channel KV mutations publish {bucket, key, op,
// revision} payloads on, inside the mutating transaction.
const NotifyChannel = "kv_changes"

const entryColumns = `id, bucket_id, key, value, revision, operation, created_at, expires_at`

func scanEntry(row pgx.Row) (*Entry, error) {
	var e Entry
	err := row.Scan(&e.ID, &e.BucketID, &e.Key, &e.Value, &e.Revision,
		&e.Operation, &e.CreatedAt, &e.ExpiresAt)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// PutRequest carries a value write. TTLSeconds nil means use the bucket
// default; zero disables expiration for this entry.
type PutRequest struct {
	Value      []byte
	TTLSeconds *int64
}

// allocateRevision bumps the per-key counter and returns the new revision.
// The upsert's row lock serializes concurrent writers to the same key.
func allocateRevision(ctx context.Context, tx pgx.Tx, bucketID uuid.UUID, key string) (int64, error) {
	var rev int64
	err := tx.QueryRow(ctx, `
		INSERT INTO kv_revision_sequences (bucket_id, key, current_revision)
		VALUES ($1, $2, 1)
		ON CONFLICT (bucket_id, key)
		DO UPDATE SET current_revision = kv_revision_sequences.current_revision + 1
		RETURNING current_revision`,
		bucketID, key).Scan(&rev)
	return rev, err
}

// lockRevision takes the counter row lock without advancing it. This is the
// serialization point for compare-and-swap.
func lockRevision(ctx context.Context, tx pgx.Tx, bucketID uuid.UUID, key string) (int64, error) {
	var rev int64
	err := tx.QueryRow(ctx, `
		INSERT INTO kv_revision_sequences (bucket_id, key, current_revision)
		VALUES ($1, $2, 0)
		ON CONFLICT (bucket_id, key)
		DO UPDATE SET current_revision = kv_revision_sequences.current_revision
		RETURNING current_revision`,
		bucketID, key).Scan(&rev)
	return rev, err
}

func notify(ctx context.Context, tx pgx.Tx, bucket string, key string, op Operation, revision int64) error {
	payload, err := json.Marshal(map[string]any{
		"tenant":   tenant.FromContext(ctx),
		"bucket":   bucket,
		"key":      key,
		"op":       string(op),
		"revision": revision,
	})
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `SELECT pg_notify($1, $2)`, NotifyChannel, string(payload))
	return err
}

// Put appends a new revision of key in bucket.
func (s *Store) Put(ctx context.Context, bucketName, key string, req PutRequest) (*Entry, error) {
	var entry *Entry
	err := tenant.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		b, err := getBucketTx(ctx, tx, bucketName)
		if err != nil {
			return err
		}
		entry, err = putTx(ctx, tx, b, key, req)
		return err
	})
	if err != nil {
		return nil, err
	}

	log.Ctx(ctx).Debug().
		Str("bucket", bucketName).Str("key", key).Int64("revision", entry.Revision).
		Msg("kv put")
	return entry, nil
}

// putTx is the shared write path for Put and CompareAndSwap. The caller
// already holds (or is about to take) the counter row lock.
func putTx(ctx context.Context, tx pgx.Tx, b *Bucket, key string, req PutRequest) (*Entry, error) {
	if len(req.Value) > b.MaxValueSize {
		return nil, store.Validation("value size (%d bytes) exceeds maximum (%d bytes)",
			len(req.Value), b.MaxValueSize)
	}

	var expiresAt *time.Time
	ttl := b.TTLSeconds
	if req.TTLSeconds != nil {
		ttl = req.TTLSeconds
	}
	if ttl != nil && *ttl > 0 {
		t := time.Now().Add(time.Duration(*ttl) * time.Second)
		expiresAt = &t
	}

	rev, err := allocateRevision(ctx, tx, b.ID, key)
	if err != nil {
		return nil, err
	}

	entry, err := scanEntry(tx.QueryRow(ctx, `
		INSERT INTO kv_entries (bucket_id, key, value, revision, operation, expires_at)
		VALUES ($1, $2, $3, $4, 'PUT', $5)
		RETURNING `+entryColumns,
		b.ID, key, req.Value, rev, expiresAt))
	if err != nil {
		return nil, err
	}

	// Trim the history window. The freshly allocated revision stays.
	if b.MaxHistoryPerKey > 0 {
		if _, err := tx.Exec(ctx, `
			DELETE FROM kv_entries
			WHERE bucket_id = $1 AND key = $2 AND revision <= $3`,
			b.ID, key, rev-int64(b.MaxHistoryPerKey)); err != nil {
			return nil, err
		}
	}

	if err := notify(ctx, tx, b.Name, key, OpPut, rev); err != nil {
		return nil, err
	}
	return entry, nil
}

// Get returns the latest live revision of key. Tombstoned and expired keys
// read as not-found even before the sweeper removes them.
func (s *Store) Get(ctx context.Context, bucketName, key string) (*Entry, error) {
	var entry *Entry
	err := tenant.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		b, err := getBucketTx(ctx, tx, bucketName)
		if err != nil {
			return err
		}
		entry, err = latestTx(ctx, tx, b.ID, key)
		if err != nil {
			return err
		}
		if entry == nil || entry.Operation == OpDelete {
			return store.NotFound("key not found: %s/%s", bucketName, key)
		}
		if entry.Expired(time.Now()) {
			return store.NotFound("key expired: %s/%s", bucketName, key)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

func latestTx(ctx context.Context, tx pgx.Tx, bucketID uuid.UUID, key string) (*Entry, error) {
	e, err := scanEntry(tx.QueryRow(ctx, `
		SELECT `+entryColumns+` FROM kv_entries
		WHERE bucket_id = $1 AND key = $2
		ORDER BY revision DESC LIMIT 1`,
		bucketID, key))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return e, err
}

// GetRevision returns the exact revision row, tombstones and expired rows
// included, for history fidelity.
func (s *Store) GetRevision(ctx context.Context, bucketName, key string, revision int64) (*Entry, error) {
	var entry *Entry
	err := tenant.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		b, err := getBucketTx(ctx, tx, bucketName)
		if err != nil {
			return err
		}
		entry, err = scanEntry(tx.QueryRow(ctx, `
			SELECT `+entryColumns+` FROM kv_entries
			WHERE bucket_id = $1 AND key = $2 AND revision = $3`,
			b.ID, key, revision))
		if errors.Is(err, pgx.ErrNoRows) {
			return store.NotFound("revision not found: %s/%s@%d", bucketName, key, revision)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// History returns revisions of key newest-first, tombstones included, up to
// limit (bucket max-history default when limit <= 0). A bucket with a zero
// max-history window keeps unbounded history, so no LIMIT applies there.
func (s *Store) History(ctx context.Context, bucketName, key string, limit int) ([]Entry, error) {
	var entries []Entry
	err := tenant.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		b, err := getBucketTx(ctx, tx, bucketName)
		if err != nil {
			return err
		}
		if limit <= 0 {
			limit = b.MaxHistoryPerKey
		}
		query := `
			SELECT ` + entryColumns + ` FROM kv_entries
			WHERE bucket_id = $1 AND key = $2
			ORDER BY revision DESC`
		args := []any{b.ID, key}
		if limit > 0 {
			query += ` LIMIT $3`
			args = append(args, limit)
		}
		rows, err := tx.Query(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()

		entries = make([]Entry, 0, limit)
		for rows.Next() {
			e, err := scanEntry(rows)
			if err != nil {
				return err
			}
			entries = append(entries, *e)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// ListKeys returns the distinct keys of the bucket, tombstoned keys included.
func (s *Store) ListKeys(ctx context.Context, bucketName string) ([]string, error) {
	var keys []string
	err := tenant.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		b, err := getBucketTx(ctx, tx, bucketName)
		if err != nil {
			return err
		}
		rows, err := tx.Query(ctx, `
			SELECT DISTINCT key FROM kv_entries WHERE bucket_id = $1 ORDER BY key`, b.ID)
		if err != nil {
			return err
		}
		defer rows.Close()

		keys = make([]string, 0)
		for rows.Next() {
			var k string
			if err := rows.Scan(&k); err != nil {
				return err
			}
			keys = append(keys, k)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return keys, nil
}

// Delete appends a tombstone revision. Prior history stays within the
// normal max-history window.
func (s *Store) Delete(ctx context.Context, bucketName, key string) (*Entry, error) {
	var entry *Entry
	err := tenant.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		b, err := getBucketTx(ctx, tx, bucketName)
		if err != nil {
			return err
		}
		latest, err := latestTx(ctx, tx, b.ID, key)
		if err != nil {
			return err
		}
		if latest == nil || latest.Operation == OpDelete {
			return store.NotFound("key not found: %s/%s", bucketName, key)
		}

		rev, err := allocateRevision(ctx, tx, b.ID, key)
		if err != nil {
			return err
		}
		entry, err = scanEntry(tx.QueryRow(ctx, `
			INSERT INTO kv_entries (bucket_id, key, value, revision, operation)
			VALUES ($1, $2, NULL, $3, 'DELETE')
			RETURNING `+entryColumns,
			b.ID, key, rev))
		if err != nil {
			return err
		}
		return notify(ctx, tx, b.Name, key, OpDelete, rev)
	})
	if err != nil {
		return nil, err
	}

	log.Ctx(ctx).Debug().
		Str("bucket", bucketName).Str("key", key).Int64("revision", entry.Revision).
		Msg("kv delete")
	return entry, nil
}

// Purge hard-deletes every revision of key, tombstones included, and
// returns the count. The revision counter survives so a later Put resumes
// where the key left off instead of resurrecting at revision 1.
func (s *Store) Purge(ctx context.Context, bucketName, key string) (int64, error) {
	var count int64
	err := tenant.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		b, err := getBucketTx(ctx, tx, bucketName)
		if err != nil {
			return err
		}
		ct, err := tx.Exec(ctx,
			`DELETE FROM kv_entries WHERE bucket_id = $1 AND key = $2`, b.ID, key)
		if err != nil {
			return err
		}
		count = ct.RowsAffected()
		if count == 0 {
			return nil
		}

		var rev int64
		err = tx.QueryRow(ctx, `
			SELECT current_revision FROM kv_revision_sequences
			WHERE bucket_id = $1 AND key = $2`, b.ID, key).Scan(&rev)
		if err != nil && !errors.Is(err, pgx.ErrNoRows) {
			return err
		}
		return notify(ctx, tx, b.Name, key, OpPurge, rev)
	})
	if err != nil {
		return 0, err
	}

	log.Ctx(ctx).Info().
		Str("bucket", bucketName).Str("key", key).Int64("deleted", count).
		Msg("kv purge")
	return count, nil
}

// CompareAndSwap performs a conditional Put. expectedRevision zero asserts
// the key has no revisions; otherwise the latest revision must match.
// Exactly one of N concurrent CAS calls with the same expectation wins;
// the counter row lock serializes them.
func (s *Store) CompareAndSwap(ctx context.Context, bucketName, key string, req PutRequest, expectedRevision int64) (*Entry, error) {
	var entry *Entry
	err := tenant.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		b, err := getBucketTx(ctx, tx, bucketName)
		if err != nil {
			return err
		}

		if _, err := lockRevision(ctx, tx, b.ID, key); err != nil {
			return err
		}

		// Compare against the entries, not the counter: a purged key keeps
		// its counter but has no current revision.
		var current int64
		latest, err := latestTx(ctx, tx, b.ID, key)
		if err != nil {
			return err
		}
		if latest != nil {
			current = latest.Revision
		}
		if current != expectedRevision {
			return store.CASConflict("expected revision %d, current is %d", expectedRevision, current)
		}

		entry, err = putTx(ctx, tx, b, key, req)
		return err
	})
	if err != nil {
		return nil, err
	}

	log.Ctx(ctx).Debug().
		Str("bucket", bucketName).Str("key", key).
		Int64("expected", expectedRevision).Int64("revision", entry.Revision).
		Msg("kv cas")
	return entry, nil
}
