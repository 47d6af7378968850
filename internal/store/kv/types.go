// Package kv implements the revision-indexed key-value store: bucketed
// namespaces, per-key history, tombstone deletes, TTL expiration and
// optimistic compare-and-swap, all persisted in PostgreSQL.
package kv

import (
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Operation tags what a history row represents.
type Operation string

const (
	OpPut    Operation = "PUT"
	OpDelete Operation = "DELETE"
	OpPurge  Operation = "PURGE"
)

// Bucket is a tenant-scoped KV namespace.
type Bucket struct {
	ID               uuid.UUID  `json:"id"`
	Tenant           *string    `json:"tenant,omitempty"`
	Name             string     `json:"name"`
	Description      *string    `json:"description,omitempty"`
	MaxValueSize     int        `json:"maxValueSize"`
	MaxHistoryPerKey int        `json:"maxHistoryPerKey"`
	TTLSeconds       *int64     `json:"ttlSeconds,omitempty"`
	CreatedAt        time.Time  `json:"createdAt"`
	UpdatedAt        time.Time  `json:"updatedAt"`
}

// Entry is one immutable revision of a key. A DELETE row is a tombstone
// and never carries a value.
type Entry struct {
	ID        uuid.UUID  `json:"id"`
	BucketID  uuid.UUID  `json:"bucketId"`
	Key       string     `json:"key"`
	Value     []byte     `json:"-"`
	Revision  int64      `json:"revision"`
	Operation Operation  `json:"operation"`
	CreatedAt time.Time  `json:"createdAt"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
}

// Expired reports whether the entry's TTL has elapsed at the given instant.
func (e *Entry) Expired(now time.Time) bool {
	return e.ExpiresAt != nil && !e.ExpiresAt.After(now)
}

// CreateBucketRequest carries the caller-supplied bucket settings. Nil
// fields fall back to the server defaults.
type CreateBucketRequest struct {
	Name             string  `json:"name"`
	Description      *string `json:"description,omitempty"`
	MaxValueSize     *int    `json:"maxValueSize,omitempty"`
	MaxHistoryPerKey *int    `json:"maxHistoryPerKey,omitempty"`
	TTLSeconds       *int64  `json:"ttlSeconds,omitempty"`
}

// UpdateBucketRequest carries partial bucket updates; nil fields are kept.
type UpdateBucketRequest struct {
	Description      *string `json:"description,omitempty"`
	MaxValueSize     *int    `json:"maxValueSize,omitempty"`
	MaxHistoryPerKey *int    `json:"maxHistoryPerKey,omitempty"`
	TTLSeconds       *int64  `json:"ttlSeconds,omitempty"`
}

// Store is the KV engine. All operations run inside tenant-bound
// transactions; row-level security scopes every query.
type Store struct {
	pool *pgxpool.Pool

	// Server defaults applied when a bucket is created without limits.
	defaultMaxValueSize int
	defaultMaxHistory   int
}

// NewStore creates the KV engine with the given server defaults.
func NewStore(pool *pgxpool.Pool, defaultMaxValueSize, defaultMaxHistory int) *Store {
	return &Store{
		pool:                pool,
		defaultMaxValueSize: defaultMaxValueSize,
		defaultMaxHistory:   defaultMaxHistory,
	}
}
