// Package object implements the chunked object store: streaming uploads
// split into content-addressed deduplicated chunks, ranged reads, and
// integrity verification, persisted in PostgreSQL.
package object

import (
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Status tracks an object's upload lifecycle. Readers treat anything but
// COMPLETED as absent; the upload phases are separate transactions and
// status is the only cross-phase consistency signal.
type Status string

const (
	StatusUploading Status = "UPLOADING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
)

// DigestAlgorithm is the digest used for whole objects and chunks.
const DigestAlgorithm = "SHA-256"

// Bucket is a tenant-scoped object namespace.
type Bucket struct {
	ID            uuid.UUID `json:"id"`
	Tenant        *string   `json:"tenant,omitempty"`
	Name          string    `json:"name"`
	Description   *string   `json:"description,omitempty"`
	ChunkSize     int       `json:"chunkSize"`
	MaxObjectSize int64     `json:"maxObjectSize"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// Metadata describes a stored object. Chunk payloads live in the shared
// content-addressed chunk table and are reachable through index-ordered
// link rows.
type Metadata struct {
	ID              uuid.UUID         `json:"id"`
	BucketID        uuid.UUID         `json:"bucketId"`
	Name            string            `json:"name"`
	Size            int64             `json:"size"`
	ChunkCount      int               `json:"chunkCount"`
	Digest          *string           `json:"digest,omitempty"`
	DigestAlgorithm string            `json:"digestAlgorithm"`
	ContentType     *string           `json:"contentType,omitempty"`
	Description     *string           `json:"description,omitempty"`
	Headers         map[string]string `json:"headers,omitempty"`
	Status          Status            `json:"status"`
	CreatedAt       time.Time         `json:"createdAt"`
	UpdatedAt       time.Time         `json:"updatedAt"`
}

// CreateBucketRequest carries caller-supplied bucket settings; nil fields
// fall back to server defaults.
type CreateBucketRequest struct {
	Name          string  `json:"name"`
	Description   *string `json:"description,omitempty"`
	ChunkSize     *int    `json:"chunkSize,omitempty"`
	MaxObjectSize *int64  `json:"maxObjectSize,omitempty"`
}

// UpdateBucketRequest carries partial bucket updates; nil fields are kept.
type UpdateBucketRequest struct {
	Description   *string `json:"description,omitempty"`
	ChunkSize     *int    `json:"chunkSize,omitempty"`
	MaxObjectSize *int64  `json:"maxObjectSize,omitempty"`
}

// PutOptions carries the upload attributes taken from request headers.
type PutOptions struct {
	ContentType string
	Description string
	Headers     map[string]string
}

// Store is the object engine.
type Store struct {
	pool *pgxpool.Pool

	defaultChunkSize     int
	defaultMaxObjectSize int64
}

// NewStore creates the object engine with the given server defaults.
func NewStore(pool *pgxpool.Pool, defaultChunkSize int, defaultMaxObjectSize int64) *Store {
	return &Store{
		pool:                 pool,
		defaultChunkSize:     defaultChunkSize,
		defaultMaxObjectSize: defaultMaxObjectSize,
	}
}
