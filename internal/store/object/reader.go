package object

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/maatini/unistore/internal/store"
	"github.com/maatini/unistore/internal/tenant"
)

// GetMetadata returns the object's metadata. Objects that never finished
// uploading (or failed) read as absent.
func (s *Store) GetMetadata(ctx context.Context, bucketName, objectName string) (*Metadata, error) {
	var meta *Metadata
	err := tenant.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		b, err := getBucketTx(ctx, tx, bucketName)
		if err != nil {
			return err
		}
		meta, err = getMetadataTx(ctx, tx, b.ID, bucketName, objectName)
		return err
	})
	if err != nil {
		return nil, err
	}
	return meta, nil
}

func getMetadataTx(ctx context.Context, tx pgx.Tx, bucketID uuid.UUID, bucketName, objectName string) (*Metadata, error) {
	meta, err := scanMetadata(tx.QueryRow(ctx, `
		SELECT `+metadataColumns+` FROM obj_metadata
		WHERE bucket_id = $1 AND name = $2 AND status = 'COMPLETED'`,
		bucketID, objectName))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.NotFound("object not found: %s/%s", bucketName, objectName)
	}
	return meta, err
}

// List returns the completed objects of the bucket.
func (s *Store) List(ctx context.Context, bucketName string) ([]Metadata, error) {
	var objects []Metadata
	err := tenant.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		b, err := getBucketTx(ctx, tx, bucketName)
		if err != nil {
			return err
		}
		rows, err := tx.Query(ctx, `
			SELECT `+metadataColumns+` FROM obj_metadata
			WHERE bucket_id = $1 AND status = 'COMPLETED'
			ORDER BY name`, b.ID)
		if err != nil {
			return err
		}
		defer rows.Close()

		objects = make([]Metadata, 0)
		for rows.Next() {
			m, err := scanMetadata(rows)
			if err != nil {
				return err
			}
			objects = append(objects, *m)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return objects, nil
}

// ReadAll returns the full object body.
func (s *Store) ReadAll(ctx context.Context, bucketName, objectName string) (*Metadata, []byte, error) {
	meta, err := s.GetMetadata(ctx, bucketName, objectName)
	if err != nil {
		return nil, nil, err
	}
	if meta.Size == 0 {
		return meta, []byte{}, nil
	}
	data, err := s.ReadRange(ctx, bucketName, objectName, 0, meta.Size)
	if err != nil {
		return nil, nil, err
	}
	return meta, data, nil
}

// ReadRange returns length bytes starting at offset, stitched from the
// chunks covering that span. Length is clamped to the object's end.
func (s *Store) ReadRange(ctx context.Context, bucketName, objectName string, offset, length int64) ([]byte, error) {
	if offset < 0 || length < 0 {
		return nil, store.Validation("invalid range: offset=%d length=%d", offset, length)
	}

	var result []byte
	err := tenant.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		b, err := getBucketTx(ctx, tx, bucketName)
		if err != nil {
			return err
		}
		meta, err := getMetadataTx(ctx, tx, b.ID, bucketName, objectName)
		if err != nil {
			return err
		}
		if offset >= meta.Size {
			return store.UnsatisfiableRange("offset %d beyond object size %d", offset, meta.Size)
		}
		if length > meta.Size-offset {
			length = meta.Size - offset
		}
		if length == 0 {
			result = []byte{}
			return nil
		}

		chunkSize := int64(b.ChunkSize)
		startChunk := offset / chunkSize
		endChunk := (offset + length - 1) / chunkSize

		rows, err := tx.Query(ctx, `
			SELECT l.chunk_index, c.data
			FROM obj_metadata_chunks l
			JOIN obj_shared_chunks c ON c.digest = l.chunk_digest
			WHERE l.metadata_id = $1 AND l.chunk_index BETWEEN $2 AND $3
			ORDER BY l.chunk_index`,
			meta.ID, startChunk, endChunk)
		if err != nil {
			return err
		}
		defer rows.Close()

		out := bytes.NewBuffer(make([]byte, 0, length))
		for rows.Next() {
			var index int64
			var data []byte
			if err := rows.Scan(&index, &data); err != nil {
				return err
			}

			chunkStart := index * chunkSize
			sliceStart := max(offset, chunkStart)
			sliceEnd := min(offset+length, chunkStart+int64(len(data)))
			if sliceStart < sliceEnd {
				out.Write(data[sliceStart-chunkStart : sliceEnd-chunkStart])
			}
		}
		if err := rows.Err(); err != nil {
			return err
		}
		if int64(out.Len()) != length {
			return fmt.Errorf("chunk rows missing: wanted %d bytes, stitched %d", length, out.Len())
		}
		result = out.Bytes()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Verify recomputes the object digest over its chunks in index order and
// compares it with the stored one.
func (s *Store) Verify(ctx context.Context, bucketName, objectName string) (bool, string, error) {
	var valid bool
	var message string
	err := tenant.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		b, err := getBucketTx(ctx, tx, bucketName)
		if err != nil {
			return err
		}
		meta, err := getMetadataTx(ctx, tx, b.ID, bucketName, objectName)
		if err != nil {
			return err
		}

		rows, err := tx.Query(ctx, `
			SELECT c.data
			FROM obj_metadata_chunks l
			JOIN obj_shared_chunks c ON c.digest = l.chunk_digest
			WHERE l.metadata_id = $1
			ORDER BY l.chunk_index`, meta.ID)
		if err != nil {
			return err
		}
		defer rows.Close()

		hash := sha256.New()
		var count int
		for rows.Next() {
			var data []byte
			if err := rows.Scan(&data); err != nil {
				return err
			}
			hash.Write(data)
			count++
		}
		if err := rows.Err(); err != nil {
			return err
		}

		if count != meta.ChunkCount {
			valid = false
			message = fmt.Sprintf("chunk count mismatch: expected %d, found %d", meta.ChunkCount, count)
			return nil
		}

		computed := hex.EncodeToString(hash.Sum(nil))
		stored := ""
		if meta.Digest != nil {
			stored = *meta.Digest
		}
		if computed == stored {
			valid = true
			message = "object integrity verified"
		} else {
			valid = false
			message = fmt.Sprintf("digest mismatch: stored=%s computed=%s", stored, computed)
		}
		return nil
	})
	if err != nil {
		return false, "", err
	}
	return valid, message, nil
}
