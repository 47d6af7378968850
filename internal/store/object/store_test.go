package object

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/maatini/unistore/internal/db"
	"github.com/maatini/unistore/internal/store"
	"github.com/maatini/unistore/internal/tenant"
)

// getTestDB returns a connection to the test database
func getTestDB(t *testing.T) *pgxpool.Pool {
	t.Helper()

	dbURL := os.Getenv("TEST_DATABASE_URL")
	if dbURL == "" {
		t.Skip("TEST_DATABASE_URL not set, skipping integration tests")
	}

	pool, err := db.Open(context.Background(), dbURL)
	if err != nil {
		t.Fatalf("Failed to connect to test database: %v", err)
	}
	if err := db.Bootstrap(context.Background(), pool); err != nil {
		t.Fatalf("Failed to bootstrap schema: %v", err)
	}
	return pool
}

func uniqueName(prefix string) string {
	return fmt.Sprintf("%s-%s", prefix, uuid.NewString()[:8])
}

func testContext(tenantID string) context.Context {
	return tenant.WithTenant(context.Background(), tenantID)
}

func randomBytes(t *testing.T, n int) []byte {
	t.Helper()
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		t.Fatalf("rand: %v", err)
	}
	return buf
}

func intPtr(n int) *int       { return &n }
func int64Ptr(n int64) *int64 { return &n }

func TestObjectRoundTrip(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	pool := getTestDB(t)
	defer pool.Close()

	s := NewStore(pool, 1<<20, 1<<30)
	ctx := testContext("test-tenant")
	bucket := uniqueName("media")

	// Tiny chunks force the multi-chunk path.
	if _, err := s.CreateBucket(ctx, CreateBucketRequest{Name: bucket, ChunkSize: intPtr(16)}); err != nil {
		t.Fatalf("CreateBucket: %v", err)
	}

	content := randomBytes(t, 50) // 4 chunks: 16+16+16+2
	meta, err := s.Put(ctx, bucket, "blob.bin", bytes.NewReader(content), PutOptions{
		ContentType: "application/octet-stream",
		Description: "test blob",
		Headers:     map[string]string{"Origin": "unit"},
	})
	if err != nil {
		t.Fatalf("Put: %v", err)
	}

	if meta.Size != 50 || meta.ChunkCount != 4 {
		t.Errorf("meta = {size:%d chunks:%d}, want {50 4}", meta.Size, meta.ChunkCount)
	}
	if meta.Status != StatusCompleted {
		t.Errorf("status = %s, want COMPLETED", meta.Status)
	}
	wantDigest := sha256.Sum256(content)
	if meta.Digest == nil || *meta.Digest != hex.EncodeToString(wantDigest[:]) {
		t.Errorf("digest mismatch: %v", meta.Digest)
	}

	got, data, err := s.ReadAll(ctx, bucket, "blob.bin")
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if !bytes.Equal(data, content) {
		t.Error("content mismatch after round trip")
	}
	if got.ContentType == nil || *got.ContentType != "application/octet-stream" {
		t.Errorf("content type = %v", got.ContentType)
	}
	if got.Headers["Origin"] != "unit" {
		t.Errorf("headers = %v", got.Headers)
	}

	valid, msg, err := s.Verify(ctx, bucket, "blob.bin")
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !valid {
		t.Errorf("verify failed: %s", msg)
	}
}

func TestObjectEmpty(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	pool := getTestDB(t)
	defer pool.Close()

	s := NewStore(pool, 1<<20, 1<<30)
	ctx := testContext("test-tenant")
	bucket := uniqueName("media")

	if _, err := s.CreateBucket(ctx, CreateBucketRequest{Name: bucket}); err != nil {
		t.Fatalf("CreateBucket: %v", err)
	}

	meta, err := s.Put(ctx, bucket, "empty", bytes.NewReader(nil), PutOptions{})
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if meta.Size != 0 || meta.ChunkCount != 0 {
		t.Errorf("meta = {size:%d chunks:%d}, want {0 0}", meta.Size, meta.ChunkCount)
	}

	_, data, err := s.ReadAll(ctx, bucket, "empty")
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if len(data) != 0 {
		t.Errorf("data length = %d, want 0", len(data))
	}
}

func TestObjectReplace(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	pool := getTestDB(t)
	defer pool.Close()

	s := NewStore(pool, 1<<20, 1<<30)
	ctx := testContext("test-tenant")
	bucket := uniqueName("media")

	if _, err := s.CreateBucket(ctx, CreateBucketRequest{Name: bucket, ChunkSize: intPtr(8)}); err != nil {
		t.Fatalf("CreateBucket: %v", err)
	}

	if _, err := s.Put(ctx, bucket, "doc", bytes.NewReader([]byte("first version")), PutOptions{}); err != nil {
		t.Fatalf("first Put: %v", err)
	}
	if _, err := s.Put(ctx, bucket, "doc", bytes.NewReader([]byte("second")), PutOptions{}); err != nil {
		t.Fatalf("second Put: %v", err)
	}

	_, data, err := s.ReadAll(ctx, bucket, "doc")
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if string(data) != "second" {
		t.Errorf("content = %q, want second", data)
	}

	objects, err := s.List(ctx, bucket)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(objects) != 1 {
		t.Errorf("objects = %d, want 1 (replace, not append)", len(objects))
	}
}

func TestObjectRangeReads(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	pool := getTestDB(t)
	defer pool.Close()

	s := NewStore(pool, 1<<20, 1<<30)
	ctx := testContext("test-tenant")
	bucket := uniqueName("media")

	if _, err := s.CreateBucket(ctx, CreateBucketRequest{Name: bucket, ChunkSize: intPtr(10)}); err != nil {
		t.Fatalf("CreateBucket: %v", err)
	}

	content := []byte("0123456789abcdefghijklmnopqrstuvwxyz") // 36 bytes, 4 chunks
	if _, err := s.Put(ctx, bucket, "alpha", bytes.NewReader(content), PutOptions{}); err != nil {
		t.Fatalf("Put: %v", err)
	}

	tests := []struct {
		name   string
		offset int64
		length int64
		want   string
	}{
		{"within first chunk", 2, 5, "23456"},
		{"chunk boundary", 8, 4, "89ab"},
		{"spanning three chunks", 5, 22, "56789abcdefghijklmnopq"},
		{"full object", 0, 36, string(content)},
		{"tail clamped", 30, 100, "uvwxyz"},
		{"last byte", 35, 1, "z"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := s.ReadRange(ctx, bucket, "alpha", tt.offset, tt.length)
			if err != nil {
				t.Fatalf("ReadRange(%d, %d): %v", tt.offset, tt.length, err)
			}
			if string(data) != tt.want {
				t.Errorf("ReadRange(%d, %d) = %q, want %q", tt.offset, tt.length, data, tt.want)
			}
		})
	}

	// Past the end is unsatisfiable, negative is invalid.
	if _, err := s.ReadRange(ctx, bucket, "alpha", 36, 1); store.KindOf(err) != store.KindUnsatisfiableRange {
		t.Errorf("offset at size: err = %v, want unsatisfiable-range", err)
	}
	if _, err := s.ReadRange(ctx, bucket, "alpha", -1, 5); store.KindOf(err) != store.KindValidation {
		t.Errorf("negative offset: err = %v, want validation", err)
	}
}

func TestObjectChunkDedup(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	pool := getTestDB(t)
	defer pool.Close()

	s := NewStore(pool, 1<<20, 1<<30)
	ctx := testContext("test-tenant")
	bucket := uniqueName("media")

	if _, err := s.CreateBucket(ctx, CreateBucketRequest{Name: bucket, ChunkSize: intPtr(32)}); err != nil {
		t.Fatalf("CreateBucket: %v", err)
	}

	content := randomBytes(t, 64)
	if _, err := s.Put(ctx, bucket, "copy-1", bytes.NewReader(content), PutOptions{}); err != nil {
		t.Fatalf("Put copy-1: %v", err)
	}
	if _, err := s.Put(ctx, bucket, "copy-2", bytes.NewReader(content), PutOptions{}); err != nil {
		t.Fatalf("Put copy-2: %v", err)
	}

	// Identical chunks are stored once; only the link rows differ. The chunk
	// table has no RLS, so plain pool queries see it.
	chunkDigest := sha256.Sum256(content[:32])
	var stored int
	err := pool.QueryRow(context.Background(),
		`SELECT count(*) FROM obj_shared_chunks WHERE digest = $1`,
		hex.EncodeToString(chunkDigest[:])).Scan(&stored)
	if err != nil {
		t.Fatalf("chunk count query: %v", err)
	}
	if stored != 1 {
		t.Errorf("stored copies of chunk = %d, want 1", stored)
	}

	// Both objects still read back independently.
	_, data, err := s.ReadAll(ctx, bucket, "copy-2")
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if !bytes.Equal(data, content) {
		t.Error("copy-2 content mismatch")
	}
}

func TestObjectDeleteKeepsSharedChunks(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	pool := getTestDB(t)
	defer pool.Close()

	s := NewStore(pool, 1<<20, 1<<30)
	ctx := testContext("test-tenant")
	bucket := uniqueName("media")

	if _, err := s.CreateBucket(ctx, CreateBucketRequest{Name: bucket, ChunkSize: intPtr(32)}); err != nil {
		t.Fatalf("CreateBucket: %v", err)
	}

	content := randomBytes(t, 32)
	if _, err := s.Put(ctx, bucket, "a", bytes.NewReader(content), PutOptions{}); err != nil {
		t.Fatalf("Put a: %v", err)
	}
	if _, err := s.Put(ctx, bucket, "b", bytes.NewReader(content), PutOptions{}); err != nil {
		t.Fatalf("Put b: %v", err)
	}

	if err := s.Delete(ctx, bucket, "a"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.GetMetadata(ctx, bucket, "a"); store.KindOf(err) != store.KindNotFound {
		t.Errorf("metadata after delete: err = %v, want not-found", err)
	}
	if err := s.Delete(ctx, bucket, "a"); store.KindOf(err) != store.KindNotFound {
		t.Errorf("double delete: err = %v, want not-found", err)
	}

	// The surviving object still reads: deleting one referrer must not take
	// the shared chunk with it.
	_, data, err := s.ReadAll(ctx, bucket, "b")
	if err != nil {
		t.Fatalf("ReadAll b: %v", err)
	}
	if !bytes.Equal(data, content) {
		t.Error("b content mismatch after deleting a")
	}
}

func TestObjectMaxSizeFailsUpload(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	pool := getTestDB(t)
	defer pool.Close()

	s := NewStore(pool, 1<<20, 1<<30)
	ctx := testContext("test-tenant")
	bucket := uniqueName("media")

	if _, err := s.CreateBucket(ctx, CreateBucketRequest{
		Name:          bucket,
		ChunkSize:     intPtr(8),
		MaxObjectSize: int64Ptr(10),
	}); err != nil {
		t.Fatalf("CreateBucket: %v", err)
	}

	_, err := s.Put(ctx, bucket, "big", bytes.NewReader(randomBytes(t, 20)), PutOptions{})
	if store.KindOf(err) != store.KindValidation {
		t.Fatalf("oversized put: err = %v, want validation", err)
	}

	// The failed upload never becomes visible.
	if _, err := s.GetMetadata(ctx, bucket, "big"); store.KindOf(err) != store.KindNotFound {
		t.Errorf("metadata of failed upload: err = %v, want not-found", err)
	}
	objects, err := s.List(ctx, bucket)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(objects) != 0 {
		t.Errorf("listed objects = %d, want 0", len(objects))
	}
}

func TestObjectTenantIsolation(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	pool := getTestDB(t)
	defer pool.Close()

	s := NewStore(pool, 1<<20, 1<<30)
	bucket := uniqueName("media")
	ctxA := testContext("tenant-a")
	ctxB := testContext("tenant-b")

	if _, err := s.CreateBucket(ctxA, CreateBucketRequest{Name: bucket}); err != nil {
		t.Fatalf("CreateBucket as A: %v", err)
	}
	if _, err := s.Put(ctxA, bucket, "private", bytes.NewReader([]byte("a-data")), PutOptions{}); err != nil {
		t.Fatalf("Put as A: %v", err)
	}

	if _, err := s.GetBucket(ctxB, bucket); store.KindOf(err) != store.KindNotFound {
		t.Errorf("GetBucket as B: err = %v, want not-found", err)
	}
	if _, _, err := s.ReadAll(ctxB, bucket, "private"); store.KindOf(err) != store.KindNotFound {
		t.Errorf("ReadAll as B: err = %v, want not-found", err)
	}
}
