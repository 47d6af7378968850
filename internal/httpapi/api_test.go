package httpapi

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/maatini/unistore/internal/db"
	"github.com/maatini/unistore/internal/store/kv"
	"github.com/maatini/unistore/internal/store/object"
	"github.com/maatini/unistore/internal/tenant"
	"github.com/maatini/unistore/internal/watch"
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

func newTestServer(pool *pgxpool.Pool) http.Handler {
	srv := &Server{
		DB:      pool,
		KV:      kv.NewStore(pool, 1<<20, 100),
		Objects: object.NewStore(pool, 1<<20, 1<<30),
		Hub:     watch.NewHub(pool, ""),
	}
	return srv.Routes()
}

func uniqueName(prefix string) string {
	return fmt.Sprintf("%s-%s", prefix, uuid.NewString()[:8])
}

// doJSON sends a JSON request with the test tenant header.
func doJSON(router http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(tenant.Header, "test-tenant")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(rec.Body).Decode(&v); err != nil {
		t.Fatalf("failed to decode response body: %v (body: %s)", err, rec.Body.String())
	}
	return v
}

func TestKVEndToEnd(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	pool := getTestDB(t)
	defer pool.Close()
	router := newTestServer(pool)

	bucket := uniqueName("cfg")

	// Create bucket
	rec := doJSON(router, "POST", "/api/v1/kv/buckets", map[string]any{"name": bucket})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create bucket: status = %d, body: %s", rec.Code, rec.Body.String())
	}

	// Put a plain-text value
	rec = doJSON(router, "PUT", "/api/v1/kv/buckets/"+bucket+"/keys/greeting",
		map[string]any{"value": "hello"})
	if rec.Code != http.StatusOK {
		t.Fatalf("put: status = %d, body: %s", rec.Code, rec.Body.String())
	}
	put := decodeBody[entryResponse](t, rec)
	if put.Revision != 1 || put.Operation != "PUT" {
		t.Errorf("put response = %+v", put)
	}

	// Get returns base64
	rec = doJSON(router, "GET", "/api/v1/kv/buckets/"+bucket+"/keys/greeting", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get: status = %d", rec.Code)
	}
	got := decodeBody[entryResponse](t, rec)
	if got.Value == nil {
		t.Fatal("get response missing value")
	}
	decoded, err := base64.StdEncoding.DecodeString(*got.Value)
	if err != nil || string(decoded) != "hello" {
		t.Errorf("decoded value = %q (%v), want hello", decoded, err)
	}

	// CAS with a stale expectation is a 409
	rec = doJSON(router, "PUT", "/api/v1/kv/buckets/"+bucket+"/keys/greeting?expectedRevision=0",
		map[string]any{"value": "clobber"})
	if rec.Code != http.StatusConflict {
		t.Errorf("stale CAS: status = %d, want 409", rec.Code)
	}
	casErr := decodeBody[errorResponse](t, rec)
	if casErr.Error != "cas-conflict" {
		t.Errorf("error code = %q, want cas-conflict", casErr.Error)
	}

	// CAS with the right expectation succeeds
	rec = doJSON(router, "PUT", "/api/v1/kv/buckets/"+bucket+"/keys/greeting?expectedRevision=1",
		map[string]any{"value": "aGk=", "base64": true})
	if rec.Code != http.StatusOK {
		t.Fatalf("CAS: status = %d, body: %s", rec.Code, rec.Body.String())
	}

	// History has both revisions, newest first
	rec = doJSON(router, "GET", "/api/v1/kv/buckets/"+bucket+"/keys/greeting/history", nil)
	hist := decodeBody[[]entryResponse](t, rec)
	if len(hist) != 2 || hist[0].Revision != 2 {
		t.Errorf("history = %+v", hist)
	}

	// Delete leaves a tombstone; reads 404 afterwards
	rec = doJSON(router, "DELETE", "/api/v1/kv/buckets/"+bucket+"/keys/greeting", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("delete: status = %d", rec.Code)
	}
	rec = doJSON(router, "GET", "/api/v1/kv/buckets/"+bucket+"/keys/greeting", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("get after delete: status = %d, want 404", rec.Code)
	}

	// Purge reports the removed revision count
	rec = doJSON(router, "DELETE", "/api/v1/kv/buckets/"+bucket+"/keys/greeting/purge", nil)
	purge := decodeBody[map[string]int64](t, rec)
	if purge["count"] != 3 {
		t.Errorf("purge count = %d, want 3", purge["count"])
	}
}

func TestKVEntryValidation(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	pool := getTestDB(t)
	defer pool.Close()
	router := newTestServer(pool)

	bucket := uniqueName("cfg")
	rec := doJSON(router, "POST", "/api/v1/kv/buckets", map[string]any{"name": bucket})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create bucket: status = %d", rec.Code)
	}

	// Bad base64 payload
	rec = doJSON(router, "PUT", "/api/v1/kv/buckets/"+bucket+"/keys/k",
		map[string]any{"value": "not-base64!!", "base64": true})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad base64: status = %d, want 400", rec.Code)
	}

	// Bad expectedRevision
	rec = doJSON(router, "PUT", "/api/v1/kv/buckets/"+bucket+"/keys/k?expectedRevision=abc",
		map[string]any{"value": "v"})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad expectedRevision: status = %d, want 400", rec.Code)
	}

	// Missing bucket name on create
	rec = doJSON(router, "POST", "/api/v1/kv/buckets", map[string]any{})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("nameless bucket: status = %d, want 400", rec.Code)
	}

	// Duplicate bucket
	rec = doJSON(router, "POST", "/api/v1/kv/buckets", map[string]any{"name": bucket})
	if rec.Code != http.StatusConflict {
		t.Errorf("duplicate bucket: status = %d, want 409", rec.Code)
	}
}

func TestObjectEndToEnd(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	pool := getTestDB(t)
	defer pool.Close()
	router := newTestServer(pool)

	bucket := uniqueName("media")
	rec := doJSON(router, "POST", "/api/v1/objects/buckets", map[string]any{
		"name":      bucket,
		"chunkSize": 16,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create bucket: status = %d, body: %s", rec.Code, rec.Body.String())
	}

	content := []byte("0123456789abcdefghijklmnopqrstuvwxyz")
	base := "/api/v1/objects/buckets/" + bucket + "/objects/alpha.txt"

	// Upload with attributes in headers
	req := httptest.NewRequest("PUT", base, bytes.NewReader(content))
	req.Header.Set(tenant.Header, "test-tenant")
	req.Header.Set("Content-Type", "text/plain")
	req.Header.Set("X-Object-Description", "alphabet")
	req.Header.Set("X-Object-Meta-Origin", "unit")
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("upload: status = %d, body: %s", rec.Code, rec.Body.String())
	}
	meta := decodeBody[object.Metadata](t, rec)
	if meta.Size != 36 || meta.ChunkCount != 3 {
		t.Errorf("meta = {size:%d chunks:%d}, want {36 3}", meta.Size, meta.ChunkCount)
	}

	// Full download
	rec = doJSON(router, "GET", base, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("download: status = %d", rec.Code)
	}
	if !bytes.Equal(rec.Body.Bytes(), content) {
		t.Error("downloaded content mismatch")
	}
	if rec.Header().Get("Content-Type") != "text/plain" {
		t.Errorf("Content-Type = %q", rec.Header().Get("Content-Type"))
	}
	if rec.Header().Get("X-Object-Digest") == "" {
		t.Error("X-Object-Digest missing")
	}
	if got := rec.Header().Get("Content-Disposition"); got != `attachment; filename=alpha.txt` {
		t.Errorf("Content-Disposition = %q", got)
	}
	if rec.Header().Get("X-Object-Meta-Origin") != "unit" {
		t.Errorf("meta header = %q", rec.Header().Get("X-Object-Meta-Origin"))
	}

	// Ranged download
	req = httptest.NewRequest("GET", base, nil)
	req.Header.Set(tenant.Header, "test-tenant")
	req.Header.Set("Range", "bytes=10-19")
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusPartialContent {
		t.Fatalf("range download: status = %d, want 206", rec.Code)
	}
	if rec.Body.String() != "abcdefghij" {
		t.Errorf("range body = %q, want abcdefghij", rec.Body.String())
	}
	if got := rec.Header().Get("Content-Range"); got != "bytes 10-19/36" {
		t.Errorf("Content-Range = %q", got)
	}

	// Unsatisfiable range
	req = httptest.NewRequest("GET", base, nil)
	req.Header.Set(tenant.Header, "test-tenant")
	req.Header.Set("Range", "bytes=100-")
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusRequestedRangeNotSatisfiable {
		t.Errorf("bad range: status = %d, want 416", rec.Code)
	}
	if got := rec.Header().Get("Content-Range"); got != "bytes */36" {
		t.Errorf("Content-Range = %q, want bytes */36", got)
	}

	// Metadata and verification endpoints
	rec = doJSON(router, "GET", base+"/metadata", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("metadata: status = %d", rec.Code)
	}
	rec = doJSON(router, "GET", base+"/verify", nil)
	verify := decodeBody[map[string]any](t, rec)
	if verify["valid"] != true {
		t.Errorf("verify = %v", verify)
	}

	// Delete, then 404
	rec = doJSON(router, "DELETE", base, nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("delete: status = %d", rec.Code)
	}
	rec = doJSON(router, "GET", base, nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("get after delete: status = %d, want 404", rec.Code)
	}
}

func TestTenantHeaderScopesAPI(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	pool := getTestDB(t)
	defer pool.Close()
	router := newTestServer(pool)

	bucket := uniqueName("cfg")

	do := func(tenantID, method, path string, body any) *httptest.ResponseRecorder {
		var reader *bytes.Reader
		if body != nil {
			b, _ := json.Marshal(body)
			reader = bytes.NewReader(b)
		} else {
			reader = bytes.NewReader(nil)
		}
		req := httptest.NewRequest(method, path, reader)
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set(tenant.Header, tenantID)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		return rec
	}

	if rec := do("tenant-a", "POST", "/api/v1/kv/buckets", map[string]any{"name": bucket}); rec.Code != http.StatusCreated {
		t.Fatalf("create as A: status = %d", rec.Code)
	}

	// B does not see A's bucket.
	if rec := do("tenant-b", "GET", "/api/v1/kv/buckets/"+bucket, nil); rec.Code != http.StatusNotFound {
		t.Errorf("get as B: status = %d, want 404", rec.Code)
	}
	// A does.
	if rec := do("tenant-a", "GET", "/api/v1/kv/buckets/"+bucket, nil); rec.Code != http.StatusOK {
		t.Errorf("get as A: status = %d, want 200", rec.Code)
	}
}

func TestHealthz(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	pool := getTestDB(t)
	defer pool.Close()
	router := newTestServer(pool)

	req := httptest.NewRequest("GET", "/healthz", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz: status = %d", rec.Code)
	}
	body := decodeBody[map[string]string](t, rec)
	if body["status"] != "ok" {
		t.Errorf("status = %q, want ok", body["status"])
	}
}
