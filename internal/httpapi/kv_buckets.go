package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/maatini/unistore/internal/store"
	"github.com/maatini/unistore/internal/store/kv"
)

// CreateKVBucket handles POST /api/v1/kv/buckets
func (s *Server) CreateKVBucket(w http.ResponseWriter, r *http.Request) {
	var req kv.CreateBucketRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, store.Validation("invalid request body: %v", err))
		return
	}
	if req.Name == "" {
		writeError(w, r, store.Validation("bucket name is required"))
		return
	}

	bucket, err := s.KV.CreateBucket(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, bucket)
}

// ListKVBuckets handles GET /api/v1/kv/buckets
func (s *Server) ListKVBuckets(w http.ResponseWriter, r *http.Request) {
	buckets, err := s.KV.ListBuckets(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, buckets)
}

// GetKVBucket handles GET /api/v1/kv/buckets/{bucket}
func (s *Server) GetKVBucket(w http.ResponseWriter, r *http.Request) {
	bucket, err := s.KV.GetBucket(r.Context(), chi.URLParam(r, "bucket"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, bucket)
}

// UpdateKVBucket handles PUT /api/v1/kv/buckets/{bucket}
func (s *Server) UpdateKVBucket(w http.ResponseWriter, r *http.Request) {
	var req kv.UpdateBucketRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, store.Validation("invalid request body: %v", err))
		return
	}

	bucket, err := s.KV.UpdateBucket(r.Context(), chi.URLParam(r, "bucket"), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, bucket)
}

// DeleteKVBucket handles DELETE /api/v1/kv/buckets/{bucket}
func (s *Server) DeleteKVBucket(w http.ResponseWriter, r *http.Request) {
	if err := s.KV.DeleteBucket(r.Context(), chi.URLParam(r, "bucket")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// PurgeKVBucket handles DELETE /api/v1/kv/buckets/{bucket}/purge
func (s *Server) PurgeKVBucket(w http.ResponseWriter, r *http.Request) {
	count, err := s.KV.PurgeBucket(r.Context(), chi.URLParam(r, "bucket"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"count": count})
}
