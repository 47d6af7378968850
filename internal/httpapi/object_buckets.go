package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/maatini/unistore/internal/store"
	"github.com/maatini/unistore/internal/store/object"
)

// CreateObjectBucket handles POST /api/v1/objects/buckets
func (s *Server) CreateObjectBucket(w http.ResponseWriter, r *http.Request) {
	var req object.CreateBucketRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, store.Validation("invalid request body: %v", err))
		return
	}
	if req.Name == "" {
		writeError(w, r, store.Validation("bucket name is required"))
		return
	}

	bucket, err := s.Objects.CreateBucket(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, bucket)
}

// ListObjectBuckets handles GET /api/v1/objects/buckets
func (s *Server) ListObjectBuckets(w http.ResponseWriter, r *http.Request) {
	buckets, err := s.Objects.ListBuckets(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, buckets)
}

// GetObjectBucket handles GET /api/v1/objects/buckets/{bucket}
func (s *Server) GetObjectBucket(w http.ResponseWriter, r *http.Request) {
	bucket, err := s.Objects.GetBucket(r.Context(), chi.URLParam(r, "bucket"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, bucket)
}

// UpdateObjectBucket handles PUT /api/v1/objects/buckets/{bucket}. Chunk
// size changes only affect uploads that start afterwards.
func (s *Server) UpdateObjectBucket(w http.ResponseWriter, r *http.Request) {
	var req object.UpdateBucketRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, store.Validation("invalid request body: %v", err))
		return
	}

	bucket, err := s.Objects.UpdateBucket(r.Context(), chi.URLParam(r, "bucket"), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, bucket)
}

// DeleteObjectBucket handles DELETE /api/v1/objects/buckets/{bucket}
func (s *Server) DeleteObjectBucket(w http.ResponseWriter, r *http.Request) {
	if err := s.Objects.DeleteBucket(r.Context(), chi.URLParam(r, "bucket")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
