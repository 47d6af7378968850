package httpapi

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/maatini/unistore/internal/store"
	"github.com/maatini/unistore/internal/store/kv"
)

// putEntryRequest is the PUT body for a key. Value is plain text unless
// Base64 is set, in which case it is decoded before storage.
type putEntryRequest struct {
	Value      string `json:"value"`
	Base64     bool   `json:"base64,omitempty"`
	TTLSeconds *int64 `json:"ttlSeconds,omitempty"`
}

// entryResponse is the wire shape of one revision. Value is always
// base64-encoded on the way out so binary payloads survive JSON.
type entryResponse struct {
	Key       string  `json:"key"`
	Value     *string `json:"value,omitempty"`
	Base64    bool    `json:"base64"`
	Revision  int64   `json:"revision"`
	Operation string  `json:"operation"`
	CreatedAt string  `json:"createdAt"`
	ExpiresAt *string `json:"expiresAt,omitempty"`
}

func toEntryResponse(e *kv.Entry) entryResponse {
	resp := entryResponse{
		Key:       e.Key,
		Base64:    true,
		Revision:  e.Revision,
		Operation: string(e.Operation),
		CreatedAt: e.CreatedAt.UTC().Format(timeFormat),
	}
	if e.Operation == kv.OpPut {
		v := base64.StdEncoding.EncodeToString(e.Value)
		resp.Value = &v
	}
	if e.ExpiresAt != nil {
		t := e.ExpiresAt.UTC().Format(timeFormat)
		resp.ExpiresAt = &t
	}
	return resp
}

// ListKVKeys handles GET /api/v1/kv/buckets/{bucket}/keys
func (s *Server) ListKVKeys(w http.ResponseWriter, r *http.Request) {
	keys, err := s.KV.ListKeys(r.Context(), chi.URLParam(r, "bucket"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string][]string{"keys": keys})
}

// GetKVEntry handles GET /api/v1/kv/buckets/{bucket}/keys/{key}
func (s *Server) GetKVEntry(w http.ResponseWriter, r *http.Request) {
	entry, err := s.KV.Get(r.Context(), chi.URLParam(r, "bucket"), chi.URLParam(r, "key"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toEntryResponse(entry))
}

// PutKVEntry handles PUT /api/v1/kv/buckets/{bucket}/keys/{key}. An
// expectedRevision query parameter turns the write into a compare-and-swap.
func (s *Server) PutKVEntry(w http.ResponseWriter, r *http.Request) {
	var req putEntryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, store.Validation("invalid request body: %v", err))
		return
	}

	value := []byte(req.Value)
	if req.Base64 {
		decoded, err := base64.StdEncoding.DecodeString(req.Value)
		if err != nil {
			writeError(w, r, store.Validation("value is not valid base64: %v", err))
			return
		}
		value = decoded
	}

	bucket := chi.URLParam(r, "bucket")
	key := chi.URLParam(r, "key")
	put := kv.PutRequest{Value: value, TTLSeconds: req.TTLSeconds}

	var entry *kv.Entry
	var err error
	if raw := r.URL.Query().Get("expectedRevision"); raw != "" {
		expected, perr := strconv.ParseInt(raw, 10, 64)
		if perr != nil || expected < 0 {
			writeError(w, r, store.Validation("invalid expectedRevision: %s", raw))
			return
		}
		entry, err = s.KV.CompareAndSwap(r.Context(), bucket, key, put, expected)
	} else {
		entry, err = s.KV.Put(r.Context(), bucket, key, put)
	}
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toEntryResponse(entry))
}

// DeleteKVEntry handles DELETE /api/v1/kv/buckets/{bucket}/keys/{key}. The
// key gets a tombstone revision; history stays readable.
func (s *Server) DeleteKVEntry(w http.ResponseWriter, r *http.Request) {
	entry, err := s.KV.Delete(r.Context(), chi.URLParam(r, "bucket"), chi.URLParam(r, "key"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toEntryResponse(entry))
}

// PurgeKVKey handles DELETE /api/v1/kv/buckets/{bucket}/keys/{key}/purge.
// All revisions are removed for real; the response carries the count.
func (s *Server) PurgeKVKey(w http.ResponseWriter, r *http.Request) {
	count, err := s.KV.Purge(r.Context(), chi.URLParam(r, "bucket"), chi.URLParam(r, "key"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"count": count})
}

// GetKVRevision handles GET .../keys/{key}/revision/{revision}
func (s *Server) GetKVRevision(w http.ResponseWriter, r *http.Request) {
	revision, err := strconv.ParseInt(chi.URLParam(r, "revision"), 10, 64)
	if err != nil || revision < 1 {
		writeError(w, r, store.Validation("invalid revision: %s", chi.URLParam(r, "revision")))
		return
	}

	entry, err := s.KV.GetRevision(r.Context(), chi.URLParam(r, "bucket"), chi.URLParam(r, "key"), revision)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toEntryResponse(entry))
}

// GetKVHistory handles GET .../keys/{key}/history, newest first.
func (s *Server) GetKVHistory(w http.ResponseWriter, r *http.Request) {
	limit := parseLimit(r.URL.Query().Get("limit"), 0, 1000)

	entries, err := s.KV.History(r.Context(), chi.URLParam(r, "bucket"), chi.URLParam(r, "key"), limit)
	if err != nil {
		writeError(w, r, err)
		return
	}

	out := make([]entryResponse, 0, len(entries))
	for i := range entries {
		out = append(out, toEntryResponse(&entries[i]))
	}
	writeJSON(w, http.StatusOK, out)
}
