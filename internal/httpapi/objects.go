package httpapi

import (
	"fmt"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/maatini/unistore/internal/store"
	"github.com/maatini/unistore/internal/store/object"
)

// metaHeaderPrefix marks request headers stored verbatim as object headers
// and echoed back on download.
const metaHeaderPrefix = "X-Object-Meta-"

// ListObjects handles GET /api/v1/objects/buckets/{bucket}/objects. Only
// completed objects are listed.
func (s *Server) ListObjects(w http.ResponseWriter, r *http.Request) {
	objects, err := s.Objects.List(r.Context(), chi.URLParam(r, "bucket"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, objects)
}

// PutObject handles PUT /api/v1/objects/buckets/{bucket}/objects/{object}.
// The body is the raw object content; attributes arrive in headers.
func (s *Server) PutObject(w http.ResponseWriter, r *http.Request) {
	opts := object.PutOptions{
		ContentType: r.Header.Get("Content-Type"),
		Description: r.Header.Get("X-Object-Description"),
	}
	for name, values := range r.Header {
		if strings.HasPrefix(name, metaHeaderPrefix) && len(values) > 0 {
			if opts.Headers == nil {
				opts.Headers = make(map[string]string)
			}
			opts.Headers[strings.TrimPrefix(name, metaHeaderPrefix)] = values[0]
		}
	}

	meta, err := s.Objects.Put(r.Context(), chi.URLParam(r, "bucket"), chi.URLParam(r, "object"), r.Body, opts)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, meta)
}

// GetObject handles GET /api/v1/objects/buckets/{bucket}/objects/{object}.
// A Range header yields a 206 partial response.
func (s *Server) GetObject(w http.ResponseWriter, r *http.Request) {
	bucket := chi.URLParam(r, "bucket")
	name := chi.URLParam(r, "object")

	meta, err := s.Objects.GetMetadata(r.Context(), bucket, name)
	if err != nil {
		writeError(w, r, err)
		return
	}

	header := w.Header()
	header.Set("Accept-Ranges", "bytes")
	if meta.ContentType != nil && *meta.ContentType != "" {
		header.Set("Content-Type", *meta.ContentType)
	} else {
		header.Set("Content-Type", "application/octet-stream")
	}
	header.Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": name}))
	if meta.Digest != nil {
		header.Set("X-Object-Digest", *meta.Digest)
		header.Set("X-Object-Digest-Algorithm", meta.DigestAlgorithm)
	}
	for k, v := range meta.Headers {
		header.Set(metaHeaderPrefix+k, v)
	}

	if rangeHeader := r.Header.Get("Range"); rangeHeader != "" {
		rng, err := parseRange(rangeHeader, meta.Size)
		if err != nil {
			if store.KindOf(err) == store.KindUnsatisfiableRange {
				header.Set("Content-Range", fmt.Sprintf("bytes */%d", meta.Size))
			}
			writeError(w, r, err)
			return
		}

		data, err := s.Objects.ReadRange(r.Context(), bucket, name, rng.offset, rng.length)
		if err != nil {
			writeError(w, r, err)
			return
		}
		header.Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d",
			rng.offset, rng.offset+int64(len(data))-1, meta.Size))
		header.Set("Content-Length", strconv.Itoa(len(data)))
		w.WriteHeader(http.StatusPartialContent)
		if _, err := w.Write(data); err != nil {
			log.Ctx(r.Context()).Error().Err(err).Msg("failed to write range response")
		}
		return
	}

	_, data, err := s.Objects.ReadAll(r.Context(), bucket, name)
	if err != nil {
		writeError(w, r, err)
		return
	}
	header.Set("Content-Length", strconv.Itoa(len(data)))
	if _, err := w.Write(data); err != nil {
		log.Ctx(r.Context()).Error().Err(err).Msg("failed to write object response")
	}
}

// DeleteObject handles DELETE /api/v1/objects/buckets/{bucket}/objects/{object}
func (s *Server) DeleteObject(w http.ResponseWriter, r *http.Request) {
	if err := s.Objects.Delete(r.Context(), chi.URLParam(r, "bucket"), chi.URLParam(r, "object")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetObjectMetadata handles GET .../objects/{object}/metadata
func (s *Server) GetObjectMetadata(w http.ResponseWriter, r *http.Request) {
	meta, err := s.Objects.GetMetadata(r.Context(), chi.URLParam(r, "bucket"), chi.URLParam(r, "object"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, meta)
}

// VerifyObject handles GET .../objects/{object}/verify. It re-hashes the
// stored chunks and compares against the recorded digest.
func (s *Server) VerifyObject(w http.ResponseWriter, r *http.Request) {
	valid, message, err := s.Objects.Verify(r.Context(), chi.URLParam(r, "bucket"), chi.URLParam(r, "object"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"valid": valid, "message": message})
}
