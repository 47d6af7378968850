package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/maatini/unistore/internal/store/kv"
	"github.com/maatini/unistore/internal/store/object"
	"github.com/maatini/unistore/internal/tenant"
	"github.com/maatini/unistore/internal/watch"
)

// Server holds dependencies for HTTP handlers
type Server struct {
	DB      *pgxpool.Pool
	KV      *kv.Store
	Objects *object.Store
	Hub     *watch.Hub

	// AuthSecret enables the bearer role gate when non-empty.
	AuthSecret string

	RateLimitConfig RateLimitConfig
}

// writeJSON writes a JSON response with the given status code
func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode json response")
	}
}

// parseLimit parses a limit query param with default and max
func parseLimit(q string, def, max int) int {
	if q == "" {
		return def
	}
	n, err := strconv.Atoi(q)
	if err != nil || n <= 0 {
		return def
	}
	if n > max {
		return max
	}
	return n
}

// Routes creates the HTTP router with the KV and object store endpoints.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(CorrelationMiddleware)
	r.Use(tenant.Middleware)

	// Health check (unauthenticated)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := s.DB.Ping(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "down"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(s.authMiddleware())
		r.Use(s.rateLimitMiddleware())

		r.Route("/kv", func(r chi.Router) {
			// Buckets
			r.Post("/buckets", s.CreateKVBucket)
			r.Get("/buckets", s.ListKVBuckets)
			r.Get("/buckets/{bucket}", s.GetKVBucket)
			r.Put("/buckets/{bucket}", s.UpdateKVBucket)
			r.Delete("/buckets/{bucket}", s.DeleteKVBucket)
			r.Delete("/buckets/{bucket}/purge", s.PurgeKVBucket)

			// Keys
			r.Get("/buckets/{bucket}/keys", s.ListKVKeys)
			r.Get("/buckets/{bucket}/keys/{key}", s.GetKVEntry)
			r.Put("/buckets/{bucket}/keys/{key}", s.PutKVEntry)
			r.Delete("/buckets/{bucket}/keys/{key}", s.DeleteKVEntry)
			r.Delete("/buckets/{bucket}/keys/{key}/purge", s.PurgeKVKey)
			r.Get("/buckets/{bucket}/keys/{key}/revision/{revision}", s.GetKVRevision)
			r.Get("/buckets/{bucket}/keys/{key}/history", s.GetKVHistory)

			// Watch (WebSocket)
			r.Get("/watch/{bucket}", s.WatchKVBucket)
			r.Get("/watch/{bucket}/{key}", s.WatchKVKey)
		})

		r.Route("/objects", func(r chi.Router) {
			// Buckets
			r.Post("/buckets", s.CreateObjectBucket)
			r.Get("/buckets", s.ListObjectBuckets)
			r.Get("/buckets/{bucket}", s.GetObjectBucket)
			r.Put("/buckets/{bucket}", s.UpdateObjectBucket)
			r.Delete("/buckets/{bucket}", s.DeleteObjectBucket)

			// Objects
			r.Get("/buckets/{bucket}/objects", s.ListObjects)
			r.Put("/buckets/{bucket}/objects/{object}", s.PutObject)
			r.Get("/buckets/{bucket}/objects/{object}", s.GetObject)
			r.Delete("/buckets/{bucket}/objects/{object}", s.DeleteObject)
			r.Get("/buckets/{bucket}/objects/{object}/metadata", s.GetObjectMetadata)
			r.Get("/buckets/{bucket}/objects/{object}/verify", s.VerifyObject)

			// Watch (WebSocket)
			r.Get("/watch/{bucket}", s.WatchObjectBucket)
		})
	})

	log.Info().Msg("HTTP routes registered")
	return r
}
