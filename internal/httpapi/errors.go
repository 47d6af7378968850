package httpapi

import (
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/maatini/unistore/internal/store"
)

// timeFormat renders timestamps on the wire.
const timeFormat = time.RFC3339Nano

// errorResponse is the JSON envelope for every non-2xx response.
type errorResponse struct {
	Status    int    `json:"status"`
	Error     string `json:"error"`
	Message   string `json:"message"`
	Path      string `json:"path"`
	Timestamp string `json:"timestamp"`
}

// writeError maps the store error taxonomy onto HTTP status codes. Anything
// outside the taxonomy is fatal and surfaces as an opaque 500.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	code := "internal"
	message := "internal server error"

	switch kind := store.KindOf(err); kind {
	case store.KindNotFound:
		status, code, message = http.StatusNotFound, string(kind), err.Error()
	case store.KindConflict, store.KindCASConflict:
		status, code, message = http.StatusConflict, string(kind), err.Error()
	case store.KindValidation:
		status, code, message = http.StatusBadRequest, string(kind), err.Error()
	case store.KindUnsatisfiableRange:
		status, code, message = http.StatusRequestedRangeNotSatisfiable, string(kind), err.Error()
	default:
		log.Ctx(r.Context()).Error().Err(err).
			Str("path", r.URL.Path).Str("method", r.Method).
			Msg("request failed")
	}

	writeJSON(w, status, errorResponse{
		Status:    status,
		Error:     code,
		Message:   message,
		Path:      r.URL.Path,
		Timestamp: time.Now().UTC().Format(timeFormat),
	})
}
