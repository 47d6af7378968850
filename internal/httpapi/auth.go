package httpapi

import (
	"net/http"

	"github.com/maatini/unistore/internal/auth"
)

// authMiddleware gates the API on bearer tokens when a secret is
// configured. Without one the deployment is trusted-network and every
// request passes.
func (s *Server) authMiddleware() func(http.Handler) http.Handler {
	if s.AuthSecret == "" {
		return func(next http.Handler) http.Handler { return next }
	}
	return auth.Middleware(s.AuthSecret)
}
