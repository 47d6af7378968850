// Package auth validates HS256 bearer tokens and enforces the read/write
// role split. Authentication is optional: with no secret configured the
// middleware passes every request through.
package auth

import (
	"context"
	"net/http"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog/log"
)

type ctxKey string

const ctxSubject ctxKey = "sub"

// Roles recognized in the "roles" claim.
const (
	RoleReader = "reader"
	RoleWriter = "writer"
)

// Middleware validates the Authorization bearer token and gates mutating
// methods on the writer role. Read methods accept either role.
func Middleware(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tok := ""
			if h := r.Header.Get("Authorization"); len(h) > 7 && h[:7] == "Bearer " {
				tok = h[7:]
			}
			if tok == "" {
				log.Ctx(r.Context()).Warn().Msg("missing bearer token")
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}

			claims := jwt.MapClaims{}
			t, err := jwt.ParseWithClaims(tok, claims, func(t *jwt.Token) (any, error) {
				if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, jwt.ErrSignatureInvalid
				}
				return []byte(secret), nil
			})
			if err != nil || !t.Valid {
				log.Ctx(r.Context()).Warn().Err(err).Msg("jwt validation failed")
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}

			if mutating(r.Method) && !hasRole(claims, RoleWriter) {
				http.Error(w, "forbidden", http.StatusForbidden)
				return
			}

			sub, _ := claims["sub"].(string)
			ctx := context.WithValue(r.Context(), ctxSubject, sub)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func mutating(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return false
	}
	return true
}

func hasRole(claims jwt.MapClaims, role string) bool {
	roles, ok := claims["roles"].([]any)
	if !ok {
		return false
	}
	for _, r := range roles {
		if s, ok := r.(string); ok && s == role {
			return true
		}
	}
	return false
}

// Subject returns the authenticated token subject, or empty when auth is
// disabled.
func Subject(ctx context.Context) string {
	if s, ok := ctx.Value(ctxSubject).(string); ok {
		return s
	}
	return ""
}
