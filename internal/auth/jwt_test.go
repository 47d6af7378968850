package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const testSecret = "test-secret"

func signToken(t *testing.T, secret string, claims jwt.MapClaims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return signed
}

func doRequest(handler http.Handler, method, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, "/api/v1/kv/buckets", nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestMiddleware_MissingToken(t *testing.T) {
	handler := Middleware(testSecret)(okHandler())
	if rec := doRequest(handler, "GET", ""); rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
}

func TestMiddleware_WrongSecret(t *testing.T) {
	handler := Middleware(testSecret)(okHandler())
	token := signToken(t, "other-secret", jwt.MapClaims{"sub": "alice"})
	if rec := doRequest(handler, "GET", token); rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
}

func TestMiddleware_ExpiredToken(t *testing.T) {
	handler := Middleware(testSecret)(okHandler())
	token := signToken(t, testSecret, jwt.MapClaims{
		"sub": "alice",
		"exp": time.Now().Add(-time.Hour).Unix(),
	})
	if rec := doRequest(handler, "GET", token); rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
}

func TestMiddleware_ReaderCanRead(t *testing.T) {
	handler := Middleware(testSecret)(okHandler())
	token := signToken(t, testSecret, jwt.MapClaims{
		"sub":   "alice",
		"roles": []string{RoleReader},
	})
	if rec := doRequest(handler, "GET", token); rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
}

func TestMiddleware_ReaderCannotWrite(t *testing.T) {
	handler := Middleware(testSecret)(okHandler())
	token := signToken(t, testSecret, jwt.MapClaims{
		"sub":   "alice",
		"roles": []string{RoleReader},
	})
	for _, method := range []string{"POST", "PUT", "DELETE"} {
		if rec := doRequest(handler, method, token); rec.Code != http.StatusForbidden {
			t.Errorf("%s: status = %d, want 403", method, rec.Code)
		}
	}
}

func TestMiddleware_WriterCanWrite(t *testing.T) {
	var gotSubject string
	handler := Middleware(testSecret)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSubject = Subject(r.Context())
		w.WriteHeader(http.StatusOK)
	}))
	token := signToken(t, testSecret, jwt.MapClaims{
		"sub":   "bob",
		"roles": []string{RoleReader, RoleWriter},
	})
	if rec := doRequest(handler, "PUT", token); rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if gotSubject != "bob" {
		t.Errorf("subject = %q, want %q", gotSubject, "bob")
	}
}
