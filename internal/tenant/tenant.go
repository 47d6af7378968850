// Package tenant binds an optional tenant identifier to the request context
// and to the database session serving the request. Row-level security
// policies keyed on app.current_tenant do the actual isolation.
package tenant

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

type ctxKey string

const tenantIDKey ctxKey = "tenant_id"

// Header carries the tenant identifier on every request. Absent or empty
// means the global namespace.
const Header = "X-Tenant-ID"

// FromContext returns the tenant bound to the request, or "" for the
// global namespace.
func FromContext(ctx context.Context) string {
	if t, ok := ctx.Value(tenantIDKey).(string); ok {
		return t
	}
	return ""
}

// WithTenant returns a context carrying the given tenant identifier.
func WithTenant(ctx context.Context, tenant string) context.Context {
	return context.WithValue(ctx, tenantIDKey, tenant)
}

// Middleware extracts X-Tenant-ID and stores the normalized value in the
// request context and the request-scoped logger.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t := strings.TrimSpace(r.Header.Get(Header))
		ctx := WithTenant(r.Context(), t)
		if t != "" {
			logger := log.Ctx(ctx).With().Str("tenant", t).Logger()
			ctx = logger.WithContext(ctx)
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// Begin opens a transaction and sets app.current_tenant for its duration.
// The set_config call is scoped to the transaction (is_local=true), so the
// connection returns to the pool clean. A failed SET rolls back immediately:
// a session without the tenant bound must never touch tenant-scoped tables.
func Begin(ctx context.Context, pool *pgxpool.Pool) (pgx.Tx, error) {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	if err := bind(ctx, tx, FromContext(ctx)); err != nil {
		_ = tx.Rollback(ctx)
		return nil, err
	}
	return tx, nil
}

// BeginMaintenance opens a transaction that bypasses tenant policies via the
// app.maintenance setting. Only the expiry sweeper and the watch hub's
// bucket-cache seed use it.
func BeginMaintenance(ctx context.Context, pool *pgxpool.Pool) (pgx.Tx, error) {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	if _, err := tx.Exec(ctx, `SELECT set_config('app.maintenance', 'on', true)`); err != nil {
		_ = tx.Rollback(ctx)
		return nil, fmt.Errorf("enable maintenance context: %w", err)
	}
	return tx, nil
}

func bind(ctx context.Context, tx pgx.Tx, tenant string) error {
	if _, err := tx.Exec(ctx, `SELECT set_config('app.current_tenant', $1, true)`, tenant); err != nil {
		return fmt.Errorf("bind tenant %q to session: %w", tenant, err)
	}
	return nil
}

// WithTx runs fn inside a tenant-bound transaction, committing on success
// and rolling back on error.
func WithTx(ctx context.Context, pool *pgxpool.Pool, fn func(pgx.Tx) error) error {
	tx, err := Begin(ctx, pool)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}
