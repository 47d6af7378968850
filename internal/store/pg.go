package store

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/maatini/unistore/internal/tenant"
)

// IsUniqueViolation reports whether err is a PostgreSQL unique constraint
// violation (SQLSTATE 23505).
func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// Audit records a bucket lifecycle event in the same transaction as the
// change it describes.
func Audit(ctx context.Context, tx pgx.Tx, action, entity, name string) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO audit_log (tenant, action, entity, entity_name)
		VALUES (NULLIF($1, ''), $2, $3, $4)`,
		tenant.FromContext(ctx), action, entity, name)
	return err
}
