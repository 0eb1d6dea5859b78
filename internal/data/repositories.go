// Package data is the persistence layer: one model type per table, raw SQL,
// and sentinel errors callers branch on with errors.Is. Models take a DBTX
// so the same code runs inside and outside transactions.
package data

import (
	"context"
	"database/sql"
	"errors"

	"github.com/lib/pq"
)

var (
	ErrRecordNotFound = errors.New("record not found")
	ErrUserNotFound   = errors.New("user not found")
	ErrOrgNotFound    = errors.New("organization not found")
	ErrVideoNotFound  = errors.New("video not found")
	ErrEmailDuplicate = errors.New("email already exists")
	ErrSlugDuplicate  = errors.New("organization slug already exists")
	ErrRefreshReuse   = errors.New("refresh token slot mismatch")
)

// DBTX is the common surface of *sql.DB and *sql.Tx.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// isUniqueViolation reports whether err is a Postgres 23505 on the given
// constraint; an empty constraint matches any unique violation.
func isUniqueViolation(err error, constraint string) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return constraint == "" || pqErr.Constraint == constraint
	}
	return false
}
