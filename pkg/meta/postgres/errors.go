package postgres

import (
	"errors"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/keelstore/keel/pkg/apperr"
)

// Driver error classification. Codes follow the PostgreSQL errcodes
// appendix; anything unrecognised surfaces as DatabaseError.
func mapError(err error, operation string) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, pgx.ErrNoRows) {
		// Callers translate to the entity-specific not-found; this is the
		// generic fallback.
		return apperr.NoSuchKey("").WithCause(err)
	}

	// The pool reports exhaustion in the error text, not as a PgError.
	if isPoolExhausted(err) {
		return apperr.SlowDown().WithCause(err)
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "42501": // insufficient_privilege
			return apperr.AccessDenied(operation + ": permission denied").WithCause(err)
		case "23505": // unique_violation
			return apperr.ResourceAlreadyExists("").WithCause(err)
		case "23503": // foreign_key_violation
			return apperr.RelatedResourceNotFound("").WithCause(err)
		case "55P03": // lock_not_available
			return apperr.ResourceLocked("").WithCause(err)
		case "57014": // query_canceled (statement timeout)
			return apperr.DatabaseTimeout().WithCause(err)
		case "53300": // too_many_connections
			return apperr.SlowDown().WithCause(err)
		}
	}

	return apperr.DatabaseError(err)
}

func isLockNotAvailable(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && (pgErr.Code == "55P03" || pgErr.Code == "57014")
}

func isPoolExhausted(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "max client connections reached") ||
		strings.Contains(msg, "remaining connection slots are reserved") ||
		strings.Contains(msg, "sorry, too many clients already")
}

func errResourceLocked(resource string) error {
	return apperr.ResourceLocked(resource)
}

func errLockTimeout(resource string) error {
	return apperr.LockTimeout(resource)
}

// notFoundAs rewrites the generic no-rows error into an entity-specific one.
func notFoundAs(err error, specific *apperr.Error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return specific
	}
	return err
}
