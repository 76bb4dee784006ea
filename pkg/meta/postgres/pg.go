// Package postgres implements the metadata store on PostgreSQL via pgx.
//
// One Store is created per request from the tenant's connection pool. Role
// scoping happens inside transactions: WithTx issues SET LOCAL ROLE before
// the first statement so row-level security applies to the request's role,
// and AsSuperUser returns a sibling handle that re-scopes the same
// transaction to the privileged role.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/keelstore/keel/pkg/meta"
)

// SuperUserRole is the privileged database role used for compensating
// actions and admin-scoped queries.
const SuperUserRole = "keel_admin"

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// txShared is the per-transaction state shared between sibling handles so a
// role switch by one handle is visible to the other.
type txShared struct {
	tx   pgx.Tx
	role string
}

// Store is the PostgreSQL metadata store.
type Store struct {
	pool *pgxpool.Pool

	// role is the session role this handle scopes its statements to.
	// Empty means the pool's login role.
	role string

	// migrationVersion gates column selection for tenants that have not
	// yet run newer migrations.
	migrationVersion uint

	shared *txShared
}

// Options configure a Store handle.
type Options struct {
	// Role is the database role to scope transactions to; empty uses the
	// connection's login role.
	Role string

	// MigrationVersion is the tenant's latest applied migration. Columns
	// introduced by later migrations are elided from queries.
	MigrationVersion uint
}

// New creates a Store over an existing tenant pool.
func New(pool *pgxpool.Pool, opts Options) *Store {
	return &Store{
		pool:             pool,
		role:             opts.Role,
		migrationVersion: opts.MigrationVersion,
	}
}

// q returns the active querier: the transaction when inside WithTx, the pool
// otherwise. Inside a transaction it also ensures the session role matches
// this handle before the statement runs.
func (s *Store) q(ctx context.Context) (querier, error) {
	if s.shared == nil {
		return s.pool, nil
	}
	if s.role != "" && s.shared.role != s.role {
		if _, err := s.shared.tx.Exec(ctx, "SET LOCAL ROLE "+pgx.Identifier{s.role}.Sanitize()); err != nil {
			return nil, mapError(err, "set role")
		}
		s.shared.role = s.role
	}
	return s.shared.tx, nil
}

// WithTx runs fn inside a transaction. Nested calls reuse the transaction.
// The role is applied with SET LOCAL so commit or rollback restores the
// login role along with releasing any advisory locks.
func (s *Store) WithTx(ctx context.Context, fn func(meta.Store) error) error {
	if s.shared != nil {
		return fn(s)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return mapError(err, "begin")
	}

	shared := &txShared{tx: tx}
	child := &Store{
		pool:             s.pool,
		role:             s.role,
		migrationVersion: s.migrationVersion,
		shared:           shared,
	}

	if err := fn(child); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil && rbErr != pgx.ErrTxClosed {
			return fmt.Errorf("%w (rollback: %v)", err, rbErr)
		}
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return mapError(err, "commit")
	}
	return nil
}

// AsSuperUser returns a sibling handle scoped to the privileged role. Inside
// a transaction the sibling shares it; the next statement through either
// handle re-issues SET LOCAL ROLE as needed.
func (s *Store) AsSuperUser() meta.Store {
	return &Store{
		pool:             s.pool,
		role:             SuperUserRole,
		migrationVersion: s.migrationVersion,
		shared:           s.shared,
	}
}

// MustLockObject takes the object's advisory lock without blocking, failing
// fast with ResourceLocked when a concurrent writer holds it.
func (s *Store) MustLockObject(ctx context.Context, bucketID, name, version string) error {
	q, err := s.q(ctx)
	if err != nil {
		return err
	}

	var acquired bool
	key := meta.LockKey(bucketID, name, version)
	if err := q.QueryRow(ctx, `SELECT pg_try_advisory_xact_lock($1)`, key).Scan(&acquired); err != nil {
		return mapError(err, "try lock object")
	}
	if !acquired {
		return errResourceLocked(bucketID + "/" + name)
	}
	return nil
}

// WaitObjectLock blocks on the object's advisory lock up to timeout, using a
// statement-local lock_timeout so the wait cancels server-side.
func (s *Store) WaitObjectLock(ctx context.Context, bucketID, name, version string, timeout time.Duration) error {
	q, err := s.q(ctx)
	if err != nil {
		return err
	}

	if _, err := q.Exec(ctx, fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", timeout.Milliseconds())); err != nil {
		return mapError(err, "set lock timeout")
	}

	key := meta.LockKey(bucketID, name, version)
	if _, err := q.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, key); err != nil {
		mapped := mapError(err, "wait object lock")
		if isLockNotAvailable(err) {
			return errLockTimeout(bucketID + "/" + name)
		}
		return mapped
	}

	// Restore the tenant statement timeout for subsequent statements.
	if _, err := q.Exec(ctx, "SET LOCAL lock_timeout = DEFAULT"); err != nil {
		return mapError(err, "reset lock timeout")
	}
	return nil
}
