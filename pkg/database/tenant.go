package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Querier is the subset of pgx shared by pooled connections and transactions.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// TenantScope wraps a connection with tenant context and ensures cleanup.
// The connection has app.current_tenant_id set for RLS policy evaluation.
type TenantScope struct {
	Conn     *pgxpool.Conn
	TenantID uuid.UUID

	tx pgx.Tx
}

// Querier returns the active transaction if one is open, else the connection.
func (s *TenantScope) Querier() Querier {
	if s.tx != nil {
		return s.tx
	}
	return s.Conn
}

// InTx reports whether the scope is inside a transaction.
func (s *TenantScope) InTx() bool {
	return s.tx != nil
}

// Close resets tenant context and releases connection to pool.
// This MUST be called to prevent tenant context from leaking to the next request.
func (s *TenantScope) Close() {
	if s.Conn == nil {
		return
	}
	_, _ = s.Conn.Exec(context.Background(), "RESET app.current_tenant_id")
	s.Conn.Release()
}

// WithTenant acquires a connection and sets the tenant context for RLS.
// The returned TenantScope MUST be closed with defer scope.Close().
func (db *DB) WithTenant(ctx context.Context, tenantID uuid.UUID) (*TenantScope, error) {
	conn, err := db.Pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}

	_, err = conn.Exec(ctx, "SELECT set_config('app.current_tenant_id', $1, false)", tenantID.String())
	if err != nil {
		conn.Release()
		return nil, err
	}

	return &TenantScope{Conn: conn, TenantID: tenantID}, nil
}

// InTx runs fn inside a transaction on the tenant scope stored in ctx.
// The context passed to fn carries a scope whose Querier is the transaction,
// so repositories called from fn participate in it. Nested calls reuse the
// outer transaction. fn's error rolls back; otherwise the transaction commits.
func InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	scope, ok := GetTenantScope(ctx)
	if !ok {
		return fmt.Errorf("no tenant scope in context")
	}
	if scope.InTx() {
		return fn(ctx)
	}

	tx, err := scope.Conn.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	txScope := &TenantScope{Conn: scope.Conn, TenantID: scope.TenantID, tx: tx}
	if err := fn(SetTenantScope(ctx, txScope)); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			return fmt.Errorf("%w (rollback failed: %v)", err, rbErr)
		}
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}
