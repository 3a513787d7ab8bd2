package services

import (
	"context"

	"github.com/google/uuid"

	"github.com/ekaya-inc/ekaya-records/pkg/database"
)

// TenantContextFunc acquires a tenant-scoped database connection.
// Returns the scoped context, a cleanup function (MUST be called), and any error.
// Concurrent branches use it so each runs on its own pooled connection.
type TenantContextFunc func(ctx context.Context, tenantID uuid.UUID) (context.Context, func(), error)

// NewTenantContextFunc creates a TenantContextFunc that uses the given database.
func NewTenantContextFunc(db *database.DB) TenantContextFunc {
	return database.NewTenantScopeProvider(db).WithTenantScope
}

// TxFunc runs fn inside one transaction.
type TxFunc func(ctx context.Context, fn func(ctx context.Context) error) error

// branchContext returns a context for one concurrent branch. With no
// TenantContextFunc the caller's context is reused.
func branchContext(ctx context.Context, getTenant TenantContextFunc, tenantID uuid.UUID) (context.Context, func(), error) {
	if getTenant == nil {
		return ctx, func() {}, nil
	}
	return getTenant(ctx, tenantID)
}
