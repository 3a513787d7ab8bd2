package database

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-records/pkg/auth"
)

// TenantHeader names the tenant for anonymous requests against public entities.
const TenantHeader = "X-Tenant-ID"

// WithTenantContext creates middleware that sets up a tenant-scoped DB connection.
// It runs AFTER auth middleware. The tenant comes from JWT claims; anonymous
// requests name it in the X-Tenant-ID header.
// The connection is automatically cleaned up after the handler returns.
func WithTenantContext(db *DB, logger *zap.Logger) func(http.HandlerFunc) http.HandlerFunc {
	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			raw := r.Header.Get(TenantHeader)
			if claims, ok := auth.GetClaims(r.Context()); ok && claims != nil {
				raw = claims.TenantID
			}
			if raw == "" {
				logger.Debug("Missing tenant context", zap.String("path", r.URL.Path))
				writeError(w, http.StatusUnauthorized, "authentication_error", "Missing tenant context")
				return
			}

			tenantID, err := uuid.Parse(raw)
			if err != nil {
				logger.Warn("Invalid tenant ID format",
					zap.String("tenant_id", raw),
					zap.Error(err))
				writeError(w, http.StatusBadRequest, "invalid_tenant_id", "Invalid tenant ID format")
				return
			}

			scope, err := db.WithTenant(r.Context(), tenantID)
			if err != nil {
				logger.Error("Failed to acquire tenant connection",
					zap.String("tenant_id", tenantID.String()),
					zap.Error(err))
				writeError(w, http.StatusInternalServerError, "store_error", "Database connection error")
				return
			}
			defer scope.Close()

			ctx := SetTenantScope(r.Context(), scope)
			next(w, r.WithContext(ctx))
		}
	}
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, statusCode int, errorCode, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":   errorCode,
		"message": message,
	})
}
