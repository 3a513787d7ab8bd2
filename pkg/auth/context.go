package auth

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/ekaya-inc/ekaya-records/pkg/models"
)

// roleLevels maps JWT role names to the access tier they grant.
var roleLevels = map[string]models.AccessLevel{
	"admin": models.AccessAdmin,
	"data":  models.AccessData,
	"user":  models.AccessUser,
}

// GetUserIDFromContext extracts the user ID from JWT claims in the context.
// Returns empty string if not authenticated or claims are missing.
func GetUserIDFromContext(ctx context.Context) string {
	claims, ok := GetClaims(ctx)
	if !ok || claims == nil {
		return ""
	}
	return claims.Subject
}

// GetTenantIDFromContext extracts the tenant ID from JWT claims in the context.
// Returns uuid.Nil if not authenticated or claims are missing.
func GetTenantIDFromContext(ctx context.Context) uuid.UUID {
	claims, ok := GetClaims(ctx)
	if !ok || claims == nil || claims.TenantID == "" {
		return uuid.Nil
	}

	tenantID, err := uuid.Parse(claims.TenantID)
	if err != nil {
		return uuid.Nil
	}
	return tenantID
}

// RequireUserIDFromContext extracts the user ID from context and returns an error if not found.
func RequireUserIDFromContext(ctx context.Context) (string, error) {
	userID := GetUserIDFromContext(ctx)
	if userID == "" {
		return "", fmt.Errorf("user ID not found in context")
	}
	return userID, nil
}

// GetAccessLevelFromContext returns the highest tier granted by the caller's roles.
// A caller without claims is public; an authenticated caller without a
// recognised role is authenticated.
func GetAccessLevelFromContext(ctx context.Context) models.AccessLevel {
	claims, ok := GetClaims(ctx)
	if !ok || claims == nil {
		return models.AccessPublic
	}

	level := models.AccessAuthenticated
	for _, role := range claims.Roles {
		if granted, known := roleLevels[role]; known && granted.Satisfies(level) {
			level = granted
		}
	}
	return level
}
