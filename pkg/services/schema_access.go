package services

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/ekaya-inc/ekaya-records/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-records/pkg/auth"
	"github.com/ekaya-inc/ekaya-records/pkg/models"
	"github.com/ekaya-inc/ekaya-records/pkg/schema"
)

// SchemaSource supplies cached definition metadata. *schema.Cache satisfies it.
type SchemaSource interface {
	Entry(ctx context.Context, id uuid.UUID, forceRefresh bool) (*schema.Entry, error)
}

var _ SchemaSource = (*schema.Cache)(nil)

// loadEntry returns the tenant's definition, treating another tenant's
// definition as absent.
func loadEntry(ctx context.Context, src SchemaSource, tenantID, entityDefinitionID uuid.UUID) (*schema.Entry, error) {
	entry, err := src.Entry(ctx, entityDefinitionID, false)
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			return nil, apperrors.NotFound("entity definition %s not found", entityDefinitionID)
		}
		return nil, apperrors.Store(err, "failed to load entity definition")
	}
	if entry.Definition == nil || entry.Definition.TenantID != tenantID {
		return nil, apperrors.NotFound("entity definition %s not found", entityDefinitionID)
	}
	return entry, nil
}

// authorize checks the caller's tier against the definition's requirement for op.
func authorize(ctx context.Context, def *models.EntityDefinition, op models.Operation) error {
	required := def.RequiredLevel(op)
	if !auth.GetAccessLevelFromContext(ctx).Satisfies(required) {
		return apperrors.PermissionDenied("%s on %s requires %s access", op, def.Name, required)
	}
	return nil
}
