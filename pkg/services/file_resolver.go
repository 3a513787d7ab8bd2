package services

import (
	"context"

	"github.com/google/uuid"

	"github.com/ekaya-inc/ekaya-records/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-records/pkg/models"
	"github.com/ekaya-inc/ekaya-records/pkg/repositories"
)

// ResolvedFiles maps instance id -> file field id -> file ids.
type ResolvedFiles map[uuid.UUID]map[uuid.UUID][]uuid.UUID

// FileResolver batch-loads file associations of many instances.
type FileResolver interface {
	// Resolve issues one query covering every instance and file field.
	Resolve(ctx context.Context, tenantID uuid.UUID, instanceIDs []uuid.UUID, fields []*models.Field) (ResolvedFiles, error)
}

type fileResolver struct {
	fileRepo repositories.FileAssociationRepository
}

// NewFileResolver creates a new FileResolver.
func NewFileResolver(fileRepo repositories.FileAssociationRepository) FileResolver {
	return &fileResolver{fileRepo: fileRepo}
}

var _ FileResolver = (*fileResolver)(nil)

func (r *fileResolver) Resolve(ctx context.Context, tenantID uuid.UUID, instanceIDs []uuid.UUID, fields []*models.Field) (ResolvedFiles, error) {
	resolved := make(ResolvedFiles, len(instanceIDs))

	fieldIDs := make([]uuid.UUID, 0, len(fields))
	for _, f := range fields {
		if f.Kind.IsFile() {
			fieldIDs = append(fieldIDs, f.ID)
		}
	}
	if len(instanceIDs) == 0 || len(fieldIDs) == 0 {
		return resolved, nil
	}

	assocs, err := r.fileRepo.GetByInstancesAndFields(ctx, tenantID, instanceIDs, fieldIDs)
	if err != nil {
		return nil, apperrors.Store(err, "failed to load file associations")
	}

	for _, a := range assocs {
		byField := resolved[a.InstanceID]
		if byField == nil {
			byField = make(map[uuid.UUID][]uuid.UUID)
			resolved[a.InstanceID] = byField
		}
		byField[a.FieldID] = append(byField[a.FieldID], a.FileID)
	}
	return resolved, nil
}
