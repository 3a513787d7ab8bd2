package services

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-records/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-records/pkg/models"
	"github.com/ekaya-inc/ekaya-records/pkg/repositories"
)

// ResolvedRelations maps source instance id -> relation field id -> targets in edge order.
type ResolvedRelations map[uuid.UUID]map[uuid.UUID][]*models.EntityInstance

// RelationResolver batch-loads the relation targets of many instances.
type RelationResolver interface {
	// Resolve issues exactly one edge query for all sources and fields and
	// one instance query for all distinct targets. Any failure fails the batch.
	Resolve(ctx context.Context, tenantID uuid.UUID, sourceIDs []uuid.UUID, fields []*models.Field) (ResolvedRelations, error)
}

type relationResolver struct {
	relationRepo repositories.EntityRelationRepository
	instanceRepo repositories.EntityInstanceRepository
	logger       *zap.Logger
}

// NewRelationResolver creates a new RelationResolver.
func NewRelationResolver(
	relationRepo repositories.EntityRelationRepository,
	instanceRepo repositories.EntityInstanceRepository,
	logger *zap.Logger,
) RelationResolver {
	return &relationResolver{
		relationRepo: relationRepo,
		instanceRepo: instanceRepo,
		logger:       logger.Named("relation-resolver"),
	}
}

var _ RelationResolver = (*relationResolver)(nil)

func (r *relationResolver) Resolve(ctx context.Context, tenantID uuid.UUID, sourceIDs []uuid.UUID, fields []*models.Field) (ResolvedRelations, error) {
	resolved := make(ResolvedRelations, len(sourceIDs))

	fieldIDs := make([]uuid.UUID, 0, len(fields))
	for _, f := range fields {
		if f.Kind.IsRelation() {
			fieldIDs = append(fieldIDs, f.ID)
		}
	}
	if len(sourceIDs) == 0 || len(fieldIDs) == 0 {
		return resolved, nil
	}

	edges, err := r.relationRepo.GetBySourcesAndFields(ctx, tenantID, sourceIDs, fieldIDs)
	if err != nil {
		return nil, apperrors.Store(err, "failed to load relation edges")
	}
	if len(edges) == 0 {
		return resolved, nil
	}

	seen := make(map[uuid.UUID]bool, len(edges))
	targetIDs := make([]uuid.UUID, 0, len(edges))
	for _, e := range edges {
		if !seen[e.TargetInstanceID] {
			seen[e.TargetInstanceID] = true
			targetIDs = append(targetIDs, e.TargetInstanceID)
		}
	}

	targets, err := r.instanceRepo.GetByIDs(ctx, tenantID, targetIDs)
	if err != nil {
		return nil, apperrors.Store(err, "failed to load related instances")
	}
	byID := make(map[uuid.UUID]*models.EntityInstance, len(targets))
	for _, t := range targets {
		byID[t.ID] = t
	}

	for _, e := range edges {
		target, ok := byID[e.TargetInstanceID]
		if !ok {
			r.logger.Debug("Dropping edge to missing target",
				zap.String("source_instance_id", e.SourceInstanceID.String()),
				zap.String("target_instance_id", e.TargetInstanceID.String()))
			continue
		}
		byField := resolved[e.SourceInstanceID]
		if byField == nil {
			byField = make(map[uuid.UUID][]*models.EntityInstance)
			resolved[e.SourceInstanceID] = byField
		}
		byField[e.RelationFieldID] = append(byField[e.RelationFieldID], target)
	}

	r.logger.Debug("Resolved relations",
		zap.Int("source_count", len(sourceIDs)),
		zap.Int("field_count", len(fieldIDs)),
		zap.Int("edge_count", len(edges)),
		zap.Int("target_count", len(targets)))
	return resolved, nil
}
