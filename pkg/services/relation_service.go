package services

import (
	"context"
	"sort"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-records/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-records/pkg/models"
	"github.com/ekaya-inc/ekaya-records/pkg/repositories"
	"github.com/ekaya-inc/ekaya-records/pkg/schema"
)

// RelationService writes and reads the relation edges of an instance.
// Targets are keyed by relation field name.
type RelationService interface {
	// CreateRelations adds edges for every named relation field. Names that
	// are not relation fields of the definition are logged and skipped.
	CreateRelations(ctx context.Context, tenantID, sourceID, entityDefinitionID uuid.UUID, targetsByField map[string][]uuid.UUID) error

	// UpdateRelations replaces the edges of the fields present in targetsByField.
	// Fields absent from the map keep their edges.
	UpdateRelations(ctx context.Context, tenantID, sourceID, entityDefinitionID uuid.UUID, targetsByField map[string][]uuid.UUID) error

	// GetRelatedInstances returns the targets of one source through one relation field.
	GetRelatedInstances(ctx context.Context, tenantID, sourceID, relationFieldID uuid.UUID) ([]*models.EntityInstance, error)
}

type relationService struct {
	schema       SchemaSource
	relationRepo repositories.EntityRelationRepository
	instanceRepo repositories.EntityInstanceRepository
	logger       *zap.Logger
}

// NewRelationService creates a new RelationService.
func NewRelationService(
	schemaSource SchemaSource,
	relationRepo repositories.EntityRelationRepository,
	instanceRepo repositories.EntityInstanceRepository,
	logger *zap.Logger,
) RelationService {
	return &relationService{
		schema:       schemaSource,
		relationRepo: relationRepo,
		instanceRepo: instanceRepo,
		logger:       logger.Named("relation-service"),
	}
}

var _ RelationService = (*relationService)(nil)

func (s *relationService) CreateRelations(ctx context.Context, tenantID, sourceID, entityDefinitionID uuid.UUID, targetsByField map[string][]uuid.UUID) error {
	if len(targetsByField) == 0 {
		return nil
	}

	entry, err := loadEntry(ctx, s.schema, tenantID, entityDefinitionID)
	if err != nil {
		return err
	}

	plan, err := s.plan(ctx, tenantID, sourceID, entry, targetsByField)
	if err != nil {
		return err
	}

	if err := s.relationRepo.CreateEdges(ctx, plan.edges); err != nil {
		return apperrors.Store(err, "failed to create relations")
	}
	return nil
}

func (s *relationService) UpdateRelations(ctx context.Context, tenantID, sourceID, entityDefinitionID uuid.UUID, targetsByField map[string][]uuid.UUID) error {
	if len(targetsByField) == 0 {
		return nil
	}

	entry, err := loadEntry(ctx, s.schema, tenantID, entityDefinitionID)
	if err != nil {
		return err
	}

	plan, err := s.plan(ctx, tenantID, sourceID, entry, targetsByField)
	if err != nil {
		return err
	}

	if err := s.relationRepo.DeleteBySourceAndFields(ctx, tenantID, sourceID, plan.fieldIDs); err != nil {
		return apperrors.Store(err, "failed to clear relations")
	}
	if err := s.relationRepo.CreateEdges(ctx, plan.edges); err != nil {
		return apperrors.Store(err, "failed to create relations")
	}
	return nil
}

func (s *relationService) GetRelatedInstances(ctx context.Context, tenantID, sourceID, relationFieldID uuid.UUID) ([]*models.EntityInstance, error) {
	targetIDs, err := s.relationRepo.GetTargets(ctx, tenantID, sourceID, relationFieldID)
	if err != nil {
		return nil, apperrors.Store(err, "failed to load relation targets")
	}
	if len(targetIDs) == 0 {
		return []*models.EntityInstance{}, nil
	}

	targets, err := s.instanceRepo.GetByIDs(ctx, tenantID, targetIDs)
	if err != nil {
		return nil, apperrors.Store(err, "failed to load related instances")
	}

	byID := make(map[uuid.UUID]*models.EntityInstance, len(targets))
	for _, t := range targets {
		byID[t.ID] = t
	}
	out := make([]*models.EntityInstance, 0, len(targetIDs))
	for _, id := range targetIDs {
		if t, ok := byID[id]; ok {
			out = append(out, t)
		}
	}
	return out, nil
}

type relationPlan struct {
	fieldIDs []uuid.UUID
	edges    []*models.RelationEdge
}

// plan validates the payload and turns it into edges. Unknown names are
// skipped; targets must exist in the tenant and belong to the related
// definition, and single-valued kinds take at most one target.
func (s *relationService) plan(ctx context.Context, tenantID, sourceID uuid.UUID, entry *schema.Entry, targetsByField map[string][]uuid.UUID) (*relationPlan, error) {
	idx := entry.Index()

	names := make([]string, 0, len(targetsByField))
	for name := range targetsByField {
		names = append(names, name)
	}
	sort.Strings(names)

	plan := &relationPlan{}
	var allTargets []uuid.UUID

	for _, name := range names {
		f, ok := idx.ByName(name)
		if !ok || !f.Kind.IsRelation() {
			s.logger.Warn("Skipping unknown relation field",
				zap.String("entity_definition_id", entry.Definition.ID.String()),
				zap.String("field", name))
			continue
		}

		targets := dedupe(targetsByField[name])
		if f.Kind.IsSingleValued() && len(targets) > 1 {
			return nil, apperrors.Validation("field %s accepts at most one related instance, got %d", name, len(targets))
		}

		plan.fieldIDs = append(plan.fieldIDs, f.ID)
		for _, t := range targets {
			allTargets = append(allTargets, t)
			plan.edges = append(plan.edges, &models.RelationEdge{
				TenantID:         tenantID,
				SourceInstanceID: sourceID,
				TargetInstanceID: t,
				RelationFieldID:  f.ID,
				RelationKind:     f.Kind,
			})
		}
	}

	if len(allTargets) == 0 {
		return plan, nil
	}

	found, err := s.instanceRepo.GetByIDs(ctx, tenantID, dedupe(allTargets))
	if err != nil {
		return nil, apperrors.Store(err, "failed to load relation targets")
	}
	byID := make(map[uuid.UUID]*models.EntityInstance, len(found))
	for _, inst := range found {
		byID[inst.ID] = inst
	}

	for _, e := range plan.edges {
		f, _ := idx.ByID(e.RelationFieldID)
		target, ok := byID[e.TargetInstanceID]
		if !ok {
			return nil, apperrors.Validation("related instance %s for field %s not found", e.TargetInstanceID, f.Name)
		}
		if f.RelatedEntityDefinitionID != nil && target.EntityDefinitionID != *f.RelatedEntityDefinitionID {
			return nil, apperrors.Validation("instance %s is not a valid target for field %s", e.TargetInstanceID, f.Name)
		}
	}
	return plan, nil
}

func dedupe(ids []uuid.UUID) []uuid.UUID {
	seen := make(map[uuid.UUID]bool, len(ids))
	out := make([]uuid.UUID, 0, len(ids))
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}
