package services

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-records/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-records/pkg/audit"
	"github.com/ekaya-inc/ekaya-records/pkg/auth"
	"github.com/ekaya-inc/ekaya-records/pkg/jsonutil"
	"github.com/ekaya-inc/ekaya-records/pkg/models"
	"github.com/ekaya-inc/ekaya-records/pkg/projection"
	"github.com/ekaya-inc/ekaya-records/pkg/repositories"
	"github.com/ekaya-inc/ekaya-records/pkg/retry"
	"github.com/ekaya-inc/ekaya-records/pkg/schema"
)

// InstanceService is the caller-facing CRUD surface over entity instances.
// Every operation checks the caller's access tier against the definition.
type InstanceService interface {
	// GetInstances returns one page of flattened records.
	GetInstances(ctx context.Context, tenantID, entityDefinitionID uuid.UUID, params *models.ListParams) (*models.InstancePage, error)

	// GetInstance returns one flattened record.
	GetInstance(ctx context.Context, tenantID, entityDefinitionID, id uuid.UUID, opts models.GetInstanceOptions) (projection.Record, error)

	// CreateInstance stores attributes, relations and files in one transaction.
	CreateInstance(ctx context.Context, tenantID, entityDefinitionID uuid.UUID, write *models.InstanceWrite) (projection.Record, error)

	// UpdateInstance merges attributes and replaces the relations and files
	// of the fields present in the payload, in one transaction.
	UpdateInstance(ctx context.Context, tenantID, entityDefinitionID, id uuid.UUID, write *models.InstanceWrite) (projection.Record, error)

	// DeleteInstance removes the instance with its edges and file associations.
	DeleteInstance(ctx context.Context, tenantID, entityDefinitionID, id uuid.UUID) error
}

type instanceService struct {
	schema       SchemaSource
	engine       QueryEngine
	instanceRepo repositories.EntityInstanceRepository
	relationRepo repositories.EntityRelationRepository
	fileRepo     repositories.FileAssociationRepository
	relationSvc  RelationService
	enricher     *enricher
	inTx         TxFunc
	retryCfg     *retry.Config
	auditor      *audit.SecurityAuditor
	logger       *zap.Logger
}

// NewInstanceService creates a new InstanceService.
// inTx runs the write path in one transaction; retryCfg controls how a
// transiently failed transaction is retried.
func NewInstanceService(
	schemaSource SchemaSource,
	engine QueryEngine,
	instanceRepo repositories.EntityInstanceRepository,
	relationRepo repositories.EntityRelationRepository,
	fileRepo repositories.FileAssociationRepository,
	relationSvc RelationService,
	relationResolver RelationResolver,
	fileResolver FileResolver,
	getTenant TenantContextFunc,
	inTx TxFunc,
	retryCfg *retry.Config,
	auditor *audit.SecurityAuditor,
	logger *zap.Logger,
) InstanceService {
	logger = logger.Named("instance-service")
	return &instanceService{
		schema:       schemaSource,
		engine:       engine,
		instanceRepo: instanceRepo,
		relationRepo: relationRepo,
		fileRepo:     fileRepo,
		relationSvc:  relationSvc,
		enricher: &enricher{
			schema:    schemaSource,
			relations: relationResolver,
			files:     fileResolver,
			getTenant: getTenant,
			logger:    logger,
		},
		inTx:     inTx,
		retryCfg: retryCfg,
		auditor:  auditor,
		logger:   logger,
	}
}

var _ InstanceService = (*instanceService)(nil)

func (s *instanceService) GetInstances(ctx context.Context, tenantID, entityDefinitionID uuid.UUID, params *models.ListParams) (*models.InstancePage, error) {
	entry, err := s.authorizedEntry(ctx, tenantID, entityDefinitionID, models.OperationRead)
	if err != nil {
		return nil, err
	}
	if params == nil {
		params = &models.ListParams{}
	}

	result, err := s.engine.Query(ctx, tenantID, entityDefinitionID, params)
	if err != nil {
		return nil, err
	}

	inputs, err := s.enricher.build(ctx, tenantID, entry, result.Instances, params.RelationsAsIDs)
	if err != nil {
		return nil, err
	}

	return &models.InstancePage{
		Data:       projection.FlattenAll(inputs, params.RelationsAsIDs),
		Pagination: result.Pagination,
	}, nil
}

func (s *instanceService) GetInstance(ctx context.Context, tenantID, entityDefinitionID, id uuid.UUID, opts models.GetInstanceOptions) (projection.Record, error) {
	entry, err := s.authorizedEntry(ctx, tenantID, entityDefinitionID, models.OperationRead)
	if err != nil {
		return nil, err
	}

	inst, err := s.instanceRepo.GetByID(ctx, tenantID, id, &entityDefinitionID)
	if err != nil {
		return nil, apperrors.Store(err, "failed to load instance %s", id)
	}

	return s.project(ctx, tenantID, entry, inst, opts.RelationsAsIDs)
}

func (s *instanceService) CreateInstance(ctx context.Context, tenantID, entityDefinitionID uuid.UUID, write *models.InstanceWrite) (projection.Record, error) {
	entry, err := s.authorizedEntry(ctx, tenantID, entityDefinitionID, models.OperationCreate)
	if err != nil {
		return nil, err
	}
	if write == nil {
		write = &models.InstanceWrite{}
	}

	idx := entry.Index()
	if err := validateAttributes(idx, write.Attributes); err != nil {
		return nil, err
	}
	if err := validateRequired(idx, write); err != nil {
		return nil, err
	}
	if err := validateFiles(idx, write.Files); err != nil {
		return nil, err
	}

	inst := &models.EntityInstance{
		ID:                 uuid.New(),
		EntityDefinitionID: entityDefinitionID,
		TenantID:           tenantID,
		Attributes:         write.Attributes,
		CreatedBy:          auth.GetUserIDFromContext(ctx),
	}
	if inst.Attributes == nil {
		inst.Attributes = models.Attributes{}
	}

	err = s.write(ctx, func(txCtx context.Context) error {
		if err := s.instanceRepo.Create(txCtx, inst); err != nil {
			return apperrors.Store(err, "failed to create instance")
		}
		if err := s.relationSvc.CreateRelations(txCtx, tenantID, inst.ID, entityDefinitionID, write.Relations); err != nil {
			return err
		}
		return s.replaceFiles(txCtx, tenantID, inst.ID, idx, write.Files)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("Created instance",
		zap.String("entity_definition_id", entityDefinitionID.String()),
		zap.String("instance_id", inst.ID.String()))

	return s.project(ctx, tenantID, entry, inst, true)
}

func (s *instanceService) UpdateInstance(ctx context.Context, tenantID, entityDefinitionID, id uuid.UUID, write *models.InstanceWrite) (projection.Record, error) {
	entry, err := s.authorizedEntry(ctx, tenantID, entityDefinitionID, models.OperationUpdate)
	if err != nil {
		return nil, err
	}
	if write == nil {
		write = &models.InstanceWrite{}
	}

	idx := entry.Index()
	if err := validateAttributes(idx, write.Attributes); err != nil {
		return nil, err
	}
	if err := validateFiles(idx, write.Files); err != nil {
		return nil, err
	}

	var updated *models.EntityInstance
	err = s.write(ctx, func(txCtx context.Context) error {
		inst, err := s.instanceRepo.GetByID(txCtx, tenantID, id, &entityDefinitionID)
		if err != nil {
			return apperrors.Store(err, "failed to load instance %s", id)
		}
		if len(write.Attributes) > 0 {
			if inst, err = s.instanceRepo.Update(txCtx, tenantID, id, write.Attributes); err != nil {
				return apperrors.Store(err, "failed to update instance %s", id)
			}
		}
		if err := s.relationSvc.UpdateRelations(txCtx, tenantID, id, entityDefinitionID, write.Relations); err != nil {
			return err
		}
		if err := s.replaceFiles(txCtx, tenantID, id, idx, write.Files); err != nil {
			return err
		}
		updated = inst
		return nil
	})
	if err != nil {
		return nil, err
	}

	return s.project(ctx, tenantID, entry, updated, true)
}

func (s *instanceService) DeleteInstance(ctx context.Context, tenantID, entityDefinitionID, id uuid.UUID) error {
	if _, err := s.authorizedEntry(ctx, tenantID, entityDefinitionID, models.OperationDelete); err != nil {
		return err
	}

	err := s.write(ctx, func(txCtx context.Context) error {
		if _, err := s.instanceRepo.GetByID(txCtx, tenantID, id, &entityDefinitionID); err != nil {
			return apperrors.Store(err, "failed to load instance %s", id)
		}
		if err := s.relationRepo.DeleteByInstance(txCtx, tenantID, id); err != nil {
			return apperrors.Store(err, "failed to delete relations of instance %s", id)
		}
		if err := s.fileRepo.DeleteByInstance(txCtx, tenantID, id); err != nil {
			return apperrors.Store(err, "failed to delete files of instance %s", id)
		}
		if err := s.instanceRepo.Delete(txCtx, tenantID, id); err != nil {
			return apperrors.Store(err, "failed to delete instance %s", id)
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.logger.Info("Deleted instance",
		zap.String("entity_definition_id", entityDefinitionID.String()),
		zap.String("instance_id", id.String()))
	return nil
}

func (s *instanceService) authorizedEntry(ctx context.Context, tenantID, entityDefinitionID uuid.UUID, op models.Operation) (*schema.Entry, error) {
	entry, err := loadEntry(ctx, s.schema, tenantID, entityDefinitionID)
	if err != nil {
		return nil, err
	}
	if err := authorize(ctx, entry.Definition, op); err != nil {
		s.auditor.LogAccessDenied(ctx, tenantID, entityDefinitionID, audit.AccessDeniedDetails{
			Operation: op,
			Required:  entry.Definition.RequiredLevel(op),
			Actual:    auth.GetAccessLevelFromContext(ctx),
		})
		return nil, err
	}
	return entry, nil
}

// write runs fn in one transaction, retrying the whole transaction on
// transient store failures.
func (s *instanceService) write(ctx context.Context, fn func(ctx context.Context) error) error {
	attempt := 0
	return retry.DoIfRetryable(ctx, s.retryCfg, func() error {
		attempt++
		err := s.inTx(ctx, fn)
		if err != nil && retry.IsRetryable(err) {
			s.logger.Warn("Write transaction failed, retrying",
				zap.Int("attempt", attempt),
				zap.Error(err))
		}
		return err
	})
}

func (s *instanceService) replaceFiles(ctx context.Context, tenantID, instanceID uuid.UUID, idx *schema.FieldIndex, files map[string][]uuid.UUID) error {
	for name, fileIDs := range files {
		f, _ := idx.ByName(name)
		if err := s.fileRepo.Replace(ctx, tenantID, instanceID, f.ID, dedupe(fileIDs)); err != nil {
			return apperrors.Store(err, "failed to store files for field %s", name)
		}
	}
	return nil
}

func (s *instanceService) project(ctx context.Context, tenantID uuid.UUID, entry *schema.Entry, inst *models.EntityInstance, relationsAsIDs bool) (projection.Record, error) {
	inputs, err := s.enricher.build(ctx, tenantID, entry, []*models.EntityInstance{inst}, relationsAsIDs)
	if err != nil {
		return nil, err
	}
	return projection.Flatten(inputs[0], relationsAsIDs), nil
}

// validateAttributes checks each provided value against its field's kind.
// Keys without a field are tolerated; null clears a value.
func validateAttributes(idx *schema.FieldIndex, attrs models.Attributes) error {
	for name, v := range attrs {
		f, ok := idx.ByName(name)
		if !ok || v == nil {
			continue
		}

		switch f.Kind {
		case models.FieldKindString:
			if _, ok := v.(string); !ok {
				return apperrors.Validation("field %s expects a string", name)
			}
		case models.FieldKindNumber:
			if _, ok := jsonutil.FlexibleNumber(v); !ok {
				return apperrors.Validation("field %s expects a number", name)
			}
		case models.FieldKindBoolean:
			switch b := v.(type) {
			case bool:
			case string:
				if b != "true" && b != "false" {
					return apperrors.Validation("field %s expects a boolean", name)
				}
			default:
				return apperrors.Validation("field %s expects a boolean", name)
			}
		case models.FieldKindTimestamp:
			str, ok := v.(string)
			if !ok {
				return apperrors.Validation("field %s expects a timestamp", name)
			}
			if _, err := time.Parse(time.RFC3339, str); err != nil {
				if _, err := time.Parse(time.DateOnly, str); err != nil {
					return apperrors.Validation("field %s expects an RFC 3339 timestamp or date", name)
				}
			}
		case models.FieldKindFileArray:
			return apperrors.Validation("field %s is set through files", name)
		case models.FieldKindManyToOne, models.FieldKindOneToMany, models.FieldKindManyToMany, models.FieldKindOneToOne:
			return apperrors.Validation("field %s is set through relations", name)
		}
	}
	return nil
}

// validateRequired checks that every required field has a value, a default,
// or an unmet dependency.
func validateRequired(idx *schema.FieldIndex, write *models.InstanceWrite) error {
	for _, f := range idx.All() {
		if !f.Required || f.HasDefault() || !dependencyMet(idx, f, write.Attributes) {
			continue
		}

		var present bool
		switch {
		case f.Kind.IsRelation():
			present = len(write.Relations[f.Name]) > 0
		case f.Kind.IsFile():
			present = len(write.Files[f.Name]) > 0
		default:
			v, ok := write.Attributes[f.Name]
			present = ok && v != nil && v != ""
		}
		if !present {
			return apperrors.Validation("field %s is required", f.Name)
		}
	}
	return nil
}

// dependencyMet reports whether f's dependency, if any, holds for attrs.
func dependencyMet(idx *schema.FieldIndex, f *models.Field, attrs models.Attributes) bool {
	if f.DependsOnFieldID == nil {
		return true
	}
	dep, ok := idx.ByID(*f.DependsOnFieldID)
	if !ok {
		return true
	}
	v, ok := attrs[dep.Name]
	if !ok || v == nil {
		return false
	}
	if f.DependsOnValue == nil {
		return true
	}
	return jsonutil.FlexibleString(v) == *f.DependsOnValue
}

// validateFiles checks that files are only written to file fields and that
// each field's MaxFileCount holds.
func validateFiles(idx *schema.FieldIndex, files map[string][]uuid.UUID) error {
	for name, ids := range files {
		f, ok := idx.ByName(name)
		if !ok || !f.Kind.IsFile() {
			return apperrors.Validation("unknown file field %q", name)
		}
		if f.MaxFileCount != nil && len(dedupe(ids)) > *f.MaxFileCount {
			return apperrors.Validation("field %s accepts at most %d files", name, *f.MaxFileCount)
		}
	}
	return nil
}
