package services

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ekaya-inc/ekaya-records/pkg/models"
	"github.com/ekaya-inc/ekaya-records/pkg/projection"
	"github.com/ekaya-inc/ekaya-records/pkg/schema"
)

// enricher turns stored instances into projection inputs by resolving their
// relations and files concurrently.
type enricher struct {
	schema    SchemaSource
	relations RelationResolver
	files     FileResolver
	getTenant TenantContextFunc
	logger    *zap.Logger
}

// build returns one projection input per instance, in order. Relation and
// file resolution run concurrently on separate connections; the first
// failure cancels the other branch and fails the call.
func (e *enricher) build(ctx context.Context, tenantID uuid.UUID, entry *schema.Entry, instances []*models.EntityInstance, relationsAsIDs bool) ([]*projection.Input, error) {
	if len(instances) == 0 {
		return []*projection.Input{}, nil
	}

	ids := make([]uuid.UUID, len(instances))
	for i, inst := range instances {
		ids[i] = inst.ID
	}

	idx := entry.Index()
	relationFields := idx.Relations()
	fileFields := idx.Files()

	var (
		rels  ResolvedRelations
		files ResolvedFiles
	)

	g, gctx := errgroup.WithContext(ctx)
	if len(relationFields) > 0 {
		g.Go(func() error {
			branchCtx, cleanup, err := branchContext(gctx, e.getTenant, tenantID)
			if err != nil {
				return err
			}
			defer cleanup()

			rels, err = e.relations.Resolve(branchCtx, tenantID, ids, relationFields)
			return err
		})
	}
	if len(fileFields) > 0 {
		g.Go(func() error {
			branchCtx, cleanup, err := branchContext(gctx, e.getTenant, tenantID)
			if err != nil {
				return err
			}
			defer cleanup()

			files, err = e.files.Resolve(branchCtx, tenantID, ids, fileFields)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		e.logger.Error("Failed to enrich instances",
			zap.String("entity_definition_id", entry.Definition.ID.String()),
			zap.Int("instance_count", len(instances)),
			zap.Error(err))
		return nil, err
	}

	var (
		targetFields map[uuid.UUID][]*models.Field
		targetFiles  ResolvedFiles
	)
	if !relationsAsIDs {
		var err error
		if targetFields, err = e.targetFields(ctx, tenantID, rels); err != nil {
			return nil, err
		}
		if targetFiles, err = e.targetFiles(ctx, tenantID, rels, targetFields); err != nil {
			e.logger.Error("Failed to resolve files of embedded targets",
				zap.String("entity_definition_id", entry.Definition.ID.String()),
				zap.Error(err))
			return nil, err
		}
	}

	inputs := make([]*projection.Input, len(instances))
	for i, inst := range instances {
		in := &projection.Input{
			Instance:  inst,
			Fields:    entry.Fields,
			Files:     files[inst.ID],
			Relations: make(map[uuid.UUID][]*projection.Input),
		}
		for fieldID, targets := range rels[inst.ID] {
			for _, t := range targets {
				in.Relations[fieldID] = append(in.Relations[fieldID], &projection.Input{
					Instance: t,
					Fields:   targetFields[t.EntityDefinitionID],
					Files:    targetFiles[t.ID],
				})
			}
		}
		inputs[i] = in
	}
	return inputs, nil
}

// targetFields loads the field lists of every definition a resolved target
// belongs to, so embedded records are coerced against their own schema.
func (e *enricher) targetFields(ctx context.Context, tenantID uuid.UUID, rels ResolvedRelations) (map[uuid.UUID][]*models.Field, error) {
	out := make(map[uuid.UUID][]*models.Field)
	for _, byField := range rels {
		for _, targets := range byField {
			for _, t := range targets {
				if _, ok := out[t.EntityDefinitionID]; ok {
					continue
				}
				entry, err := loadEntry(ctx, e.schema, tenantID, t.EntityDefinitionID)
				if err != nil {
					return nil, err
				}
				out[t.EntityDefinitionID] = entry.Fields
			}
		}
	}
	return out, nil
}

// targetFiles loads the file references of every embedded target in one
// batch covering the file fields of all target definitions.
func (e *enricher) targetFiles(ctx context.Context, tenantID uuid.UUID, rels ResolvedRelations, targetFields map[uuid.UUID][]*models.Field) (ResolvedFiles, error) {
	var fileFields []*models.Field
	for _, fields := range targetFields {
		for _, f := range fields {
			if f.Kind.IsFile() {
				fileFields = append(fileFields, f)
			}
		}
	}
	if len(fileFields) == 0 {
		return ResolvedFiles{}, nil
	}

	seen := make(map[uuid.UUID]struct{})
	var ids []uuid.UUID
	for _, byField := range rels {
		for _, targets := range byField {
			for _, t := range targets {
				if _, ok := seen[t.ID]; ok {
					continue
				}
				seen[t.ID] = struct{}{}
				ids = append(ids, t.ID)
			}
		}
	}
	return e.files.Resolve(ctx, tenantID, ids, fileFields)
}
