package services

import (
	"context"
	"sort"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-records/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-records/pkg/audit"
	"github.com/ekaya-inc/ekaya-records/pkg/models"
	"github.com/ekaya-inc/ekaya-records/pkg/repositories"
	"github.com/ekaya-inc/ekaya-records/pkg/schema"
	sqlcheck "github.com/ekaya-inc/ekaya-records/pkg/sql"
)

// QueryLimits bounds page sizes.
type QueryLimits struct {
	MinLimit int
	MaxLimit int
}

// QueryResult is one page of stored instances before enrichment.
type QueryResult struct {
	Entry      *schema.Entry
	Instances  []*models.EntityInstance
	Pagination models.Pagination
}

// QueryEngine answers filtered, searched, sorted and paginated list requests
// for one entity type.
type QueryEngine interface {
	Query(ctx context.Context, tenantID, entityDefinitionID uuid.UUID, params *models.ListParams) (*QueryResult, error)
}

type queryEngine struct {
	schema       SchemaSource
	instanceRepo repositories.EntityInstanceRepository
	relationRepo repositories.EntityRelationRepository
	limits       QueryLimits
	auditor      *audit.SecurityAuditor
	logger       *zap.Logger
}

// NewQueryEngine creates a new QueryEngine.
func NewQueryEngine(
	schemaSource SchemaSource,
	instanceRepo repositories.EntityInstanceRepository,
	relationRepo repositories.EntityRelationRepository,
	limits QueryLimits,
	auditor *audit.SecurityAuditor,
	logger *zap.Logger,
) QueryEngine {
	return &queryEngine{
		schema:       schemaSource,
		instanceRepo: instanceRepo,
		relationRepo: relationRepo,
		limits:       limits,
		auditor:      auditor,
		logger:       logger.Named("query-engine"),
	}
}

var _ QueryEngine = (*queryEngine)(nil)

// relationFilters holds the parsed relation filters, keyed by field id.
type relationFilters struct {
	any map[uuid.UUID][]uuid.UUID
	all map[uuid.UUID][]uuid.UUID
}

func (f *relationFilters) empty() bool {
	return len(f.any) == 0 && len(f.all) == 0
}

func (e *queryEngine) Query(ctx context.Context, tenantID, entityDefinitionID uuid.UUID, params *models.ListParams) (*QueryResult, error) {
	if params == nil {
		params = &models.ListParams{}
	}

	entry, err := loadEntry(ctx, e.schema, tenantID, entityDefinitionID)
	if err != nil {
		return nil, err
	}
	idx := entry.Index()

	page, limit := models.NormalizePage(params.Page, params.Limit, e.limits.MinLimit, e.limits.MaxLimit)
	result := &QueryResult{
		Entry:      entry,
		Instances:  []*models.EntityInstance{},
		Pagination: models.NewPagination(page, limit, 0),
	}

	attrFilters, relFilters, err := classifyFilters(idx, params)
	if err != nil {
		return nil, err
	}

	sortSpec, err := resolveSort(idx, params.SortField, params.SortDirection)
	if err != nil {
		return nil, err
	}

	q := &models.InstanceQuery{
		TenantID:           tenantID,
		EntityDefinitionID: entityDefinitionID,
		AttributeFilters:   attrFilters,
		Sort:               sortSpec,
		Limit:              limit,
		Offset:             models.Offset(page, limit),
	}

	if !relFilters.empty() {
		restrict, err := e.matchRelations(ctx, tenantID, relFilters)
		if err != nil {
			return nil, err
		}
		if len(restrict) == 0 {
			e.logger.Debug("Relation filters matched nothing",
				zap.String("entity_definition_id", entityDefinitionID.String()))
			return result, nil
		}
		q.RestrictIDs = restrict
	}

	var (
		instances []*models.EntityInstance
		total     int
	)
	if term := strings.TrimSpace(params.Search); term != "" {
		if hit := sqlcheck.CheckValueForInjection("search", term); hit != nil {
			e.auditor.LogInjectionAttempt(ctx, tenantID, entityDefinitionID, audit.InjectionDetails{
				ParamName:   hit.ParamName,
				ParamValue:  hit.ParamValue,
				Fingerprint: hit.Fingerprint,
			})
			return nil, apperrors.Validation("search term rejected")
		}
		if err := prepareSearch(idx, q, term, params.SearchFields); err != nil {
			return nil, err
		}
		instances, total, err = e.instanceRepo.Search(ctx, q)
	} else {
		instances, total, err = e.instanceRepo.List(ctx, q)
	}
	if err != nil {
		return nil, apperrors.Store(err, "failed to query instances")
	}

	if instances != nil {
		result.Instances = instances
	}
	result.Pagination = models.NewPagination(page, limit, total)
	return result, nil
}

// classifyFilters splits filters into attribute and relation filters using
// the definition's fields.
func classifyFilters(idx *schema.FieldIndex, params *models.ListParams) (map[string][]string, *relationFilters, error) {
	attrs := make(map[string][]string)
	rels := &relationFilters{
		any: make(map[uuid.UUID][]uuid.UUID),
		all: make(map[uuid.UUID][]uuid.UUID),
	}

	for name, values := range params.Filters {
		if len(values) == 0 {
			continue
		}
		f, ok := idx.ByName(name)
		if !ok {
			return nil, nil, apperrors.Validation("unknown filter field %q", name)
		}

		switch {
		case f.Kind.IsScalar():
			attrs[name] = values

		case f.Kind.IsRelation():
			ids := make([]uuid.UUID, 0, len(values))
			for _, v := range values {
				id, err := uuid.Parse(strings.TrimSpace(v))
				if err != nil {
					return nil, nil, apperrors.Validation("filter %q expects instance ids, got %q", name, v)
				}
				ids = append(ids, id)
			}
			ids = dedupe(ids)

			mode := params.FilterModes[name]
			if mode == models.FilterModeAll {
				rels.all[f.ID] = ids
			} else {
				rels.any[f.ID] = ids
			}

		default:
			return nil, nil, apperrors.Validation("field %q cannot be filtered", name)
		}
	}
	return attrs, rels, nil
}

// matchRelations returns the ids of instances that satisfy the relation
// filters. ANY fields contribute the union of their matching sources; each
// ALL field requires a source to link to every listed target. When both are
// present the two sets are intersected.
func (e *queryEngine) matchRelations(ctx context.Context, tenantID uuid.UUID, filters *relationFilters) ([]uuid.UUID, error) {
	var sets []map[uuid.UUID]bool

	if len(filters.any) > 0 {
		sources, err := e.relationRepo.FindSourcesAny(ctx, tenantID, filters.any)
		if err != nil {
			return nil, apperrors.Store(err, "failed to match relation filters")
		}
		set := make(map[uuid.UUID]bool, len(sources))
		for _, id := range sources {
			set[id] = true
		}
		sets = append(sets, set)
	}

	if len(filters.all) > 0 {
		matches, err := e.relationRepo.FindSourcesAll(ctx, tenantID, filters.all)
		if err != nil {
			return nil, apperrors.Store(err, "failed to match relation filters")
		}

		satisfied := make(map[uuid.UUID]int)
		for _, m := range matches {
			if m.MatchedTargets >= len(filters.all[m.FieldID]) {
				satisfied[m.SourceID]++
			}
		}
		set := make(map[uuid.UUID]bool, len(satisfied))
		for id, fields := range satisfied {
			if fields == len(filters.all) {
				set[id] = true
			}
		}
		sets = append(sets, set)
	}

	combined := sets[0]
	for _, other := range sets[1:] {
		for id := range combined {
			if !other[id] {
				delete(combined, id)
			}
		}
	}

	ids := make([]uuid.UUID, 0, len(combined))
	for id := range combined {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
	return ids, nil
}

// resolveSort validates the sort field. The default is created_at descending.
func resolveSort(idx *schema.FieldIndex, field string, direction models.SortDirection) (models.AttributeSort, error) {
	if direction == "" {
		direction = models.SortDesc
	}

	switch field {
	case "", models.SortFieldCreatedAt:
		return models.AttributeSort{Field: models.SortFieldCreatedAt, System: true, Direction: direction}, nil
	case models.SortFieldUpdatedAt:
		return models.AttributeSort{Field: models.SortFieldUpdatedAt, System: true, Direction: direction}, nil
	}

	f, ok := idx.ByName(field)
	if !ok || !f.Kind.IsScalar() {
		return models.AttributeSort{}, apperrors.Validation("cannot sort by %q", field)
	}
	return models.AttributeSort{
		Field:     f.Name,
		Numeric:   f.Kind == models.FieldKindNumber,
		Direction: direction,
	}, nil
}

// prepareSearch validates the search fields and sets them on q with the term.
// Without explicit fields every string field is searched.
func prepareSearch(idx *schema.FieldIndex, q *models.InstanceQuery, term string, fields []string) error {
	if len(fields) == 0 {
		fields = idx.StringFieldNames()
		if len(fields) == 0 {
			return apperrors.Validation("entity has no searchable fields")
		}
	}
	for _, name := range fields {
		f, ok := idx.ByName(name)
		if !ok || !f.Kind.IsScalar() {
			return apperrors.Validation("cannot search field %q", name)
		}
	}

	q.Search = term
	q.SearchFields = fields
	return nil
}
