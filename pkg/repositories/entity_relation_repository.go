package repositories

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ekaya-inc/ekaya-records/pkg/models"
)

// EntityRelationRepository provides data access for relation edges.
// The batched reads issue one statement regardless of how many sources or
// fields they cover.
type EntityRelationRepository interface {
	// CreateEdges inserts edges in one statement. Duplicate edges are ignored.
	CreateEdges(ctx context.Context, edges []*models.RelationEdge) error
	DeleteBySourceAndFields(ctx context.Context, tenantID, sourceID uuid.UUID, fieldIDs []uuid.UUID) error
	// DeleteByInstance removes every edge the instance takes part in, as source or target.
	DeleteByInstance(ctx context.Context, tenantID, instanceID uuid.UUID) error
	GetBySourcesAndFields(ctx context.Context, tenantID uuid.UUID, sourceIDs, fieldIDs []uuid.UUID) ([]*models.RelationEdge, error)
	GetTargets(ctx context.Context, tenantID, sourceID, fieldID uuid.UUID) ([]uuid.UUID, error)
	// FindSourcesAny returns the distinct sources linked to at least one
	// listed target through the keyed relation field.
	FindSourcesAny(ctx context.Context, tenantID uuid.UUID, targetsByField map[uuid.UUID][]uuid.UUID) ([]uuid.UUID, error)
	// FindSourcesAll counts, per field and source, how many distinct listed
	// targets the source links to.
	FindSourcesAll(ctx context.Context, tenantID uuid.UUID, targetsByField map[uuid.UUID][]uuid.UUID) ([]models.SourceMatch, error)
}

type entityRelationRepository struct{}

// NewEntityRelationRepository creates a new EntityRelationRepository.
func NewEntityRelationRepository() EntityRelationRepository {
	return &entityRelationRepository{}
}

var _ EntityRelationRepository = (*entityRelationRepository)(nil)

const relationColumns = `id, tenant_id, source_instance_id, target_instance_id, relation_field_id, relation_kind, created_at`

func (r *entityRelationRepository) CreateEdges(ctx context.Context, edges []*models.RelationEdge) error {
	if len(edges) == 0 {
		return nil
	}

	q, err := querier(ctx)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	ids := make([]uuid.UUID, len(edges))
	tenants := make([]uuid.UUID, len(edges))
	sources := make([]uuid.UUID, len(edges))
	targets := make([]uuid.UUID, len(edges))
	fields := make([]uuid.UUID, len(edges))
	kinds := make([]string, len(edges))
	for i, e := range edges {
		if e.ID == uuid.Nil {
			e.ID = uuid.New()
		}
		e.CreatedAt = now
		ids[i] = e.ID
		tenants[i] = e.TenantID
		sources[i] = e.SourceInstanceID
		targets[i] = e.TargetInstanceID
		fields[i] = e.RelationFieldID
		kinds[i] = string(e.RelationKind)
	}

	query := `
		INSERT INTO entity_relations (
			id, tenant_id, source_instance_id, target_instance_id, relation_field_id, relation_kind, created_at
		)
		SELECT e.id, e.tenant_id, e.source_id, e.target_id, e.field_id, e.kind, $7
		FROM unnest($1::uuid[], $2::uuid[], $3::uuid[], $4::uuid[], $5::uuid[], $6::text[])
			AS e(id, tenant_id, source_id, target_id, field_id, kind)
		ON CONFLICT (source_instance_id, relation_field_id, target_instance_id) DO NOTHING`

	if _, err := q.Exec(ctx, query, ids, tenants, sources, targets, fields, kinds, now); err != nil {
		return fmt.Errorf("failed to create relation edges: %w", err)
	}
	return nil
}

func (r *entityRelationRepository) DeleteBySourceAndFields(ctx context.Context, tenantID, sourceID uuid.UUID, fieldIDs []uuid.UUID) error {
	if len(fieldIDs) == 0 {
		return nil
	}

	q, err := querier(ctx)
	if err != nil {
		return err
	}

	query := `
		DELETE FROM entity_relations
		WHERE tenant_id = $1 AND source_instance_id = $2 AND relation_field_id = ANY($3)`

	if _, err := q.Exec(ctx, query, tenantID, sourceID, fieldIDs); err != nil {
		return fmt.Errorf("failed to delete relation edges: %w", err)
	}
	return nil
}

func (r *entityRelationRepository) DeleteByInstance(ctx context.Context, tenantID, instanceID uuid.UUID) error {
	q, err := querier(ctx)
	if err != nil {
		return err
	}

	query := `
		DELETE FROM entity_relations
		WHERE tenant_id = $1 AND (source_instance_id = $2 OR target_instance_id = $2)`

	if _, err := q.Exec(ctx, query, tenantID, instanceID); err != nil {
		return fmt.Errorf("failed to delete relation edges for instance: %w", err)
	}
	return nil
}

func (r *entityRelationRepository) GetBySourcesAndFields(ctx context.Context, tenantID uuid.UUID, sourceIDs, fieldIDs []uuid.UUID) ([]*models.RelationEdge, error) {
	if len(sourceIDs) == 0 || len(fieldIDs) == 0 {
		return nil, nil
	}

	q, err := querier(ctx)
	if err != nil {
		return nil, err
	}

	query := `SELECT ` + relationColumns + `
		FROM entity_relations
		WHERE tenant_id = $1
		  AND source_instance_id = ANY($2)
		  AND relation_field_id = ANY($3)
		ORDER BY source_instance_id, relation_field_id, created_at, target_instance_id`

	rows, err := q.Query(ctx, query, tenantID, sourceIDs, fieldIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to get relation edges: %w", err)
	}
	defer rows.Close()

	var edges []*models.RelationEdge
	for rows.Next() {
		e, err := scanEdge(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan relation edge: %w", err)
		}
		edges = append(edges, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate relation edges: %w", err)
	}
	return edges, nil
}

func (r *entityRelationRepository) GetTargets(ctx context.Context, tenantID, sourceID, fieldID uuid.UUID) ([]uuid.UUID, error) {
	q, err := querier(ctx)
	if err != nil {
		return nil, err
	}

	query := `
		SELECT target_instance_id
		FROM entity_relations
		WHERE tenant_id = $1 AND source_instance_id = $2 AND relation_field_id = $3
		ORDER BY created_at, target_instance_id`

	rows, err := q.Query(ctx, query, tenantID, sourceID, fieldID)
	if err != nil {
		return nil, fmt.Errorf("failed to get relation targets: %w", err)
	}
	defer rows.Close()

	return collectUUIDs(rows)
}

func (r *entityRelationRepository) FindSourcesAny(ctx context.Context, tenantID uuid.UUID, targetsByField map[uuid.UUID][]uuid.UUID) ([]uuid.UUID, error) {
	fields, targets := flattenTargets(targetsByField)
	if len(fields) == 0 {
		return nil, nil
	}

	q, err := querier(ctx)
	if err != nil {
		return nil, err
	}

	query := `
		SELECT DISTINCT r.source_instance_id
		FROM entity_relations r
		JOIN unnest($2::uuid[], $3::uuid[]) AS w(field_id, target_id)
		  ON r.relation_field_id = w.field_id AND r.target_instance_id = w.target_id
		WHERE r.tenant_id = $1`

	rows, err := q.Query(ctx, query, tenantID, fields, targets)
	if err != nil {
		return nil, fmt.Errorf("failed to find relation sources: %w", err)
	}
	defer rows.Close()

	return collectUUIDs(rows)
}

func (r *entityRelationRepository) FindSourcesAll(ctx context.Context, tenantID uuid.UUID, targetsByField map[uuid.UUID][]uuid.UUID) ([]models.SourceMatch, error) {
	fields, targets := flattenTargets(targetsByField)
	if len(fields) == 0 {
		return nil, nil
	}

	q, err := querier(ctx)
	if err != nil {
		return nil, err
	}

	query := `
		SELECT r.relation_field_id, r.source_instance_id, COUNT(DISTINCT r.target_instance_id)
		FROM entity_relations r
		JOIN unnest($2::uuid[], $3::uuid[]) AS w(field_id, target_id)
		  ON r.relation_field_id = w.field_id AND r.target_instance_id = w.target_id
		WHERE r.tenant_id = $1
		GROUP BY r.relation_field_id, r.source_instance_id`

	rows, err := q.Query(ctx, query, tenantID, fields, targets)
	if err != nil {
		return nil, fmt.Errorf("failed to find relation sources: %w", err)
	}
	defer rows.Close()

	var matches []models.SourceMatch
	for rows.Next() {
		var m models.SourceMatch
		if err := rows.Scan(&m.FieldID, &m.SourceID, &m.MatchedTargets); err != nil {
			return nil, fmt.Errorf("failed to scan relation match: %w", err)
		}
		matches = append(matches, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate relation matches: %w", err)
	}
	return matches, nil
}

// flattenTargets turns a field -> targets map into parallel arrays for unnest.
func flattenTargets(targetsByField map[uuid.UUID][]uuid.UUID) ([]uuid.UUID, []uuid.UUID) {
	var fields, targets []uuid.UUID
	for fieldID, ids := range targetsByField {
		for _, id := range ids {
			fields = append(fields, fieldID)
			targets = append(targets, id)
		}
	}
	return fields, targets
}

func scanEdge(row pgx.Row) (*models.RelationEdge, error) {
	var e models.RelationEdge
	var kind string
	err := row.Scan(
		&e.ID,
		&e.TenantID,
		&e.SourceInstanceID,
		&e.TargetInstanceID,
		&e.RelationFieldID,
		&kind,
		&e.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	e.RelationKind = models.FieldKind(kind)
	return &e, nil
}

func collectUUIDs(rows pgx.Rows) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate ids: %w", err)
	}
	return ids, nil
}
