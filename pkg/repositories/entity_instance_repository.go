package repositories

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ekaya-inc/ekaya-records/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-records/pkg/models"
)

// EntityInstanceRepository provides data access for entity instances.
// Every method filters by tenant explicitly in addition to row level security.
type EntityInstanceRepository interface {
	Create(ctx context.Context, inst *models.EntityInstance) error
	// GetByID returns ErrNotFound when the instance belongs to another tenant,
	// or to another entity definition when entityDefinitionID is set.
	GetByID(ctx context.Context, tenantID, id uuid.UUID, entityDefinitionID *uuid.UUID) (*models.EntityInstance, error)
	GetByIDs(ctx context.Context, tenantID uuid.UUID, ids []uuid.UUID) ([]*models.EntityInstance, error)
	// Update shallow-merges partial into the stored attributes.
	Update(ctx context.Context, tenantID, id uuid.UUID, partial models.Attributes) (*models.EntityInstance, error)
	Delete(ctx context.Context, tenantID, id uuid.UUID) error
	// List returns one page and the total number of matches.
	List(ctx context.Context, q *models.InstanceQuery) ([]*models.EntityInstance, int, error)
	// Search is List plus a substring match over q.SearchFields, evaluated by
	// the search_entity_instances database function.
	Search(ctx context.Context, q *models.InstanceQuery) ([]*models.EntityInstance, int, error)
}

type entityInstanceRepository struct{}

// NewEntityInstanceRepository creates a new EntityInstanceRepository.
func NewEntityInstanceRepository() EntityInstanceRepository {
	return &entityInstanceRepository{}
}

var _ EntityInstanceRepository = (*entityInstanceRepository)(nil)

const instanceColumns = `id, entity_definition_id, tenant_id, attributes, created_by, created_at, updated_at`

// ============================================================================
// CRUD Operations
// ============================================================================

func (r *entityInstanceRepository) Create(ctx context.Context, inst *models.EntityInstance) error {
	q, err := querier(ctx)
	if err != nil {
		return err
	}

	if inst.ID == uuid.Nil {
		inst.ID = uuid.New()
	}
	now := time.Now().UTC()
	inst.CreatedAt = now
	inst.UpdatedAt = now

	attrs, err := jsonbObject(inst.Attributes)
	if err != nil {
		return fmt.Errorf("failed to encode attributes: %w", err)
	}

	query := `
		INSERT INTO entity_instances (
			id, entity_definition_id, tenant_id, attributes, created_by, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7)`

	_, err = q.Exec(ctx, query,
		inst.ID,
		inst.EntityDefinitionID,
		inst.TenantID,
		attrs,
		inst.CreatedBy,
		inst.CreatedAt,
		inst.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create entity instance: %w", err)
	}
	return nil
}

func (r *entityInstanceRepository) GetByID(ctx context.Context, tenantID, id uuid.UUID, entityDefinitionID *uuid.UUID) (*models.EntityInstance, error) {
	q, err := querier(ctx)
	if err != nil {
		return nil, err
	}

	query := `SELECT ` + instanceColumns + `
		FROM entity_instances
		WHERE id = $1 AND tenant_id = $2
		  AND ($3::uuid IS NULL OR entity_definition_id = $3)`

	inst, err := scanInstance(q.QueryRow(ctx, query, id, tenantID, entityDefinitionID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get entity instance: %w", err)
	}
	return inst, nil
}

func (r *entityInstanceRepository) GetByIDs(ctx context.Context, tenantID uuid.UUID, ids []uuid.UUID) ([]*models.EntityInstance, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	q, err := querier(ctx)
	if err != nil {
		return nil, err
	}

	query := `SELECT ` + instanceColumns + `
		FROM entity_instances
		WHERE tenant_id = $1 AND id = ANY($2)`

	rows, err := q.Query(ctx, query, tenantID, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to get entity instances: %w", err)
	}
	defer rows.Close()

	return collectInstances(rows, nil)
}

func (r *entityInstanceRepository) Update(ctx context.Context, tenantID, id uuid.UUID, partial models.Attributes) (*models.EntityInstance, error) {
	q, err := querier(ctx)
	if err != nil {
		return nil, err
	}

	attrs, err := jsonbObject(partial)
	if err != nil {
		return nil, fmt.Errorf("failed to encode attributes: %w", err)
	}

	// jsonb || replaces top-level keys present on the right and keeps the rest.
	query := `
		UPDATE entity_instances
		SET attributes = attributes || $3::jsonb,
		    updated_at = now()
		WHERE id = $1 AND tenant_id = $2
		RETURNING ` + instanceColumns

	inst, err := scanInstance(q.QueryRow(ctx, query, id, tenantID, attrs))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("failed to update entity instance: %w", err)
	}
	return inst, nil
}

func (r *entityInstanceRepository) Delete(ctx context.Context, tenantID, id uuid.UUID) error {
	q, err := querier(ctx)
	if err != nil {
		return err
	}

	result, err := q.Exec(ctx, `DELETE FROM entity_instances WHERE id = $1 AND tenant_id = $2`, id, tenantID)
	if err != nil {
		return fmt.Errorf("failed to delete entity instance: %w", err)
	}
	if result.RowsAffected() == 0 {
		return apperrors.ErrNotFound
	}
	return nil
}

// ============================================================================
// Listing
// ============================================================================

func (r *entityInstanceRepository) List(ctx context.Context, iq *models.InstanceQuery) ([]*models.EntityInstance, int, error) {
	q, err := querier(ctx)
	if err != nil {
		return nil, 0, err
	}

	where, args := instanceWhere(iq)
	orderBy, args := instanceOrder(iq.Sort, args)

	args = append(args, iq.Limit, iq.Offset)
	query := `SELECT ` + instanceColumns + `, COUNT(*) OVER () AS total_count
		FROM entity_instances
		WHERE ` + where + `
		ORDER BY ` + orderBy + `
		LIMIT $` + fmt.Sprint(len(args)-1) + ` OFFSET $` + fmt.Sprint(len(args))

	rows, err := q.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list entity instances: %w", err)
	}
	defer rows.Close()

	var total int64
	insts, err := collectInstances(rows, &total)
	if err != nil {
		return nil, 0, err
	}

	// The window count rides on the page rows, so a page past the end has none.
	if len(insts) == 0 && iq.Offset > 0 {
		countWhere, countArgs := instanceWhere(iq)
		if err := q.QueryRow(ctx, `SELECT COUNT(*) FROM entity_instances WHERE `+countWhere, countArgs...).Scan(&total); err != nil {
			return nil, 0, fmt.Errorf("failed to count entity instances: %w", err)
		}
	}

	return insts, int(total), nil
}

func (r *entityInstanceRepository) Search(ctx context.Context, iq *models.InstanceQuery) ([]*models.EntityInstance, int, error) {
	q, err := querier(ctx)
	if err != nil {
		return nil, 0, err
	}

	filters, err := jsonbObject(iq.AttributeFilters)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to encode filters: %w", err)
	}

	sortKind := "text"
	switch {
	case iq.Sort.System:
		sortKind = "system"
	case iq.Sort.Numeric:
		sortKind = "numeric"
	}
	sortField := iq.Sort.Field
	if sortField == "" {
		sortField, sortKind = models.SortFieldCreatedAt, "system"
	}

	query := `
		SELECT ` + instanceColumns + `, total_count
		FROM search_entity_instances($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`

	run := func(limit, offset int) ([]*models.EntityInstance, int64, error) {
		rows, err := q.Query(ctx, query,
			iq.TenantID,
			iq.EntityDefinitionID,
			iq.Search,
			iq.SearchFields,
			filters,
			iq.RestrictIDs,
			sortField,
			sortKind,
			iq.Sort.Direction != models.SortAsc,
			limit,
			offset,
		)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to search entity instances: %w", err)
		}
		defer rows.Close()

		var total int64
		insts, err := collectInstances(rows, &total)
		return insts, total, err
	}

	insts, total, err := run(iq.Limit, iq.Offset)
	if err != nil {
		return nil, 0, err
	}
	if len(insts) == 0 && iq.Offset > 0 {
		if _, total, err = run(1, 0); err != nil {
			return nil, 0, err
		}
	}

	return insts, int(total), nil
}

// instanceWhere builds the tenant, type, id-restriction and attribute filter
// predicates. Filter keys are bound as parameters, never spliced.
func instanceWhere(iq *models.InstanceQuery) (string, []any) {
	clauses := []string{"tenant_id = $1", "entity_definition_id = $2"}
	args := []any{iq.TenantID, iq.EntityDefinitionID}

	if iq.RestrictIDs != nil {
		args = append(args, iq.RestrictIDs)
		clauses = append(clauses, fmt.Sprintf("id = ANY($%d)", len(args)))
	}

	keys := make([]string, 0, len(iq.AttributeFilters))
	for k := range iq.AttributeFilters {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		args = append(args, k, iq.AttributeFilters[k])
		clauses = append(clauses, fmt.Sprintf("attributes->>$%d = ANY($%d::text[])", len(args)-1, len(args)))
	}

	return strings.Join(clauses, " AND "), args
}

// instanceOrder renders the ORDER BY clause, appending the sort key to args.
func instanceOrder(s models.AttributeSort, args []any) (string, []any) {
	dir := "DESC"
	if s.Direction == models.SortAsc {
		dir = "ASC"
	}

	var expr string
	switch {
	case s.System && s.Field == models.SortFieldUpdatedAt:
		expr = "updated_at"
	case s.System || s.Field == "":
		expr = "created_at"
	case s.Numeric:
		args = append(args, s.Field)
		n := len(args)
		expr = fmt.Sprintf("CASE WHEN jsonb_typeof(attributes->$%d) = 'number' THEN (attributes->>$%d)::numeric END", n, n)
	default:
		args = append(args, s.Field)
		expr = fmt.Sprintf("attributes->>$%d", len(args))
	}

	return expr + " " + dir + " NULLS LAST, id", args
}

func scanInstance(row pgx.Row) (*models.EntityInstance, error) {
	var inst models.EntityInstance
	var attrs []byte

	err := row.Scan(
		&inst.ID,
		&inst.EntityDefinitionID,
		&inst.TenantID,
		&attrs,
		&inst.CreatedBy,
		&inst.CreatedAt,
		&inst.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	inst.Attributes, err = decodeAttributes(attrs)
	if err != nil {
		return nil, err
	}
	return &inst, nil
}

// collectInstances scans rows; when total is non-nil each row carries a
// trailing total_count column.
func collectInstances(rows pgx.Rows, total *int64) ([]*models.EntityInstance, error) {
	var insts []*models.EntityInstance
	for rows.Next() {
		var inst models.EntityInstance
		var attrs []byte
		dest := []any{
			&inst.ID,
			&inst.EntityDefinitionID,
			&inst.TenantID,
			&attrs,
			&inst.CreatedBy,
			&inst.CreatedAt,
			&inst.UpdatedAt,
		}
		if total != nil {
			dest = append(dest, total)
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("failed to scan entity instance: %w", err)
		}

		decoded, err := decodeAttributes(attrs)
		if err != nil {
			return nil, err
		}
		inst.Attributes = decoded
		insts = append(insts, &inst)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate entity instances: %w", err)
	}
	return insts, nil
}
