package repositories

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ekaya-inc/ekaya-records/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-records/pkg/database"
	"github.com/ekaya-inc/ekaya-records/pkg/models"
)

// EntityDefinitionRepository provides data access for entity definitions and their fields.
// Reads are limited to the tenant of the scope in ctx.
type EntityDefinitionRepository interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.EntityDefinition, error)
	GetByName(ctx context.Context, tenantID uuid.UUID, name string) (*models.EntityDefinition, error)
	List(ctx context.Context, tenantID uuid.UUID) ([]*models.EntityDefinition, error)
	Create(ctx context.Context, def *models.EntityDefinition) error

	GetFields(ctx context.Context, entityDefinitionID uuid.UUID) ([]*models.Field, error)
	GetFieldByName(ctx context.Context, entityDefinitionID uuid.UUID, name string) (*models.Field, error)
	CreateField(ctx context.Context, f *models.Field) error
	LinkField(ctx context.Context, tenantID, fieldID uuid.UUID, dependsOnFieldID, reciprocalFieldID *uuid.UUID) error
}

type entityDefinitionRepository struct{}

// NewEntityDefinitionRepository creates a new EntityDefinitionRepository.
func NewEntityDefinitionRepository() EntityDefinitionRepository {
	return &entityDefinitionRepository{}
}

var _ EntityDefinitionRepository = (*entityDefinitionRepository)(nil)

const definitionColumns = `
	id, tenant_id, name, table_name, create_level, read_level, update_level,
	delete_level, ui_hints, default_page_size, created_at, updated_at`

const fieldColumns = `
	id, entity_definition_id, tenant_id, name, label, kind, required,
	display_order, section, section_order, default_string, default_number,
	default_boolean, default_date, max_file_size, max_file_count,
	accepted_file_types, file_bucket, depends_on_field_id, depends_on_value,
	related_entity_definition_id, reciprocal_field_id, created_at, updated_at`

// ============================================================================
// Definitions
// ============================================================================

func (r *entityDefinitionRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.EntityDefinition, error) {
	scope, ok := database.GetTenantScope(ctx)
	if !ok {
		return nil, fmt.Errorf("no tenant scope in context")
	}

	query := `SELECT ` + definitionColumns + `
		FROM entity_definitions
		WHERE id = $1 AND tenant_id = $2`

	def, err := scanDefinition(scope.Querier().QueryRow(ctx, query, id, scope.TenantID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get entity definition: %w", err)
	}
	return def, nil
}

func (r *entityDefinitionRepository) GetByName(ctx context.Context, tenantID uuid.UUID, name string) (*models.EntityDefinition, error) {
	q, err := querier(ctx)
	if err != nil {
		return nil, err
	}

	query := `SELECT ` + definitionColumns + `
		FROM entity_definitions
		WHERE tenant_id = $1 AND name = $2`

	def, err := scanDefinition(q.QueryRow(ctx, query, tenantID, name))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get entity definition by name: %w", err)
	}
	return def, nil
}

func (r *entityDefinitionRepository) List(ctx context.Context, tenantID uuid.UUID) ([]*models.EntityDefinition, error) {
	q, err := querier(ctx)
	if err != nil {
		return nil, err
	}

	query := `SELECT ` + definitionColumns + `
		FROM entity_definitions
		WHERE tenant_id = $1
		ORDER BY name`

	rows, err := q.Query(ctx, query, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to list entity definitions: %w", err)
	}
	defer rows.Close()

	var defs []*models.EntityDefinition
	for rows.Next() {
		def, err := scanDefinition(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan entity definition: %w", err)
		}
		defs = append(defs, def)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate entity definitions: %w", err)
	}
	return defs, nil
}

func (r *entityDefinitionRepository) Create(ctx context.Context, def *models.EntityDefinition) error {
	q, err := querier(ctx)
	if err != nil {
		return err
	}

	if def.ID == uuid.Nil {
		def.ID = uuid.New()
	}
	now := time.Now().UTC()
	if def.CreatedAt.IsZero() {
		def.CreatedAt = now
	}
	def.UpdatedAt = def.CreatedAt

	hints, err := jsonbObject(def.UIHints)
	if err != nil {
		return fmt.Errorf("failed to encode ui hints: %w", err)
	}

	query := `
		INSERT INTO entity_definitions (
			id, tenant_id, name, table_name, create_level, read_level,
			update_level, delete_level, ui_hints, default_page_size,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`

	_, err = q.Exec(ctx, query,
		def.ID,
		def.TenantID,
		def.Name,
		def.TableName,
		def.CreateLevel,
		def.ReadLevel,
		def.UpdateLevel,
		def.DeleteLevel,
		hints,
		def.DefaultPageSize,
		def.CreatedAt,
		def.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create entity definition: %w", err)
	}
	return nil
}

// ============================================================================
// Fields
// ============================================================================

func (r *entityDefinitionRepository) GetFields(ctx context.Context, entityDefinitionID uuid.UUID) ([]*models.Field, error) {
	scope, ok := database.GetTenantScope(ctx)
	if !ok {
		return nil, fmt.Errorf("no tenant scope in context")
	}

	query := `SELECT ` + fieldColumns + `
		FROM entity_fields
		WHERE entity_definition_id = $1 AND tenant_id = $2
		ORDER BY section_order, display_order, name`

	rows, err := scope.Querier().Query(ctx, query, entityDefinitionID, scope.TenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to get fields: %w", err)
	}
	defer rows.Close()

	var fields []*models.Field
	for rows.Next() {
		f, err := scanField(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan field: %w", err)
		}
		fields = append(fields, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate fields: %w", err)
	}
	return fields, nil
}

func (r *entityDefinitionRepository) GetFieldByName(ctx context.Context, entityDefinitionID uuid.UUID, name string) (*models.Field, error) {
	scope, ok := database.GetTenantScope(ctx)
	if !ok {
		return nil, fmt.Errorf("no tenant scope in context")
	}

	query := `SELECT ` + fieldColumns + `
		FROM entity_fields
		WHERE entity_definition_id = $1 AND name = $2 AND tenant_id = $3`

	f, err := scanField(scope.Querier().QueryRow(ctx, query, entityDefinitionID, name, scope.TenantID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get field by name: %w", err)
	}
	return f, nil
}

func (r *entityDefinitionRepository) CreateField(ctx context.Context, f *models.Field) error {
	q, err := querier(ctx)
	if err != nil {
		return err
	}

	if f.ID == uuid.Nil {
		f.ID = uuid.New()
	}
	if f.CreatedAt.IsZero() {
		f.CreatedAt = time.Now().UTC()
	}
	f.UpdatedAt = f.CreatedAt

	query := `
		INSERT INTO entity_fields (
			id, entity_definition_id, tenant_id, name, label, kind, required,
			display_order, section, section_order, default_string, default_number,
			default_boolean, default_date, max_file_size, max_file_count,
			accepted_file_types, file_bucket, depends_on_field_id, depends_on_value,
			related_entity_definition_id, reciprocal_field_id, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14,
		          $15, $16, $17, $18, $19, $20, $21, $22, $23, $24)`

	_, err = q.Exec(ctx, query,
		f.ID,
		f.EntityDefinitionID,
		f.TenantID,
		f.Name,
		f.Label,
		f.Kind,
		f.Required,
		f.DisplayOrder,
		f.Section,
		f.SectionOrder,
		f.Default.String,
		f.Default.Number,
		f.Default.Boolean,
		f.Default.Date,
		f.MaxFileSize,
		f.MaxFileCount,
		f.AcceptedFileTypes,
		f.FileBucket,
		f.DependsOnFieldID,
		f.DependsOnValue,
		f.RelatedEntityDefinitionID,
		f.ReciprocalFieldID,
		f.CreatedAt,
		f.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create field: %w", err)
	}
	return nil
}

// LinkField sets the cross-field references of a field, which may point at
// fields created after it.
func (r *entityDefinitionRepository) LinkField(ctx context.Context, tenantID, fieldID uuid.UUID, dependsOnFieldID, reciprocalFieldID *uuid.UUID) error {
	q, err := querier(ctx)
	if err != nil {
		return err
	}

	query := `
		UPDATE entity_fields
		SET depends_on_field_id = COALESCE($3, depends_on_field_id),
		    reciprocal_field_id = COALESCE($4, reciprocal_field_id),
		    updated_at = now()
		WHERE id = $1 AND tenant_id = $2`

	result, err := q.Exec(ctx, query, fieldID, tenantID, dependsOnFieldID, reciprocalFieldID)
	if err != nil {
		return fmt.Errorf("failed to link field: %w", err)
	}
	if result.RowsAffected() == 0 {
		return apperrors.ErrNotFound
	}
	return nil
}

func scanDefinition(row pgx.Row) (*models.EntityDefinition, error) {
	var def models.EntityDefinition
	var hints []byte

	err := row.Scan(
		&def.ID,
		&def.TenantID,
		&def.Name,
		&def.TableName,
		&def.CreateLevel,
		&def.ReadLevel,
		&def.UpdateLevel,
		&def.DeleteLevel,
		&hints,
		&def.DefaultPageSize,
		&def.CreatedAt,
		&def.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if len(hints) > 0 {
		if err := json.Unmarshal(hints, &def.UIHints); err != nil {
			return nil, fmt.Errorf("failed to decode ui hints: %w", err)
		}
	}
	return &def, nil
}

func scanField(row pgx.Row) (*models.Field, error) {
	var f models.Field

	err := row.Scan(
		&f.ID,
		&f.EntityDefinitionID,
		&f.TenantID,
		&f.Name,
		&f.Label,
		&f.Kind,
		&f.Required,
		&f.DisplayOrder,
		&f.Section,
		&f.SectionOrder,
		&f.Default.String,
		&f.Default.Number,
		&f.Default.Boolean,
		&f.Default.Date,
		&f.MaxFileSize,
		&f.MaxFileCount,
		&f.AcceptedFileTypes,
		&f.FileBucket,
		&f.DependsOnFieldID,
		&f.DependsOnValue,
		&f.RelatedEntityDefinitionID,
		&f.ReciprocalFieldID,
		&f.CreatedAt,
		&f.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &f, nil
}
