package repositories

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ekaya-inc/ekaya-records/pkg/models"
)

// FileAssociationRepository provides data access for instance file attachments.
type FileAssociationRepository interface {
	GetByInstancesAndFields(ctx context.Context, tenantID uuid.UUID, instanceIDs, fieldIDs []uuid.UUID) ([]*models.FileAssociation, error)
	// Replace sets the files of one (instance, field) pair to exactly fileIDs.
	Replace(ctx context.Context, tenantID, instanceID, fieldID uuid.UUID, fileIDs []uuid.UUID) error
	DeleteByInstance(ctx context.Context, tenantID, instanceID uuid.UUID) error
}

type fileAssociationRepository struct{}

// NewFileAssociationRepository creates a new FileAssociationRepository.
func NewFileAssociationRepository() FileAssociationRepository {
	return &fileAssociationRepository{}
}

var _ FileAssociationRepository = (*fileAssociationRepository)(nil)

func (r *fileAssociationRepository) GetByInstancesAndFields(ctx context.Context, tenantID uuid.UUID, instanceIDs, fieldIDs []uuid.UUID) ([]*models.FileAssociation, error) {
	if len(instanceIDs) == 0 || len(fieldIDs) == 0 {
		return nil, nil
	}

	q, err := querier(ctx)
	if err != nil {
		return nil, err
	}

	query := `
		SELECT file_id, instance_id, field_id, tenant_id, created_at
		FROM entity_instance_files
		WHERE tenant_id = $1 AND instance_id = ANY($2) AND field_id = ANY($3)
		ORDER BY instance_id, field_id, created_at, file_id`

	rows, err := q.Query(ctx, query, tenantID, instanceIDs, fieldIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to get file associations: %w", err)
	}
	defer rows.Close()

	var files []*models.FileAssociation
	for rows.Next() {
		var f models.FileAssociation
		if err := rows.Scan(&f.FileID, &f.InstanceID, &f.FieldID, &f.TenantID, &f.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan file association: %w", err)
		}
		files = append(files, &f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate file associations: %w", err)
	}
	return files, nil
}

func (r *fileAssociationRepository) Replace(ctx context.Context, tenantID, instanceID, fieldID uuid.UUID, fileIDs []uuid.UUID) error {
	q, err := querier(ctx)
	if err != nil {
		return err
	}

	_, err = q.Exec(ctx, `
		DELETE FROM entity_instance_files
		WHERE tenant_id = $1 AND instance_id = $2 AND field_id = $3`,
		tenantID, instanceID, fieldID)
	if err != nil {
		return fmt.Errorf("failed to clear file associations: %w", err)
	}

	if len(fileIDs) == 0 {
		return nil
	}

	// Insertion order is kept through created_at so reads return files in
	// the order they were attached.
	now := time.Now().UTC()
	stamps := make([]time.Time, len(fileIDs))
	for i := range fileIDs {
		stamps[i] = now.Add(time.Duration(i) * time.Microsecond)
	}

	_, err = q.Exec(ctx, `
		INSERT INTO entity_instance_files (file_id, instance_id, field_id, tenant_id, created_at)
		SELECT f.file_id, $2, $3, $1, f.created_at
		FROM unnest($4::uuid[], $5::timestamptz[]) AS f(file_id, created_at)
		ON CONFLICT DO NOTHING`,
		tenantID, instanceID, fieldID, fileIDs, stamps)
	if err != nil {
		return fmt.Errorf("failed to create file associations: %w", err)
	}
	return nil
}

func (r *fileAssociationRepository) DeleteByInstance(ctx context.Context, tenantID, instanceID uuid.UUID) error {
	q, err := querier(ctx)
	if err != nil {
		return err
	}

	if _, err := q.Exec(ctx, `DELETE FROM entity_instance_files WHERE tenant_id = $1 AND instance_id = $2`, tenantID, instanceID); err != nil {
		return fmt.Errorf("failed to delete file associations: %w", err)
	}
	return nil
}
