package models

import (
	"time"

	"github.com/google/uuid"
)

// RelationEdge is one directed link between two instances via a relation field.
// Stored in the entity_relations table, one row per link.
type RelationEdge struct {
	ID               uuid.UUID `json:"id"`
	TenantID         uuid.UUID `json:"tenant_id"`
	SourceInstanceID uuid.UUID `json:"source_instance_id"`
	TargetInstanceID uuid.UUID `json:"target_instance_id"`
	RelationFieldID  uuid.UUID `json:"relation_field_id"`
	RelationKind     FieldKind `json:"relation_kind"`
	CreatedAt        time.Time `json:"created_at"`
}

// FileAssociation attaches a stored file to an instance field.
// Several rows for one (instance, field) make up a multi-file value.
type FileAssociation struct {
	FileID     uuid.UUID `json:"file_id"`
	InstanceID uuid.UUID `json:"instance_id"`
	FieldID    uuid.UUID `json:"field_id"`
	TenantID   uuid.UUID `json:"tenant_id"`
	CreatedAt  time.Time `json:"created_at"`
}

// SourceMatch counts how many distinct wanted targets one source links to
// through one relation field.
type SourceMatch struct {
	FieldID        uuid.UUID
	SourceID       uuid.UUID
	MatchedTargets int
}
