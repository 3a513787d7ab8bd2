package models

import (
	"time"

	"github.com/google/uuid"
)

// Attributes is the schemaless attribute document of an instance, keyed by
// field name. Values are JSON scalars or arrays; extra or missing keys are
// tolerated and reconciled against the Field side-table on read.
type Attributes map[string]any

// Clone returns a shallow copy.
func (a Attributes) Clone() Attributes {
	out := make(Attributes, len(a))
	for k, v := range a {
		out[k] = v
	}
	return out
}

// Merge returns a copy of a with every key of partial written over it.
// Keys absent from partial survive.
func (a Attributes) Merge(partial Attributes) Attributes {
	out := a.Clone()
	for k, v := range partial {
		out[k] = v
	}
	return out
}

// EntityInstance is one concrete record of an EntityDefinition.
// Stored in the entity_instances table.
type EntityInstance struct {
	ID                 uuid.UUID  `json:"id"`
	EntityDefinitionID uuid.UUID  `json:"entity_definition_id"`
	TenantID           uuid.UUID  `json:"tenant_id"`
	Attributes         Attributes `json:"attributes"`
	CreatedBy          string     `json:"created_by"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

// InstanceWrite is the create/update payload of the CRUD surface.
// Relations and Files are keyed by field name.
type InstanceWrite struct {
	Attributes Attributes             `json:"attributes"`
	Relations  map[string][]uuid.UUID `json:"relations,omitempty"`
	Files      map[string][]uuid.UUID `json:"files,omitempty"`
}

// GetInstanceOptions controls how a single instance is projected.
type GetInstanceOptions struct {
	RelationsAsIDs bool
}
