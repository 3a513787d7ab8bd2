package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// FieldKind is the declared storage kind of a Field.
// The set is closed: scalar kinds live in the attribute document, relation
// kinds live in the edge table, and file_array lives in the file association table.
type FieldKind string

const (
	FieldKindString    FieldKind = "string"
	FieldKindNumber    FieldKind = "number"
	FieldKindBoolean   FieldKind = "boolean"
	FieldKindTimestamp FieldKind = "timestamp"
	FieldKindFileArray FieldKind = "file_array"

	FieldKindManyToOne  FieldKind = "many_to_one"
	FieldKindOneToMany  FieldKind = "one_to_many"
	FieldKindManyToMany FieldKind = "many_to_many"
	FieldKindOneToOne   FieldKind = "one_to_one"
)

// ValidFieldKinds contains all valid kind values.
var ValidFieldKinds = []FieldKind{
	FieldKindString, FieldKindNumber, FieldKindBoolean, FieldKindTimestamp, FieldKindFileArray,
	FieldKindManyToOne, FieldKindOneToMany, FieldKindManyToMany, FieldKindOneToOne,
}

// ParseFieldKind validates a stored or user-supplied kind string.
func ParseFieldKind(s string) (FieldKind, error) {
	for _, k := range ValidFieldKinds {
		if string(k) == s {
			return k, nil
		}
	}
	return "", fmt.Errorf("unknown field kind %q", s)
}

// IsRelation reports whether values of this kind are stored as relation edges.
func (k FieldKind) IsRelation() bool {
	switch k {
	case FieldKindManyToOne, FieldKindOneToMany, FieldKindManyToMany, FieldKindOneToOne:
		return true
	}
	return false
}

// IsFile reports whether values of this kind are stored as file associations.
func (k FieldKind) IsFile() bool {
	return k == FieldKindFileArray
}

// IsScalar reports whether values of this kind live in the attribute document.
func (k FieldKind) IsScalar() bool {
	switch k {
	case FieldKindString, FieldKindNumber, FieldKindBoolean, FieldKindTimestamp:
		return true
	}
	return false
}

// IsSingleValued reports whether a relation of this kind points at no more
// than one target per source.
func (k FieldKind) IsSingleValued() bool {
	return k == FieldKindManyToOne || k == FieldKindOneToOne
}

// DefaultValue holds the per-kind default. Only the member matching the
// field's kind is meaningful.
type DefaultValue struct {
	String  *string    `json:"string,omitempty"`
	Number  *float64   `json:"number,omitempty"`
	Boolean *bool      `json:"boolean,omitempty"`
	Date    *time.Time `json:"date,omitempty"`
}

// Field is one attribute, file, or relation slot on an EntityDefinition.
// Stored in the entity_fields table.
type Field struct {
	ID                 uuid.UUID    `json:"id"`
	EntityDefinitionID uuid.UUID    `json:"entity_definition_id"`
	TenantID           uuid.UUID    `json:"tenant_id"`
	Name               string       `json:"name"`
	Label              string       `json:"label,omitempty"`
	Kind               FieldKind    `json:"kind"`
	Required           bool         `json:"required"`
	DisplayOrder       int          `json:"display_order"`
	Section            string       `json:"section,omitempty"`
	SectionOrder       int          `json:"section_order"`
	Default            DefaultValue `json:"default"`

	// File constraints (file_array only)
	MaxFileSize       *int64   `json:"max_file_size,omitempty"`
	MaxFileCount      *int     `json:"max_file_count,omitempty"`
	AcceptedFileTypes []string `json:"accepted_file_types,omitempty"`
	FileBucket        *string  `json:"file_bucket,omitempty"`

	// Conditional visibility/requiredness on another field's value.
	DependsOnFieldID *uuid.UUID `json:"depends_on_field_id,omitempty"`
	DependsOnValue   *string    `json:"depends_on_value,omitempty"`

	// Relation metadata (relation kinds only). Reciprocity is informational.
	RelatedEntityDefinitionID *uuid.UUID `json:"related_entity_definition_id,omitempty"`
	ReciprocalFieldID         *uuid.UUID `json:"reciprocal_field_id,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// DefaultAsAny returns the meaningful default for the field's kind, or nil.
func (f *Field) DefaultAsAny() any {
	switch f.Kind {
	case FieldKindString:
		if f.Default.String != nil {
			return *f.Default.String
		}
	case FieldKindNumber:
		if f.Default.Number != nil {
			return *f.Default.Number
		}
	case FieldKindBoolean:
		if f.Default.Boolean != nil {
			return *f.Default.Boolean
		}
	case FieldKindTimestamp:
		if f.Default.Date != nil {
			return f.Default.Date.UTC().Format(time.RFC3339)
		}
	case FieldKindFileArray,
		FieldKindManyToOne, FieldKindOneToMany, FieldKindManyToMany, FieldKindOneToOne:
		return nil
	}
	return nil
}

// HasDefault reports whether DefaultAsAny would return a value.
func (f *Field) HasDefault() bool {
	return f.DefaultAsAny() != nil
}
