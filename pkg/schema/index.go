package schema

import (
	"github.com/google/uuid"

	"github.com/ekaya-inc/ekaya-records/pkg/models"
)

// FieldIndex answers name and id lookups over one definition's fields.
// Field order is preserved in the slice accessors.
type FieldIndex struct {
	fields []*models.Field
	byName map[string]*models.Field
	byID   map[uuid.UUID]*models.Field
}

// NewFieldIndex indexes fields.
func NewFieldIndex(fields []*models.Field) *FieldIndex {
	idx := &FieldIndex{
		fields: fields,
		byName: make(map[string]*models.Field, len(fields)),
		byID:   make(map[uuid.UUID]*models.Field, len(fields)),
	}
	for _, f := range fields {
		idx.byName[f.Name] = f
		idx.byID[f.ID] = f
	}
	return idx
}

// All returns every field.
func (idx *FieldIndex) All() []*models.Field {
	return idx.fields
}

// ByName returns the field called name.
func (idx *FieldIndex) ByName(name string) (*models.Field, bool) {
	f, ok := idx.byName[name]
	return f, ok
}

// ByID returns the field with id.
func (idx *FieldIndex) ByID(id uuid.UUID) (*models.Field, bool) {
	f, ok := idx.byID[id]
	return f, ok
}

// Relations returns the relation-kind fields.
func (idx *FieldIndex) Relations() []*models.Field {
	return idx.filter(func(k models.FieldKind) bool { return k.IsRelation() })
}

// Files returns the file_array fields.
func (idx *FieldIndex) Files() []*models.Field {
	return idx.filter(func(k models.FieldKind) bool { return k.IsFile() })
}

// Scalars returns the fields stored in the attribute document.
func (idx *FieldIndex) Scalars() []*models.Field {
	return idx.filter(func(k models.FieldKind) bool { return k.IsScalar() })
}

// StringFieldNames returns the names of string fields, the default search set.
func (idx *FieldIndex) StringFieldNames() []string {
	var names []string
	for _, f := range idx.fields {
		if f.Kind == models.FieldKindString {
			names = append(names, f.Name)
		}
	}
	return names
}

func (idx *FieldIndex) filter(keep func(models.FieldKind) bool) []*models.Field {
	var out []*models.Field
	for _, f := range idx.fields {
		if keep(f.Kind) {
			out = append(out, f)
		}
	}
	return out
}
