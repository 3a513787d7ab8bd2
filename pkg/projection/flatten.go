// Package projection flattens an instance, its resolved relations, and its
// file references into the single record returned to callers.
package projection

import (
	"time"

	"github.com/google/uuid"

	"github.com/ekaya-inc/ekaya-records/pkg/jsonutil"
	"github.com/ekaya-inc/ekaya-records/pkg/models"
)

// Record is one flattened, client-facing instance.
type Record map[string]any

// System field keys. They always win over attribute keys of the same name.
const (
	KeyID                 = "id"
	KeyEntityDefinitionID = "entity_definition_id"
	KeyTenantID           = "tenant_id"
	KeyCreatedBy          = "created_by"
	KeyCreatedAt          = "created_at"
	KeyUpdatedAt          = "updated_at"
)

// Input is everything Flatten needs about one instance.
type Input struct {
	Instance *models.EntityInstance
	// Fields are the definition's fields; attributes without a field pass through untouched.
	Fields []*models.Field
	// Files holds associated file ids keyed by file field id.
	Files map[uuid.UUID][]uuid.UUID
	// Relations holds resolved targets keyed by relation field id, in edge order.
	// Targets carry their own definition's fields.
	Relations map[uuid.UUID][]*Input
}

// Flatten merges attributes, relations and file references into one Record.
// It performs no I/O.
func Flatten(in *Input, relationsAsIDs bool) Record {
	if in == nil || in.Instance == nil {
		return nil
	}
	inst := in.Instance

	rec := make(Record, len(inst.Attributes)+len(in.Fields)+6)
	for k, v := range inst.Attributes {
		rec[k] = v
	}

	for _, f := range in.Fields {
		switch {
		case f.Kind.IsScalar():
			raw, ok := inst.Attributes[f.Name]
			if !ok || raw == nil {
				if def := f.DefaultAsAny(); def != nil {
					rec[f.Name] = def
				} else {
					delete(rec, f.Name)
				}
				continue
			}
			if v := coerce(f, raw); v != nil {
				rec[f.Name] = v
			} else {
				delete(rec, f.Name)
			}

		case f.Kind.IsFile():
			ids := in.Files[f.ID]
			if ids == nil {
				ids = []uuid.UUID{}
			}
			rec[f.Name] = ids

		case f.Kind.IsRelation():
			targets, ok := in.Relations[f.ID]
			if !ok || len(targets) == 0 {
				delete(rec, f.Name)
				continue
			}
			rec[f.Name] = relationValue(f.Kind, targets, relationsAsIDs)
		}
	}

	rec[KeyID] = inst.ID
	rec[KeyEntityDefinitionID] = inst.EntityDefinitionID
	rec[KeyTenantID] = inst.TenantID
	rec[KeyCreatedBy] = inst.CreatedBy
	rec[KeyCreatedAt] = inst.CreatedAt.UTC().Format(time.RFC3339Nano)
	rec[KeyUpdatedAt] = inst.UpdatedAt.UTC().Format(time.RFC3339Nano)

	return rec
}

// FlattenAll flattens a page of inputs, preserving order.
func FlattenAll(inputs []*Input, relationsAsIDs bool) []map[string]any {
	out := make([]map[string]any, 0, len(inputs))
	for _, in := range inputs {
		out = append(out, Flatten(in, relationsAsIDs))
	}
	return out
}

func relationValue(kind models.FieldKind, targets []*Input, asIDs bool) any {
	if asIDs {
		ids := make([]uuid.UUID, 0, len(targets))
		for _, t := range targets {
			ids = append(ids, t.Instance.ID)
		}
		return ids
	}

	if kind.IsSingleValued() {
		return Flatten(targets[0], asIDs)
	}

	embedded := make([]Record, 0, len(targets))
	for _, t := range targets {
		embedded = append(embedded, Flatten(t, asIDs))
	}
	return embedded
}

// coerce converts a stored attribute to the field's declared kind.
func coerce(f *models.Field, raw any) any {
	switch f.Kind {
	case models.FieldKindNumber:
		if n, ok := jsonutil.FlexibleNumber(raw); ok {
			return n
		}
		return f.DefaultAsAny()
	case models.FieldKindBoolean:
		return jsonutil.FlexibleBool(raw)
	case models.FieldKindString, models.FieldKindTimestamp:
		return jsonutil.FlexibleString(raw)
	case models.FieldKindFileArray,
		models.FieldKindManyToOne, models.FieldKindOneToMany, models.FieldKindManyToMany, models.FieldKindOneToOne:
		return raw
	}
	return raw
}
