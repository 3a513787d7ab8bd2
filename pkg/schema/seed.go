package schema

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"
	"github.com/jinzhu/inflection"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/ekaya-inc/ekaya-records/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-records/pkg/models"
)

// SeedFile is a YAML document declaring entity definitions and their fields.
type SeedFile struct {
	Entities []SeedEntity `yaml:"entities"`
}

// SeedEntity declares one entity definition.
type SeedEntity struct {
	Name            string          `yaml:"name"`
	TableName       string          `yaml:"table_name"`
	Permissions     SeedPermissions `yaml:"permissions"`
	DefaultPageSize int             `yaml:"default_page_size"`
	UIHints         map[string]any  `yaml:"ui_hints"`
	Fields          []SeedField     `yaml:"fields"`
}

// SeedPermissions holds per-operation access levels. Empty entries keep the
// column defaults.
type SeedPermissions struct {
	Create string `yaml:"create"`
	Read   string `yaml:"read"`
	Update string `yaml:"update"`
	Delete string `yaml:"delete"`
}

// SeedField declares one field. Related entities and reciprocal fields are
// referenced by name.
type SeedField struct {
	Name              string         `yaml:"name"`
	Label             string         `yaml:"label"`
	Kind              string         `yaml:"kind"`
	Required          bool           `yaml:"required"`
	Section           string         `yaml:"section"`
	SectionOrder      int            `yaml:"section_order"`
	Default           any            `yaml:"default"`
	MaxFileSize       *int64         `yaml:"max_file_size"`
	MaxFileCount      *int           `yaml:"max_file_count"`
	AcceptedFileTypes []string       `yaml:"accepted_file_types"`
	FileBucket        *string        `yaml:"file_bucket"`
	DependsOn         *SeedDependsOn `yaml:"depends_on"`
	RelatedEntity     string         `yaml:"related_entity"`
	ReciprocalField   string         `yaml:"reciprocal_field"`
}

// SeedDependsOn names a sibling field and the value that enables this one.
type SeedDependsOn struct {
	Field string `yaml:"field"`
	Value string `yaml:"value"`
}

// LoadSeedFile reads and parses a seed file.
func LoadSeedFile(path string) (*SeedFile, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read seed file: %w", err)
	}
	return ParseSeed(raw)
}

// ParseSeed parses a seed document.
func ParseSeed(raw []byte) (*SeedFile, error) {
	var file SeedFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("failed to parse seed file: %w", err)
	}
	for i, e := range file.Entities {
		if strings.TrimSpace(e.Name) == "" {
			return nil, fmt.Errorf("entity %d: name is required", i)
		}
		for j, f := range e.Fields {
			if strings.TrimSpace(f.Name) == "" {
				return nil, fmt.Errorf("entity %s field %d: name is required", e.Name, j)
			}
			kind, err := models.ParseFieldKind(f.Kind)
			if err != nil {
				return nil, fmt.Errorf("entity %s field %s: %w", e.Name, f.Name, err)
			}
			if kind.IsRelation() && f.RelatedEntity == "" {
				return nil, fmt.Errorf("entity %s field %s: related_entity is required for %s", e.Name, f.Name, kind)
			}
		}
	}
	return &file, nil
}

// DefaultTableName derives the logical table name of an entity: snake_case, pluralized.
func DefaultTableName(name string) string {
	return inflection.Plural(toSnake(name))
}

func toSnake(s string) string {
	var b strings.Builder
	prevLower := false
	for _, r := range strings.TrimSpace(s) {
		switch {
		case r == ' ' || r == '-':
			b.WriteByte('_')
			prevLower = false
		case unicode.IsUpper(r):
			if prevLower {
				b.WriteByte('_')
			}
			b.WriteRune(unicode.ToLower(r))
			prevLower = false
		default:
			b.WriteRune(r)
			prevLower = unicode.IsLower(r) || unicode.IsDigit(r)
		}
	}
	return b.String()
}

// SeedWriter persists definitions and fields for the tenant scoped in ctx.
// repositories.EntityDefinitionRepository satisfies it.
type SeedWriter interface {
	GetByName(ctx context.Context, tenantID uuid.UUID, name string) (*models.EntityDefinition, error)
	GetFields(ctx context.Context, entityDefinitionID uuid.UUID) ([]*models.Field, error)
	Create(ctx context.Context, def *models.EntityDefinition) error
	CreateField(ctx context.Context, f *models.Field) error
	LinkField(ctx context.Context, tenantID, fieldID uuid.UUID, dependsOnFieldID, reciprocalFieldID *uuid.UUID) error
}

// SeedResult reports what a Seed call did.
type SeedResult struct {
	Created []string
	Skipped []string
}

// Seeder creates the definitions of a SeedFile. Definitions that already
// exist by name are left untouched but can still be referenced.
type Seeder struct {
	writer SeedWriter
	logger *zap.Logger
	now    func() time.Time
}

// NewSeeder creates a Seeder.
func NewSeeder(writer SeedWriter, logger *zap.Logger) *Seeder {
	return &Seeder{
		writer: writer,
		logger: logger.Named("seed"),
		now:    time.Now,
	}
}

// Seed writes file for tenantID. Callers run it inside a transaction so a
// failure leaves nothing behind.
func (s *Seeder) Seed(ctx context.Context, tenantID uuid.UUID, file *SeedFile) (*SeedResult, error) {
	result := &SeedResult{}
	defs := make(map[string]*models.EntityDefinition, len(file.Entities))
	fields := make(map[string]map[string]*models.Field, len(file.Entities))
	fresh := make(map[string]bool, len(file.Entities))

	// Pass 1: definitions, so relation fields can reference any of them.
	for _, e := range file.Entities {
		existing, err := s.writer.GetByName(ctx, tenantID, e.Name)
		switch {
		case err == nil:
			defs[e.Name] = existing
			result.Skipped = append(result.Skipped, e.Name)
			s.logger.Info("Entity definition exists, skipping", zap.String("name", e.Name))
			continue
		case !errors.Is(err, apperrors.ErrNotFound):
			return nil, err
		}

		def, err := s.definitionFromSeed(tenantID, e)
		if err != nil {
			return nil, err
		}
		if err := s.writer.Create(ctx, def); err != nil {
			return nil, fmt.Errorf("failed to create entity %s: %w", e.Name, err)
		}
		defs[e.Name] = def
		fresh[e.Name] = true
		result.Created = append(result.Created, e.Name)
	}

	// Pass 2: fields without cross references.
	for _, e := range file.Entities {
		def := defs[e.Name]
		byName := make(map[string]*models.Field)
		fields[e.Name] = byName

		if !fresh[e.Name] {
			existing, err := s.writer.GetFields(ctx, def.ID)
			if err != nil {
				return nil, err
			}
			for _, f := range existing {
				byName[f.Name] = f
			}
			continue
		}

		for i, sf := range e.Fields {
			f, err := s.fieldFromSeed(def, sf, i, defs)
			if err != nil {
				return nil, err
			}
			if err := s.writer.CreateField(ctx, f); err != nil {
				return nil, fmt.Errorf("failed to create field %s.%s: %w", e.Name, sf.Name, err)
			}
			byName[f.Name] = f
		}
	}

	// Pass 3: depends-on and reciprocal links, now that every field has an id.
	for _, e := range file.Entities {
		if !fresh[e.Name] {
			continue
		}
		for _, sf := range e.Fields {
			if sf.DependsOn == nil && sf.ReciprocalField == "" {
				continue
			}
			f := fields[e.Name][sf.Name]

			var dependsOn, reciprocal *uuid.UUID
			if sf.DependsOn != nil {
				target, ok := fields[e.Name][sf.DependsOn.Field]
				if !ok {
					return nil, fmt.Errorf("field %s.%s depends on unknown field %q", e.Name, sf.Name, sf.DependsOn.Field)
				}
				dependsOn = &target.ID
			}
			if sf.ReciprocalField != "" {
				target, ok := fields[sf.RelatedEntity][sf.ReciprocalField]
				if !ok {
					return nil, fmt.Errorf("field %s.%s names unknown reciprocal %s.%s",
						e.Name, sf.Name, sf.RelatedEntity, sf.ReciprocalField)
				}
				reciprocal = &target.ID
			}

			if err := s.writer.LinkField(ctx, tenantID, f.ID, dependsOn, reciprocal); err != nil {
				return nil, fmt.Errorf("failed to link field %s.%s: %w", e.Name, sf.Name, err)
			}
		}
	}

	return result, nil
}

func (s *Seeder) definitionFromSeed(tenantID uuid.UUID, e SeedEntity) (*models.EntityDefinition, error) {
	levels := [4]models.AccessLevel{models.AccessUser, models.AccessAuthenticated, models.AccessUser, models.AccessData}
	for i, raw := range []string{e.Permissions.Create, e.Permissions.Read, e.Permissions.Update, e.Permissions.Delete} {
		if raw == "" {
			continue
		}
		level, err := models.ParseAccessLevel(raw)
		if err != nil {
			return nil, fmt.Errorf("entity %s: %w", e.Name, err)
		}
		levels[i] = level
	}

	tableName := e.TableName
	if tableName == "" {
		tableName = DefaultTableName(e.Name)
	}
	pageSize := e.DefaultPageSize
	if pageSize <= 0 {
		pageSize = 10
	}

	now := s.now().UTC()
	return &models.EntityDefinition{
		ID:              uuid.New(),
		TenantID:        tenantID,
		Name:            e.Name,
		TableName:       tableName,
		CreateLevel:     levels[0],
		ReadLevel:       levels[1],
		UpdateLevel:     levels[2],
		DeleteLevel:     levels[3],
		UIHints:         e.UIHints,
		DefaultPageSize: pageSize,
		CreatedAt:       now,
		UpdatedAt:       now,
	}, nil
}

func (s *Seeder) fieldFromSeed(def *models.EntityDefinition, sf SeedField, order int, defs map[string]*models.EntityDefinition) (*models.Field, error) {
	kind, err := models.ParseFieldKind(sf.Kind)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	f := &models.Field{
		ID:                 uuid.New(),
		EntityDefinitionID: def.ID,
		TenantID:           def.TenantID,
		Name:               sf.Name,
		Label:              sf.Label,
		Kind:               kind,
		Required:           sf.Required,
		DisplayOrder:       order,
		Section:            sf.Section,
		SectionOrder:       sf.SectionOrder,
		MaxFileSize:        sf.MaxFileSize,
		MaxFileCount:       sf.MaxFileCount,
		AcceptedFileTypes:  sf.AcceptedFileTypes,
		FileBucket:         sf.FileBucket,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if sf.DependsOn != nil {
		value := sf.DependsOn.Value
		f.DependsOnValue = &value
	}

	if kind.IsRelation() {
		related, ok := defs[sf.RelatedEntity]
		if !ok {
			return nil, fmt.Errorf("field %s.%s relates to unknown entity %q", def.Name, sf.Name, sf.RelatedEntity)
		}
		f.RelatedEntityDefinitionID = &related.ID
	}

	if sf.Default != nil {
		if err := setDefault(f, sf.Default); err != nil {
			return nil, fmt.Errorf("field %s.%s: %w", def.Name, sf.Name, err)
		}
	}
	return f, nil
}

func setDefault(f *models.Field, raw any) error {
	switch f.Kind {
	case models.FieldKindString:
		v := fmt.Sprint(raw)
		f.Default.String = &v
	case models.FieldKindNumber:
		switch n := raw.(type) {
		case int:
			v := float64(n)
			f.Default.Number = &v
		case float64:
			f.Default.Number = &n
		default:
			return fmt.Errorf("default %v is not a number", raw)
		}
	case models.FieldKindBoolean:
		b, ok := raw.(bool)
		if !ok {
			return fmt.Errorf("default %v is not a boolean", raw)
		}
		f.Default.Boolean = &b
	case models.FieldKindTimestamp:
		switch t := raw.(type) {
		case time.Time:
			f.Default.Date = &t
		case string:
			parsed, err := time.Parse(time.RFC3339, t)
			if err != nil {
				return fmt.Errorf("default %q is not an RFC 3339 timestamp", t)
			}
			f.Default.Date = &parsed
		default:
			return fmt.Errorf("default %v is not a timestamp", raw)
		}
	case models.FieldKindFileArray,
		models.FieldKindManyToOne, models.FieldKindOneToMany, models.FieldKindManyToMany, models.FieldKindOneToOne:
		return fmt.Errorf("%s fields take no default", f.Kind)
	}
	return nil
}
