package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// AccessLevel is a permission tier. Tiers are ordered; a caller satisfies a
// requirement when its tier ranks at or above the required one.
type AccessLevel string

const (
	AccessPublic        AccessLevel = "public"
	AccessAuthenticated AccessLevel = "authenticated"
	AccessUser          AccessLevel = "user"
	AccessData          AccessLevel = "data"
	AccessAdmin         AccessLevel = "admin"
)

var accessRank = map[AccessLevel]int{
	AccessPublic:        0,
	AccessAuthenticated: 1,
	AccessUser:          2,
	AccessData:          3,
	AccessAdmin:         4,
}

// ParseAccessLevel validates an access level string.
func ParseAccessLevel(s string) (AccessLevel, error) {
	level := AccessLevel(s)
	if _, ok := accessRank[level]; !ok {
		return "", fmt.Errorf("unknown access level %q", s)
	}
	return level, nil
}

// Satisfies reports whether l meets the required tier.
// Unknown levels never satisfy anything and are never satisfied.
func (l AccessLevel) Satisfies(required AccessLevel) bool {
	have, ok := accessRank[l]
	if !ok {
		return false
	}
	need, ok := accessRank[required]
	if !ok {
		return false
	}
	return have >= need
}

// Operation is a CRUD operation guarded by an entity's permission tiers.
type Operation string

const (
	OperationCreate Operation = "create"
	OperationRead   Operation = "read"
	OperationUpdate Operation = "update"
	OperationDelete Operation = "delete"
)

// EntityDefinition is the tenant-scoped schema for one record type.
// Stored in the entity_definitions table.
type EntityDefinition struct {
	ID              uuid.UUID      `json:"id"`
	TenantID        uuid.UUID      `json:"tenant_id"`
	Name            string         `json:"name"`
	TableName       string         `json:"table_name"`
	CreateLevel     AccessLevel    `json:"create_level"`
	ReadLevel       AccessLevel    `json:"read_level"`
	UpdateLevel     AccessLevel    `json:"update_level"`
	DeleteLevel     AccessLevel    `json:"delete_level"`
	UIHints         map[string]any `json:"ui_hints,omitempty"`
	DefaultPageSize int            `json:"default_page_size"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// RequiredLevel returns the tier required for op.
func (d *EntityDefinition) RequiredLevel(op Operation) AccessLevel {
	switch op {
	case OperationCreate:
		return d.CreateLevel
	case OperationRead:
		return d.ReadLevel
	case OperationUpdate:
		return d.UpdateLevel
	case OperationDelete:
		return d.DeleteLevel
	}
	return AccessAdmin
}
