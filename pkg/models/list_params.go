package models

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// FilterMode selects how a relation filter's target set is matched.
type FilterMode string

const (
	// FilterModeAny accepts an instance linked to at least one listed target.
	FilterModeAny FilterMode = "any"
	// FilterModeAll accepts an instance linked to every listed target.
	FilterModeAll FilterMode = "all"
)

// ParseFilterMode accepts "any"/"all" in any case; empty means any.
func ParseFilterMode(s string) (FilterMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", string(FilterModeAny):
		return FilterModeAny, nil
	case string(FilterModeAll):
		return FilterModeAll, nil
	}
	return "", fmt.Errorf("unknown filter mode %q", s)
}

// SortDirection is asc or desc.
type SortDirection string

const (
	SortAsc  SortDirection = "asc"
	SortDesc SortDirection = "desc"
)

// ParseSortDirection accepts "asc"/"desc" in any case; empty means desc.
func ParseSortDirection(s string) (SortDirection, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", string(SortDesc):
		return SortDesc, nil
	case string(SortAsc):
		return SortAsc, nil
	}
	return "", fmt.Errorf("unknown sort direction %q", s)
}

// System columns that can be sorted on without a field definition.
const (
	SortFieldCreatedAt = "created_at"
	SortFieldUpdatedAt = "updated_at"
)

// ListParams is the caller-facing list request for one entity type.
// Filters are keyed by field name; whether a name is an attribute or a
// relation filter is decided from the schema, not by the caller.
type ListParams struct {
	Page          int
	Limit         int
	Filters       map[string][]string
	FilterModes   map[string]FilterMode
	Search        string
	SearchFields  []string
	SortField     string
	SortDirection SortDirection

	// RelationsAsIDs projects relation fields as id lists instead of embedded records.
	RelationsAsIDs bool
}

// AttributeSort describes how the store orders results.
type AttributeSort struct {
	// Field is an attribute key, or one of the SortField system columns when System is set.
	Field     string
	System    bool
	Numeric   bool
	Direction SortDirection
}

// InstanceQuery is the store-level query produced by the query engine.
type InstanceQuery struct {
	TenantID           uuid.UUID
	EntityDefinitionID uuid.UUID
	// AttributeFilters: OR within a key, AND across keys.
	AttributeFilters map[string][]string
	// RestrictIDs, when non-nil, limits results to these instance ids.
	RestrictIDs  []uuid.UUID
	Search       string
	SearchFields []string
	Sort         AttributeSort
	Limit        int
	Offset       int
}

// InstancePage is one page of flattened records.
type InstancePage struct {
	Data       []map[string]any `json:"data"`
	Pagination Pagination       `json:"pagination"`
}
