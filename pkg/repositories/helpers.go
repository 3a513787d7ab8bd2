package repositories

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ekaya-inc/ekaya-records/pkg/database"
	"github.com/ekaya-inc/ekaya-records/pkg/models"
)

// querier returns the tenant scope's active transaction or connection.
func querier(ctx context.Context) (database.Querier, error) {
	return database.QuerierFromContext(ctx)
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// jsonbObject encodes a map for a jsonb column, using {} for nil.
func jsonbObject[M ~map[string]V, V any](m M) ([]byte, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}

func decodeAttributes(raw []byte) (models.Attributes, error) {
	attrs := models.Attributes{}
	if len(raw) == 0 {
		return attrs, nil
	}
	if err := json.Unmarshal(raw, &attrs); err != nil {
		return nil, fmt.Errorf("failed to decode attributes: %w", err)
	}
	return attrs, nil
}
