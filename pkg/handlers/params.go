package handlers

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-records/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-records/pkg/jsonutil"
	"github.com/ekaya-inc/ekaya-records/pkg/models"
)

// Query string keys understood by the list endpoint.
const (
	queryPage           = "page"
	queryLimit          = "limit"
	querySort           = "sort"
	queryOrder          = "order"
	querySearch         = "search"
	querySearchFields   = "search_fields"
	queryRelationsAsIDs = "relations_as_ids"
	queryFilterPrefix   = "filter."
	queryModePrefix     = "mode."
)

// ParseEntityDefinitionID extracts and validates the entity definition ID from the request path.
// Returns the parsed UUID and true on success, or uuid.Nil and false on error
// (after writing an error response).
// Expects path parameter: edid
func ParseEntityDefinitionID(w http.ResponseWriter, r *http.Request, logger *zap.Logger) (uuid.UUID, bool) {
	return parseUUID(w, r, "edid", "invalid_entity_definition_id", "Invalid entity definition ID format", logger)
}

// ParseInstanceID extracts and validates the instance ID from the request path.
// Expects path parameter: iid
func ParseInstanceID(w http.ResponseWriter, r *http.Request, logger *zap.Logger) (uuid.UUID, bool) {
	return parseUUID(w, r, "iid", "invalid_instance_id", "Invalid instance ID format", logger)
}

// parseUUID is the internal helper that does the actual parsing work.
func parseUUID(w http.ResponseWriter, r *http.Request, pathParam, errorCode, errorMessage string, logger *zap.Logger) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue(pathParam))
	if err != nil {
		if err := ErrorResponse(w, http.StatusBadRequest, errorCode, errorMessage); err != nil {
			logger.Error("Failed to write error response", zap.Error(err))
		}
		return uuid.Nil, false
	}
	return id, true
}

// ParseListParams builds list parameters from the query string.
// Filters use filter.<field>=a,b and their match mode mode.<field>=any|all.
// Page and limit bounds are left to the query engine.
func ParseListParams(values url.Values) (*models.ListParams, error) {
	params := &models.ListParams{
		Search:    strings.TrimSpace(values.Get(querySearch)),
		SortField: strings.TrimSpace(values.Get(querySort)),
	}

	var err error
	if params.Page, err = parseIntParam(values, queryPage); err != nil {
		return nil, err
	}
	if params.Limit, err = parseIntParam(values, queryLimit); err != nil {
		return nil, err
	}
	if params.SortDirection, err = models.ParseSortDirection(values.Get(queryOrder)); err != nil {
		return nil, apperrors.Validation("%s", err.Error())
	}
	if raw, ok := values[queryRelationsAsIDs]; ok && len(raw) > 0 {
		params.RelationsAsIDs = jsonutil.FlexibleBool(raw[0])
	}
	params.SearchFields = splitList(values[querySearchFields])

	for key, raw := range values {
		switch {
		case strings.HasPrefix(key, queryFilterPrefix):
			field := strings.TrimPrefix(key, queryFilterPrefix)
			if field == "" {
				return nil, apperrors.Validation("filter parameter without a field name")
			}
			if params.Filters == nil {
				params.Filters = make(map[string][]string)
			}
			params.Filters[field] = append(params.Filters[field], splitList(raw)...)
		case strings.HasPrefix(key, queryModePrefix):
			field := strings.TrimPrefix(key, queryModePrefix)
			mode, err := models.ParseFilterMode(values.Get(key))
			if err != nil {
				return nil, apperrors.Validation("%s for field %q", err.Error(), field)
			}
			if params.FilterModes == nil {
				params.FilterModes = make(map[string]models.FilterMode)
			}
			params.FilterModes[field] = mode
		}
	}

	for field := range params.FilterModes {
		if _, ok := params.Filters[field]; !ok {
			return nil, apperrors.Validation("mode given for field %q without a filter", field)
		}
	}
	return params, nil
}

// parseIntParam returns 0 for an absent key.
func parseIntParam(values url.Values, key string) (int, error) {
	raw := strings.TrimSpace(values.Get(key))
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, apperrors.Validation("%s must be an integer", key)
	}
	return n, nil
}

// splitList flattens repeated and comma-separated values, dropping blanks.
func splitList(raw []string) []string {
	var out []string
	for _, v := range raw {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
