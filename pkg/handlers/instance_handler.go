package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-records/pkg/auth"
	"github.com/ekaya-inc/ekaya-records/pkg/database"
	"github.com/ekaya-inc/ekaya-records/pkg/jsonutil"
	"github.com/ekaya-inc/ekaya-records/pkg/models"
	"github.com/ekaya-inc/ekaya-records/pkg/services"
)

// maxWriteBodyBytes caps the JSON body of create and update requests.
const maxWriteBodyBytes = 1 << 20

// TenantMiddleware wraps a handler with a tenant-scoped database connection.
type TenantMiddleware func(http.HandlerFunc) http.HandlerFunc

// ============================================================================
// Request/Response Types
// ============================================================================

// InstanceWriteRequest for POST and PATCH on instances.
type InstanceWriteRequest struct {
	Attributes map[string]any         `json:"attributes"`
	Relations  map[string][]uuid.UUID `json:"relations,omitempty"`
	Files      map[string][]uuid.UUID `json:"files,omitempty"`
}

func (r *InstanceWriteRequest) toModel() *models.InstanceWrite {
	return &models.InstanceWrite{
		Attributes: models.Attributes(r.Attributes),
		Relations:  r.Relations,
		Files:      r.Files,
	}
}

// ============================================================================
// Handler
// ============================================================================

// InstanceHandler serves CRUD and list requests for entity instances.
type InstanceHandler struct {
	instanceService services.InstanceService
	logger          *zap.Logger
}

// NewInstanceHandler creates a new instance handler.
func NewInstanceHandler(instanceService services.InstanceService, logger *zap.Logger) *InstanceHandler {
	return &InstanceHandler{
		instanceService: instanceService,
		logger:          logger.Named("instance-handler"),
	}
}

// RegisterRoutes registers the instance handler's routes on the given mux.
// Reads go through OptionalAuth so that public entities are served to
// anonymous callers; the service enforces the per-entity access tier.
func (h *InstanceHandler) RegisterRoutes(mux *http.ServeMux, authMiddleware *auth.Middleware, tenantMiddleware TenantMiddleware) {
	base := "/api/entities/{edid}/instances"

	mux.HandleFunc("GET "+base,
		authMiddleware.OptionalAuth(tenantMiddleware(h.List)))
	mux.HandleFunc("POST "+base,
		authMiddleware.RequireAuth(tenantMiddleware(h.Create)))
	mux.HandleFunc("GET "+base+"/{iid}",
		authMiddleware.OptionalAuth(tenantMiddleware(h.Get)))
	mux.HandleFunc("PATCH "+base+"/{iid}",
		authMiddleware.RequireAuth(tenantMiddleware(h.Update)))
	mux.HandleFunc("DELETE "+base+"/{iid}",
		authMiddleware.RequireAuth(tenantMiddleware(h.Delete)))
}

// List handles GET /api/entities/{edid}/instances
func (h *InstanceHandler) List(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := h.tenantID(w, r)
	if !ok {
		return
	}
	definitionID, ok := ParseEntityDefinitionID(w, r, h.logger)
	if !ok {
		return
	}

	params, err := ParseListParams(r.URL.Query())
	if err != nil {
		WriteServiceError(w, err, h.logger)
		return
	}

	page, err := h.instanceService.GetInstances(r.Context(), tenantID, definitionID, params)
	if err != nil {
		h.logger.Debug("Failed to list instances",
			zap.String("entity_definition_id", definitionID.String()),
			zap.Error(err))
		WriteServiceError(w, err, h.logger)
		return
	}

	if err := WriteJSON(w, http.StatusOK, ApiResponse{Success: true, Data: page}); err != nil {
		h.logger.Error("Failed to write response", zap.Error(err))
	}
}

// Get handles GET /api/entities/{edid}/instances/{iid}
func (h *InstanceHandler) Get(w http.ResponseWriter, r *http.Request) {
	tenantID, definitionID, instanceID, ok := h.instancePath(w, r)
	if !ok {
		return
	}

	opts := models.GetInstanceOptions{
		RelationsAsIDs: jsonutil.FlexibleBool(r.URL.Query().Get(queryRelationsAsIDs)),
	}
	record, err := h.instanceService.GetInstance(r.Context(), tenantID, definitionID, instanceID, opts)
	if err != nil {
		WriteServiceError(w, err, h.logger)
		return
	}

	if err := WriteJSON(w, http.StatusOK, ApiResponse{Success: true, Data: record}); err != nil {
		h.logger.Error("Failed to write response", zap.Error(err))
	}
}

// Create handles POST /api/entities/{edid}/instances
func (h *InstanceHandler) Create(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := h.tenantID(w, r)
	if !ok {
		return
	}
	definitionID, ok := ParseEntityDefinitionID(w, r, h.logger)
	if !ok {
		return
	}

	req, ok := h.decodeWrite(w, r)
	if !ok {
		return
	}

	record, err := h.instanceService.CreateInstance(r.Context(), tenantID, definitionID, req.toModel())
	if err != nil {
		WriteServiceError(w, err, h.logger)
		return
	}

	if err := WriteJSON(w, http.StatusCreated, ApiResponse{Success: true, Data: record}); err != nil {
		h.logger.Error("Failed to write response", zap.Error(err))
	}
}

// Update handles PATCH /api/entities/{edid}/instances/{iid}
func (h *InstanceHandler) Update(w http.ResponseWriter, r *http.Request) {
	tenantID, definitionID, instanceID, ok := h.instancePath(w, r)
	if !ok {
		return
	}

	req, ok := h.decodeWrite(w, r)
	if !ok {
		return
	}

	record, err := h.instanceService.UpdateInstance(r.Context(), tenantID, definitionID, instanceID, req.toModel())
	if err != nil {
		WriteServiceError(w, err, h.logger)
		return
	}

	if err := WriteJSON(w, http.StatusOK, ApiResponse{Success: true, Data: record}); err != nil {
		h.logger.Error("Failed to write response", zap.Error(err))
	}
}

// Delete handles DELETE /api/entities/{edid}/instances/{iid}
func (h *InstanceHandler) Delete(w http.ResponseWriter, r *http.Request) {
	tenantID, definitionID, instanceID, ok := h.instancePath(w, r)
	if !ok {
		return
	}

	if err := h.instanceService.DeleteInstance(r.Context(), tenantID, definitionID, instanceID); err != nil {
		WriteServiceError(w, err, h.logger)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// tenantID reads the tenant bound by the tenant middleware.
func (h *InstanceHandler) tenantID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	scope, ok := database.GetTenantScope(r.Context())
	if !ok || scope == nil {
		h.logger.Error("Missing tenant scope", zap.String("path", r.URL.Path))
		if err := ErrorResponse(w, http.StatusInternalServerError, "internal_error", "Missing tenant scope"); err != nil {
			h.logger.Error("Failed to write error response", zap.Error(err))
		}
		return uuid.Nil, false
	}
	return scope.TenantID, true
}

func (h *InstanceHandler) instancePath(w http.ResponseWriter, r *http.Request) (uuid.UUID, uuid.UUID, uuid.UUID, bool) {
	tenantID, ok := h.tenantID(w, r)
	if !ok {
		return uuid.Nil, uuid.Nil, uuid.Nil, false
	}
	definitionID, ok := ParseEntityDefinitionID(w, r, h.logger)
	if !ok {
		return uuid.Nil, uuid.Nil, uuid.Nil, false
	}
	instanceID, ok := ParseInstanceID(w, r, h.logger)
	if !ok {
		return uuid.Nil, uuid.Nil, uuid.Nil, false
	}
	return tenantID, definitionID, instanceID, true
}

func (h *InstanceHandler) decodeWrite(w http.ResponseWriter, r *http.Request) (*InstanceWriteRequest, bool) {
	var req InstanceWriteRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxWriteBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			if err := ErrorResponse(w, http.StatusRequestEntityTooLarge, "request_too_large", "Request body too large"); err != nil {
				h.logger.Error("Failed to write error response", zap.Error(err))
			}
			return nil, false
		}
		if err := ErrorResponse(w, http.StatusBadRequest, "invalid_request", "Invalid request body"); err != nil {
			h.logger.Error("Failed to write error response", zap.Error(err))
		}
		return nil, false
	}
	return &req, true
}
