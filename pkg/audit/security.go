// Package audit provides security audit logging for SIEM consumption.
// Events are logged as structured JSON under the "security_audit" logger.
package audit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-records/pkg/auth"
	"github.com/ekaya-inc/ekaya-records/pkg/logging"
	"github.com/ekaya-inc/ekaya-records/pkg/models"
)

// SecurityEventType categorizes security-relevant events for filtering and alerting.
type SecurityEventType string

const (
	// EventInjectionAttempt is logged when libinjection flags a caller-supplied search term.
	EventInjectionAttempt SecurityEventType = "injection_attempt"
	// EventAccessDenied is logged when a caller's tier is below an entity's requirement.
	EventAccessDenied SecurityEventType = "access_denied"
)

// SecurityEvent is one auditable event.
type SecurityEvent struct {
	Timestamp          time.Time         `json:"timestamp"`
	EventType          SecurityEventType `json:"event_type"`
	TenantID           uuid.UUID         `json:"tenant_id"`
	EntityDefinitionID uuid.UUID         `json:"entity_definition_id"`
	UserID             string            `json:"user_id,omitempty"`
	Details            any               `json:"details"`
	Severity           string            `json:"severity"` // info, warning, critical
}

// InjectionDetails describes a flagged input.
type InjectionDetails struct {
	ParamName   string `json:"param_name"`
	ParamValue  string `json:"param_value"`
	Fingerprint string `json:"fingerprint"` // libinjection fingerprint for pattern analysis
}

// AccessDeniedDetails describes a failed tier check.
type AccessDeniedDetails struct {
	Operation models.Operation   `json:"operation"`
	Required  models.AccessLevel `json:"required"`
	Actual    models.AccessLevel `json:"actual"`
}

// SecurityAuditor logs security events.
// A nil *SecurityAuditor discards every event.
type SecurityAuditor struct {
	logger *zap.Logger
}

// NewSecurityAuditor creates a security auditor under the "security_audit" namespace.
func NewSecurityAuditor(logger *zap.Logger) *SecurityAuditor {
	return &SecurityAuditor{logger: logger.Named("security_audit")}
}

// LogInjectionAttempt records a rejected input at ERROR level with critical severity.
// The value is truncated before it is logged.
func (a *SecurityAuditor) LogInjectionAttempt(ctx context.Context, tenantID, entityDefinitionID uuid.UUID, details InjectionDetails) {
	if a == nil {
		return
	}
	details.ParamValue = logging.TruncateString(details.ParamValue, logging.MaxValueLogLength)

	event := a.event(ctx, EventInjectionAttempt, tenantID, entityDefinitionID, details, "critical")
	a.logger.Error("Injection attempt detected",
		zap.String("event_json", event.json()),
		zap.String("tenant_id", tenantID.String()),
		zap.String("entity_definition_id", entityDefinitionID.String()),
		zap.String("param_name", details.ParamName),
		zap.String("fingerprint", details.Fingerprint),
		zap.String("user_id", event.UserID),
		zap.String("severity", event.Severity),
	)
}

// LogAccessDenied records a failed permission-tier check at WARN level.
func (a *SecurityAuditor) LogAccessDenied(ctx context.Context, tenantID, entityDefinitionID uuid.UUID, details AccessDeniedDetails) {
	if a == nil {
		return
	}

	event := a.event(ctx, EventAccessDenied, tenantID, entityDefinitionID, details, "warning")
	a.logger.Warn("Access denied",
		zap.String("event_json", event.json()),
		zap.String("tenant_id", tenantID.String()),
		zap.String("entity_definition_id", entityDefinitionID.String()),
		zap.String("operation", string(details.Operation)),
		zap.String("required", string(details.Required)),
		zap.String("actual", string(details.Actual)),
		zap.String("user_id", event.UserID),
		zap.String("severity", event.Severity),
	)
}

func (a *SecurityAuditor) event(ctx context.Context, t SecurityEventType, tenantID, entityDefinitionID uuid.UUID, details any, severity string) SecurityEvent {
	return SecurityEvent{
		Timestamp:          time.Now().UTC(),
		EventType:          t,
		TenantID:           tenantID,
		EntityDefinitionID: entityDefinitionID,
		UserID:             auth.GetUserIDFromContext(ctx),
		Details:            details,
		Severity:           severity,
	}
}

func (e SecurityEvent) json() string {
	// Marshaling known types cannot fail.
	b, _ := json.Marshal(e)
	return string(b)
}
