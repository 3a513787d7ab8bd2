package audit

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/ekaya-inc/ekaya-records/pkg/auth"
	"github.com/ekaya-inc/ekaya-records/pkg/logging"
	"github.com/ekaya-inc/ekaya-records/pkg/models"
)

// setupTestLogger creates a test logger with an observer to capture log entries.
func setupTestLogger(t *testing.T) (*zap.Logger, *observer.ObservedLogs) {
	t.Helper()
	core, recorded := observer.New(zapcore.DebugLevel)
	return zap.New(core), recorded
}

func userContext(subject string) context.Context {
	claims := &auth.Claims{TenantID: uuid.NewString()}
	claims.Subject = subject
	return auth.WithClaims(context.Background(), claims)
}

func decodeEvent(t *testing.T, entry observer.LoggedEntry) SecurityEvent {
	t.Helper()
	raw, ok := entry.ContextMap()["event_json"].(string)
	require.True(t, ok, "event_json field must be a string")

	var event SecurityEvent
	require.NoError(t, json.Unmarshal([]byte(raw), &event))
	return event
}

func TestLogInjectionAttempt(t *testing.T) {
	logger, recorded := setupTestLogger(t)
	auditor := NewSecurityAuditor(logger)

	tenantID := uuid.New()
	definitionID := uuid.New()
	longValue := "' OR 1=1 --" + strings.Repeat("a", 200)

	auditor.LogInjectionAttempt(userContext("user-123"), tenantID, definitionID, InjectionDetails{
		ParamName:   "search",
		ParamValue:  longValue,
		Fingerprint: "s&1c",
	})

	require.Equal(t, 1, recorded.Len())
	entry := recorded.All()[0]
	assert.Equal(t, zapcore.ErrorLevel, entry.Level)
	assert.Equal(t, "security_audit", entry.LoggerName)
	assert.Equal(t, "user-123", entry.ContextMap()["user_id"])
	assert.Equal(t, "s&1c", entry.ContextMap()["fingerprint"])

	event := decodeEvent(t, entry)
	assert.Equal(t, EventInjectionAttempt, event.EventType)
	assert.Equal(t, tenantID, event.TenantID)
	assert.Equal(t, definitionID, event.EntityDefinitionID)
	assert.Equal(t, "critical", event.Severity)

	details := event.Details.(map[string]any)
	assert.Len(t, details["param_value"], logging.MaxValueLogLength+3, "value must be truncated")
}

func TestLogAccessDenied(t *testing.T) {
	logger, recorded := setupTestLogger(t)
	auditor := NewSecurityAuditor(logger)

	auditor.LogAccessDenied(context.Background(), uuid.New(), uuid.New(), AccessDeniedDetails{
		Operation: models.OperationCreate,
		Required:  models.AccessUser,
		Actual:    models.AccessPublic,
	})

	require.Equal(t, 1, recorded.Len())
	entry := recorded.All()[0]
	assert.Equal(t, zapcore.WarnLevel, entry.Level)
	assert.Equal(t, "", entry.ContextMap()["user_id"], "anonymous callers have no user id")
	assert.Equal(t, "user", entry.ContextMap()["required"])

	event := decodeEvent(t, entry)
	assert.Equal(t, EventAccessDenied, event.EventType)
	assert.Equal(t, "warning", event.Severity)
}

func TestNilAuditorDiscards(t *testing.T) {
	var auditor *SecurityAuditor

	assert.NotPanics(t, func() {
		auditor.LogInjectionAttempt(context.Background(), uuid.New(), uuid.New(), InjectionDetails{})
		auditor.LogAccessDenied(context.Background(), uuid.New(), uuid.New(), AccessDeniedDetails{})
	})
}
