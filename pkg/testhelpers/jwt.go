// Package testhelpers provides utilities for testing ekaya-records components.
package testhelpers

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// TestAudience is the aud claim GenerateTestJWT stamps on every token.
const TestAudience = "records"

// GenerateTestJWT creates a test JWT token for use when verification is disabled.
// The token has a valid structure but no signature (alg: none).
func GenerateTestJWT(sub, tenantID string, roles ...string) string {
	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"none","typ":"JWT"}`))

	payload := map[string]any{
		"sub": sub,
		"aud": TestAudience,
	}
	if tenantID != "" {
		payload["tid"] = tenantID
	}
	if len(roles) > 0 {
		payload["roles"] = roles
	}
	raw, _ := json.Marshal(payload)

	return fmt.Sprintf("%s.%s.", header, base64.RawURLEncoding.EncodeToString(raw))
}

// GenerateTestJWTWithBearer returns token with "Bearer " prefix for Authorization header.
func GenerateTestJWTWithBearer(sub, tenantID string, roles ...string) string {
	return "Bearer " + GenerateTestJWT(sub, tenantID, roles...)
}
