package auth

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"
)

// mockAuthService is a mock implementation of AuthService for testing.
type mockAuthService struct {
	claims           *Claims
	token            string
	validateErr      error
	requireTenantErr error
}

func (m *mockAuthService) ValidateRequest(r *http.Request) (*Claims, string, error) {
	if m.validateErr != nil {
		return nil, "", m.validateErr
	}
	return m.claims, m.token, nil
}

func (m *mockAuthService) RequireTenantID(claims *Claims) error {
	return m.requireTenantErr
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) map[string]string {
	t.Helper()
	var response map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &response); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	return response
}

func TestMiddleware_RequireAuth_Success(t *testing.T) {
	claims := &Claims{TenantID: "tenant-123"}
	authService := &mockAuthService{claims: claims, token: "test-token"}
	middleware := NewMiddleware(authService, zap.NewNop())

	var handlerCalled bool
	var ctxClaims *Claims
	var ctxToken string

	handler := middleware.RequireAuth(func(w http.ResponseWriter, r *http.Request) {
		handlerCalled = true
		ctxClaims, _ = GetClaims(r.Context())
		ctxToken, _ = GetToken(r.Context())
		w.WriteHeader(http.StatusOK)
	})

	rec := httptest.NewRecorder()
	handler(rec, httptest.NewRequest(http.MethodGet, "/api/test", nil))

	if !handlerCalled {
		t.Error("expected handler to be called")
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", rec.Code)
	}
	if ctxClaims == nil || ctxClaims.TenantID != "tenant-123" {
		t.Error("expected claims to be set in context")
	}
	if ctxToken != "test-token" {
		t.Errorf("expected token 'test-token' in context, got %q", ctxToken)
	}
}

func TestMiddleware_RequireAuth_Unauthorized(t *testing.T) {
	authService := &mockAuthService{validateErr: ErrMissingAuthorization}
	middleware := NewMiddleware(authService, zap.NewNop())

	handler := middleware.RequireAuth(func(w http.ResponseWriter, r *http.Request) {
		t.Error("handler should not be called")
	})

	rec := httptest.NewRecorder()
	handler(rec, httptest.NewRequest(http.MethodGet, "/api/test", nil))

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected status 401, got %d", rec.Code)
	}
	if got := decodeError(t, rec)["error"]; got != "unauthorized" {
		t.Errorf("expected error 'unauthorized', got %q", got)
	}
}

func TestMiddleware_RequireAuth_MissingTenantID(t *testing.T) {
	authService := &mockAuthService{
		claims:           &Claims{},
		token:            "test-token",
		requireTenantErr: ErrMissingTenantID,
	}
	middleware := NewMiddleware(authService, zap.NewNop())

	handler := middleware.RequireAuth(func(w http.ResponseWriter, r *http.Request) {
		t.Error("handler should not be called")
	})

	rec := httptest.NewRecorder()
	handler(rec, httptest.NewRequest(http.MethodGet, "/api/test", nil))

	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected status 400, got %d", rec.Code)
	}
	if got := decodeError(t, rec)["error"]; got != "bad_request" {
		t.Errorf("expected error 'bad_request', got %q", got)
	}
}

func TestMiddleware_OptionalAuth_Anonymous(t *testing.T) {
	authService := &mockAuthService{validateErr: ErrMissingAuthorization}
	middleware := NewMiddleware(authService, zap.NewNop())

	var handlerCalled bool
	handler := middleware.OptionalAuth(func(w http.ResponseWriter, r *http.Request) {
		handlerCalled = true
		if _, ok := GetClaims(r.Context()); ok {
			t.Error("anonymous request must not carry claims")
		}
		w.WriteHeader(http.StatusOK)
	})

	rec := httptest.NewRecorder()
	handler(rec, httptest.NewRequest(http.MethodGet, "/api/test", nil))

	if !handlerCalled {
		t.Error("expected handler to be called")
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", rec.Code)
	}
}

func TestMiddleware_OptionalAuth_InvalidToken(t *testing.T) {
	authService := &mockAuthService{validateErr: errors.New("token expired")}
	middleware := NewMiddleware(authService, zap.NewNop())

	handler := middleware.OptionalAuth(func(w http.ResponseWriter, r *http.Request) {
		t.Error("handler should not be called")
	})

	rec := httptest.NewRecorder()
	handler(rec, httptest.NewRequest(http.MethodGet, "/api/test", nil))

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected status 401, got %d", rec.Code)
	}
}

func TestMiddleware_OptionalAuth_ValidToken(t *testing.T) {
	claims := &Claims{TenantID: "tenant-1", Roles: []string{"user"}}
	middleware := NewMiddleware(&mockAuthService{claims: claims, token: "tok"}, zap.NewNop())

	var got *Claims
	handler := middleware.OptionalAuth(func(w http.ResponseWriter, r *http.Request) {
		got, _ = GetClaims(r.Context())
	})

	handler(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/test", nil))

	if got != claims {
		t.Error("expected claims to be set in context")
	}
}
