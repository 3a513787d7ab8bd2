package auth

import (
	"errors"
	"net/http"
	"strings"

	"go.uber.org/zap"
)

// Common authentication errors.
var (
	ErrMissingAuthorization = errors.New("missing authorization")
	ErrInvalidAuthFormat    = errors.New("invalid authorization header format")
	ErrMissingTenantID      = errors.New("missing tenant ID in token")
)

// SessionCookieName is the cookie browser clients carry their JWT in.
const SessionCookieName = "ekaya_jwt"

// AuthService defines the interface for authentication operations.
// This abstraction enables clean separation between HTTP handling
// and authentication logic, making both easier to test.
type AuthService interface {
	// ValidateRequest extracts and validates a JWT from the request.
	// It checks for the token in:
	//   1. Cookie named "ekaya_jwt" (browser clients)
	//   2. Authorization header with "Bearer" scheme (API clients)
	// Returns the validated claims, the raw token string, or an error.
	ValidateRequest(r *http.Request) (*Claims, string, error)

	// RequireTenantID validates that the claims contain a tenant ID.
	RequireTenantID(claims *Claims) error
}

// authService implements AuthService.
type authService struct {
	jwksClient JWKSClientInterface
	logger     *zap.Logger
}

// NewAuthService creates a new AuthService with the given JWKS client and logger.
func NewAuthService(jwksClient JWKSClientInterface, logger *zap.Logger) AuthService {
	return &authService{
		jwksClient: jwksClient,
		logger:     logger,
	}
}

// ValidateRequest extracts and validates a JWT from the request.
func (s *authService) ValidateRequest(r *http.Request) (*Claims, string, error) {
	tokenString, tokenSource, err := s.extractToken(r)
	if err != nil {
		return nil, "", err
	}

	claims, err := s.jwksClient.ValidateToken(tokenString)
	if err != nil {
		s.logger.Debug("JWT validation failed",
			zap.Error(err),
			zap.String("path", r.URL.Path),
			zap.String("token_source", tokenSource))
		return nil, "", err
	}

	return claims, tokenString, nil
}

func (s *authService) extractToken(r *http.Request) (string, string, error) {
	// Try cookie first (browser clients)
	if cookie, err := r.Cookie(SessionCookieName); err == nil {
		return cookie.Value, "cookie", nil
	}

	// Fallback to Authorization header (API clients)
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		s.logger.Debug("No JWT found in request",
			zap.String("path", r.URL.Path),
			zap.String("method", r.Method))
		return "", "", ErrMissingAuthorization
	}

	parts := strings.Split(authHeader, " ")
	if len(parts) != 2 || parts[0] != "Bearer" {
		s.logger.Debug("Invalid Authorization header format",
			zap.String("path", r.URL.Path))
		return "", "", ErrInvalidAuthFormat
	}
	return parts[1], "header", nil
}

// RequireTenantID validates that the claims contain a tenant ID.
func (s *authService) RequireTenantID(claims *Claims) error {
	if claims.TenantID == "" {
		return ErrMissingTenantID
	}
	return nil
}

// Ensure authService implements AuthService at compile time.
var _ AuthService = (*authService)(nil)
