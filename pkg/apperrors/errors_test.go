package apperrors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestError_IsMatchesSentinel(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		sentinel error
		status   int
	}{
		{"not found", NotFound("instance %s", "x"), ErrNotFound, http.StatusNotFound},
		{"permission denied", PermissionDenied("read"), ErrPermissionDenied, http.StatusForbidden},
		{"validation", Validation("bad filter"), ErrValidation, http.StatusBadRequest},
		{"authentication", Authentication("no token"), ErrAuthentication, http.StatusUnauthorized},
		{"store", Store(errors.New("boom"), "insert"), ErrStore, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, tt.err, tt.sentinel)
			assert.Equal(t, tt.status, StatusCode(tt.err))

			wrapped := fmt.Errorf("outer: %w", tt.err)
			assert.ErrorIs(t, wrapped, tt.sentinel)
			assert.Equal(t, tt.status, StatusCode(wrapped))
		})
	}
}

func TestStore_PreservesCause(t *testing.T) {
	cause := errors.New("connection reset by peer")
	err := Store(cause, "failed to create instance")

	assert.ErrorIs(t, err, cause)
	assert.ErrorIs(t, err, ErrStore)
	assert.Contains(t, err.Error(), "connection reset by peer")
	assert.Equal(t, KindStore, KindOf(err))
}

func TestStore_PassesTypedErrorsThrough(t *testing.T) {
	nf := NotFound("instance missing")
	assert.Same(t, nf, Store(nf, "get"))

	err := Store(fmt.Errorf("repo: %w", ErrNotFound), "get")
	assert.Equal(t, KindNotFound, KindOf(err))
	assert.Nil(t, Store(nil, "noop"))
}

func TestKindOf_Untyped(t *testing.T) {
	assert.Equal(t, KindInternal, KindOf(errors.New("plain")))
	assert.Equal(t, KindConflict, KindOf(fmt.Errorf("dup: %w", ErrConflict)))
	assert.Equal(t, http.StatusConflict, StatusCode(ErrConflict))
	assert.Equal(t, http.StatusInternalServerError, StatusCode(errors.New("plain")))
}
