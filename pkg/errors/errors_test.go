package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"strings"
	"testing"

	"snapmesh/internal/core/domain"
)

func TestAppError_Error(t *testing.T) {
	err := NewAppError(ErrCodeInvalidInput, "test error", 400)
	expected := "INVALID_INPUT: test error"
	if err.Error() != expected {
		t.Errorf("Error() = %v, want %v", err.Error(), expected)
	}
}

func TestAppError_WithCause(t *testing.T) {
	originalErr := stderrors.New("original error")
	err := WrapError(originalErr, ErrCodeInternal, "wrapped error", 500)

	if err.Cause != originalErr {
		t.Errorf("Cause = %v, want %v", err.Cause, originalErr)
	}
	if !strings.Contains(err.Error(), "original error") {
		t.Errorf("Error() should contain cause, got: %v", err.Error())
	}
	if !stderrors.Is(err, originalErr) {
		t.Error("errors.Is should see the cause through Unwrap")
	}
}

func TestAppError_WithContext(t *testing.T) {
	err := NewInvalidInputError("bad request")
	err.WithContext("field", "infoHash").WithContext("count", 2)

	if err.Context["field"] != "infoHash" {
		t.Errorf("Context[field] = %v, want infoHash", err.Context["field"])
	}
	if err.Context["count"] != 2 {
		t.Errorf("Context[count] = %v, want 2", err.Context["count"])
	}
}

func TestConstructors(t *testing.T) {
	cases := []struct {
		err    *AppError
		code   ErrorCode
		status int
	}{
		{NewInvalidInputError("x"), ErrCodeInvalidInput, http.StatusBadRequest},
		{NewNotFoundError("peer"), ErrCodeNotFound, http.StatusNotFound},
		{NewRateLimitError(), ErrCodeRateLimit, http.StatusTooManyRequests},
		{NewInternalError("x"), ErrCodeInternal, http.StatusInternalServerError},
		{NewServiceUnavailableError("x"), ErrCodeServiceUnavailable, http.StatusServiceUnavailable},
	}
	for _, tc := range cases {
		if tc.err.Code != tc.code || tc.err.HTTPStatus != tc.status {
			t.Errorf("got %s/%d, want %s/%d", tc.err.Code, tc.err.HTTPStatus, tc.code, tc.status)
		}
	}
	if msg := NewNotFoundError("peer").Message; msg != "peer not found" {
		t.Errorf("Message = %q", msg)
	}
}

func TestFromDomain(t *testing.T) {
	if FromDomain(nil) != nil {
		t.Fatal("nil error should map to nil")
	}
	wrapped := fmt.Errorf("lookup: %w", domain.ErrPeerNotFound)
	if got := FromDomain(wrapped); got.HTTPStatus != http.StatusNotFound {
		t.Errorf("peer not found mapped to %d", got.HTTPStatus)
	}
	if got := FromDomain(domain.ErrEdgeNotResolved); got.Code != ErrCodeUnresolved {
		t.Errorf("unresolved mapped to %s", got.Code)
	}
	if got := FromDomain(domain.ErrRelayNotStarted); got.HTTPStatus != http.StatusServiceUnavailable {
		t.Errorf("relay not started mapped to %d", got.HTTPStatus)
	}
	if got := FromDomain(stderrors.New("boom")); got.Code != ErrCodeInternal {
		t.Errorf("unknown mapped to %s", got.Code)
	}
	appErr := NewInvalidInputError("x")
	if got := FromDomain(fmt.Errorf("ctx: %w", appErr)); got != appErr {
		t.Error("existing AppError should pass through")
	}
}

func TestGetAppError(t *testing.T) {
	if GetAppError(nil) != nil {
		t.Error("nil should give nil")
	}
	if GetAppError(stderrors.New("plain")) != nil {
		t.Error("plain error should give nil")
	}
	appErr := NewNotFoundError("edge")
	if GetAppError(fmt.Errorf("wrap: %w", appErr)) != appErr {
		t.Error("wrapped AppError should be found")
	}
}
