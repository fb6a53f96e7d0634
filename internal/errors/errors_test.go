package errors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAppError(t *testing.T) {
	t.Run("Error returns formatted string", func(t *testing.T) {
		err := New(ErrCodeNotFound, "Playlist not found")
		assert.Equal(t, "NOT_FOUND: Playlist not found", err.Error())
	})

	t.Run("Error with cause includes cause", func(t *testing.T) {
		cause := errors.New("database connection failed")
		err := Wrap(ErrCodeDatabase, "Database error", cause)
		assert.Contains(t, err.Error(), "DATABASE_ERROR")
		assert.Contains(t, err.Error(), "Database error")
		assert.Contains(t, err.Error(), "database connection failed")
	})

	t.Run("WithCause adds cause to error", func(t *testing.T) {
		cause := errors.New("original error")
		err := New(ErrCodeInternal, "Something went wrong").WithCause(cause)
		assert.Equal(t, cause, err.Unwrap())
	})

	t.Run("WithDetails adds details to error", func(t *testing.T) {
		details := map[string]string{"field": "code", "reason": "must be 9 digits"}
		err := New(ErrCodeValidation, "Validation failed").WithDetails(details)
		assert.Equal(t, details, err.Details)
	})
}

func TestErrorConstructors(t *testing.T) {
	tests := []struct {
		name         string
		constructor  func() *AppError
		expectedCode ErrorCode
	}{
		{"Unauthorized", func() *AppError { return Unauthorized("test") }, ErrCodeUnauthorized},
		{"Forbidden", func() *AppError { return Forbidden("test") }, ErrCodeForbidden},
		{"InvalidToken", func() *AppError { return InvalidToken("test") }, ErrCodeInvalidToken},
		{"NotFound", func() *AppError { return NotFound("Device") }, ErrCodeNotFound},
		{"AlreadyExists", func() *AppError { return AlreadyExists("Device") }, ErrCodeAlreadyExists},
		{"Conflict", func() *AppError { return Conflict("test") }, ErrCodeConflict},
		{"ValidationError", func() *AppError { return ValidationError("test") }, ErrCodeValidation},
		{"InvalidInput", func() *AppError { return InvalidInput("code", "invalid") }, ErrCodeInvalidInput},
		{"MissingRequired", func() *AppError { return MissingRequired("code") }, ErrCodeMissingRequired},
		{"InvalidCode", func() *AppError { return InvalidCode() }, ErrCodeInvalidCode},
		{"AlreadyPaired", func() *AppError { return AlreadyPaired() }, ErrCodeAlreadyPaired},
		{"NoEntitlement", func() *AppError { return NoEntitlement() }, ErrCodeNoEntitlement},
		{"QuotaExceeded", func() *AppError { return QuotaExceeded(2) }, ErrCodeQuotaExceeded},
		{"DeviceNotFound", func() *AppError { return DeviceNotFound() }, ErrCodeDeviceNotFound},
		{"NoMainSubscription", func() *AppError { return NoMainSubscription() }, ErrCodeNoMainSubscription},
		{"UnknownPlan", func() *AppError { return UnknownPlan("prod_1") }, ErrCodeUnknownPlan},
		{"NoActivePlaylist", func() *AppError { return NoActivePlaylist() }, ErrCodeNoActivePlaylist},
		{"PlaylistNotAssigned", func() *AppError { return PlaylistNotAssigned() }, ErrCodePlaylistNotAssigned},
		{"RateLimitExceeded", func() *AppError { return RateLimitExceeded() }, ErrCodeRateLimitExceeded},
		{"InvalidSignature", func() *AppError { return InvalidSignature() }, ErrCodeInvalidSignature},
		{"Internal", func() *AppError { return Internal("test") }, ErrCodeInternal},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.constructor()
			assert.Equal(t, tc.expectedCode, err.Code)
			assert.NotEmpty(t, err.Message)
		})
	}
}

func TestQuotaExceeded(t *testing.T) {
	t.Run("mentions the limit and carries it as details", func(t *testing.T) {
		err := QuotaExceeded(3)
		assert.Contains(t, err.Message, "3 screen(s)")
		assert.Equal(t, map[string]int{"maxScreens": 3}, err.Details)
	})
}

func TestDatabase(t *testing.T) {
	t.Run("wraps database error", func(t *testing.T) {
		cause := errors.New("connection refused")
		err := Database(cause)
		assert.Equal(t, ErrCodeDatabase, err.Code)
		assert.Equal(t, cause, err.Unwrap())
	})
}

func TestExternal(t *testing.T) {
	t.Run("wraps external service error", func(t *testing.T) {
		cause := errors.New("timeout")
		err := External("Stripe", cause)
		assert.Equal(t, ErrCodeExternal, err.Code)
		assert.Contains(t, err.Message, "Stripe")
		assert.Equal(t, cause, err.Unwrap())
	})
}

func TestIsAppError(t *testing.T) {
	t.Run("returns true for AppError", func(t *testing.T) {
		err := New(ErrCodeNotFound, "test")
		assert.True(t, IsAppError(err))
	})

	t.Run("returns false for standard error", func(t *testing.T) {
		err := errors.New("standard error")
		assert.False(t, IsAppError(err))
	})

	t.Run("returns true for AppError wrapped with %w", func(t *testing.T) {
		wrapped := fmt.Errorf("pair: %w", InvalidCode())
		assert.True(t, IsAppError(wrapped))
	})
}

func TestAsAppError(t *testing.T) {
	t.Run("extracts AppError", func(t *testing.T) {
		original := New(ErrCodeNotFound, "Device not found")
		extracted, ok := AsAppError(original)
		assert.True(t, ok)
		assert.Equal(t, original, extracted)
	})

	t.Run("returns false for non-AppError", func(t *testing.T) {
		err := errors.New("standard error")
		extracted, ok := AsAppError(err)
		assert.False(t, ok)
		assert.Nil(t, extracted)
	})
}

func TestGetCode(t *testing.T) {
	t.Run("returns code for AppError", func(t *testing.T) {
		err := New(ErrCodeNotFound, "test")
		assert.Equal(t, ErrCodeNotFound, GetCode(err))
	})

	t.Run("returns ErrCodeInternal for standard error", func(t *testing.T) {
		err := errors.New("standard error")
		assert.Equal(t, ErrCodeInternal, GetCode(err))
	})
}

func TestHasCode(t *testing.T) {
	assert.True(t, HasCode(QuotaExceeded(1), ErrCodeQuotaExceeded))
	assert.False(t, HasCode(QuotaExceeded(1), ErrCodeNoEntitlement))
	assert.False(t, HasCode(errors.New("plain"), ErrCodeInternal))
}

func TestPublic(t *testing.T) {
	t.Run("keeps domain errors", func(t *testing.T) {
		err := Public(fmt.Errorf("wrapped: %w", NoActivePlaylist()))
		assert.Equal(t, ErrCodeNoActivePlaylist, err.Code)
	})

	t.Run("hides database errors", func(t *testing.T) {
		err := Public(Database(errors.New(`relation "devices" does not exist`)))
		assert.Equal(t, ErrCodeInternal, err.Code)
		assert.NotContains(t, err.Message, "relation")
	})

	t.Run("hides plain errors", func(t *testing.T) {
		err := Public(errors.New("pq: deadlock detected"))
		assert.Equal(t, ErrCodeInternal, err.Code)
		assert.NotContains(t, err.Message, "deadlock")
	})
}

func TestMissingRequiredMessage(t *testing.T) {
	t.Run("formats field name correctly", func(t *testing.T) {
		err := MissingRequired("accountId")
		assert.Equal(t, "accountId is required", err.Message)
	})
}
