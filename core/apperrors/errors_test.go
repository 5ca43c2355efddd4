package apperrors

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestError_Messages(t *testing.T) {
	v := Validation([]FieldViolation{
		{Field: "repository", Message: "is required"},
		{Field: "ecosystem", Message: "must be one of node rust python go lean"},
	})
	assert.Equal(t, "Validation failed: repository: is required; ecosystem: must be one of node rust python go lean", v.Error())
	assert.Equal(t, "Validation failed", Validation(nil).Error())

	assert.Equal(t, "upgrade abc not found", NotFound("upgrade", "abc").Error())
	assert.Equal(t, "Too many requests", RateLimited(time.Second).Error())

	cause := errors.New("connection refused")
	internal := Internal("failed to create upgrade", cause)
	assert.Equal(t, "failed to create upgrade: connection refused", internal.Error())
	assert.ErrorIs(t, internal, cause)
}

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"validation", Validation(nil), KindValidation},
		{"not found", NotFound("upgrade", "x"), KindNotFound},
		{"rate limited", RateLimited(0), KindRateLimited},
		{"conflict", Conflict("upgrade", "x", "status changed"), KindConflict},
		{"wrapped", fmt.Errorf("lookup: %w", NotFound("upgrade", "x")), KindNotFound},
		{"untyped", errors.New("boom"), KindInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(tt.err))
			assert.True(t, Is(tt.err, tt.want) || tt.name == "untyped")
		})
	}

	assert.False(t, Is(errors.New("boom"), KindInternal))
}
