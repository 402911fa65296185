package apierr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorIsMatchesCode(t *testing.T) {
	err := fmt.Errorf("saving: %w", New(UsernameTaken, "Account already exists for this username."))

	assert.True(t, errors.Is(err, New(UsernameTaken, "")))
	assert.False(t, errors.Is(err, New(EmailTaken, "")))
	assert.Equal(t, UsernameTaken, CodeOf(err))
	assert.True(t, Has(err, UsernameTaken))
	assert.Equal(t, "Account already exists for this username. (code 202)", New(UsernameTaken, "Account already exists for this username.").Error())
}

func TestCodeOfPlainError(t *testing.T) {
	err := errors.New("plain")
	assert.Equal(t, OtherCause, CodeOf(err))
	assert.Equal(t, KindOther, KindOf(err))
	assert.Equal(t, OtherCause, CodeOf(nil))
}

func TestKind(t *testing.T) {
	tests := []struct {
		code Code
		want Kind
	}{
		{SessionMissing, KindPermissionDenied},
		{OperationForbidden, KindPermissionDenied},
		{MissingRequiredField, KindValidation},
		{InvalidJSON, KindValidation},
		{ObjectNotFound, KindNotFound},
		{InvalidInstallationID, KindConflict},
		{AccountAlreadyLinked, KindConflict},
		{EmailTaken, KindDuplicateValue},
		{DuplicateValue, KindDuplicateValue},
		{UnsupportedService, KindUnsupportedProvider},
		{InternalServerError, KindInternal},
		{ScriptFailed, KindOther},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.code), func(t *testing.T) {
			assert.Equal(t, tt.want, New(tt.code, "").Kind())
			assert.Equal(t, tt.want, KindOf(Newf(tt.code, "code %d", tt.code)))
		})
	}
}
