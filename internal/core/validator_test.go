package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"courserelay/internal/types"
)

func TestValidateStruct(t *testing.T) {
	type form struct {
		Email     string `validate:"required,email"`
		FirstName string `validate:"omitempty,max=5"`
	}

	v := NewValidator(discardLogger())

	tests := []struct {
		name     string
		input    form
		wantCode types.ErrorCode
	}{
		{"valid", form{Email: "a@b.c"}, ""},
		{"missing required", form{}, types.ErrCodeValidationMissingField},
		{"bad email", form{Email: "not-an-email"}, types.ErrCodeValidationInvalidEmail},
		{"rule violation", form{Email: "a@b.c", FirstName: "toolongname"}, types.ErrCodeValidationInvalidBody},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.ValidateStruct(tt.input)
			if tt.wantCode == "" {
				assert.NoError(t, err)
				return
			}

			var appErr *types.AppError
			require.ErrorAs(t, err, &appErr)
			assert.Equal(t, tt.wantCode, appErr.Code)
			assert.NotEmpty(t, appErr.Details["field"])
		})
	}
}
