package core

import (
	"log/slog"

	"github.com/go-playground/validator/v10"

	"courserelay/internal/types"
)

// Validator wraps go-playground/validator for request DTO validation.
// Handlers validate decoded bodies before touching any provider.
type Validator struct {
	validate *validator.Validate
	logger   *slog.Logger
}

// NewValidator creates a new Validator.
func NewValidator(logger *slog.Logger) *Validator {
	return &Validator{
		validate: validator.New(),
		logger:   logger,
	}
}

// ValidateStruct validates dst against its struct tags and translates the
// first failure into a client-facing AppError.
func (v *Validator) ValidateStruct(dst interface{}) error {
	err := v.validate.Struct(dst)
	if err == nil {
		return nil
	}

	if fieldErrs, ok := err.(validator.ValidationErrors); ok && len(fieldErrs) > 0 {
		fe := fieldErrs[0]
		switch fe.Tag() {
		case "required":
			return types.NewAppErrorWithDetails(
				types.ErrCodeValidationMissingField,
				"missing required field",
				err,
				map[string]any{"field": fe.Field()},
			)
		case "email":
			return types.NewAppErrorWithDetails(
				types.ErrCodeValidationInvalidEmail,
				"invalid email address",
				err,
				map[string]any{"field": fe.Field()},
			)
		default:
			return types.NewAppErrorWithDetails(
				types.ErrCodeValidationInvalidBody,
				"invalid value for field",
				err,
				map[string]any{"field": fe.Field(), "rule": fe.Tag()},
			)
		}
	}

	return types.NewAppError(
		types.ErrCodeValidationInvalidBody,
		"request validation failed",
		err,
	)
}
