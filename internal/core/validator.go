package core

import (
	"errors"
	"log/slog"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"floodgate/internal/types"
)

// Validator wraps go-playground/validator for request DTO validation. It
// translates field-level failures into structured AppErrors so handlers can
// return consistent 400 responses.
type Validator struct {
	validate *validator.Validate
	logger   *slog.Logger
}

// NewValidator creates a new Validator. JSON tag names are used in error
// details so clients see the wire field names, not Go struct field names.
func NewValidator(logger *slog.Logger) *Validator {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return fld.Name
		}
		return name
	})

	return &Validator{
		validate: v,
		logger:   logger,
	}
}

// ValidateStruct validates the given struct against its validate tags.
//
// Failures are translated as follows:
//   - "required" and "required_if" tag failures return
//     validation_missing_required_field with the offending fields listed in
//     the details map.
//   - Any other tag failure returns validation_invalid_rule with per-field
//     details describing the violated constraint.
//
// Returns nil when the struct is valid.
func (v *Validator) ValidateStruct(s interface{}) error {
	err := v.validate.Struct(s)
	if err == nil {
		return nil
	}

	var invalidErr *validator.InvalidValidationError
	if errors.As(err, &invalidErr) {
		// Programming error: a non-struct was passed in.
		v.logger.Error("invalid argument passed to validator", slog.String("error", err.Error()))
		return types.NewAppError(types.ErrCodeInternalUnexpected, "an unexpected error occurred", err)
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return types.NewAppError(types.ErrCodeInternalUnexpected, "an unexpected error occurred", err)
	}

	missing := make([]string, 0, len(fieldErrs))
	invalid := make(map[string]any, len(fieldErrs))
	for _, fe := range fieldErrs {
		switch fe.Tag() {
		case "required", "required_if":
			missing = append(missing, fe.Field())
		default:
			invalid[fe.Field()] = describeViolation(fe)
		}
	}

	if len(missing) > 0 {
		return types.NewAppErrorWithDetails(
			types.ErrCodeValidationMissingField,
			"missing required field(s)",
			err,
			map[string]any{"fields": missing},
		)
	}

	return types.NewAppErrorWithDetails(
		types.ErrCodeValidationInvalidRule,
		"invalid field value(s)",
		err,
		invalid,
	)
}

// describeViolation renders a short human-readable constraint description for
// a single field error.
func describeViolation(fe validator.FieldError) string {
	if fe.Param() != "" {
		return "failed constraint: " + fe.Tag() + "=" + fe.Param()
	}
	return "failed constraint: " + fe.Tag()
}
