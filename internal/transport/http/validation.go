package http

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	apperrors "stitchkey/internal/errors"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// validateStruct runs tag-based validation and converts failures into
// the structured per-field VALIDATION_FAILED response shape.
func validateStruct(v interface{}) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return err
	}
	fields := make([]apperrors.ValidationError, 0, len(verrs))
	for _, fe := range verrs {
		field := snakeCase(fe.Field())
		var msg string
		switch fe.Tag() {
		case "required":
			msg = fmt.Sprintf("%s is required", field)
		case "min":
			msg = fmt.Sprintf("%s must be at least %s", field, fe.Param())
		default:
			msg = fmt.Sprintf("%s is invalid", field)
		}
		fields = append(fields, apperrors.ValidationError{Field: field, Message: msg})
	}
	return apperrors.NewValidationErrors(fields)
}

// snakeCase converts a Go field name to its JSON form for error text.
func snakeCase(s string) string {
	var b strings.Builder
	for i, r := range s {
		if r >= 'A' && r <= 'Z' {
			if i > 0 && !(s[i-1] >= 'A' && s[i-1] <= 'Z') {
				b.WriteByte('_')
			}
			b.WriteRune(r + ('a' - 'A'))
		} else {
			b.WriteRune(r)
		}
	}
	return b.String()
}
