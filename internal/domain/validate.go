package domain

import (
	"errors"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"golang.org/x/text/unicode/norm"
)

// validatorInstance is shared so struct metadata is cached once.
var validatorInstance = validator.New()

func init() {
	// Report json names in validation messages, matching the wire payloads.
	validatorInstance.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		if name == "" {
			return fld.Name
		}
		return name
	})
	_ = validatorInstance.RegisterValidation("notblank", validateNotBlank)
}

func validateNotBlank(fl validator.FieldLevel) bool {
	return strings.TrimSpace(fl.Field().String()) != ""
}

// Validate runs struct tag validation and converts failures to ErrValidation.
func Validate(op string, v any) error {
	err := validatorInstance.Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		msgs := make([]string, 0, len(verrs))
		for _, fe := range verrs {
			msgs = append(msgs, fieldMessage(fe))
		}
		return NewValidationError(op, strings.Join(msgs, "; "), nil)
	}
	return NewValidationError(op, "invalid input", err)
}

func fieldMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required", "notblank":
		return fe.Field() + " is required"
	case "max":
		return fe.Field() + " must be at most " + fe.Param() + " characters"
	case "oneof":
		return fe.Field() + " must be one of " + fe.Param()
	default:
		return fe.Field() + " is invalid"
	}
}

// NameKey is the comparison key for room names: trimmed and NFC normalized,
// so canonically equivalent spellings collide.
func NameKey(name string) string {
	return norm.NFC.String(strings.TrimSpace(name))
}
