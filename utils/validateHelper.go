package utils

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

func ProcessValidationErrors(err error) map[string]string {
	var validationErrors validator.ValidationErrors
	errorResponse := make(map[string]string)
	if !errors.As(err, &validationErrors) {
		return errorResponse
	}
	for _, ve := range validationErrors {
		errorResponse[ve.Field()] = ve.Tag()
	}
	return errorResponse
}

// ValidateStruct runs `validate:"..."` tags and folds failures into one validation error.
func ValidateStruct(v any) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	fields := ProcessValidationErrors(err)
	if len(fields) == 0 {
		return ValidationError("%v", err)
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s:%s", k, fields[k]))
	}
	return ValidationError("invalid fields %s", strings.Join(parts, ", "))
}

// ValidateVar checks a single value against a tag like "email".
func ValidateVar(v any, tag string) error {
	if err := validate.Var(v, tag); err != nil {
		return ValidationError("%v", err)
	}
	return nil
}
