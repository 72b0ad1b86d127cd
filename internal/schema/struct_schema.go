package schema

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

// validate is safe for concurrent use and caches struct metadata
var validate = validator.New(validator.WithRequiredStructEnabled())

// Validator returns the shared go-playground validator instance
func Validator() *validator.Validate {
	return validate
}

// StructSchema validates Go structs (or slices and pointers to them) using
// `validate:"..."` struct tags.
type StructSchema struct{}

// Struct returns a schema backed by struct tags
func Struct() StructSchema {
	return StructSchema{}
}

// Validate implements Schema
func (StructSchema) Validate(value interface{}) error {
	errs := validateStruct(reflect.ValueOf(value), "$")
	if len(errs) == 0 {
		return nil
	}
	return errs
}

func validateStruct(v reflect.Value, path string) ValidationErrors {
	for v.IsValid() && (v.Kind() == reflect.Ptr || v.Kind() == reflect.Interface) {
		if v.IsNil() {
			return ValidationErrors{{Path: path, Message: "value is nil", Expected: "struct", Actual: "nil"}}
		}
		v = v.Elem()
	}
	if !v.IsValid() {
		return ValidationErrors{{Path: path, Message: "value is nil", Expected: "struct", Actual: "nil"}}
	}

	switch v.Kind() {
	case reflect.Struct:
		if err := validate.Struct(v.Interface()); err != nil {
			return fromValidatorError(err, path)
		}
		return nil
	case reflect.Slice, reflect.Array:
		var errs ValidationErrors
		for i := 0; i < v.Len(); i++ {
			errs = append(errs, validateStruct(v.Index(i), fmt.Sprintf("%s[%d]", path, i))...)
		}
		return errs
	default:
		return ValidationErrors{{Path: path, Message: "type mismatch", Expected: "struct", Actual: v.Kind().String()}}
	}
}

// VarSchema validates a single value against a validator tag, e.g. "required,url"
type VarSchema struct {
	Tag string
}

// Var returns a schema for a single value
func Var(tag string) VarSchema {
	return VarSchema{Tag: tag}
}

// Validate implements Schema
func (s VarSchema) Validate(value interface{}) error {
	if err := validate.Var(value, s.Tag); err != nil {
		return fromValidatorError(err, "$")
	}
	return nil
}

func fromValidatorError(err error, path string) ValidationErrors {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return ValidationErrors{{Path: path, Message: err.Error()}}
	}

	out := make(ValidationErrors, 0, len(verrs))
	for _, fe := range verrs {
		fieldPath := path
		if ns := fe.Namespace(); ns != "" {
			// drop the root struct name: "Config.Crawl.URL" -> "$.Crawl.URL"
			if i := strings.Index(ns, "."); i >= 0 {
				fieldPath = path + ns[i:]
			}
		}

		expected := fe.Tag()
		if fe.Param() != "" {
			expected = fe.Tag() + "=" + fe.Param()
		}

		out = append(out, FieldError{
			Path:     fieldPath,
			Message:  fmt.Sprintf("failed on '%s' rule", fe.Tag()),
			Expected: expected,
			Actual:   fmt.Sprintf("%v", fe.Value()),
		})
	}
	return out
}
