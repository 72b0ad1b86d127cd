// Package schema validates stage inputs and outputs against declarative schemas.
//
// Two schema flavours are provided: JSONSchema, a draft-07 declaration compiled with
// santhosh-tekuri/jsonschema and checked against the JSON form of any Go value, and
// Struct/Var, which delegate to go-playground/validator tags. Validation never mutates the value.
package schema

import (
	"fmt"
	"strings"
)

// Schema validates a value. Validate returns nil or ValidationErrors.
type Schema interface {
	Validate(value interface{}) error
}

// FieldError describes one validation failure
type FieldError struct {
	Path     string `json:"path"` // e.g. "$.pages[0].url"
	Message  string `json:"message"`
	Expected string `json:"expected,omitempty"`
	Actual   string `json:"actual,omitempty"`
}

func (e FieldError) String() string {
	if e.Expected != "" && e.Actual != "" {
		return fmt.Sprintf("%s: %s (expected %s, got %s)", e.Path, e.Message, e.Expected, e.Actual)
	}
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

// ValidationErrors is the error returned by a failed validation
type ValidationErrors []FieldError

func (v ValidationErrors) Error() string {
	switch len(v) {
	case 0:
		return "validation failed"
	case 1:
		return "validation failed at " + v[0].String()
	}
	parts := make([]string, len(v))
	for i, e := range v {
		parts[i] = e.String()
	}
	return fmt.Sprintf("validation failed with %d errors: %s", len(v), strings.Join(parts, "; "))
}

// Messages returns the individual failures as strings, handy for structured logging
func (v ValidationErrors) Messages() []string {
	out := make([]string, len(v))
	for i, e := range v {
		out[i] = e.String()
	}
	return out
}

// Validate runs s against value; a nil schema accepts everything
func Validate(s Schema, value interface{}) error {
	if s == nil {
		return nil
	}
	return s.Validate(value)
}

// ValidateTransition checks a value produced under schema from against the schema to of
// the consuming stage. The value must satisfy to; when both schemas are JSONSchema the
// declarations are also compared so drift is reported even when this particular value
// happens to pass.
func ValidateTransition(value interface{}, from, to Schema) error {
	if to == nil {
		return nil
	}

	var errs ValidationErrors
	if err := to.Validate(value); err != nil {
		errs = append(errs, asFieldErrors(err)...)
	}

	fromJSON, okFrom := from.(*JSONSchema)
	toJSON, okTo := to.(*JSONSchema)
	if okFrom && okTo {
		errs = append(errs, Compatible(fromJSON, toJSON)...)
	}

	if len(errs) == 0 {
		return nil
	}
	return errs
}

// Compatible reports declaration-level mismatches between a producer and consumer schema:
// differing types and properties the consumer requires that the producer never declares.
func Compatible(from, to *JSONSchema) ValidationErrors {
	return compatible(from, to, "$")
}

func compatible(from, to *JSONSchema, path string) ValidationErrors {
	if from == nil || to == nil {
		return nil
	}

	var errs ValidationErrors
	if from.Type != "" && to.Type != "" && from.Type != to.Type &&
		!(from.Type == TypeInteger && to.Type == TypeNumber) {
		return append(errs, FieldError{
			Path:     path,
			Message:  "producer and consumer declare different types",
			Expected: to.Type,
			Actual:   from.Type,
		})
	}

	switch to.Type {
	case TypeObject:
		for _, name := range to.Required {
			if _, declared := from.Properties[name]; declared {
				continue
			}
			if containsString(from.Required, name) {
				continue
			}
			errs = append(errs, FieldError{
				Path:    path + "." + name,
				Message: "required by consumer but not declared by producer",
			})
		}
		for name, toProp := range to.Properties {
			if fromProp, ok := from.Properties[name]; ok {
				errs = append(errs, compatible(fromProp, toProp, path+"."+name)...)
			}
		}
	case TypeArray:
		errs = append(errs, compatible(from.Items, to.Items, path+"[]")...)
	}

	return errs
}

func asFieldErrors(err error) ValidationErrors {
	if ve, ok := err.(ValidationErrors); ok {
		return ve
	}
	return ValidationErrors{{Path: "$", Message: err.Error()}}
}

func containsString(values []string, v string) bool {
	for _, s := range values {
		if s == v {
			return true
		}
	}
	return false
}
