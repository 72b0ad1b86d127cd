package schema

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"github.com/santhosh-tekuri/jsonschema/v6/kind"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// JSON schema type names
const (
	TypeObject  = "object"
	TypeArray   = "array"
	TypeString  = "string"
	TypeNumber  = "number"
	TypeInteger = "integer"
	TypeBoolean = "boolean"
	TypeNull    = "null"
)

// JSONSchema is a declarative draft-07 schema. It is compiled on first use, so it must not
// be modified once Validate has been called. An empty Type accepts any value.
type JSONSchema struct {
	Type                 string                 `json:"type,omitempty"`
	Description          string                 `json:"description,omitempty"`
	Properties           map[string]*JSONSchema `json:"properties,omitempty"`
	Required             []string               `json:"required,omitempty"`
	Items                *JSONSchema            `json:"items,omitempty"`
	AdditionalProperties *bool                  `json:"additionalProperties,omitempty"`
	Enum                 []string               `json:"enum,omitempty"`
	Minimum              *float64               `json:"minimum,omitempty"`
	Maximum              *float64               `json:"maximum,omitempty"`
	MinLength            *int                   `json:"minLength,omitempty"`
	MaxLength            *int                   `json:"maxLength,omitempty"`
	MinItems             *int                   `json:"minItems,omitempty"`
	Pattern              string                 `json:"pattern,omitempty"`

	compileOnce sync.Once
	compiled    *jsonschema.Schema
	compileErr  error
}

// resourceURL names the in-memory document each schema is compiled from
const resourceURL = "schema.json"

var printer = message.NewPrinter(language.English)

// Object creates an object schema with the given properties and required fields
func Object(properties map[string]*JSONSchema, required ...string) *JSONSchema {
	return &JSONSchema{Type: TypeObject, Properties: properties, Required: required}
}

// Array creates an array schema with the given item schema
func Array(items *JSONSchema) *JSONSchema {
	return &JSONSchema{Type: TypeArray, Items: items}
}

// String creates a string schema
func String() *JSONSchema { return &JSONSchema{Type: TypeString} }

// Integer creates an integer schema
func Integer() *JSONSchema { return &JSONSchema{Type: TypeInteger} }

// Number creates a number schema
func Number() *JSONSchema { return &JSONSchema{Type: TypeNumber} }

// Boolean creates a boolean schema
func Boolean() *JSONSchema { return &JSONSchema{Type: TypeBoolean} }

// Any creates a schema that accepts every value
func Any() *JSONSchema { return &JSONSchema{} }

// WithEnum adds enum constraint to a string schema
func (s *JSONSchema) WithEnum(values ...string) *JSONSchema {
	s.Enum = values
	return s
}

// WithMinMax adds minimum and maximum constraints to numeric schemas
func (s *JSONSchema) WithMinMax(min, max float64) *JSONSchema {
	s.Minimum = &min
	s.Maximum = &max
	return s
}

// WithMinLength adds minimum length constraint to string schemas
func (s *JSONSchema) WithMinLength(n int) *JSONSchema {
	s.MinLength = &n
	return s
}

// WithMaxLength adds maximum length constraint to string schemas
func (s *JSONSchema) WithMaxLength(n int) *JSONSchema {
	s.MaxLength = &n
	return s
}

// WithMinItems adds minimum item count to array schemas
func (s *JSONSchema) WithMinItems(n int) *JSONSchema {
	s.MinItems = &n
	return s
}

// WithPattern adds regex pattern constraint to string schemas
func (s *JSONSchema) WithPattern(pattern string) *JSONSchema {
	s.Pattern = pattern
	return s
}

// Strict disallows properties that are not declared
func (s *JSONSchema) Strict() *JSONSchema {
	f := false
	s.AdditionalProperties = &f
	return s
}

// WithDescription sets the description
func (s *JSONSchema) WithDescription(description string) *JSONSchema {
	s.Description = description
	return s
}

// Validate checks the JSON form of value against the schema
func (s *JSONSchema) Validate(value interface{}) error {
	compiled, err := s.compile()
	if err != nil {
		return ValidationErrors{{Path: "$", Message: fmt.Sprintf("invalid schema: %v", err)}}
	}

	instance, err := normalize(value)
	if err != nil {
		return ValidationErrors{{Path: "$", Message: fmt.Sprintf("value is not JSON encodable: %v", err)}}
	}

	err = compiled.Validate(instance)
	if err == nil {
		return nil
	}
	var verr *jsonschema.ValidationError
	if !errors.As(err, &verr) {
		return ValidationErrors{{Path: "$", Message: err.Error()}}
	}

	errs := collect(verr, nil)
	sort.SliceStable(errs, func(i, j int) bool { return errs[i].Path < errs[j].Path })
	return errs
}

func (s *JSONSchema) compile() (*jsonschema.Schema, error) {
	s.compileOnce.Do(func() {
		data, err := json.Marshal(s)
		if err != nil {
			s.compileErr = err
			return
		}
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
		if err != nil {
			s.compileErr = err
			return
		}

		c := jsonschema.NewCompiler()
		c.DefaultDraft(jsonschema.Draft7)
		if err := c.AddResource(resourceURL, doc); err != nil {
			s.compileErr = err
			return
		}
		s.compiled, s.compileErr = c.Compile(resourceURL)
	})
	return s.compiled, s.compileErr
}

// normalize converts an arbitrary Go value into the generic JSON model the validator expects
func normalize(value interface{}) (interface{}, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(bytes.NewReader(data))
}

// collect flattens the leaves of a validation error tree into field errors
func collect(verr *jsonschema.ValidationError, out ValidationErrors) ValidationErrors {
	if len(verr.Causes) > 0 {
		for _, cause := range verr.Causes {
			out = collect(cause, out)
		}
		return out
	}

	path := instancePath(verr.InstanceLocation)
	switch k := verr.ErrorKind.(type) {
	case *kind.Type:
		return append(out, FieldError{
			Path:     path,
			Message:  "type mismatch",
			Expected: strings.Join(k.Want, "|"),
			Actual:   k.Got,
		})
	case *kind.Required:
		for _, name := range k.Missing {
			out = append(out, FieldError{
				Path:     path + "." + name,
				Message:  "required field is missing",
				Expected: "field to be present",
				Actual:   "field is missing",
			})
		}
		return out
	case *kind.AdditionalProperties:
		for _, name := range k.Properties {
			out = append(out, FieldError{Path: path + "." + name, Message: "additional property not allowed"})
		}
		return out
	case *kind.Enum:
		return append(out, detailed(path, "value not in enum", k))
	case *kind.MinLength:
		return append(out, detailed(path, "string too short", k))
	case *kind.MaxLength:
		return append(out, detailed(path, "string too long", k))
	case *kind.Pattern:
		return append(out, detailed(path, "pattern mismatch", k))
	case *kind.Minimum:
		return append(out, detailed(path, "value below minimum", k))
	case *kind.Maximum:
		return append(out, detailed(path, "value above maximum", k))
	case *kind.MinItems:
		return append(out, detailed(path, "too few items", k))
	}
	return append(out, FieldError{Path: path, Message: verr.ErrorKind.LocalizedString(printer)})
}

func detailed(path, label string, k jsonschema.ErrorKind) FieldError {
	return FieldError{Path: path, Message: label + ": " + k.LocalizedString(printer)}
}

// instancePath renders a JSON pointer as "$.pages[1].url"
func instancePath(location []string) string {
	var b strings.Builder
	b.WriteString("$")
	for _, token := range location {
		if _, err := strconv.Atoi(token); err == nil {
			b.WriteString("[" + token + "]")
			continue
		}
		b.WriteString("." + token)
	}
	return b.String()
}
