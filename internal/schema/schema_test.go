package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type page struct {
	URL   string `json:"url" validate:"required,url"`
	Title string `json:"title"`
	Depth int    `json:"depth" validate:"gte=0,lte=5"`
}

func pageSchema() *JSONSchema {
	return Object(map[string]*JSONSchema{
		"url":   String().WithPattern(`^https?://`),
		"title": String(),
		"depth": Integer().WithMinMax(0, 5),
	}, "url")
}

func TestJSONSchema_ValidatesGoValues(t *testing.T) {
	s := pageSchema()

	assert.NoError(t, s.Validate(page{URL: "https://example.com", Depth: 2}))
	assert.NoError(t, s.Validate(map[string]interface{}{"url": "http://a"}))
}

func TestJSONSchema_ReportsPathTaggedErrors(t *testing.T) {
	s := Object(map[string]*JSONSchema{
		"pages": Array(pageSchema()).WithMinItems(1),
	}, "pages")

	err := s.Validate(map[string]interface{}{
		"pages": []interface{}{
			map[string]interface{}{"url": "https://ok"},
			map[string]interface{}{"url": "ftp://bad", "depth": 1.5},
		},
	})
	require.Error(t, err)

	verrs, ok := err.(ValidationErrors)
	require.True(t, ok, "expected ValidationErrors, got %T", err)
	require.Len(t, verrs, 2)
	assert.Equal(t, "$.pages[1].depth", verrs[0].Path)
	assert.Equal(t, "integer", verrs[0].Expected)
	assert.Equal(t, "$.pages[1].url", verrs[1].Path)
	assert.Contains(t, verrs[1].Message, "pattern mismatch")
}

func TestJSONSchema_RequiredAndStrict(t *testing.T) {
	s := pageSchema().Strict()

	err := s.Validate(map[string]interface{}{"extra": true})
	require.Error(t, err)
	verrs := err.(ValidationErrors)
	require.Len(t, verrs, 2)
	assert.Equal(t, "$.extra", verrs[0].Path)
	assert.Equal(t, "additional property not allowed", verrs[0].Message)
	assert.Equal(t, "$.url", verrs[1].Path)
	assert.Equal(t, "required field is missing", verrs[1].Message)
}

func TestJSONSchema_TypeMismatchAtRoot(t *testing.T) {
	err := Array(String()).Validate("not-an-array")
	require.Error(t, err)
	verrs := err.(ValidationErrors)
	assert.Equal(t, "$", verrs[0].Path)
	assert.Equal(t, "array", verrs[0].Expected)
	assert.Equal(t, "string", verrs[0].Actual)
}

func TestJSONSchema_EnumAndLength(t *testing.T) {
	s := String().WithEnum("light", "dark").WithMaxLength(4)

	assert.NoError(t, s.Validate("dark"))
	err := s.Validate("light")
	require.Error(t, err)
	assert.Len(t, err.(ValidationErrors), 1)
	assert.Contains(t, err.Error(), "string too long")

	err = s.Validate("blue")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "value not in enum")
}

func TestJSONSchema_NumericBoundsAndItems(t *testing.T) {
	s := Array(Integer().WithMinMax(0, 5)).WithMinItems(2)

	assert.NoError(t, s.Validate([]int{0, 5}))

	err := s.Validate([]int{7})
	require.Error(t, err)
	verrs := err.(ValidationErrors)
	require.Len(t, verrs, 2)
	assert.Equal(t, "$", verrs[0].Path)
	assert.Contains(t, verrs[0].Message, "too few items")
	assert.Equal(t, "$[0]", verrs[1].Path)
	assert.Contains(t, verrs[1].Message, "value above maximum")
}

func TestJSONSchema_InvalidPattern(t *testing.T) {
	err := String().WithPattern("(unclosed").Validate("x")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid schema")
}

func TestJSONSchema_AnyAcceptsEverything(t *testing.T) {
	s := Any()
	for _, v := range []interface{}{nil, 1, "x", []int{1}, page{}} {
		assert.NoError(t, s.Validate(v))
	}
}

func TestJSONSchema_UnencodableValue(t *testing.T) {
	err := String().Validate(make(chan int))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not JSON encodable")
}

func TestStructSchema(t *testing.T) {
	s := Struct()

	assert.NoError(t, s.Validate(page{URL: "https://example.com"}))
	assert.NoError(t, s.Validate(&page{URL: "https://example.com"}))

	err := s.Validate([]page{{URL: "https://example.com"}, {URL: "nope", Depth: 9}})
	require.Error(t, err)
	verrs := err.(ValidationErrors)
	require.Len(t, verrs, 2)
	assert.Equal(t, "$[1].URL", verrs[0].Path)
	assert.Equal(t, "url", verrs[0].Expected)
	assert.Equal(t, "$[1].Depth", verrs[1].Path)
	assert.Equal(t, "lte=5", verrs[1].Expected)

	var nilPage *page
	assert.Error(t, s.Validate(nilPage))
	assert.Error(t, s.Validate(42))
}

func TestVarSchema(t *testing.T) {
	s := Var("required,url")
	assert.NoError(t, s.Validate("https://example.com"))
	assert.Error(t, s.Validate("example"))
}

func TestValidateNilSchema(t *testing.T) {
	assert.NoError(t, Validate(nil, "anything"))
	assert.NoError(t, ValidateTransition("anything", pageSchema(), nil))
}

func TestValidateTransition(t *testing.T) {
	producer := Object(map[string]*JSONSchema{
		"url": String(),
	}, "url")
	consumer := Object(map[string]*JSONSchema{
		"url":  String(),
		"html": String(),
	}, "url", "html")

	err := ValidateTransition(map[string]interface{}{"url": "https://a", "html": "<p/>"}, producer, consumer)
	require.Error(t, err, "declaration drift should be reported even when the value passes")
	verrs := err.(ValidationErrors)
	require.Len(t, verrs, 1)
	assert.Equal(t, "$.html", verrs[0].Path)

	producer.Properties["html"] = String()
	assert.NoError(t, ValidateTransition(map[string]interface{}{"url": "https://a", "html": "<p/>"}, producer, consumer))

	err = ValidateTransition(map[string]interface{}{"url": "https://a"}, producer, consumer)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "required field is missing")
}

func TestCompatible_TypeDrift(t *testing.T) {
	errs := Compatible(
		Object(map[string]*JSONSchema{"count": String()}),
		Object(map[string]*JSONSchema{"count": Number()}),
	)
	require.Len(t, errs, 1)
	assert.Equal(t, "$.count", errs[0].Path)

	assert.Empty(t, Compatible(Integer(), Number()))
}
