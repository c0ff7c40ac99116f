package schema

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var toolInputSchema = map[string]interface{}{
	"type": "object",
	"properties": map[string]interface{}{
		"query": map[string]interface{}{"type": "string"},
		"limit": map[string]interface{}{"type": "integer", "minimum": float64(1)},
	},
	"required": []interface{}{"query"},
}

func TestValidator_Accepts(t *testing.T) {
	v := NewValidator()

	err := v.Validate(toolInputSchema, map[string]interface{}{
		"query": "hello",
		"limit": float64(5),
	})
	assert.NoError(t, err)
}

func TestValidator_NilSchemaAcceptsAnything(t *testing.T) {
	v := NewValidator()
	assert.NoError(t, v.Validate(nil, map[string]interface{}{"anything": true}))
	assert.NoError(t, v.Validate(map[string]interface{}{}, "even strings"))
}

func TestValidator_TypeMismatch(t *testing.T) {
	v := NewValidator()

	err := v.Validate(toolInputSchema, map[string]interface{}{
		"query": float64(42),
	})
	require.Error(t, err)

	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "/query", ve.Path)
	assert.Equal(t, "string", ve.Expected)
	assert.Equal(t, "number", ve.Received)
}

func TestValidator_MissingRequired(t *testing.T) {
	v := NewValidator()

	err := v.Validate(toolInputSchema, map[string]interface{}{
		"limit": float64(5),
	})
	require.Error(t, err)

	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.NotEmpty(t, ve.Message)
}

func TestValidator_StringRootSchema(t *testing.T) {
	v := NewValidator()
	uriSchema := map[string]interface{}{
		"type":    "string",
		"pattern": "^file://",
	}

	assert.NoError(t, v.Validate(uriSchema, "file:///project/README.md"))

	err := v.Validate(uriSchema, "http://elsewhere")
	require.Error(t, err)
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "/", ve.Path)
}

func TestValidator_CacheReuse(t *testing.T) {
	v := NewValidator()

	require.NoError(t, v.Validate(toolInputSchema, map[string]interface{}{"query": "a"}))
	require.NoError(t, v.Validate(toolInputSchema, map[string]interface{}{"query": "b"}))

	v.mu.RLock()
	defer v.mu.RUnlock()
	assert.Len(t, v.compiled, 1)
}

func TestValidator_InvalidSchemaSurfacesCompileError(t *testing.T) {
	v := NewValidator()
	bad := map[string]interface{}{
		"type": "no-such-type",
	}
	err := v.Validate(bad, map[string]interface{}{})
	require.Error(t, err)
	var ve *ValidationError
	assert.False(t, errors.As(err, &ve), "compile errors are not validation errors")
}
