package schema

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// ValidationError describes a schema validation failure at a specific
// location in the validated value.
type ValidationError struct {
	// Path is a JSON-pointer-style path to the failing value ("/" is root).
	Path string

	// Expected describes what the schema required at Path.
	Expected string

	// Received describes the value actually found at Path.
	Received string

	// Message is the underlying validator message.
	Message string
}

func (e *ValidationError) Error() string {
	var b strings.Builder
	b.WriteString("validation failed at ")
	b.WriteString(e.Path)
	if e.Expected != "" {
		fmt.Fprintf(&b, ": expected %s", e.Expected)
		if e.Received != "" {
			fmt.Fprintf(&b, ", received %s", e.Received)
		}
	} else if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	return b.String()
}

// Validator compiles JSON Schemas and caches the compiled form keyed by the
// SHA-256 of the canonical (marshaled) schema JSON, so repeated validations
// cost only the walk of the value.
type Validator struct {
	mu       sync.RWMutex
	compiled map[string]*jsonschema.Schema
}

// NewValidator creates an empty validator cache.
func NewValidator() *Validator {
	return &Validator{compiled: make(map[string]*jsonschema.Schema)}
}

// Validate checks value against schema. A nil or empty schema accepts
// everything. On failure it returns a *ValidationError; compilation problems
// surface as ordinary errors.
func (v *Validator) Validate(schema map[string]interface{}, value interface{}) error {
	if len(schema) == 0 {
		return nil
	}

	compiled, err := v.compile(schema)
	if err != nil {
		return fmt.Errorf("compile schema: %w", err)
	}

	if err := compiled.Validate(value); err != nil {
		var ve *jsonschema.ValidationError
		if errors.As(err, &ve) {
			return newValidationError(ve, schema, value)
		}
		return err
	}
	return nil
}

func (v *Validator) compile(schema map[string]interface{}) (*jsonschema.Schema, error) {
	canonical, err := json.Marshal(schema)
	if err != nil {
		return nil, fmt.Errorf("marshal schema: %w", err)
	}
	sum := sha256.Sum256(canonical)
	key := hex.EncodeToString(sum[:])

	v.mu.RLock()
	cached, ok := v.compiled[key]
	v.mu.RUnlock()
	if ok {
		return cached, nil
	}

	// Recompile from the canonical bytes so the cached schema is independent
	// of later mutation of the caller's map.
	var doc interface{}
	if err := json.Unmarshal(canonical, &doc); err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}

	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	compiled, err := c.Compile("schema.json")
	if err != nil {
		return nil, err
	}

	v.mu.Lock()
	v.compiled[key] = compiled
	v.mu.Unlock()
	return compiled, nil
}

// newValidationError maps the validator's error tree to a single
// ValidationError at the deepest failing location.
func newValidationError(ve *jsonschema.ValidationError, schema map[string]interface{}, value interface{}) *ValidationError {
	leaf := ve
	for len(leaf.Causes) > 0 {
		leaf = leaf.Causes[0]
	}

	segments := leaf.InstanceLocation
	path := "/"
	if len(segments) > 0 {
		path = "/" + strings.Join(segments, "/")
	}

	out := &ValidationError{
		Path:    path,
		Message: ve.Error(),
	}

	if got, ok := valueAt(value, segments); ok {
		out.Received = jsonTypeName(got)
	}
	if sub := schemaAt(schema, segments); sub != nil {
		out.Expected = describeSchema(sub)
	}
	return out
}

// valueAt walks a decoded JSON value along instance-location segments.
func valueAt(value interface{}, segments []string) (interface{}, bool) {
	cur := value
	for _, seg := range segments {
		switch typed := cur.(type) {
		case map[string]interface{}:
			next, ok := typed[seg]
			if !ok {
				return nil, false
			}
			cur = next
		case []interface{}:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(typed) {
				return nil, false
			}
			cur = typed[idx]
		default:
			return nil, false
		}
	}
	return cur, true
}

// schemaAt walks the schema document along instance-location segments using
// the common "properties"/"items" keywords. Returns nil when the subschema
// cannot be located structurally.
func schemaAt(schema map[string]interface{}, segments []string) map[string]interface{} {
	cur := schema
	for _, seg := range segments {
		if props, ok := cur["properties"].(map[string]interface{}); ok {
			if sub, ok := props[seg].(map[string]interface{}); ok {
				cur = sub
				continue
			}
		}
		if _, err := strconv.Atoi(seg); err == nil {
			if items, ok := cur["items"].(map[string]interface{}); ok {
				cur = items
				continue
			}
		}
		if addl, ok := cur["additionalProperties"].(map[string]interface{}); ok {
			cur = addl
			continue
		}
		return nil
	}
	return cur
}

// describeSchema renders a short human-readable expectation from a schema.
func describeSchema(sub map[string]interface{}) string {
	if t, ok := sub["type"].(string); ok {
		return t
	}
	if ts, ok := sub["type"].([]interface{}); ok {
		parts := make([]string, 0, len(ts))
		for _, t := range ts {
			if s, ok := t.(string); ok {
				parts = append(parts, s)
			}
		}
		if len(parts) > 0 {
			return strings.Join(parts, " or ")
		}
	}
	if enum, ok := sub["enum"].([]interface{}); ok {
		parts := make([]string, 0, len(enum))
		for _, e := range enum {
			parts = append(parts, fmt.Sprintf("%v", e))
		}
		return "one of [" + strings.Join(parts, ", ") + "]"
	}
	return ""
}

// jsonTypeName names a decoded JSON value's type the way schemas do.
func jsonTypeName(v interface{}) string {
	switch v.(type) {
	case nil:
		return "null"
	case bool:
		return "boolean"
	case string:
		return "string"
	case float64, int, int64, json.Number:
		return "number"
	case []interface{}:
		return "array"
	case map[string]interface{}:
		return "object"
	default:
		return fmt.Sprintf("%T", v)
	}
}
