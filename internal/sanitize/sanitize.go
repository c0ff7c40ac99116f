// Package sanitize validates and cleans values received over the wire
// before they reach schema validation or tool handlers.
//
// The sanitizer fails closed: any value that violates a bound is rejected
// with ErrInvalidInput. It never silently truncates or elides data, with
// one exception: control characters are stripped from strings because they
// carry no meaning in any MCP payload and are a common injection vector.
package sanitize

import (
	"errors"
	"fmt"
	"strings"
)

const (
	// MaxStringBytes is the maximum accepted byte length of any string value.
	MaxStringBytes = 10000

	// MaxDepth is the maximum accepted nesting depth of objects and arrays.
	MaxDepth = 10

	// MaxProperties is the maximum accepted property count at any object level.
	MaxProperties = 100
)

// ErrInvalidInput is returned for any value that violates a sanitization bound.
var ErrInvalidInput = errors.New("invalid input")

// Value sanitizes a decoded JSON value in place and returns the cleaned copy.
//
// Rules applied:
//   - strings longer than MaxStringBytes are rejected
//   - control characters U+0000-U+0008, U+000B, U+000C, U+000E-U+001F and
//     U+007F are stripped from strings
//   - objects nested deeper than MaxDepth are rejected
//   - objects with more than MaxProperties keys at any level are rejected
//   - cyclic structures are rejected
//
// The input is the result of encoding/json unmarshaling into interface{}:
// map[string]interface{}, []interface{}, string, float64, bool, nil.
func Value(v interface{}) (interface{}, error) {
	seen := make(map[interface{}]bool)
	return walk(v, 0, seen)
}

// Arguments sanitizes a tool-call argument map. A nil map is valid and
// returns an empty map so handlers never see nil arguments.
func Arguments(args map[string]interface{}) (map[string]interface{}, error) {
	if args == nil {
		return map[string]interface{}{}, nil
	}
	clean, err := Value(args)
	if err != nil {
		return nil, err
	}
	return clean.(map[string]interface{}), nil
}

func walk(v interface{}, depth int, seen map[interface{}]bool) (interface{}, error) {
	switch val := v.(type) {
	case string:
		return cleanString(val)

	case map[string]interface{}:
		// Depth bounds containers, not leaves: an empty object on level
		// MaxDepth+1 is just as deep as a populated one.
		if depth >= MaxDepth {
			return nil, fmt.Errorf("%w: nesting depth exceeds %d", ErrInvalidInput, MaxDepth)
		}
		// Cycle detection on container identity. Maps are not comparable,
		// so key on a pointer-ish identity via fmt only when revisited maps
		// are possible (hand-built values; json.Unmarshal never cycles).
		key := identity(val)
		if seen[key] {
			return nil, fmt.Errorf("%w: cyclic structure", ErrInvalidInput)
		}
		seen[key] = true
		defer delete(seen, key)

		if len(val) > MaxProperties {
			return nil, fmt.Errorf("%w: object has %d properties (max %d)",
				ErrInvalidInput, len(val), MaxProperties)
		}
		out := make(map[string]interface{}, len(val))
		for k, item := range val {
			ck, err := cleanString(k)
			if err != nil {
				return nil, err
			}
			clean, err := walk(item, depth+1, seen)
			if err != nil {
				return nil, err
			}
			out[ck] = clean
		}
		return out, nil

	case []interface{}:
		if depth >= MaxDepth {
			return nil, fmt.Errorf("%w: nesting depth exceeds %d", ErrInvalidInput, MaxDepth)
		}
		key := identity(val)
		if seen[key] {
			return nil, fmt.Errorf("%w: cyclic structure", ErrInvalidInput)
		}
		seen[key] = true
		defer delete(seen, key)

		if len(val) > MaxProperties {
			return nil, fmt.Errorf("%w: array has %d elements (max %d)",
				ErrInvalidInput, len(val), MaxProperties)
		}
		out := make([]interface{}, len(val))
		for i, item := range val {
			clean, err := walk(item, depth+1, seen)
			if err != nil {
				return nil, err
			}
			out[i] = clean
		}
		return out, nil

	default:
		// Numbers, booleans, nil: nothing to sanitize.
		return v, nil
	}
}

// identity returns a comparable identity for a container value.
func identity(v interface{}) interface{} {
	return fmt.Sprintf("%p", v)
}

// cleanString rejects oversized strings and strips control characters.
func cleanString(s string) (string, error) {
	if len(s) > MaxStringBytes {
		return "", fmt.Errorf("%w: string length %d exceeds %d bytes",
			ErrInvalidInput, len(s), MaxStringBytes)
	}
	if !strings.ContainsFunc(s, isStrippedControl) {
		return s, nil
	}
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if isStrippedControl(r) {
			continue
		}
		b.WriteRune(r)
	}
	return b.String(), nil
}

// isStrippedControl reports whether r is a control character removed from
// wire strings. Tab (U+0009), LF (U+000A) and CR (U+000D) are kept.
func isStrippedControl(r rune) bool {
	switch {
	case r >= 0x00 && r <= 0x08:
		return true
	case r == 0x0B || r == 0x0C:
		return true
	case r >= 0x0E && r <= 0x1F:
		return true
	case r == 0x7F:
		return true
	}
	return false
}
