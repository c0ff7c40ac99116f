package sanitize

import (
	"encoding/json"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValue_Strings(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    string
		wantErr bool
	}{
		{
			name:  "plain string passes through",
			input: "hello world",
			want:  "hello world",
		},
		{
			name:  "tab newline and cr are kept",
			input: "a\tb\nc\rd",
			want:  "a\tb\nc\rd",
		},
		{
			name:  "null byte stripped",
			input: "he\x00llo",
			want:  "hello",
		},
		{
			name:  "vertical tab and form feed stripped",
			input: "a\x0bb\x0cc",
			want:  "abc",
		},
		{
			name:  "delete char stripped",
			input: "abc\x7f",
			want:  "abc",
		},
		{
			name:    "oversized string rejected",
			input:   strings.Repeat("x", MaxStringBytes+1),
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Value(tt.input)
			if tt.wantErr {
				require.ErrorIs(t, err, ErrInvalidInput)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestValue_MaxStringExactlyAtLimit(t *testing.T) {
	s := strings.Repeat("y", MaxStringBytes)
	got, err := Value(s)
	require.NoError(t, err)
	assert.Equal(t, s, got)
}

func TestValue_DepthBound(t *testing.T) {
	// Build an object nested exactly MaxDepth levels: accepted.
	build := func(levels int) map[string]interface{} {
		root := map[string]interface{}{}
		cur := root
		for i := 1; i < levels; i++ {
			next := map[string]interface{}{}
			cur["child"] = next
			cur = next
		}
		cur["leaf"] = "v"
		return root
	}

	_, err := Value(build(MaxDepth))
	require.NoError(t, err)

	// One level deeper: rejected.
	_, err = Value(build(MaxDepth + 1))
	require.ErrorIs(t, err, ErrInvalidInput)
	assert.Contains(t, err.Error(), "depth")
}

func TestValue_DepthBoundEmptyContainers(t *testing.T) {
	// An empty object past the limit is still too deep; the bound counts
	// containers, not the values inside them.
	var root interface{} = map[string]interface{}{}
	for i := 0; i < MaxDepth; i++ {
		root = map[string]interface{}{"child": root}
	}

	_, err := Value(root)
	require.ErrorIs(t, err, ErrInvalidInput)
	assert.Contains(t, err.Error(), "depth")

	var arrays interface{} = []interface{}{}
	for i := 0; i < MaxDepth; i++ {
		arrays = []interface{}{arrays}
	}
	_, err = Value(arrays)
	require.ErrorIs(t, err, ErrInvalidInput)
}

func TestValue_PropertyCount(t *testing.T) {
	obj := make(map[string]interface{}, MaxProperties+1)
	for i := 0; i <= MaxProperties; i++ {
		obj[fmt.Sprintf("key%d", i)] = i
	}
	_, err := Value(obj)
	require.ErrorIs(t, err, ErrInvalidInput)
}

func TestValue_Cycle(t *testing.T) {
	a := map[string]interface{}{}
	b := map[string]interface{}{"a": a}
	a["b"] = b

	_, err := Value(a)
	require.ErrorIs(t, err, ErrInvalidInput)
	assert.Contains(t, err.Error(), "cyclic")
}

func TestValue_NestedKeysCleaned(t *testing.T) {
	var v interface{}
	require.NoError(t, json.Unmarshal([]byte(`{"msg":"hi","n":42,"ok":true,"list":["a","b"]}`), &v))

	got, err := Value(v)
	require.NoError(t, err)

	obj := got.(map[string]interface{})
	assert.Equal(t, "hi", obj["msg"])
	assert.Equal(t, float64(42), obj["n"])
	assert.Equal(t, true, obj["ok"])
	assert.Equal(t, []interface{}{"a", "b"}, obj["list"])
}

func TestArguments_NilIsEmpty(t *testing.T) {
	got, err := Arguments(nil)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Empty(t, got)
}
