package schema

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_RegisterAndLookup(t *testing.T) {
	r := NewRegistry()

	handler := func(ctx context.Context, req *ToolRequest) (interface{}, error) {
		return "ok", nil
	}
	require.NoError(t, r.RegisterTool(Tool{
		Name:        "echo",
		Description: "echoes its input",
		InputSchema: map[string]interface{}{"type": "object"},
	}, handler))

	def, h, ok := r.Tool("echo")
	require.True(t, ok)
	assert.Equal(t, "echo", def.Name)
	require.NotNil(t, h)

	_, _, ok = r.Tool("missing")
	assert.False(t, ok)
}

func TestRegistry_OverwriteReplaces(t *testing.T) {
	r := NewRegistry()

	require.NoError(t, r.RegisterTool(Tool{Name: "echo", Description: "v1"}, nil))
	require.NoError(t, r.RegisterTool(Tool{Name: "echo", Description: "v2"}, nil))

	def, _, ok := r.Tool("echo")
	require.True(t, ok)
	assert.Equal(t, "v2", def.Description)
	assert.Equal(t, 1, r.ToolCount())
}

func TestRegistry_FreezeRejectsRegistration(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.RegisterTool(Tool{Name: "early"}, nil))

	r.Freeze()
	assert.True(t, r.Frozen())

	err := r.RegisterTool(Tool{Name: "late"}, nil)
	assert.ErrorIs(t, err, ErrFrozen)
	err = r.RegisterResource(Resource{URI: "file:///x", Name: "x"}, nil)
	assert.ErrorIs(t, err, ErrFrozen)
	err = r.RegisterPrompt(Prompt{Name: "late"}, nil)
	assert.ErrorIs(t, err, ErrFrozen)

	// Lookups still work after freeze.
	_, _, ok := r.Tool("early")
	assert.True(t, ok)
}

func TestRegistry_EmptyKeyRejected(t *testing.T) {
	r := NewRegistry()
	assert.Error(t, r.RegisterTool(Tool{}, nil))
	assert.Error(t, r.RegisterResource(Resource{}, nil))
	assert.Error(t, r.RegisterPrompt(Prompt{}, nil))
}

func TestRegistry_ListToolsPagination(t *testing.T) {
	r := NewRegistry()
	for i := 0; i < 7; i++ {
		require.NoError(t, r.RegisterTool(Tool{Name: fmt.Sprintf("tool%02d", i)}, nil))
	}

	var names []string
	cursor := ""
	pages := 0
	for {
		page, next, err := r.ListTools(cursor, 3)
		require.NoError(t, err)
		pages++
		for _, tool := range page {
			names = append(names, tool.Name)
		}
		if next == "" {
			break
		}
		cursor = next
	}

	assert.Equal(t, 3, pages)
	require.Len(t, names, 7)
	// Name order, no duplicates across pages.
	for i := 0; i < 7; i++ {
		assert.Equal(t, fmt.Sprintf("tool%02d", i), names[i])
	}
}

func TestRegistry_ListInvalidCursor(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.RegisterTool(Tool{Name: "a"}, nil))

	_, _, err := r.ListTools("not!valid!base64!", 10)
	assert.ErrorIs(t, err, ErrInvalidCursor)
}

func TestRegistry_ListResourcesAndPrompts(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.RegisterResource(Resource{URI: "file:///b", Name: "b"}, nil))
	require.NoError(t, r.RegisterResource(Resource{URI: "file:///a", Name: "a"}, nil))
	require.NoError(t, r.RegisterPrompt(Prompt{Name: "greet"}, nil))

	resources, next, err := r.ListResources("", 0)
	require.NoError(t, err)
	assert.Empty(t, next)
	require.Len(t, resources, 2)
	assert.Equal(t, "file:///a", resources[0].URI)

	prompts, _, err := r.ListPrompts("", 0)
	require.NoError(t, err)
	require.Len(t, prompts, 1)
	assert.Equal(t, "greet", prompts[0].Name)
}
