package stdio

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/mcpd/internal/logging"
	"github.com/fyrsmithlabs/mcpd/pkg/mcp"
	"github.com/fyrsmithlabs/mcpd/pkg/schema"
	"github.com/fyrsmithlabs/mcpd/pkg/session"
)

func newTestServer(t *testing.T, input string) (*Server, *bytes.Buffer) {
	t.Helper()

	registry := schema.NewRegistry()
	err := registry.RegisterTool(schema.Tool{
		Name: "echo",
		InputSchema: map[string]interface{}{
			"type":       "object",
			"properties": map[string]interface{}{"msg": map[string]interface{}{"type": "string"}},
			"required":   []interface{}{"msg"},
		},
	}, func(_ context.Context, req *schema.ToolRequest) (interface{}, error) {
		return req.Arguments["msg"].(string), nil
	})
	require.NoError(t, err)

	store := session.NewMemoryStore()
	logger := logging.NewTestLogger().Logger
	dispatcher := mcp.NewDispatcher(mcp.DispatcherConfig{
		ServerName:    "mcpd-test",
		ServerVersion: "0.0.1",
	}, registry, store, nil, logger, nil)

	out := &bytes.Buffer{}
	srv := NewServer(dispatcher, store, strings.NewReader(input), out, nil, false)
	return srv, out
}

func replies(t *testing.T, out *bytes.Buffer) []map[string]interface{} {
	t.Helper()
	var parsed []map[string]interface{}
	for _, line := range strings.Split(strings.TrimSpace(out.String()), "\n") {
		if line == "" {
			continue
		}
		var m map[string]interface{}
		require.NoError(t, json.Unmarshal([]byte(line), &m), "line %q", line)
		parsed = append(parsed, m)
	}
	return parsed
}

func TestServer_InitializeAndToolCall(t *testing.T) {
	input := `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"draft","clientInfo":{"name":"t","version":"1"}}}
{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"echo","arguments":{"msg":"hi"}}}
`
	srv, out := newTestServer(t, input)
	require.NoError(t, srv.Run(context.Background()))

	got := replies(t, out)
	require.Len(t, got, 2)

	init := got[0]["result"].(map[string]interface{})
	assert.Equal(t, "draft", init["protocolVersion"])
	assert.Equal(t, "mcpd-test", init["serverInfo"].(map[string]interface{})["name"])

	call := got[1]["result"].(map[string]interface{})
	content := call["content"].([]interface{})[0].(map[string]interface{})
	assert.Equal(t, "hi", content["text"])
	assert.Nil(t, call["isError"])
}

func TestServer_ParseError(t *testing.T) {
	srv, out := newTestServer(t, "{not json}\n")
	require.NoError(t, srv.Run(context.Background()))

	got := replies(t, out)
	require.Len(t, got, 1)
	errObj := got[0]["error"].(map[string]interface{})
	assert.Equal(t, float64(-32700), errObj["code"])
}

func TestServer_NotificationProducesNoReply(t *testing.T) {
	srv, out := newTestServer(t, `{"jsonrpc":"2.0","method":"notifications/initialized"}`+"\n")
	require.NoError(t, srv.Run(context.Background()))
	assert.Empty(t, strings.TrimSpace(out.String()))
}

func TestServer_Batch(t *testing.T) {
	input := `[{"jsonrpc":"2.0","id":1,"method":"ping"},{"jsonrpc":"2.0","method":"notifications/initialized"},{"jsonrpc":"2.0","id":2,"method":"nope"}]` + "\n"
	srv, out := newTestServer(t, input)
	require.NoError(t, srv.Run(context.Background()))

	var batch []map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(strings.TrimSpace(out.String())), &batch))
	require.Len(t, batch, 2)
	assert.Equal(t, float64(1), batch[0]["id"])
	errObj := batch[1]["error"].(map[string]interface{})
	assert.Equal(t, float64(-32601), errObj["code"])
}

func TestServer_UnknownToolIsProtocolError(t *testing.T) {
	srv, out := newTestServer(t, `{"jsonrpc":"2.0","id":3,"method":"tools/call","params":{"name":"missing"}}`+"\n")
	require.NoError(t, srv.Run(context.Background()))

	got := replies(t, out)
	require.Len(t, got, 1)
	errObj := got[0]["error"].(map[string]interface{})
	assert.Equal(t, float64(-32601), errObj["code"])
	assert.Contains(t, errObj["message"], "missing")
}
