package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/mcpd/internal/logging"
	"github.com/fyrsmithlabs/mcpd/pkg/session"
)

func pipelineConfig(keys *testKeys) Config {
	return Config{
		Enabled: true,
		JWKSURL: keys.server.URL,
		Realm:   "MCP Server",
	}
}

func doRequest(t *testing.T, p *Pipeline, req *http.Request) (*httptest.ResponseRecorder, bool) {
	t.Helper()
	e := echo.New()
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	reached := false
	handler := p.Middleware()(func(c echo.Context) error {
		reached = true
		return c.NoContent(http.StatusOK)
	})
	require.NoError(t, handler(c))
	return rec, reached
}

func testLogger() *logging.Logger {
	return logging.NewTestLogger().Logger
}

func TestPipeline_DisabledPassesThrough(t *testing.T) {
	p := NewPipeline(Config{Enabled: false}, NewValidator(Config{}), nil, testLogger())

	req := httptest.NewRequest(http.MethodPost, "/mcp", nil)
	rec, reached := doRequest(t, p, req)
	assert.True(t, reached)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestPipeline_BypassPaths(t *testing.T) {
	keys := newTestKeys(t)
	cfg := pipelineConfig(keys)
	p := NewPipeline(cfg, NewValidator(cfg), nil, testLogger())

	for _, path := range []string{
		"/.well-known/oauth-protected-resource",
		"/mcp/.well-known/oauth-protected-resource",
		"/oauth/authorize",
	} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		_, reached := doRequest(t, p, req)
		assert.True(t, reached, "path %s should bypass authorization", path)
	}
}

func TestPipeline_MissingHeader(t *testing.T) {
	keys := newTestKeys(t)
	cfg := pipelineConfig(keys)
	p := NewPipeline(cfg, NewValidator(cfg), nil, testLogger())

	req := httptest.NewRequest(http.MethodPost, "/mcp", nil)
	rec, reached := doRequest(t, p, req)

	assert.False(t, reached)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "authorization_required")
	assert.Contains(t, rec.Header().Get(echo.HeaderWWWAuthenticate), `Bearer realm="MCP Server"`)
}

func TestPipeline_NonBearerScheme(t *testing.T) {
	keys := newTestKeys(t)
	cfg := pipelineConfig(keys)
	p := NewPipeline(cfg, NewValidator(cfg), nil, testLogger())

	req := httptest.NewRequest(http.MethodPost, "/mcp", nil)
	req.Header.Set(echo.HeaderAuthorization, "Basic dXNlcjpwYXNz")
	rec, _ := doRequest(t, p, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "Authorization header must use Bearer scheme")
}

func TestPipeline_EmptyBearer(t *testing.T) {
	keys := newTestKeys(t)
	cfg := pipelineConfig(keys)
	p := NewPipeline(cfg, NewValidator(cfg), nil, testLogger())

	req := httptest.NewRequest(http.MethodPost, "/mcp", nil)
	req.Header.Set(echo.HeaderAuthorization, "Bearer ")
	rec, _ := doRequest(t, p, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "Bearer token is empty")
}

func TestPipeline_InvalidToken(t *testing.T) {
	keys := newTestKeys(t)
	cfg := pipelineConfig(keys)
	p := NewPipeline(cfg, NewValidator(cfg), nil, testLogger())

	req := httptest.NewRequest(http.MethodPost, "/mcp", nil)
	req.Header.Set(echo.HeaderAuthorization, "Bearer not-a-jwt")
	rec, _ := doRequest(t, p, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "invalid_token")
}

func TestPipeline_ValidTokenAttachesContext(t *testing.T) {
	keys := newTestKeys(t)
	cfg := pipelineConfig(keys)
	p := NewPipeline(cfg, NewValidator(cfg), nil, testLogger())

	token := keys.signRS256(t, standardClaims())
	req := httptest.NewRequest(http.MethodPost, "/mcp", nil)
	req.Header.Set(echo.HeaderAuthorization, "Bearer "+token)

	e := echo.New()
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	var got *session.AuthorizationContext
	handler := p.Middleware()(func(c echo.Context) error {
		got = ContextAuth(c)
		return c.NoContent(http.StatusOK)
	})
	require.NoError(t, handler(c))

	assert.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, got)
	assert.Equal(t, "user-1", got.Subject)
	assert.Equal(t, TokenHash(token), got.TokenHash)
}

func TestPipeline_InsufficientScope(t *testing.T) {
	keys := newTestKeys(t)
	cfg := pipelineConfig(keys)
	cfg.RequiredScopes = []string{"mcp:read", "mcp:admin"}
	cfg.ResourceMetadataURL = "https://mcp.example/.well-known/oauth-protected-resource"
	p := NewPipeline(cfg, NewValidator(cfg), nil, testLogger())

	token := keys.signRS256(t, standardClaims())
	req := httptest.NewRequest(http.MethodPost, "/mcp", nil)
	req.Header.Set(echo.HeaderAuthorization, "Bearer "+token)
	rec, reached := doRequest(t, p, req)

	assert.False(t, reached)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	challenge := rec.Header().Get(echo.HeaderWWWAuthenticate)
	assert.Contains(t, challenge, `error="insufficient_scope"`)
	assert.Contains(t, challenge, `scope="mcp:read mcp:admin"`)
	assert.Contains(t, challenge, `resource_metadata="https://mcp.example/.well-known/oauth-protected-resource"`)
}

func TestPipeline_SessionBindingMismatch(t *testing.T) {
	keys := newTestKeys(t)
	cfg := pipelineConfig(keys)

	store := session.NewMemoryStore()
	sess, err := store.Create(context.Background(), session.CreateOptions{
		Auth: &session.AuthorizationContext{
			Subject:   "someone-else",
			TokenHash: "different-hash",
		},
	})
	require.NoError(t, err)

	p := NewPipeline(cfg, NewValidator(cfg), store, testLogger())

	token := keys.signRS256(t, standardClaims())
	req := httptest.NewRequest(http.MethodPost, "/mcp", nil)
	req.Header.Set(echo.HeaderAuthorization, "Bearer "+token)
	req.Header.Set(HeaderSessionID, sess.ID)
	rec, reached := doRequest(t, p, req)

	assert.False(t, reached)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Contains(t, rec.Body.String(), "forbidden")
}

func TestPipeline_SessionBindingMatchPasses(t *testing.T) {
	keys := newTestKeys(t)
	cfg := pipelineConfig(keys)
	token := keys.signRS256(t, standardClaims())

	store := session.NewMemoryStore()
	sess, err := store.Create(context.Background(), session.CreateOptions{
		Auth: &session.AuthorizationContext{
			Subject:   "user-1",
			TokenHash: TokenHash(token),
		},
	})
	require.NoError(t, err)

	p := NewPipeline(cfg, NewValidator(cfg), store, testLogger())

	req := httptest.NewRequest(http.MethodPost, "/mcp", nil)
	req.Header.Set(echo.HeaderAuthorization, "Bearer "+token)
	req.Header.Set(HeaderSessionID, sess.ID)
	_, reached := doRequest(t, p, req)
	assert.True(t, reached)
}
