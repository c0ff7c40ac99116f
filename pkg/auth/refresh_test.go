package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRefresher_Refresh(t *testing.T) {
	var gotGrant, gotToken string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		gotGrant = r.FormValue("grant_type")
		gotToken = r.FormValue("refresh_token")

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"access_token":  "new-access",
			"token_type":    "Bearer",
			"expires_in":    3600,
			"refresh_token": "rotated-refresh",
			"scope":         "mcp.read mcp.write",
		})
	}))
	defer ts.Close()

	r := NewRefresher(ts.URL, time.Second)
	tr, err := r.Refresh(context.Background(), "old-refresh", []string{"mcp.read"})
	require.NoError(t, err)

	assert.Equal(t, "refresh_token", gotGrant)
	assert.Equal(t, "old-refresh", gotToken)
	assert.Equal(t, "new-access", tr.AccessToken)
	assert.Equal(t, "Bearer", tr.TokenType)
	assert.Equal(t, int64(3600), tr.ExpiresIn)
	assert.Equal(t, "rotated-refresh", tr.RefreshToken)
	assert.Equal(t, "mcp.read mcp.write", tr.Scope)
}

func TestRefresher_NoRotation(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"access_token": "new-access",
			"token_type":   "Bearer",
		})
	}))
	defer ts.Close()

	r := NewRefresher(ts.URL, time.Second)
	tr, err := r.Refresh(context.Background(), "keep-me", nil)
	require.NoError(t, err)

	// The grant did not rotate the refresh token; the caller keeps its own.
	assert.Empty(t, tr.RefreshToken)
	assert.Equal(t, "new-access", tr.AccessToken)
}

func TestRefresher_EndpointRejects(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "invalid_grant"})
	}))
	defer ts.Close()

	r := NewRefresher(ts.URL, time.Second)
	_, err := r.Refresh(context.Background(), "revoked", nil)
	assert.Error(t, err)
}
