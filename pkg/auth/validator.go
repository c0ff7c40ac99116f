// Package auth validates bearer tokens (JWT via JWKS, RFC 7662 introspection
// fallback) and enforces the authorization pipeline in front of the MCP
// endpoints. Raw tokens never reach logs or storage; everything downstream
// works with the SHA-256 token hash.
package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/fyrsmithlabs/mcpd/pkg/session"
)

var (
	// ErrNoValidationMethod is returned when neither JWKS nor introspection
	// is configured. Validation fails closed.
	ErrNoValidationMethod = errors.New("no token validation method configured")

	// ErrInvalidToken covers signature, expiry, audience, and introspection
	// rejections.
	ErrInvalidToken = errors.New("invalid token")
)

// Config is the authorization policy for the validator and middleware.
type Config struct {
	Enabled bool

	// JWKSURL is the JWKS document location for JWT verification.
	JWKSURL string

	// IntrospectionURL is the RFC 7662 endpoint used when JWT verification
	// is unavailable or fails.
	IntrospectionURL          string
	IntrospectionClientID     string
	IntrospectionClientSecret string

	// ResourceURI is the canonical resource identifier checked against the
	// token audience when ValidateAudience is set.
	ResourceURI      string
	ValidateAudience bool

	// Realm appears in WWW-Authenticate challenges.
	Realm string

	// RequiredScopes must all be present on the token, else 403
	// insufficient_scope.
	RequiredScopes []string

	// ResourceMetadataURL is advertised in insufficient_scope challenges so
	// clients can run incremental consent.
	ResourceMetadataURL string

	// HTTPTimeout bounds JWKS and introspection fetches.
	HTTPTimeout time.Duration

	// RefreshEndpoint, RefreshWindow, and RefreshMaxAttempts drive the
	// best-effort token refresh on session-aware requests.
	RefreshEndpoint    string
	RefreshWindow      time.Duration
	RefreshMaxAttempts int
}

// TokenHash returns the hex SHA-256 digest of a raw token. This is the only
// form in which a token is persisted or logged.
func TokenHash(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// Validator checks bearer tokens against the configured policy.
type Validator struct {
	cfg    Config
	jwks   *jwksCache
	client *http.Client
}

// NewValidator builds a validator. JWKS keys are fetched lazily on first use.
func NewValidator(cfg Config) *Validator {
	timeout := cfg.HTTPTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	client := &http.Client{Timeout: timeout}

	v := &Validator{cfg: cfg, client: client}
	if cfg.JWKSURL != "" {
		v.jwks = newJWKSCache(cfg.JWKSURL, client)
	}
	return v
}

// Validate checks the raw bearer token and derives the authorization context.
// JWT verification runs first when JWKS is configured; introspection is the
// fallback. With neither configured the call fails closed.
func (v *Validator) Validate(ctx context.Context, token string) (*session.AuthorizationContext, error) {
	if v.cfg.JWKSURL == "" && v.cfg.IntrospectionURL == "" {
		return nil, ErrNoValidationMethod
	}

	var jwtErr error
	if v.cfg.JWKSURL != "" {
		authCtx, err := v.validateJWT(ctx, token)
		if err == nil {
			return authCtx, nil
		}
		jwtErr = err
	}

	if v.cfg.IntrospectionURL != "" {
		return v.introspect(ctx, token)
	}
	return nil, jwtErr
}

func (v *Validator) validateJWT(ctx context.Context, token string) (*session.AuthorizationContext, error) {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{"RS256", "ES256"}),
	)

	claims := jwt.MapClaims{}
	parsed, err := parser.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		kid, _ := t.Header["kid"].(string)
		return v.jwks.Key(ctx, kid)
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidToken, jwtErrorText(err))
	}
	if !parsed.Valid {
		return nil, ErrInvalidToken
	}

	audience, _ := claims.GetAudience()
	if v.cfg.ValidateAudience && v.cfg.ResourceURI != "" {
		if !containsAudience(audience, v.cfg.ResourceURI) {
			return nil, fmt.Errorf("%w: audience does not include %s", ErrInvalidToken, v.cfg.ResourceURI)
		}
	}

	authCtx := &session.AuthorizationContext{
		TokenType: "Bearer",
		TokenHash: TokenHash(token),
		Audience:  audience,
	}
	if sub, err := claims.GetSubject(); err == nil {
		authCtx.Subject = sub
	}
	if iss, err := claims.GetIssuer(); err == nil {
		authCtx.Issuer = iss
	}
	if iat, err := claims.GetIssuedAt(); err == nil && iat != nil {
		authCtx.IssuedAt = iat.Time
	}
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		authCtx.ExpiresAt = exp.Time
	}
	if clientID, ok := claims["client_id"].(string); ok {
		authCtx.ClientID = clientID
	} else if azp, ok := claims["azp"].(string); ok {
		authCtx.ClientID = azp
	}
	authCtx.Scopes = scopesFromClaims(claims)

	return authCtx, nil
}

// jwtErrorText maps golang-jwt errors to challenge-safe descriptions.
func jwtErrorText(err error) string {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return "token is expired"
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return "token signature is invalid"
	case errors.Is(err, jwt.ErrTokenMalformed):
		return "token is malformed"
	default:
		return "token verification failed"
	}
}

func containsAudience(audience jwt.ClaimStrings, resource string) bool {
	for _, aud := range audience {
		if aud == resource {
			return true
		}
	}
	return false
}

// scopesFromClaims reads "scope" (space-separated string) or "scp" (array).
func scopesFromClaims(claims jwt.MapClaims) []string {
	if raw, ok := claims["scope"].(string); ok && raw != "" {
		return strings.Fields(raw)
	}
	if arr, ok := claims["scp"].([]interface{}); ok {
		scopes := make([]string, 0, len(arr))
		for _, s := range arr {
			if str, ok := s.(string); ok {
				scopes = append(scopes, str)
			}
		}
		return scopes
	}
	return nil
}

// introspectionResponse is the RFC 7662 response shape.
type introspectionResponse struct {
	Active    bool            `json:"active"`
	Scope     string          `json:"scope,omitempty"`
	ClientID  string          `json:"client_id,omitempty"`
	Subject   string          `json:"sub,omitempty"`
	TokenType string          `json:"token_type,omitempty"`
	Exp       int64           `json:"exp,omitempty"`
	Iat       int64           `json:"iat,omitempty"`
	Audience  json.RawMessage `json:"aud,omitempty"`
	Issuer    string          `json:"iss,omitempty"`
}

func (v *Validator) introspect(ctx context.Context, token string) (*session.AuthorizationContext, error) {
	form := url.Values{}
	form.Set("token", token)
	form.Set("token_type_hint", "access_token")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.cfg.IntrospectionURL,
		strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("build introspection request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if v.cfg.IntrospectionClientID != "" {
		req.SetBasicAuth(v.cfg.IntrospectionClientID, v.cfg.IntrospectionClientSecret)
	}

	resp, err := v.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: introspection request failed", ErrInvalidToken)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%w: introspection returned %d", ErrInvalidToken, resp.StatusCode)
	}

	var ir introspectionResponse
	if err := json.NewDecoder(resp.Body).Decode(&ir); err != nil {
		return nil, fmt.Errorf("%w: introspection response unreadable", ErrInvalidToken)
	}
	if !ir.Active {
		return nil, fmt.Errorf("%w: token is not active", ErrInvalidToken)
	}

	authCtx := &session.AuthorizationContext{
		Subject:   ir.Subject,
		ClientID:  ir.ClientID,
		TokenType: ir.TokenType,
		TokenHash: TokenHash(token),
		Issuer:    ir.Issuer,
	}
	if authCtx.TokenType == "" {
		authCtx.TokenType = "Bearer"
	}
	if ir.Scope != "" {
		authCtx.Scopes = strings.Fields(ir.Scope)
	}
	if ir.Exp > 0 {
		authCtx.ExpiresAt = time.Unix(ir.Exp, 0).UTC()
	}
	if ir.Iat > 0 {
		authCtx.IssuedAt = time.Unix(ir.Iat, 0).UTC()
	}
	authCtx.Audience = decodeAudience(ir.Audience)

	if v.cfg.ValidateAudience && v.cfg.ResourceURI != "" {
		if !containsAudience(authCtx.Audience, v.cfg.ResourceURI) {
			return nil, fmt.Errorf("%w: audience does not include %s", ErrInvalidToken, v.cfg.ResourceURI)
		}
	}
	return authCtx, nil
}

// decodeAudience accepts the aud claim as a string or array of strings.
func decodeAudience(raw json.RawMessage) []string {
	if len(raw) == 0 {
		return nil
	}
	var single string
	if err := json.Unmarshal(raw, &single); err == nil {
		return []string{single}
	}
	var many []string
	if err := json.Unmarshal(raw, &many); err == nil {
		return many
	}
	return nil
}
