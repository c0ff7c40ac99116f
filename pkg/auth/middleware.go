package auth

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/mcpd/internal/logging"
	"github.com/fyrsmithlabs/mcpd/pkg/session"
)

// HeaderSessionID is the MCP session correlation header.
const HeaderSessionID = "Mcp-Session-Id"

// authContextKey stores the derived authorization context on the echo
// context after a successful pipeline pass.
const authContextKey = "mcpd.auth"

// ContextAuth returns the authorization context attached by the pipeline,
// or nil when authorization is disabled or the path was bypassed.
func ContextAuth(c echo.Context) *session.AuthorizationContext {
	if v, ok := c.Get(authContextKey).(*session.AuthorizationContext); ok {
		return v
	}
	return nil
}

// Pipeline is the request-scoped authorization pre-handler. It validates
// bearer tokens, attaches the authorization context, enforces session/token
// binding, and runs best-effort token refresh.
type Pipeline struct {
	cfg       Config
	validator *Validator
	store     session.Store
	refresher *Refresher
	logger    *logging.Logger
}

// NewPipeline wires the pipeline. store may be nil to skip session binding
// (stdio transport).
func NewPipeline(cfg Config, validator *Validator, store session.Store, logger *logging.Logger) *Pipeline {
	p := &Pipeline{
		cfg:       cfg,
		validator: validator,
		store:     store,
		logger:    logger,
	}
	if cfg.RefreshEndpoint != "" {
		p.refresher = NewRefresher(cfg.RefreshEndpoint, cfg.HTTPTimeout)
	}
	return p
}

// bypassed reports whether the path is exempt from authorization.
func bypassed(path string) bool {
	if strings.HasPrefix(path, "/.well-known/") {
		return true
	}
	if strings.HasPrefix(path, "/mcp/.well-known") {
		return true
	}
	return path == "/oauth/authorize"
}

// Middleware returns the echo middleware enforcing the pipeline.
func (p *Pipeline) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if !p.cfg.Enabled || bypassed(c.Request().URL.Path) {
				return next(c)
			}

			header := c.Request().Header.Get(echo.HeaderAuthorization)
			if header == "" {
				// The challenge advertises invalid_token so clients start the
				// OAuth flow; the body names the missing header.
				return p.denyWithChallenge(c, http.StatusUnauthorized, "invalid_token",
					"authorization_required", "Authorization header required")
			}

			scheme, token, found := strings.Cut(header, " ")
			if !found || !strings.EqualFold(scheme, "Bearer") {
				return p.deny(c, http.StatusUnauthorized, "invalid_token",
					"Authorization header must use Bearer scheme")
			}
			token = strings.TrimSpace(token)
			if token == "" {
				return p.deny(c, http.StatusUnauthorized, "invalid_token",
					"Bearer token is empty")
			}

			ctx := c.Request().Context()
			authCtx, err := p.validator.Validate(ctx, token)
			if err != nil {
				return p.deny(c, http.StatusUnauthorized, "invalid_token", err.Error())
			}

			if missing := p.missingScopes(authCtx); len(missing) > 0 {
				return p.denyInsufficientScope(c)
			}

			sessionID := c.Request().Header.Get(HeaderSessionID)
			if sessionID != "" && p.store != nil {
				if err := p.checkSessionBinding(c, sessionID, authCtx); err != nil {
					return err
				}
			}

			c.Set(authContextKey, authCtx)
			ctx = logging.WithSubject(ctx, authCtx.Subject)
			c.SetRequest(c.Request().WithContext(ctx))
			return next(c)
		}
	}
}

func (p *Pipeline) missingScopes(authCtx *session.AuthorizationContext) []string {
	var missing []string
	for _, scope := range p.cfg.RequiredScopes {
		if !authCtx.HasScope(scope) {
			missing = append(missing, scope)
		}
	}
	return missing
}

// checkSessionBinding denies cross-user reuse of a session and runs the
// best-effort refresh on session-aware requests. A nil return means the
// request may proceed.
func (p *Pipeline) checkSessionBinding(c echo.Context, sessionID string, authCtx *session.AuthorizationContext) error {
	ctx := c.Request().Context()
	sess, err := p.store.Get(ctx, sessionID)
	if err != nil {
		// Unknown session IDs are handled by the transport layer.
		return nil
	}

	if sess.Auth != nil {
		if sess.Auth.Subject != authCtx.Subject || sess.Auth.TokenHash != authCtx.TokenHash {
			return p.deny(c, http.StatusForbidden, "forbidden",
				"session is bound to a different identity")
		}
	}

	p.maybeRefresh(c, sess, authCtx)
	return nil
}

// maybeRefresh renews the session's token when it is close to expiry.
// Failures are logged and the request proceeds with the current context.
func (p *Pipeline) maybeRefresh(c echo.Context, sess *session.Session, authCtx *session.AuthorizationContext) {
	if p.refresher == nil || sess.Refresh == nil || sess.Refresh.RefreshToken == "" {
		return
	}
	if authCtx.ExpiresAt.IsZero() || time.Until(authCtx.ExpiresAt) > p.cfg.RefreshWindow {
		return
	}
	if p.cfg.RefreshMaxAttempts > 0 && sess.Refresh.Attempts >= p.cfg.RefreshMaxAttempts {
		return
	}

	ctx := c.Request().Context()
	refresh := *sess.Refresh
	refresh.Attempts++
	refresh.LastRefresh = time.Now().UTC()

	tr, err := p.refresher.Refresh(ctx, refresh.RefreshToken, refresh.Scopes)
	if err != nil {
		p.logger.Warn(ctx, "token refresh failed",
			zap.String("session.id", sess.ID),
			zap.Int("attempts", refresh.Attempts),
			zap.Error(err))
		if updateErr := p.store.UpdateAuthorization(ctx, sess.ID, sess.Auth, &refresh); updateErr != nil {
			p.logger.Warn(ctx, "record refresh attempt failed", zap.Error(updateErr))
		}
		return
	}

	if tr.RefreshToken != "" {
		refresh.RefreshToken = tr.RefreshToken
	}
	refresh.Attempts = 0

	updated := *authCtx
	updated.TokenHash = TokenHash(tr.AccessToken)
	if tr.ExpiresIn > 0 {
		updated.ExpiresAt = time.Now().Add(time.Duration(tr.ExpiresIn) * time.Second).UTC()
	}

	if err := p.store.UpdateAuthorization(ctx, sess.ID, &updated, &refresh); err != nil {
		p.logger.Warn(ctx, "persist refreshed token failed",
			zap.String("session.id", sess.ID), zap.Error(err))
		return
	}
	p.logger.Info(ctx, "session token refreshed",
		zap.String("session.id", sess.ID),
		zap.String("auth.subject", updated.Subject))
}

// deny writes the error body and a WWW-Authenticate challenge.
func (p *Pipeline) deny(c echo.Context, status int, code, description string) error {
	return p.denyWithChallenge(c, status, code, code, description)
}

// denyWithChallenge lets the challenge error code differ from the body code.
func (p *Pipeline) denyWithChallenge(c echo.Context, status int, challengeCode, bodyCode, description string) error {
	header := fmt.Sprintf(`Bearer realm=%q, error=%q, error_description=%q`,
		p.cfg.Realm, challengeCode, description)
	if p.cfg.ResourceMetadataURL != "" {
		header += fmt.Sprintf(`, resource_metadata=%q`, p.cfg.ResourceMetadataURL)
	}
	c.Response().Header().Set(echo.HeaderWWWAuthenticate, header)
	return c.JSON(status, map[string]string{
		"error":             bodyCode,
		"error_description": description,
	})
}

// denyInsufficientScope produces the 403 challenge that enables
// incremental-consent on the client.
func (p *Pipeline) denyInsufficientScope(c echo.Context) error {
	scope := strings.Join(p.cfg.RequiredScopes, " ")
	header := fmt.Sprintf(`Bearer realm=%q, error="insufficient_scope", scope=%q`,
		p.cfg.Realm, scope)
	if p.cfg.ResourceMetadataURL != "" {
		header += fmt.Sprintf(`, resource_metadata=%q`, p.cfg.ResourceMetadataURL)
	}
	c.Response().Header().Set(echo.HeaderWWWAuthenticate, header)
	return c.JSON(http.StatusForbidden, map[string]string{
		"error":             "insufficient_scope",
		"error_description": "token is missing required scopes: " + scope,
	})
}
