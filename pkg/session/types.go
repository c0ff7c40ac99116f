// Package session owns all session state: stream records, message history,
// authorization context, and token bindings. It exposes one Store contract
// with in-memory and Redis backings so a single instance and a fleet behave
// identically.
package session

import (
	"encoding/json"
	"errors"
	"time"
)

const (
	// MaxStreamHistory bounds the per-stream replay buffer.
	MaxStreamHistory = 1000

	// MaxSessionHistory bounds the session-level broadcast buffer.
	MaxSessionHistory = 100
)

var (
	// ErrSessionNotFound indicates the session does not exist. AddMessage and
	// TouchStream return it so callers can tear down dangling subscriptions;
	// it is expected traffic, not a fault.
	ErrSessionNotFound = errors.New("session not found")

	// ErrStreamNotFound indicates the stream does not exist on the session.
	ErrStreamNotFound = errors.New("stream not found")
)

// Session is the durable state for one MCP session.
type Session struct {
	// ID is the opaque session UUID issued by the server.
	ID string `json:"id"`

	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`

	// EventCounter is the session-level monotonic counter, used when no
	// per-stream tracking applies (broadcast history).
	EventCounter uint64 `json:"event_counter"`

	// Auth is present once a validated token has been bound to the session.
	Auth *AuthorizationContext `json:"auth,omitempty"`

	// Refresh holds the token-refresh block, when the client granted one.
	Refresh *TokenRefresh `json:"refresh,omitempty"`

	// StreamIDs lists the currently attached stream records.
	StreamIDs []string `json:"stream_ids,omitempty"`
}

// StreamRecord is the per-stream state child of a Session.
type StreamRecord struct {
	ID           string    `json:"id"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`

	// EventCounter is the stream-local monotonic counter. Event IDs are
	// strictly increasing positive integers starting at 1, dense, never
	// repeated.
	EventCounter uint64 `json:"event_counter"`

	// LastDelivered is the highest event ID acknowledged via Last-Event-ID.
	LastDelivered uint64 `json:"last_delivered"`
}

// Message is one history entry, replayable by event ID.
type Message struct {
	EventID   uint64          `json:"event_id"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// AuthorizationContext is derived from a validated bearer token. It carries
// claims and a one-way token digest; the raw token is never stored.
type AuthorizationContext struct {
	Subject   string    `json:"subject"`
	ClientID  string    `json:"client_id,omitempty"`
	Scopes    []string  `json:"scopes,omitempty"`
	Audience  []string  `json:"audience,omitempty"`
	TokenType string    `json:"token_type,omitempty"`
	TokenHash string    `json:"token_hash"`
	IssuedAt  time.Time `json:"issued_at,omitempty"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
	Issuer    string    `json:"issuer,omitempty"`
}

// HasScope reports whether the context carries the given scope.
func (a *AuthorizationContext) HasScope(scope string) bool {
	if a == nil {
		return false
	}
	for _, s := range a.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// Expired reports whether the token behind this context has expired.
func (a *AuthorizationContext) Expired(now time.Time) bool {
	if a == nil || a.ExpiresAt.IsZero() {
		return false
	}
	return now.After(a.ExpiresAt)
}

// TokenRefresh is the bounded-retry refresh block attached to a session.
type TokenRefresh struct {
	RefreshToken string    `json:"refresh_token"`
	AuthServer   string    `json:"auth_server"`
	Scopes       []string  `json:"scopes,omitempty"`
	LastRefresh  time.Time `json:"last_refresh,omitempty"`
	Attempts     int       `json:"attempts"`
}

// CreateOptions seeds a new session.
type CreateOptions struct {
	Auth    *AuthorizationContext
	Refresh *TokenRefresh
}

// RefCounter reports how many pending tasks and elicitations still reference
// a session. The sweeper keeps referenced sessions alive past their idle TTL.
type RefCounter func(sessionID string) int
