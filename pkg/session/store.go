package session

import (
	"context"
	"encoding/json"
	"time"
)

// Store is the session persistence contract. MemoryStore and RedisStore
// implement identical semantics; callers never branch on the backing.
//
// Concurrency contract: NextEventID followed by AddMessage with the returned
// ID is linearizable per (session, stream), so event IDs within a stream are
// dense and strictly increasing from 1. All other operations are atomic at
// the granularity of the affected keys.
type Store interface {
	// Create allocates a new session with a fresh UUID.
	Create(ctx context.Context, opts CreateOptions) (*Session, error)

	// Get returns the session, or ErrSessionNotFound.
	Get(ctx context.Context, sessionID string) (*Session, error)

	// Delete removes the session, its streams, histories, and token binding.
	// Deleting a nonexistent session is a no-op.
	Delete(ctx context.Context, sessionID string) error

	// Touch advances the session's last-activity timestamp.
	Touch(ctx context.Context, sessionID string) error

	// SweepExpired deletes sessions idle past idleTTL that have no attached
	// streams and no pending references. Returns the number removed.
	SweepExpired(ctx context.Context, idleTTL time.Duration, refs RefCounter) (int, error)

	// CreateStream attaches a new stream record and returns its stream ID.
	CreateStream(ctx context.Context, sessionID string) (string, error)

	// DeleteStream detaches a stream. Its history is dropped with it.
	DeleteStream(ctx context.Context, sessionID, streamID string) error

	// TouchStream advances the stream's last-activity timestamp. Returns
	// ErrSessionNotFound or ErrStreamNotFound when the target is gone.
	TouchStream(ctx context.Context, sessionID, streamID string) error

	// GetStream returns one stream record.
	GetStream(ctx context.Context, sessionID, streamID string) (*StreamRecord, error)

	// NextEventID atomically allocates the next event ID. With a stream ID it
	// advances the stream counter; with streamID == "" it advances the
	// session-level counter.
	NextEventID(ctx context.Context, sessionID, streamID string) (uint64, error)

	// AddMessage appends a message to the stream history (or the session
	// history when streamID == ""), evicting the oldest entry past the
	// retention bound.
	AddMessage(ctx context.Context, sessionID, streamID string, eventID uint64, data json.RawMessage) error

	// MessagesSince returns history entries with event ID strictly greater
	// than lastEventID, in ascending event-ID order.
	MessagesSince(ctx context.Context, sessionID, streamID string, lastEventID uint64) ([]Message, error)

	// BindToken associates a token hash with a session for transport-level
	// session/token binding checks.
	BindToken(ctx context.Context, tokenHash, sessionID string) error

	// GetByTokenHash resolves the session bound to a token hash.
	GetByTokenHash(ctx context.Context, tokenHash string) (*Session, error)

	// UpdateAuthorization replaces the session's authorization context and,
	// when non-nil, its refresh block.
	UpdateAuthorization(ctx context.Context, sessionID string, auth *AuthorizationContext, refresh *TokenRefresh) error

	// Count returns the number of live sessions.
	Count(ctx context.Context) (int, error)

	// Close releases backing resources.
	Close() error
}
