package session

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

type memStream struct {
	rec     StreamRecord
	history []Message
}

type memSession struct {
	sess    Session
	streams map[string]*memStream
	history []Message
}

// MemoryStore is the single-instance Store backing. All state lives behind
// one RWMutex; message appends are linearizable by construction.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*memSession
	byToken  map[string]string

	clock func() time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*memSession),
		byToken:  make(map[string]string),
		clock:    time.Now,
	}
}

func (m *MemoryStore) Create(ctx context.Context, opts CreateOptions) (*Session, error) {
	now := m.clock().UTC()
	s := Session{
		ID:           uuid.NewString(),
		CreatedAt:    now,
		LastActivity: now,
		Auth:         opts.Auth,
		Refresh:      opts.Refresh,
	}

	m.mu.Lock()
	m.sessions[s.ID] = &memSession{
		sess:    s,
		streams: make(map[string]*memStream),
	}
	if opts.Auth != nil && opts.Auth.TokenHash != "" {
		m.byToken[opts.Auth.TokenHash] = s.ID
	}
	m.mu.Unlock()

	out := s
	return &out, nil
}

func (m *MemoryStore) Get(ctx context.Context, sessionID string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ms, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return snapshot(ms), nil
}

func (m *MemoryStore) Delete(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleteLocked(sessionID)
	return nil
}

func (m *MemoryStore) deleteLocked(sessionID string) {
	ms, ok := m.sessions[sessionID]
	if !ok {
		return
	}
	if ms.sess.Auth != nil && ms.sess.Auth.TokenHash != "" {
		delete(m.byToken, ms.sess.Auth.TokenHash)
	}
	delete(m.sessions, sessionID)
}

func (m *MemoryStore) Touch(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ms, ok := m.sessions[sessionID]
	if !ok {
		return ErrSessionNotFound
	}
	ms.sess.LastActivity = m.clock().UTC()
	return nil
}

func (m *MemoryStore) SweepExpired(ctx context.Context, idleTTL time.Duration, refs RefCounter) (int, error) {
	now := m.clock().UTC()

	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for id, ms := range m.sessions {
		if len(ms.streams) > 0 {
			continue
		}
		if now.Sub(ms.sess.LastActivity) < idleTTL {
			continue
		}
		if refs != nil && refs(id) > 0 {
			continue
		}
		m.deleteLocked(id)
		removed++
	}
	return removed, nil
}

func (m *MemoryStore) CreateStream(ctx context.Context, sessionID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ms, ok := m.sessions[sessionID]
	if !ok {
		return "", ErrSessionNotFound
	}
	now := m.clock().UTC()
	id := uuid.NewString()
	ms.streams[id] = &memStream{
		rec: StreamRecord{ID: id, CreatedAt: now, LastActivity: now},
	}
	ms.sess.LastActivity = now
	return id, nil
}

func (m *MemoryStore) DeleteStream(ctx context.Context, sessionID, streamID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ms, ok := m.sessions[sessionID]
	if !ok {
		return ErrSessionNotFound
	}
	delete(ms.streams, streamID)
	ms.sess.LastActivity = m.clock().UTC()
	return nil
}

func (m *MemoryStore) TouchStream(ctx context.Context, sessionID, streamID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ms, ok := m.sessions[sessionID]
	if !ok {
		return ErrSessionNotFound
	}
	st, ok := ms.streams[streamID]
	if !ok {
		return ErrStreamNotFound
	}
	now := m.clock().UTC()
	st.rec.LastActivity = now
	ms.sess.LastActivity = now
	return nil
}

func (m *MemoryStore) GetStream(ctx context.Context, sessionID, streamID string) (*StreamRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ms, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	st, ok := ms.streams[streamID]
	if !ok {
		return nil, ErrStreamNotFound
	}
	rec := st.rec
	return &rec, nil
}

func (m *MemoryStore) NextEventID(ctx context.Context, sessionID, streamID string) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ms, ok := m.sessions[sessionID]
	if !ok {
		return 0, ErrSessionNotFound
	}
	if streamID == "" {
		ms.sess.EventCounter++
		return ms.sess.EventCounter, nil
	}
	st, ok := ms.streams[streamID]
	if !ok {
		return 0, ErrStreamNotFound
	}
	st.rec.EventCounter++
	return st.rec.EventCounter, nil
}

func (m *MemoryStore) AddMessage(ctx context.Context, sessionID, streamID string, eventID uint64, data json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ms, ok := m.sessions[sessionID]
	if !ok {
		return ErrSessionNotFound
	}

	msg := Message{
		EventID:   eventID,
		Timestamp: m.clock().UTC(),
		Data:      append(json.RawMessage(nil), data...),
	}

	if streamID == "" {
		ms.history = appendBounded(ms.history, msg, MaxSessionHistory)
		return nil
	}

	st, ok := ms.streams[streamID]
	if !ok {
		return ErrStreamNotFound
	}
	st.history = appendBounded(st.history, msg, MaxStreamHistory)
	return nil
}

func (m *MemoryStore) MessagesSince(ctx context.Context, sessionID, streamID string, lastEventID uint64) ([]Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ms, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}

	var history []Message
	if streamID == "" {
		history = ms.history
	} else {
		st, ok := ms.streams[streamID]
		if !ok {
			return nil, ErrStreamNotFound
		}
		history = st.history
	}

	out := make([]Message, 0, len(history))
	for _, msg := range history {
		if msg.EventID > lastEventID {
			out = append(out, msg)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EventID < out[j].EventID })
	return out, nil
}

func (m *MemoryStore) BindToken(ctx context.Context, tokenHash, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[sessionID]; !ok {
		return ErrSessionNotFound
	}
	m.byToken[tokenHash] = sessionID
	return nil
}

func (m *MemoryStore) GetByTokenHash(ctx context.Context, tokenHash string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byToken[tokenHash]
	if !ok {
		return nil, ErrSessionNotFound
	}
	ms, ok := m.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return snapshot(ms), nil
}

func (m *MemoryStore) UpdateAuthorization(ctx context.Context, sessionID string, auth *AuthorizationContext, refresh *TokenRefresh) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ms, ok := m.sessions[sessionID]
	if !ok {
		return ErrSessionNotFound
	}
	if ms.sess.Auth != nil && ms.sess.Auth.TokenHash != "" {
		delete(m.byToken, ms.sess.Auth.TokenHash)
	}
	ms.sess.Auth = auth
	if auth != nil && auth.TokenHash != "" {
		m.byToken[auth.TokenHash] = sessionID
	}
	if refresh != nil {
		ms.sess.Refresh = refresh
	}
	ms.sess.LastActivity = m.clock().UTC()
	return nil
}

func (m *MemoryStore) Count(ctx context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions), nil
}

func (m *MemoryStore) Close() error { return nil }

// snapshot copies a session for return to callers. Callers never receive
// live internal state.
func snapshot(ms *memSession) *Session {
	out := ms.sess
	if ms.sess.Auth != nil {
		auth := *ms.sess.Auth
		out.Auth = &auth
	}
	if ms.sess.Refresh != nil {
		refresh := *ms.sess.Refresh
		out.Refresh = &refresh
	}
	out.StreamIDs = make([]string, 0, len(ms.streams))
	for id := range ms.streams {
		out.StreamIDs = append(out.StreamIDs, id)
	}
	sort.Strings(out.StreamIDs)
	return &out
}

// appendBounded appends keeping at most limit entries, oldest first out.
func appendBounded(history []Message, msg Message, limit int) []Message {
	history = append(history, msg)
	if len(history) > limit {
		history = history[len(history)-limit:]
	}
	return history
}
