package mcp

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/mcpd/internal/logging"
	"github.com/fyrsmithlabs/mcpd/internal/metrics"
	"github.com/fyrsmithlabs/mcpd/pkg/broker"
	"github.com/fyrsmithlabs/mcpd/pkg/session"
)

// streamBuffer is the per-stream frame queue. A full queue is treated as a
// write failure and detaches the stream; replay covers the gap on reconnect.
const streamBuffer = 64

// ErrStreamBackpressure indicates a stream's write queue saturated.
var ErrStreamBackpressure = errors.New("stream write queue full")

// frame is one outbound SSE record.
type frame struct {
	eventID uint64
	data    []byte
}

// Stream is one attached SSE connection. The serving loop consumes Frames
// until Done closes.
type Stream struct {
	SessionID string
	ID        string

	// writeMu serializes the allocate-append-push sequence so event IDs
	// land on the frame queue in the order they were allocated, even when
	// the session and user topics deliver concurrently.
	writeMu sync.Mutex

	frames chan frame
	done   chan struct{}
	once   sync.Once
}

// Frames is the outbound queue consumed by the serving loop.
func (s *Stream) Frames() <-chan frame { return s.frames }

// Done closes when the stream is detached.
func (s *Stream) Done() <-chan struct{} { return s.done }

func (s *Stream) close() {
	s.once.Do(func() { close(s.done) })
}

// push queues a frame without blocking.
func (s *Stream) push(f frame) error {
	select {
	case <-s.done:
		return errors.New("stream closed")
	default:
	}
	select {
	case s.frames <- f:
		return nil
	default:
		return ErrStreamBackpressure
	}
}

// sessionStreams tracks the locally attached streams of one session plus its
// broker subscriptions.
type sessionStreams struct {
	order      []string
	streams    map[string]*Stream
	sessionSub broker.Subscription
	userSub    broker.Subscription
}

// StreamManager owns SSE stream attachment, message routing, replay, and
// cross-instance fan-out through the broker.
type StreamManager struct {
	store   session.Store
	broker  broker.Broker
	logger  *logging.Logger
	metrics *metrics.Metrics

	mu           sync.Mutex
	sessions     map[string]*sessionStreams
	broadcastSub broker.Subscription
}

// NewStreamManager wires the manager. Call Start before attaching streams.
func NewStreamManager(store session.Store, b broker.Broker, logger *logging.Logger, m *metrics.Metrics) *StreamManager {
	if m == nil {
		m = metrics.NewNop()
	}
	return &StreamManager{
		store:    store,
		broker:   b,
		logger:   logger,
		metrics:  m,
		sessions: make(map[string]*sessionStreams),
	}
}

// Start subscribes to the broadcast topic. Broadcasts from any instance then
// reach every locally attached stream.
func (m *StreamManager) Start(ctx context.Context) error {
	sub, err := m.broker.Subscribe(ctx, broker.BroadcastTopic, func(payload []byte) {
		m.deliverBroadcast(payload)
	})
	if err != nil {
		return fmt.Errorf("subscribe broadcast: %w", err)
	}
	m.mu.Lock()
	m.broadcastSub = sub
	m.mu.Unlock()
	return nil
}

// Close detaches every stream and drops subscriptions.
func (m *StreamManager) Close() error {
	m.mu.Lock()
	sessions := m.sessions
	m.sessions = make(map[string]*sessionStreams)
	bsub := m.broadcastSub
	m.broadcastSub = nil
	m.mu.Unlock()

	if bsub != nil {
		_ = bsub.Unsubscribe()
	}
	for _, ss := range sessions {
		if ss.sessionSub != nil {
			_ = ss.sessionSub.Unsubscribe()
		}
		if ss.userSub != nil {
			_ = ss.userSub.Unsubscribe()
		}
		for _, st := range ss.streams {
			st.close()
			m.metrics.ActiveStreams.Dec()
		}
	}
	return nil
}

// Attach registers a new stream for the session, creating the stream record
// and, on the first local stream, the broker subscriptions. userID may be
// empty when the request is unauthenticated.
func (m *StreamManager) Attach(ctx context.Context, sessionID, userID string) (*Stream, error) {
	streamID, err := m.store.CreateStream(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return m.register(ctx, sessionID, streamID, userID)
}

// Reattach binds a new connection to an existing stream record so the client
// can resume with Last-Event-ID. Unknown records fail with the store error.
func (m *StreamManager) Reattach(ctx context.Context, sessionID, streamID, userID string) (*Stream, error) {
	if err := m.store.TouchStream(ctx, sessionID, streamID); err != nil {
		return nil, err
	}
	return m.register(ctx, sessionID, streamID, userID)
}

func (m *StreamManager) register(ctx context.Context, sessionID, streamID, userID string) (*Stream, error) {
	st := &Stream{
		SessionID: sessionID,
		ID:        streamID,
		frames:    make(chan frame, streamBuffer),
		done:      make(chan struct{}),
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	ss, ok := m.sessions[sessionID]
	if !ok {
		ss = &sessionStreams{streams: make(map[string]*Stream)}

		sub, err := m.broker.Subscribe(ctx, broker.SessionTopic(sessionID), func(payload []byte) {
			m.deliverDirect(sessionID, payload)
		})
		if err != nil {
			return nil, fmt.Errorf("subscribe session topic: %w", err)
		}
		ss.sessionSub = sub

		if userID != "" {
			userSub, err := m.broker.Subscribe(ctx, broker.UserTopic(userID), func(payload []byte) {
				m.deliverDirect(sessionID, payload)
			})
			if err != nil {
				_ = sub.Unsubscribe()
				return nil, fmt.Errorf("subscribe user topic: %w", err)
			}
			ss.userSub = userSub
		}
		m.sessions[sessionID] = ss
	}

	ss.streams[streamID] = st
	ss.order = append(ss.order, streamID)
	m.metrics.ActiveStreams.Inc()
	return st, nil
}

// Detach removes the stream from the attached set. The stream record and its
// history stay in the store until the session is collected, so a client can
// still resume. The session's broker subscriptions are dropped synchronously
// with the last local stream.
func (m *StreamManager) Detach(ctx context.Context, st *Stream) {
	m.mu.Lock()
	ss, ok := m.sessions[st.SessionID]
	if ok {
		if _, present := ss.streams[st.ID]; present {
			delete(ss.streams, st.ID)
			for i, id := range ss.order {
				if id == st.ID {
					ss.order = append(ss.order[:i:i], ss.order[i+1:]...)
					break
				}
			}
			m.metrics.ActiveStreams.Dec()
		}
		if len(ss.streams) == 0 {
			delete(m.sessions, st.SessionID)
		} else {
			ss = nil
		}
	} else {
		ss = nil
	}
	m.mu.Unlock()

	st.close()
	if ss != nil {
		if ss.sessionSub != nil {
			_ = ss.sessionSub.Unsubscribe()
		}
		if ss.userSub != nil {
			_ = ss.userSub.Unsubscribe()
		}
	}
}

// HasActiveStream reports whether the session has a locally attached stream.
// POST negotiation uses this: only the first SSE request upgrades.
func (m *StreamManager) HasActiveStream(sessionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	ss, ok := m.sessions[sessionID]
	return ok && len(ss.streams) > 0
}

// SendToSession routes a session-direct frame through the broker so the
// instance holding the session's stream delivers it.
func (m *StreamManager) SendToSession(ctx context.Context, sessionID string, payload []byte) error {
	m.metrics.BrokerPublished.WithLabelValues("session").Inc()
	return m.broker.Publish(ctx, broker.SessionTopic(sessionID), payload)
}

// SendToUser routes a frame to every session of a user.
func (m *StreamManager) SendToUser(ctx context.Context, userID string, payload []byte) error {
	m.metrics.BrokerPublished.WithLabelValues("user").Inc()
	return m.broker.Publish(ctx, broker.UserTopic(userID), payload)
}

// Broadcast fans a server-initiated notification out to every attached
// stream of every session, on every instance.
func (m *StreamManager) Broadcast(ctx context.Context, payload []byte) error {
	m.metrics.BrokerPublished.WithLabelValues("broadcast").Inc()
	return m.broker.Publish(ctx, broker.BroadcastTopic, payload)
}

// SendToStream writes a frame directly to one attached stream, allocating
// the next event ID and appending to the stream's history. Streamed tool
// responses on an upgraded POST use this path.
func (m *StreamManager) SendToStream(ctx context.Context, st *Stream, payload []byte) error {
	st.writeMu.Lock()
	eventID, err := m.store.NextEventID(ctx, st.SessionID, st.ID)
	if err != nil {
		st.writeMu.Unlock()
		return err
	}
	if err := m.store.AddMessage(ctx, st.SessionID, st.ID, eventID, payload); err != nil {
		st.writeMu.Unlock()
		return err
	}
	err = st.push(frame{eventID: eventID, data: payload})
	st.writeMu.Unlock()
	if err != nil {
		m.Detach(ctx, st)
		return err
	}
	return nil
}

// deliverDirect hands a session-direct payload to exactly one attached
// stream, first available in attach order.
func (m *StreamManager) deliverDirect(sessionID string, payload []byte) {
	ctx := context.Background()

	m.mu.Lock()
	ss, ok := m.sessions[sessionID]
	var target *Stream
	if ok {
		for _, id := range ss.order {
			if st, present := ss.streams[id]; present {
				target = st
				break
			}
		}
	}
	m.mu.Unlock()

	if target == nil {
		// No local stream; a peer instance or a later replay serves it.
		return
	}

	target.writeMu.Lock()
	eventID, err := m.store.NextEventID(ctx, sessionID, target.ID)
	if err != nil {
		target.writeMu.Unlock()
		if errors.Is(err, session.ErrSessionNotFound) {
			m.teardownSession(ctx, sessionID)
		}
		return
	}
	if err := m.store.AddMessage(ctx, sessionID, target.ID, eventID, payload); err != nil {
		target.writeMu.Unlock()
		return
	}
	err = target.push(frame{eventID: eventID, data: payload})
	target.writeMu.Unlock()
	if err != nil {
		m.logger.Warn(ctx, "stream write failed, detaching",
			zap.String("session.id", sessionID),
			zap.String("stream.id", target.ID),
			zap.Error(err))
		m.Detach(ctx, target)
	}
}

// deliverBroadcast writes a payload to every attached stream of every local
// session. Event IDs are timestamp-based; ordering across sessions is
// best-effort. The payload lands in each session's session-level history.
func (m *StreamManager) deliverBroadcast(payload []byte) {
	ctx := context.Background()
	eventID := uint64(time.Now().UnixMilli())

	m.mu.Lock()
	targets := make([]*Stream, 0)
	bySession := make(map[string]bool)
	for sessionID, ss := range m.sessions {
		bySession[sessionID] = true
		for _, st := range ss.streams {
			targets = append(targets, st)
		}
	}
	m.mu.Unlock()

	for sessionID := range bySession {
		if err := m.store.AddMessage(ctx, sessionID, "", eventID, payload); err != nil &&
			errors.Is(err, session.ErrSessionNotFound) {
			m.teardownSession(ctx, sessionID)
		}
	}
	for _, st := range targets {
		if err := st.push(frame{eventID: eventID, data: payload}); err != nil {
			m.Detach(ctx, st)
		}
	}
}

// teardownSession drops all local streams and subscriptions for a session
// that no longer exists in the store.
func (m *StreamManager) teardownSession(ctx context.Context, sessionID string) {
	m.mu.Lock()
	ss, ok := m.sessions[sessionID]
	delete(m.sessions, sessionID)
	m.mu.Unlock()
	if !ok {
		return
	}

	if ss.sessionSub != nil {
		_ = ss.sessionSub.Unsubscribe()
	}
	if ss.userSub != nil {
		_ = ss.userSub.Unsubscribe()
	}
	for _, st := range ss.streams {
		st.close()
		m.metrics.ActiveStreams.Dec()
	}
	m.logger.Debug(ctx, "dangling session torn down", zap.String("session.id", sessionID))
}

// Replay returns the stream's history strictly after lastEventID in
// ascending order. Unknown or too-new IDs yield an empty slice.
func (m *StreamManager) Replay(ctx context.Context, sessionID, streamID string, lastEventID uint64) ([]session.Message, error) {
	return m.store.MessagesSince(ctx, sessionID, streamID, lastEventID)
}
