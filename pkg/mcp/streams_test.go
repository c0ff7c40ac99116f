package mcp

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/mcpd/internal/logging"
	"github.com/fyrsmithlabs/mcpd/pkg/broker"
	"github.com/fyrsmithlabs/mcpd/pkg/session"
)

func newStreamManager(t *testing.T) (*StreamManager, session.Store) {
	t.Helper()
	store := session.NewMemoryStore()
	m := NewStreamManager(store, broker.NewMemoryBroker(), logging.NewTestLogger().Logger, nil)
	require.NoError(t, m.Start(context.Background()))
	t.Cleanup(func() { _ = m.Close() })
	return m, store
}

func newSession(t *testing.T, store session.Store) *session.Session {
	t.Helper()
	sess, err := store.Create(context.Background(), session.CreateOptions{})
	require.NoError(t, err)
	return sess
}

func recvFrame(t *testing.T, st *Stream) frame {
	t.Helper()
	select {
	case f := <-st.Frames():
		return f
	case <-time.After(time.Second):
		t.Fatal("no frame delivered")
		return frame{}
	}
}

func TestStreamManager_SessionDirectDenseIDs(t *testing.T) {
	m, store := newStreamManager(t)
	ctx := context.Background()
	sess := newSession(t, store)

	st, err := m.Attach(ctx, sess.ID, "")
	require.NoError(t, err)

	for i := 1; i <= 3; i++ {
		require.NoError(t, m.SendToSession(ctx, sess.ID, []byte(`{"n":1}`)))
		f := recvFrame(t, st)
		assert.Equal(t, uint64(i), f.eventID)
	}

	// History allows strictly-after replay.
	msgs, err := m.Replay(ctx, sess.ID, st.ID, 1)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, uint64(2), msgs[0].EventID)
	assert.Equal(t, uint64(3), msgs[1].EventID)
}

func TestStreamManager_DirectGoesToFirstStream(t *testing.T) {
	m, store := newStreamManager(t)
	ctx := context.Background()
	sess := newSession(t, store)

	first, err := m.Attach(ctx, sess.ID, "")
	require.NoError(t, err)
	second, err := m.Attach(ctx, sess.ID, "")
	require.NoError(t, err)

	require.NoError(t, m.SendToSession(ctx, sess.ID, []byte(`{}`)))
	recvFrame(t, first)
	select {
	case <-second.Frames():
		t.Fatal("session-direct frame fanned out to a second stream")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestStreamManager_BroadcastReachesEveryStream(t *testing.T) {
	m, store := newStreamManager(t)
	ctx := context.Background()
	s1 := newSession(t, store)
	s2 := newSession(t, store)

	st1, err := m.Attach(ctx, s1.ID, "")
	require.NoError(t, err)
	st1b, err := m.Attach(ctx, s1.ID, "")
	require.NoError(t, err)
	st2, err := m.Attach(ctx, s2.ID, "")
	require.NoError(t, err)

	require.NoError(t, m.Broadcast(ctx, []byte(`{"method":"notifications/x"}`)))

	f1 := recvFrame(t, st1)
	f1b := recvFrame(t, st1b)
	f2 := recvFrame(t, st2)
	assert.Equal(t, f1.eventID, f1b.eventID)
	assert.Equal(t, f1.eventID, f2.eventID)

	// Broadcasts land in the session-level history, not any stream's.
	sessionHist, err := store.MessagesSince(ctx, s1.ID, "", 0)
	require.NoError(t, err)
	assert.Len(t, sessionHist, 1)
	streamHist, err := store.MessagesSince(ctx, s1.ID, st1.ID, 0)
	require.NoError(t, err)
	assert.Empty(t, streamHist)
}

func TestStreamManager_UserTopicDelivery(t *testing.T) {
	m, store := newStreamManager(t)
	ctx := context.Background()
	sess := newSession(t, store)

	st, err := m.Attach(ctx, sess.ID, "alice")
	require.NoError(t, err)

	require.NoError(t, m.SendToUser(ctx, "alice", []byte(`{}`)))
	f := recvFrame(t, st)
	assert.Equal(t, uint64(1), f.eventID)
}

func TestStreamManager_DetachStopsDelivery(t *testing.T) {
	m, store := newStreamManager(t)
	ctx := context.Background()
	sess := newSession(t, store)

	st, err := m.Attach(ctx, sess.ID, "")
	require.NoError(t, err)
	assert.True(t, m.HasActiveStream(sess.ID))

	m.Detach(ctx, st)
	assert.False(t, m.HasActiveStream(sess.ID))

	select {
	case <-st.Done():
	default:
		t.Fatal("detached stream not closed")
	}

	// The subscription is gone; nothing panics and nothing is delivered.
	require.NoError(t, m.SendToSession(ctx, sess.ID, []byte(`{}`)))
	select {
	case <-st.Frames():
		t.Fatal("frame delivered after detach")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestStreamManager_ReattachKeepsCounter(t *testing.T) {
	m, store := newStreamManager(t)
	ctx := context.Background()
	sess := newSession(t, store)

	st, err := m.Attach(ctx, sess.ID, "")
	require.NoError(t, err)
	require.NoError(t, m.SendToSession(ctx, sess.ID, []byte(`{"a":1}`)))
	recvFrame(t, st)
	m.Detach(ctx, st)

	resumed, err := m.Reattach(ctx, sess.ID, st.ID, "")
	require.NoError(t, err)
	require.NoError(t, m.SendToSession(ctx, sess.ID, []byte(`{"a":2}`)))
	f := recvFrame(t, resumed)
	assert.Equal(t, uint64(2), f.eventID)
}

func TestStreamManager_ReattachUnknownStream(t *testing.T) {
	m, store := newStreamManager(t)
	sess := newSession(t, store)

	_, err := m.Reattach(context.Background(), sess.ID, "no-such-stream", "")
	assert.Error(t, err)
}

func TestStreamManager_SendToStream(t *testing.T) {
	m, store := newStreamManager(t)
	ctx := context.Background()
	sess := newSession(t, store)

	st, err := m.Attach(ctx, sess.ID, "")
	require.NoError(t, err)

	require.NoError(t, m.SendToStream(ctx, st, []byte(`{"chunk":1}`)))
	require.NoError(t, m.SendToStream(ctx, st, []byte(`{"chunk":2}`)))
	assert.Equal(t, uint64(1), recvFrame(t, st).eventID)
	assert.Equal(t, uint64(2), recvFrame(t, st).eventID)
}

func TestStreamManager_BackpressureDetachInsideDelivery(t *testing.T) {
	m, store := newStreamManager(t)
	ctx := context.Background()
	sess := newSession(t, store)

	_, err := m.Attach(ctx, sess.ID, "")
	require.NoError(t, err)

	// Nobody drains. The final publish overflows the frame queue and the
	// detach (including the last-stream unsubscribe) runs inside the broker
	// delivery callback; the publisher must not block on its own delivery.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i <= streamBuffer; i++ {
			require.NoError(t, m.SendToSession(ctx, sess.ID, []byte(`{}`)))
		}
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("publisher blocked detaching from inside its own delivery")
	}
	assert.False(t, m.HasActiveStream(sess.ID))

	// The broker is still usable afterwards.
	require.NoError(t, m.SendToSession(ctx, sess.ID, []byte(`{}`)))
}

func TestStreamManager_ConcurrentTopicsKeepOrder(t *testing.T) {
	m, store := newStreamManager(t)
	ctx := context.Background()
	sess := newSession(t, store)

	st, err := m.Attach(ctx, sess.ID, "alice")
	require.NoError(t, err)

	// Session and user topics deliver on independent subscriptions; the
	// interleaving must still queue event IDs in allocation order.
	const perTopic = 20
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < perTopic; i++ {
			require.NoError(t, m.SendToSession(ctx, sess.ID, []byte(`{"t":"s"}`)))
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < perTopic; i++ {
			require.NoError(t, m.SendToUser(ctx, "alice", []byte(`{"t":"u"}`)))
		}
	}()
	wg.Wait()

	var last uint64
	for i := 0; i < 2*perTopic; i++ {
		f := recvFrame(t, st)
		require.Greater(t, f.eventID, last, "event IDs must be strictly increasing on the stream")
		last = f.eventID
	}
	assert.Equal(t, uint64(2*perTopic), last)
}

func TestStreamManager_BackpressureDetaches(t *testing.T) {
	m, store := newStreamManager(t)
	ctx := context.Background()
	sess := newSession(t, store)

	st, err := m.Attach(ctx, sess.ID, "")
	require.NoError(t, err)

	// Nobody drains the frame queue; it holds streamBuffer entries.
	var sendErr error
	for i := 0; i <= streamBuffer; i++ {
		sendErr = m.SendToStream(ctx, st, []byte(`{}`))
	}
	assert.ErrorIs(t, sendErr, ErrStreamBackpressure)
	assert.False(t, m.HasActiveStream(sess.ID))
}
