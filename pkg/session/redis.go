package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const keyPrefix = "mcpd"

// RedisStore is the distributed Store backing. Multiple server instances
// sharing one Redis see the same sessions; counters are Redis INCRs so event
// IDs stay dense and monotonic across instances.
type RedisStore struct {
	rdb   *redis.Client
	clock func() time.Time
}

// NewRedisStore wraps an existing Redis client. The caller owns the client's
// lifecycle configuration; Close closes it.
func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb, clock: time.Now}
}

func sessionKey(id string) string        { return fmt.Sprintf("%s:session:%s", keyPrefix, id) }
func sessionSetKey() string              { return keyPrefix + ":sessions" }
func streamsKey(id string) string        { return fmt.Sprintf("%s:session:%s:streams", keyPrefix, id) }
func sessionCounterKey(id string) string { return fmt.Sprintf("%s:session:%s:counter", keyPrefix, id) }
func sessionHistoryKey(id string) string { return fmt.Sprintf("%s:session:%s:history", keyPrefix, id) }
func tokenKey(hash string) string        { return fmt.Sprintf("%s:token:%s", keyPrefix, hash) }

func streamCounterKey(id, sid string) string {
	return fmt.Sprintf("%s:session:%s:stream:%s:counter", keyPrefix, id, sid)
}

func streamHistoryKey(id, sid string) string {
	return fmt.Sprintf("%s:session:%s:stream:%s:history", keyPrefix, id, sid)
}

// sessionDoc is the hash field layout for one session.
type sessionDoc struct {
	ID           string                `json:"id"`
	CreatedAt    time.Time             `json:"created_at"`
	LastActivity time.Time             `json:"last_activity"`
	Auth         *AuthorizationContext `json:"auth,omitempty"`
	Refresh      *TokenRefresh         `json:"refresh,omitempty"`
}

func (r *RedisStore) Create(ctx context.Context, opts CreateOptions) (*Session, error) {
	now := r.clock().UTC()
	doc := sessionDoc{
		ID:           uuid.NewString(),
		CreatedAt:    now,
		LastActivity: now,
		Auth:         opts.Auth,
		Refresh:      opts.Refresh,
	}

	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("marshal session: %w", err)
	}

	pipe := r.rdb.TxPipeline()
	pipe.Set(ctx, sessionKey(doc.ID), raw, 0)
	pipe.SAdd(ctx, sessionSetKey(), doc.ID)
	if opts.Auth != nil && opts.Auth.TokenHash != "" {
		pipe.Set(ctx, tokenKey(opts.Auth.TokenHash), doc.ID, 0)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}

	return &Session{
		ID:           doc.ID,
		CreatedAt:    doc.CreatedAt,
		LastActivity: doc.LastActivity,
		Auth:         opts.Auth,
		Refresh:      opts.Refresh,
	}, nil
}

func (r *RedisStore) getDoc(ctx context.Context, sessionID string) (*sessionDoc, error) {
	raw, err := r.rdb.Get(ctx, sessionKey(sessionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	var doc sessionDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("unmarshal session: %w", err)
	}
	return &doc, nil
}

func (r *RedisStore) putDoc(ctx context.Context, doc *sessionDoc) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	return r.rdb.Set(ctx, sessionKey(doc.ID), raw, 0).Err()
}

func (r *RedisStore) Get(ctx context.Context, sessionID string) (*Session, error) {
	doc, err := r.getDoc(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	streamIDs, err := r.rdb.HKeys(ctx, streamsKey(sessionID)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("list streams: %w", err)
	}
	sort.Strings(streamIDs)

	counter, err := r.rdb.Get(ctx, sessionCounterKey(sessionID)).Uint64()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("get session counter: %w", err)
	}

	return &Session{
		ID:           doc.ID,
		CreatedAt:    doc.CreatedAt,
		LastActivity: doc.LastActivity,
		EventCounter: counter,
		Auth:         doc.Auth,
		Refresh:      doc.Refresh,
		StreamIDs:    streamIDs,
	}, nil
}

func (r *RedisStore) Delete(ctx context.Context, sessionID string) error {
	doc, err := r.getDoc(ctx, sessionID)
	if errors.Is(err, ErrSessionNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	streamIDs, err := r.rdb.HKeys(ctx, streamsKey(sessionID)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("list streams: %w", err)
	}

	keys := []string{
		sessionKey(sessionID),
		streamsKey(sessionID),
		sessionCounterKey(sessionID),
		sessionHistoryKey(sessionID),
	}
	for _, sid := range streamIDs {
		keys = append(keys, streamCounterKey(sessionID, sid), streamHistoryKey(sessionID, sid))
	}
	if doc.Auth != nil && doc.Auth.TokenHash != "" {
		keys = append(keys, tokenKey(doc.Auth.TokenHash))
	}

	pipe := r.rdb.TxPipeline()
	pipe.Del(ctx, keys...)
	pipe.SRem(ctx, sessionSetKey(), sessionID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

func (r *RedisStore) Touch(ctx context.Context, sessionID string) error {
	doc, err := r.getDoc(ctx, sessionID)
	if err != nil {
		return err
	}
	doc.LastActivity = r.clock().UTC()
	return r.putDoc(ctx, doc)
}

func (r *RedisStore) SweepExpired(ctx context.Context, idleTTL time.Duration, refs RefCounter) (int, error) {
	ids, err := r.rdb.SMembers(ctx, sessionSetKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("list sessions: %w", err)
	}

	now := r.clock().UTC()
	removed := 0
	for _, id := range ids {
		doc, err := r.getDoc(ctx, id)
		if errors.Is(err, ErrSessionNotFound) {
			// Index entry without a session doc; clean it up.
			_ = r.rdb.SRem(ctx, sessionSetKey(), id).Err()
			continue
		}
		if err != nil {
			return removed, err
		}
		if now.Sub(doc.LastActivity) < idleTTL {
			continue
		}
		streamCount, err := r.rdb.HLen(ctx, streamsKey(id)).Result()
		if err != nil {
			return removed, fmt.Errorf("count streams: %w", err)
		}
		if streamCount > 0 {
			continue
		}
		if refs != nil && refs(id) > 0 {
			continue
		}
		if err := r.Delete(ctx, id); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

func (r *RedisStore) CreateStream(ctx context.Context, sessionID string) (string, error) {
	doc, err := r.getDoc(ctx, sessionID)
	if err != nil {
		return "", err
	}

	now := r.clock().UTC()
	rec := StreamRecord{ID: uuid.NewString(), CreatedAt: now, LastActivity: now}
	raw, err := json.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("marshal stream: %w", err)
	}

	doc.LastActivity = now
	pipe := r.rdb.TxPipeline()
	pipe.HSet(ctx, streamsKey(sessionID), rec.ID, raw)
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("create stream: %w", err)
	}
	if err := r.putDoc(ctx, doc); err != nil {
		return "", err
	}
	return rec.ID, nil
}

func (r *RedisStore) DeleteStream(ctx context.Context, sessionID, streamID string) error {
	if _, err := r.getDoc(ctx, sessionID); err != nil {
		return err
	}
	pipe := r.rdb.TxPipeline()
	pipe.HDel(ctx, streamsKey(sessionID), streamID)
	pipe.Del(ctx, streamCounterKey(sessionID, streamID), streamHistoryKey(sessionID, streamID))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("delete stream: %w", err)
	}
	return r.Touch(ctx, sessionID)
}

func (r *RedisStore) getStreamRec(ctx context.Context, sessionID, streamID string) (*StreamRecord, error) {
	raw, err := r.rdb.HGet(ctx, streamsKey(sessionID), streamID).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrStreamNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get stream: %w", err)
	}
	var rec StreamRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal stream: %w", err)
	}
	return &rec, nil
}

func (r *RedisStore) TouchStream(ctx context.Context, sessionID, streamID string) error {
	if _, err := r.getDoc(ctx, sessionID); err != nil {
		return err
	}
	rec, err := r.getStreamRec(ctx, sessionID, streamID)
	if err != nil {
		return err
	}
	rec.LastActivity = r.clock().UTC()
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal stream: %w", err)
	}
	if err := r.rdb.HSet(ctx, streamsKey(sessionID), streamID, raw).Err(); err != nil {
		return fmt.Errorf("touch stream: %w", err)
	}
	return r.Touch(ctx, sessionID)
}

func (r *RedisStore) GetStream(ctx context.Context, sessionID, streamID string) (*StreamRecord, error) {
	if _, err := r.getDoc(ctx, sessionID); err != nil {
		return nil, err
	}
	rec, err := r.getStreamRec(ctx, sessionID, streamID)
	if err != nil {
		return nil, err
	}
	counter, err := r.rdb.Get(ctx, streamCounterKey(sessionID, streamID)).Uint64()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("get stream counter: %w", err)
	}
	rec.EventCounter = counter
	return rec, nil
}

func (r *RedisStore) NextEventID(ctx context.Context, sessionID, streamID string) (uint64, error) {
	if _, err := r.getDoc(ctx, sessionID); err != nil {
		return 0, err
	}
	key := sessionCounterKey(sessionID)
	if streamID != "" {
		if _, err := r.getStreamRec(ctx, sessionID, streamID); err != nil {
			return 0, err
		}
		key = streamCounterKey(sessionID, streamID)
	}
	n, err := r.rdb.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("allocate event id: %w", err)
	}
	return uint64(n), nil
}

func (r *RedisStore) AddMessage(ctx context.Context, sessionID, streamID string, eventID uint64, data json.RawMessage) error {
	if _, err := r.getDoc(ctx, sessionID); err != nil {
		return err
	}

	key := sessionHistoryKey(sessionID)
	limit := MaxSessionHistory
	if streamID != "" {
		if _, err := r.getStreamRec(ctx, sessionID, streamID); err != nil {
			return err
		}
		key = streamHistoryKey(sessionID, streamID)
		limit = MaxStreamHistory
	}

	msg := Message{EventID: eventID, Timestamp: r.clock().UTC(), Data: data}
	raw, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	pipe := r.rdb.TxPipeline()
	pipe.RPush(ctx, key, raw)
	pipe.LTrim(ctx, key, int64(-limit), -1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	return nil
}

func (r *RedisStore) MessagesSince(ctx context.Context, sessionID, streamID string, lastEventID uint64) ([]Message, error) {
	if _, err := r.getDoc(ctx, sessionID); err != nil {
		return nil, err
	}

	key := sessionHistoryKey(sessionID)
	if streamID != "" {
		if _, err := r.getStreamRec(ctx, sessionID, streamID); err != nil {
			return nil, err
		}
		key = streamHistoryKey(sessionID, streamID)
	}

	raws, err := r.rdb.LRange(ctx, key, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("read history: %w", err)
	}

	out := make([]Message, 0, len(raws))
	for _, raw := range raws {
		var msg Message
		if err := json.Unmarshal([]byte(raw), &msg); err != nil {
			return nil, fmt.Errorf("unmarshal message: %w", err)
		}
		if msg.EventID > lastEventID {
			out = append(out, msg)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EventID < out[j].EventID })
	return out, nil
}

func (r *RedisStore) BindToken(ctx context.Context, tokenHash, sessionID string) error {
	if _, err := r.getDoc(ctx, sessionID); err != nil {
		return err
	}
	return r.rdb.Set(ctx, tokenKey(tokenHash), sessionID, 0).Err()
}

func (r *RedisStore) GetByTokenHash(ctx context.Context, tokenHash string) (*Session, error) {
	id, err := r.rdb.Get(ctx, tokenKey(tokenHash)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("resolve token: %w", err)
	}
	return r.Get(ctx, id)
}

func (r *RedisStore) UpdateAuthorization(ctx context.Context, sessionID string, auth *AuthorizationContext, refresh *TokenRefresh) error {
	doc, err := r.getDoc(ctx, sessionID)
	if err != nil {
		return err
	}

	pipe := r.rdb.TxPipeline()
	if doc.Auth != nil && doc.Auth.TokenHash != "" {
		pipe.Del(ctx, tokenKey(doc.Auth.TokenHash))
	}
	doc.Auth = auth
	if refresh != nil {
		doc.Refresh = refresh
	}
	doc.LastActivity = r.clock().UTC()
	if auth != nil && auth.TokenHash != "" {
		pipe.Set(ctx, tokenKey(auth.TokenHash), sessionID, 0)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("update token binding: %w", err)
	}
	return r.putDoc(ctx, doc)
}

func (r *RedisStore) Count(ctx context.Context) (int, error) {
	n, err := r.rdb.SCard(ctx, sessionSetKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("count sessions: %w", err)
	}
	return int(n), nil
}

func (r *RedisStore) Close() error {
	return r.rdb.Close()
}
