package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/mcpd/internal/logging"
	"github.com/fyrsmithlabs/mcpd/internal/metrics"
)

// DefaultElicitationTTL bounds how long completed or abandoned records are
// retained.
const DefaultElicitationTTL = time.Hour

var (
	// ErrElicitationNotFound indicates an unknown elicitation ID.
	ErrElicitationNotFound = errors.New("elicitation not found")

	// ErrAlreadyCompleted indicates a terminating action on a completed record.
	ErrAlreadyCompleted = errors.New("already_completed")

	// ErrAlreadyCancelled indicates a terminating action on a cancelled record.
	ErrAlreadyCancelled = errors.New("already_cancelled")
)

// Elicitation is one out-of-band input solicitation record (URL mode).
type Elicitation struct {
	ID          string            `json:"elicitationId"`
	URL         string            `json:"url,omitempty"`
	Message     string            `json:"message"`
	Status      ElicitationStatus `json:"status"`
	CreatedAt   time.Time         `json:"createdAt"`
	CompletedAt *time.Time        `json:"completedAt,omitempty"`
	UserID      string            `json:"-"`
	SessionID   string            `json:"-"`
}

type elicitationRecord struct {
	mu sync.Mutex
	e  Elicitation
}

// MessageSender delivers frames to attached streams. StreamManager satisfies
// it; tests substitute fakes.
type MessageSender interface {
	SendToSession(ctx context.Context, sessionID string, payload []byte) error
	Broadcast(ctx context.Context, payload []byte) error
}

// ElicitationManager owns elicitation records and their terminal routes.
type ElicitationManager struct {
	records sync.Map // elicitation ID -> *elicitationRecord

	ttl     time.Duration
	sender  MessageSender
	logger  *logging.Logger
	metrics *metrics.Metrics
	clock   func() time.Time
}

// NewElicitationManager creates the manager. A zero ttl takes the default.
func NewElicitationManager(ttl time.Duration, sender MessageSender, logger *logging.Logger, m *metrics.Metrics) *ElicitationManager {
	if ttl <= 0 {
		ttl = DefaultElicitationTTL
	}
	if m == nil {
		m = metrics.NewNop()
	}
	return &ElicitationManager{
		ttl:     ttl,
		sender:  sender,
		logger:  logger,
		metrics: m,
		clock:   time.Now,
	}
}

// ElicitSchema sends an inline elicitation/create frame carrying a form
// schema. No record is kept; the client answers in-band.
func (m *ElicitationManager) ElicitSchema(ctx context.Context, sessionID, message string, formSchema map[string]interface{}) error {
	payload, err := json.Marshal(map[string]interface{}{
		"jsonrpc": "2.0",
		"method":  "elicitation/create",
		"params": map[string]interface{}{
			"mode":            "form",
			"message":         message,
			"requestedSchema": formSchema,
		},
	})
	if err != nil {
		return err
	}
	return m.sender.SendToSession(ctx, sessionID, payload)
}

// ElicitURL creates a pending record and sends an elicitation/create frame
// pointing the client at the external URL.
func (m *ElicitationManager) ElicitURL(ctx context.Context, sessionID, userID, message, url string) (*Elicitation, error) {
	rec := &elicitationRecord{
		e: Elicitation{
			ID:        uuid.NewString(),
			URL:       url,
			Message:   message,
			Status:    ElicitationPending,
			CreatedAt: m.clock().UTC(),
			UserID:    userID,
			SessionID: sessionID,
		},
	}
	m.records.Store(rec.e.ID, rec)

	payload, err := json.Marshal(map[string]interface{}{
		"jsonrpc": "2.0",
		"method":  "elicitation/create",
		"params": map[string]interface{}{
			"mode":          "url",
			"elicitationId": rec.e.ID,
			"url":           url,
			"message":       message,
		},
	})
	if err != nil {
		return nil, err
	}
	if err := m.sender.SendToSession(ctx, sessionID, payload); err != nil {
		m.logger.Warn(ctx, "elicitation create not delivered",
			zap.String("elicitation.id", rec.e.ID), zap.Error(err))
	}

	e := rec.e
	return &e, nil
}

// Complete transitions a pending record to completed and broadcasts the
// completion. Terminal records return ErrAlreadyCompleted/ErrAlreadyCancelled.
func (m *ElicitationManager) Complete(ctx context.Context, id string) error {
	return m.terminate(ctx, id, ElicitationCompleted)
}

// Cancel transitions a pending record to cancelled and broadcasts.
func (m *ElicitationManager) Cancel(ctx context.Context, id string) error {
	return m.terminate(ctx, id, ElicitationCancelled)
}

func (m *ElicitationManager) terminate(ctx context.Context, id string, to ElicitationStatus) error {
	value, ok := m.records.Load(id)
	if !ok {
		return ErrElicitationNotFound
	}
	rec := value.(*elicitationRecord)

	rec.mu.Lock()
	switch rec.e.Status {
	case ElicitationCompleted:
		rec.mu.Unlock()
		return ErrAlreadyCompleted
	case ElicitationCancelled:
		rec.mu.Unlock()
		return ErrAlreadyCancelled
	}
	now := m.clock().UTC()
	rec.e.Status = to
	rec.e.CompletedAt = &now
	rec.mu.Unlock()

	// Both terminal routes broadcast under the same method; the action field
	// says which way the record went.
	action := "complete"
	if to == ElicitationCancelled {
		action = "cancel"
	}
	payload, err := json.Marshal(map[string]interface{}{
		"jsonrpc": "2.0",
		"method":  "notifications/elicitation/complete",
		"params":  map[string]string{"elicitationId": id, "action": action},
	})
	if err != nil {
		return err
	}
	if err := m.sender.Broadcast(ctx, payload); err != nil {
		m.logger.Warn(ctx, "elicitation broadcast failed",
			zap.String("elicitation.id", id), zap.Error(err))
	}
	return nil
}

// Status returns the record's current state.
func (m *ElicitationManager) Status(id string) (*Elicitation, error) {
	value, ok := m.records.Load(id)
	if !ok {
		return nil, ErrElicitationNotFound
	}
	rec := value.(*elicitationRecord)
	rec.mu.Lock()
	defer rec.mu.Unlock()
	e := rec.e
	return &e, nil
}

// ActiveRefs counts pending records referencing the session.
func (m *ElicitationManager) ActiveRefs(sessionID string) int {
	count := 0
	m.records.Range(func(_, value interface{}) bool {
		rec := value.(*elicitationRecord)
		rec.mu.Lock()
		if rec.e.SessionID == sessionID && rec.e.Status == ElicitationPending {
			count++
		}
		rec.mu.Unlock()
		return true
	})
	return count
}

// Sweep purges records older than the TTL, pending or not, and returns the
// count removed.
func (m *ElicitationManager) Sweep(ctx context.Context) int {
	cutoff := m.clock().UTC().Add(-m.ttl)
	removed := 0
	m.records.Range(func(key, value interface{}) bool {
		rec := value.(*elicitationRecord)
		rec.mu.Lock()
		old := rec.e.CreatedAt.Before(cutoff)
		rec.mu.Unlock()
		if old {
			m.records.Delete(key)
			removed++
		}
		return true
	})
	if removed > 0 {
		m.metrics.SweptEntries.WithLabelValues("elicitations").Add(float64(removed))
		m.logger.Debug(ctx, "elicitation sweep", zap.Int("removed", removed))
	}
	return removed
}
