package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/mcpd/internal/logging"
	"github.com/fyrsmithlabs/mcpd/internal/metrics"
	"github.com/fyrsmithlabs/mcpd/pkg/session"
)

const (
	// DefaultTaskTTL applies when _meta.task carries no TTL.
	DefaultTaskTTL = 5 * time.Minute

	// MaxTaskTTL is the hard ceiling on requested TTLs.
	MaxTaskTTL = 24 * time.Hour

	// DefaultPollInterval is the polling hint returned to clients.
	DefaultPollInterval = 2 * time.Second
)

var (
	// ErrTaskNotFound indicates an unknown task ID.
	ErrTaskNotFound = errors.New("task not found")

	// ErrTaskTerminal indicates a transition on an already-terminal task.
	ErrTaskTerminal = errors.New("task already terminal")
)

// task is the full record; TaskInfo is the client-visible projection.
type task struct {
	mu sync.Mutex

	id            string
	status        TaskStatus
	statusMessage string
	createdAt     time.Time
	ttl           time.Duration
	result        interface{}
	sessionID     string
	auth          *session.AuthorizationContext
	cancel        context.CancelFunc
}

func (t *task) info(pollInterval time.Duration) TaskInfo {
	t.mu.Lock()
	defer t.mu.Unlock()
	return TaskInfo{
		TaskID:        t.id,
		Status:        t.status,
		StatusMessage: t.statusMessage,
		CreatedAt:     t.createdAt,
		TTL:           t.ttl.Milliseconds(),
		PollInterval:  pollInterval.Milliseconds(),
	}
}

// transition enforces the lifecycle partial order: working may move to
// input_required or a terminal state, input_required back to working or to a
// terminal state, terminal states absorb.
func (t *task) transition(to TaskStatus, message string, result interface{}) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.status.Terminal() {
		return ErrTaskTerminal
	}
	switch to {
	case TaskWorking:
		if t.status != TaskInputRequired {
			return fmt.Errorf("cannot transition %s to working", t.status)
		}
	case TaskInputRequired:
		if t.status != TaskWorking {
			return fmt.Errorf("cannot transition %s to input_required", t.status)
		}
	case TaskCompleted, TaskFailed, TaskCancelled:
		// Always reachable from non-terminal states.
	default:
		return fmt.Errorf("unknown task status %q", to)
	}

	t.status = to
	t.statusMessage = message
	if to.Terminal() {
		t.result = result
		if t.cancel != nil {
			t.cancel()
		}
	}
	return nil
}

// TaskNotifier delivers a task status frame to a session's stream, when one
// is attached. Deliveries are best-effort.
type TaskNotifier func(ctx context.Context, sessionID string, payload []byte)

// TaskManager owns deferred request execution. Records live in process
// memory; the sweeper enforces TTLs.
type TaskManager struct {
	tasks sync.Map // task ID -> *task

	pollInterval time.Duration
	notify       TaskNotifier
	logger       *logging.Logger
	metrics      *metrics.Metrics
	clock        func() time.Time
}

// NewTaskManager creates a task manager. notify may be nil.
func NewTaskManager(pollInterval time.Duration, notify TaskNotifier, logger *logging.Logger, m *metrics.Metrics) *TaskManager {
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	if m == nil {
		m = metrics.NewNop()
	}
	return &TaskManager{
		pollInterval: pollInterval,
		notify:       notify,
		logger:       logger,
		metrics:      m,
		clock:        time.Now,
	}
}

// Create registers a new working task. ttlMillis of 0 takes the default;
// values past the ceiling are clamped.
func (m *TaskManager) Create(sessionID string, auth *session.AuthorizationContext, ttlMillis int64) *CreateTaskResult {
	ttl := DefaultTaskTTL
	if ttlMillis > 0 {
		ttl = time.Duration(ttlMillis) * time.Millisecond
	}
	if ttl > MaxTaskTTL {
		ttl = MaxTaskTTL
	}

	t := &task{
		id:        uuid.NewString(),
		status:    TaskWorking,
		createdAt: m.clock().UTC(),
		ttl:       ttl,
		sessionID: sessionID,
		auth:      auth,
	}
	m.tasks.Store(t.id, t)
	m.metrics.TasksActive.Inc()

	return &CreateTaskResult{
		TaskID:       t.id,
		Status:       TaskWorking,
		CreatedAt:    t.createdAt,
		TTL:          ttl.Milliseconds(),
		PollInterval: m.pollInterval.Milliseconds(),
	}
}

// Run executes fn in the background and records the terminal transition.
// The context is cancelled on tasks/cancel; fn should honor it.
func (m *TaskManager) Run(taskID string, fn func(ctx context.Context) (interface{}, error)) {
	value, ok := m.tasks.Load(taskID)
	if !ok {
		return
	}
	t := value.(*task)

	ctx, cancel := context.WithCancel(context.Background())
	t.mu.Lock()
	t.cancel = cancel
	t.mu.Unlock()

	go func() {
		defer cancel()
		defer func() {
			if r := recover(); r != nil {
				m.finish(ctx, t, TaskFailed, fmt.Sprintf("task panicked: %v", r), nil)
			}
		}()

		result, err := fn(ctx)
		switch {
		case ctx.Err() != nil:
			// Cancelled while running; tasks/cancel already transitioned it.
		case err != nil:
			m.finish(ctx, t, TaskFailed, err.Error(), nil)
		default:
			m.finish(ctx, t, TaskCompleted, "", result)
		}
	}()
}

func (m *TaskManager) finish(ctx context.Context, t *task, status TaskStatus, message string, result interface{}) {
	if err := t.transition(status, message, result); err != nil {
		return
	}
	m.metrics.TasksActive.Dec()
	m.logger.Info(ctx, "task finished",
		zap.String("task.id", t.id),
		zap.String("task.status", string(status)))
	m.notifyStatus(ctx, t)
}

// notifyStatus sends a task status notification to the owning session.
func (m *TaskManager) notifyStatus(ctx context.Context, t *task) {
	if m.notify == nil || t.sessionID == "" {
		return
	}
	payload, err := json.Marshal(map[string]interface{}{
		"jsonrpc": "2.0",
		"method":  "notifications/tasks/status",
		"params":  t.info(m.pollInterval),
	})
	if err != nil {
		return
	}
	m.notify(ctx, t.sessionID, payload)
}

// SetInputRequired marks a working task as waiting on input.
func (m *TaskManager) SetInputRequired(taskID, message string) error {
	value, ok := m.tasks.Load(taskID)
	if !ok {
		return ErrTaskNotFound
	}
	return value.(*task).transition(TaskInputRequired, message, nil)
}

// Resume moves an input_required task back to working.
func (m *TaskManager) Resume(taskID string) error {
	value, ok := m.tasks.Load(taskID)
	if !ok {
		return ErrTaskNotFound
	}
	return value.(*task).transition(TaskWorking, "", nil)
}

// Get returns the client-visible status, without the result.
func (m *TaskManager) Get(taskID string) (TaskInfo, error) {
	value, ok := m.tasks.Load(taskID)
	if !ok {
		return TaskInfo{}, ErrTaskNotFound
	}
	return value.(*task).info(m.pollInterval), nil
}

// List returns tasks whose captured authorization context matches the
// caller's subject and client.
func (m *TaskManager) List(auth *session.AuthorizationContext) []TaskInfo {
	out := make([]TaskInfo, 0)
	m.tasks.Range(func(_, value interface{}) bool {
		t := value.(*task)
		if authMatches(t.auth, auth) {
			out = append(out, t.info(m.pollInterval))
		}
		return true
	})
	return out
}

// authMatches compares captured and caller identities. With authorization
// disabled both sides are nil and everything matches.
func authMatches(captured, caller *session.AuthorizationContext) bool {
	if captured == nil && caller == nil {
		return true
	}
	if captured == nil || caller == nil {
		return false
	}
	return captured.Subject == caller.Subject && captured.ClientID == caller.ClientID
}

// Cancel transitions a non-terminal task to cancelled and signals its
// handler context.
func (m *TaskManager) Cancel(ctx context.Context, taskID string) error {
	value, ok := m.tasks.Load(taskID)
	if !ok {
		return ErrTaskNotFound
	}
	t := value.(*task)
	if err := t.transition(TaskCancelled, "cancelled by client", nil); err != nil {
		return err
	}
	m.metrics.TasksActive.Dec()
	m.notifyStatus(ctx, t)
	return nil
}

// ActiveRefs counts non-terminal tasks holding a reference to the session.
// The session sweeper keeps referenced sessions alive.
func (m *TaskManager) ActiveRefs(sessionID string) int {
	count := 0
	m.tasks.Range(func(_, value interface{}) bool {
		t := value.(*task)
		t.mu.Lock()
		if t.sessionID == sessionID && !t.status.Terminal() {
			count++
		}
		t.mu.Unlock()
		return true
	})
	return count
}

// Sweep removes tasks past createdAt+ttl and returns the count removed.
func (m *TaskManager) Sweep(ctx context.Context) int {
	now := m.clock().UTC()
	removed := 0
	m.tasks.Range(func(key, value interface{}) bool {
		t := value.(*task)
		t.mu.Lock()
		expired := now.After(t.createdAt.Add(t.ttl))
		terminal := t.status.Terminal()
		t.mu.Unlock()

		if expired {
			if !terminal {
				// Expiring a live task counts as cancellation.
				_ = t.transition(TaskCancelled, "task TTL expired", nil)
				m.metrics.TasksActive.Dec()
			}
			m.tasks.Delete(key)
			removed++
		}
		return true
	})
	if removed > 0 {
		m.metrics.SweptEntries.WithLabelValues("tasks").Add(float64(removed))
		m.logger.Debug(ctx, "task sweep", zap.Int("removed", removed))
	}
	return removed
}
