package session

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"

	"go.uber.org/zap"

	"github.com/kynetic/kbot/internal/common/config"
	"github.com/kynetic/kbot/internal/common/logger"
	"github.com/kynetic/kbot/internal/events"
	"github.com/kynetic/kbot/internal/events/bus"
)

const lockShards = 32

// SessionCompleter is the slice of the session store the lifecycle
// manager needs to retire rotated sessions.
type SessionCompleter interface {
	UpdateSessionStatus(ctx context.Context, id, status string, endedAt int64) error
}

// Factory allocates a fresh agent session id for a key.
type Factory func(ctx context.Context) (string, error)

// keyState is the per-key slot guarded by the key's lock.
type keyState struct {
	sessionID string
	usage     *ContextUsageUpdate
}

// LifecycleManager maintains the active agent session per session key
// and rotates it when context usage crosses the threshold. All mutating
// operations for one key run under that key's single-slot lock;
// different keys proceed in parallel.
type LifecycleManager struct {
	threshold float64
	completer SessionCompleter
	eventBus  bus.EventBus
	logger    *logger.Logger

	locks [lockShards]sync.Mutex
	mu    sync.Mutex
	state map[string]*keyState
}

// NewLifecycleManager creates a lifecycle manager.
func NewLifecycleManager(cfg config.SessionConfig, completer SessionCompleter, eventBus bus.EventBus, log *logger.Logger) *LifecycleManager {
	return &LifecycleManager{
		threshold: cfg.RotationThreshold,
		completer: completer,
		eventBus:  eventBus,
		logger:    log.WithFields(zap.String("component", "session-lifecycle")),
		state:     make(map[string]*keyState),
	}
}

func shardFor(key string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % lockShards)
}

// WithKeyLock runs fn under the key's lock. Message handling uses this
// to serialize the whole inbound pipeline per key.
func (m *LifecycleManager) WithKeyLock(key Key, fn func() error) error {
	shard := shardFor(key.String())
	m.locks[shard].Lock()
	defer m.locks[shard].Unlock()
	return fn()
}

// GetOrCreateSession returns the active session id for the key,
// rotating first when the cached usage is at or above the rotation
// threshold. The second return reports whether the returned session is
// fresh (new or rotated) and needs a system prompt before first use.
func (m *LifecycleManager) GetOrCreateSession(ctx context.Context, key Key, factory Factory) (string, bool, error) {
	if err := key.Validate(); err != nil {
		return "", false, err
	}

	ks := m.keyState(key.String())

	if ks.sessionID == "" {
		id, err := factory(ctx)
		if err != nil {
			return "", false, fmt.Errorf("session factory failed: %w", err)
		}
		ks.sessionID = id
		m.publish(events.SessionCreated, map[string]interface{}{
			"session_key": key.String(),
			"session_id":  id,
		})
		m.logger.Info("session created",
			zap.String("session_key", key.String()),
			zap.String("session_id", id))
		return id, true, nil
	}

	if ks.usage == nil || ks.usage.Percentage < m.threshold {
		return ks.sessionID, false, nil
	}

	// Rotate: retire the old session, allocate a new one.
	oldID := ks.sessionID
	atPct := ks.usage.Percentage
	newID, err := factory(ctx)
	if err != nil {
		return "", false, fmt.Errorf("session factory failed during rotation: %w", err)
	}

	if m.completer != nil {
		if err := m.completer.UpdateSessionStatus(ctx, oldID, "completed", nowMillis()); err != nil {
			m.logger.Warn("failed to mark rotated session completed",
				zap.String("session_id", oldID), zap.Error(err))
		}
	}

	ks.sessionID = newID
	ks.usage = nil

	m.publish(events.SessionRotated, map[string]interface{}{
		"session_key": key.String(),
		"old_id":      oldID,
		"new_id":      newID,
		"percentage":  atPct,
	})
	m.publish(events.SessionCompleted, map[string]interface{}{"session_id": oldID})
	m.logger.Info("session rotated",
		zap.String("session_key", key.String()),
		zap.String("old_id", oldID),
		zap.String("new_id", newID))
	return newID, true, nil
}

// UpdateContextUsage records the latest usage observation for a key.
// Pure state update; rotation is decided at the next GetOrCreateSession.
func (m *LifecycleManager) UpdateContextUsage(key Key, update *ContextUsageUpdate) {
	ks := m.keyState(key.String())
	ks.usage = update
}

// ActiveSession returns the current session id for a key, if any.
func (m *LifecycleManager) ActiveSession(key Key) (string, bool) {
	ks := m.keyState(key.String())
	return ks.sessionID, ks.sessionID != ""
}

func (m *LifecycleManager) keyState(key string) *keyState {
	m.mu.Lock()
	defer m.mu.Unlock()
	ks, ok := m.state[key]
	if !ok {
		ks = &keyState{}
		m.state[key] = ks
	}
	return ks
}

func (m *LifecycleManager) publish(eventType string, data map[string]interface{}) {
	if m.eventBus == nil {
		return
	}
	event := bus.NewEvent(eventType, "session-lifecycle", data)
	if err := m.eventBus.Publish(context.Background(), eventType, event); err != nil {
		m.logger.Warn("failed to publish session event",
			zap.String("type", eventType), zap.Error(err))
	}
}

