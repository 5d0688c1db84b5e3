package lifecycle

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kynetic/kbot/internal/common/config"
	"github.com/kynetic/kbot/internal/common/logger"
	"github.com/kynetic/kbot/internal/events"
	"github.com/kynetic/kbot/internal/events/bus"
	"github.com/kynetic/kbot/internal/memory"
)

// Escalation record states.
type EscalationState string

const (
	EscalationPending      EscalationState = "pending"
	EscalationAcknowledged EscalationState = "acknowledged"
	EscalationTimedOut     EscalationState = "timeout"
)

// Fallback actions applied when nobody acknowledges in time.
const (
	FallbackRetry = "retry"
	FallbackPause = "pause"
	FallbackFail  = "fail"
)

// EscalationRecord captures one call for human help.
type EscalationRecord struct {
	ID             string                 `json:"id" yaml:"id"`
	Reason         string                 `json:"reason" yaml:"reason"`
	Context        map[string]interface{} `json:"context,omitempty" yaml:"context,omitempty"`
	Checkpoint     interface{}            `json:"checkpoint,omitempty" yaml:"checkpoint,omitempty"`
	State          EscalationState        `json:"state" yaml:"state"`
	TriggeredAt    time.Time              `json:"triggered_at" yaml:"triggered_at"`
	AcknowledgedBy string                 `json:"acknowledged_by,omitempty" yaml:"acknowledged_by,omitempty"`
	AcknowledgedAt time.Time              `json:"acknowledged_at,omitempty" yaml:"acknowledged_at,omitempty"`
}

// Notifier delivers an escalation to a human channel.
type Notifier interface {
	Notify(ctx context.Context, record *EscalationRecord) error
}

// EscalationHandler listens for escalation events, records them, pings
// notifiers, and applies the configured fallback when the
// acknowledgment window lapses.
type EscalationHandler struct {
	cfg       config.EscalationConfig
	eventBus  bus.EventBus
	notifiers []Notifier
	logger    *logger.Logger

	mu      sync.Mutex
	records map[string]*EscalationRecord
	timers  map[string]*time.Timer
	sub     bus.Subscription
}

// NewEscalationHandler creates a handler over the given notifiers.
func NewEscalationHandler(cfg config.EscalationConfig, eventBus bus.EventBus, notifiers []Notifier, log *logger.Logger) *EscalationHandler {
	return &EscalationHandler{
		cfg:       cfg,
		eventBus:  eventBus,
		notifiers: notifiers,
		logger:    log.WithFields(zap.String("component", "escalation")),
		records:   make(map[string]*EscalationRecord),
		timers:    make(map[string]*time.Timer),
	}
}

// Start subscribes to escalation events from the lifecycle manager.
func (h *EscalationHandler) Start() error {
	sub, err := h.eventBus.Subscribe(events.AgentEscalate, func(ctx context.Context, event *bus.Event) error {
		reason, _ := event.Data["reason"].(string)
		evCtx, _ := event.Data["context"].(map[string]interface{})
		h.Escalate(ctx, reason, evCtx, event.Data["checkpoint"])
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to escalations: %w", err)
	}
	h.sub = sub
	return nil
}

// Stop unsubscribes and cancels pending timeout timers.
func (h *EscalationHandler) Stop() {
	if h.sub != nil {
		_ = h.sub.Unsubscribe()
		h.sub = nil
	}
	h.mu.Lock()
	for id, timer := range h.timers {
		timer.Stop()
		delete(h.timers, id)
	}
	h.mu.Unlock()
}

// Escalate creates a pending record, notifies every channel, and arms
// the acknowledgment timeout.
func (h *EscalationHandler) Escalate(ctx context.Context, reason string, evCtx map[string]interface{}, checkpoint interface{}) *EscalationRecord {
	record := &EscalationRecord{
		ID:          memory.NewID(),
		Reason:      reason,
		Context:     evCtx,
		Checkpoint:  checkpoint,
		State:       EscalationPending,
		TriggeredAt: time.Now(),
	}

	h.mu.Lock()
	h.records[record.ID] = record
	h.timers[record.ID] = time.AfterFunc(h.cfg.Timeout(), func() {
		h.onTimeout(record.ID)
	})
	h.mu.Unlock()

	h.logger.Warn("escalation created",
		zap.String("escalation_id", record.ID),
		zap.String("reason", reason))
	h.publish(events.EscalationCreated, map[string]interface{}{
		"escalation_id": record.ID,
		"reason":        reason,
	})

	for _, n := range h.notifiers {
		if err := n.Notify(ctx, record); err != nil {
			h.logger.Warn("escalation notify failed", zap.Error(err))
		}
	}
	return record
}

// Acknowledge marks a pending record as handled by a human. Late or
// duplicate acks fail.
func (h *EscalationHandler) Acknowledge(id, humanID string) error {
	h.mu.Lock()
	record, ok := h.records[id]
	if !ok {
		h.mu.Unlock()
		return fmt.Errorf("unknown escalation %s", id)
	}
	if record.State != EscalationPending {
		state := record.State
		h.mu.Unlock()
		return fmt.Errorf("escalation %s is %s, not pending", id, state)
	}
	record.State = EscalationAcknowledged
	record.AcknowledgedBy = humanID
	record.AcknowledgedAt = time.Now()
	if timer := h.timers[id]; timer != nil {
		timer.Stop()
		delete(h.timers, id)
	}
	h.mu.Unlock()

	h.logger.Info("escalation acknowledged",
		zap.String("escalation_id", id),
		zap.String("acknowledged_by", humanID))
	h.publish(events.EscalationAcknowledged, map[string]interface{}{
		"escalation_id":   id,
		"acknowledged_by": humanID,
	})
	return nil
}

// Get returns a record by id.
func (h *EscalationHandler) Get(id string) (*EscalationRecord, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	record, ok := h.records[id]
	return record, ok
}

// Pending returns all unacknowledged records.
func (h *EscalationHandler) Pending() []*EscalationRecord {
	h.mu.Lock()
	defer h.mu.Unlock()
	var pending []*EscalationRecord
	for _, record := range h.records {
		if record.State == EscalationPending {
			pending = append(pending, record)
		}
	}
	return pending
}

func (h *EscalationHandler) onTimeout(id string) {
	h.mu.Lock()
	record, ok := h.records[id]
	if !ok || record.State != EscalationPending {
		h.mu.Unlock()
		return
	}
	record.State = EscalationTimedOut
	delete(h.timers, id)
	h.mu.Unlock()

	fallback := h.cfg.Fallback
	if fallback == "" {
		fallback = FallbackPause
	}

	h.logger.Warn("escalation unacknowledged, applying fallback",
		zap.String("escalation_id", id),
		zap.String("fallback", fallback))
	h.publish(events.EscalationFallback, map[string]interface{}{
		"escalation_id": id,
		"reason":        record.Reason,
		"fallback":      fallback,
	})
}

func (h *EscalationHandler) publish(eventType string, data map[string]interface{}) {
	if h.eventBus == nil {
		return
	}
	event := bus.NewEvent(eventType, "escalation", data)
	if err := h.eventBus.Publish(context.Background(), eventType, event); err != nil {
		h.logger.Warn("failed to publish escalation event",
			zap.String("type", eventType), zap.Error(err))
	}
}
