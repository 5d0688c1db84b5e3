package lifecycle

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kynetic/kbot/internal/common/config"
	"github.com/kynetic/kbot/internal/events/bus"
)

type recordingNotifier struct {
	mu      sync.Mutex
	records []*EscalationRecord
}

func (n *recordingNotifier) Notify(ctx context.Context, record *EscalationRecord) error {
	n.mu.Lock()
	n.records = append(n.records, record)
	n.mu.Unlock()
	return nil
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.records)
}

func escalationConfig() config.EscalationConfig {
	return config.EscalationConfig{TimeoutS: 300, Fallback: "pause"}
}

func TestEscalation_CreatesPendingRecordAndNotifies(t *testing.T) {
	eventBus := bus.NewMemoryEventBus(newTestLogger(t))
	defer eventBus.Close()
	ch := collectAgentEvents(t, eventBus, "escalation.*")

	notifier := &recordingNotifier{}
	h := NewEscalationHandler(escalationConfig(), eventBus, []Notifier{notifier}, newTestLogger(t))
	defer h.Stop()

	record := h.Escalate(context.Background(), "agent down", map[string]interface{}{"failures": 5}, nil)

	assert.NotEmpty(t, record.ID)
	assert.Equal(t, EscalationPending, record.State)
	assert.Equal(t, 1, notifier.count())

	event := waitForEvent(t, ch, "escalation.created")
	assert.Equal(t, record.ID, event.Data["escalation_id"])
	assert.Equal(t, "agent down", event.Data["reason"])

	assert.Len(t, h.Pending(), 1)
}

func TestEscalation_Acknowledge(t *testing.T) {
	eventBus := bus.NewMemoryEventBus(newTestLogger(t))
	defer eventBus.Close()
	ch := collectAgentEvents(t, eventBus, "escalation.*")

	h := NewEscalationHandler(escalationConfig(), eventBus, nil, newTestLogger(t))
	defer h.Stop()

	record := h.Escalate(context.Background(), "agent down", nil, nil)
	require.NoError(t, h.Acknowledge(record.ID, "alice"))

	got, ok := h.Get(record.ID)
	require.True(t, ok)
	assert.Equal(t, EscalationAcknowledged, got.State)
	assert.Equal(t, "alice", got.AcknowledgedBy)
	assert.Empty(t, h.Pending())

	event := waitForEvent(t, ch, "escalation.acknowledged")
	assert.Equal(t, "alice", event.Data["acknowledged_by"])

	// Second ack and unknown ids are refused.
	assert.Error(t, h.Acknowledge(record.ID, "bob"))
	assert.Error(t, h.Acknowledge("nope", "bob"))
}

func TestEscalation_TimeoutAppliesFallback(t *testing.T) {
	cfg := config.EscalationConfig{TimeoutS: 1, Fallback: "retry"}
	eventBus := bus.NewMemoryEventBus(newTestLogger(t))
	defer eventBus.Close()
	ch := collectAgentEvents(t, eventBus, "escalation.*")

	h := NewEscalationHandler(cfg, eventBus, nil, newTestLogger(t))
	defer h.Stop()

	record := h.Escalate(context.Background(), "agent down", nil, nil)

	event := waitForEvent(t, ch, "escalation.fallback")
	assert.Equal(t, record.ID, event.Data["escalation_id"])
	assert.Equal(t, "retry", event.Data["fallback"])

	got, _ := h.Get(record.ID)
	assert.Equal(t, EscalationTimedOut, got.State)

	// An ack after the window is too late.
	assert.Error(t, h.Acknowledge(record.ID, "alice"))
}

func TestEscalation_SubscribesToLifecycleEvents(t *testing.T) {
	eventBus := bus.NewMemoryEventBus(newTestLogger(t))
	defer eventBus.Close()

	notifier := &recordingNotifier{}
	h := NewEscalationHandler(escalationConfig(), eventBus, []Notifier{notifier}, newTestLogger(t))
	require.NoError(t, h.Start())
	defer h.Stop()

	event := bus.NewEvent("agent.escalate", "agent-lifecycle", map[string]interface{}{
		"reason":  "agent recovery exhausted backoff",
		"context": map[string]interface{}{"failures": 3},
	})
	require.NoError(t, eventBus.Publish(context.Background(), "agent.escalate", event))

	require.Eventually(t, func() bool {
		return notifier.count() == 1 && len(h.Pending()) == 1
	}, 5*time.Second, 10*time.Millisecond)

	assert.Equal(t, "agent recovery exhausted backoff", h.Pending()[0].Reason)
}
