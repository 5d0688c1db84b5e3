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
)

// Loop states.
type LoopState string

const (
	LoopIdle     LoopState = "idle"
	LoopRunning  LoopState = "running"
	LoopPaused   LoopState = "paused"
	LoopStopping LoopState = "stopping"
)

// Circuit breaker states.
type CircuitState string

const (
	CircuitClosed   CircuitState = "closed"
	CircuitOpen     CircuitState = "open"
	CircuitHalfOpen CircuitState = "half-open"
)

// CodeCircuitOpen identifies a CircuitOpenError to operator tooling.
const CodeCircuitOpen = "circuit_open"

// CircuitOpenError is returned by Resume while the breaker cools down.
type CircuitOpenError struct {
	Code      string
	Remaining time.Duration
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit open, retry in %s", e.Remaining.Round(time.Millisecond))
}

// Task is one unit of autonomous work.
type Task struct {
	ID     string
	Prompt string
}

// TaskSource supplies tasks. A nil task means nothing to do right now.
type TaskSource interface {
	NextTask(ctx context.Context) (*Task, error)
}

// TaskProcessor executes one task.
type TaskProcessor interface {
	ProcessTask(ctx context.Context, task *Task) error
}

// HealthReporter gates loop startup on agent health. Satisfied by Manager.
type HealthReporter interface {
	State() AgentState
}

// AutonomousCheckpoint snapshots the loop for a later restore.
type AutonomousCheckpoint struct {
	State             LoopState    `json:"state" yaml:"state"`
	Circuit           CircuitState `json:"circuit" yaml:"circuit"`
	ConsecutiveErrors int          `json:"consecutive_errors" yaml:"consecutive_errors"`
	TrippedAt         int64        `json:"tripped_at,omitempty" yaml:"tripped_at,omitempty"`
	CurrentTaskID     string       `json:"current_task_id,omitempty" yaml:"current_task_id,omitempty"`
}

// AutonomousLoop polls a task source and processes at most one task per
// iteration, guarded by a circuit breaker: enough consecutive failures
// trip it open, pausing the loop until a cooldown makes it half-open,
// and one success closes it again.
type AutonomousLoop struct {
	cfg       config.AgentConfig
	source    TaskSource
	processor TaskProcessor
	health    HealthReporter
	eventBus  bus.EventBus
	logger    *logger.Logger

	mu            sync.Mutex
	state         LoopState
	circuit       CircuitState
	consecErrors  int
	trippedAt     time.Time
	currentTaskID string
	iteration     int
	pausedByTrip  bool
	cooldownTimer *time.Timer

	stopCh chan struct{}
	doneCh chan struct{}
	wakeCh chan struct{}
}

// NewAutonomousLoop creates a loop over the given source and processor.
func NewAutonomousLoop(cfg config.AgentConfig, source TaskSource, processor TaskProcessor, health HealthReporter, eventBus bus.EventBus, log *logger.Logger) *AutonomousLoop {
	return &AutonomousLoop{
		cfg:       cfg,
		source:    source,
		processor: processor,
		health:    health,
		eventBus:  eventBus,
		logger:    log.WithFields(zap.String("component", "autonomous-loop")),
		state:     LoopIdle,
		circuit:   CircuitClosed,
		wakeCh:    make(chan struct{}, 1),
	}
}

// State returns the loop state.
func (l *AutonomousLoop) State() LoopState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Circuit returns the breaker state.
func (l *AutonomousLoop) Circuit() CircuitState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.circuit
}

// ConsecutiveErrors returns the current failure streak.
func (l *AutonomousLoop) ConsecutiveErrors() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.consecErrors
}

// Start begins polling. The agent must be healthy.
func (l *AutonomousLoop) Start(ctx context.Context) error {
	if l.health != nil && l.health.State() != AgentHealthy {
		return fmt.Errorf("cannot start loop: agent is %s", l.health.State())
	}

	l.mu.Lock()
	if l.state != LoopIdle {
		state := l.state
		l.mu.Unlock()
		return fmt.Errorf("cannot start loop from state %s", state)
	}
	l.state = LoopRunning
	l.stopCh = make(chan struct{})
	l.doneCh = make(chan struct{})
	l.mu.Unlock()

	go l.run(ctx)
	return nil
}

// Pause suspends polling without touching the breaker.
func (l *AutonomousLoop) Pause() {
	l.mu.Lock()
	if l.state == LoopRunning {
		l.state = LoopPaused
		l.pausedByTrip = false
	}
	l.mu.Unlock()
}

// Resume restarts polling. Fails with CircuitOpenError while the
// breaker is open.
func (l *AutonomousLoop) Resume() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.circuit == CircuitOpen {
		remaining := l.cfg.LoopCooldown() - time.Since(l.trippedAt)
		if remaining < 0 {
			remaining = 0
		}
		return &CircuitOpenError{Code: CodeCircuitOpen, Remaining: remaining}
	}
	if l.state == LoopPaused {
		l.state = LoopRunning
		l.pausedByTrip = false
		l.wake()
	}
	return nil
}

// Stop ends the loop and waits for it to exit.
func (l *AutonomousLoop) Stop() {
	l.mu.Lock()
	if l.state == LoopIdle || l.state == LoopStopping {
		l.mu.Unlock()
		return
	}
	l.state = LoopStopping
	if l.cooldownTimer != nil {
		l.cooldownTimer.Stop()
		l.cooldownTimer = nil
	}
	stop := l.stopCh
	done := l.doneCh
	l.mu.Unlock()

	close(stop)
	<-done

	l.mu.Lock()
	l.state = LoopIdle
	l.mu.Unlock()
}

// ResetCircuitBreaker is the operator override: forces closed and
// zeroes the failure streak regardless of cooldown.
func (l *AutonomousLoop) ResetCircuitBreaker() {
	l.mu.Lock()
	if l.cooldownTimer != nil {
		l.cooldownTimer.Stop()
		l.cooldownTimer = nil
	}
	l.circuit = CircuitClosed
	l.consecErrors = 0
	l.trippedAt = time.Time{}
	l.mu.Unlock()

	l.logger.Info("circuit breaker reset by operator")
	l.publish(events.CircuitReset, map[string]interface{}{"forced": true})
}

// GetCheckpoint snapshots loop and breaker state.
func (l *AutonomousLoop) GetCheckpoint() AutonomousCheckpoint {
	l.mu.Lock()
	defer l.mu.Unlock()

	cp := AutonomousCheckpoint{
		State:             l.state,
		Circuit:           l.circuit,
		ConsecutiveErrors: l.consecErrors,
		CurrentTaskID:     l.currentTaskID,
	}
	if !l.trippedAt.IsZero() {
		cp.TrippedAt = l.trippedAt.UnixMilli()
	}
	return cp
}

// RestoreFromCheckpoint applies a snapshot. Accepted only from idle.
func (l *AutonomousLoop) RestoreFromCheckpoint(cp AutonomousCheckpoint) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != LoopIdle {
		return false
	}
	l.circuit = cp.Circuit
	l.consecErrors = cp.ConsecutiveErrors
	if cp.TrippedAt != 0 {
		l.trippedAt = time.UnixMilli(cp.TrippedAt)
	}

	// A restored open breaker still owes the rest of its cooldown.
	if l.circuit == CircuitOpen {
		remaining := l.cfg.LoopCooldown() - time.Since(l.trippedAt)
		if remaining <= 0 {
			l.circuit = CircuitHalfOpen
		} else {
			l.cooldownTimer = time.AfterFunc(remaining, l.onCooldownElapsed)
		}
	}
	return true
}

func (l *AutonomousLoop) run(ctx context.Context) {
	defer close(l.doneCh)

	ticker := time.NewTicker(l.cfg.LoopPollInterval())
	defer ticker.Stop()

	for {
		select {
		case <-l.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-l.wakeCh:
		}

		if l.State() != LoopRunning {
			continue
		}
		l.iterate(ctx)
	}
}

func (l *AutonomousLoop) iterate(ctx context.Context) {
	l.mu.Lock()
	l.iteration++
	n := l.iteration
	l.mu.Unlock()

	l.publish(events.LoopIteration, map[string]interface{}{"iteration": n})

	task, err := l.source.NextTask(ctx)
	if err != nil {
		l.logger.Warn("task poll failed", zap.Error(err))
		l.recordFailure()
		return
	}
	if task == nil {
		return
	}

	l.mu.Lock()
	l.currentTaskID = task.ID
	l.mu.Unlock()

	err = l.processor.ProcessTask(ctx, task)

	l.mu.Lock()
	l.currentTaskID = ""
	l.mu.Unlock()

	if err != nil {
		l.logger.Warn("task failed", zap.String("task_id", task.ID), zap.Error(err))
		l.recordFailure()
		return
	}
	l.recordSuccess()
}

func (l *AutonomousLoop) recordFailure() {
	l.mu.Lock()
	l.consecErrors++
	errorsNow := l.consecErrors

	shouldTrip := false
	switch l.circuit {
	case CircuitHalfOpen:
		// The probe task failed: straight back to open.
		shouldTrip = true
	case CircuitClosed:
		shouldTrip = errorsNow >= l.cfg.LoopErrorThreshold
	}

	if !shouldTrip {
		l.mu.Unlock()
		return
	}

	l.circuit = CircuitOpen
	l.trippedAt = time.Now()
	if l.state == LoopRunning {
		l.state = LoopPaused
		l.pausedByTrip = true
	}
	if l.cooldownTimer != nil {
		l.cooldownTimer.Stop()
	}
	l.cooldownTimer = time.AfterFunc(l.cfg.LoopCooldown(), l.onCooldownElapsed)
	l.mu.Unlock()

	l.logger.Warn("circuit tripped", zap.Int("consecutive_errors", errorsNow))
	l.publish(events.CircuitTripped, map[string]interface{}{"consecutive_errors": errorsNow})
}

func (l *AutonomousLoop) recordSuccess() {
	l.mu.Lock()
	wasHalfOpen := l.circuit == CircuitHalfOpen
	l.circuit = CircuitClosed
	l.consecErrors = 0
	l.trippedAt = time.Time{}
	l.mu.Unlock()

	if wasHalfOpen {
		l.logger.Info("circuit closed after successful probe task")
		l.publish(events.CircuitReset, map[string]interface{}{"forced": false})
	}
}

func (l *AutonomousLoop) onCooldownElapsed() {
	l.mu.Lock()
	if l.circuit != CircuitOpen {
		l.mu.Unlock()
		return
	}
	l.circuit = CircuitHalfOpen
	if l.state == LoopPaused && l.pausedByTrip {
		l.state = LoopRunning
		l.pausedByTrip = false
		l.wake()
	}
	l.mu.Unlock()

	l.logger.Info("circuit half-open after cooldown")
}

// wake nudges the run loop without waiting for the next poll tick.
// Callers hold l.mu.
func (l *AutonomousLoop) wake() {
	select {
	case l.wakeCh <- struct{}{}:
	default:
	}
}

func (l *AutonomousLoop) publish(eventType string, data map[string]interface{}) {
	if l.eventBus == nil {
		return
	}
	event := bus.NewEvent(eventType, "autonomous-loop", data)
	if err := l.eventBus.Publish(context.Background(), eventType, event); err != nil {
		l.logger.Warn("failed to publish loop event",
			zap.String("type", eventType), zap.Error(err))
	}
}
