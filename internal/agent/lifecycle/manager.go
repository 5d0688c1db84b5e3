package lifecycle

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kynetic/kbot/internal/agent/acp"
	"github.com/kynetic/kbot/internal/common/config"
	"github.com/kynetic/kbot/internal/common/logger"
	"github.com/kynetic/kbot/internal/events"
	"github.com/kynetic/kbot/internal/events/bus"
)

// Agent lifecycle states.
type AgentState string

const (
	AgentIdle        AgentState = "idle"
	AgentSpawning    AgentState = "spawning"
	AgentHealthy     AgentState = "healthy"
	AgentUnhealthy   AgentState = "unhealthy"
	AgentStopping    AgentState = "stopping"
	AgentTerminating AgentState = "terminating"
	AgentFailed      AgentState = "failed"
)

// AgentCheckpoint is an in-memory snapshot of the manager's recovery
// state. Serializable, persisted only if the caller chooses to.
type AgentCheckpoint struct {
	State               AgentState `json:"state" yaml:"state"`
	ConsecutiveFailures int        `json:"consecutive_failures" yaml:"consecutive_failures"`
	CurrentBackoffMs    int64      `json:"current_backoff_ms" yaml:"current_backoff_ms"`
}

// Manager owns the agent subprocess: spawn serialization, health
// probing, and crash recovery with backoff. When recovery exhausts the
// backoff ceiling it escalates instead of looping forever.
type Manager struct {
	cfg      config.AgentConfig
	factory  ProcFactory
	eventBus bus.EventBus
	logger   *logger.Logger

	spawnSlots chan struct{}
	queueMu    sync.Mutex
	queueLen   int

	mu             sync.Mutex
	state          AgentState
	proc           Proc
	probeFailures  int
	currentBackoff time.Duration
	spawnFailures  int
	monitorStop    chan struct{}
}

// NewManager creates an agent lifecycle manager. factory may be nil, in
// which case the real subprocess factory is used.
func NewManager(cfg config.AgentConfig, factory ProcFactory, eventBus bus.EventBus, log *logger.Logger) *Manager {
	if factory == nil {
		factory = SpawnProc
	}
	slots := cfg.MaxConcurrentSpawns
	if slots <= 0 {
		slots = 1
	}
	return &Manager{
		cfg:            cfg,
		factory:        factory,
		eventBus:       eventBus,
		logger:         log.WithFields(zap.String("component", "agent-lifecycle")),
		spawnSlots:     make(chan struct{}, slots),
		state:          AgentIdle,
		currentBackoff: cfg.MinBackoff(),
	}
}

// State returns the current lifecycle state.
func (m *Manager) State() AgentState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Client returns the ACP client of the running agent, or nil.
func (m *Manager) Client() *acp.Client {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.proc == nil {
		return nil
	}
	return m.proc.Client()
}

// Stderr returns the stderr buffer of the running agent, or nil.
func (m *Manager) Stderr() *StderrBuffer {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.proc == nil {
		return nil
	}
	return m.proc.Stderr()
}

// Subscribe opens a stderr line stream on whichever process is current.
// The buffer is resolved per call, so subscribers keep working after a
// respawn. With no process running the stream is already closed.
func (m *Manager) Subscribe() (<-chan string, func()) {
	buf := m.Stderr()
	if buf == nil {
		ch := make(chan string)
		close(ch)
		return ch, func() {}
	}
	return buf.Subscribe()
}

// Spawn starts the agent subprocess. Permitted only from idle,
// unhealthy, or failed. Concurrent callers beyond the spawn limit wait
// in FIFO order.
func (m *Manager) Spawn(extraEnv map[string]string) error {
	m.mu.Lock()
	switch m.state {
	case AgentIdle, AgentUnhealthy, AgentFailed:
	default:
		state := m.state
		m.mu.Unlock()
		return fmt.Errorf("cannot spawn from state %s", state)
	}
	m.mu.Unlock()

	m.acquireSpawnSlot()
	defer func() { <-m.spawnSlots }()

	return m.doSpawn(extraEnv)
}

func (m *Manager) acquireSpawnSlot() {
	select {
	case m.spawnSlots <- struct{}{}:
		return
	default:
	}

	m.queueMu.Lock()
	m.queueLen++
	depth := m.queueLen
	m.queueMu.Unlock()

	m.publish(events.AgentSpawnQueued, map[string]interface{}{"queue_length": depth})
	m.logger.Info("spawn request queued", zap.Int("queue_length", depth))

	m.spawnSlots <- struct{}{}

	m.queueMu.Lock()
	m.queueLen--
	m.queueMu.Unlock()
}

func (m *Manager) doSpawn(extraEnv map[string]string) error {
	m.setState(AgentSpawning)

	// Defaults first, caller overrides win.
	env := map[string]string{
		"KYNETIC_MANAGED_AGENT": "1",
		"KYNETIC_AGENT_WORKDIR": m.cfg.WorkDir,
	}
	for k, v := range extraEnv {
		env[k] = v
	}

	p, err := m.factory(m.cfg, env, m.logger)
	if err != nil {
		m.setState(AgentFailed)
		return fmt.Errorf("agent spawn failed: %w", err)
	}

	m.mu.Lock()
	m.proc = p
	m.probeFailures = 0
	m.monitorStop = make(chan struct{})
	stop := m.monitorStop
	m.mu.Unlock()

	m.setState(AgentHealthy)

	go m.monitor(p, stop)
	go m.watchExit(p, stop)
	return nil
}

// Stop shuts the agent down gracefully, escalating to a hard kill after
// the shutdown timeout. Idempotent from idle.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	if m.state == AgentIdle || m.proc == nil {
		m.state = AgentIdle
		m.mu.Unlock()
		return nil
	}
	p := m.proc
	m.state = AgentStopping
	m.stopMonitorLocked()
	m.mu.Unlock()

	stopCtx, cancel := context.WithTimeout(ctx, m.cfg.ShutdownTimeout())
	defer cancel()
	err := p.Stop(stopCtx)

	m.mu.Lock()
	m.proc = nil
	m.state = AgentIdle
	m.mu.Unlock()

	m.publish(events.AgentShutdownComplete, map[string]interface{}{"forced": false})
	return err
}

// Kill hard-kills the agent from any state. Always emits the shutdown
// completion event.
func (m *Manager) Kill() {
	m.mu.Lock()
	p := m.proc
	m.state = AgentTerminating
	m.stopMonitorLocked()
	m.mu.Unlock()

	if p != nil {
		p.Kill()
		<-p.Done()
	}

	m.mu.Lock()
	m.proc = nil
	m.state = AgentIdle
	m.mu.Unlock()

	m.publish(events.AgentShutdownComplete, map[string]interface{}{"forced": true})
}

// GetCheckpoint snapshots the recovery state.
func (m *Manager) GetCheckpoint() AgentCheckpoint {
	m.mu.Lock()
	defer m.mu.Unlock()
	return AgentCheckpoint{
		State:               m.state,
		ConsecutiveFailures: m.spawnFailures,
		CurrentBackoffMs:    m.currentBackoff.Milliseconds(),
	}
}

// RestoreFromCheckpoint applies a snapshot. Accepted only from idle.
func (m *Manager) RestoreFromCheckpoint(cp AgentCheckpoint) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != AgentIdle {
		return false
	}
	m.spawnFailures = cp.ConsecutiveFailures
	if cp.CurrentBackoffMs > 0 {
		m.currentBackoff = time.Duration(cp.CurrentBackoffMs) * time.Millisecond
	}
	return true
}

// monitor probes the agent every health interval. A probe passes iff
// the process runs and the ACP client is reachable.
func (m *Manager) monitor(p Proc, stop <-chan struct{}) {
	ticker := time.NewTicker(m.cfg.HealthCheckInterval())
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			m.runProbe(p)
		}
	}
}

func (m *Manager) runProbe(p Proc) {
	pass := p.Running() && p.Reachable()

	m.mu.Lock()
	prevState := m.state
	if pass {
		m.probeFailures = 0
		if prevState == AgentUnhealthy {
			m.state = AgentHealthy
		}
	} else {
		m.probeFailures++
		if m.probeFailures >= m.cfg.FailureThreshold && prevState == AgentHealthy {
			m.state = AgentUnhealthy
		}
	}
	newState := m.state
	failures := m.probeFailures
	m.mu.Unlock()

	if prevState == AgentHealthy && newState == AgentUnhealthy {
		m.logger.Warn("agent unhealthy", zap.Int("consecutive_failures", failures))
		m.publish(events.AgentHealthStatus, map[string]interface{}{
			"healthy":   false,
			"recovered": false,
		})
	}
	if prevState == AgentUnhealthy && newState == AgentHealthy {
		m.logger.Info("agent recovered")
		m.publish(events.AgentHealthStatus, map[string]interface{}{
			"healthy":   true,
			"recovered": true,
		})
	}
}

// watchExit handles the unexpected-exit path: anything that dies while
// we are not stopping it gets recovered with backoff.
func (m *Manager) watchExit(p Proc, stop <-chan struct{}) {
	select {
	case <-stop:
		return
	case <-p.Done():
	}

	m.mu.Lock()
	if m.state == AgentStopping || m.state == AgentTerminating || m.proc != p {
		m.mu.Unlock()
		return
	}
	m.proc = nil
	m.state = AgentFailed
	backoff := m.currentBackoff
	m.stopMonitorLocked()
	m.mu.Unlock()

	m.logger.Warn("agent exited unexpectedly",
		zap.Int("code", p.ExitCode()),
		zap.Duration("backoff", backoff))

	// Kill any residue before respawning.
	p.Kill()

	time.Sleep(backoff)

	m.mu.Lock()
	atCeiling := m.currentBackoff >= m.cfg.MaxBackoff()
	m.currentBackoff *= 2
	if m.currentBackoff > m.cfg.MaxBackoff() {
		m.currentBackoff = m.cfg.MaxBackoff()
	}
	m.spawnFailures++
	failures := m.spawnFailures
	m.mu.Unlock()

	if err := m.Spawn(nil); err != nil {
		if atCeiling {
			m.escalate("agent recovery exhausted backoff", map[string]interface{}{
				"failures":    failures,
				"last_error":  err.Error(),
				"stderr_tail": p.Stderr().Tail(20),
			})
			return
		}
		m.logger.Error("agent respawn failed", zap.Error(err))
		return
	}

	// Successful recovery resets the backoff.
	m.mu.Lock()
	m.currentBackoff = m.cfg.MinBackoff()
	m.spawnFailures = 0
	m.mu.Unlock()
}

func (m *Manager) escalate(reason string, context map[string]interface{}) {
	m.mu.Lock()
	m.state = AgentFailed
	m.mu.Unlock()

	m.logger.Error("escalating agent failure", zap.String("reason", reason))
	m.publish(events.AgentEscalate, map[string]interface{}{
		"reason":     reason,
		"context":    context,
		"checkpoint": m.GetCheckpoint(),
	})
}

func (m *Manager) stopMonitorLocked() {
	if m.monitorStop != nil {
		close(m.monitorStop)
		m.monitorStop = nil
	}
}

func (m *Manager) setState(state AgentState) {
	m.mu.Lock()
	m.state = state
	m.mu.Unlock()
	m.logger.Debug("agent state", zap.String("state", string(state)))
}

func (m *Manager) publish(eventType string, data map[string]interface{}) {
	if m.eventBus == nil {
		return
	}
	event := bus.NewEvent(eventType, "agent-lifecycle", data)
	if err := m.eventBus.Publish(context.Background(), eventType, event); err != nil {
		m.logger.Warn("failed to publish lifecycle event",
			zap.String("type", eventType), zap.Error(err))
	}
}
