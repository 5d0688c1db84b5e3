package lifecycle

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kynetic/kbot/internal/agent/acp"
	"github.com/kynetic/kbot/internal/common/config"
	"github.com/kynetic/kbot/internal/common/logger"
	"github.com/kynetic/kbot/internal/events/bus"
)

// fakeProc stands in for the agent subprocess.
type fakeProc struct {
	mu        sync.Mutex
	running   bool
	reachable bool
	exitCode  int
	killed    bool
	stderr    *StderrBuffer
	done      chan struct{}
	doneOnce  sync.Once
}

func newFakeProc() *fakeProc {
	return &fakeProc{
		running:   true,
		reachable: true,
		stderr:    NewStderrBuffer(100),
		done:      make(chan struct{}),
	}
}

func (p *fakeProc) Client() *acp.Client   { return nil }
func (p *fakeProc) Stderr() *StderrBuffer { return p.stderr }
func (p *fakeProc) Done() <-chan struct{} { return p.done }

func (p *fakeProc) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

func (p *fakeProc) Reachable() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.reachable
}

func (p *fakeProc) ExitCode() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitCode
}

func (p *fakeProc) Stop(ctx context.Context) error {
	p.exit(0)
	return nil
}

func (p *fakeProc) Kill() {
	p.mu.Lock()
	p.killed = true
	p.mu.Unlock()
	p.exit(-1)
}

func (p *fakeProc) setReachable(v bool) {
	p.mu.Lock()
	p.reachable = v
	p.mu.Unlock()
}

func (p *fakeProc) exit(code int) {
	p.mu.Lock()
	p.running = false
	p.exitCode = code
	p.mu.Unlock()
	p.doneOnce.Do(func() { close(p.done) })
}

// countingFactory records spawned procs and can fail on demand.
type countingFactory struct {
	mu    sync.Mutex
	procs []*fakeProc
	errs  []error
}

func (f *countingFactory) factory(cfg config.AgentConfig, extraEnv map[string]string, log *logger.Logger) (Proc, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.errs) > len(f.procs) {
		if err := f.errs[len(f.procs)]; err != nil {
			f.procs = append(f.procs, nil)
			return nil, err
		}
	}
	p := newFakeProc()
	f.procs = append(f.procs, p)
	return p, nil
}

func (f *countingFactory) spawnCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.procs)
}

func (f *countingFactory) proc(i int) *fakeProc {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.procs[i]
}

func agentConfig() config.AgentConfig {
	return config.AgentConfig{
		Command:              []string{"agent"},
		WorkDir:              "/tmp",
		MaxConcurrentSpawns:  1,
		ShutdownTimeoutS:     1,
		HealthCheckIntervalS: 60,
		FailureThreshold:     3,
		MinBackoffMs:         10,
		MaxBackoffMs:         40,
		LoopPollIntervalMs:   10,
		LoopErrorThreshold:   3,
		LoopCooldownMs:       1000,
	}
}

func collectAgentEvents(t *testing.T, eventBus bus.EventBus, pattern string) <-chan *bus.Event {
	t.Helper()
	ch := make(chan *bus.Event, 32)
	_, err := eventBus.Subscribe(pattern, func(ctx context.Context, event *bus.Event) error {
		ch <- event
		return nil
	})
	require.NoError(t, err)
	return ch
}

func waitForEvent(t *testing.T, ch <-chan *bus.Event, eventType string) *bus.Event {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case event := <-ch:
			if event.Type == eventType {
				return event
			}
		case <-deadline:
			t.Fatalf("timeout waiting for event %s", eventType)
		}
	}
}

func TestManager_SpawnAndStop(t *testing.T) {
	f := &countingFactory{}
	eventBus := bus.NewMemoryEventBus(newTestLogger(t))
	defer eventBus.Close()
	ch := collectAgentEvents(t, eventBus, "agent.*")

	m := NewManager(agentConfig(), f.factory, eventBus, newTestLogger(t))
	require.Equal(t, AgentIdle, m.State())

	require.NoError(t, m.Spawn(nil))
	assert.Equal(t, AgentHealthy, m.State())
	assert.Equal(t, 1, f.spawnCount())

	require.NoError(t, m.Stop(context.Background()))
	assert.Equal(t, AgentIdle, m.State())

	event := waitForEvent(t, ch, "agent.shutdown.complete")
	assert.Equal(t, false, event.Data["forced"])
}

func TestManager_SpawnRejectedWhileHealthy(t *testing.T) {
	f := &countingFactory{}
	m := NewManager(agentConfig(), f.factory, nil, newTestLogger(t))

	require.NoError(t, m.Spawn(nil))
	err := m.Spawn(nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "healthy")
}

func TestManager_SpawnQueueEmitsDepth(t *testing.T) {
	f := &countingFactory{}
	eventBus := bus.NewMemoryEventBus(newTestLogger(t))
	defer eventBus.Close()
	ch := collectAgentEvents(t, eventBus, "agent.*")

	m := NewManager(agentConfig(), f.factory, eventBus, newTestLogger(t))

	// Hold the only slot so the next request has to queue.
	m.spawnSlots <- struct{}{}

	acquired := make(chan struct{})
	go func() {
		m.acquireSpawnSlot()
		close(acquired)
	}()

	event := waitForEvent(t, ch, "agent.spawn.queued")
	assert.Equal(t, 1, event.Data["queue_length"])

	<-m.spawnSlots
	select {
	case <-acquired:
	case <-time.After(2 * time.Second):
		t.Fatal("queued spawn never acquired the freed slot")
	}
	<-m.spawnSlots
}

func TestManager_KillEmitsForcedShutdown(t *testing.T) {
	f := &countingFactory{}
	eventBus := bus.NewMemoryEventBus(newTestLogger(t))
	defer eventBus.Close()
	ch := collectAgentEvents(t, eventBus, "agent.*")

	m := NewManager(agentConfig(), f.factory, eventBus, newTestLogger(t))
	require.NoError(t, m.Spawn(nil))

	m.Kill()
	assert.Equal(t, AgentIdle, m.State())
	assert.True(t, f.proc(0).killed)

	event := waitForEvent(t, ch, "agent.shutdown.complete")
	assert.Equal(t, true, event.Data["forced"])
}

func TestManager_ProbeTransitions(t *testing.T) {
	cfg := agentConfig()
	f := &countingFactory{}
	eventBus := bus.NewMemoryEventBus(newTestLogger(t))
	defer eventBus.Close()
	ch := collectAgentEvents(t, eventBus, "agent.*")

	m := NewManager(cfg, f.factory, eventBus, newTestLogger(t))
	require.NoError(t, m.Spawn(nil))
	p := f.proc(0)

	// Failures below the threshold keep the agent healthy.
	p.setReachable(false)
	m.runProbe(p)
	m.runProbe(p)
	assert.Equal(t, AgentHealthy, m.State())

	m.runProbe(p)
	assert.Equal(t, AgentUnhealthy, m.State())
	event := waitForEvent(t, ch, "agent.health.status")
	assert.Equal(t, false, event.Data["healthy"])

	// One passing probe recovers.
	p.setReachable(true)
	m.runProbe(p)
	assert.Equal(t, AgentHealthy, m.State())
	event = waitForEvent(t, ch, "agent.health.status")
	assert.Equal(t, true, event.Data["healthy"])
	assert.Equal(t, true, event.Data["recovered"])
}

func TestManager_RecoversFromUnexpectedExit(t *testing.T) {
	f := &countingFactory{}
	m := NewManager(agentConfig(), f.factory, nil, newTestLogger(t))
	require.NoError(t, m.Spawn(nil))

	f.proc(0).exit(1)

	require.Eventually(t, func() bool {
		return f.spawnCount() == 2 && m.State() == AgentHealthy
	}, 5*time.Second, 10*time.Millisecond)

	// Successful recovery resets the backoff.
	cp := m.GetCheckpoint()
	assert.Equal(t, 0, cp.ConsecutiveFailures)
	assert.Equal(t, int64(10), cp.CurrentBackoffMs)
}

func TestManager_StderrFollowsRespawn(t *testing.T) {
	f := &countingFactory{}
	m := NewManager(agentConfig(), f.factory, nil, newTestLogger(t))
	require.NoError(t, m.Spawn(nil))

	lines, cancel := m.Subscribe()
	f.proc(0).stderr.Add("before crash")
	select {
	case line := <-lines:
		assert.Equal(t, "before crash", line)
	case <-time.After(2 * time.Second):
		t.Fatal("no stderr line from first process")
	}
	cancel()

	f.proc(0).exit(1)
	require.Eventually(t, func() bool {
		return f.spawnCount() == 2 && m.State() == AgentHealthy
	}, 5*time.Second, 10*time.Millisecond)

	// A new subscription resolves to the replacement process.
	lines, cancel = m.Subscribe()
	defer cancel()
	f.proc(1).stderr.Add("after respawn")
	select {
	case line := <-lines:
		assert.Equal(t, "after respawn", line)
	case <-time.After(2 * time.Second):
		t.Fatal("no stderr line from respawned process")
	}
}

func TestManager_EscalatesWhenRecoveryExhausted(t *testing.T) {
	cfg := agentConfig()
	cfg.MinBackoffMs = 10
	cfg.MaxBackoffMs = 10 // ceiling immediately

	spawnErr := errors.New("binary missing")
	f := &countingFactory{errs: []error{nil, spawnErr}}
	eventBus := bus.NewMemoryEventBus(newTestLogger(t))
	defer eventBus.Close()
	ch := collectAgentEvents(t, eventBus, "agent.*")

	m := NewManager(cfg, f.factory, eventBus, newTestLogger(t))
	require.NoError(t, m.Spawn(nil))

	f.proc(0).stderr.Add("fatal: something broke")
	f.proc(0).exit(2)

	event := waitForEvent(t, ch, "agent.escalate")
	assert.Equal(t, "agent recovery exhausted backoff", event.Data["reason"])

	evCtx, ok := event.Data["context"].(map[string]interface{})
	require.True(t, ok)
	assert.Contains(t, evCtx["stderr_tail"], "fatal: something broke")
	assert.Equal(t, AgentFailed, m.State())
}

func TestManager_CheckpointRestoreOnlyFromIdle(t *testing.T) {
	f := &countingFactory{}
	m := NewManager(agentConfig(), f.factory, nil, newTestLogger(t))

	cp := AgentCheckpoint{State: AgentFailed, ConsecutiveFailures: 4, CurrentBackoffMs: 8000}
	require.True(t, m.RestoreFromCheckpoint(cp))

	got := m.GetCheckpoint()
	assert.Equal(t, 4, got.ConsecutiveFailures)
	assert.Equal(t, int64(8000), got.CurrentBackoffMs)

	require.NoError(t, m.Spawn(nil))
	assert.False(t, m.RestoreFromCheckpoint(cp))
}

func TestManager_StopIsIdempotent(t *testing.T) {
	f := &countingFactory{}
	m := NewManager(agentConfig(), f.factory, nil, newTestLogger(t))

	require.NoError(t, m.Stop(context.Background()))
	require.NoError(t, m.Spawn(nil))
	require.NoError(t, m.Stop(context.Background()))
	require.NoError(t, m.Stop(context.Background()))
	assert.Equal(t, AgentIdle, m.State())
}
