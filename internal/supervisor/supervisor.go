package supervisor

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/kynetic/kbot/internal/common/config"
	"github.com/kynetic/kbot/internal/common/logger"
	"github.com/kynetic/kbot/internal/events"
	"github.com/kynetic/kbot/internal/events/bus"
)

// State is the supervisor's lifecycle state.
type State string

const (
	StateIdle         State = "idle"
	StateSpawning     State = "spawning"
	StateRunning      State = "running"
	StateRespawning   State = "respawning"
	StateShuttingDown State = "shutting_down"
	StateTerminated   State = "terminated"
)

// Supervisor owns the child bot process: it spawns it with an IPC pipe
// pair, applies the exit policy, and respawns with exponential backoff
// after crashes. At most one child exists at any time.
type Supervisor struct {
	cfg         config.SupervisorConfig
	childArgs   []string
	checkpoints *CheckpointStore
	eventBus    bus.EventBus
	logger      *logger.Logger

	mu                sync.Mutex
	state             State
	child             *exec.Cmd
	ipcWrite          *os.File
	exitCode          int
	exited            chan struct{}
	pendingCheckpoint string

	shuttingDown atomic.Bool
}

// New creates a supervisor. childArgs are passed to every spawn, before
// any checkpoint argument.
func New(cfg *config.Config, childArgs []string, eventBus bus.EventBus, log *logger.Logger) *Supervisor {
	return &Supervisor{
		cfg:         cfg.Supervisor,
		childArgs:   childArgs,
		checkpoints: NewCheckpointStore(cfg.CheckpointDir(), cfg.Supervisor.CheckpointTTL(), log),
		eventBus:    eventBus,
		logger:      log.WithFields(zap.String("component", "supervisor")),
		state:       StateIdle,
	}
}

// Checkpoints exposes the checkpoint store.
func (s *Supervisor) Checkpoints() *CheckpointStore {
	return s.checkpoints
}

// State returns the current lifecycle state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Supervisor) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
	s.logger.Debug("supervisor state", zap.String("state", string(state)))
}

// Run drives the spawn/exit/respawn loop until a clean stop or
// shutdown. It returns the process exit code for main.
func (s *Supervisor) Run(ctx context.Context) int {
	s.checkpoints.Sweep()

	delay := s.cfg.MinBackoff()
	failures := 0

	for {
		if err := s.Spawn(); err != nil {
			s.logger.Error("child spawn failed", zap.Error(err))
			failures++
			if !s.sleepBackoff(ctx, failures, &delay) {
				return 1
			}
			continue
		}

		select {
		case <-s.exitedChan():
		case <-ctx.Done():
			_ = s.Shutdown(context.Background())
			<-s.exitedChan()
		}

		code, pending := s.collectExit()
		s.publish(events.SupervisorExit, map[string]interface{}{"code": code})

		if s.shuttingDown.Load() {
			s.setState(StateTerminated)
			return 0
		}

		if code == 0 && pending == "" {
			// Clean stop requested by the child itself.
			s.setState(StateTerminated)
			return 0
		}

		if code == 0 {
			// Planned restart: the child exited deliberately after the
			// handshake. Not a failure.
			delay = s.cfg.MinBackoff()
			failures = 0
			s.setState(StateRespawning)
			continue
		}

		// Crash path.
		if pending == "" {
			s.synthesizeCrashCheckpoint(code)
		}
		failures++
		if !s.sleepBackoff(ctx, failures, &delay) {
			return 1
		}
	}
}

// Spawn forks the child with the IPC pipe pair and any pending
// checkpoint. No-op when a child already exists.
func (s *Supervisor) Spawn() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.child != nil {
		return nil
	}
	s.state = StateSpawning

	childPath := s.cfg.ChildPath
	if childPath == "" {
		exe, err := os.Executable()
		if err != nil {
			return fmt.Errorf("failed to resolve child binary: %w", err)
		}
		childPath = exe
	}

	args := append([]string{}, s.childArgs...)
	env := append(os.Environ(),
		"SUPERVISED=1",
		fmt.Sprintf("SUPERVISOR_PID=%d", os.Getpid()),
	)
	if s.pendingCheckpoint != "" {
		args = append(args, "--checkpoint", s.pendingCheckpoint)
		env = append(env, "CHECKPOINT_PATH="+s.pendingCheckpoint)
		s.pendingCheckpoint = ""
	}

	// Pipe pair: child writes fd 3, reads fd 4.
	ipcRead, childWrite, err := pipePair()
	if err != nil {
		return err
	}
	childRead, ipcWrite, err := pipePair()
	if err != nil {
		ipcRead.Close()
		childWrite.Close()
		return err
	}

	cmd := exec.Command(childPath, args...)
	cmd.Env = env
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.ExtraFiles = []*os.File{childWrite, childRead}

	if err := cmd.Start(); err != nil {
		ipcRead.Close()
		childWrite.Close()
		childRead.Close()
		ipcWrite.Close()
		return fmt.Errorf("failed to start child: %w", err)
	}

	// Parent keeps only its own pipe ends.
	childWrite.Close()
	childRead.Close()

	s.child = cmd
	s.ipcWrite = ipcWrite
	s.exited = make(chan struct{})
	s.state = StateRunning

	s.logger.Info("child spawned",
		zap.Int("pid", cmd.Process.Pid),
		zap.String("path", childPath))
	s.publish(events.SupervisorSpawn, map[string]interface{}{"pid": cmd.Process.Pid})

	go s.readIPC(ipcRead)
	go s.waitForExit(cmd)
	return nil
}

// Shutdown terminates the child gracefully, escalating to a hard kill
// after the shutdown timeout. Idempotent.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	if !s.shuttingDown.CompareAndSwap(false, true) {
		return nil
	}
	s.setState(StateShuttingDown)

	s.mu.Lock()
	child := s.child
	exited := s.exited
	s.mu.Unlock()

	if child == nil || child.Process == nil {
		return nil
	}

	s.logger.Info("shutting down child", zap.Int("pid", child.Process.Pid))
	if err := child.Process.Signal(syscall.SIGTERM); err != nil {
		s.logger.Warn("failed to signal child", zap.Error(err))
	}

	timer := time.NewTimer(s.cfg.ShutdownTimeout())
	defer timer.Stop()

	select {
	case <-exited:
		return nil
	case <-ctx.Done():
	case <-timer.C:
	}

	s.logger.Warn("child did not exit in time, killing", zap.Int("pid", child.Process.Pid))
	if err := child.Process.Kill(); err != nil {
		s.logger.Error("failed to kill child", zap.Error(err))
	}
	<-exited
	return nil
}

func (s *Supervisor) waitForExit(cmd *exec.Cmd) {
	err := cmd.Wait()

	code := 0
	if err != nil {
		code = 1
		if exitErr, ok := err.(*exec.ExitError); ok {
			code = exitErr.ExitCode()
		}
	}

	s.mu.Lock()
	s.exitCode = code
	if s.ipcWrite != nil {
		s.ipcWrite.Close()
		s.ipcWrite = nil
	}
	close(s.exited)
	s.mu.Unlock()

	s.logger.Info("child exited", zap.Int("code", code))
}

func (s *Supervisor) exitedChan() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exited
}

// collectExit clears the child slot and returns the exit code plus any
// pending checkpoint path left by the planned-restart handshake.
func (s *Supervisor) collectExit() (int, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.child = nil
	return s.exitCode, s.pendingCheckpoint
}

// readIPC consumes child messages until the pipe closes. Malformed or
// unknown envelopes are dropped and reported, never fatal.
func (s *Supervisor) readIPC(r *os.File) {
	defer r.Close()

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		msg, err := ParseMessage(scanner.Bytes())
		if err != nil {
			s.logger.Warn("dropping ipc message", zap.Error(err))
			s.publish(events.SupervisorIPCError, map[string]interface{}{"error": err.Error()})
			continue
		}

		switch msg.Type {
		case MessagePlannedRestart:
			s.handlePlannedRestart(msg.Checkpoint)
		case MessageError:
			s.logger.Error("child reported error", zap.String("message", msg.Message))
		}
	}
}

func (s *Supervisor) handlePlannedRestart(checkpointPath string) {
	f, err := os.Open(checkpointPath)
	if err != nil {
		s.logger.Warn("rejecting planned restart, checkpoint unreadable",
			zap.String("path", checkpointPath), zap.Error(err))
		s.sendToChild(Message{Type: MessageError, Message: fmt.Sprintf("checkpoint unreadable: %v", err)})
		return
	}
	f.Close()

	s.mu.Lock()
	s.pendingCheckpoint = checkpointPath
	s.mu.Unlock()

	s.logger.Info("planned restart acknowledged", zap.String("checkpoint", checkpointPath))
	s.sendToChild(Message{Type: MessageRestartAck})
}

func (s *Supervisor) sendToChild(msg Message) {
	s.mu.Lock()
	w := s.ipcWrite
	s.mu.Unlock()
	if w == nil {
		return
	}
	if err := writeMessage(w, msg); err != nil {
		s.logger.Warn("failed to send ipc message", zap.Error(err))
		s.publish(events.SupervisorIPCError, map[string]interface{}{"error": err.Error()})
	}
}

func (s *Supervisor) synthesizeCrashCheckpoint(code int) {
	path, err := s.checkpoints.Save(&Checkpoint{
		RestartReason: RestartReasonCrash,
		WakeContext: WakeContext{
			Prompt: fmt.Sprintf("The bot process crashed with exit code %d and was restarted. "+
				"Review recent conversation state and resume where you left off.", code),
		},
	})
	if err != nil {
		s.logger.Error("failed to write crash checkpoint", zap.Error(err))
		return
	}
	s.mu.Lock()
	s.pendingCheckpoint = path
	s.mu.Unlock()
}

// sleepBackoff emits the respawn event, waits the current delay, and
// doubles it up to the ceiling. Returns false when ctx was cancelled.
func (s *Supervisor) sleepBackoff(ctx context.Context, failures int, delay *time.Duration) bool {
	s.setState(StateRespawning)
	s.publish(events.SupervisorRespawn, map[string]interface{}{
		"attempt":  failures,
		"delay_ms": delay.Milliseconds(),
	})
	if *delay >= s.cfg.MaxBackoff() {
		s.publish(events.SupervisorEscalation, map[string]interface{}{"failures": failures})
	}

	s.logger.Info("respawning child",
		zap.Int("attempt", failures),
		zap.Duration("delay", *delay))

	timer := time.NewTimer(*delay)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
		return false
	}

	*delay *= 2
	if *delay > s.cfg.MaxBackoff() {
		*delay = s.cfg.MaxBackoff()
	}
	return true
}

func (s *Supervisor) publish(eventType string, data map[string]interface{}) {
	if s.eventBus == nil {
		return
	}
	event := bus.NewEvent(eventType, "supervisor", data)
	if err := s.eventBus.Publish(context.Background(), eventType, event); err != nil {
		s.logger.Warn("failed to publish supervisor event",
			zap.String("type", eventType), zap.Error(err))
	}
}

func pipePair() (*os.File, *os.File, error) {
	r, w, err := os.Pipe()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create ipc pipe: %w", err)
	}
	return r, w, nil
}
