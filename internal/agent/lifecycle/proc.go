package lifecycle

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"

	"go.uber.org/zap"

	"github.com/kynetic/kbot/internal/agent/acp"
	"github.com/kynetic/kbot/internal/common/config"
	"github.com/kynetic/kbot/internal/common/logger"
)

const stderrBufferSize = 2000

// Proc is one run of the agent subprocess with its ACP client attached.
type Proc interface {
	Client() *acp.Client
	Stderr() *StderrBuffer
	Running() bool
	Reachable() bool
	Done() <-chan struct{}
	ExitCode() int
	Stop(ctx context.Context) error
	Kill()
}

// ProcFactory spawns a Proc. Swappable for tests.
type ProcFactory func(cfg config.AgentConfig, extraEnv map[string]string, log *logger.Logger) (Proc, error)

// proc wires the agent's stdio to an ACP connection and its stderr to
// the ring buffer.
type proc struct {
	cmd    *exec.Cmd
	client *acp.Client
	stderr *StderrBuffer
	logger *logger.Logger

	exitCode atomic.Int32
	running  atomic.Bool
	done     chan struct{}
	stopOnce sync.Once
}

// SpawnProc starts the configured agent command. The first element of
// cfg.Command is the binary, the rest its arguments.
func SpawnProc(cfg config.AgentConfig, extraEnv map[string]string, log *logger.Logger) (Proc, error) {
	if len(cfg.Command) == 0 {
		return nil, fmt.Errorf("no agent command configured")
	}

	plog := log.WithFields(zap.String("component", "agent-proc"))

	cmd := exec.Command(cfg.Command[0], cfg.Command[1:]...)
	cmd.Dir = cfg.WorkDir
	cmd.Env = mergeEnv(os.Environ(), extraEnv)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start agent: %w", err)
	}

	p := &proc{
		cmd:    cmd,
		stderr: NewStderrBuffer(stderrBufferSize),
		logger: plog,
		done:   make(chan struct{}),
	}
	p.running.Store(true)
	p.exitCode.Store(-1)

	conn := acp.NewConn(stdin, stdout, log)
	p.client = acp.NewClient(conn, log)

	go p.readStderr(stderr)
	go p.waitForExit()

	plog.Info("agent process started",
		zap.Int("pid", cmd.Process.Pid),
		zap.Strings("command", cfg.Command))
	return p, nil
}

func (p *proc) Client() *acp.Client   { return p.client }
func (p *proc) Stderr() *StderrBuffer { return p.stderr }
func (p *proc) Running() bool         { return p.running.Load() }
func (p *proc) Reachable() bool       { return p.client.Reachable() }
func (p *proc) Done() <-chan struct{} { return p.done }
func (p *proc) ExitCode() int         { return int(p.exitCode.Load()) }

// Stop terminates gracefully: SIGTERM, then a hard kill when ctx
// expires before the process exits.
func (p *proc) Stop(ctx context.Context) error {
	if !p.Running() {
		return nil
	}

	p.stopOnce.Do(func() {
		p.client.Close()
		if err := p.cmd.Process.Signal(syscall.SIGTERM); err != nil {
			p.logger.Warn("failed to signal agent", zap.Error(err))
		}
	})

	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		p.logger.Warn("agent did not exit in time, killing")
		p.Kill()
		<-p.done
		return nil
	}
}

// Kill hard-kills the process.
func (p *proc) Kill() {
	if p.cmd.Process != nil {
		_ = p.cmd.Process.Kill()
	}
}

func (p *proc) readStderr(r interface{ Read([]byte) (int, error) }) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		p.stderr.Add(scanner.Text())
	}
}

func (p *proc) waitForExit() {
	err := p.cmd.Wait()

	code := 0
	if err != nil {
		code = 1
		if exitErr, ok := err.(*exec.ExitError); ok {
			code = exitErr.ExitCode()
		}
	}
	p.exitCode.Store(int32(code))
	p.running.Store(false)
	p.client.Close()
	close(p.done)

	p.logger.Info("agent process exited", zap.Int("code", code))
}

func mergeEnv(base []string, extra map[string]string) []string {
	env := append([]string{}, base...)
	for k, v := range extra {
		env = append(env, k+"="+v)
	}
	return env
}
