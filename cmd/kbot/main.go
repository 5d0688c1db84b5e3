// Package main is the kbot entry point. The same binary runs twice: as
// the supervisor parent, and re-exec'd with --child as the bot process
// that owns the agent subprocess and the memory stores.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kynetic/kbot/internal/agent/acp"
	agentlifecycle "github.com/kynetic/kbot/internal/agent/lifecycle"
	"github.com/kynetic/kbot/internal/bot"
	"github.com/kynetic/kbot/internal/common/config"
	"github.com/kynetic/kbot/internal/common/logger"
	"github.com/kynetic/kbot/internal/events"
	"github.com/kynetic/kbot/internal/memory"
	"github.com/kynetic/kbot/internal/session"
	"github.com/kynetic/kbot/internal/shadow"
	"github.com/kynetic/kbot/internal/supervisor"
	"github.com/kynetic/kbot/pkg/acp/jsonrpc"
)

const version = "0.1.0"

func main() {
	var (
		configPath     = flag.String("config", "", "path to config file")
		childMode      = flag.Bool("child", false, "run as the supervised bot process")
		childPath      = flag.String("child-path", "", "override the child executable")
		checkpointPath = flag.String("checkpoint", "", "checkpoint file to wake from")
	)
	flag.Parse()

	cfg, err := config.LoadWithPath(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if *childPath != "" {
		cfg.Supervisor.ChildPath = *childPath
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *childMode {
		os.Exit(runBot(ctx, cfg, *checkpointPath, log))
	}
	os.Exit(runSupervisor(ctx, cfg, *checkpointPath, log))
}

func runSupervisor(ctx context.Context, cfg *config.Config, checkpointPath string, log *logger.Logger) int {
	provided, cleanup, err := events.Provide(cfg, log)
	if err != nil {
		log.Error("event bus unavailable", zap.Error(err))
		return 1
	}
	defer func() { _ = cleanup() }()

	childArgs := []string{"--child"}
	if checkpointPath != "" {
		childArgs = append(childArgs, "--checkpoint", checkpointPath)
	}

	sup := supervisor.New(cfg, childArgs, provided.Bus, log)
	return sup.Run(ctx)
}

func runBot(ctx context.Context, cfg *config.Config, checkpointPath string, log *logger.Logger) int {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		log.Error("failed to create data directory", zap.Error(err))
		return 1
	}

	provided, cleanup, err := events.Provide(cfg, log)
	if err != nil {
		log.Error("event bus unavailable", zap.Error(err))
		return 1
	}
	defer func() { _ = cleanup() }()
	eventBus := provided.Bus

	// Memory layer.
	sessionStore := memory.NewSessionStore(cfg.DataDir, log)
	convStore := memory.NewConversationStore(cfg.DataDir, eventBus, log)
	reconstructor := memory.NewTurnReconstructor(sessionStore, eventBus, log)

	// Session layer.
	sessions := session.NewLifecycleManager(cfg.Session, sessionStore, eventBus, log)
	usage := session.NewUsageTracker(cfg.Usage, eventBus, log)
	summarizer := session.NewToolSummarizer()
	selector := session.NewTurnSelector(cfg.Restore, reconstructor, summarizer, log)
	restorer := session.NewContextRestorer(cfg.Restore, cfg.DataDir, selector, summarizer, nil, log)

	// Agent subprocess.
	manager := agentlifecycle.NewManager(cfg.Agent, nil, eventBus, log)
	if err := manager.Spawn(nil); err != nil {
		log.Error("failed to spawn agent", zap.Error(err))
		return 1
	}
	defer manager.Kill()

	conn := &managedConn{manager: manager}
	initCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	if _, err := manager.Client().Initialize(initCtx, "kbot", version); err != nil {
		cancel()
		log.Error("acp handshake failed", zap.Error(err))
		return 1
	}
	cancel()

	// Escalations.
	escalations := agentlifecycle.NewEscalationHandler(cfg.Escalation, eventBus, nil, log)
	if err := escalations.Start(); err != nil {
		log.Error("failed to start escalation handler", zap.Error(err))
		return 1
	}
	defer escalations.Stop()

	// Shadow durability, best effort: a data dir outside a git repo just
	// runs without the shadow branch.
	var scheduler *shadow.Scheduler
	if cfg.Shadow.Enabled {
		repoRoot := filepath.Dir(cfg.DataDir)
		store := shadow.NewStore(cfg.Shadow, repoRoot, eventBus, log)
		if err := store.Init(ctx); err != nil {
			log.Warn("shadow store disabled", zap.Error(err))
		} else {
			scheduler = shadow.NewScheduler(cfg.Shadow, store, log)
			scheduler.Start()
		}
	}

	b := bot.New(bot.Deps{
		Config:       cfg,
		AgentType:    agentType(cfg),
		Agent:        conn,
		Stderr:       manager,
		Sessions:     sessions,
		Usage:        usage,
		Restorer:     restorer,
		SessionStore: sessionStore,
		ConvStore:    convStore,
		Shadow:       scheduler,
		EventBus:     eventBus,
		Logger:       log,
	})
	_ = b // platform adapters register against the bot at deploy time

	// Supervised children wake from their checkpoint and keep the IPC
	// channel open for planned restarts.
	var ipc *supervisor.ChildIPC
	if supervisor.Supervised() {
		ipc = supervisor.NewChildIPC()
		defer ipc.Close()
	}
	if checkpointPath == "" {
		checkpointPath = os.Getenv("CHECKPOINT_PATH")
	}
	if checkpointPath != "" {
		wakeFromCheckpoint(ctx, cfg, checkpointPath, conn, log)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-gctx.Done()
		return nil
	})

	log.Info("bot running",
		zap.String("data_dir", cfg.DataDir),
		zap.Bool("supervised", supervisor.Supervised()))
	_ = g.Wait()

	// Orderly teardown: flush the shadow batch, then stop the agent.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Agent.ShutdownTimeout())
	defer cancel()
	if scheduler != nil {
		if err := scheduler.Shutdown(shutdownCtx); err != nil {
			log.Warn("shadow flush failed", zap.Error(err))
		}
	}
	if err := manager.Stop(shutdownCtx); err != nil {
		log.Warn("agent shutdown failed", zap.Error(err))
	}
	return 0
}

// wakeFromCheckpoint replays the handoff left by the previous run as a
// system prompt on a fresh agent session.
func wakeFromCheckpoint(ctx context.Context, cfg *config.Config, path string, conn bot.AgentConn, log *logger.Logger) {
	store := supervisor.NewCheckpointStore(cfg.CheckpointDir(), cfg.Supervisor.CheckpointTTL(), log)
	cp, err := store.Load(path)
	if err != nil {
		log.Warn("checkpoint unusable, starting cold",
			zap.String("path", path), zap.Error(err))
		return
	}

	var sb strings.Builder
	sb.WriteString(cp.WakeContext.Prompt)
	if cp.WakeContext.PendingWork != "" {
		sb.WriteString("\n\nPending work:\n" + cp.WakeContext.PendingWork)
	}
	if cp.WakeContext.Instructions != "" {
		sb.WriteString("\n\nInstructions:\n" + cp.WakeContext.Instructions)
	}

	wakeCtx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()

	sessionID, err := conn.NewSession(wakeCtx, cfg.Agent.WorkDir)
	if err != nil {
		log.Warn("wake session creation failed", zap.Error(err))
		return
	}
	if _, err := conn.Prompt(wakeCtx, sessionID, "system", sb.String()); err != nil {
		log.Warn("wake prompt failed", zap.Error(err))
		return
	}
	log.Info("woke from checkpoint",
		zap.String("restart_reason", cp.RestartReason),
		zap.String("session_id", cp.SessionID))
}

// managedConn routes ACP calls to whichever client the lifecycle
// manager currently owns, surviving agent respawns.
type managedConn struct {
	manager *agentlifecycle.Manager

	mu      sync.Mutex
	handler func(update jsonrpc.SessionUpdateParams)
	bound   *acp.Client
}

func (c *managedConn) client() (*acp.Client, error) {
	cl := c.manager.Client()
	if cl == nil {
		return nil, fmt.Errorf("agent is not running")
	}
	c.mu.Lock()
	if cl != c.bound {
		if c.handler != nil {
			cl.SetUpdateHandler(c.handler)
		}
		c.bound = cl
	}
	c.mu.Unlock()
	return cl, nil
}

func (c *managedConn) NewSession(ctx context.Context, cwd string) (string, error) {
	cl, err := c.client()
	if err != nil {
		return "", err
	}
	return cl.NewSession(ctx, cwd)
}

func (c *managedConn) Prompt(ctx context.Context, sessionID, role, text string) (*jsonrpc.SessionPromptResult, error) {
	cl, err := c.client()
	if err != nil {
		return nil, err
	}
	return cl.Prompt(ctx, sessionID, role, text)
}

func (c *managedConn) SetUpdateHandler(h func(update jsonrpc.SessionUpdateParams)) {
	c.mu.Lock()
	c.handler = h
	c.bound = nil
	c.mu.Unlock()
	_, _ = c.client()
}

// agentType derives the session-key agent segment from the configured
// agent command.
func agentType(cfg *config.Config) string {
	if len(cfg.Agent.Command) == 0 {
		return "agent"
	}
	return filepath.Base(cfg.Agent.Command[0])
}
