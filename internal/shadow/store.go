// Package shadow backs the on-disk memory with a git worktree on a
// dedicated orphan branch, so event history survives the process and
// can be diffed and pushed without touching the mainline working copy.
package shadow

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/kynetic/kbot/internal/common/config"
	"github.com/kynetic/kbot/internal/common/logger"
	"github.com/kynetic/kbot/internal/events"
	"github.com/kynetic/kbot/internal/events/bus"
)

// Shadow store states.
type State string

const (
	StateUninitialized State = "uninitialized"
	StateInitializing  State = "initializing"
	StateReady         State = "ready"
	StateCommitting    State = "committing"
	StateRecovering    State = "recovering"
	StateError         State = "error"
)

// Well-known id of git's empty tree; lets us root the orphan branch
// without any checkout.
const emptyTreeID = "4b825dc642cb6eb9a060e54bf8d69288fbee4904"

const worktreeDirName = ".kbot"

var (
	ErrNotGitRepo       = errors.New("shadow: not a git repository")
	ErrGitignoreDirty   = errors.New("shadow: .gitignore has uncommitted changes")
	ErrGitCommandFailed = errors.New("shadow: git command failed")
	ErrNotReady         = errors.New("shadow: store not ready")
)

// Store maintains the shadow branch and its worktree and commits the
// memory files into it. All commits go through the on-disk lock so
// multiple processes sharing one repo never race.
type Store struct {
	cfg      config.ShadowConfig
	repoRoot string
	eventBus bus.EventBus
	logger   *logger.Logger

	mu    sync.Mutex
	state State
}

// NewStore creates a shadow store rooted at the given repository.
func NewStore(cfg config.ShadowConfig, repoRoot string, eventBus bus.EventBus, log *logger.Logger) *Store {
	return &Store{
		cfg:      cfg,
		repoRoot: repoRoot,
		eventBus: eventBus,
		logger:   log.WithFields(zap.String("component", "shadow-store")),
		state:    StateUninitialized,
	}
}

// State returns the current store state.
func (s *Store) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// WorktreePath returns the shadow worktree location.
func (s *Store) WorktreePath() string {
	return filepath.Join(s.repoRoot, worktreeDirName)
}

// Init brings up the branch, worktree, and gitignore entry. If a stale
// lock from an interrupted run is found, outstanding changes are
// committed first.
func (s *Store) Init(ctx context.Context) error {
	s.setState(StateInitializing)

	if !s.isGitRepo() {
		s.setState(StateError)
		return ErrNotGitRepo
	}

	if err := s.ensureBranch(ctx); err != nil {
		s.setState(StateError)
		return err
	}
	if err := s.ensureWorktree(ctx); err != nil {
		s.setState(StateError)
		return err
	}
	if err := s.ensureGitignore(ctx); err != nil {
		s.setState(StateError)
		return err
	}

	// A leftover lock means a previous run died mid-commit.
	if _, err := os.Stat(lockPath(s.WorktreePath())); err == nil {
		s.setState(StateRecovering)
		s.logger.Warn("stale shadow lock found, recovering")
		if err := os.Remove(lockPath(s.WorktreePath())); err != nil {
			s.setState(StateError)
			return fmt.Errorf("shadow: failed to clear stale lock: %w", err)
		}
		if err := s.Commit(ctx, "Recover from interrupted operation", "recover"); err != nil && !errors.Is(err, ErrNotReady) {
			s.setState(StateError)
			return err
		}
	}

	s.setState(StateReady)
	s.logger.Info("shadow store ready",
		zap.String("branch", s.cfg.Branch),
		zap.String("worktree", s.WorktreePath()))
	return nil
}

// Commit stages everything in the worktree and commits it under the
// shadow lock. No-op when the tree is clean. Concurrent committers get
// ErrLockHeld and retry at the next scheduler tick. The operation label
// ("batch", "interval", "manual", "shutdown", "recover") rides along on
// the sync events.
func (s *Store) Commit(ctx context.Context, message, operation string) error {
	s.mu.Lock()
	switch s.state {
	case StateReady, StateError, StateRecovering:
	default:
		state := s.state
		s.mu.Unlock()
		if state == StateCommitting {
			return ErrLockHeld
		}
		return ErrNotReady
	}
	prev := s.state
	s.state = StateCommitting
	s.mu.Unlock()
	s.emitStateChange(prev, StateCommitting)

	release, err := acquireLock(s.WorktreePath())
	if err != nil {
		s.setState(StateReady)
		return err
	}

	s.publish(events.ShadowSyncStart, map[string]interface{}{
		"message":   message,
		"operation": operation,
	})

	filesChanged, err := s.commitLocked(ctx, message)
	release()

	if err != nil {
		s.setState(StateError)
		s.publish(events.ShadowSyncError, map[string]interface{}{
			"error":     err.Error(),
			"operation": operation,
		})
		return err
	}

	s.setState(StateReady)
	s.publish(events.ShadowSyncComplete, map[string]interface{}{
		"committed":    filesChanged > 0,
		"message":      message,
		"operation":    operation,
		"filesChanged": filesChanged,
	})
	return nil
}

// commitLocked stages and commits, returning how many files went into
// the commit; zero means the tree was clean and nothing was committed.
func (s *Store) commitLocked(ctx context.Context, message string) (int, error) {
	// The held lock file must never end up in the commit.
	if _, err := s.git(ctx, s.WorktreePath(), "add", "-A", "--", ".", ":(exclude)"+lockFileName); err != nil {
		return 0, err
	}

	staged, err := s.git(ctx, s.WorktreePath(), "diff", "--cached", "--name-only")
	if err != nil {
		return 0, err
	}
	files := 0
	for _, line := range strings.Split(staged, "\n") {
		if strings.TrimSpace(line) != "" {
			files++
		}
	}
	if files == 0 {
		return 0, nil
	}

	cmd := exec.CommandContext(ctx, "git", "commit", "-m", message)
	cmd.Dir = s.WorktreePath()
	cmd.Env = append(os.Environ(), "GIT_KBOT_SHADOW=1")
	if output, err := cmd.CombinedOutput(); err != nil {
		s.logger.Error("shadow commit failed",
			zap.String("output", string(output)), zap.Error(err))
		return 0, fmt.Errorf("%w: %s", ErrGitCommandFailed, strings.TrimSpace(string(output)))
	}
	return files, nil
}

func (s *Store) isGitRepo() bool {
	info, err := os.Stat(filepath.Join(s.repoRoot, ".git"))
	if err != nil {
		return false
	}
	// .git is a file in linked worktrees.
	return info.IsDir() || info.Mode().IsRegular()
}

// ensureBranch creates the orphan branch off the empty tree when it
// does not exist yet. The mainline branch is never touched.
func (s *Store) ensureBranch(ctx context.Context) error {
	ref := "refs/heads/" + s.cfg.Branch
	if _, err := s.git(ctx, s.repoRoot, "show-ref", "--verify", "--quiet", ref); err == nil {
		return nil
	}

	commit, err := s.git(ctx, s.repoRoot, "commit-tree", emptyTreeID, "-m", "Initialize memory branch")
	if err != nil {
		return err
	}
	_, err = s.git(ctx, s.repoRoot, "branch", s.cfg.Branch, strings.TrimSpace(commit))
	return err
}

func (s *Store) ensureWorktree(ctx context.Context) error {
	path := s.WorktreePath()
	if info, err := os.Stat(filepath.Join(path, ".git")); err == nil && info.Mode().IsRegular() {
		return nil
	}

	// Clear any registration left behind by a deleted directory.
	if _, err := s.git(ctx, s.repoRoot, "worktree", "prune"); err != nil {
		s.logger.Debug("git worktree prune failed")
	}

	_, err := s.git(ctx, s.repoRoot, "worktree", "add", path, s.cfg.Branch)
	return err
}

// ensureGitignore appends the worktree directory to the mainline
// .gitignore. Refuses to touch a .gitignore with uncommitted edits.
func (s *Store) ensureGitignore(ctx context.Context) error {
	path := filepath.Join(s.repoRoot, ".gitignore")
	entry := worktreeDirName + "/"

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("shadow: failed to read .gitignore: %w", err)
	}
	for _, line := range strings.Split(string(data), "\n") {
		if strings.TrimSpace(line) == entry {
			return nil
		}
	}

	status, err := s.git(ctx, s.repoRoot, "status", "--porcelain", "--", ".gitignore")
	if err != nil {
		return err
	}
	if strings.TrimSpace(status) != "" {
		return ErrGitignoreDirty
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("shadow: failed to open .gitignore: %w", err)
	}
	defer f.Close()

	prefix := ""
	if len(data) > 0 && data[len(data)-1] != '\n' {
		prefix = "\n"
	}
	if _, err := f.WriteString(prefix + entry + "\n"); err != nil {
		return fmt.Errorf("shadow: failed to update .gitignore: %w", err)
	}
	return nil
}

func (s *Store) git(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	output, err := cmd.CombinedOutput()
	if err != nil {
		return string(output), fmt.Errorf("%w: git %s: %s",
			ErrGitCommandFailed, strings.Join(args, " "), strings.TrimSpace(string(output)))
	}
	return string(output), nil
}

func (s *Store) setState(next State) {
	s.mu.Lock()
	prev := s.state
	s.state = next
	s.mu.Unlock()
	if prev != next {
		s.emitStateChange(prev, next)
	}
}

func (s *Store) emitStateChange(from, to State) {
	s.publish(events.ShadowStateChange, map[string]interface{}{
		"from": string(from),
		"to":   string(to),
	})
}

func (s *Store) publish(eventType string, data map[string]interface{}) {
	if s.eventBus == nil {
		return
	}
	event := bus.NewEvent(eventType, "shadow-store", data)
	if err := s.eventBus.Publish(context.Background(), eventType, event); err != nil {
		s.logger.Warn("failed to publish shadow event",
			zap.String("type", eventType), zap.Error(err))
	}
}
