package supervisor

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/kynetic/kbot/internal/common/logger"
)

// Restart reasons recorded in a checkpoint.
const (
	RestartReasonPlanned = "planned"
	RestartReasonUpgrade = "upgrade"
	RestartReasonCrash   = "crash"
)

const checkpointVersion = 1

var (
	// ErrCheckpointExpired marks a checkpoint older than the store TTL.
	ErrCheckpointExpired = errors.New("checkpoint expired")
	// ErrCheckpointInvalid marks a checkpoint that fails validation.
	ErrCheckpointInvalid = errors.New("invalid checkpoint")
)

// WakeContext tells the restarted child what it was doing.
type WakeContext struct {
	Prompt       string `yaml:"prompt"`
	PendingWork  string `yaml:"pending_work,omitempty"`
	Instructions string `yaml:"instructions,omitempty"`
}

// Checkpoint is the durable handoff written before (or synthesized
// after) a restart, stored as <dataDir>/checkpoints/<ulid>.yaml.
type Checkpoint struct {
	Version       int         `yaml:"version"`
	SessionID     string      `yaml:"session_id,omitempty"`
	RestartReason string      `yaml:"restart_reason"`
	WakeContext   WakeContext `yaml:"wake_context"`
	CreatedAt     time.Time   `yaml:"created_at"`
}

func (c *Checkpoint) validate() error {
	if c.Version != checkpointVersion {
		return fmt.Errorf("%w: unsupported version %d", ErrCheckpointInvalid, c.Version)
	}
	switch c.RestartReason {
	case RestartReasonPlanned, RestartReasonUpgrade, RestartReasonCrash:
	default:
		return fmt.Errorf("%w: unknown restart_reason %q", ErrCheckpointInvalid, c.RestartReason)
	}
	return nil
}

// CheckpointStore reads and writes checkpoint files. Files past the TTL
// are rejected on read and deleted by Sweep.
type CheckpointStore struct {
	dir    string
	ttl    time.Duration
	logger *logger.Logger
}

// NewCheckpointStore creates a store rooted at dir.
func NewCheckpointStore(dir string, ttl time.Duration, log *logger.Logger) *CheckpointStore {
	return &CheckpointStore{
		dir:    dir,
		ttl:    ttl,
		logger: log.WithFields(zap.String("component", "checkpoint-store")),
	}
}

// Save writes a checkpoint under a fresh ULID name and returns its path.
func (s *CheckpointStore) Save(cp *Checkpoint) (string, error) {
	cp.Version = checkpointVersion
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	if err := cp.validate(); err != nil {
		return "", err
	}

	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create checkpoint dir: %w", err)
	}

	data, err := yaml.Marshal(cp)
	if err != nil {
		return "", fmt.Errorf("failed to encode checkpoint: %w", err)
	}

	path := filepath.Join(s.dir, ulid.Make().String()+".yaml")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write checkpoint: %w", err)
	}

	s.logger.Info("checkpoint written",
		zap.String("path", path),
		zap.String("restart_reason", cp.RestartReason))
	return path, nil
}

// Load reads and validates one checkpoint file.
func (s *CheckpointStore) Load(path string) (*Checkpoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint: %w", err)
	}

	var cp Checkpoint
	if err := yaml.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCheckpointInvalid, err)
	}
	if err := cp.validate(); err != nil {
		return nil, err
	}
	if time.Since(cp.CreatedAt) > s.ttl {
		return nil, fmt.Errorf("%w: created %s", ErrCheckpointExpired, cp.CreatedAt.Format(time.RFC3339))
	}
	return &cp, nil
}

// Latest returns the newest non-expired checkpoint and its path, or nil
// when none exists. ULID filenames sort chronologically.
func (s *CheckpointStore) Latest() (*Checkpoint, string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, "", nil
		}
		return nil, "", fmt.Errorf("failed to list checkpoints: %w", err)
	}

	var names []string
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".yaml") {
			names = append(names, entry.Name())
		}
	}
	sort.Sort(sort.Reverse(sort.StringSlice(names)))

	for _, name := range names {
		path := filepath.Join(s.dir, name)
		cp, err := s.Load(path)
		if err != nil {
			s.logger.Debug("skipping unusable checkpoint",
				zap.String("path", path), zap.Error(err))
			continue
		}
		return cp, path, nil
	}
	return nil, "", nil
}

// Sweep deletes expired or unreadable checkpoint files. Runs on
// supervisor startup.
func (s *CheckpointStore) Sweep() int {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0
	}

	removed := 0
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".yaml") {
			continue
		}
		path := filepath.Join(s.dir, entry.Name())
		if _, err := s.Load(path); err == nil {
			continue
		}
		if err := os.Remove(path); err != nil {
			s.logger.Warn("failed to remove stale checkpoint",
				zap.String("path", path), zap.Error(err))
			continue
		}
		removed++
	}
	if removed > 0 {
		s.logger.Info("swept stale checkpoints", zap.Int("removed", removed))
	}
	return removed
}
